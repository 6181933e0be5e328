package groupclient

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/groupkit/groupd/pkg/types"
)

func TestTaskRouterFailAllResolvesOutstandingFutures(t *testing.T) {
	r := NewTaskRouter(nil)

	tf1 := &TaskFuture{index: 1, done: make(chan struct{})}
	tf2 := &TaskFuture{index: 2, done: make(chan struct{})}
	r.pending[1] = tf1
	r.pending[2] = tf2

	r.failAll()

	assert.ErrorIs(t, tf1.Wait(t.Context()), types.ErrTaskFailed)
	assert.ErrorIs(t, tf2.Wait(t.Context()), types.ErrTaskFailed)
	assert.Empty(t, r.pending)
}

func TestTaskRouterCompleteIgnoresUnknownIndex(t *testing.T) {
	r := NewTaskRouter(nil)
	r.complete(types.Task{Index: 999}, nil)
}
