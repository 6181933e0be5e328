package groupclient

import (
	"context"
	"sync"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

// TaskFuture completes when the router observes the matching ack or
// fail event for the task it was returned for.
type TaskFuture struct {
	index uint64
	done  chan struct{}
	err   error
}

// Index is the log index identifying this task; it doubles as the
// future's completion key.
func (f *TaskFuture) Index() uint64 { return f.index }

// Wait blocks until the task completes or ctx is done.
func (f *TaskFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskRouter is the per-member outbound submission path (spec §4.4).
// At-most-one-in-flight per member is enforced by GroupStateMachine;
// the router itself may have many submissions outstanding to distinct
// members at once.
type TaskRouter struct {
	rt runtime.Runtime

	mu      sync.Mutex
	pending map[uint64]*TaskFuture
}

// NewTaskRouter creates a router submitting through rt.
func NewTaskRouter(rt runtime.Runtime) *TaskRouter {
	return &TaskRouter{rt: rt, pending: make(map[uint64]*TaskFuture)}
}

// Submit sends a Submit command for targetMemberID and returns a
// future that resolves on ack/fail. If the command itself fails (e.g.
// UnknownMember), no task is ever enqueued and Submit returns the
// error directly without a future.
func (r *TaskRouter) Submit(ctx context.Context, session types.SessionID, targetMemberID string, payload []byte, ackMode types.AckMode) (*TaskFuture, error) {
	cmd := runtime.Command{
		Op:        group.OpSubmit,
		Data:      marshal(group.SubmitPayload{TargetMemberID: targetMemberID, Payload: payload, AckMode: ackMode}),
		SessionID: session,
	}
	f := r.rt.SubmitCommand(ctx, cmd)
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	if err := f.Error(); err != nil {
		return nil, err
	}
	index, _ := f.Response().(uint64)

	tf := &TaskFuture{index: index, done: make(chan struct{})}
	r.mu.Lock()
	r.pending[index] = tf
	r.mu.Unlock()
	return tf, nil
}

// complete resolves the future for task, if one is still outstanding.
// It is invoked from the client's event-processing context on receipt
// of the corresponding "ack"/"fail" event.
func (r *TaskRouter) complete(task types.Task, err error) {
	r.mu.Lock()
	tf, ok := r.pending[task.Index]
	if ok {
		delete(r.pending, task.Index)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	tf.err = err
	close(tf.done)
}

// failAll completes every still-outstanding future with TaskFailed,
// used when the router's session itself is torn down.
func (r *TaskRouter) failAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*TaskFuture)
	r.mu.Unlock()

	for _, tf := range pending {
		tf.err = types.ErrTaskFailed
		close(tf.done)
	}
}
