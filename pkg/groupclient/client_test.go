package groupclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

func newTestClient(t *testing.T) (*runtime.InMemoryRuntime, *GroupClient) {
	t.Helper()
	sink := &runtimeSink{}
	fsm := group.NewStateMachine(group.Config{}, sink)
	rt := runtime.NewInMemoryRuntime(fsm, time.Unix(0, 0))
	sink.rt = rt

	c, err := New(context.Background(), rt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	// Join/Leave wait for their own event, which only listening
	// sessions receive.
	_, err = c.Listen(context.Background())
	require.NoError(t, err)
	return rt, c
}

// runtimeSink forwards state-machine events to the runtime's sessions;
// it is bound once the runtime exists.
type runtimeSink struct{ rt *runtime.InMemoryRuntime }

func (s *runtimeSink) Publish(session types.SessionID, event string, payload []byte) {
	if s.rt != nil {
		s.rt.Publish(session, event, payload)
	}
}

func TestJoinAndListenConverge(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Listen(ctx)
	require.NoError(t, err)

	info, err := c.Join(ctx, "worker-1", "127.0.0.1:9001", true)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", info.MemberID)

	members := c.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "worker-1", members[0].MemberID)
}

func TestJoinMintsMemberIDWhenEmpty(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	info, err := c.Join(ctx, "", "", false)
	require.NoError(t, err)
	assert.NotEmpty(t, info.MemberID)
}

func TestLeaveRemovesFromMirror(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	info, err := c.Join(ctx, "worker-1", "", true)
	require.NoError(t, err)

	require.NoError(t, c.Leave(ctx, info.MemberID))
	assert.Empty(t, c.Members())
}

func TestPropertyRoundTrip(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	info, err := c.Join(ctx, "worker-1", "", true)
	require.NoError(t, err)

	require.NoError(t, c.SetProperty(ctx, info.MemberID, "role", []byte("leader")))
	v, err := c.GetProperty(ctx, info.MemberID, "role")
	require.NoError(t, err)
	assert.Equal(t, []byte("leader"), v)

	require.NoError(t, c.RemoveProperty(ctx, info.MemberID, "role"))
	v, err = c.GetProperty(ctx, info.MemberID, "role")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSubmitAndAckFuture(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	info, err := c.Join(ctx, "worker-1", "", true)
	require.NoError(t, err)

	c.AddTaskListener(func(task types.GroupTask) {
		_ = c.Ack(ctx, task.MemberID, task.Index, true)
	})

	future, err := c.Submit(ctx, info.MemberID, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, future.Wait(ctx))
}

func TestSubmitToUnknownMemberFails(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "ghost", []byte("x"))
	assert.Error(t, err)
}

func TestSubmitAllFansToEveryMember(t *testing.T) {
	_, c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Join(ctx, "a", "", true)
	require.NoError(t, err)
	_, err = c.Join(ctx, "b", "", true)
	require.NoError(t, err)

	c.AddTaskListener(func(task types.GroupTask) {
		_ = c.Ack(ctx, task.MemberID, task.Index, true)
	})

	futures, err := c.SubmitAll(ctx, []byte("x"))
	require.NoError(t, err)
	require.Len(t, futures, 2)

	for _, f := range futures {
		assert.NoError(t, f.Wait(ctx))
	}
}
