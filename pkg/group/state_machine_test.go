package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

// fakeSink captures every Publish call so tests can assert on the
// exact event sequence a session observed, the same black-box
// approach warren's own FSM tests use against its event broker.
type fakeSink struct {
	events []sinkEvent
}

type sinkEvent struct {
	session types.SessionID
	name    string
	payload []byte
}

func (f *fakeSink) Publish(session types.SessionID, event string, payload []byte) {
	f.events = append(f.events, sinkEvent{session: session, name: event, payload: payload})
}

func newTestRuntime(t *testing.T) (*runtime.InMemoryRuntime, *StateMachine, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	fsm := NewStateMachine(Config{Expiration: 0}, sink)
	rt := runtime.NewInMemoryRuntime(fsm, time.Unix(0, 0))
	return rt, fsm, sink
}

func openSession(t *testing.T, rt *runtime.InMemoryRuntime) *runtime.ClientSession {
	t.Helper()
	sess, err := rt.OpenSession(context.Background())
	require.NoError(t, err)
	return sess
}

func applyJoin(t *testing.T, rt *runtime.InMemoryRuntime, session types.SessionID, p JoinPayload) runtime.CommandFuture {
	t.Helper()
	future := rt.SubmitCommand(context.Background(), runtime.Command{
		Op:        OpJoin,
		Data:      marshal(p),
		SessionID: session,
	})
	require.NoError(t, future.Wait(context.Background()))
	return future
}

func TestJoinAssignsAscendingIndex(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	sess := openSession(t, rt)

	f1 := applyJoin(t, rt, sess.ID, JoinPayload{MemberID: "a", Persistent: true})
	f2 := applyJoin(t, rt, sess.ID, JoinPayload{MemberID: "b", Persistent: true})

	info1 := f1.Response().(types.GroupMemberInfo)
	info2 := f2.Response().(types.GroupMemberInfo)

	assert.Equal(t, "a", info1.MemberID)
	assert.Equal(t, "b", info2.MemberID)
	assert.Less(t, info1.Index, info2.Index)
}

func TestJoinEphemeralDuplicateRejected(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	sess := openSession(t, rt)

	applyJoin(t, rt, sess.ID, JoinPayload{MemberID: "a", Persistent: false})

	f := rt.SubmitCommand(context.Background(), runtime.Command{
		Op:        OpJoin,
		Data:      marshal(JoinPayload{MemberID: "a", Persistent: false}),
		SessionID: sess.ID,
	})
	err := f.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrEphemeralExists)
}

func TestPersistentMemberSurvivesRebind(t *testing.T) {
	fsm := NewStateMachine(Config{Expiration: 5 * time.Second}, &fakeSink{})
	rt := runtime.NewInMemoryRuntime(fsm, time.Unix(0, 0))
	sess1 := openSession(t, rt)

	original := applyJoin(t, rt, sess1.ID, JoinPayload{MemberID: "a", Persistent: true}).Response().(types.GroupMemberInfo)

	require.NoError(t, rt.CloseSession(context.Background(), sess1.ID))

	sess2 := openSession(t, rt)
	rebound := applyJoin(t, rt, sess2.ID, JoinPayload{MemberID: "a", Persistent: true}).Response().(types.GroupMemberInfo)

	assert.Equal(t, original.Index, rebound.Index)
	assert.Equal(t, original.MemberID, rebound.MemberID)
}

func TestPersistentMemberExpiresAfterGrace(t *testing.T) {
	sink := &fakeSink{}
	fsm := NewStateMachine(Config{Expiration: 5 * time.Second}, sink)
	rt := runtime.NewInMemoryRuntime(fsm, time.Unix(0, 0))

	// leave is broadcast only to listening sessions, so an observer listens.
	observer := openSession(t, rt)
	require.NoError(t, rt.SubmitCommand(context.Background(), runtime.Command{Op: OpListen, SessionID: observer.ID}).Wait(context.Background()))

	sess := openSession(t, rt)
	applyJoin(t, rt, sess.ID, JoinPayload{MemberID: "a", Persistent: true})
	require.NoError(t, rt.CloseSession(context.Background(), sess.ID))

	require.NoError(t, rt.AdvanceAndTick(context.Background(), 2*time.Second))
	assert.False(t, hasLeaveEvent(sink, "a"), "member should not have expired yet")

	require.NoError(t, rt.AdvanceAndTick(context.Background(), 4*time.Second))
	assert.True(t, hasLeaveEvent(sink, "a"), "member should have expired by now")
}

func hasLeaveEvent(sink *fakeSink, memberID string) bool {
	for _, e := range sink.events {
		if e.name == "leave" && string(e.payload) == string(marshal(memberID)) {
			return true
		}
	}
	return false
}

func TestSetAndGetProperty(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	sess := openSession(t, rt)

	f := rt.SubmitCommand(context.Background(), runtime.Command{
		Op:        OpSetProperty,
		Data:      marshal(SetPropertyPayload{Name: "region", Value: []byte("us-east")}),
		SessionID: sess.ID,
	})
	require.NoError(t, f.Wait(context.Background()))

	q := rt.SubmitQuery(context.Background(), runtime.Query{
		Op:   OpGetProperty,
		Data: marshal(PropertyQuery{Name: "region"}),
	})
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, []byte("us-east"), q.Response())
}

func TestSubmitAndAckResolvesFuture(t *testing.T) {
	rt, _, sink := newTestRuntime(t)
	sess := openSession(t, rt)
	applyJoin(t, rt, sess.ID, JoinPayload{MemberID: "worker", Persistent: true})

	submitFuture := rt.SubmitCommand(context.Background(), runtime.Command{
		Op:        OpSubmit,
		Data:      marshal(SubmitPayload{TargetMemberID: "worker", Payload: []byte("x")}),
		SessionID: sess.ID,
	})
	require.NoError(t, submitFuture.Wait(context.Background()))
	taskIndex := submitFuture.Response().(uint64)

	ackFuture := rt.SubmitCommand(context.Background(), runtime.Command{
		Op:   OpAck,
		Data: marshal(AckPayload{MemberID: "worker", TaskIndex: taskIndex, Succeeded: true}),
	})
	require.NoError(t, ackFuture.Wait(context.Background()))

	var sawAck bool
	for _, e := range sink.events {
		if e.name == "ack" {
			sawAck = true
		}
	}
	assert.True(t, sawAck)
}

func TestUnknownOpReturnsError(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	f := rt.SubmitCommand(context.Background(), runtime.Command{Op: "bogus"})
	assert.Error(t, f.Wait(context.Background()))
}
