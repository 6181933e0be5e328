package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/groupkit/groupd/pkg/types"
)

// InMemoryRuntime drives a StateMachine directly, without a Raft
// cluster, by fabricating the same *raft.Log entries a real leader
// would append. It is single-node and single-process: every command
// "commits" synchronously on the calling goroutine. Used for
// embedding the core in one binary and for deterministic tests, where
// FakeClock is advanced explicitly instead of waiting on wall time.
type InMemoryRuntime struct {
	mu       sync.Mutex
	fsm      StateMachine
	clock    *FakeClock
	nextIdx  uint64
	nextTerm uint64
	sessions map[types.SessionID]chan Event
	doneChs  map[types.SessionID]chan struct{}
	nextSess uint64
}

// NewInMemoryRuntime creates a runtime that applies commands directly
// to fsm, starting the logical clock at t0.
func NewInMemoryRuntime(fsm StateMachine, t0 time.Time) *InMemoryRuntime {
	return &InMemoryRuntime{
		fsm:      fsm,
		clock:    NewFakeClock(t0),
		sessions: make(map[types.SessionID]chan Event),
		doneChs:  make(map[types.SessionID]chan struct{}),
	}
}

// Clock returns the state machine's own view of logical time, which
// tracks the FakeClock one Apply call behind (it updates from each
// command's AppendedAt). Use FakeClockRef().Advance to move time
// forward, then Tick to let the FSM observe the new time.
func (r *InMemoryRuntime) Clock() Clock { return fsmClock{fsm: r.fsm} }

// FakeClockRef exposes the concrete clock so tests can Advance it.
func (r *InMemoryRuntime) FakeClockRef() *FakeClock { return r.clock }

func (r *InMemoryRuntime) IsLeader() bool { return true }

func (r *InMemoryRuntime) nextLog(data []byte) *raft.Log {
	r.mu.Lock()
	r.nextIdx++
	idx := r.nextIdx
	r.mu.Unlock()
	return &raft.Log{
		Index:      idx,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: r.clock.Now(),
	}
}

func (r *InMemoryRuntime) SubmitCommand(ctx context.Context, cmd Command) CommandFuture {
	data, err := encodeCommand(cmd)
	if err != nil {
		return resolvedFuture(err)
	}
	log := r.nextLog(data)
	result := r.fsm.Apply(log)
	return resolvedFuture(result)
}

func (r *InMemoryRuntime) SubmitQuery(ctx context.Context, q Query) QueryFuture {
	v, err := r.fsm.Query(q)
	return resolvedFuture(ApplyResult{Value: v, Err: err})
}

// Publish implements EventSink for this runtime's local sessions.
func (r *InMemoryRuntime) Publish(session types.SessionID, event string, payload []byte) {
	r.mu.Lock()
	ch, ok := r.sessions[session]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Event{Name: event, Payload: payload}:
	default:
		// Slow consumer: drop rather than block the deterministic
		// apply path, matching spec §7's "silently dropped" policy
		// for event delivery failures.
	}
}

func (r *InMemoryRuntime) OpenSession(ctx context.Context) (*ClientSession, error) {
	id := types.SessionID(atomic.AddUint64(&r.nextSess, 1))
	ch := make(chan Event, 64)
	done := make(chan struct{})

	r.mu.Lock()
	r.sessions[id] = ch
	r.doneChs[id] = done
	r.mu.Unlock()

	cmd := Command{Op: OpSessionOpen, SessionID: id}
	if err := r.SubmitCommand(ctx, cmd).Error(); err != nil {
		return nil, err
	}
	return &ClientSession{ID: id, events: ch, closed: done}, nil
}

func (r *InMemoryRuntime) CloseSession(ctx context.Context, id types.SessionID) error {
	cmd := Command{Op: OpSessionClose, SessionID: id}
	err := r.SubmitCommand(ctx, cmd).Error()

	r.mu.Lock()
	if ch, ok := r.sessions[id]; ok {
		close(ch)
		delete(r.sessions, id)
	}
	if done, ok := r.doneChs[id]; ok {
		close(done)
		delete(r.doneChs, id)
	}
	r.mu.Unlock()
	return err
}

// Tick fabricates an OpTick command, advancing the logical clock and
// giving ExpirationScheduler a chance to fire without any member
// traffic — the in-memory analogue of RaftRuntime's leader ticker.
func (r *InMemoryRuntime) Tick(ctx context.Context) error {
	return r.SubmitCommand(ctx, Command{Op: OpTick}).Error()
}

// AdvanceAndTick advances the fake clock by d and applies a Tick so
// ExpirationScheduler timers due by the new time are evaluated. This
// is the primary way tests exercise spec §8 scenarios 2/3 (persistent
// revival/expiration) without real sleeps.
func (r *InMemoryRuntime) AdvanceAndTick(ctx context.Context, d time.Duration) error {
	r.clock.Advance(d)
	return r.Tick(ctx)
}
