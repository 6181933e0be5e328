package runtime

import (
	"time"

	"github.com/hashicorp/raft"
)

// StateMachine is what both InMemoryRuntime and RaftRuntime drive: a
// standard raft.FSM for commands, a synchronous read-only Query method
// for the handful of operations (spec §4.1 GetProperty) that don't
// need to go through the log to be linearizable, and LogicalNow so the
// runtime can expose the same deterministic clock the FSM uses
// internally for ExpirationScheduler.
type StateMachine interface {
	raft.FSM
	Query(q Query) (any, error)
	LogicalNow() time.Time
}

// fsmClock adapts a StateMachine's own notion of "now" (derived from
// the last applied log entry's AppendedAt) to the Clock interface so
// callers outside pkg/group can read it without reaching into FSM
// internals.
type fsmClock struct{ fsm StateMachine }

func (c fsmClock) Now() time.Time { return c.fsm.LogicalNow() }
