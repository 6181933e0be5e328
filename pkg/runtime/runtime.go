// Package runtime defines the Replication Runtime contract the
// group-coordination core is built against (spec §6): linearizable
// command/query submission, per-session event publish, a deterministic
// logical clock, and session lifecycle notification. Two
// implementations are provided: InMemoryRuntime for embedding and
// tests, and RaftRuntime, grounded on github.com/hashicorp/raft the
// same way cuemby/warren's manager package is.
package runtime

import (
	"context"
	"errors"

	"github.com/groupkit/groupd/pkg/types"
)

// ErrNotLeader is returned by SubmitCommand/SubmitQuery when this
// runtime instance is not currently able to serve linearizable
// operations (e.g. a Raft follower).
var ErrNotLeader = errors.New("groupd: not the leader")

// Command is the wire-opaque envelope applied, in log order, on every
// replica. Op names and Data encoding are owned by the state machine;
// the runtime only transports them.
type Command struct {
	Op        string
	Data      []byte
	SessionID types.SessionID
}

// Query is the read-only counterpart of Command. Queries never mutate
// state and may be served from a linearizable local read instead of a
// log entry.
type Query struct {
	Op   string
	Data []byte
}

// CommandFuture is returned by SubmitCommand. Response is the value
// the state machine's Apply returned for this command, valid only
// once Error() returns nil.
type CommandFuture interface {
	// Wait blocks until the command has been applied or ctx is done.
	Wait(ctx context.Context) error
	Error() error
	Response() any
}

// QueryFuture is the read-only counterpart of CommandFuture.
type QueryFuture interface {
	Wait(ctx context.Context) error
	Error() error
	Response() any
}

// Event is published to a single session: join/leave/task/ack/fail,
// spec §6.
type Event struct {
	Name    string
	Payload []byte
}

// ClientSession is the caller-context handle returned by OpenSession.
// Events arrive on Events() in commit order; callers must drain it
// from a single goroutine to preserve ordering.
type ClientSession struct {
	ID     types.SessionID
	events <-chan Event
	closed <-chan struct{}
}

// Events returns the channel events for this session arrive on. It is
// closed when the session closes.
func (s *ClientSession) Events() <-chan Event { return s.events }

// Done reports when the runtime has observed this session closing
// (locally or via a replicated SessionClose).
func (s *ClientSession) Done() <-chan struct{} { return s.closed }

// EventSink is the server-side publish surface a state machine uses
// from inside Apply. Implementations deliver only to sessions they
// physically own; publishing to a session this replica doesn't hold a
// live channel for is a silent no-op (spec §7: "event delivery
// failures are silently dropped").
type EventSink interface {
	Publish(session types.SessionID, event string, payload []byte)
}

// Runtime is the core's view of the Replication Runtime.
type Runtime interface {
	// SubmitCommand proposes cmd for replication. The future resolves
	// once the command has been applied on this node (which, for a
	// Raft-backed runtime, implies committed).
	SubmitCommand(ctx context.Context, cmd Command) CommandFuture
	// SubmitQuery serves q as a linearizable local read without
	// appending to the log.
	SubmitQuery(ctx context.Context, q Query) QueryFuture
	// OpenSession registers a new session and returns its handle.
	// Opening a session is itself replicated (OpSessionOpen) so every
	// replica's SessionRegistry agrees on which sessions exist.
	OpenSession(ctx context.Context) (*ClientSession, error)
	// CloseSession replicates the session's closure and stops event
	// delivery for it.
	CloseSession(ctx context.Context, id types.SessionID) error
	// IsLeader reports whether this runtime can currently serve
	// linearizable commands/queries.
	IsLeader() bool
	// Clock exposes the runtime's deterministic logical clock.
	Clock() Clock
}
