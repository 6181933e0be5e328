package runtime

import (
	"context"

	"github.com/hashicorp/raft"
)

// chanFuture is a minimal promise used by InMemoryRuntime, where
// commands resolve synchronously on the calling goroutine.
type chanFuture struct {
	err  error
	resp any
}

func resolvedFuture(applyReturn any) *chanFuture {
	v, err := unwrapApply(applyReturn)
	return &chanFuture{resp: v, err: err}
}

// unwrapApply extracts (value, error) from whatever a StateMachine's
// Apply returned, whether or not it used the ApplyResult convention.
func unwrapApply(v any) (any, error) {
	if ar, ok := v.(ApplyResult); ok {
		return ar.Value, ar.Err
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

func (f *chanFuture) Wait(ctx context.Context) error { return f.err }
func (f *chanFuture) Error() error                   { return f.err }
func (f *chanFuture) Response() any                  { return f.resp }

// ApplyResult is what StateMachine.Apply returns: either a payload or
// an error, never both, mirroring warren's WarrenFSM.Apply convention
// of returning the store call's own error directly — wrapped so a
// Raft-level failure (never committed) and an application-level
// failure (committed, but the command itself was rejected, e.g.
// EphemeralExists) can both be reported through the same future.
type ApplyResult struct {
	Value any
	Err   error
}

// raftCommandFuture adapts a raft.ApplyFuture to runtime.CommandFuture,
// unwrapping ApplyResult so callers see one Error()/Response() pair
// regardless of whether the failure was at the Raft layer or inside
// Apply itself.
type raftCommandFuture struct {
	inner raft.ApplyFuture
}

func (f *raftCommandFuture) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- f.inner.Error() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *raftCommandFuture) Error() error {
	if err := f.inner.Error(); err != nil {
		return err
	}
	_, err := unwrapApply(f.inner.Response())
	return err
}

func (f *raftCommandFuture) Response() any {
	if err := f.inner.Error(); err != nil {
		return nil
	}
	v, _ := unwrapApply(f.inner.Response())
	return v
}
