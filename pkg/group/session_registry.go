package group

import (
	"sort"
	"sync"

	"github.com/groupkit/groupd/pkg/types"
)

// sessionState is the replicated bookkeeping SessionRegistry keeps per
// session. It is mutated only from StateMachine.Apply, so every
// replica converges on the same view.
type sessionState struct {
	active    bool
	listening bool
}

// SessionRegistry tracks sessionId -> state and fans events out to
// active sessions only (spec §4.2). It never reorders; ordering is the
// caller's (StateMachine's) responsibility.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*sessionState
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[types.SessionID]*sessionState)}
}

// Open registers a newly-opened session as active but not yet
// listening; listening is granted by MarkListening (Listen command).
func (r *SessionRegistry) Open(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &sessionState{active: true}
}

// Close transitions a session to inactive. The caller
// (StateMachine.applySessionClose) is responsible for the member
// cleanup this triggers; the registry itself only tracks state.
func (r *SessionRegistry) Close(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.active = false
	}
}

// MarkListening records that id has called Listen and should receive
// broadcast join/leave fan-out from now on.
func (r *SessionRegistry) MarkListening(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.listening = true
	}
}

// IsActive reports whether id is a currently open session.
func (r *SessionRegistry) IsActive(id types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return ok && s.active
}

// ActiveListeners returns every active, listening session in
// ascending id order, for deterministic broadcast fan-out.
func (r *SessionRegistry) ActiveListeners() []types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.SessionID, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.active && s.listening {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
