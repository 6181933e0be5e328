package group

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/groupkit/groupd/pkg/types"
)

// groupSnapshot is a point-in-time copy of everything Apply mutates.
// It is taken periodically by Raft to let it compact its log.
type groupSnapshot struct {
	Now        time.Time                `json:"now"`
	Members    map[string]*types.Member `json:"members"`
	Properties map[string][]byte        `json:"properties"`
}

// Snapshot implements raft.FSM.
func (sm *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	members := make(map[string]*types.Member, len(sm.members))
	for id, m := range sm.members {
		cp := *m
		members[id] = &cp
	}
	properties := make(map[string][]byte, len(sm.properties))
	for k, v := range sm.properties {
		properties[k] = v
	}

	return &groupSnapshot{
		Now:        sm.now,
		Members:    members,
		Properties: properties,
	}, nil
}

// Restore implements raft.FSM. Session state and scheduled expirations
// are not part of the snapshot: Restore starts with an empty session
// registry, drops ephemeral members, unbinds persistent members and,
// when Expiration is positive, arms a fresh expiration for each of
// them from the restored logical time. With zero Expiration no timer
// is armed for them.
func (sm *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap groupSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode group snapshot: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.now = snap.Now
	sm.members = snap.Members
	if sm.members == nil {
		sm.members = make(map[string]*types.Member)
	}
	sm.properties = snap.Properties
	if sm.properties == nil {
		sm.properties = make(map[string][]byte)
	}
	sm.sessions = NewSessionRegistry()
	sm.scheduler = NewExpirationScheduler()

	for id, m := range sm.members {
		if !m.Persistent {
			// Ephemeral members never outlive a restart; their owning
			// session is gone and nothing will ever re-bind them.
			delete(sm.members, id)
			continue
		}
		m.HasSession = false
		m.BoundSession = 0
		if sm.cfg.Expiration > 0 {
			sm.scheduler.Schedule(id, sm.now.Add(sm.cfg.Expiration))
		}
	}

	return nil
}

// Persist writes the snapshot to sink, the way WarrenFSM's snapshot
// type does.
func (s *groupSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release implements raft.FSMSnapshot.
func (s *groupSnapshot) Release() {}
