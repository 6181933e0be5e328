package group

import (
	"sort"
	"time"
)

// expirationTimer is one pending persistent-member expiry.
type expirationTimer struct {
	memberID string
	deadline time.Time
}

// ExpirationScheduler holds deterministic, logical-clock-driven timers
// used to defer leave-events for persistent members (spec §4.1). It
// carries only memberId by value and is re-validated on fire, so a
// rebinding Join naturally invalidates a stale timer by removing it.
type ExpirationScheduler struct {
	timers []expirationTimer
}

// NewExpirationScheduler creates an empty scheduler.
func NewExpirationScheduler() *ExpirationScheduler {
	return &ExpirationScheduler{}
}

// Schedule arms (or re-arms) an expiration for memberID at deadline.
func (s *ExpirationScheduler) Schedule(memberID string, deadline time.Time) {
	s.Cancel(memberID)
	s.timers = append(s.timers, expirationTimer{memberID: memberID, deadline: deadline})
}

// Cancel removes any pending timer for memberID, e.g. on a rebinding
// Join.
func (s *ExpirationScheduler) Cancel(memberID string) {
	for i, t := range s.timers {
		if t.memberID == memberID {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// PopDue removes and returns every timer whose deadline is at or
// before now, ordered by deadline then memberID so replays are
// identical across replicas.
func (s *ExpirationScheduler) PopDue(now time.Time) []string {
	var due []expirationTimer
	var remaining []expirationTimer
	for _, t := range s.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.timers = remaining

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].memberID < due[j].memberID
		}
		return due[i].deadline.Before(due[j].deadline)
	})

	ids := make([]string, len(due))
	for i, t := range due {
		ids[i] = t.memberID
	}
	return ids
}
