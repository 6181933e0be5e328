package groupclient

import (
	"sort"
	"sync"

	"github.com/groupkit/groupd/pkg/types"
)

// ElectionEngine derives a leader from the client's own member mirror
// (spec §4.3): ascending index order, oldest surviving member wins.
// Every client mirror that has converged on the same member set
// derives the same leader without any further coordination.
type ElectionEngine struct {
	mu      sync.Mutex
	members []types.GroupMemberInfo // sorted ascending by Index
	leader  *types.GroupMemberInfo
	term    uint64
	onTerm  []func(types.Term)
}

// NewElectionEngine creates an engine with no candidates and no term.
func NewElectionEngine() *ElectionEngine {
	return &ElectionEngine{}
}

// AddTermListener registers fn to be called, synchronously on the
// event-processing context, whenever the elected leader changes.
func (e *ElectionEngine) AddTermListener(fn func(types.Term)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTerm = append(e.onTerm, fn)
}

// Leader returns the current leader and whether one exists.
func (e *ElectionEngine) Leader() (types.GroupMemberInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leader == nil {
		return types.GroupMemberInfo{}, false
	}
	return *e.leader, true
}

// Term returns the current client-view term number.
func (e *ElectionEngine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// OnJoin admits m as a candidate and re-elects if m is now the
// oldest-surviving member.
func (e *ElectionEngine) OnJoin(m types.GroupMemberInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(m.MemberID)
	i := sort.Search(len(e.members), func(i int) bool { return e.members[i].Index >= m.Index })
	e.members = append(e.members, types.GroupMemberInfo{})
	copy(e.members[i+1:], e.members[i:])
	e.members[i] = m

	if e.leader == nil || m.Index < e.leader.Index {
		e.electLocked(m)
	}
}

// OnLeave retires memberID and re-elects from the remaining set if it
// was the leader.
func (e *ElectionEngine) OnLeave(memberID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(memberID)

	if e.leader == nil || e.leader.MemberID != memberID {
		return
	}
	if len(e.members) == 0 {
		e.leader = nil
		return
	}
	e.electLocked(e.members[0])
}

func (e *ElectionEngine) removeLocked(memberID string) {
	for i, m := range e.members {
		if m.MemberID == memberID {
			e.members = append(e.members[:i], e.members[i+1:]...)
			return
		}
	}
}

func (e *ElectionEngine) electLocked(m types.GroupMemberInfo) {
	leader := m
	e.leader = &leader
	e.term++
	term := types.Term{Term: e.term, Leader: leader.MemberID}
	for _, fn := range e.onTerm {
		fn(term)
	}
}
