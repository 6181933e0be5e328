package groupclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkit/groupd/pkg/types"
)

func TestElectionPicksOldestMember(t *testing.T) {
	e := NewElectionEngine()

	e.OnJoin(types.GroupMemberInfo{Index: 3, MemberID: "c"})
	e.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	e.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	leader, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "a", leader.MemberID)
}

func TestElectionReElectsOnLeaderLeave(t *testing.T) {
	e := NewElectionEngine()
	e.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	e.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	e.OnLeave("a")

	leader, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "b", leader.MemberID)
}

func TestElectionNoLeaderWhenEmpty(t *testing.T) {
	e := NewElectionEngine()
	e.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	e.OnLeave("a")

	_, ok := e.Leader()
	assert.False(t, ok)
}

func TestElectionTermListenerFiresOnChange(t *testing.T) {
	e := NewElectionEngine()
	var terms []types.Term
	e.AddTermListener(func(term types.Term) { terms = append(terms, term) })

	e.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	e.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})
	e.OnLeave("a")

	require.Len(t, terms, 2)
	assert.Equal(t, "a", terms[0].Leader)
	assert.Equal(t, "b", terms[1].Leader)
	assert.Equal(t, uint64(1), terms[0].Term)
	assert.Equal(t, uint64(2), terms[1].Term)
}

func TestElectionLeaderUnaffectedByNonLeaderLeave(t *testing.T) {
	e := NewElectionEngine()
	e.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	e.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	e.OnLeave("b")

	leader, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "a", leader.MemberID)
	assert.Equal(t, uint64(1), e.Term())
}
