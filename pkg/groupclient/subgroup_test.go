package groupclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkit/groupd/pkg/types"
)

func TestHashSubGroupStableAssignment(t *testing.T) {
	h := NewHashSubGroup(50, DefaultHasher)
	h.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	h.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})
	h.OnJoin(types.GroupMemberInfo{Index: 3, MemberID: "c"})

	owner1, ok := h.MemberFor([]byte("key-1"))
	require.True(t, ok)
	owner2, ok := h.MemberFor([]byte("key-1"))
	require.True(t, ok)
	assert.Equal(t, owner1, owner2, "the same key must always resolve to the same owner")
}

func TestHashSubGroupEmptyRingHasNoOwner(t *testing.T) {
	h := NewHashSubGroup(10, DefaultHasher)
	_, ok := h.MemberFor([]byte("key"))
	assert.False(t, ok)
}

func TestHashSubGroupRemovesAllVirtualNodesOnLeave(t *testing.T) {
	h := NewHashSubGroup(20, DefaultHasher)
	h.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	h.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	h.OnLeave("a")

	for i := 0; i < 50; i++ {
		owner, ok := h.MemberFor([]byte{byte(i)})
		if ok {
			assert.Equal(t, "b", owner)
		}
	}
}

func TestModuloPartitionerDistributesEvenly(t *testing.T) {
	p := ModuloPartitioner{}
	members := []string{"a", "b", "c"}

	assignA := p.AssignPartition(0, members, 1)
	assignB := p.AssignPartition(1, members, 1)

	require.Len(t, assignA, 1)
	require.Len(t, assignB, 1)
	assert.NotEqual(t, assignA[0], assignB[0])
}

func TestPartitionSubGroupEmitsMigrationOnMembershipChange(t *testing.T) {
	p := NewPartitionSubGroup(4, 1, ModuloPartitioner{})

	var migrations []PartitionMigration
	p.AddMigrationListener(func(m PartitionMigration) { migrations = append(migrations, m) })

	p.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	p.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	assert.NotEmpty(t, migrations, "adding a second member should reassign at least one partition")
}

func TestPartitionSubGroupAssignmentWithinBounds(t *testing.T) {
	p := NewPartitionSubGroup(4, 1, ModuloPartitioner{})
	p.OnJoin(types.GroupMemberInfo{Index: 1, MemberID: "a"})
	p.OnJoin(types.GroupMemberInfo{Index: 2, MemberID: "b"})

	for i := 0; i < 4; i++ {
		assignment := p.Assignment(i)
		require.Len(t, assignment, 1)
		assert.Contains(t, []string{"a", "b"}, assignment[0])
	}
}
