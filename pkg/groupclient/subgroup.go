package groupclient

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/groupkit/groupd/pkg/types"
)

// SubGroup is a derived, filtered view of the base group's membership
// (spec §4.5). The base GroupClient fans join/leave into every
// registered sub-group after it has updated its own mirror but before
// returning from the event handler.
type SubGroup interface {
	OnJoin(m types.GroupMemberInfo)
	OnLeave(memberID string)
}

// Hasher maps an arbitrary key to a ring position.
type Hasher func([]byte) uint64

// DefaultHasher is xxhash, already in the dependency closure via
// hashicorp/raft's own tooling and reused here for the ring.
func DefaultHasher(b []byte) uint64 { return xxhash.Sum64(b) }

type ringEntry struct {
	hash     uint64
	memberID string
}

// HashSubGroup is the consistent-hash built-in sub-group: a ring of
// virtualNodes*|members| positions, exposing memberFor(key).
type HashSubGroup struct {
	mu           sync.RWMutex
	virtualNodes int
	hasher       Hasher
	ring         []ringEntry
}

// NewHashSubGroup creates a ring with virtualNodes positions per
// member (default 100 per spec.md §6) using hasher (DefaultHasher if
// nil).
func NewHashSubGroup(virtualNodes int, hasher Hasher) *HashSubGroup {
	if virtualNodes <= 0 {
		virtualNodes = 100
	}
	if hasher == nil {
		hasher = DefaultHasher
	}
	return &HashSubGroup{virtualNodes: virtualNodes, hasher: hasher}
}

// OnJoin adds m's virtual nodes to the ring.
func (h *HashSubGroup) OnJoin(m types.GroupMemberInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(m.MemberID)
	for i := 0; i < h.virtualNodes; i++ {
		key := ringKey(m.MemberID, i)
		h.ring = append(h.ring, ringEntry{hash: h.hasher(key), memberID: m.MemberID})
	}
	sort.Slice(h.ring, func(i, j int) bool { return h.ring[i].hash < h.ring[j].hash })
}

// OnLeave removes memberID's virtual nodes from the ring.
func (h *HashSubGroup) OnLeave(memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(memberID)
}

func (h *HashSubGroup) removeLocked(memberID string) {
	filtered := h.ring[:0]
	for _, e := range h.ring {
		if e.memberID != memberID {
			filtered = append(filtered, e)
		}
	}
	h.ring = filtered
}

// MemberFor returns the member owning key on the ring.
func (h *HashSubGroup) MemberFor(key []byte) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.ring) == 0 {
		return "", false
	}
	target := h.hasher(key)
	idx := sort.Search(len(h.ring), func(i int) bool { return h.ring[i].hash >= target })
	if idx == len(h.ring) {
		idx = 0
	}
	return h.ring[idx].memberID, true
}

func ringKey(memberID string, vnode int) []byte {
	return []byte(memberID + "#" + strconv.Itoa(vnode))
}

// Partitioner assigns replicationFactor members to a partition out of
// the current candidate set. ModuloPartitioner is the default.
type Partitioner interface {
	AssignPartition(partition int, members []string, replicationFactor int) []string
}

// ModuloPartitioner assigns partition p to members[(p+i)%len(members)]
// for replica i, wrapping as membership shrinks.
type ModuloPartitioner struct{}

// AssignPartition implements Partitioner.
func (ModuloPartitioner) AssignPartition(partition int, members []string, replicationFactor int) []string {
	if len(members) == 0 {
		return nil
	}
	n := replicationFactor
	if n > len(members) {
		n = len(members)
	}
	out := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; len(out) < n; i++ {
		m := members[(partition+i)%len(members)]
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// PartitionMigration is emitted when membership changes reassign a
// partition replica from one member to another.
type PartitionMigration struct {
	Partition int
	Source    string
	Target    string
}

// PartitionSubGroup is the partition built-in sub-group: partitionCount
// partitions, each with replicationFactor replicas assigned by a
// pluggable Partitioner.
type PartitionSubGroup struct {
	mu                sync.Mutex
	partitionCount    int
	replicationFactor int
	partitioner       Partitioner

	members     []string
	assignments [][]string

	onMigration []func(PartitionMigration)
}

// NewPartitionSubGroup creates a sub-group with partitionCount
// partitions, each replicationFactor-wide, assigned by partitioner
// (ModuloPartitioner if nil).
func NewPartitionSubGroup(partitionCount, replicationFactor int, partitioner Partitioner) *PartitionSubGroup {
	if partitioner == nil {
		partitioner = ModuloPartitioner{}
	}
	return &PartitionSubGroup{
		partitionCount:    partitionCount,
		replicationFactor: replicationFactor,
		partitioner:       partitioner,
		assignments:       make([][]string, partitionCount),
	}
}

// AddMigrationListener registers fn to be called for every partition
// reassignment caused by a subsequent OnJoin/OnLeave.
func (p *PartitionSubGroup) AddMigrationListener(fn func(PartitionMigration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMigration = append(p.onMigration, fn)
}

// Assignment returns the current replica set for partition.
func (p *PartitionSubGroup) Assignment(partition int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partition < 0 || partition >= len(p.assignments) {
		return nil
	}
	return append([]string(nil), p.assignments[partition]...)
}

// OnJoin admits m as a partition candidate and reassigns.
func (p *PartitionSubGroup) OnJoin(m types.GroupMemberInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append(p.members, m.MemberID)
	sort.Strings(p.members)
	p.reassignLocked()
}

// OnLeave retires memberID and reassigns.
func (p *PartitionSubGroup) OnLeave(memberID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.members {
		if id == memberID {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	p.reassignLocked()
}

func (p *PartitionSubGroup) reassignLocked() {
	for partition := 0; partition < p.partitionCount; partition++ {
		next := p.partitioner.AssignPartition(partition, p.members, p.replicationFactor)
		prev := p.assignments[partition]
		p.assignments[partition] = next

		span := len(prev)
		if len(next) > span {
			span = len(next)
		}
		for slot := 0; slot < span; slot++ {
			var source, target string
			if slot < len(prev) {
				source = prev[slot]
			}
			if slot < len(next) {
				target = next[slot]
			}
			if source == target {
				continue
			}
			mig := PartitionMigration{Partition: partition, Source: source, Target: target}
			for _, fn := range p.onMigration {
				fn(mig)
			}
		}
	}
}
