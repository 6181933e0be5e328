package group

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/groupkit/groupd/pkg/log"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

// Config holds the per-group options enumerated in spec §6.
type Config struct {
	// Expiration is how long a persistent member may go session-less
	// before its leave is published. Zero means immediate.
	Expiration time.Duration
}

// StateMachine is the authoritative, deterministic group core (spec
// §4.1). It owns the member table, the group property table, and
// every member's task queue; it is applied identically, in log order,
// on every replica, the same way cuemby/warren's WarrenFSM applies
// cluster commands against its store. It implements
// runtime.StateMachine (raft.FSM + Query + LogicalNow).
type StateMachine struct {
	mu sync.RWMutex

	cfg        Config
	members    map[string]*types.Member
	properties map[string][]byte

	sessions  *SessionRegistry
	scheduler *ExpirationScheduler
	sink      runtime.EventSink

	now time.Time
	log zerolog.Logger
}

// NewStateMachine creates a StateMachine. sink delivers events to
// sessions this process physically owns; other replicas' sinks simply
// won't have a channel for a given session and will no-op.
func NewStateMachine(cfg Config, sink runtime.EventSink) *StateMachine {
	return &StateMachine{
		cfg:        cfg,
		members:    make(map[string]*types.Member),
		properties: make(map[string][]byte),
		sessions:   NewSessionRegistry(),
		scheduler:  NewExpirationScheduler(),
		sink:       sink,
		log:        log.WithComponent("group"),
	}
}

// LogicalNow returns the state machine's current logical time, the
// AppendedAt of the most recently applied log entry.
func (sm *StateMachine) LogicalNow() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.now
}

// Stats is a point-in-time summary used by pkg/metrics' Collector.
type Stats struct {
	MembersTotal      int
	MembersPersistent int
	TasksPending      int
}

// Stats returns a snapshot summary of the member table.
func (sm *StateMachine) Stats() Stats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var s Stats
	s.MembersTotal = len(sm.members)
	for _, m := range sm.members {
		if m.Persistent {
			s.MembersPersistent++
		}
		if m.PendingTask != nil {
			s.TasksPending++
		}
		s.TasksPending += len(m.TaskBacklog)
	}
	return s
}

// Apply implements raft.FSM. It is invoked once per committed log
// entry, in order, on every replica.
func (sm *StateMachine) Apply(entry *raft.Log) any {
	cmd, err := runtime.DecodeCommand(entry.Data)
	if err != nil {
		return runtime.ApplyResult{Err: err}
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.advanceClock(entry)
	sm.fireExpirations()

	switch cmd.Op {
	case runtime.OpSessionOpen:
		sm.sessions.Open(cmd.SessionID)
		return runtime.ApplyResult{}
	case runtime.OpSessionClose:
		sm.applySessionClose(cmd.SessionID)
		return runtime.ApplyResult{}
	case runtime.OpTick:
		return runtime.ApplyResult{}
	case OpJoin:
		p, err := unmarshalInto[JoinPayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		info, err := sm.applyJoin(entry.Index, cmd.SessionID, p)
		return runtime.ApplyResult{Value: info, Err: err}
	case OpLeave:
		p, err := unmarshalInto[LeavePayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		sm.applyLeave(p.MemberID)
		return runtime.ApplyResult{}
	case OpListen:
		infos := sm.applyListen(cmd.SessionID)
		return runtime.ApplyResult{Value: infos}
	case OpSetProperty:
		p, err := unmarshalInto[SetPropertyPayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		err = sm.applySetProperty(p)
		return runtime.ApplyResult{Err: err}
	case OpRemoveProperty:
		p, err := unmarshalInto[RemovePropertyPayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		err = sm.applyRemoveProperty(p)
		return runtime.ApplyResult{Err: err}
	case OpSubmit:
		p, err := unmarshalInto[SubmitPayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		idx, err := sm.applySubmit(entry.Index, cmd.SessionID, p)
		return runtime.ApplyResult{Value: idx, Err: err}
	case OpAck:
		p, err := unmarshalInto[AckPayload](cmd.Data)
		if err != nil {
			return runtime.ApplyResult{Err: err}
		}
		err = sm.applyAck(p)
		return runtime.ApplyResult{Err: err}
	default:
		return runtime.ApplyResult{Err: errUnknownOp(cmd.Op)}
	}
}

// Query implements runtime.StateMachine's read-only path.
func (sm *StateMachine) Query(q runtime.Query) (any, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	switch q.Op {
	case OpGetProperty:
		p, err := unmarshalInto[PropertyQuery](q.Data)
		if err != nil {
			return nil, err
		}
		return sm.readProperty(p), nil
	default:
		return nil, errUnknownOp(q.Op)
	}
}

func (sm *StateMachine) advanceClock(entry *raft.Log) {
	if entry.AppendedAt.After(sm.now) {
		sm.now = entry.AppendedAt
	}
}

// fireExpirations runs at the top of every Apply, so a persistent
// member's expiration fires even absent further member traffic (the
// leader-originated Tick command exists specifically to keep this
// moving).
func (sm *StateMachine) fireExpirations() {
	due := sm.scheduler.PopDue(sm.now)
	for _, memberID := range due {
		m, ok := sm.members[memberID]
		if !ok || m.HasSession {
			continue // rebound since the timer was armed; nothing to do
		}
		sm.log.Debug().Str("memberId", memberID).Msg("persistent member expired")
		sm.removeMember(memberID, true)
	}
}

func (sm *StateMachine) applyJoin(index uint64, session types.SessionID, p JoinPayload) (types.GroupMemberInfo, error) {
	existing, ok := sm.members[p.MemberID]
	if !ok {
		m := &types.Member{
			MemberID:     p.MemberID,
			Index:        index,
			Address:      p.Address,
			Persistent:   p.Persistent,
			BoundSession: session,
			HasSession:   true,
			Properties:   make(map[string][]byte),
		}
		sm.members[p.MemberID] = m
		info := m.Info()
		sm.broadcast("join", info)
		return info, nil
	}

	if !existing.Persistent {
		return types.GroupMemberInfo{}, types.ErrEphemeralExists
	}

	// Rebind: the original creating command (and its Index) is
	// retained; this command is released.
	existing.BoundSession = session
	existing.HasSession = true
	existing.Address = p.Address
	sm.scheduler.Cancel(p.MemberID)
	info := existing.Info()
	sm.broadcast("join", info)
	return info, nil
}

func (sm *StateMachine) applyLeave(memberID string) {
	if _, ok := sm.members[memberID]; !ok {
		return
	}
	sm.scheduler.Cancel(memberID)
	sm.removeMember(memberID, true)
}

func (sm *StateMachine) applyListen(session types.SessionID) []types.GroupMemberInfo {
	sm.sessions.MarkListening(session)

	infos := make([]types.GroupMemberInfo, 0, len(sm.members))
	for _, m := range sm.members {
		if m.HasSession {
			infos = append(infos, m.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos
}

func (sm *StateMachine) applySetProperty(p SetPropertyPayload) error {
	if p.MemberID == "" {
		sm.properties[p.Name] = p.Value
		return nil
	}
	m, ok := sm.members[p.MemberID]
	if !ok {
		return types.ErrUnknownMember
	}
	m.Properties[p.Name] = p.Value
	return nil
}

func (sm *StateMachine) applyRemoveProperty(p RemovePropertyPayload) error {
	if p.MemberID == "" {
		delete(sm.properties, p.Name)
		return nil
	}
	m, ok := sm.members[p.MemberID]
	if !ok {
		return types.ErrUnknownMember
	}
	delete(m.Properties, p.Name)
	return nil
}

func (sm *StateMachine) readProperty(p PropertyQuery) []byte {
	if p.MemberID == "" {
		return sm.properties[p.Name]
	}
	m, ok := sm.members[p.MemberID]
	if !ok {
		return nil
	}
	return m.Properties[p.Name]
}

func (sm *StateMachine) applySubmit(index uint64, session types.SessionID, p SubmitPayload) (uint64, error) {
	m, ok := sm.members[p.TargetMemberID]
	if !ok {
		return 0, types.ErrUnknownMember
	}
	task := &types.Task{
		Index:            index,
		SubmitterSession: session,
		TargetMemberID:   p.TargetMemberID,
		Payload:          p.Payload,
		AckMode:          p.AckMode,
	}
	if m.PendingTask == nil {
		sm.promote(m, task)
	} else {
		m.TaskBacklog = append(m.TaskBacklog, task)
	}
	return task.Index, nil
}

func (sm *StateMachine) applyAck(p AckPayload) error {
	m, ok := sm.members[p.MemberID]
	if !ok {
		return types.ErrUnknownMember
	}
	if m.PendingTask == nil || m.PendingTask.Index != p.TaskIndex {
		return nil // duplicate or late ack, ignored per spec §4.1
	}

	task := m.PendingTask
	m.PendingTask = nil

	event := "ack"
	if !p.Succeeded {
		event = "fail"
	}
	sm.publish(task.SubmitterSession, event, task)

	if len(m.TaskBacklog) > 0 {
		next := m.TaskBacklog[0]
		m.TaskBacklog = m.TaskBacklog[1:]
		sm.promote(m, next)
	}
	return nil
}

// promote makes task the member's pendingTask and, if the member has
// a live session, publishes it immediately.
func (sm *StateMachine) promote(m *types.Member, task *types.Task) {
	m.PendingTask = task
	if m.HasSession {
		sm.publish(m.BoundSession, "task", types.GroupTask{
			Index: task.Index, MemberID: m.MemberID, Payload: task.Payload,
		})
	}
}

// applySessionClose implements spec §4.1's session-close walk:
// ephemeral members are removed with their leave deferred until every
// affected member has been processed; persistent members are
// unbound and either leave immediately (expiration==0) or get a
// scheduled timer.
func (sm *StateMachine) applySessionClose(session types.SessionID) {
	sm.sessions.Close(session)

	var bound []string
	for id, m := range sm.members {
		if m.HasSession && m.BoundSession == session {
			bound = append(bound, id)
		}
	}
	sort.Strings(bound)

	var deferredLeaves []string
	for _, id := range bound {
		m := sm.members[id]
		if !m.Persistent {
			sm.failAllTasks(m)
			delete(sm.members, id)
			deferredLeaves = append(deferredLeaves, id)
			continue
		}

		m.HasSession = false
		m.BoundSession = 0
		if sm.cfg.Expiration <= 0 {
			sm.failAllTasks(m)
			delete(sm.members, id)
			deferredLeaves = append(deferredLeaves, id)
		} else {
			sm.scheduler.Schedule(id, sm.now.Add(sm.cfg.Expiration))
		}
	}

	for _, id := range deferredLeaves {
		sm.broadcast("leave", id)
	}
}

// removeMember deletes a member, force-failing its tasks, optionally
// publishing leave (used by Leave and by expiration firing; the
// session-close path has its own deferred-leave bookkeeping above).
func (sm *StateMachine) removeMember(memberID string, publishLeave bool) {
	m, ok := sm.members[memberID]
	if !ok {
		return
	}
	sm.failAllTasks(m)
	delete(sm.members, memberID)
	if publishLeave {
		sm.broadcast("leave", memberID)
	}
}

func (sm *StateMachine) failAllTasks(m *types.Member) {
	if m.PendingTask != nil {
		sm.publish(m.PendingTask.SubmitterSession, "fail", m.PendingTask)
		m.PendingTask = nil
	}
	for _, t := range m.TaskBacklog {
		sm.publish(t.SubmitterSession, "fail", t)
	}
	m.TaskBacklog = nil
}

// publish delivers event to a single targeted session (ack/fail/task),
// gated only on the session being active — it need not be "listening".
func (sm *StateMachine) publish(session types.SessionID, event string, payload any) {
	if !sm.sessions.IsActive(session) {
		return
	}
	sm.sink.Publish(session, event, marshal(payload))
}

// broadcast fans event out to every active, listening session, in
// ascending session-id order, so replays are identical (spec §4.1
// determinism rule).
func (sm *StateMachine) broadcast(event string, payload any) {
	data := marshal(payload)
	for _, id := range sm.sessions.ActiveListeners() {
		sm.sink.Publish(id, event, data)
	}
}

func errUnknownOp(op string) error {
	return &unknownOpError{op: op}
}

type unknownOpError struct{ op string }

func (e *unknownOpError) Error() string { return "groupd: unknown op " + e.op }
