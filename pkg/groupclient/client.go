// Package groupclient implements the client plane (spec §2): a
// per-process mirror of a group's membership, driven entirely by
// events observed on one Replication Runtime session, plus the
// ElectionEngine, TaskRouter and SubGroupComposer views built on top
// of it.
package groupclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/log"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

// JoinListener, LeaveListener, TaskListener, AckListener and
// FailListener are the callback shapes GroupClient dispatches from its
// single event-processing context. A listener must not block; hand
// long work off to an application-controlled executor.
type (
	JoinListener  func(types.GroupMemberInfo)
	LeaveListener func(memberID string)
	TaskListener  func(types.GroupTask)
	AckListener   func(types.Task)
	FailListener  func(types.Task)
)

// GroupClient is the glue described in spec §4.6: it owns one
// Replication Runtime session, maintains a local mirror of the member
// set, and drives ElectionEngine and any registered SubGroupComposer
// views from the same event stream.
type GroupClient struct {
	rt      runtime.Runtime
	session *runtime.ClientSession
	log     zerolog.Logger

	mu      sync.RWMutex
	members map[string]types.GroupMemberInfo

	onJoin  []JoinListener
	onLeave []LeaveListener
	onTask  []TaskListener
	onAck   []AckListener
	onFail  []FailListener

	election  *ElectionEngine
	router    *TaskRouter
	subgroups []SubGroup

	pendingMu     sync.Mutex
	pendingJoins  map[string]chan types.GroupMemberInfo
	pendingLeaves map[string]chan struct{}

	done chan struct{}
}

// New opens a session against rt and starts the client's
// event-processing loop. It does not call Listen; call Listen
// explicitly to bootstrap the mirror and start receiving join/leave
// fan-out.
func New(ctx context.Context, rt runtime.Runtime) (*GroupClient, error) {
	session, err := rt.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	c := &GroupClient{
		rt:            rt,
		session:       session,
		log:           log.WithComponent("groupclient"),
		members:       make(map[string]types.GroupMemberInfo),
		election:      NewElectionEngine(),
		router:        NewTaskRouter(rt),
		pendingJoins:  make(map[string]chan types.GroupMemberInfo),
		pendingLeaves: make(map[string]chan struct{}),
		done:          make(chan struct{}),
	}
	go c.eventLoop()
	return c, nil
}

// Election returns the client's ElectionEngine view.
func (c *GroupClient) Election() *ElectionEngine { return c.election }

// Router returns the client's TaskRouter.
func (c *GroupClient) Router() *TaskRouter { return c.router }

// AddSubGroup registers sub so it receives every future join/leave
// this client observes, after the base mirror has been updated.
func (c *GroupClient) AddSubGroup(sub SubGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subgroups = append(c.subgroups, sub)
}

// AddJoinListener, AddLeaveListener, AddTaskListener, AddAckListener,
// AddFailListener register callbacks invoked from the event-processing
// context.
func (c *GroupClient) AddJoinListener(fn JoinListener)   { c.onJoin = append(c.onJoin, fn) }
func (c *GroupClient) AddLeaveListener(fn LeaveListener) { c.onLeave = append(c.onLeave, fn) }
func (c *GroupClient) AddTaskListener(fn TaskListener)   { c.onTask = append(c.onTask, fn) }
func (c *GroupClient) AddAckListener(fn AckListener)     { c.onAck = append(c.onAck, fn) }
func (c *GroupClient) AddFailListener(fn FailListener)   { c.onFail = append(c.onFail, fn) }

// Members returns a snapshot of the current mirror, ordered by index
// ascending (the order also used for election).
func (c *GroupClient) Members() []types.GroupMemberInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.GroupMemberInfo, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Listen registers this session as a listener and merges the returned
// snapshot into the mirror.
func (c *GroupClient) Listen(ctx context.Context) ([]types.GroupMemberInfo, error) {
	cmd := runtime.Command{Op: group.OpListen, SessionID: c.session.ID}
	f := c.rt.SubmitCommand(ctx, cmd)
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	if err := f.Error(); err != nil {
		return nil, err
	}
	infos, _ := f.Response().([]types.GroupMemberInfo)
	for _, info := range infos {
		c.mergeJoin(info)
	}
	return infos, nil
}

// Join creates or rebinds memberID (minting one via uuid if empty) and
// does not return until this client has itself observed the resulting
// "join" event, per spec §5's ordering guarantee.
func (c *GroupClient) Join(ctx context.Context, memberID, address string, persistent bool) (types.GroupMemberInfo, error) {
	if memberID == "" {
		memberID = uuid.NewString()
	}

	wait := c.registerPendingJoin(memberID)
	defer c.cancelPendingJoin(memberID)

	cmd := runtime.Command{
		Op:        group.OpJoin,
		Data:      marshal(group.JoinPayload{MemberID: memberID, Address: address, Persistent: persistent}),
		SessionID: c.session.ID,
	}
	f := c.rt.SubmitCommand(ctx, cmd)
	if err := f.Wait(ctx); err != nil {
		return types.GroupMemberInfo{}, err
	}
	if err := f.Error(); err != nil {
		return types.GroupMemberInfo{}, err
	}

	select {
	case info := <-wait:
		return info, nil
	case <-ctx.Done():
		info, _ := f.Response().(types.GroupMemberInfo)
		return info, ctx.Err()
	case <-c.done:
		info, _ := f.Response().(types.GroupMemberInfo)
		return info, types.ErrSessionClosed
	}
}

// Leave removes memberID and waits for this client to observe the
// resulting "leave" event.
func (c *GroupClient) Leave(ctx context.Context, memberID string) error {
	wait := c.registerPendingLeave(memberID)
	defer c.cancelPendingLeave(memberID)

	cmd := runtime.Command{
		Op:        group.OpLeave,
		Data:      marshal(group.LeavePayload{MemberID: memberID}),
		SessionID: c.session.ID,
	}
	f := c.rt.SubmitCommand(ctx, cmd)
	if err := f.Wait(ctx); err != nil {
		return err
	}
	if err := f.Error(); err != nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return types.ErrSessionClosed
	}
}

// SetProperty sets a group-global property when memberID is empty, or
// a member-scoped one otherwise.
func (c *GroupClient) SetProperty(ctx context.Context, memberID, name string, value []byte) error {
	cmd := runtime.Command{
		Op:        group.OpSetProperty,
		Data:      marshal(group.SetPropertyPayload{MemberID: memberID, Name: name, Value: value}),
		SessionID: c.session.ID,
	}
	return c.rt.SubmitCommand(ctx, cmd).Error()
}

// GetProperty reads a property value via a linearizable query.
func (c *GroupClient) GetProperty(ctx context.Context, memberID, name string) ([]byte, error) {
	q := runtime.Query{Op: group.OpGetProperty, Data: marshal(group.PropertyQuery{MemberID: memberID, Name: name})}
	f := c.rt.SubmitQuery(ctx, q)
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	if err := f.Error(); err != nil {
		return nil, err
	}
	value, _ := f.Response().([]byte)
	return value, nil
}

// RemoveProperty deletes a property.
func (c *GroupClient) RemoveProperty(ctx context.Context, memberID, name string) error {
	cmd := runtime.Command{
		Op:        group.OpRemoveProperty,
		Data:      marshal(group.RemovePropertyPayload{MemberID: memberID, Name: name}),
		SessionID: c.session.ID,
	}
	return c.rt.SubmitCommand(ctx, cmd).Error()
}

// Submit routes a task to targetMemberID through the client's
// TaskRouter.
func (c *GroupClient) Submit(ctx context.Context, targetMemberID string, payload []byte) (*TaskFuture, error) {
	return c.router.Submit(ctx, c.session.ID, targetMemberID, payload, types.AckDirect)
}

// SubmitAll fans payload out to every member currently in the mirror
// as independent direct submissions (spec.md §9's open question:
// "GroupTaskQueue.submit(task)"-style broadcast is a client-side
// convenience, never a distinct state-machine command).
func (c *GroupClient) SubmitAll(ctx context.Context, payload []byte) ([]*TaskFuture, error) {
	var futures []*TaskFuture
	for _, m := range c.Members() {
		f, err := c.router.Submit(ctx, c.session.ID, m.MemberID, payload, types.AckBroadcast)
		if err != nil {
			return futures, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// Ack acknowledges the pending task on memberID, the local member this
// process owns.
func (c *GroupClient) Ack(ctx context.Context, memberID string, taskIndex uint64, succeeded bool) error {
	cmd := runtime.Command{
		Op:        group.OpAck,
		Data:      marshal(group.AckPayload{MemberID: memberID, TaskIndex: taskIndex, Succeeded: succeeded}),
		SessionID: c.session.ID,
	}
	return c.rt.SubmitCommand(ctx, cmd).Error()
}

// Close ends the underlying session and fails every outstanding task
// future.
func (c *GroupClient) Close(ctx context.Context) error {
	close(c.done)
	c.router.failAll()
	return c.rt.CloseSession(ctx, c.session.ID)
}

func (c *GroupClient) eventLoop() {
	for {
		select {
		case ev, ok := <-c.session.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		case <-c.session.Done():
			return
		}
	}
}

func (c *GroupClient) handleEvent(ev runtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Interface("panic", r).Str("event", ev.Name).Msg("listener panicked, isolated")
		}
	}()

	switch ev.Name {
	case "join":
		info, err := unmarshalInto[types.GroupMemberInfo](ev.Payload)
		if err != nil {
			return
		}
		c.mergeJoin(info)
	case "leave":
		memberID, err := unmarshalInto[string](ev.Payload)
		if err != nil {
			return
		}
		c.mergeLeave(memberID)
	case "task":
		task, err := unmarshalInto[types.GroupTask](ev.Payload)
		if err != nil {
			return
		}
		for _, fn := range c.onTask {
			fn(task)
		}
	case "ack":
		task, err := unmarshalInto[types.Task](ev.Payload)
		if err != nil {
			return
		}
		c.router.complete(task, nil)
		for _, fn := range c.onAck {
			fn(task)
		}
	case "fail":
		task, err := unmarshalInto[types.Task](ev.Payload)
		if err != nil {
			return
		}
		c.router.complete(task, types.ErrTaskFailed)
		for _, fn := range c.onFail {
			fn(task)
		}
	}
}

// mergeJoin applies spec §4.6's idempotent merge rule: a member
// already present is updated only if the incoming index is newer.
func (c *GroupClient) mergeJoin(info types.GroupMemberInfo) {
	c.mu.Lock()
	if existing, ok := c.members[info.MemberID]; ok && existing.Index >= info.Index {
		c.mu.Unlock()
		return
	}
	c.members[info.MemberID] = info
	subgroups := append([]SubGroup(nil), c.subgroups...)
	c.mu.Unlock()

	c.election.OnJoin(info)
	for _, sg := range subgroups {
		sg.OnJoin(info)
	}
	for _, fn := range c.onJoin {
		fn(info)
	}
	c.resolvePendingJoin(info)
}

func (c *GroupClient) mergeLeave(memberID string) {
	c.mu.Lock()
	if _, ok := c.members[memberID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.members, memberID)
	subgroups := append([]SubGroup(nil), c.subgroups...)
	c.mu.Unlock()

	c.election.OnLeave(memberID)
	for _, sg := range subgroups {
		sg.OnLeave(memberID)
	}
	for _, fn := range c.onLeave {
		fn(memberID)
	}
	c.resolvePendingLeave(memberID)
}

func (c *GroupClient) registerPendingJoin(memberID string) chan types.GroupMemberInfo {
	ch := make(chan types.GroupMemberInfo, 1)
	c.pendingMu.Lock()
	c.pendingJoins[memberID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *GroupClient) cancelPendingJoin(memberID string) {
	c.pendingMu.Lock()
	delete(c.pendingJoins, memberID)
	c.pendingMu.Unlock()
}

func (c *GroupClient) resolvePendingJoin(info types.GroupMemberInfo) {
	c.pendingMu.Lock()
	ch, ok := c.pendingJoins[info.MemberID]
	if ok {
		delete(c.pendingJoins, info.MemberID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- info
	}
}

func (c *GroupClient) registerPendingLeave(memberID string) chan struct{} {
	ch := make(chan struct{})
	c.pendingMu.Lock()
	c.pendingLeaves[memberID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *GroupClient) cancelPendingLeave(memberID string) {
	c.pendingMu.Lock()
	delete(c.pendingLeaves, memberID)
	c.pendingMu.Unlock()
}

func (c *GroupClient) resolvePendingLeave(memberID string) {
	c.pendingMu.Lock()
	ch, ok := c.pendingLeaves[memberID]
	if ok {
		delete(c.pendingLeaves, memberID)
	}
	c.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}
