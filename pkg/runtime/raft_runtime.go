package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/groupkit/groupd/pkg/types"
)

// RaftConfig bundles what RaftRuntime needs to stand up a node,
// mirroring cuemby/warren's manager.Config (NodeID/BindAddr/DataDir)
// plus the tick interval that drives ExpirationScheduler.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	TickInterval time.Duration // default 250ms
}

// RaftRuntime is the production Runtime, grounded directly on
// cuemby/warren/pkg/manager.Manager's Raft wiring: TCP transport,
// BoltDB log/stable stores, file snapshot store.
type RaftRuntime struct {
	cfg  RaftConfig
	raft *raft.Raft
	fsm  StateMachine

	mu       sync.Mutex
	sessions map[types.SessionID]chan Event
	doneChs  map[types.SessionID]chan struct{}
	nextSess uint64

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// NewRaftRuntime wires a Raft node around fsm but does not start it;
// call Bootstrap or JoinExisting.
func NewRaftRuntime(cfg RaftConfig, fsm StateMachine) *RaftRuntime {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	return &RaftRuntime{
		cfg:      cfg,
		fsm:      fsm,
		sessions: make(map[types.SessionID]chan Event),
		doneChs:  make(map[types.SessionID]chan struct{}),
	}
}

func (r *RaftRuntime) newRaft() (*raft.Raft, *raft.TCPTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(r.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	r2, err := raft.NewRaft(config, r.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r2, transport, nil
}

// Bootstrap starts a new single-node cluster with this node as the
// only voter, the same shape as manager.Manager.Bootstrap.
func (r *RaftRuntime) Bootstrap() error {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raftNode, transport, err := r.newRaft()
	if err != nil {
		return err
	}
	r.raft = raftNode

	future := raftNode.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(r.cfg.NodeID), Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	r.startTicker()
	return nil
}

// JoinExisting starts this node's Raft instance so it can be added as
// a voter by AddVoter on the existing leader. Unlike warren's Join
// (which contacts the leader over gRPC), this runtime leaves
// out-of-band leader contact to the caller: spec.md's non-goals treat
// transport framing as external to this core.
func (r *RaftRuntime) JoinExisting() error {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raftNode, _, err := r.newRaft()
	if err != nil {
		return err
	}
	r.raft = raftNode
	r.startTicker()
	return nil
}

// AddVoter admits nodeID/addr as a new voter. Must be called against
// the current leader.
func (r *RaftRuntime) AddVoter(nodeID, addr string) error {
	if r.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	f := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return f.Error()
}

// RemoveServer removes nodeID from the cluster.
func (r *RaftRuntime) RemoveServer(nodeID string) error {
	if r.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	f := r.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return f.Error()
}

// Shutdown stops the ticker and the Raft node.
func (r *RaftRuntime) Shutdown() error {
	r.stopTicker()
	if r.raft == nil {
		return nil
	}
	return r.raft.Shutdown().Error()
}

func (r *RaftRuntime) IsLeader() bool {
	return r.raft != nil && r.raft.State() == raft.Leader
}

func (r *RaftRuntime) LeaderAddr() string {
	if r.raft == nil {
		return ""
	}
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// Stats exposes the underlying raft.Raft's diagnostic counters
// (last_log_index, term, num_peers, ...) for pkg/metrics' Collector.
func (r *RaftRuntime) Stats() map[string]string {
	if r.raft == nil {
		return nil
	}
	return r.raft.Stats()
}

func (r *RaftRuntime) Clock() Clock { return fsmClock{fsm: r.fsm} }

func (r *RaftRuntime) SubmitCommand(ctx context.Context, cmd Command) CommandFuture {
	data, err := encodeCommand(cmd)
	if err != nil {
		return resolvedFuture(err)
	}
	if r.raft == nil {
		return resolvedFuture(ErrNotLeader)
	}
	f := r.raft.Apply(data, 10*time.Second)
	return &raftCommandFuture{inner: f}
}

func (r *RaftRuntime) SubmitQuery(ctx context.Context, q Query) QueryFuture {
	if r.raft == nil {
		return resolvedFuture(ErrNotLeader)
	}
	if !r.IsLeader() {
		return resolvedFuture(ErrNotLeader)
	}
	// Barrier ensures every command applied before this point has
	// been applied locally, giving the subsequent read linearizable
	// semantics without paying for another log round trip.
	if err := r.raft.Barrier(10 * time.Second).Error(); err != nil {
		return resolvedFuture(err)
	}
	v, err := r.fsm.Query(q)
	return resolvedFuture(ApplyResult{Value: v, Err: err})
}

// Publish implements EventSink for sessions this node physically owns.
func (r *RaftRuntime) Publish(session types.SessionID, event string, payload []byte) {
	r.mu.Lock()
	ch, ok := r.sessions[session]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Event{Name: event, Payload: payload}:
	default:
	}
}

func (r *RaftRuntime) OpenSession(ctx context.Context) (*ClientSession, error) {
	id := types.SessionID(atomic.AddUint64(&r.nextSess, 1))
	ch := make(chan Event, 64)
	done := make(chan struct{})

	r.mu.Lock()
	r.sessions[id] = ch
	r.doneChs[id] = done
	r.mu.Unlock()

	if err := r.SubmitCommand(ctx, Command{Op: OpSessionOpen, SessionID: id}).Error(); err != nil {
		r.mu.Lock()
		delete(r.sessions, id)
		delete(r.doneChs, id)
		r.mu.Unlock()
		return nil, err
	}
	return &ClientSession{ID: id, events: ch, closed: done}, nil
}

func (r *RaftRuntime) CloseSession(ctx context.Context, id types.SessionID) error {
	err := r.SubmitCommand(ctx, Command{Op: OpSessionClose, SessionID: id}).Error()

	r.mu.Lock()
	if ch, ok := r.sessions[id]; ok {
		close(ch)
		delete(r.sessions, id)
	}
	if done, ok := r.doneChs[id]; ok {
		close(done)
		delete(r.doneChs, id)
	}
	r.mu.Unlock()
	return err
}

func (r *RaftRuntime) startTicker() {
	r.tickerStop = make(chan struct{})
	r.tickerDone = make(chan struct{})
	go func() {
		defer close(r.tickerDone)
		t := time.NewTicker(r.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if r.IsLeader() {
					ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TickInterval)
					r.SubmitCommand(ctx, Command{Op: OpTick}).Wait(ctx)
					cancel()
				}
			case <-r.tickerStop:
				return
			}
		}
	}()
}

func (r *RaftRuntime) stopTicker() {
	if r.tickerStop == nil {
		return
	}
	close(r.tickerStop)
	<-r.tickerDone
}
