package metrics

import (
	"strconv"
	"time"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/groupclient"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
)

// Collector periodically samples the state machine and Raft runtime
// and publishes the result as Prometheus gauges.
type Collector struct {
	fsm    *group.StateMachine
	rt     *runtime.RaftRuntime
	client *groupclient.GroupClient
	stopCh chan struct{}
}

// NewCollector creates a collector. client may be nil if no local
// GroupClient (and therefore no ElectionEngine) is embedded in this
// process.
func NewCollector(fsm *group.StateMachine, rt *runtime.RaftRuntime, client *groupclient.GroupClient) *Collector {
	c := &Collector{fsm: fsm, rt: rt, client: client, stopCh: make(chan struct{})}
	if client != nil {
		client.Election().AddTermListener(func(types.Term) { ElectionChangesTotal.Inc() })
	}
	return c
}

// Start begins collecting on a 15s interval, matching warren's
// collector cadence.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMemberMetrics()
	c.collectRaftMetrics()
	c.collectElectionMetrics()
}

func (c *Collector) collectMemberMetrics() {
	if c.fsm == nil {
		return
	}
	stats := c.fsm.Stats()
	MembersTotal.WithLabelValues("true").Set(float64(stats.MembersPersistent))
	MembersTotal.WithLabelValues("false").Set(float64(stats.MembersTotal - stats.MembersPersistent))
	TasksPending.Set(float64(stats.TasksPending))
}

func (c *Collector) collectRaftMetrics() {
	if c.rt == nil {
		return
	}
	if c.rt.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}

	stats := c.rt.Stats()
	if stats == nil {
		return
	}
	if v, ok := stats["last_log_index"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			RaftLogIndex.Set(float64(n))
		}
	}
}

func (c *Collector) collectElectionMetrics() {
	if c.client == nil {
		return
	}
	ElectionTerm.Set(float64(c.client.Election().Term()))
}
