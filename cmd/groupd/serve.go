package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/groupkit/groupd/pkg/api"
	"github.com/groupkit/groupd/pkg/cluster"
	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/groupclient"
	"github.com/groupkit/groupd/pkg/log"
	"github.com/groupkit/groupd/pkg/metrics"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/storage"
	"github.com/groupkit/groupd/pkg/types"
	"github.com/spf13/cobra"
)

// boundSink forwards Publish calls to a runtime.EventSink that is
// only available after the state machine it serves has already been
// constructed: RaftRuntime needs the fsm to build a raft.Raft, and the
// fsm needs a sink to publish through, so one side of the pair has to
// start as a stand-in.
type boundSink struct {
	target runtime.EventSink
}

func (b *boundSink) Publish(session types.SessionID, event string, payload []byte) {
	if b.target == nil {
		return
	}
	b.target.Publish(session, event, payload)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a groupd node",
	Long: `Run a groupd node: a Raft voter hosting the replicated group
state machine, with HTTP health, readiness, and Prometheus metrics
endpoints.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("node-id", "node-1", "Unique Raft node id")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft transport bind address")
	serveCmd.Flags().String("data-dir", "./data", "Directory for Raft log, snapshots, and operator history")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Health/readiness/metrics HTTP bind address")
	serveCmd.Flags().Bool("bootstrap", true, "Bootstrap a new single-node cluster (set false when joining via AddVoter from an existing leader)")
	serveCmd.Flags().Duration("expiration", 30*time.Second, "Grace period before a persistent member's absence is published as a leave")
	serveCmd.Flags().String("config", "", "Optional YAML config file overriding unset flags (nodeId, bindAddr, dataDir, httpAddr, bootstrap, expiration)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}
	applyNodeConfig(cmd, cfg)

	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	expiration, _ := cmd.Flags().GetDuration("expiration")

	nodeLog := log.WithNodeID(nodeID)
	nodeLog.Info().Str("bind_addr", bindAddr).Str("data_dir", dataDir).Msg("starting groupd node")

	sink := &boundSink{}
	fsm := group.NewStateMachine(group.Config{Expiration: expiration}, sink)

	rt := runtime.NewRaftRuntime(runtime.RaftConfig{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	}, fsm)
	sink.target = rt

	if bootstrap {
		if err := rt.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		nodeLog.Info().Msg("bootstrapped single-node cluster")
	} else {
		if err := rt.JoinExisting(); err != nil {
			return fmt.Errorf("start raft instance: %w", err)
		}
		nodeLog.Info().Msg("raft instance started; awaiting AddVoter from the cluster leader")
	}

	store, err := storage.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("open operator store: %w", err)
	}
	defer store.Close()

	tokens := cluster.NewTokenManager()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var client *groupclient.GroupClient
	if bootstrap {
		client, err = groupclient.New(ctx, rt)
		if err != nil {
			return fmt.Errorf("open embedded group client: %w", err)
		}
		defer client.Close(context.Background())
	}

	collector := metrics.NewCollector(fsm, rt, client)
	collector.Start()
	defer collector.Stop()

	health := api.NewHealthServer(rt, fsm)
	errCh := make(chan error, 1)
	go func() {
		if err := health.Start(httpAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()
	nodeLog.Info().Str("addr", httpAddr).Msg("health/metrics endpoints listening")

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()
	go func() {
		for range cleanupTicker.C {
			tokens.CleanupExpired()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		nodeLog.Info().Msg("shutting down")
	case err := <-errCh:
		nodeLog.Error().Err(err).Msg("fatal error")
	}

	if err := rt.Shutdown(); err != nil {
		return fmt.Errorf("shutdown raft: %w", err)
	}
	nodeLog.Info().Msg("shutdown complete")
	return nil
}
