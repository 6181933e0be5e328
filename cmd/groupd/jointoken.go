package main

import (
	"fmt"
	"time"

	"github.com/groupkit/groupd/pkg/cluster"
	"github.com/groupkit/groupd/pkg/storage"
	"github.com/spf13/cobra"
)

var joinTokenCmd = &cobra.Command{
	Use:   "join-token NODE_ID",
	Short: "Mint a cluster admission token for a prospective Raft voter",
	Long: `Mint a token admitting NODE_ID as a new Raft voter. The token is
recorded in this node's operator store; an operator presents it
out-of-band to whatever process calls AddVoter on the cluster leader.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoinToken,
}

func init() {
	joinTokenCmd.Flags().String("data-dir", "./data", "Directory holding this node's operator store")
	joinTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token validity window")
}

func runJoinToken(cmd *cobra.Command, args []string) error {
	nodeID := args[0]
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	store, err := storage.NewStore(dataDir)
	if err != nil {
		return fmt.Errorf("open operator store: %w", err)
	}
	defer store.Close()

	tokens := cluster.NewTokenManager()
	token, err := tokens.Generate(nodeID, ttl)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	if err := store.SaveToken(token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	fmt.Printf("Join token for %s (expires %s):\n\n    %s\n\n", nodeID, token.ExpiresAt.Format(time.RFC3339), token.Token)
	return nil
}
