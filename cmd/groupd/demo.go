package main

import (
	"context"
	"fmt"
	"time"

	"github.com/groupkit/groupd/pkg/group"
	"github.com/groupkit/groupd/pkg/groupclient"
	"github.com/groupkit/groupd/pkg/runtime"
	"github.com/groupkit/groupd/pkg/types"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a single-process walkthrough of group membership and tasks",
	Long: `demo drives an in-memory replicated core (no Raft cluster, no
disk) through a join, a property write, a task submission, and a
leave, printing every event as it is observed by a client. It exists
to let an operator see the wire-level behavior without standing up a
cluster.`,
	RunE: runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	sink := &boundSink{}
	fsm := group.NewStateMachine(group.Config{Expiration: 5 * time.Second}, sink)
	rt := runtime.NewInMemoryRuntime(fsm, time.Now())
	sink.target = rt

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := groupclient.New(ctx, rt)
	if err != nil {
		return fmt.Errorf("open group client: %w", err)
	}
	defer client.Close(ctx)

	client.AddJoinListener(func(m types.GroupMemberInfo) {
		fmt.Printf("[event] join:  %s\n", m)
	})
	client.AddLeaveListener(func(memberID string) {
		fmt.Printf("[event] leave: %s\n", memberID)
	})
	client.AddTaskListener(func(t types.GroupTask) {
		fmt.Printf("[event] task:  index=%d target=%s\n", t.Index, t.MemberID)
		_ = client.Ack(ctx, t.MemberID, t.Index, true)
	})
	client.AddAckListener(func(t types.Task) {
		fmt.Printf("[event] ack:   index=%d\n", t.Index)
	})

	if _, err := client.Listen(ctx); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	worker, err := client.Join(ctx, "", "127.0.0.1:9001", true)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("joined as %s\n", worker)

	if err := client.SetProperty(ctx, worker.MemberID, "role", []byte("worker")); err != nil {
		return fmt.Errorf("set property: %w", err)
	}
	role, err := client.GetProperty(ctx, worker.MemberID, "role")
	if err != nil {
		return fmt.Errorf("get property: %w", err)
	}
	fmt.Printf("property role=%s\n", role)

	future, err := client.Submit(ctx, worker.MemberID, []byte("do work"))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := future.Wait(ctx); err != nil {
		return fmt.Errorf("task did not complete: %w", err)
	}
	fmt.Println("task acknowledged")

	if leader, ok := client.Election().Leader(); ok {
		fmt.Printf("elected leader: %s\n", leader)
	}

	if err := client.Leave(ctx, worker.MemberID); err != nil {
		return fmt.Errorf("leave: %w", err)
	}

	fmt.Println("demo complete")
	return nil
}
