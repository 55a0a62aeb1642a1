package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and drain the offline upload queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many mutations are waiting to upload",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		orders, customers, err := n.queue.Pending(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Offline queue"))
		fmt.Printf("Orders:    %s\n", renderCount(orders))
		fmt.Printf("Customers: %s\n", renderCount(customers))
		fmt.Printf("Store:     %s\n\n", n.cfg.Store.Path)
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Upload every queued mutation now",
	Long: `Drain both outboxes against the cloud once.

Rows the cloud accepts, or already has, are removed. Rows that hit a
network failure stay queued for the next pass. An auth failure stops
the pass and exits non-zero.`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))
		start := time.Now()
		result, err := n.queue.DrainAll(ctx)
		if err != nil {
			var authErr *cloud.AuthError
			if errors.As(err, &authErr) {
				fatalf("cloud rejected credentials, fix cloud.dsn and retry: %v", err)
			}
			fatalf("%v", err)
		}

		mark := ui.RenderPass("✓")
		if !result.Clean {
			mark = ui.RenderWarn("⚠")
		}
		fmt.Printf("%s %s in %v\n", mark, result, time.Since(start).Round(time.Millisecond))
		if !result.Clean {
			fmt.Printf("   %d row(s) still queued; the cloud may be unreachable\n", result.Remaining)
		}
	},
}

func init() {
	queueDrainCmd.Flags().Duration("timeout", 2*time.Minute, "give up after this long")
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}

func renderCount(n int) string {
	if n == 0 {
		return ui.RenderPass("0")
	}
	return ui.RenderWarn(fmt.Sprint(n))
}
