package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/loadtest"
	"github.com/orderline/possync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "setup",
	Short:   "Load test the order queue on this machine",
	Long: `Simulate a rush: several terminals ring up orders at once into a scratch
store while the queue drains them to a scratch SQLite hub.

The run fails if any order is lost, uploaded twice, left in the outbox, or
given a duplicate order number. Nothing touches the configured store or cloud.

Examples:
  posd bench
  posd bench --terminals 8 --orders 200
  posd bench --json`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("terminals", 4, "concurrent terminals")
	benchCmd.Flags().Int("orders", 50, "orders per terminal")
	benchCmd.Flags().Int("drainers", 2, "concurrent drain loops")
	benchCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	terminals, _ := cmd.Flags().GetInt("terminals")
	orders, _ := cmd.Flags().GetInt("orders")
	drainers, _ := cmd.Flags().GetInt("drainers")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	dir, err := os.MkdirTemp("", "posd-bench-")
	if err != nil {
		fatalf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if !jsonOutput {
		fmt.Printf("%s %d terminals x %d orders, %d drainers\n", ui.RenderAccent("🔄"), terminals, orders, drainers)
	}
	report, err := loadtest.Run(context.Background(), loadtest.Config{
		Dir:               dir,
		Terminals:         terminals,
		OrdersPerTerminal: orders,
		Drainers:          drainers,
	})
	if err != nil {
		fatalf("load test failed: %v", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fatalf("failed to encode report: %v", err)
		}
		return
	}

	fmt.Printf("%s %d orders staged and uploaded in %v\n\n", ui.RenderPass("✓"), report.Staged, report.Elapsed)
	report.Stage.Fprint(os.Stdout, "Stage latency")
	fmt.Println()
	report.Drain.Fprint(os.Stdout, "Drain pass latency")
	fmt.Printf("\nUploaded: %d, conflicts: %d, cloud rows: %d\n", report.Uploaded, report.Conflicts, report.CloudRows)
}
