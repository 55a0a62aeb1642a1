package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/ui"
)

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	GroupID: "sync",
	Short:   "Check and sync the menu catalog",
	Long: `Two-way sync of catalog resources (categories, menu items, modifiers).

A sync pushes local rows changed since the resource's checkpoint, pulls
remote rows changed since it, then moves the checkpoint to the time the
sync started.`,
}

var catalogCheckCmd = &cobra.Command{
	Use:   "check [resource...]",
	Short: "Report which resources have newer remote rows",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		failed := false
		for _, r := range mustResources(n, args) {
			available, err := n.engine.Check(ctx, r)
			switch {
			case err != nil:
				failed = true
				fmt.Printf("%s %-12s %v\n", ui.RenderFail("✗"), r, err)
			case available:
				fmt.Printf("%s %-12s %s\n", ui.RenderWarn("↓"), r, n.engine.State(r))
			default:
				fmt.Printf("%s %-12s up to date\n", ui.RenderPass("✓"), r)
			}
		}
		if failed {
			fatalf("check failed")
		}
	},
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync [resource...]",
	Short: "Push and pull catalog changes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		var errs []error
		for _, r := range mustResources(n, args) {
			start := time.Now()
			result, err := n.engine.Sync(ctx, r)
			if err != nil {
				errs = append(errs, err)
				fmt.Printf("%s %-12s %v\n", ui.RenderFail("✗"), r, err)
				continue
			}
			fmt.Printf("%s %-12s %s (%v)\n", ui.RenderPass("✓"), r, result, time.Since(start).Round(time.Millisecond))
		}
		if err := errors.Join(errs...); err != nil {
			fatalf("sync failed; checkpoints of failed resources were not moved")
		}
	},
}

var catalogCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Show or move sync checkpoints",
}

var catalogCheckpointShowCmd = &cobra.Command{
	Use:   "show [resource...]",
	Short: "Show each resource's checkpoint and newest local row",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		fmt.Printf("\n%-12s  %-24s  %s\n", "RESOURCE", "CHECKPOINT", "LOCAL MAX")
		for _, r := range mustResources(n, args) {
			cp, err := n.store.Checkpoint(ctx, r)
			if err != nil {
				fatalf("%v", err)
			}
			localMax, err := n.store.MaxUpdatedAt(ctx, r)
			if err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("%-12s  %-24s  %s\n", r, formatTimePtr(cp), formatTimePtr(localMax))
		}
		fmt.Println()
	},
}

var catalogCheckpointSetCmd = &cobra.Command{
	Use:   "set <resource> <when>",
	Short: "Move a checkpoint, e.g. to force a re-pull",
	Long: `Overwrite a resource's checkpoint. The next sync pushes local rows and
pulls remote rows changed at or after the new checkpoint.

<when> is an RFC 3339 time, a natural phrase such as "yesterday at 9am" or
"3 hours ago", or "never" to clear the checkpoint and sync everything.

Examples:
  posd catalog checkpoint set menu_items never
  posd catalog checkpoint set modifiers "2 days ago"
  posd catalog checkpoint set categories 2026-03-01T00:00:00Z`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		r, err := schema.ParseResource(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		t, err := parseWhen(strings.Join(args[1:], " "), time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		if err := n.store.ResetCheckpoint(ctx, r, t); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s %s checkpoint set to %s\n", ui.RenderPass("✓"), r, formatTimePtr(t))
	},
}

func init() {
	catalogCheckpointCmd.AddCommand(catalogCheckpointShowCmd)
	catalogCheckpointCmd.AddCommand(catalogCheckpointSetCmd)
	catalogCmd.AddCommand(catalogCheckCmd)
	catalogCmd.AddCommand(catalogSyncCmd)
	catalogCmd.AddCommand(catalogCheckpointCmd)
	rootCmd.AddCommand(catalogCmd)
}

// mustResources parses args, defaulting to the configured resources.
func mustResources(n *node, args []string) []schema.Resource {
	if len(args) == 0 {
		return n.engine.Resources()
	}
	out := make([]schema.Resource, 0, len(args))
	for _, a := range args {
		r, err := schema.ParseResource(a)
		if err != nil {
			fatalf("%v", err)
		}
		out = append(out, r)
	}
	return out
}

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen reads a checkpoint argument. nil means "no checkpoint".
func parseWhen(s string, now time.Time) (*time.Time, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "never", "none", "reset":
		return nil, nil
	case "now":
		t := now.UTC()
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}

	r, err := whenParser.Parse(s, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("could not understand time %q", s)
	}
	t := r.Time.UTC()
	return &t, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return t.UTC().Format(time.RFC3339)
}
