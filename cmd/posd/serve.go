package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/config"
	"github.com/orderline/possync/internal/daemon"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "run",
	Short:   "Run the node (foreground)",
	Long: `Run the node in the foreground until interrupted.

The node will:
  1. Drain both outboxes at start, on every staged mutation, every
     queue.drain_interval, and with backoff after a failed pass
  2. Check the catalog every catalog.check_interval and sync resources
     that have newer remote rows
  3. Follow realtime order and catalog changes from the cloud
  4. Import catalog files dropped into catalog.import_dir
  5. Host or join the peer-to-peer link according to device.role

Uploads paused by an auth failure resume on SIGHUP.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if role, _ := cmd.Flags().GetString("role"); role != "" {
			cfg.Device.Role = role
			if err := cfg.Validate(); err != nil {
				fatalf("%v", err)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		opts := nodeOptions{}
		if cfg.Device.Role == config.RoleDisplay {
			opts.fulfillment = fulfillment.Config{OnChange: printOrder, OnCart: printCart}
		}
		n := mustOpenNode(ctx, cfg, false, opts)
		defer n.Close()

		d, err := daemon.New(daemon.Deps{
			Store:   n.store,
			Cloud:   n.cloud,
			Queue:   n.queue,
			Catalog: n.engine,
			Orders:  n.orders,
		}, daemon.Config{
			DrainInterval: cfg.Queue.DrainInterval,
			RetryInitial:  cfg.Queue.RetryInitial,
			RetryMax:      cfg.Queue.RetryMax,
			ImportDir:     cfg.Catalog.ImportDir,
			Logger:        n.logger("daemon"),
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Starting posd as %s (%s)\n", ui.RenderAccent("🚀"), cfg.Device.Role, cfg.Device.ID)
		if cfg.File != "" {
			fmt.Printf("   Config: %s\n", cfg.File)
		}
		fmt.Printf("   Store: %s\n", cfg.Store.Path)
		fmt.Printf("   Cloud: %s\n", cfg.Cloud.Driver)
		if cfg.Catalog.ImportDir != "" {
			fmt.Printf("   Import dir: %s\n", cfg.Catalog.ImportDir)
		}

		if err := startRole(ctx, n, cfg.Device.Role); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("\nPress Ctrl+C to stop, send SIGHUP to retry uploads now\n\n")

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-hup:
					d.Kick()
				case <-ctx.Done():
					return
				}
			}
		}()

		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatalf("daemon stopped: %v", err)
		}
		fmt.Println("\nStopped")
	},
}

func init() {
	serveCmd.Flags().String("role", "", "override device.role (host, client or display)")
	rootCmd.AddCommand(serveCmd)
}
