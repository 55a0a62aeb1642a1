// Command posd runs and operates a possync point-of-sale node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "posd",
	Short: "Offline-first order replication for a POS device network",
	Long: `posd keeps orders and the catalog consistent across a sale-taking host,
kitchen display clients and customer displays.

Orders are written locally first and uploaded from an outbox when the cloud
is reachable. Devices on the same network also exchange orders directly over
a peer-to-peer link, so kitchen displays keep working while offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./posd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Running a node:"},
		&cobra.Group{ID: "sync", Title: "Sync and queue:"},
		&cobra.Group{ID: "orders", Title: "Orders:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}
