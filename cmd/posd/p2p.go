package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/config"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/ui"
)

var p2pCmd = &cobra.Command{
	Use:     "p2p",
	GroupID: "run",
	Short:   "Run only the peer-to-peer link",
	Long: `Run the device-to-device link in the foreground, without cloud draining
or catalog sync. Useful for checking that displays can find the host.`,
}

var p2pHostCmd = &cobra.Command{
	Use:   "host",
	Short: "Advertise and accept display connections",
	Run: func(cmd *cobra.Command, args []string) {
		runP2P(cmd, config.RoleHost)
	},
}

var p2pJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Find a host and follow its orders",
	Run: func(cmd *cobra.Command, args []string) {
		runP2P(cmd, config.RoleClient)
	},
}

func init() {
	p2pJoinCmd.Flags().String("host", "", "connect to host:port directly instead of listening for beacons")
	p2pCmd.AddCommand(p2pHostCmd)
	p2pCmd.AddCommand(p2pJoinCmd)
	rootCmd.AddCommand(p2pCmd)
}

func runP2P(cmd *cobra.Command, role string) {
	cfg := mustLoadConfig()
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.P2P.HostAddr = host
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n := mustOpenNode(ctx, cfg, false, nodeOptions{fulfillment: fulfillment.Config{
		OnChange: printOrder,
		OnCart:   printCart,
	}})
	defer n.Close()

	if err := startRole(ctx, n, role); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("\nPress Ctrl+C to stop")
	<-ctx.Done()
	fmt.Println("\nStopping...")
}

// startRole takes the P2P role for a device role. Displays join as clients.
func startRole(ctx context.Context, n *node, role string) error {
	logger := n.logger("p2p")
	onState := func(from, to p2p.ConnState) {
		logger.Printf("%s -> %s", from, to)
	}

	switch role {
	case config.RoleHost:
		h, err := n.p2p.StartHost(ctx, p2p.HostConfig{
			PeerID:          n.cfg.Device.ID,
			ListenAddr:      n.cfg.P2P.ListenAddr,
			ServiceID:       n.cfg.P2P.ServiceID,
			ProtocolVersion: n.cfg.P2P.ProtocolVersion,
			BeaconAddr:      n.cfg.P2P.BeaconAddr,
			BeaconInterval:  n.cfg.P2P.BeaconInterval,
			OnMessage:       n.orders.Handler(ctx),
			OnStateChange:   onState,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("failed to start host: %w", err)
		}
		fmt.Printf("%s Hosting %s on %s\n", ui.RenderPass("✓"), n.cfg.P2P.ServiceID, h.Addr())
		return nil

	case config.RoleClient, config.RoleDisplay:
		_, err := n.p2p.StartClient(ctx, p2p.ClientConfig{
			PeerID:          n.cfg.Device.ID,
			ServiceID:       n.cfg.P2P.ServiceID,
			ProtocolVersion: n.cfg.P2P.ProtocolVersion,
			DiscoveryAddr:   n.cfg.P2P.DiscoveryAddr,
			HostAddr:        n.cfg.P2P.HostAddr,
			OnMessage:       n.orders.Handler(ctx),
			OnStateChange:   onState,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("failed to start client: %w", err)
		}
		target := "beacons on " + n.cfg.P2P.DiscoveryAddr
		if n.cfg.P2P.HostAddr != "" {
			target = n.cfg.P2P.HostAddr
		}
		fmt.Printf("%s Looking for a host (%s)\n", ui.RenderAccent("…"), target)
		return nil
	}
	return fmt.Errorf("unknown role %q", role)
}

func printOrder(o *schema.Order) {
	fmt.Printf("%s #%d %s %s\n", ui.RenderAccent("•"), o.OrderNumber, renderStatus(o.FulfillmentStatus), shortID(o.ID))
}

func printCart(cart p2p.Cart) {
	fmt.Printf("%s cart: %d item(s), total %s\n", ui.RenderAccent("🛒"), len(cart.Items), formatCents(cart.TotalCents))
}
