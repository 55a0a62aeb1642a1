package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orderline/possync/internal/config"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/ui"
)

var ordersCmd = &cobra.Command{
	Use:     "orders",
	GroupID: "orders",
	Short:   "List, create and bump orders on this device",
	Long: `Work with the local order board. Changes are written to the local store
and queued for upload; a running 'posd serve' picks them up on its next drain.

Orders are named by ID, a unique ID prefix, or #<number> for today's
order number.`,
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show active orders, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		board := n.orders.Board()
		if len(board) == 0 {
			fmt.Printf("\n%s No active orders\n\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%-5s  %-12s  %-8s  %-9s  %s\n", "NO.", "STATUS", "ID", "TOTAL", "ITEMS")
		for _, o := range board {
			fmt.Printf("#%-4d  %-12s  %-8s  %9s  %s\n",
				o.OrderNumber, renderStatus(o.FulfillmentStatus), shortID(o.ID), formatCents(o.TotalCents), summarizeItems(o.Items))
		}
		fmt.Println()
	},
}

var ordersNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Ring up a new order",
	Long: `Create an order and queue it for upload.

Items are name:price[xquantity], price in currency units.

Example:
  posd orders new --item "Latte:4.50x2" --item "Croissant:3.25" --payment card`,
	Run: func(cmd *cobra.Command, args []string) {
		specs, _ := cmd.Flags().GetStringArray("item")
		payment, _ := cmd.Flags().GetString("payment")
		tax, _ := cmd.Flags().GetString("tax")
		customer, _ := cmd.Flags().GetString("customer")

		if len(specs) == 0 {
			fatalf("at least one --item is required")
		}
		req := fulfillment.NewOrderRequest{
			PaymentMethod: payment,
			CustomerID:    customer,
			Status:        schema.StatusPaid,
		}
		for _, spec := range specs {
			item, err := parseItem(spec)
			if err != nil {
				fatalf("%v", err)
			}
			req.Items = append(req.Items, item)
		}
		if tax != "" {
			cents, err := parseCents(tax)
			if err != nil {
				fatalf("invalid --tax: %v", err)
			}
			req.TaxCents = cents
		}

		ctx := context.Background()
		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()

		o, err := n.orders.NewOrder(ctx, req)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Order #%d created (%s), total %s\n", ui.RenderPass("✓"), o.OrderNumber, o.ID, formatCents(o.TotalCents))
	},
}

var ordersBumpCmd = &cobra.Command{
	Use:   "bump <order>",
	Short: "Advance an order one fulfillment step",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		changeOrder(args[0], func(ctx context.Context, svc *fulfillment.Service, id string) (*schema.Order, error) {
			return svc.Bump(ctx, id)
		})
	},
}

var ordersFastCompleteCmd = &cobra.Command{
	Use:   "fast-complete <order>",
	Short: "Move an order straight to READY",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		changeOrder(args[0], func(ctx context.Context, svc *fulfillment.Service, id string) (*schema.Order, error) {
			return svc.FastComplete(ctx, id)
		})
	},
}

var ordersItemCmd = &cobra.Command{
	Use:   "item <order> <index>",
	Short: "Mark a line item done (or not, with --undo) on the kitchen display",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		undo, _ := cmd.Flags().GetBool("undo")
		index, err := strconv.Atoi(args[1])
		if err != nil {
			fatalf("invalid item index %q", args[1])
		}
		changeOrder(args[0], func(ctx context.Context, svc *fulfillment.Service, id string) (*schema.Order, error) {
			return svc.SetItemCompleted(ctx, id, index, !undo)
		})
	},
}

var ordersCartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Host the P2P link and show a live cart on customer displays",
	Long: `Take the host role and mirror an in-progress sale to joined customer
displays. Each line read from stdin is an item (name:price[xquantity]);
"clear" empties the cart. The cart is published after every line and is
never stored or uploaded.

Stop 'posd serve' first: only one process can host on this device.`,
	Run: func(cmd *cobra.Command, args []string) {
		tax, _ := cmd.Flags().GetString("tax")
		var taxCents int64
		if tax != "" {
			cents, err := parseCents(tax)
			if err != nil {
				fatalf("invalid --tax: %v", err)
			}
			taxCents = cents
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
		defer n.Close()
		if err := startRole(ctx, n, config.RoleHost); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Enter items, \"clear\" to start over, Ctrl+D to stop")

		var items []schema.LineItem
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			var line string
			select {
			case <-ctx.Done():
				return
			case l, ok := <-lines:
				if !ok {
					return
				}
				line = strings.TrimSpace(l)
			}

			switch line {
			case "":
				continue
			case "clear":
				items = nil
			default:
				item, err := parseItem(line)
				if err != nil {
					fmt.Printf("%s %v\n", ui.RenderWarn("!"), err)
					continue
				}
				items = append(items, item)
			}

			cart := p2p.NewCart(items, taxCents, 0)
			if err := n.orders.PublishCart(cart); err != nil {
				fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
				continue
			}
			printCart(cart)
		}
	},
}

func init() {
	ordersCartCmd.Flags().String("tax", "", "tax amount added to every cart")
	ordersNewCmd.Flags().StringArrayP("item", "i", nil, "line item as name:price[xqty] (repeatable)")
	ordersNewCmd.Flags().String("payment", "cash", "payment method")
	ordersNewCmd.Flags().String("tax", "", "tax amount")
	ordersNewCmd.Flags().String("customer", "", "customer ID")
	ordersItemCmd.Flags().Bool("undo", false, "mark the item not done")

	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersNewCmd)
	ordersCmd.AddCommand(ordersBumpCmd)
	ordersCmd.AddCommand(ordersFastCompleteCmd)
	ordersCmd.AddCommand(ordersItemCmd)
	ordersCmd.AddCommand(ordersCartCmd)
	rootCmd.AddCommand(ordersCmd)
}

type orderChange func(ctx context.Context, svc *fulfillment.Service, id string) (*schema.Order, error)

func changeOrder(ref string, change orderChange) {
	ctx := context.Background()
	n := mustOpenNode(ctx, mustLoadConfig(), true, nodeOptions{})
	defer n.Close()

	id, err := resolveOrder(n.orders.Board(), ref)
	if err != nil {
		fatalf("%v", err)
	}
	before, _ := n.orders.Get(id)
	o, err := change(ctx, n.orders, id)
	if err != nil {
		fatalf("%v", err)
	}
	if before != nil && before.Version == o.Version {
		fmt.Printf("%s Order #%d unchanged (%s)\n", ui.RenderMuted("-"), o.OrderNumber, renderStatus(o.FulfillmentStatus))
		return
	}
	fmt.Printf("%s Order #%d is now %s\n", ui.RenderPass("✓"), o.OrderNumber, renderStatus(o.FulfillmentStatus))
}

// resolveOrder finds an order on the board by #number, exact ID or unique
// ID prefix. An unknown full ID is passed through for the service to look up.
func resolveOrder(board []*schema.Order, ref string) (string, error) {
	if num, ok := strings.CutPrefix(ref, "#"); ok {
		n, err := strconv.Atoi(num)
		if err != nil {
			return "", fmt.Errorf("invalid order number %q", ref)
		}
		for _, o := range board {
			if o.OrderNumber == n {
				return o.ID, nil
			}
		}
		return "", fmt.Errorf("no active order #%d", n)
	}

	var matches []string
	for _, o := range board {
		if o.ID == ref {
			return o.ID, nil
		}
		if strings.HasPrefix(o.ID, ref) {
			matches = append(matches, o.ID)
		}
	}
	switch len(matches) {
	case 0:
		return ref, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("order prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// parseItem reads name:price[xqty].
func parseItem(spec string) (schema.LineItem, error) {
	i := strings.LastIndex(spec, ":")
	if i <= 0 || i == len(spec)-1 {
		return schema.LineItem{}, fmt.Errorf("invalid item %q (want name:price[xqty])", spec)
	}
	name, rest := strings.TrimSpace(spec[:i]), spec[i+1:]

	qty := 1
	if price, q, ok := strings.Cut(rest, "x"); ok {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return schema.LineItem{}, fmt.Errorf("invalid quantity in item %q", spec)
		}
		rest, qty = price, n
	}
	cents, err := parseCents(rest)
	if err != nil {
		return schema.LineItem{}, fmt.Errorf("invalid price in item %q: %v", spec, err)
	}
	return schema.LineItem{Name: name, PriceCents: cents, Quantity: qty}, nil
}

// parseCents reads a decimal amount with at most two fractional digits.
func parseCents(s string) (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("%q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("%q is not an amount", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an amount", s)
	}
	return w*100 + f, nil
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func summarizeItems(items []schema.LineItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		p := it.Name
		if it.Quantity > 1 {
			p = fmt.Sprintf("%dx %s", it.Quantity, it.Name)
		}
		if it.Completed {
			p = ui.RenderMuted(p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

func renderStatus(s schema.FulfillmentStatus) string {
	switch s {
	case schema.FulfillmentReady:
		return ui.RenderPass(string(s))
	case schema.FulfillmentInProgress:
		return ui.RenderWarn(string(s))
	case schema.FulfillmentCompleted:
		return ui.RenderMuted(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
