package fulfillment

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

// Stager durably records an order mutation. *queue.Processor implements it.
type Stager interface {
	StageOrder(ctx context.Context, op schema.Op, order *schema.Order) error
}

// Link is the device's P2P presence. *p2p.Node implements it.
type Link interface {
	Role() p2p.Role
	SendMessage(env p2p.Envelope) error
}

// Config configures a Service.
type Config struct {
	Mode     Mode
	DeviceID string

	// Link decides how changes propagate: a P2P client sends STATUS_UPDATE
	// to its host, everyone else stages through the Stager.
	Link Link

	// OnChange is called after an order on the board changes.
	OnChange func(order *schema.Order)
	// OnCart is called for CART_UPDATE messages.
	OnCart func(cart p2p.Cart)

	Now    func() time.Time
	Logger *log.Logger
}

// Service owns the order board of one device.
type Service struct {
	store  *store.Store
	stager Stager
	cfg    Config
	logger *log.Logger

	mu    sync.Mutex
	board map[string]*schema.Order
}

// New creates a service. Call Load to fill the board from the store.
func New(st *store.Store, stager Stager, cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = ModeStandard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[fulfillment] ", log.LstdFlags)
	}
	return &Service{
		store:  st,
		stager: stager,
		cfg:    cfg,
		logger: logger,
		board:  make(map[string]*schema.Order),
	}
}

// Mode returns the transition mode in use.
func (s *Service) Mode() Mode {
	return s.cfg.Mode
}

// Load replaces the board with the active orders in the store.
func (s *Service) Load(ctx context.Context) error {
	orders, err := s.store.ListActiveOrders(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.board = make(map[string]*schema.Order, len(orders))
	for _, o := range orders {
		s.board[o.ID] = o
	}
	return nil
}

// Board returns copies of the active orders, oldest first.
func (s *Service) Board() []*schema.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardLocked()
}

func (s *Service) boardLocked() []*schema.Order {
	out := make([]*schema.Order, 0, len(s.board))
	for _, o := range s.board {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BusinessDay != out[j].BusinessDay {
			return out[i].BusinessDay < out[j].BusinessDay
		}
		return out[i].OrderNumber < out[j].OrderNumber
	})
	return out
}

// Get returns a copy of an order on the board.
func (s *Service) Get(id string) (*schema.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.board[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// lookup finds an order on the board, falling back to the store so that
// completed orders can still be addressed.
func (s *Service) lookup(ctx context.Context, id string) (*schema.Order, error) {
	if o, ok := s.board[id]; ok {
		return o, nil
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %s not found: %w", id, err)
	}
	return o, nil
}

// NewOrderRequest describes a sale to record.
type NewOrderRequest struct {
	Items         []schema.LineItem
	TaxCents      int64
	DiscountCents int64
	PaymentMethod string
	Status        schema.OrderStatus
	CustomerID    string
}

// NewOrder assigns identity, number and totals to a sale, puts it on the
// board and stages it for upload.
func (s *Service) NewOrder(ctx context.Context, req NewOrderRequest) (*schema.Order, error) {
	now := s.cfg.Now().UTC()
	day := schema.BusinessDayOf(now)

	number, err := s.store.NextOrderNumber(ctx, day)
	if err != nil {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = schema.StatusOpen
	}
	order := &schema.Order{
		ID:                uuid.NewString(),
		BusinessDay:       day,
		OrderNumber:       number,
		Items:             req.Items,
		TaxCents:          req.TaxCents,
		DiscountCents:     req.DiscountCents,
		PaymentMethod:     req.PaymentMethod,
		Status:            status,
		FulfillmentStatus: schema.FulfillmentPending,
		CustomerID:        req.CustomerID,
		DeviceID:          s.cfg.DeviceID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.RecalculateTotals()
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stager.StageOrder(ctx, schema.OpCreate, order); err != nil {
		return nil, err
	}
	s.board[order.ID] = order
	s.notify(order)
	return order.Clone(), nil
}

// Bump advances an order one step. At COMPLETED it returns the order unchanged.
func (s *Service) Bump(ctx context.Context, id string) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := Next(s.cfg.Mode, cur.FulfillmentStatus)
	if !ok {
		return cur.Clone(), nil
	}

	updated := cur.Clone()
	updated.FulfillmentStatus = next
	return s.commit(ctx, updated)
}

// FastComplete moves an order that is not yet READY straight to READY.
// A READY order is returned unchanged. A COMPLETED order is rejected, since
// fulfillment never moves backwards.
func (s *Service) FastComplete(ctx context.Context, id string) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.FulfillmentStatus == schema.FulfillmentReady:
		return cur.Clone(), nil
	case !CanFastComplete(cur.FulfillmentStatus):
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, id, cur.FulfillmentStatus)
	}

	updated := cur.Clone()
	updated.FulfillmentStatus = schema.FulfillmentReady
	return s.commit(ctx, updated)
}

// SetItemCompleted flips the kitchen flag of one line item. The aggregate
// fulfillment status is not affected.
func (s *Service) SetItemCompleted(ctx context.Context, id string, index int, completed bool) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(cur.Items) {
		return nil, fmt.Errorf("order %s has no item %d", id, index)
	}
	if cur.Items[index].Completed == completed {
		return cur.Clone(), nil
	}

	updated := cur.Clone()
	updated.Items[index].Completed = completed
	return s.commit(ctx, updated)
}

// commit applies a local change: board first, then durable propagation.
// Must be called with s.mu held.
func (s *Service) commit(ctx context.Context, updated *schema.Order) (*schema.Order, error) {
	updated.Touch(s.cfg.Now())
	s.put(updated)
	s.notify(updated)

	if s.cfg.Link != nil && s.cfg.Link.Role() == p2p.RoleClient {
		if err := s.store.SaveOrder(ctx, updated); err != nil {
			return nil, err
		}
		env, err := p2p.NewOrderEnvelope(p2p.TypeStatusUpdate, updated)
		if err != nil {
			return nil, err
		}
		if err := s.cfg.Link.SendMessage(env); err != nil {
			return updated.Clone(), fmt.Errorf("failed to send status update for order %s: %w", updated.ID, err)
		}
		return updated.Clone(), nil
	}

	if err := s.stager.StageOrder(ctx, schema.OpUpdate, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// put stores o on the board, or removes it once it is no longer active.
func (s *Service) put(o *schema.Order) {
	if o.IsActive() {
		s.board[o.ID] = o
	} else {
		delete(s.board, o.ID)
	}
}

func (s *Service) notify(o *schema.Order) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(o.Clone())
	}
}

// ApplyRemote merges an order received from the cloud or the host using
// last-writer-wins: higher Version, then later UpdatedAt. It reports whether
// the local copy changed.
func (s *Service) ApplyRemote(ctx context.Context, order *schema.Order) (bool, error) {
	if err := order.Validate(); err != nil {
		return false, fmt.Errorf("invalid remote order: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.board[order.ID]
	if !ok {
		if stored, err := s.store.GetOrder(ctx, order.ID); err == nil {
			local = stored
		}
	}
	if local != nil && !order.Newer(local) {
		return false, nil
	}

	if err := s.store.SaveOrder(ctx, order); err != nil {
		return false, err
	}
	applied := order.Clone()
	s.put(applied)
	s.notify(applied)
	return true, nil
}

// RemoveRemote drops an order deleted upstream.
func (s *Service) RemoveRemote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteOrder(ctx, id); err != nil {
		return err
	}
	delete(s.board, id)
	return nil
}

// ApplySnapshot makes the board match a host snapshot. Local copies newer
// than the snapshot's are kept; active orders missing from it are dropped.
func (s *Service) ApplySnapshot(ctx context.Context, orders []*schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]*schema.Order, 0, len(orders))
	for _, o := range orders {
		if local, ok := s.board[o.ID]; ok && local.Newer(o) {
			merged = append(merged, local)
			continue
		}
		merged = append(merged, o)
	}

	if err := s.store.ReplaceActiveOrders(ctx, merged); err != nil {
		return err
	}

	s.board = make(map[string]*schema.Order, len(merged))
	for _, o := range merged {
		s.put(o.Clone())
	}
	for _, o := range s.board {
		s.notify(o)
	}
	return nil
}

// HandleStatusUpdate applies a fulfillment change relayed by a P2P client.
// The host is the only writer: it validates the move against its own copy
// and stages the result, which also rebroadcasts it to every peer.
// An order the host does not know is rejected with ErrUnknownOrder.
func (s *Service) HandleStatusUpdate(ctx context.Context, incoming *schema.Order) (*schema.Order, error) {
	if err := incoming.Validate(); err != nil {
		return nil, fmt.Errorf("invalid status update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.lookup(ctx, incoming.ID)
	if err != nil {
		// Clients only change orders the host sent them.
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, incoming.ID)
	}

	from, to := cur.FulfillmentStatus, incoming.FulfillmentStatus
	if from != to && !ValidTransition(s.cfg.Mode, from, to) {
		return nil, fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, cur.ID, from, to)
	}

	updated := cur.Clone()
	updated.FulfillmentStatus = to
	if len(incoming.Items) == len(updated.Items) {
		for i := range updated.Items {
			updated.Items[i].Completed = incoming.Items[i].Completed
		}
	}
	if incoming.Version > updated.Version {
		updated.Version = incoming.Version
	}
	return s.commit(ctx, updated)
}

// PublishCart pushes the in-progress sale to connected customer displays.
// Only a hosting device publishes. The cart is never stored or staged.
func (s *Service) PublishCart(cart p2p.Cart) error {
	if s.cfg.Link == nil || s.cfg.Link.Role() != p2p.RoleHost {
		return ErrNotHosting
	}
	env, err := p2p.NewCartEnvelope(cart)
	if err != nil {
		return err
	}
	if err := s.cfg.Link.SendMessage(env); err != nil {
		return fmt.Errorf("failed to publish cart: %w", err)
	}
	return nil
}

// Snapshot builds a SNAPSHOT envelope of the current board.
func (s *Service) Snapshot() (p2p.Envelope, error) {
	return p2p.NewSnapshotEnvelope(s.Board())
}

// Handler adapts the service to inbound P2P messages. ctx bounds every
// store and queue call the handler makes.
func (s *Service) Handler(ctx context.Context) p2p.Handler {
	return func(peerID string, env p2p.Envelope) {
		if err := s.HandleEnvelope(ctx, env); err != nil {
			from := peerID
			if from == "" {
				from = "host"
			}
			s.logger.Printf("Warning: failed to handle %s from %s: %v", env.Type, from, err)
		}
	}
}

// HandleEnvelope dispatches one inbound P2P message.
func (s *Service) HandleEnvelope(ctx context.Context, env p2p.Envelope) error {
	switch env.Type {
	case p2p.TypeSnapshot:
		orders, err := env.Orders()
		if err != nil {
			return err
		}
		return s.ApplySnapshot(ctx, orders)

	case p2p.TypeOrderAdded, p2p.TypeOrderUpdated:
		order, err := env.Order()
		if err != nil {
			return err
		}
		_, err = s.ApplyRemote(ctx, order)
		return err

	case p2p.TypeStatusUpdate:
		order, err := env.Order()
		if err != nil {
			return err
		}
		_, err = s.HandleStatusUpdate(ctx, order)
		return err

	case p2p.TypeSnapshotRequest:
		if s.cfg.Link == nil {
			return nil
		}
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}
		// No per-peer addressing: every peer receives the snapshot.
		return s.cfg.Link.SendMessage(snap)

	case p2p.TypeCartUpdate:
		if s.cfg.OnCart == nil {
			return nil
		}
		cart, err := env.Cart()
		if err != nil {
			return err
		}
		s.cfg.OnCart(cart)
		return nil
	}
	return fmt.Errorf("%w: %q", p2p.ErrUnknownType, env.Type)
}
