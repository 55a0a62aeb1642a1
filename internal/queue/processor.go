// Package queue stages order and customer mutations in the local outboxes and
// drains them against the cloud.
//
// Staging never touches the network: the mutation is written to the store and
// appended to its outbox before anything else happens. When the device is a
// P2P host, the staged order is also broadcast to connected peers.
//
// Draining walks an outbox oldest-first and classifies each upload:
//
//	success        row deleted
//	conflict       row deleted (the record already exists upstream)
//	key taken      row kept, pass reported unclean (another record holds the key)
//	transient      row kept, pass reported unclean
//	auth           pass stopped, *cloud.AuthError returned
//	malformed      row dropped and logged
//
// Only one drain of an outbox runs at a time. Concurrent callers wait their
// turn instead of running in parallel.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

// ErrMalformedPayload marks an outbox row that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed outbox payload")

// Broadcaster pushes envelopes to connected peers. *p2p.Host implements it.
type Broadcaster interface {
	Hosting() bool
	SendMessage(env p2p.Envelope) error
}

// Result summarizes one drain pass.
type Result struct {
	// Clean is true when no row was left behind by a transient failure.
	Clean bool

	Uploaded  int
	Conflicts int
	// KeyClashes counts rows rejected because a different record already
	// holds their unique key upstream. Those rows stay queued.
	KeyClashes int
	Dropped    int
	Remaining  int
}

// Add merges r2 into r.
func (r Result) Add(r2 Result) Result {
	return Result{
		Clean:      r.Clean && r2.Clean,
		Uploaded:   r.Uploaded + r2.Uploaded,
		Conflicts:  r.Conflicts + r2.Conflicts,
		KeyClashes: r.KeyClashes + r2.KeyClashes,
		Dropped:    r.Dropped + r2.Dropped,
		Remaining:  r.Remaining + r2.Remaining,
	}
}

func (r Result) String() string {
	state := "clean"
	if !r.Clean {
		state = "incomplete"
	}
	s := fmt.Sprintf("%s: %d uploaded, %d conflicts, %d dropped, %d remaining",
		state, r.Uploaded, r.Conflicts, r.Dropped, r.Remaining)
	if r.KeyClashes > 0 {
		s += fmt.Sprintf(" (%d held by a key clash)", r.KeyClashes)
	}
	return s
}

// Config configures a Processor.
type Config struct {
	Logger      *log.Logger
	Broadcaster Broadcaster
}

// Processor owns both outboxes of a device.
type Processor struct {
	store  *store.Store
	cloud  cloud.Client
	logger *log.Logger

	bcastMu sync.RWMutex
	bcast   Broadcaster

	// One-slot semaphores: a drain holds the slot for its whole pass.
	orderSlot    chan struct{}
	customerSlot chan struct{}
}

// New creates a processor draining st's outboxes into c.
func New(st *store.Store, c cloud.Client, cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Processor{
		store:        st,
		cloud:        c,
		logger:       logger,
		bcast:        cfg.Broadcaster,
		orderSlot:    make(chan struct{}, 1),
		customerSlot: make(chan struct{}, 1),
	}
}

// SetBroadcaster replaces the broadcaster, e.g. when the device starts or
// stops hosting. A nil b disables broadcasting.
func (p *Processor) SetBroadcaster(b Broadcaster) {
	p.bcastMu.Lock()
	defer p.bcastMu.Unlock()
	p.bcast = b
}

func (p *Processor) broadcaster() Broadcaster {
	p.bcastMu.RLock()
	defer p.bcastMu.RUnlock()
	return p.bcast
}

// Hosting reports whether staged orders are currently broadcast to peers.
func (p *Processor) Hosting() bool {
	b := p.broadcaster()
	return b != nil && b.Hosting()
}

// StageOrder records an order mutation locally and appends it to the order
// outbox in one transaction. If the device is hosting, the order is broadcast right away.
// Broadcast failures are logged, never returned.
func (p *Processor) StageOrder(ctx context.Context, op schema.Op, order *schema.Order) error {
	payload, err := schema.EncodeOrderMutation(op, order)
	if err != nil {
		return fmt.Errorf("failed to encode order mutation: %w", err)
	}

	if op == schema.OpDelete {
		_, err = p.store.DeleteOrderAndAppend(ctx, order.ID, payload)
	} else {
		_, err = p.store.SaveOrderAndAppend(ctx, order, payload)
	}
	if err != nil {
		return err
	}

	p.broadcastOrder(op, order)
	return nil
}

func (p *Processor) broadcastOrder(op schema.Op, order *schema.Order) {
	b := p.broadcaster()
	if b == nil || !b.Hosting() || op == schema.OpDelete {
		return
	}

	msgType := p2p.TypeOrderUpdated
	if op == schema.OpCreate {
		msgType = p2p.TypeOrderAdded
	}
	env, err := p2p.NewOrderEnvelope(msgType, order)
	if err != nil {
		p.logger.Printf("Warning: failed to encode %s for order %s: %v", msgType, order.ID, err)
		return
	}
	if err := b.SendMessage(env); err != nil {
		p.logger.Printf("Warning: failed to broadcast %s for order %s: %v", msgType, order.ID, err)
	}
}

// StageCustomer records a customer mutation locally and appends it to the
// customer outbox.
func (p *Processor) StageCustomer(ctx context.Context, op schema.Op, customer *schema.Customer) error {
	payload, err := schema.EncodeCustomerMutation(op, customer)
	if err != nil {
		return fmt.Errorf("failed to encode customer mutation: %w", err)
	}
	if op == schema.OpDelete {
		_, err = p.store.CustomerOutbox().Append(ctx, payload)
	} else {
		_, err = p.store.SaveCustomerAndAppend(ctx, customer, payload)
	}
	return err
}

// Pending returns the outstanding row counts of both outboxes.
func (p *Processor) Pending(ctx context.Context) (orders, customers int, err error) {
	if orders, err = p.store.OrderOutbox().Count(ctx); err != nil {
		return 0, 0, err
	}
	if customers, err = p.store.CustomerOutbox().Count(ctx); err != nil {
		return 0, 0, err
	}
	return orders, customers, nil
}

// DrainOrders uploads every pending order mutation.
func (p *Processor) DrainOrders(ctx context.Context) (Result, error) {
	return p.drain(ctx, p.orderSlot, p.store.OrderOutbox(), p.uploadOrder)
}

// DrainCustomers uploads every pending customer mutation.
func (p *Processor) DrainCustomers(ctx context.Context) (Result, error) {
	return p.drain(ctx, p.customerSlot, p.store.CustomerOutbox(), p.uploadCustomer)
}

// DrainAll drains both outboxes, orders first. An auth failure on orders
// skips the customer outbox.
func (p *Processor) DrainAll(ctx context.Context) (Result, error) {
	orders, err := p.DrainOrders(ctx)
	if err != nil {
		return orders, err
	}
	customers, err := p.DrainCustomers(ctx)
	return orders.Add(customers), err
}

type uploadFunc func(ctx context.Context, payload []byte) error

func (p *Processor) drain(ctx context.Context, slot chan struct{}, box *store.Outbox, upload uploadFunc) (Result, error) {
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-slot }()

	result := Result{Clean: true}

	rows, err := box.ListAll(ctx)
	if err != nil {
		return result, err
	}

	var passErr error
	for _, row := range rows {
		if ctx.Err() != nil {
			result.Clean = false
			break
		}

		err := upload(ctx, row.Payload)
		switch {
		case err == nil:
			result.Uploaded++
		case errors.Is(err, ErrMalformedPayload):
			p.logger.Printf("Dropping %s row %d: %v", box.Name(), row.ID, err)
			result.Dropped++
		case cloud.Classify(err) == cloud.KindKeyTaken:
			// The mutation never reached the cloud.
			p.logger.Printf("Warning: %s row %d left queued, unique key taken upstream: %v", box.Name(), row.ID, err)
			result.KeyClashes++
			result.Clean = false
			continue
		case cloud.Classify(err) == cloud.KindConflict:
			result.Conflicts++
		case cloud.Classify(err) == cloud.KindAuth:
			var authErr *cloud.AuthError
			if !errors.As(err, &authErr) {
				authErr = &cloud.AuthError{Op: "upload", Err: err}
			}
			passErr = authErr
			result.Clean = false
		default:
			p.logger.Printf("Warning: %s row %d left queued: %v", box.Name(), row.ID, err)
			result.Clean = false
			continue
		}
		if passErr != nil {
			break
		}

		// The upload is confirmed; record that even if ctx was just cancelled.
		if err := box.Delete(context.WithoutCancel(ctx), row); err != nil {
			return result, err
		}
	}

	remaining, err := box.Count(context.WithoutCancel(ctx))
	if err != nil {
		return result, err
	}
	result.Remaining = remaining
	return result, passErr
}

func (p *Processor) uploadOrder(ctx context.Context, payload []byte) error {
	m, err := schema.DecodeOrderMutation(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if m.Op == schema.OpDelete {
		return p.cloud.Delete(ctx, cloud.ResourceOrders, cloud.Filter{ID: m.Order.ID})
	}

	body, err := json.Marshal(m.Order)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	rec := cloud.Record{
		ID:        m.Order.ID,
		UniqueKey: m.Order.UniqueKey(),
		Body:      body,
		UpdatedAt: m.Order.UpdatedAt,
	}
	key := cloud.ConflictID
	if m.Op == schema.OpCreate {
		key = cloud.ConflictNone
	}
	return p.cloud.Upsert(ctx, cloud.ResourceOrders, rec, key)
}

func (p *Processor) uploadCustomer(ctx context.Context, payload []byte) error {
	m, err := schema.DecodeCustomerMutation(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if m.Customer.ID == "" {
		return fmt.Errorf("%w: customer has no id", ErrMalformedPayload)
	}

	if m.Op == schema.OpDelete {
		return p.cloud.Delete(ctx, cloud.ResourceCustomers, cloud.Filter{ID: m.Customer.ID})
	}

	body, err := json.Marshal(m.Customer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	rec := cloud.Record{
		ID:        m.Customer.ID,
		Body:      body,
		UpdatedAt: m.Customer.UpdatedAt,
	}
	key := cloud.ConflictID
	if m.Op == schema.OpCreate {
		key = cloud.ConflictNone
	}
	return p.cloud.Upsert(ctx, cloud.ResourceCustomers, rec, key)
}
