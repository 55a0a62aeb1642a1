package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/cloud/cloudtest"
	"github.com/orderline/possync/internal/p2p"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

var quiet = log.New(io.Discard, "", 0)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func newProcessor(t *testing.T) (*Processor, *store.Store, *cloudtest.Flaky) {
	t.Helper()
	st := newTestStore(t)
	flaky := cloudtest.NewFlaky(cloudtest.NewSQLite(t))
	return New(st, flaky, Config{Logger: quiet}), st, flaky
}

func testOrder(id string, number int) *schema.Order {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &schema.Order{
		ID:                id,
		BusinessDay:       "2026-03-14",
		OrderNumber:       number,
		Items:             []schema.LineItem{{Name: "Latte", PriceCents: 450, Quantity: 1}},
		Status:            schema.StatusOpen,
		FulfillmentStatus: schema.FulfillmentPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func pending(t *testing.T, p *Processor) (int, int) {
	t.Helper()
	orders, customers, err := p.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	return orders, customers
}

func TestDrain_OfflineThenOnline(t *testing.T) {
	p, st, flaky := newProcessor(t)
	ctx := context.Background()

	flaky.SetDown(true)
	for i := 1; i <= 3; i++ {
		o := testOrder(fmt.Sprintf("ord-%d", i), i)
		if err := p.StageOrder(ctx, schema.OpCreate, o); err != nil {
			t.Fatalf("StageOrder() failed: %v", err)
		}
	}
	if _, err := st.GetOrder(ctx, "ord-2"); err != nil {
		t.Errorf("staged order not saved locally: %v", err)
	}

	res, err := p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() while down returned %v", err)
	}
	if res.Clean || res.Remaining != 3 {
		t.Errorf("offline drain = %s, want incomplete with 3 remaining", res)
	}

	flaky.SetDown(false)
	res, err = p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if !res.Clean || res.Uploaded != 3 || res.Remaining != 0 {
		t.Errorf("online drain = %s, want clean with 3 uploaded", res)
	}
	if orders, _ := pending(t, p); orders != 0 {
		t.Errorf("%d rows left, want 0", orders)
	}

	recs, err := flaky.FetchAll(ctx, cloud.ResourceOrders)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("cloud has %d orders, want 3", len(recs))
	}
}

func TestDrain_DuplicateCreateIsConflict(t *testing.T) {
	p, _, flaky := newProcessor(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1)
	for i := 0; i < 2; i++ {
		if err := p.StageOrder(ctx, schema.OpCreate, o); err != nil {
			t.Fatalf("StageOrder() failed: %v", err)
		}
	}

	res, err := p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if !res.Clean || res.Uploaded != 1 || res.Conflicts != 1 || res.Remaining != 0 {
		t.Errorf("drain = %+v, want 1 uploaded and 1 conflict", res)
	}
	if got := flaky.Writes(); got != 1 {
		t.Errorf("cloud accepted %d writes, want 1", got)
	}
}

func TestDrain_KeyTakenByAnotherDeviceKeepsRow(t *testing.T) {
	ctx := context.Background()
	hub := cloudtest.NewSQLite(t)
	a := New(newTestStore(t), hub, Config{Logger: quiet})
	stB := newTestStore(t)
	b := New(stB, hub, Config{Logger: quiet})

	// Two devices numbered their first order of the day independently.
	if err := a.StageOrder(ctx, schema.OpCreate, testOrder("ord-a", 1)); err != nil {
		t.Fatalf("StageOrder(a) failed: %v", err)
	}
	if err := b.StageOrder(ctx, schema.OpCreate, testOrder("ord-b", 1)); err != nil {
		t.Fatalf("StageOrder(b) failed: %v", err)
	}

	if res, err := a.DrainOrders(ctx); err != nil || res.Uploaded != 1 {
		t.Fatalf("DrainOrders(a) = %+v, %v; want 1 uploaded", res, err)
	}
	res, err := b.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders(b) failed: %v", err)
	}
	if res.Clean || res.KeyClashes != 1 || res.Conflicts != 0 || res.Remaining != 1 {
		t.Errorf("drain = %+v, want 1 key clash left queued", res)
	}
	if orders, _ := pending(t, b); orders != 1 {
		t.Errorf("device b has %d pending orders, want 1", orders)
	}

	// The row survives later passes too; the cloud still holds only ord-a.
	if res, err := b.DrainOrders(ctx); err != nil || res.Remaining != 1 {
		t.Fatalf("second DrainOrders(b) = %+v, %v; want the row kept", res, err)
	}
	recs, err := hub.FetchAll(ctx, cloud.ResourceOrders)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "ord-a" {
		t.Errorf("cloud orders = %+v, want only ord-a", recs)
	}
	if _, err := stB.GetOrder(ctx, "ord-b"); err != nil {
		t.Errorf("ord-b missing locally: %v", err)
	}
}

func TestDrain_UpdateAndDelete(t *testing.T) {
	p, _, flaky := newProcessor(t)
	ctx := context.Background()

	o := testOrder("ord-1", 1)
	if err := p.StageOrder(ctx, schema.OpCreate, o); err != nil {
		t.Fatalf("StageOrder(create) failed: %v", err)
	}
	o.Touch(o.UpdatedAt.Add(time.Minute))
	o.FulfillmentStatus = schema.FulfillmentReady
	if err := p.StageOrder(ctx, schema.OpUpdate, o); err != nil {
		t.Fatalf("StageOrder(update) failed: %v", err)
	}
	if _, err := p.DrainOrders(ctx); err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if got := flaky.Writes(); got != 2 {
		t.Errorf("writes = %d, want 2", got)
	}

	if err := p.StageOrder(ctx, schema.OpDelete, o); err != nil {
		t.Fatalf("StageOrder(delete) failed: %v", err)
	}
	res, err := p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if res.Uploaded != 1 || flaky.Deletes() != 1 {
		t.Errorf("delete drain = %s, deletes = %d", res, flaky.Deletes())
	}
}

func TestDrain_MalformedRowDropped(t *testing.T) {
	p, st, _ := newProcessor(t)
	ctx := context.Background()

	if _, err := st.OrderOutbox().Append(ctx, []byte(`{"op":"create"`)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := p.StageOrder(ctx, schema.OpCreate, testOrder("ord-1", 1)); err != nil {
		t.Fatalf("StageOrder() failed: %v", err)
	}

	res, err := p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if !res.Clean || res.Dropped != 1 || res.Uploaded != 1 || res.Remaining != 0 {
		t.Errorf("drain = %+v, want 1 dropped and 1 uploaded", res)
	}
}

func TestDrain_TransientKeepsRow(t *testing.T) {
	p, _, flaky := newProcessor(t)
	ctx := context.Background()

	flaky.FailUpsertWith(func(_ string, rec cloud.Record) error {
		if rec.ID == "ord-1" {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	for i, id := range []string{"ord-1", "ord-2"} {
		if err := p.StageOrder(ctx, schema.OpCreate, testOrder(id, i+1)); err != nil {
			t.Fatalf("StageOrder() failed: %v", err)
		}
	}

	res, err := p.DrainOrders(ctx)
	if err != nil {
		t.Fatalf("DrainOrders() failed: %v", err)
	}
	if res.Clean || res.Uploaded != 1 || res.Remaining != 1 {
		t.Errorf("drain = %+v, want 1 uploaded and 1 remaining", res)
	}

	flaky.FailUpsertWith(nil)
	res, err = p.DrainOrders(ctx)
	if err != nil || !res.Clean || res.Remaining != 0 {
		t.Errorf("retry drain = %+v, %v", res, err)
	}
}

func TestDrain_AuthStopsPass(t *testing.T) {
	p, _, flaky := newProcessor(t)
	ctx := context.Background()

	flaky.FailUpsertWith(func(string, cloud.Record) error {
		return &cloud.AuthError{Op: "upsert", Err: errors.New("token expired")}
	})
	for i, id := range []string{"ord-1", "ord-2"} {
		if err := p.StageOrder(ctx, schema.OpCreate, testOrder(id, i+1)); err != nil {
			t.Fatalf("StageOrder() failed: %v", err)
		}
	}
	customer := &schema.Customer{ID: "cus-1", Name: "Ada", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := p.StageCustomer(ctx, schema.OpCreate, customer); err != nil {
		t.Fatalf("StageCustomer() failed: %v", err)
	}

	res, err := p.DrainAll(ctx)
	var authErr *cloud.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("DrainAll() error = %v, want *cloud.AuthError", err)
	}
	if res.Remaining != 2 {
		t.Errorf("remaining = %d, want 2 order rows", res.Remaining)
	}
	if got := flaky.Upserts(); got != 1 {
		t.Errorf("%d upserts attempted, want the pass to stop after 1", got)
	}
	if _, customers := pending(t, p); customers != 1 {
		t.Errorf("customer outbox has %d rows, want 1 untouched", customers)
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	p, _, flaky := newProcessor(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := p.StageOrder(ctx, schema.OpCreate, testOrder(fmt.Sprintf("ord-%d", i), i)); err != nil {
			t.Fatalf("StageOrder() failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.DrainOrders(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("DrainOrders() failed: %v", err)
	}

	if got := flaky.Upserts(); got != 5 {
		t.Errorf("%d upserts for 5 rows, want each row uploaded once", got)
	}
	if orders, _ := pending(t, p); orders != 0 {
		t.Errorf("%d rows left, want 0", orders)
	}
}

func TestDrain_CancelledWhileWaiting(t *testing.T) {
	p, _, _ := newProcessor(t)
	p.orderSlot <- struct{}{}
	defer func() { <-p.orderSlot }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.DrainOrders(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DrainOrders() = %v, want DeadlineExceeded", err)
	}
}

type fakeBroadcaster struct {
	hosting bool
	mu      sync.Mutex
	sent    []p2p.Envelope
}

func (b *fakeBroadcaster) Hosting() bool { return b.hosting }

func (b *fakeBroadcaster) SendMessage(env p2p.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, env)
	return nil
}

func TestStage_FailedAppendLeavesNoLocalWrite(t *testing.T) {
	p, st, _ := newProcessor(t)
	ctx := context.Background()

	for _, table := range []string{"order_outbox", "customer_outbox"} {
		if _, err := st.RawDB().ExecContext(ctx, "DROP TABLE "+table); err != nil {
			t.Fatalf("DROP TABLE %s failed: %v", table, err)
		}
	}

	if err := p.StageOrder(ctx, schema.OpCreate, testOrder("ord-1", 1)); err == nil {
		t.Fatal("StageOrder() succeeded without an outbox")
	}
	if _, err := st.GetOrder(ctx, "ord-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetOrder() error = %v, want sql.ErrNoRows", err)
	}

	now := time.Now()
	c := &schema.Customer{ID: "cus-1", Name: "Ada", CreatedAt: now, UpdatedAt: now}
	if err := p.StageCustomer(ctx, schema.OpCreate, c); err == nil {
		t.Fatal("StageCustomer() succeeded without an outbox")
	}
	if _, err := st.GetCustomer(ctx, "cus-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCustomer() error = %v, want sql.ErrNoRows", err)
	}
}

func TestStageOrder_Broadcast(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()
	o := testOrder("ord-1", 1)

	idle := &fakeBroadcaster{}
	p.SetBroadcaster(idle)
	if err := p.StageOrder(ctx, schema.OpCreate, o); err != nil {
		t.Fatalf("StageOrder() failed: %v", err)
	}
	if len(idle.sent) != 0 {
		t.Errorf("non-hosting broadcaster got %d messages", len(idle.sent))
	}

	host := &fakeBroadcaster{hosting: true}
	p.SetBroadcaster(host)
	if !p.Hosting() {
		t.Fatal("Hosting() = false with a hosting broadcaster")
	}
	if err := p.StageOrder(ctx, schema.OpUpdate, o); err != nil {
		t.Fatalf("StageOrder() failed: %v", err)
	}
	if err := p.StageOrder(ctx, schema.OpDelete, o); err != nil {
		t.Fatalf("StageOrder() failed: %v", err)
	}
	if len(host.sent) != 1 || host.sent[0].Type != p2p.TypeOrderUpdated {
		t.Errorf("broadcast %v, want one ORDER_UPDATED", host.sent)
	}

	p.SetBroadcaster(nil)
	if p.Hosting() {
		t.Error("Hosting() = true without a broadcaster")
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}

	d := NewBackoff(0, 0)
	if d.Initial != DefaultRetryInitial || d.Max != DefaultRetryMax {
		t.Errorf("defaults = %v / %v", d.Initial, d.Max)
	}
}
