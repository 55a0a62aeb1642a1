package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orderline/possync/internal/schema"
)

// newTestStore opens an initialized store in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
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
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	tables := []string{"orders", "customers", "order_outbox", "customer_outbox",
		"sync_checkpoints", "order_counters", "menu_items", "modifiers", "categories"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestOutbox_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	box := s.OrderOutbox()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := box.Append(ctx, []byte(fmt.Sprintf("payload-%d", i)))
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("row ids not increasing: %v", ids)
		}
	}

	rows, err := box.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("ListAll() returned %d rows, want 3", len(rows))
	}
	for i, r := range rows {
		if want := fmt.Sprintf("payload-%d", i); string(r.Payload) != want {
			t.Errorf("row %d payload = %q, want %q", i, r.Payload, want)
		}
		if r.EnqueuedAt.IsZero() {
			t.Errorf("row %d has no enqueue time", i)
		}
	}

	if err := box.Delete(ctx, rows[1]); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := box.Delete(ctx, rows[1]); err != nil {
		t.Errorf("deleting a missing row should not fail: %v", err)
	}
	if n, _ := box.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	// Removing the tail must not let the next append reuse its id.
	if err := box.Delete(ctx, rows[2]); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	next, err := box.Append(ctx, []byte("again"))
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if next <= ids[2] {
		t.Errorf("row id %d reused (last was %d)", next, ids[2])
	}
}

func TestOutbox_Independent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.OrderOutbox().Append(ctx, []byte("o")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if n, _ := s.CustomerOutbox().Count(ctx); n != 0 {
		t.Errorf("customer outbox count = %d, want 0", n)
	}
}

func TestOutbox_Watch(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	box := s.OrderOutbox()

	ch, err := box.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	if got := <-ch; got != 0 {
		t.Fatalf("initial count = %d, want 0", got)
	}

	if _, err := box.Append(ctx, []byte("a")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if _, err := box.Append(ctx, []byte("b")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	select {
	case got := <-ch:
		if got != 2 {
			t.Errorf("watched count = %d, want latest value 2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no count delivered after append")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

func TestCatalog_TombstoneHiddenButResolvable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, name := range []string{"Espresso", "Mocha"} {
		item := &schema.CatalogItem{
			ID:        fmt.Sprintf("m-%d", i),
			Resource:  schema.ResourceMenuItems,
			Name:      name,
			Available: true,
			SortOrder: i,
			UpdatedAt: now,
		}
		if err := s.UpsertCatalogItem(ctx, item); err != nil {
			t.Fatalf("UpsertCatalogItem() failed: %v", err)
		}
	}

	deletedAt := now.Add(time.Minute)
	if err := s.SoftDeleteCatalogItem(ctx, schema.ResourceMenuItems, "m-0", deletedAt); err != nil {
		t.Fatalf("SoftDeleteCatalogItem() failed: %v", err)
	}

	visible, err := s.ListVisibleCatalog(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("ListVisibleCatalog() failed: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "m-1" {
		t.Errorf("visible = %+v, want only m-1", visible)
	}

	got, err := s.GetCatalogItem(ctx, schema.ResourceMenuItems, "m-0")
	if err != nil {
		t.Fatalf("GetCatalogItem() failed: %v", err)
	}
	if !got.IsDeleted() || !got.DeletedAt.Equal(deletedAt) {
		t.Errorf("tombstoned item = %+v", got)
	}

	if _, err := s.GetCatalogItem(ctx, schema.ResourceMenuItems, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing item error = %v, want sql.ErrNoRows", err)
	}

	max, err := s.MaxUpdatedAt(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("MaxUpdatedAt() failed: %v", err)
	}
	if max == nil || !max.Equal(deletedAt) {
		t.Errorf("MaxUpdatedAt() = %v, want %v", max, deletedAt)
	}

	changed, err := s.ListCatalogUpdatedAfter(ctx, schema.ResourceMenuItems, &now)
	if err != nil {
		t.Fatalf("ListCatalogUpdatedAfter() failed: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "m-0" {
		t.Errorf("changed since %v = %+v, want only tombstoned m-0", now, changed)
	}
}

func TestCatalog_UpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := &schema.CatalogItem{
		ID:         "mod-1",
		Resource:   schema.ResourceModifiers,
		Name:       "Oat milk",
		ParentID:   "m-0",
		PriceCents: 60,
		Available:  true,
		SortOrder:  3,
		UpdatedAt:  time.Date(2026, 3, 14, 9, 30, 0, 123000, time.UTC),
	}
	if err := s.UpsertCatalogItem(ctx, want); err != nil {
		t.Fatalf("UpsertCatalogItem() failed: %v", err)
	}
	got, err := s.GetCatalogItem(ctx, schema.ResourceModifiers, "mod-1")
	if err != nil {
		t.Fatalf("GetCatalogItem() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}

	if max, err := s.MaxUpdatedAt(ctx, schema.ResourceCategories); err != nil || max != nil {
		t.Errorf("MaxUpdatedAt() of empty resource = %v, %v; want nil, nil", max, err)
	}
}

func TestCheckpoint_NeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := schema.ResourceMenuItems

	if cp, err := s.Checkpoint(ctx, r); err != nil || cp != nil {
		t.Fatalf("initial Checkpoint() = %v, %v; want nil, nil", cp, err)
	}

	t1 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)
	if err := s.AdvanceCheckpoint(ctx, r, t1); err != nil {
		t.Fatalf("AdvanceCheckpoint() failed: %v", err)
	}
	if err := s.AdvanceCheckpoint(ctx, r, t0); err != nil {
		t.Fatalf("AdvanceCheckpoint() failed: %v", err)
	}
	cp, err := s.Checkpoint(ctx, r)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	if cp == nil || !cp.Equal(t1) {
		t.Errorf("Checkpoint() = %v, want %v", cp, t1)
	}

	if err := s.ResetCheckpoint(ctx, r, &t0); err != nil {
		t.Fatalf("ResetCheckpoint() failed: %v", err)
	}
	if cp, _ := s.Checkpoint(ctx, r); cp == nil || !cp.Equal(t0) {
		t.Errorf("Checkpoint() after reset = %v, want %v", cp, t0)
	}
	if err := s.ResetCheckpoint(ctx, r, nil); err != nil {
		t.Fatalf("ResetCheckpoint(nil) failed: %v", err)
	}
	if cp, _ := s.Checkpoint(ctx, r); cp != nil {
		t.Errorf("Checkpoint() after clear = %v, want nil", cp)
	}
}

func TestOrders_ActiveAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testOrder("a", 1)
	b := testOrder("b", 2)
	done := testOrder("c", 3)
	done.FulfillmentStatus = schema.FulfillmentCompleted
	for _, o := range []*schema.Order{a, b, done} {
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder() failed: %v", err)
		}
	}

	active, err := s.ListActiveOrders(ctx)
	if err != nil {
		t.Fatalf("ListActiveOrders() failed: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "b" {
		t.Fatalf("active = %v, want [a b]", ids(active))
	}

	b2 := b.Clone()
	b2.FulfillmentStatus = schema.FulfillmentReady
	b2.Version = 4
	d := testOrder("d", 4)
	if err := s.ReplaceActiveOrders(ctx, []*schema.Order{b2, d}); err != nil {
		t.Fatalf("ReplaceActiveOrders() failed: %v", err)
	}

	active, _ = s.ListActiveOrders(ctx)
	if got := ids(active); !cmp.Equal(got, []string{"b", "d"}) {
		t.Errorf("active after snapshot = %v, want [b d]", got)
	}
	got, err := s.GetOrder(ctx, "b")
	if err != nil {
		t.Fatalf("GetOrder() failed: %v", err)
	}
	if got.FulfillmentStatus != schema.FulfillmentReady || got.Version != 4 {
		t.Errorf("order b = %+v", got)
	}
	if _, err := s.GetOrder(ctx, "c"); err != nil {
		t.Errorf("completed order should survive snapshot: %v", err)
	}
}

func TestNextOrderNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := s.NextOrderNumber(ctx, "2026-03-14")
		if err != nil {
			t.Fatalf("NextOrderNumber() failed: %v", err)
		}
		if n != want {
			t.Errorf("NextOrderNumber() = %d, want %d", n, want)
		}
	}

	if n, _ := s.NextOrderNumber(ctx, "2026-03-15"); n != 1 {
		t.Errorf("new day starts at %d, want 1", n)
	}

	// A synced order with a higher number pushes the counter past it.
	if err := s.SaveOrder(ctx, testOrder("remote", 10)); err != nil {
		t.Fatalf("SaveOrder() failed: %v", err)
	}
	if n, _ := s.NextOrderNumber(ctx, "2026-03-14"); n != 11 {
		t.Errorf("NextOrderNumber() after remote order = %d, want 11", n)
	}
}

func TestNextOrderNumber_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := s.NextOrderNumber(ctx, "2026-03-14")
			if err != nil {
				t.Errorf("NextOrderNumber() failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[num] {
				t.Errorf("order number %d allocated twice", num)
			}
			seen[num] = true
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("allocated %d distinct numbers, want %d", len(seen), n)
	}
}

func TestCustomers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &schema.Customer{ID: "cust-1", Name: "Ada", CreatedAt: now, UpdatedAt: now}
	if err := s.SaveCustomer(ctx, c); err != nil {
		t.Fatalf("SaveCustomer() failed: %v", err)
	}
	got, err := s.GetCustomer(ctx, "cust-1")
	if err != nil {
		t.Fatalf("GetCustomer() failed: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("customer mismatch (-want +got):\n%s", diff)
	}
	if err := s.SaveCustomer(ctx, &schema.Customer{ID: "x"}); err == nil {
		t.Error("expected invalid customer to be rejected")
	}
}

func ids(orders []*schema.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func TestSaveOrderAndAppend_AllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	box := s.OrderOutbox()

	id, err := s.SaveOrderAndAppend(ctx, testOrder("a", 1), []byte(`{"op":"create"}`))
	if err != nil {
		t.Fatalf("SaveOrderAndAppend() failed: %v", err)
	}
	if _, err := s.GetOrder(ctx, "a"); err != nil {
		t.Errorf("GetOrder() failed: %v", err)
	}
	rows, err := box.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("outbox rows = %+v, want row %d", rows, id)
	}

	// An invalid order appends nothing.
	bad := testOrder("b", 0)
	if _, err := s.SaveOrderAndAppend(ctx, bad, []byte(`{"op":"create"}`)); err == nil {
		t.Fatal("SaveOrderAndAppend() accepted an order without a number")
	}
	if n, _ := box.Count(ctx); n != 1 {
		t.Errorf("outbox has %d rows after a rejected save, want 1", n)
	}

	if _, err := s.DeleteOrderAndAppend(ctx, "a", []byte(`{"op":"delete"}`)); err != nil {
		t.Fatalf("DeleteOrderAndAppend() failed: %v", err)
	}
	if _, err := s.GetOrder(ctx, "a"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetOrder() after delete = %v, want sql.ErrNoRows", err)
	}
	if n, _ := box.Count(ctx); n != 2 {
		t.Errorf("outbox has %d rows, want 2", n)
	}
}
