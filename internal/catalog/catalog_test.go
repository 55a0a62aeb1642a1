package catalog

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/cloud/cloudtest"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

var (
	quiet = log.New(io.Discard, "", 0)
	t0    = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	engine *Engine
	store  *store.Store
	cloud  *cloudtest.Flaky
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	c := cloudtest.NewFlaky(cloudtest.NewSQLite(t))
	e := New(st, c, Config{
		Resources: []schema.Resource{schema.ResourceMenuItems},
		Now:       func() time.Time { return now },
		Logger:    quiet,
	})
	return &fixture{engine: e, store: st, cloud: c}
}

func menuItem(id, name string, updated time.Time) *schema.CatalogItem {
	return &schema.CatalogItem{
		ID:         id,
		Resource:   schema.ResourceMenuItems,
		Name:       name,
		PriceCents: 450,
		Available:  true,
		UpdatedAt:  updated,
	}
}

func (f *fixture) putRemote(t *testing.T, item *schema.CatalogItem) {
	t.Helper()
	body, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	rec := cloud.Record{ID: item.ID, Body: body, UpdatedAt: item.UpdatedAt, DeletedAt: item.DeletedAt}
	if err := f.cloud.Upsert(context.Background(), string(item.Resource), rec, cloud.ConflictID); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
}

func (f *fixture) visibleIDs(t *testing.T) []string {
	t.Helper()
	items, err := f.store.ListVisibleCatalog(context.Background(), schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("ListVisibleCatalog() failed: %v", err)
	}
	var ids []string
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)
	return ids
}

func (f *fixture) checkpoint(t *testing.T) *time.Time {
	t.Helper()
	cp, err := f.store.Checkpoint(context.Background(), schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
	return cp
}

func TestSync_PushAndPull(t *testing.T) {
	start := t0.Add(10 * time.Second)
	f := newFixture(t, start)
	ctx := context.Background()

	if err := f.store.ResetCheckpoint(ctx, schema.ResourceMenuItems, &t0); err != nil {
		t.Fatalf("ResetCheckpoint() failed: %v", err)
	}
	local := menuItem("latte", "Latte", t0.Add(3*time.Second))
	if err := f.store.UpsertCatalogItem(ctx, local); err != nil {
		t.Fatalf("UpsertCatalogItem() failed: %v", err)
	}
	remote := menuItem("mocha", "Mocha", t0.Add(5*time.Second))
	f.putRemote(t, remote)

	res, err := f.engine.Sync(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if diff := cmp.Diff(Result{Pushed: 1, Pulled: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	pulled, err := f.store.GetCatalogItem(ctx, schema.ResourceMenuItems, "mocha")
	if err != nil {
		t.Fatalf("remote item not pulled: %v", err)
	}
	if diff := cmp.Diff(remote, pulled); diff != "" {
		t.Errorf("pulled item mismatch (-want +got):\n%s", diff)
	}

	recs, err := f.cloud.FetchAll(ctx, string(schema.ResourceMenuItems))
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("cloud has %d items, want 2", len(recs))
	}

	cp := f.checkpoint(t)
	if cp == nil || cp.Before(t0) || !cp.Equal(start) {
		t.Errorf("checkpoint = %v, want the sync start %v", cp, start)
	}
	if _, ok := f.engine.State(schema.ResourceMenuItems).(Succeeded); !ok {
		t.Errorf("state = %s, want succeeded", f.engine.State(schema.ResourceMenuItems))
	}
}

func TestSync_FirstRunFetchesAll(t *testing.T) {
	f := newFixture(t, t0)
	ctx := context.Background()

	f.putRemote(t, menuItem("old", "Drip", t0.Add(-48*time.Hour)))
	res, err := f.engine.Sync(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if res.Pulled != 1 {
		t.Errorf("pulled %d, want 1", res.Pulled)
	}
}

func TestSync_Tombstone(t *testing.T) {
	f := newFixture(t, t0.Add(time.Hour))
	ctx := context.Background()

	f.putRemote(t, menuItem("latte", "Latte", t0))
	f.putRemote(t, menuItem("mocha", "Mocha", t0))
	if _, err := f.engine.Sync(ctx, schema.ResourceMenuItems); err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}

	gone := menuItem("mocha", "Mocha", t0)
	gone.MarkDeleted(t0.Add(2 * time.Hour))
	f.putRemote(t, gone)
	ghost := menuItem("ghost", "Ghost", t0)
	ghost.MarkDeleted(t0.Add(2 * time.Hour))
	f.putRemote(t, ghost)

	res, err := f.engine.Sync(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if res.Tombstoned != 2 {
		t.Errorf("tombstoned %d, want 2", res.Tombstoned)
	}

	if diff := cmp.Diff([]string{"latte"}, f.visibleIDs(t)); diff != "" {
		t.Errorf("visible ids mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"mocha", "ghost"} {
		item, err := f.store.GetCatalogItem(ctx, schema.ResourceMenuItems, id)
		if err != nil {
			t.Fatalf("tombstoned %s not resolvable: %v", id, err)
		}
		if !item.IsDeleted() {
			t.Errorf("%s has no tombstone", id)
		}
	}
}

func TestSync_FailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t, t0.Add(time.Hour))
	ctx := context.Background()

	if err := f.store.ResetCheckpoint(ctx, schema.ResourceMenuItems, &t0); err != nil {
		t.Fatalf("ResetCheckpoint() failed: %v", err)
	}
	if err := f.store.UpsertCatalogItem(ctx, menuItem("latte", "Latte", t0.Add(time.Minute))); err != nil {
		t.Fatalf("UpsertCatalogItem() failed: %v", err)
	}

	f.cloud.SetDown(true)
	if _, err := f.engine.Sync(ctx, schema.ResourceMenuItems); err == nil {
		t.Fatal("Sync() with the cloud down succeeded")
	}
	if cp := f.checkpoint(t); cp == nil || !cp.Equal(t0) {
		t.Errorf("checkpoint = %v after failure, want %v", cp, t0)
	}
	if _, ok := f.engine.State(schema.ResourceMenuItems).(Failed); !ok {
		t.Errorf("state = %s, want failed", f.engine.State(schema.ResourceMenuItems))
	}

	f.cloud.SetDown(false)
	res, err := f.engine.Sync(ctx, schema.ResourceMenuItems)
	if err != nil {
		t.Fatalf("retry Sync() failed: %v", err)
	}
	if res.Pushed != 1 {
		t.Errorf("retry pushed %d, want 1", res.Pushed)
	}
}

func TestSync_ConcurrentConverges(t *testing.T) {
	start := t0.Add(time.Hour)
	f := newFixture(t, start)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.putRemote(t, menuItem(id, "Remote "+id, t0))
	}
	if err := f.store.UpsertCatalogItem(ctx, menuItem("d", "Local d", t0.Add(time.Minute))); err != nil {
		t.Fatalf("UpsertCatalogItem() failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Sync(ctx, schema.ResourceMenuItems); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Sync() failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, f.visibleIDs(t)); diff != "" {
		t.Errorf("visible ids mismatch (-want +got):\n%s", diff)
	}
	recs, err := f.cloud.FetchAll(ctx, string(schema.ResourceMenuItems))
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(recs) != 4 {
		t.Errorf("cloud has %d items, want 4", len(recs))
	}
	if cp := f.checkpoint(t); cp == nil || !cp.Equal(start) {
		t.Errorf("checkpoint = %v, want %v", cp, start)
	}

	// An engine whose clock runs behind must not move the checkpoint back.
	behind := New(f.store, f.cloud, Config{
		Resources: []schema.Resource{schema.ResourceMenuItems},
		Now:       func() time.Time { return t0 },
		Logger:    quiet,
	})
	if _, err := behind.Sync(ctx, schema.ResourceMenuItems); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if cp := f.checkpoint(t); cp == nil || !cp.Equal(start) {
		t.Errorf("checkpoint regressed to %v", cp)
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t, t0.Add(time.Hour))
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	f.engine.cfg.OnStateChange = func(_ schema.Resource, s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.String())
	}

	if available, err := f.engine.Check(ctx, schema.ResourceMenuItems); err != nil || available {
		t.Errorf("Check() on empty cloud = %v, %v", available, err)
	}

	f.putRemote(t, menuItem("latte", "Latte", t0))
	available, err := f.engine.Check(ctx, schema.ResourceMenuItems)
	if err != nil || !available {
		t.Fatalf("Check() = %v, %v; want an update", available, err)
	}
	st, ok := f.engine.State(schema.ResourceMenuItems).(UpdateAvailable)
	if !ok || !st.RemoteMax.Equal(t0) {
		t.Errorf("state = %s, want update available at %v", f.engine.State(schema.ResourceMenuItems), t0)
	}

	f.engine.CheckAndSync(ctx)
	if available, _ := f.engine.Check(ctx, schema.ResourceMenuItems); available {
		t.Error("Check() still reports an update after CheckAndSync")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != "checking" {
		t.Errorf("state changes = %v, want to start with checking", seen)
	}
}

func TestUnknownResource(t *testing.T) {
	f := newFixture(t, t0)
	if _, err := f.engine.Sync(context.Background(), schema.ResourceModifiers); err == nil {
		t.Error("Sync() of an unconfigured resource succeeded")
	}
}

func TestDecodeRecord(t *testing.T) {
	body := []byte(`{"id":"wrong","name":"Latte","price_cents":450}`)
	item, err := DecodeRecord(schema.ResourceMenuItems, cloud.Record{ID: "latte", Body: body, UpdatedAt: t0})
	if err != nil {
		t.Fatalf("DecodeRecord() failed: %v", err)
	}
	if item.ID != "latte" || item.Resource != schema.ResourceMenuItems || !item.UpdatedAt.Equal(t0) {
		t.Errorf("metadata not taken from the record: %+v", item)
	}

	if _, err := DecodeRecord(schema.ResourceMenuItems, cloud.Record{ID: "x", Body: []byte(`{}`), UpdatedAt: t0}); err == nil {
		t.Error("DecodeRecord() accepted an item without a name")
	}
}
