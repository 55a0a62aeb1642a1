// Package cloudtest provides cloud.Client helpers for tests in other packages.
package cloudtest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orderline/possync/internal/cloud"
)

// NewSQLite opens a throwaway SQLite hub that polls fast enough for tests.
func NewSQLite(t testing.TB) *cloud.SQLiteClient {
	t.Helper()
	c, err := cloud.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cloud.db"),
		cloud.SQLiteOptions{PollInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Flaky wraps a Client with switchable outages, injected failures and call counters.
type Flaky struct {
	cloud.Client

	mu      sync.Mutex
	down    bool
	failFn  func(resource string, rec cloud.Record) error
	upserts int
	writes  int
	deletes int
}

// NewFlaky wraps c.
func NewFlaky(c cloud.Client) *Flaky {
	return &Flaky{Client: c}
}

// SetDown makes every data call fail with cloud.ErrUnavailable while down is true.
func (f *Flaky) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// FailUpsertWith installs fn to decide per record whether Upsert fails.
// A nil result lets the call through. Passing nil removes the hook.
func (f *Flaky) FailUpsertWith(fn func(resource string, rec cloud.Record) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFn = fn
}

// Upserts returns the number of Upsert calls made.
func (f *Flaky) Upserts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

// Writes returns the number of Upsert calls the backend accepted.
func (f *Flaky) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Deletes returns the number of Delete calls the backend accepted.
func (f *Flaky) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *Flaky) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return fmt.Errorf("%s: %w", op, cloud.ErrUnavailable)
	}
	return nil
}

func (f *Flaky) Upsert(ctx context.Context, resource string, rec cloud.Record, key cloud.ConflictKey) error {
	f.mu.Lock()
	f.upserts++
	down, failFn := f.down, f.failFn
	f.mu.Unlock()

	if down {
		return fmt.Errorf("upsert: %w", cloud.ErrUnavailable)
	}
	if failFn != nil {
		if err := failFn(resource, rec); err != nil {
			return err
		}
	}
	if err := f.Client.Upsert(ctx, resource, rec, key); err != nil {
		return err
	}

	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

func (f *Flaky) FetchAll(ctx context.Context, resource string) ([]cloud.Record, error) {
	if err := f.check("fetch"); err != nil {
		return nil, err
	}
	return f.Client.FetchAll(ctx, resource)
}

func (f *Flaky) FetchSince(ctx context.Context, resource string, since time.Time) ([]cloud.Record, error) {
	if err := f.check("fetch"); err != nil {
		return nil, err
	}
	return f.Client.FetchSince(ctx, resource, since)
}

func (f *Flaky) MaxUpdatedAt(ctx context.Context, resource string) (*time.Time, error) {
	if err := f.check("max updated_at"); err != nil {
		return nil, err
	}
	return f.Client.MaxUpdatedAt(ctx, resource)
}

func (f *Flaky) Delete(ctx context.Context, resource string, filter cloud.Filter) error {
	if err := f.check("delete"); err != nil {
		return err
	}
	if err := f.Client.Delete(ctx, resource, filter); err != nil {
		return err
	}
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return nil
}
