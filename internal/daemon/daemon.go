// Package daemon runs the long-lived background work of a device.
//
// The daemon:
//  1. Drains both outboxes at start, on a fixed interval, whenever a new row
//     is staged, and on a backoff schedule after a transient failure
//  2. Runs the catalog self-healing check
//  3. Follows the cloud's realtime feed for orders and catalog resources
//  4. Imports catalog files dropped into the import directory
//
// Every task runs in one errgroup owned by the daemon. Stop cancels the group
// and waits for every task to return.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orderline/possync/internal/catalog"
	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/fulfillment"
	"github.com/orderline/possync/internal/queue"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often the outboxes are drained when nothing else
	// triggers a drain.
	DrainInterval time.Duration

	// RetryInitial and RetryMax bound the backoff after a failed drain.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// ImportDir holds one subdirectory per catalog resource. Empty disables
	// the import watcher.
	ImportDir string

	// DebounceInterval is how long an import file must be quiet before it is read.
	DebounceInterval time.Duration

	Now    func() time.Time
	Logger *log.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:    30 * time.Second,
		RetryInitial:     queue.DefaultRetryInitial,
		RetryMax:         queue.DefaultRetryMax,
		DebounceInterval: 200 * time.Millisecond,
		Now:              time.Now,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Deps are the components the daemon drives. Orders may be nil on a device
// that keeps no order board.
type Deps struct {
	Store   *store.Store
	Cloud   cloud.Client
	Queue   *queue.Processor
	Catalog *catalog.Engine
	Orders  *fulfillment.Service
}

// Daemon owns the background task group.
type Daemon struct {
	deps    Deps
	cfg     Config
	logger  *log.Logger
	backoff *queue.Backoff

	// kick asks the drain loop for an immediate pass.
	kick chan struct{}

	mu          sync.Mutex
	authBlocked bool
	lastDrain   queue.Result
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
}

// New creates a daemon. Zero config fields take their defaults.
func New(deps Deps, cfg Config) (*Daemon, error) {
	if deps.Store == nil || deps.Cloud == nil || deps.Queue == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("store, cloud, queue and catalog are required")
	}

	def := DefaultConfig()
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = def.DebounceInterval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Daemon{
		deps:    deps,
		cfg:     cfg,
		logger:  cfg.Logger,
		backoff: queue.NewBackoff(cfg.RetryInitial, cfg.RetryMax),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Start launches the task group in the background.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return fmt.Errorf("daemon already started")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		err := d.Run(ctx)
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	}()
	return nil
}

// Stop cancels every task and waits for them to return.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}

	d.logger.Println("Stopping daemon")
	cancel()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Println("Daemon stopped")
	return d.err
}

// Run executes the task group and blocks until ctx is cancelled or a task
// fails to start.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	var watcher *ImportWatcher
	if d.cfg.ImportDir != "" {
		w, err := NewImportWatcher()
		if err != nil {
			return err
		}
		if err := w.Start(d.cfg.ImportDir, d.deps.Catalog.Resources()); err != nil {
			_ = w.Stop()
			return err
		}
		defer w.Stop()
		watcher = w
		d.logger.Printf("Watching import directory %s", d.cfg.ImportDir)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.drainLoop(gctx) })
	g.Go(func() error { return d.watchOutbox(gctx, d.deps.Store.OrderOutbox()) })
	g.Go(func() error { return d.watchOutbox(gctx, d.deps.Store.CustomerOutbox()) })

	g.Go(func() error {
		d.deps.Catalog.CheckAndSync(gctx)
		return d.deps.Catalog.RunSelfHealing(gctx)
	})

	if d.deps.Orders != nil {
		g.Go(func() error { return d.followOrders(gctx) })
	}
	for _, r := range d.deps.Catalog.Resources() {
		g.Go(func() error { return d.followCatalog(gctx, r) })
	}

	if watcher != nil {
		g.Go(func() error { return d.importLoop(gctx, watcher) })
	}

	return g.Wait()
}

// Kick requests an immediate drain. It also lifts a pause caused by an auth
// failure, so it is the way to retry after credentials are fixed.
func (d *Daemon) Kick() {
	d.mu.Lock()
	d.authBlocked = false
	d.mu.Unlock()
	d.trigger()
}

func (d *Daemon) trigger() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// LastDrain returns the result of the most recent drain pass.
func (d *Daemon) LastDrain() queue.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDrain
}

func (d *Daemon) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.DrainInterval)
	defer ticker.Stop()

	var retry <-chan time.Time
	pass := func() {
		d.mu.Lock()
		blocked := d.authBlocked
		d.mu.Unlock()
		if blocked {
			return
		}

		res, err := d.deps.Queue.DrainAll(ctx)
		d.mu.Lock()
		d.lastDrain = res
		d.mu.Unlock()

		var authErr *cloud.AuthError
		switch {
		case errors.As(err, &authErr):
			d.logger.Printf("Warning: drain stopped, not authorized: %v", authErr)
			d.mu.Lock()
			d.authBlocked = true
			d.mu.Unlock()
			retry = nil
		case err != nil:
			if ctx.Err() == nil {
				d.logger.Printf("Warning: drain failed: %v", err)
				retry = time.After(d.backoff.Next())
			}
		case !res.Clean:
			delay := d.backoff.Next()
			d.logger.Printf("Drain incomplete (%s), retrying in %s", res, delay)
			retry = time.After(delay)
		default:
			d.backoff.Reset()
			retry = nil
		}
	}

	// App start.
	pass()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pass()
		case <-d.kick:
			pass()
		case <-retry:
			retry = nil
			pass()
		}
	}
}

// watchOutbox triggers a drain whenever the outbox grows.
func (d *Daemon) watchOutbox(ctx context.Context, box *store.Outbox) error {
	counts, err := box.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", box.Name(), err)
	}
	last := -1
	for n := range counts {
		if last >= 0 && n > last {
			d.trigger()
		}
		last = n
	}
	return nil
}

func (d *Daemon) followOrders(ctx context.Context) error {
	events, err := d.deps.Cloud.Subscribe(ctx, cloud.ResourceOrders)
	if err != nil {
		// The drain loop and the self-healing check still converge without it.
		d.logger.Printf("Warning: failed to subscribe to orders: %v", err)
		return nil
	}
	for ev := range events {
		switch ev.Kind {
		case cloud.ChangeDelete:
			if err := d.deps.Orders.RemoveRemote(ctx, ev.Record.ID); err != nil {
				d.logger.Printf("Warning: failed to remove order %s: %v", ev.Record.ID, err)
			}
		default:
			var order schema.Order
			if err := json.Unmarshal(ev.Record.Body, &order); err != nil {
				d.logger.Printf("Warning: bad order %s from cloud: %v", ev.Record.ID, err)
				continue
			}
			if _, err := d.deps.Orders.ApplyRemote(ctx, &order); err != nil {
				d.logger.Printf("Warning: failed to apply order %s: %v", order.ID, err)
			}
		}
	}
	return nil
}

func (d *Daemon) followCatalog(ctx context.Context, resource schema.Resource) error {
	events, err := d.deps.Cloud.Subscribe(ctx, string(resource))
	if err != nil {
		d.logger.Printf("Warning: failed to subscribe to %s: %v", resource, err)
		return nil
	}
	for ev := range events {
		d.deps.Catalog.MarkUpdateAvailable(resource, ev.Record.UpdatedAt)
		// Drain what queued up while syncing; the pass covers them all.
		for len(events) > 0 {
			<-events
		}
		_, _ = d.deps.Catalog.Sync(ctx, resource)
	}
	return nil
}

func (d *Daemon) importLoop(ctx context.Context, w *ImportWatcher) error {
	ticker := time.NewTicker(d.cfg.DebounceInterval)
	defer ticker.Stop()

	pending := make(map[string]ImportEvent)
	queuedAt := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			pending[ev.Path] = ev
			queuedAt[ev.Path] = time.Now()

		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			d.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			touched := make(map[schema.Resource]bool)
			now := time.Now()
			for path, ev := range pending {
				if now.Sub(queuedAt[path]) < d.cfg.DebounceInterval {
					continue
				}
				delete(pending, path)
				delete(queuedAt, path)

				if err := d.importFile(ctx, ev); err != nil {
					d.logger.Printf("Warning: failed to import %s: %v", path, err)
					continue
				}
				touched[ev.Resource] = true
			}
			for _, r := range d.deps.Catalog.Resources() {
				if touched[r] {
					_, _ = d.deps.Catalog.Sync(ctx, r)
				}
			}
		}
	}
}

// importFile applies one import event to the local catalog. The row is
// stamped with the current time so the next sync pushes it.
func (d *Daemon) importFile(ctx context.Context, ev ImportEvent) error {
	now := d.cfg.Now().UTC()

	if ev.Op == OpRemove {
		if _, err := os.Stat(ev.Path); err == nil {
			// Rewritten in place; the write event handles it.
			return nil
		}
		d.logger.Printf("Tombstoning %s %s", ev.Resource, ev.ID)
		return d.deps.Store.SoftDeleteCatalogItem(ctx, ev.Resource, ev.ID, now)
	}

	item, err := ReadImportFile(ev.Path, ev.Resource)
	if err != nil {
		return err
	}
	item.UpdatedAt = now
	d.logger.Printf("Importing %s %s (%s)", item.Resource, item.ID, item.Name)
	return d.deps.Store.UpsertCatalogItem(ctx, item)
}

// ReadImportFile parses a catalog file. A missing id is taken from the file name.
func ReadImportFile(path string, resource schema.Resource) (*schema.CatalogItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var item schema.CatalogItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if item.ID == "" {
		item.ID = idFromPath(path)
	}
	item.Resource = resource
	return &item, nil
}
