package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/orderline/possync/internal/cloud"
	"github.com/orderline/possync/internal/schema"
	"github.com/orderline/possync/internal/store"
)

// DefaultCheckInterval is the self-healing pre-flight period.
const DefaultCheckInterval = 2 * time.Minute

// Config configures an Engine.
type Config struct {
	// Resources to sync (default: schema.CatalogResources).
	Resources []schema.Resource

	CheckInterval time.Duration

	// OnStateChange observes every state change.
	OnStateChange func(resource schema.Resource, state State)

	Now    func() time.Time
	Logger *log.Logger
}

// Engine runs checkpointed two-way sync for the catalog resources.
type Engine struct {
	store  *store.Store
	cloud  cloud.Client
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	states map[schema.Resource]State
	locks  map[schema.Resource]*sync.Mutex
}

// New creates an engine. The store schema must already be initialized.
func New(st *store.Store, c cloud.Client, cfg Config) *Engine {
	if len(cfg.Resources) == 0 {
		cfg.Resources = schema.CatalogResources
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[catalog] ", log.LstdFlags)
	}

	e := &Engine{
		store:  st,
		cloud:  c,
		cfg:    cfg,
		logger: logger,
		states: make(map[schema.Resource]State, len(cfg.Resources)),
		locks:  make(map[schema.Resource]*sync.Mutex, len(cfg.Resources)),
	}
	for _, r := range cfg.Resources {
		e.states[r] = Idle{}
		e.locks[r] = &sync.Mutex{}
	}
	return e
}

// Resources returns the resources the engine syncs, in sync order.
func (e *Engine) Resources() []schema.Resource {
	return append([]schema.Resource(nil), e.cfg.Resources...)
}

// State returns the current state of resource.
func (e *Engine) State(resource schema.Resource) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[resource]; ok {
		return s
	}
	return Idle{}
}

func (e *Engine) setState(resource schema.Resource, s State) {
	e.mu.Lock()
	e.states[resource] = s
	e.mu.Unlock()

	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(resource, s)
	}
}

// setStateUnlessSyncing leaves a running pass visible over check results.
func (e *Engine) setStateUnlessSyncing(resource schema.Resource, s State) {
	e.mu.Lock()
	if _, syncing := e.states[resource].(Syncing); syncing {
		e.mu.Unlock()
		return
	}
	e.states[resource] = s
	e.mu.Unlock()

	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(resource, s)
	}
}

func (e *Engine) lockFor(resource schema.Resource) (*sync.Mutex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[resource]
	if !ok {
		return nil, fmt.Errorf("resource %q is not synced by this engine", resource)
	}
	return l, nil
}

// MarkUpdateAvailable records that the cloud reported a change to resource,
// e.g. from a realtime event.
func (e *Engine) MarkUpdateAvailable(resource schema.Resource, remoteMax time.Time) {
	e.setStateUnlessSyncing(resource, UpdateAvailable{RemoteMax: remoteMax})
}

// Check reports whether the cloud holds rows of resource newer than the
// newest local row. It downloads no rows.
func (e *Engine) Check(ctx context.Context, resource schema.Resource) (bool, error) {
	if _, err := e.lockFor(resource); err != nil {
		return false, err
	}
	e.setStateUnlessSyncing(resource, Checking{})

	remote, err := e.cloud.MaxUpdatedAt(ctx, string(resource))
	if err != nil {
		err = fmt.Errorf("failed to read remote max updated_at of %s: %w", resource, err)
		e.setStateUnlessSyncing(resource, Failed{At: e.cfg.Now().UTC(), Err: err})
		return false, err
	}
	local, err := e.store.MaxUpdatedAt(ctx, resource)
	if err != nil {
		e.setStateUnlessSyncing(resource, Failed{At: e.cfg.Now().UTC(), Err: err})
		return false, err
	}

	if remote != nil && (local == nil || remote.After(*local)) {
		e.setStateUnlessSyncing(resource, UpdateAvailable{RemoteMax: *remote})
		return true, nil
	}
	e.setStateUnlessSyncing(resource, Idle{})
	return false, nil
}

// Sync runs one full pass for resource: push local changes since the
// checkpoint, pull remote changes since the checkpoint, then move the
// checkpoint to the time the pass started.
func (e *Engine) Sync(ctx context.Context, resource schema.Resource) (Result, error) {
	lock, err := e.lockFor(resource)
	if err != nil {
		return Result{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	start := e.cfg.Now().UTC()
	e.setState(resource, Syncing{Started: start})

	result, err := e.pass(ctx, resource, start)
	if err != nil {
		e.logger.Printf("Warning: sync of %s failed: %v", resource, err)
		e.setState(resource, Failed{At: e.cfg.Now().UTC(), Err: err})
		return result, err
	}

	e.logger.Printf("Synced %s: %s", resource, result)
	e.setState(resource, Succeeded{At: e.cfg.Now().UTC(), Result: result})
	return result, nil
}

func (e *Engine) pass(ctx context.Context, resource schema.Resource, start time.Time) (Result, error) {
	var result Result

	checkpoint, err := e.store.Checkpoint(ctx, resource)
	if err != nil {
		return result, err
	}

	pushed, err := e.push(ctx, resource, checkpoint)
	result.Pushed = len(pushed)
	if err != nil {
		return result, err
	}

	var records []cloud.Record
	if checkpoint == nil {
		records, err = e.cloud.FetchAll(ctx, string(resource))
	} else {
		records, err = e.cloud.FetchSince(ctx, string(resource), *checkpoint)
	}
	if err != nil {
		return result, fmt.Errorf("failed to fetch %s: %w", resource, err)
	}

	for _, rec := range records {
		// Our own push coming back.
		if at, ok := pushed[rec.ID]; ok && at.Equal(rec.UpdatedAt) {
			continue
		}
		tombstoned, err := e.apply(ctx, resource, rec)
		if err != nil {
			return result, err
		}
		if tombstoned {
			result.Tombstoned++
		} else {
			result.Pulled++
		}
	}

	if err := e.store.AdvanceCheckpoint(ctx, resource, start); err != nil {
		return result, err
	}
	return result, nil
}

// push uploads every local row updated after checkpoint and returns the
// UpdatedAt of each row it sent, keyed by ID.
func (e *Engine) push(ctx context.Context, resource schema.Resource, checkpoint *time.Time) (map[string]time.Time, error) {
	items, err := e.store.ListCatalogUpdatedAfter(ctx, resource, checkpoint)
	if err != nil {
		return nil, err
	}

	pushed := make(map[string]time.Time, len(items))
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return pushed, fmt.Errorf("failed to encode %s %s: %w", resource, item.ID, err)
		}
		rec := cloud.Record{
			ID:        item.ID,
			Body:      body,
			UpdatedAt: item.UpdatedAt,
			DeletedAt: item.DeletedAt,
		}
		if err := e.cloud.Upsert(ctx, string(resource), rec, cloud.ConflictID); err != nil {
			return pushed, fmt.Errorf("failed to push %s %s: %w", resource, item.ID, err)
		}
		pushed[item.ID] = item.UpdatedAt
	}
	return pushed, nil
}

// apply writes one pulled record locally. Remote wins.
func (e *Engine) apply(ctx context.Context, resource schema.Resource, rec cloud.Record) (tombstoned bool, err error) {
	if rec.DeletedAt != nil {
		_, err := e.store.GetCatalogItem(ctx, resource, rec.ID)
		switch {
		case err == nil:
			return true, e.store.SoftDeleteCatalogItem(ctx, resource, rec.ID, *rec.DeletedAt)
		case !errors.Is(err, sql.ErrNoRows):
			return true, err
		}
		// Never seen locally: keep the tombstoned row so the ID still resolves.
		item, err := DecodeRecord(resource, rec)
		if err != nil {
			e.logger.Printf("Warning: skipping tombstone for unknown %s %s: %v", resource, rec.ID, err)
			return true, nil
		}
		return true, e.store.UpsertCatalogItem(ctx, item)
	}

	item, err := DecodeRecord(resource, rec)
	if err != nil {
		return false, err
	}
	return false, e.store.UpsertCatalogItem(ctx, item)
}

// DecodeRecord turns a cloud record into a catalog item. Record metadata
// overrides whatever the body carries.
func DecodeRecord(resource schema.Resource, rec cloud.Record) (*schema.CatalogItem, error) {
	var item schema.CatalogItem
	if len(rec.Body) > 0 {
		if err := json.Unmarshal(rec.Body, &item); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", resource, rec.ID, err)
		}
	}
	item.ID = rec.ID
	item.Resource = resource
	item.UpdatedAt = rec.UpdatedAt
	item.DeletedAt = rec.DeletedAt
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s %s: %w", resource, rec.ID, err)
	}
	return &item, nil
}

// SyncAll syncs every resource in order. A failing resource does not stop
// the others; the errors are joined.
func (e *Engine) SyncAll(ctx context.Context) (map[schema.Resource]Result, error) {
	results := make(map[schema.Resource]Result, len(e.cfg.Resources))
	var errs []error
	for _, r := range e.cfg.Resources {
		res, err := e.Sync(ctx, r)
		results[r] = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// CheckAndSync checks every resource and syncs those with an update.
func (e *Engine) CheckAndSync(ctx context.Context) {
	for _, r := range e.cfg.Resources {
		if ctx.Err() != nil {
			return
		}
		available, err := e.Check(ctx, r)
		if err != nil {
			e.logger.Printf("Warning: check of %s failed: %v", r, err)
			continue
		}
		if available {
			_, _ = e.Sync(ctx, r)
		}
	}
}

// RunSelfHealing runs CheckAndSync every CheckInterval until ctx is done.
func (e *Engine) RunSelfHealing(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.CheckAndSync(ctx)
		}
	}
}
