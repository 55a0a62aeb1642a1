// Package store provides the local durable store for a possync device.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) that
// holds everything a device must keep across restarts while offline:
//
//   - orders and customers as last written locally
//   - two append-only outboxes (order mutations, customer mutations)
//   - catalog resources (menu items, modifiers, categories) with tombstones
//   - one sync checkpoint per catalog resource
//   - per business day order number counters
//
// The store holds no sync policy. Outboxes are plain FIFO tables: no validation,
// no deduplication. Callers decide what to append and when to delete.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with possync-specific queries.
type Store struct {
	conn *sql.DB
	path string

	watchMu  sync.Mutex
	watchers map[string][]chan int
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it will be created. Call InitSchema before use.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	filePath := strings.TrimPrefix(path, "file:")
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if !strings.HasPrefix(connStr, "file:") {
		connStr = "file:" + path
	}
	// Per-connection settings go in the DSN so every pooled connection gets
	// them. Write transactions take the lock up front to avoid busy upgrades.
	if !strings.Contains(connStr, "?") {
		connStr += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		path:     path,
		watchers: make(map[string][]chan int),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	s.watchMu.Lock()
	for table, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.watchers, table)
	}
	s.watchMu.Unlock()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		business_day TEXT NOT NULL,
		order_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		fulfillment_status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,  -- JSON encoded schema.Order
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customer_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		enqueued_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		resource TEXT PRIMARY KEY,
		last_synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_counters (
		business_day TEXT PRIMARY KEY,
		last_number INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_day_number ON orders(business_day, order_number);
	CREATE INDEX IF NOT EXISTS idx_orders_fulfillment ON orders(fulfillment_status);
	`
	for _, table := range catalogTables {
		ddl += fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT,
		parent_id TEXT,
		price_cents INTEGER NOT NULL DEFAULT 0,
		available INTEGER NOT NULL DEFAULT 1,
		sort_order INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		deleted_at TEXT  -- tombstone, NULL while visible
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_visible ON %[1]s(deleted_at, sort_order);
	`, table)
	}

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// watch subscribes to the row count of an outbox table.
// The current count is delivered first; later counts follow every append
// and delete. Only the latest value is kept if the reader falls behind.
// The channel is closed when ctx is done or the store is closed.
func (s *Store) watch(ctx context.Context, table string) (<-chan int, error) {
	ch := make(chan int, 1)

	count, err := s.countRows(ctx, table)
	if err != nil {
		return nil, err
	}
	ch <- count

	s.watchMu.Lock()
	s.watchers[table] = append(s.watchers[table], ch)
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.unwatch(table, ch)
	}()

	return ch, nil
}

func (s *Store) unwatch(table string, ch chan int) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	chans := s.watchers[table]
	for i, c := range chans {
		if c == ch {
			s.watchers[table] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}

// notify pushes the latest count of table to every watcher.
func (s *Store) notify(ctx context.Context, table string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if len(s.watchers[table]) == 0 {
		return
	}

	count, err := s.countRows(ctx, table)
	if err != nil {
		return
	}

	for _, ch := range s.watchers[table] {
		select {
		case ch <- count:
		default:
			// Reader is behind: replace the stale value with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- count:
			default:
			}
		}
	}
}

func (s *Store) countRows(ctx context.Context, table string) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
