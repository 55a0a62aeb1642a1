package cloud

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

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/orderline/possync/internal/schema"
)

// DefaultPollInterval is how often the SQLite backend reads its change log.
const DefaultPollInterval = time.Second

// SQLiteClient is a Client backed by a shared SQLite database.
type SQLiteClient struct {
	db           *sql.DB
	ownsDB       bool
	logger       *log.Logger
	pollInterval time.Duration

	// connectMu guards the lazy start of the change poller so concurrent
	// Subscribe calls share one poll loop.
	connectMu  sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	subs       *subscribers

	closeOnce sync.Once
	closed    chan struct{}
}

// SQLiteOptions configures NewSQLite.
type SQLiteOptions struct {
	PollInterval time.Duration
	Logger       *log.Logger
}

// OpenSQLite opens (creating if needed) a SQLite hub at path.
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteClient, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open cloud database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, wrapSQLiteErr("enable WAL", err)
	}

	c, err := NewSQLite(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// NewSQLite wraps an open database and installs the record schema.
// The caller keeps ownership of db.
func NewSQLite(ctx context.Context, db *sql.DB, opts SQLiteOptions) (*SQLiteClient, error) {
	c := &SQLiteClient{
		db:           db,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		subs:         newSubscribers(),
		closed:       make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if err := c.initSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SQLiteClient) initSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS records (
		resource TEXT NOT NULL,
		id TEXT NOT NULL,
		unique_key TEXT,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		PRIMARY KEY (resource, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_unique_key
		ON records(resource, unique_key) WHERE unique_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(resource, updated_at);

	-- Change log read by the realtime poller.
	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		resource TEXT NOT NULL,
		id TEXT NOT NULL,
		kind TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS records_after_insert AFTER INSERT ON records
	BEGIN
		INSERT INTO changes (resource, id, kind) VALUES (NEW.resource, NEW.id, 'upsert');
	END;
	CREATE TRIGGER IF NOT EXISTS records_after_update AFTER UPDATE ON records
	BEGIN
		INSERT INTO changes (resource, id, kind) VALUES (NEW.resource, NEW.id, 'upsert');
	END;
	CREATE TRIGGER IF NOT EXISTS records_after_delete AFTER DELETE ON records
	BEGIN
		INSERT INTO changes (resource, id, kind) VALUES (OLD.resource, OLD.id, 'delete');
	END;
	`)
	return wrapSQLiteErr("initialize cloud schema", err)
}

func (c *SQLiteClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Upsert implements Client.
func (c *SQLiteClient) Upsert(ctx context.Context, resource string, rec Record, key ConflictKey) error {
	if c.isClosed() {
		return ErrClosed
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	query := `
	INSERT INTO records (resource, id, unique_key, body, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	if key == ConflictID {
		query += `
	ON CONFLICT(resource, id) DO UPDATE SET
		unique_key = excluded.unique_key,
		body = excluded.body,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at`
	}

	_, err := c.db.ExecContext(ctx, query,
		resource,
		rec.ID,
		sql.NullString{String: rec.UniqueKey, Valid: rec.UniqueKey != ""},
		string(rec.Body),
		schema.FormatTime(rec.UpdatedAt),
		formatNullTime(rec.DeletedAt),
	)
	op := fmt.Sprintf("upsert %s %s", resource, rec.ID)
	var sqlErr *sqlite3.Error
	if errors.As(err, &sqlErr) && isUniqueViolation(sqlErr) && rec.UniqueKey != "" {
		holder, lookupErr := c.keyHolder(ctx, resource, rec.UniqueKey)
		if lookupErr == nil && holder != rec.ID {
			return fmt.Errorf("%s: %w (%s held by %s)", op, ErrKeyTaken, rec.UniqueKey, holder)
		}
	}
	return wrapSQLiteErr(op, err)
}

// keyHolder returns the id of the record holding uniqueKey.
func (c *SQLiteClient) keyHolder(ctx context.Context, resource, uniqueKey string) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM records WHERE resource = ? AND unique_key = ?`, resource, uniqueKey).Scan(&id)
	return id, err
}

// FetchAll implements Client.
func (c *SQLiteClient) FetchAll(ctx context.Context, resource string) ([]Record, error) {
	return c.fetch(ctx, resource, nil)
}

// FetchSince implements Client.
func (c *SQLiteClient) FetchSince(ctx context.Context, resource string, since time.Time) ([]Record, error) {
	return c.fetch(ctx, resource, &since)
}

func (c *SQLiteClient) fetch(ctx context.Context, resource string, since *time.Time) ([]Record, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	query := `SELECT id, unique_key, body, updated_at, deleted_at FROM records WHERE resource = ?`
	args := []any{resource}
	if since != nil {
		query += ` AND updated_at >= ?`
		args = append(args, schema.FormatTime(*since))
	}
	query += ` ORDER BY updated_at ASC, id ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQLiteErr("fetch "+resource, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var uniqueKey, deletedAt sql.NullString
		var body, updatedAt string
		if err := rows.Scan(&rec.ID, &uniqueKey, &body, &updatedAt, &deletedAt); err != nil {
			return nil, wrapSQLiteErr("scan "+resource, err)
		}
		rec.UniqueKey = uniqueKey.String
		rec.Body = json.RawMessage(body)
		if rec.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		if rec.DeletedAt, err = parseNullTime(deletedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr("iterate "+resource, err)
	}
	return out, nil
}

// MaxUpdatedAt implements Client.
func (c *SQLiteClient) MaxUpdatedAt(ctx context.Context, resource string) (*time.Time, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	var latest sql.NullString
	err := c.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM records WHERE resource = ?`, resource).Scan(&latest)
	if err != nil {
		return nil, wrapSQLiteErr("read max updated_at of "+resource, err)
	}
	return parseNullTime(latest)
}

// Delete implements Client.
func (c *SQLiteClient) Delete(ctx context.Context, resource string, filter Filter) error {
	if c.isClosed() {
		return ErrClosed
	}
	if filter.ID == "" {
		return fmt.Errorf("delete %s: empty filter", resource)
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM records WHERE resource = ? AND id = ?`, resource, filter.ID)
	return wrapSQLiteErr(fmt.Sprintf("delete %s %s", resource, filter.ID), err)
}

// Subscribe implements Client. Subscribers share a single poll loop that is
// started by the first call.
func (c *SQLiteClient) Subscribe(ctx context.Context, resource string) (<-chan ChangeEvent, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := c.ensurePoller(ctx); err != nil {
		return nil, err
	}
	return c.subs.add(ctx, resource), nil
}

func (c *SQLiteClient) ensurePoller(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.pollCancel != nil {
		return nil
	}

	var cursor int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&cursor)
	if err != nil {
		return wrapSQLiteErr("read change cursor", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	go c.poll(pollCtx, cursor)
	return nil
}

func (c *SQLiteClient) poll(ctx context.Context, cursor int64) {
	defer close(c.pollDone)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := c.readChanges(ctx, cursor)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("Warning: failed to read change log: %v", err)
			}
			continue
		}
		cursor = next
	}
}

func (c *SQLiteClient) readChanges(ctx context.Context, cursor int64) (int64, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT c.seq, c.resource, c.id, c.kind,
	       r.unique_key, r.body, r.updated_at, r.deleted_at
	FROM changes c
	LEFT JOIN records r ON r.resource = c.resource AND r.id = c.id
	WHERE c.seq > ?
	ORDER BY c.seq ASC
	`, cursor)
	if err != nil {
		return cursor, err
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var seq int64
		var ev ChangeEvent
		var kind string
		var uniqueKey, body, updatedAt, deletedAt sql.NullString
		if err := rows.Scan(&seq, &ev.Resource, &ev.Record.ID, &kind,
			&uniqueKey, &body, &updatedAt, &deletedAt); err != nil {
			return cursor, err
		}
		cursor = seq
		ev.Kind = ChangeKind(kind)
		if ev.Kind == ChangeUpsert {
			if !body.Valid {
				// Row deleted after this change was logged; the delete follows.
				continue
			}
			ev.Record.UniqueKey = uniqueKey.String
			ev.Record.Body = json.RawMessage(body.String)
			if t, err := schema.ParseTime(updatedAt.String); err == nil {
				ev.Record.UpdatedAt = t
			}
			ev.Record.DeletedAt, _ = parseNullTime(deletedAt)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return cursor, err
	}

	for _, ev := range events {
		c.subs.publish(ev)
	}
	return cursor, nil
}

// Close implements Client. It closes the database only if OpenSQLite opened it.
func (c *SQLiteClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.connectMu.Lock()
		if c.pollCancel != nil {
			c.pollCancel()
			<-c.pollDone
		}
		c.connectMu.Unlock()

		c.subs.closeAll()
		if c.ownsDB {
			err = c.db.Close()
		}
	})
	return err
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: schema.FormatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := schema.ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
