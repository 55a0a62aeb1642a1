package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel fed by the records trigger.
const notifyChannel = "possync_changes"

const listenRetryDelay = 2 * time.Second

// uniqueKeyIndex is the partial unique index over (resource, unique_key).
const uniqueKeyIndex = "possync_records_unique_key"

// PostgresClient is a Client backed by a hosted Postgres database.
type PostgresClient struct {
	pool   *pgxpool.Pool
	ownsDB bool
	logger *log.Logger

	// connectMu guards the lazy acquisition of the single listening
	// connection shared by every subscription.
	connectMu    sync.Mutex
	listenCancel context.CancelFunc
	listenDone   chan struct{}
	subs         *subscribers

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenPostgres connects to dsn, verifies the connection and installs the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *log.Logger) (*PostgresClient, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrapPgErr("connect to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapPgErr("ping postgres", err)
	}

	c, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c.ownsDB = true
	return c, nil
}

// NewPostgres wraps an existing pool and installs the schema.
// The caller keeps ownership of pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *log.Logger) (*PostgresClient, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}
	c := &PostgresClient{
		pool:   pool,
		logger: logger,
		subs:   newSubscribers(),
		closed: make(chan struct{}),
	}
	if err := c.initSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PostgresClient) initSchema(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS possync_records (
		resource TEXT NOT NULL,
		id TEXT NOT NULL,
		unique_key TEXT,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ,
		PRIMARY KEY (resource, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS possync_records_unique_key
		ON possync_records(resource, unique_key) WHERE unique_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS possync_records_updated
		ON possync_records(resource, updated_at);

	CREATE OR REPLACE FUNCTION possync_notify() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			PERFORM pg_notify('possync_changes',
				json_build_object('resource', OLD.resource, 'id', OLD.id, 'kind', 'delete')::text);
			RETURN OLD;
		END IF;
		PERFORM pg_notify('possync_changes',
			json_build_object('resource', NEW.resource, 'id', NEW.id, 'kind', 'upsert')::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS possync_records_notify ON possync_records;
	CREATE TRIGGER possync_records_notify
		AFTER INSERT OR UPDATE OR DELETE ON possync_records
		FOR EACH ROW EXECUTE FUNCTION possync_notify();
	`)
	return wrapPgErr("initialize cloud schema", err)
}

func (c *PostgresClient) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Upsert implements Client.
func (c *PostgresClient) Upsert(ctx context.Context, resource string, rec Record, key ConflictKey) error {
	if c.isClosed() {
		return ErrClosed
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	query := `
	INSERT INTO possync_records (resource, id, unique_key, body, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5, $6)`
	if key == ConflictID {
		query += `
	ON CONFLICT (resource, id) DO UPDATE SET
		unique_key = EXCLUDED.unique_key,
		body = EXCLUDED.body,
		updated_at = EXCLUDED.updated_at,
		deleted_at = EXCLUDED.deleted_at`
	}

	var uniqueKey *string
	if rec.UniqueKey != "" {
		uniqueKey = &rec.UniqueKey
	}
	_, err := c.pool.Exec(ctx, query,
		resource, rec.ID, uniqueKey, []byte(rec.Body), rec.UpdatedAt.UTC(), rec.DeletedAt)
	op := fmt.Sprintf("upsert %s %s", resource, rec.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniqueKeyIndex {
		// The primary key may clash as well; only a different holder is a taken key.
		var holder string
		lookupErr := c.pool.QueryRow(ctx,
			`SELECT id FROM possync_records WHERE resource = $1 AND unique_key = $2`,
			resource, rec.UniqueKey).Scan(&holder)
		if lookupErr == nil && holder != rec.ID {
			return fmt.Errorf("%s: %w (%s held by %s)", op, ErrKeyTaken, rec.UniqueKey, holder)
		}
	}
	return wrapPgErr(op, err)
}

// FetchAll implements Client.
func (c *PostgresClient) FetchAll(ctx context.Context, resource string) ([]Record, error) {
	return c.fetch(ctx, resource, nil)
}

// FetchSince implements Client.
func (c *PostgresClient) FetchSince(ctx context.Context, resource string, since time.Time) ([]Record, error) {
	return c.fetch(ctx, resource, &since)
}

func (c *PostgresClient) fetch(ctx context.Context, resource string, since *time.Time) ([]Record, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	query := `SELECT id, unique_key, body, updated_at, deleted_at FROM possync_records WHERE resource = $1`
	args := []any{resource}
	if since != nil {
		query += ` AND updated_at >= $2`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY updated_at ASC, id ASC`

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapPgErr("fetch "+resource, err)
	}
	records, err := pgx.CollectRows(rows, scanPgRecord)
	if err != nil {
		return nil, wrapPgErr("fetch "+resource, err)
	}
	return records, nil
}

func scanPgRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	var uniqueKey *string
	var body []byte
	if err := row.Scan(&rec.ID, &uniqueKey, &body, &rec.UpdatedAt, &rec.DeletedAt); err != nil {
		return Record{}, err
	}
	if uniqueKey != nil {
		rec.UniqueKey = *uniqueKey
	}
	rec.Body = json.RawMessage(body)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.DeletedAt != nil {
		t := rec.DeletedAt.UTC()
		rec.DeletedAt = &t
	}
	return rec, nil
}

// MaxUpdatedAt implements Client.
func (c *PostgresClient) MaxUpdatedAt(ctx context.Context, resource string) (*time.Time, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	var latest *time.Time
	err := c.pool.QueryRow(ctx, `SELECT MAX(updated_at) FROM possync_records WHERE resource = $1`, resource).Scan(&latest)
	if err != nil {
		return nil, wrapPgErr("read max updated_at of "+resource, err)
	}
	if latest != nil {
		t := latest.UTC()
		latest = &t
	}
	return latest, nil
}

// Delete implements Client.
func (c *PostgresClient) Delete(ctx context.Context, resource string, filter Filter) error {
	if c.isClosed() {
		return ErrClosed
	}
	if filter.ID == "" {
		return fmt.Errorf("delete %s: empty filter", resource)
	}
	_, err := c.pool.Exec(ctx, `DELETE FROM possync_records WHERE resource = $1 AND id = $2`, resource, filter.ID)
	return wrapPgErr(fmt.Sprintf("delete %s %s", resource, filter.ID), err)
}

// Subscribe implements Client. The first call acquires the listening
// connection; later calls share it.
func (c *PostgresClient) Subscribe(ctx context.Context, resource string) (<-chan ChangeEvent, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := c.ensureListener(ctx); err != nil {
		return nil, err
	}
	return c.subs.add(ctx, resource), nil
}

func (c *PostgresClient) ensureListener(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.listenCancel != nil {
		return nil
	}

	conn, err := c.listen(ctx)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	c.listenCancel = cancel
	c.listenDone = make(chan struct{})
	go c.run(listenCtx, conn)
	return nil
}

func (c *PostgresClient) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapPgErr("acquire listen connection", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, wrapPgErr("listen for changes", err)
	}
	return conn, nil
}

type notifyPayload struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Kind     string `json:"kind"`
}

// run receives notifications until ctx ends, reconnecting after failures.
func (c *PostgresClient) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(c.listenDone)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
			var err error
			if conn, err = c.listen(ctx); err != nil {
				c.logger.Printf("Warning: failed to re-establish listener: %v", err)
				conn = nil
				continue
			}
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("Warning: listen connection lost: %v", err)
			// Drop the broken connection rather than return it to the pool.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			conn = nil
			continue
		}

		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			c.logger.Printf("Warning: malformed notification %q: %v", n.Payload, err)
			continue
		}
		if c.subs.count(p.Resource) == 0 {
			continue
		}

		ev := ChangeEvent{Resource: p.Resource, Kind: ChangeKind(p.Kind), Record: Record{ID: p.ID}}
		if ev.Kind == ChangeUpsert {
			rec, err := c.get(ctx, p.Resource, p.ID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				c.logger.Printf("Warning: failed to load changed %s %s: %v", p.Resource, p.ID, err)
				continue
			}
			ev.Record = rec
		}
		c.subs.publish(ev)
	}
}

func (c *PostgresClient) get(ctx context.Context, resource, id string) (Record, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, unique_key, body, updated_at, deleted_at FROM possync_records WHERE resource = $1 AND id = $2`,
		resource, id)
	if err != nil {
		return Record{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanPgRecord)
}

// Close implements Client. It closes the pool only if OpenPostgres created it.
func (c *PostgresClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.connectMu.Lock()
		if c.listenCancel != nil {
			c.listenCancel()
			<-c.listenDone
		}
		c.connectMu.Unlock()

		c.subs.closeAll()
		if c.ownsDB {
			c.pool.Close()
		}
	})
	return nil
}
