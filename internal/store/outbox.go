package store

import (
	"context"
	"fmt"
	"time"

	"github.com/orderline/possync/internal/schema"
)

// Row is one pending mutation in an outbox.
// Payload is opaque to the store.
type Row struct {
	ID         int64
	Payload    []byte
	EnqueuedAt time.Time
}

// Outbox is an append-only FIFO table of unconfirmed mutations.
// A row exists exactly as long as its mutation has not been accepted upstream.
type Outbox struct {
	store *Store
	table string
}

// OrderOutbox returns the outbox holding pending order mutations.
func (s *Store) OrderOutbox() *Outbox {
	return &Outbox{store: s, table: "order_outbox"}
}

// CustomerOutbox returns the outbox holding pending customer mutations.
func (s *Store) CustomerOutbox() *Outbox {
	return &Outbox{store: s, table: "customer_outbox"}
}

// Name returns the outbox table name.
func (o *Outbox) Name() string {
	return o.table
}

// Append stores payload at the tail of the outbox and returns its row ID.
// Row IDs are strictly increasing and never reused.
func (o *Outbox) Append(ctx context.Context, payload []byte) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (payload, enqueued_at) VALUES (?, ?)`, o.table)
	res, err := o.store.conn.ExecContext(ctx, query, payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", o.table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s row id: %w", o.table, err)
	}

	o.store.notify(ctx, o.table)
	return id, nil
}

// SaveOrderAndAppend saves order and appends payload to the order outbox in
// one transaction. Either both writes land or neither does.
func (s *Store) SaveOrderAndAppend(ctx context.Context, order *schema.Order, payload []byte) (int64, error) {
	return s.OrderOutbox().appendWith(ctx, payload, func(ex execer) error {
		return saveOrder(ctx, ex, order)
	})
}

// DeleteOrderAndAppend removes the local order and appends payload to the
// order outbox in one transaction.
func (s *Store) DeleteOrderAndAppend(ctx context.Context, id string, payload []byte) (int64, error) {
	return s.OrderOutbox().appendWith(ctx, payload, func(ex execer) error {
		return deleteOrder(ctx, ex, id)
	})
}

// SaveCustomerAndAppend saves customer and appends payload to the customer
// outbox in one transaction.
func (s *Store) SaveCustomerAndAppend(ctx context.Context, customer *schema.Customer, payload []byte) (int64, error) {
	return s.CustomerOutbox().appendWith(ctx, payload, func(ex execer) error {
		return saveCustomer(ctx, ex, customer)
	})
}

func (o *Outbox) appendWith(ctx context.Context, payload []byte, apply func(ex execer) error) (int64, error) {
	tx, err := o.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := apply(tx); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (payload, enqueued_at) VALUES (?, ?)`, o.table)
	res, err := tx.ExecContext(ctx, query, payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", o.table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s row id: %w", o.table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s append: %w", o.table, err)
	}

	o.store.notify(ctx, o.table)
	return id, nil
}

// ListAll returns every row, oldest first.
func (o *Outbox) ListAll(ctx context.Context) ([]Row, error) {
	query := fmt.Sprintf(`SELECT id, payload, enqueued_at FROM %s ORDER BY id ASC`, o.table)
	rows, err := o.store.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", o.table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var enqueuedAt string
		if err := rows.Scan(&r.ID, &r.Payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", o.table, err)
		}
		if t, err := parseTime(enqueuedAt); err == nil {
			r.EnqueuedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", o.table, err)
	}
	return out, nil
}

// Delete removes a row by identity. Deleting a missing row is not an error.
func (o *Outbox) Delete(ctx context.Context, row Row) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, o.table)
	if _, err := o.store.conn.ExecContext(ctx, query, row.ID); err != nil {
		return fmt.Errorf("failed to delete %s row %d: %w", o.table, row.ID, err)
	}
	o.store.notify(ctx, o.table)
	return nil
}

// Count returns the number of outstanding rows.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	return o.store.countRows(ctx, o.table)
}

// Watch returns a channel carrying the outstanding row count, for UI indicators.
// See Store.watch for delivery semantics.
func (o *Outbox) Watch(ctx context.Context) (<-chan int, error) {
	return o.store.watch(ctx, o.table)
}
