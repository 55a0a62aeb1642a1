package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orderline/possync/internal/schema"
)

// SaveOrder writes the local copy of an order, replacing any previous one.
func (s *Store) SaveOrder(ctx context.Context, order *schema.Order) error {
	return saveOrder(ctx, s.conn, order)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveOrder(ctx context.Context, ex execer, order *schema.Order) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("invalid order: %w", err)
	}
	body, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}

	_, err = ex.ExecContext(ctx, `
	INSERT INTO orders (id, business_day, order_number, status, fulfillment_status,
	                    version, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		business_day = excluded.business_day,
		order_number = excluded.order_number,
		status = excluded.status,
		fulfillment_status = excluded.fulfillment_status,
		version = excluded.version,
		body = excluded.body,
		updated_at = excluded.updated_at
	`,
		order.ID,
		order.BusinessDay,
		order.OrderNumber,
		string(order.Status),
		string(order.FulfillmentStatus),
		order.Version,
		string(body),
		formatTime(order.CreatedAt),
		formatTime(order.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by ID.
// Returns sql.ErrNoRows if the order is not found.
func (s *Store) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	var body string
	if err := s.conn.QueryRowContext(ctx, `SELECT body FROM orders WHERE id = ?`, id).Scan(&body); err != nil {
		return nil, err
	}
	var order schema.Order
	if err := json.Unmarshal([]byte(body), &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %s: %w", id, err)
	}
	return &order, nil
}

// DeleteOrder removes the local copy of an order. A missing order is not an error.
func (s *Store) DeleteOrder(ctx context.Context, id string) error {
	return deleteOrder(ctx, s.conn, id)
}

func deleteOrder(ctx context.Context, ex execer, id string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete order %s: %w", id, err)
	}
	return nil
}

// ListActiveOrders returns orders still on the board: not completed and not voided,
// oldest business day and lowest number first.
func (s *Store) ListActiveOrders(ctx context.Context) ([]*schema.Order, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT body FROM orders
	WHERE fulfillment_status != ? AND status != ?
	ORDER BY business_day ASC, order_number ASC
	`, string(schema.FulfillmentCompleted), string(schema.StatusVoided))
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	defer rows.Close()

	var orders []*schema.Order
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var order schema.Order
		if err := json.Unmarshal([]byte(body), &order); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// ReplaceActiveOrders makes the active set equal to orders in one transaction.
// Locally active orders missing from the list are deleted.
func (s *Store) ReplaceActiveOrders(ctx context.Context, orders []*schema.Order) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS snapshot_ids (id TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create snapshot table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_ids`); err != nil {
		return fmt.Errorf("failed to clear snapshot table: %w", err)
	}

	for _, order := range orders {
		if err := saveOrder(ctx, tx, order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO snapshot_ids (id) VALUES (?)`, order.ID); err != nil {
			return fmt.Errorf("failed to record snapshot id %s: %w", order.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	DELETE FROM orders
	WHERE fulfillment_status != ? AND status != ?
	  AND id NOT IN (SELECT id FROM snapshot_ids)
	`, string(schema.FulfillmentCompleted), string(schema.StatusVoided))
	if err != nil {
		return fmt.Errorf("failed to prune stale orders: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// NextOrderNumber allocates the next order number for a business day.
// Numbers start at 1 and never repeat within a day on this device, even
// when orders synced from elsewhere already hold higher numbers.
func (s *Store) NextOrderNumber(ctx context.Context, businessDay string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
	INSERT INTO order_counters (business_day, last_number)
	VALUES (?1, (SELECT COALESCE(MAX(order_number), 0) FROM orders WHERE business_day = ?1) + 1)
	ON CONFLICT(business_day) DO UPDATE SET
		last_number = MAX(
			order_counters.last_number,
			(SELECT COALESCE(MAX(order_number), 0) FROM orders WHERE business_day = ?1)
		) + 1
	RETURNING last_number
	`, businessDay).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate order number for %s: %w", businessDay, err)
	}
	return n, nil
}

// SaveCustomer writes the local copy of a customer.
func (s *Store) SaveCustomer(ctx context.Context, customer *schema.Customer) error {
	return saveCustomer(ctx, s.conn, customer)
}

func saveCustomer(ctx context.Context, ex execer, customer *schema.Customer) error {
	if err := customer.Validate(); err != nil {
		return fmt.Errorf("invalid customer: %w", err)
	}
	body, err := json.Marshal(customer)
	if err != nil {
		return fmt.Errorf("failed to marshal customer %s: %w", customer.ID, err)
	}

	_, err = ex.ExecContext(ctx, `
	INSERT INTO customers (id, body, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, customer.ID, string(body), formatTime(customer.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
// Returns sql.ErrNoRows if the customer is not found.
func (s *Store) GetCustomer(ctx context.Context, id string) (*schema.Customer, error) {
	var body string
	if err := s.conn.QueryRowContext(ctx, `SELECT body FROM customers WHERE id = ?`, id).Scan(&body); err != nil {
		return nil, err
	}
	var customer schema.Customer
	if err := json.Unmarshal([]byte(body), &customer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer %s: %w", id, err)
	}
	return &customer, nil
}
