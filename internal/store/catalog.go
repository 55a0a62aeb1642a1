package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orderline/possync/internal/schema"
)

// catalogTables holds one table per catalog resource, named after it.
var catalogTables = func() []string {
	tables := make([]string, len(schema.CatalogResources))
	for i, r := range schema.CatalogResources {
		tables[i] = string(r)
	}
	return tables
}()

var (
	formatTime = schema.FormatTime
	parseTime  = schema.ParseTime
)

func catalogTable(resource schema.Resource) (string, error) {
	if !resource.IsValid() {
		return "", fmt.Errorf("unknown catalog resource %q", resource)
	}
	return string(resource), nil
}

const catalogColumns = `id, name, category, parent_id, price_cents, available, sort_order, updated_at, deleted_at`

// UpsertCatalogItem inserts or overwrites a catalog row by ID.
// The row is written as given, tombstone included.
func (s *Store) UpsertCatalogItem(ctx context.Context, item *schema.CatalogItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid catalog item: %w", err)
	}
	table, err := catalogTable(item.Resource)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		parent_id = excluded.parent_id,
		price_cents = excluded.price_cents,
		available = excluded.available,
		sort_order = excluded.sort_order,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`, table, catalogColumns)

	_, err = s.conn.ExecContext(ctx, query,
		item.ID,
		item.Name,
		nullString(item.Category),
		nullString(item.ParentID),
		item.PriceCents,
		item.Available,
		item.SortOrder,
		formatTime(item.UpdatedAt),
		timeToNullString(item.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", table, item.ID, err)
	}
	return nil
}

// SoftDeleteCatalogItem tombstones a row. The row is kept and stays
// resolvable through GetCatalogItem. A missing row is not an error.
func (s *Store) SoftDeleteCatalogItem(ctx context.Context, resource schema.Resource, id string, at time.Time) error {
	table, err := catalogTable(resource)
	if err != nil {
		return err
	}

	ts := formatTime(at)
	query := fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ?`, table)
	if _, err := s.conn.ExecContext(ctx, query, ts, ts, id); err != nil {
		return fmt.Errorf("failed to tombstone %s %s: %w", table, id, err)
	}
	return nil
}

// GetCatalogItem returns a row by ID, tombstoned or not.
// Returns sql.ErrNoRows if the row does not exist.
func (s *Store) GetCatalogItem(ctx context.Context, resource schema.Resource, id string) (*schema.CatalogItem, error) {
	table, err := catalogTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, catalogColumns, table)
	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s %s: %w", table, id, err)
	}
	defer rows.Close()

	items, err := scanCatalogItems(rows, resource)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sql.ErrNoRows
	}
	return items[0], nil
}

// ListVisibleCatalog returns every row without a tombstone, in display order.
func (s *Store) ListVisibleCatalog(ctx context.Context, resource schema.Resource) ([]*schema.CatalogItem, error) {
	table, err := catalogTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE deleted_at IS NULL
	ORDER BY sort_order ASC, name ASC
	`, catalogColumns, table)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()
	return scanCatalogItems(rows, resource)
}

// ListCatalogUpdatedAfter returns rows with updated_at strictly after since,
// tombstones included. A nil since returns every row.
func (s *Store) ListCatalogUpdatedAfter(ctx context.Context, resource schema.Resource, since *time.Time) ([]*schema.CatalogItem, error) {
	table, err := catalogTable(resource)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, catalogColumns, table)
	var args []any
	if since != nil {
		query += ` WHERE updated_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed %s: %w", table, err)
	}
	defer rows.Close()
	return scanCatalogItems(rows, resource)
}

// MaxUpdatedAt returns the latest updated_at of a resource, or nil if it has no rows.
func (s *Store) MaxUpdatedAt(ctx context.Context, resource schema.Resource) (*time.Time, error) {
	table, err := catalogTable(resource)
	if err != nil {
		return nil, err
	}

	var latest sql.NullString
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM `+table).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to read max updated_at of %s: %w", table, err)
	}
	return nullStringToTime(latest), nil
}

// Checkpoint returns the last successful sync time of a resource, or nil
// if the resource has never synced.
func (s *Store) Checkpoint(ctx context.Context, resource schema.Resource) (*time.Time, error) {
	var ts sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_checkpoints WHERE resource = ?`, string(resource),
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint of %s: %w", resource, err)
	}
	return nullStringToTime(ts), nil
}

// AdvanceCheckpoint moves the checkpoint of a resource forward to t.
// An older t leaves the stored checkpoint unchanged.
func (s *Store) AdvanceCheckpoint(ctx context.Context, resource schema.Resource, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_checkpoints (resource, last_synced_at) VALUES (?, ?)
	ON CONFLICT(resource) DO UPDATE SET
		last_synced_at = MAX(sync_checkpoints.last_synced_at, excluded.last_synced_at)
	`, string(resource), formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint of %s: %w", resource, err)
	}
	return nil
}

// ResetCheckpoint overwrites the checkpoint of a resource, moving it backwards
// if needed. A nil t clears it so the next sync pushes and pulls everything.
// This is an operator override; sync itself only uses AdvanceCheckpoint.
func (s *Store) ResetCheckpoint(ctx context.Context, resource schema.Resource, t *time.Time) error {
	var err error
	if t == nil {
		_, err = s.conn.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE resource = ?`, string(resource))
	} else {
		_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (resource, last_synced_at) VALUES (?, ?)
		ON CONFLICT(resource) DO UPDATE SET last_synced_at = excluded.last_synced_at
		`, string(resource), formatTime(*t))
	}
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint of %s: %w", resource, err)
	}
	return nil
}

func scanCatalogItems(rows *sql.Rows, resource schema.Resource) ([]*schema.CatalogItem, error) {
	var items []*schema.CatalogItem
	for rows.Next() {
		item := &schema.CatalogItem{Resource: resource}
		var category, parentID, deletedAt sql.NullString
		var updatedAt string

		err := rows.Scan(
			&item.ID,
			&item.Name,
			&category,
			&parentID,
			&item.PriceCents,
			&item.Available,
			&item.SortOrder,
			&updatedAt,
			&deletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", resource, err)
		}

		item.Category = category.String
		item.ParentID = parentID.String
		if t, err := parseTime(updatedAt); err == nil {
			item.UpdatedAt = t
		}
		item.DeletedAt = nullStringToTime(deletedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", resource, err)
	}
	return items, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
