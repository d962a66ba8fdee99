package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource persists tenants in a `tenants` table. It is the source used
// when Config.RegistrySource == "postgres"; AddOrUpdate/Remove issued through
// the admin HTTP surface flow through to here.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource wraps an already-migrated pgxpool.Pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) LoadAll(ctx context.Context) (map[string]Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sheet_ref, name, plan, enabled, metadata, created_at, updated_at
		FROM tenants
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Tenant)
	for rows.Next() {
		var (
			t        Tenant
			plan     string
			metaJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.SheetRef, &t.Name, &plan, &t.Enabled, &metaJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		t.Plan = Plan(plan)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decoding tenant metadata: %w", err)
			}
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) Upsert(ctx context.Context, id string, attrs Attrs) error {
	metaJSON, err := json.Marshal(attrs.Metadata)
	if err != nil {
		return fmt.Errorf("encoding tenant metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, sheet_ref, name, plan, enabled, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			sheet_ref = EXCLUDED.sheet_ref,
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			enabled = EXCLUDED.enabled,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`, id, attrs.SheetRef, attrs.Name, string(attrs.Plan), attrs.Enabled, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting tenant %s: %w", id, err)
	}
	return nil
}

func (s *PostgresSource) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
