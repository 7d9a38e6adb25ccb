package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresReadingStore is the durable store: one table per model family,
// keyed on (auid, ts). Inserts are upserts so a duplicate flush of the same
// readings converges to the same rows.
type PostgresReadingStore struct {
	pool *pgxpool.Pool
}

func NewPostgresReadingStore(pool *pgxpool.Pool) *PostgresReadingStore {
	return &PostgresReadingStore{pool: pool}
}

func (r *PostgresReadingStore) InsertBatch(ctx context.Context, variant *schema.Variant, readings []*models.CanonicalReading) error {
	if len(readings) == 0 {
		return nil
	}

	query := insertQuery(variant)

	batch := &pgx.Batch{}
	for _, reading := range readings {
		batch.Queue(query, variant.Args(reading)...)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range readings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert %s reading: %w", variant.Name, err)
		}
	}
	return nil
}

func (r *PostgresReadingStore) Latest(ctx context.Context, variant *schema.Variant, auid string, limit int) ([]*models.CanonicalReading, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE auid = $1 ORDER BY ts DESC LIMIT $2`,
		strings.Join(variant.Columns, ", "), variant.Table)

	rows, err := r.pool.Query(ctx, query, auid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest %s readings: %w", variant.Name, err)
	}
	defer rows.Close()

	return scanReadings(rows, variant)
}

func (r *PostgresReadingStore) Range(ctx context.Context, variant *schema.Variant, auid string, from, to int64) ([]*models.CanonicalReading, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE auid = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts ASC`,
		strings.Join(variant.Columns, ", "), variant.Table)

	rows, err := r.pool.Query(ctx, query, auid, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s reading range: %w", variant.Name, err)
	}
	defer rows.Close()

	return scanReadings(rows, variant)
}

func scanReadings(rows pgx.Rows, variant *schema.Variant) ([]*models.CanonicalReading, error) {
	var readings []*models.CanonicalReading
	for rows.Next() {
		reading := &models.CanonicalReading{Model: variant.Name}
		if err := rows.Scan(variant.Dest(reading)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s reading: %w", variant.Name, err)
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating readings: %w", err)
	}
	return readings, nil
}

func insertQuery(variant *schema.Variant) string {
	placeholders := make([]string, len(variant.Columns))
	updates := make([]string, 0, len(variant.Columns)-2)
	for i, col := range variant.Columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != "auid" && col != "ts" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (auid, ts) DO UPDATE SET %s`,
		variant.Table,
		strings.Join(variant.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}
