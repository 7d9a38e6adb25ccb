package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresModelCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresModelCatalog(pool *pgxpool.Pool) *PostgresModelCatalog {
	return &PostgresModelCatalog{pool: pool}
}

func (r *PostgresModelCatalog) GetByName(ctx context.Context, name string) (*models.SensorModelDefinition, error) {
	query := `SELECT name, schema_version, created_at
	          FROM sensor_models
	          WHERE name = $1`

	var def models.SensorModelDefinition
	err := r.pool.QueryRow(ctx, query, name).Scan(&def.Name, &def.SchemaVersion, &def.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor model: %w", err)
	}
	return &def, nil
}
