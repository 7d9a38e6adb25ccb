package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDeviceRegistry backs the device-registry collaborator. The
// invalidator, when set, is notified after every mutation so stale snapshots
// never outlive a registry change.
type PostgresDeviceRegistry struct {
	pool        *pgxpool.Pool
	invalidator CacheInvalidator
}

func NewPostgresDeviceRegistry(pool *pgxpool.Pool) *PostgresDeviceRegistry {
	return &PostgresDeviceRegistry{pool: pool}
}

// SetInvalidator wires the metadata cache into the mutation path.
func (r *PostgresDeviceRegistry) SetInvalidator(inv CacheInvalidator) {
	r.invalidator = inv
}

const deviceColumns = `id, device_id, auid, model, owner_id, public, datapoints, created_at, updated_at`

func (r *PostgresDeviceRegistry) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE device_id = $1`

	return scanDevice(r.pool.QueryRow(ctx, query, deviceID))
}

func (r *PostgresDeviceRegistry) GetByAUID(ctx context.Context, auid string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE auid = $1`

	return scanDevice(r.pool.QueryRow(ctx, query, auid))
}

func (r *PostgresDeviceRegistry) ListPublic(ctx context.Context, limit int) ([]*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + `
	          FROM devices
	          WHERE public = TRUE
	          ORDER BY created_at DESC
	          LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query public devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.DeviceRecord
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// UpdateModel corrects a device's model after manufacture. The cached
// snapshot is invalidated so the next reading for the device resolves the new
// model.
func (r *PostgresDeviceRegistry) UpdateModel(ctx context.Context, deviceID, model string) error {
	query := `UPDATE devices
	          SET model = $1, updated_at = NOW()
	          WHERE device_id = $2`

	result, err := r.pool.Exec(ctx, query, model, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device model: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	if r.invalidator != nil {
		if err := r.invalidator.InvalidateDevice(ctx, deviceID); err != nil {
			return fmt.Errorf("failed to invalidate device cache: %w", err)
		}
	}
	return nil
}

func scanDevice(row pgx.Row) (*models.DeviceRecord, error) {
	var device models.DeviceRecord
	err := row.Scan(
		&device.ID,
		&device.DeviceID,
		&device.AUID,
		&device.Model,
		&device.OwnerID,
		&device.Public,
		&device.Datapoints,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &device, nil
}
