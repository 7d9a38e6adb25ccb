package repositories

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/craftedclimate/telemetry/internal/models"
)

// getTestPool connects to the Postgres instance named by TEST_DATABASE_URL,
// skipping the test when none is configured. The schema from
// migrations/0001_init.sql, including the seeded sensor models, must already
// be applied; tests clean up the rows they create.
func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))

	t.Cleanup(pool.Close)
	return pool
}

// insertTestDevice creates a registry row with unique identifiers and removes
// it when the test finishes.
func insertTestDevice(t *testing.T, pool *pgxpool.Pool, model string, public bool) *models.DeviceRecord {
	t.Helper()

	device := &models.DeviceRecord{
		DeviceID: "dev-" + uuid.NewString(),
		AUID:     "AUID-" + uuid.NewString(),
		Model:    model,
		OwnerID:  uuid.New(),
		Public:   public,
	}

	_, err := pool.Exec(context.Background(),
		`INSERT INTO devices (device_id, auid, model, owner_id, public) VALUES ($1, $2, $3, $4, $5)`,
		device.DeviceID, device.AUID, device.Model, device.OwnerID, device.Public)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM devices WHERE device_id = $1`, device.DeviceID)
	})
	return device
}
