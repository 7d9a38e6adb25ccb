package repositories

import (
	"context"
	"errors"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/schema"
)

var ErrNotFound = errors.New("not found")

// DeviceRegistry looks up devices by their manufacturing identifier. The
// registry is the source of truth; the ingestion path reads it only through
// the metadata cache. Any mutation must invalidate the cached snapshot for
// the affected device (see CacheInvalidator).
type DeviceRegistry interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	GetByAUID(ctx context.Context, auid string) (*models.DeviceRecord, error)
	ListPublic(ctx context.Context, limit int) ([]*models.DeviceRecord, error)
	UpdateModel(ctx context.Context, deviceID, model string) error
}

// ModelCatalog resolves sensor-model names. Read-mostly; cached with a long
// TTL.
type ModelCatalog interface {
	GetByName(ctx context.Context, name string) (*models.SensorModelDefinition, error)
}

// ReadingStore is the durable home of canonical readings, one table per
// model family. Inserts upsert on (auid, ts) so re-flushing a claimed device
// after a partial failure is harmless.
type ReadingStore interface {
	InsertBatch(ctx context.Context, variant *schema.Variant, readings []*models.CanonicalReading) error
	Latest(ctx context.Context, variant *schema.Variant, auid string, limit int) ([]*models.CanonicalReading, error)
	Range(ctx context.Context, variant *schema.Variant, auid string, from, to int64) ([]*models.CanonicalReading, error)
}

// CacheInvalidator is the contract the registry owes the metadata cache:
// whenever a device row is mutated, the cached snapshot for that device must
// be dropped before the mutation is considered complete.
type CacheInvalidator interface {
	InvalidateDevice(ctx context.Context, deviceID string) error
}
