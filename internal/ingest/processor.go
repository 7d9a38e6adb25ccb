package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/queue"
	"github.com/craftedclimate/telemetry/internal/repositories"
	"github.com/craftedclimate/telemetry/internal/schema"
)

// TelemetryCache is the slice of the write-back cache the processor writes.
type TelemetryCache interface {
	PutReading(ctx context.Context, reading *models.CanonicalReading, snap *models.DeviceSnapshot) error
	TouchHeartbeat(ctx context.Context, auid string, at time.Time) error
}

// MetadataCache is the cache-aside layer over registry and catalog lookups.
type MetadataCache interface {
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	SetDevice(ctx context.Context, device *models.DeviceRecord) error
	GetModel(ctx context.Context, name string) (*models.SensorModelDefinition, error)
	SetModel(ctx context.Context, def *models.SensorModelDefinition) error
}

// Processor turns dispatch jobs into canonical readings: resolve the device,
// verify the model, map the payload, derive metrics, write back. It is the
// queue's handler and runs on many workers concurrently; jobs for different
// devices are independent, and within one device readings key by their own
// timestamp, so out-of-order processing self-orders in the cache.
type Processor struct {
	registry repositories.DeviceRegistry
	catalog  repositories.ModelCatalog
	metadata MetadataCache
	cache    TelemetryCache
	logger   *slog.Logger
}

func NewProcessor(
	registry repositories.DeviceRegistry,
	catalog repositories.ModelCatalog,
	metadata MetadataCache,
	telemetry TelemetryCache,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		registry: registry,
		catalog:  catalog,
		metadata: metadata,
		cache:    telemetry,
		logger:   logger,
	}
}

type payloadEnvelope struct {
	DeviceID string `json:"deviceId"`
}

// Process handles one dispatch job. Errors wrapping queue.SkipRetry are
// terminal; anything else is transient and retried by the queue.
func (p *Processor) Process(ctx context.Context, job *models.DispatchJob) error {
	var envelope payloadEnvelope
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if envelope.DeviceID == "" {
		return fmt.Errorf("%w: missing deviceId", ErrMalformedPayload)
	}

	device, err := p.resolveDevice(ctx, envelope.DeviceID)
	if err != nil {
		return err
	}

	// The device is resolvable, so it was heard from: refresh the heartbeat
	// before validation can still reject the reading.
	if err := p.cache.TouchHeartbeat(ctx, device.AUID, job.ReceivedAt); err != nil {
		p.logger.Warn("heartbeat refresh failed", "auid", device.AUID, "error", err)
	}

	declared := VariantFromTopic(job.Topic)
	if declared != device.Model {
		return fmt.Errorf("%w: topic declares %q, registry has %q", ErrModelMismatch, declared, device.Model)
	}

	variant, err := schema.VariantFor(declared)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownModel, declared)
	}

	reading, err := variant.Map(job.Payload)
	if err != nil {
		// Mapping failures cannot heal on retry.
		return fmt.Errorf("map payload: %w: %w", err, queue.SkipRetry)
	}
	reading.AUID = device.AUID

	snap := &models.DeviceSnapshot{
		AUID:      device.AUID,
		DeviceID:  device.DeviceID,
		Model:     device.Model,
		OwnerID:   device.OwnerID,
		Public:    device.Public,
		Status:    string(models.StatusOnline),
		UpdatedAt: time.Now().UTC(),
	}

	if err := p.cache.PutReading(ctx, reading, snap); err != nil {
		return fmt.Errorf("write back reading for %s: %w", device.AUID, err)
	}
	return nil
}

// resolveDevice looks the device up cache-first, falling back to the registry
// and verifying the model exists in the catalog before populating the cache.
func (p *Processor) resolveDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	cached, err := p.metadata.GetDevice(ctx, deviceID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		p.logger.Warn("metadata cache read failed; falling back to registry", "device_id", deviceID, "error", err)
	}

	device, err := p.registry.GetByDeviceID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("registry lookup for %q: %w", deviceID, err)
	}

	if err := p.verifyModel(ctx, device.Model); err != nil {
		return nil, err
	}

	if err := p.metadata.SetDevice(ctx, device); err != nil {
		p.logger.Warn("failed to populate device cache", "device_id", deviceID, "error", err)
	}
	return device, nil
}

func (p *Processor) verifyModel(ctx context.Context, name string) error {
	if _, err := p.metadata.GetModel(ctx, name); err == nil {
		return nil
	}

	def, err := p.catalog.GetByName(ctx, name)
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	if err != nil {
		return fmt.Errorf("catalog lookup for %q: %w", name, err)
	}

	if err := p.metadata.SetModel(ctx, def); err != nil {
		p.logger.Warn("failed to populate model cache", "model", name, "error", err)
	}
	return nil
}
