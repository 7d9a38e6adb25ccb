package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/queue"
	"github.com/craftedclimate/telemetry/internal/repositories"
)

type fakeRegistry struct {
	devices map[string]*models.DeviceRecord
	lookups int
}

func (f *fakeRegistry) GetByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	f.lookups++
	if device, ok := f.devices[deviceID]; ok {
		return device, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeRegistry) GetByAUID(ctx context.Context, auid string) (*models.DeviceRecord, error) {
	for _, device := range f.devices {
		if device.AUID == auid {
			return device, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeRegistry) ListPublic(ctx context.Context, limit int) ([]*models.DeviceRecord, error) {
	return nil, nil
}

func (f *fakeRegistry) UpdateModel(ctx context.Context, deviceID, model string) error {
	return nil
}

type fakeCatalog struct {
	names map[string]bool
}

func (f *fakeCatalog) GetByName(ctx context.Context, name string) (*models.SensorModelDefinition, error) {
	if f.names[name] {
		return &models.SensorModelDefinition{Name: name, SchemaVersion: 1}, nil
	}
	return nil, repositories.ErrNotFound
}

type fakeMetadata struct {
	devices map[string]*models.DeviceRecord
	records map[string]*models.SensorModelDefinition
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		devices: map[string]*models.DeviceRecord{},
		records: map[string]*models.SensorModelDefinition{},
	}
}

func (f *fakeMetadata) GetDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	if device, ok := f.devices[deviceID]; ok {
		return device, nil
	}
	return nil, cache.ErrCacheMiss
}

func (f *fakeMetadata) SetDevice(ctx context.Context, device *models.DeviceRecord) error {
	f.devices[device.DeviceID] = device
	return nil
}

func (f *fakeMetadata) GetModel(ctx context.Context, name string) (*models.SensorModelDefinition, error) {
	if def, ok := f.records[name]; ok {
		return def, nil
	}
	return nil, cache.ErrCacheMiss
}

func (f *fakeMetadata) SetModel(ctx context.Context, def *models.SensorModelDefinition) error {
	f.records[def.Name] = def
	return nil
}

type fakeTelemetryCache struct {
	readings   []*models.CanonicalReading
	snapshots  []*models.DeviceSnapshot
	heartbeats map[string]time.Time
	putErr     error
}

func newFakeTelemetryCache() *fakeTelemetryCache {
	return &fakeTelemetryCache{heartbeats: map[string]time.Time{}}
}

func (f *fakeTelemetryCache) PutReading(ctx context.Context, reading *models.CanonicalReading, snap *models.DeviceSnapshot) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.readings = append(f.readings, reading)
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeTelemetryCache) TouchHeartbeat(ctx context.Context, auid string, at time.Time) error {
	f.heartbeats[auid] = at
	return nil
}

func newTestProcessor(registry *fakeRegistry, catalog *fakeCatalog, metadata *fakeMetadata, telemetry *fakeTelemetryCache) *Processor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessor(registry, catalog, metadata, telemetry, logger)
}

func envDevice() *models.DeviceRecord {
	return &models.DeviceRecord{
		ID:       uuid.New(),
		DeviceID: "2af1",
		AUID:     "AUID-ENV-0001",
		Model:    "env",
		OwnerID:  uuid.New(),
	}
}

func envJob(payload string) *models.DispatchJob {
	return models.NewDispatchJob("telemetry/env", []byte(payload), time.Now().UTC(), 3)
}

func TestProcess_ValidEnvReading(t *testing.T) {
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": envDevice()}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	telemetry := newFakeTelemetryCache()
	p := newTestProcessor(registry, catalog, newFakeMetadata(), telemetry)

	job := envJob(`{"deviceId":"2af1","ts":1700000000000,"temp":25.5,"humidity":60,"pressure":1013,"pm2_5":12,"err":"0000"}`)
	err := p.Process(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, telemetry.readings, 1)
	reading := telemetry.readings[0]
	assert.Equal(t, "AUID-ENV-0001", reading.AUID)
	assert.Equal(t, int64(1700000000000), reading.Timestamp)
	require.NotNil(t, reading.AQI)
	assert.InDelta(t, 50, *reading.AQI, 0.001)

	// Snapshot written for the flush scheduler
	require.Len(t, telemetry.snapshots, 1)
	assert.Equal(t, "env", telemetry.snapshots[0].Model)

	// Heartbeat refreshed
	assert.Contains(t, telemetry.heartbeats, "AUID-ENV-0001")
}

func TestProcess_MissingTimestampIsTerminal(t *testing.T) {
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": envDevice()}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	telemetry := newFakeTelemetryCache()
	p := newTestProcessor(registry, catalog, newFakeMetadata(), telemetry)

	err := p.Process(context.Background(), envJob(`{"deviceId":"2af1","temp":25.5}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.SkipRetry)

	// No cache write happened
	assert.Empty(t, telemetry.readings)
}

func TestProcess_UnknownDeviceIsTerminal(t *testing.T) {
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	telemetry := newFakeTelemetryCache()
	p := newTestProcessor(registry, catalog, newFakeMetadata(), telemetry)

	err := p.Process(context.Background(), envJob(`{"deviceId":"dead","ts":1700000000000}`))
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, err, queue.SkipRetry)
	assert.Empty(t, telemetry.heartbeats, "unresolvable devices get no heartbeat")
}

func TestProcess_UnknownModelIsTerminal(t *testing.T) {
	device := envDevice()
	device.Model = "prototype-x"
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": device}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	p := newTestProcessor(registry, catalog, newFakeMetadata(), newFakeTelemetryCache())

	err := p.Process(context.Background(), envJob(`{"deviceId":"2af1","ts":1700000000000}`))
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestProcess_ModelMismatchStillRefreshesHeartbeat(t *testing.T) {
	device := envDevice()
	device.Model = "aqua"
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": device}}
	catalog := &fakeCatalog{names: map[string]bool{"aqua": true}}
	telemetry := newFakeTelemetryCache()
	p := newTestProcessor(registry, catalog, newFakeMetadata(), telemetry)

	// Payload arrives on the env topic for a registered aqua device.
	err := p.Process(context.Background(), envJob(`{"deviceId":"2af1","ts":1700000000000}`))
	assert.ErrorIs(t, err, ErrModelMismatch)

	assert.Empty(t, telemetry.readings)
	assert.Contains(t, telemetry.heartbeats, device.AUID)
}

func TestProcess_CacheAsidePopulation(t *testing.T) {
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": envDevice()}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	metadata := newFakeMetadata()
	p := newTestProcessor(registry, catalog, metadata, newFakeTelemetryCache())

	payload := `{"deviceId":"2af1","ts":1700000000000,"temp":20}`
	require.NoError(t, p.Process(context.Background(), envJob(payload)))
	require.NoError(t, p.Process(context.Background(), envJob(payload)))

	assert.Equal(t, 1, registry.lookups, "second resolution must come from the cache")
	assert.Contains(t, metadata.records, "env")
}

func TestProcess_TransientCacheFailureIsRetriable(t *testing.T) {
	registry := &fakeRegistry{devices: map[string]*models.DeviceRecord{"2af1": envDevice()}}
	catalog := &fakeCatalog{names: map[string]bool{"env": true}}
	telemetry := newFakeTelemetryCache()
	telemetry.putErr = errors.New("connection refused")
	p := newTestProcessor(registry, catalog, newFakeMetadata(), telemetry)

	err := p.Process(context.Background(), envJob(`{"deviceId":"2af1","ts":1700000000000,"temp":20}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, queue.SkipRetry), "store outages must stay retriable")
}

func TestTopicMapping(t *testing.T) {
	assert.Equal(t, "telemetry/env", TopicFor("env"))
	assert.Equal(t, "env", VariantFromTopic("telemetry/env"))
	assert.Equal(t, "gas-solo", VariantFromTopic("telemetry/gas-solo"))
	assert.Equal(t, "", VariantFromTopic("other/topic"))
}
