// Package cache holds the Redis-backed layers of the pipeline: the
// cache-aside metadata cache over the device registry and model catalog, and
// the write-back cache that buffers readings until a flush cycle drains them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss distinguishes "not cached" from a cache-layer failure.
// Callers fall back to the collaborator on a miss and fail fast on anything
// else.
var ErrCacheMiss = errors.New("cache miss")

const (
	deviceKeyPrefix = "meta:device:"
	modelKeyPrefix  = "meta:model:"
)

// Metadata is the cache-aside layer over the device registry and sensor-model
// catalog. The registry owes this cache an invalidation call on every device
// mutation; the catalog changes rarely enough that TTL expiry alone covers it.
type Metadata struct {
	client    *redis.Client
	deviceTTL time.Duration
	modelTTL  time.Duration
}

func NewMetadata(client *redis.Client, deviceTTL, modelTTL time.Duration) *Metadata {
	return &Metadata{client: client, deviceTTL: deviceTTL, modelTTL: modelTTL}
}

func (m *Metadata) GetDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	data, err := m.client.Get(ctx, deviceKeyPrefix+deviceID).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached device: %w", err)
	}

	var device models.DeviceRecord
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached device: %w", err)
	}
	return &device, nil
}

func (m *Metadata) SetDevice(ctx context.Context, device *models.DeviceRecord) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	if err := m.client.Set(ctx, deviceKeyPrefix+device.DeviceID, data, m.deviceTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache device: %w", err)
	}
	return nil
}

// InvalidateDevice implements the invalidation contract owed by the registry:
// called after any mutation of the device row.
func (m *Metadata) InvalidateDevice(ctx context.Context, deviceID string) error {
	if err := m.client.Del(ctx, deviceKeyPrefix+deviceID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached device: %w", err)
	}
	return nil
}

func (m *Metadata) GetModel(ctx context.Context, name string) (*models.SensorModelDefinition, error) {
	data, err := m.client.Get(ctx, modelKeyPrefix+name).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached model: %w", err)
	}

	var def models.SensorModelDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached model: %w", err)
	}
	return &def, nil
}

func (m *Metadata) SetModel(ctx context.Context, def *models.SensorModelDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	if err := m.client.Set(ctx, modelKeyPrefix+def.Name, data, m.modelTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache model: %w", err)
	}
	return nil
}
