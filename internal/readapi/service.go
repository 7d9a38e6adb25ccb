// Package readapi serves the derived read operations consumed by the outer
// HTTP layer: latest-N per device, latest public readings, and raw range
// queries.
package readapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/repositories"
	"github.com/craftedclimate/telemetry/internal/schema"
)

// ReadCache is the slice of the write-back cache the read path consults
// before falling back to the durable store.
type ReadCache interface {
	Readings(ctx context.Context, auid string) ([]*models.CanonicalReading, error)
	Metadata(ctx context.Context, auid string) (*models.DeviceSnapshot, error)
}

// Service answers reads dual-path: unflushed readings come from the cache,
// older history from the durable store, merged newest-first with the cache
// winning on equal timestamps.
type Service struct {
	cache    ReadCache
	store    repositories.ReadingStore
	registry repositories.DeviceRegistry
	logger   *slog.Logger
}

func NewService(readCache ReadCache, store repositories.ReadingStore, registry repositories.DeviceRegistry, logger *slog.Logger) *Service {
	return &Service{cache: readCache, store: store, registry: registry, logger: logger}
}

// LatestReadings returns up to limit readings for a device, newest first.
// Both paths are always consulted: a full buffer can still be older than rows
// already flushed, so the durable store is never skipped.
func (s *Service) LatestReadings(ctx context.Context, auid string, limit int) ([]*models.CanonicalReading, error) {
	variant, err := s.variantFor(ctx, auid)
	if err != nil {
		return nil, err
	}

	buffered, err := s.cache.Readings(ctx, auid)
	if err != nil {
		return nil, fmt.Errorf("read buffered readings: %w", err)
	}

	durable, err := s.store.Latest(ctx, variant, auid, limit)
	if err != nil {
		return nil, fmt.Errorf("read durable readings: %w", err)
	}

	merged := make(map[int64]*models.CanonicalReading, len(buffered)+len(durable))
	for _, r := range durable {
		merged[r.Timestamp] = r
	}
	for _, r := range buffered {
		merged[r.Timestamp] = r
	}

	readings := make([]*models.CanonicalReading, 0, len(merged))
	for _, r := range merged {
		readings = append(readings, r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Timestamp > readings[j].Timestamp })

	if len(readings) > limit {
		readings = readings[:limit]
	}
	return readings, nil
}

// PublicReading pairs a public device with its most recent reading.
type PublicReading struct {
	AUID    string                   `json:"auid"`
	Model   string                   `json:"model"`
	Reading *models.CanonicalReading `json:"reading,omitempty"`
}

// LatestPublic returns the most recent reading for up to limit public
// devices.
func (s *Service) LatestPublic(ctx context.Context, limit int) ([]PublicReading, error) {
	devices, err := s.registry.ListPublic(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list public devices: %w", err)
	}

	results := make([]PublicReading, 0, len(devices))
	for _, device := range devices {
		entry := PublicReading{AUID: device.AUID, Model: device.Model}

		readings, err := s.LatestReadings(ctx, device.AUID, 1)
		if err != nil {
			s.logger.Warn("failed to read latest public reading", "auid", device.AUID, "error", err)
		} else if len(readings) > 0 {
			entry.Reading = readings[0]
		}
		results = append(results, entry)
	}
	return results, nil
}

// Range returns durable readings between from and to (unix ms, inclusive),
// oldest first. Range queries never consult the cache.
func (s *Service) Range(ctx context.Context, auid string, from, to int64) ([]*models.CanonicalReading, error) {
	variant, err := s.variantFor(ctx, auid)
	if err != nil {
		return nil, err
	}
	return s.store.Range(ctx, variant, auid, from, to)
}

// variantFor resolves a device's model family, preferring the metadata slot
// written at ingestion and falling back to the registry for devices with no
// buffered state.
func (s *Service) variantFor(ctx context.Context, auid string) (*schema.Variant, error) {
	model := ""

	snap, err := s.cache.Metadata(ctx, auid)
	switch {
	case err == nil:
		model = snap.Model
	case errors.Is(err, cache.ErrCacheMiss):
		device, rerr := s.registry.GetByAUID(ctx, auid)
		if rerr != nil {
			return nil, fmt.Errorf("resolve device %q: %w", auid, rerr)
		}
		model = device.Model
	default:
		return nil, fmt.Errorf("read metadata slot: %w", err)
	}

	variant, err := schema.VariantFor(model)
	if err != nil {
		return nil, err
	}
	return variant, nil
}

// ReadingWindow clamps a raw from/to pair into a sane window, defaulting to
// the trailing 24 hours when unset.
func ReadingWindow(from, to int64) (int64, int64) {
	now := time.Now().UnixMilli()
	if to <= 0 || to > now {
		to = now
	}
	if from <= 0 || from > to {
		from = to - 24*time.Hour.Milliseconds()
	}
	return from, to
}
