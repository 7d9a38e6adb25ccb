// Package liveness derives online/offline state from the heartbeat index.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/models"
)

// HeartbeatSource is the slice of the write-back cache the monitor reads,
// plus the metadata slot it updates during sweeps.
type HeartbeatSource interface {
	SeenSince(ctx context.Context, since time.Time) (int64, error)
	TrackedDevices(ctx context.Context) (int64, error)
	Heartbeats(ctx context.Context) (map[string]time.Time, error)
	LastSeen(ctx context.Context, auid string) (time.Time, error)
	Metadata(ctx context.Context, auid string) (*models.DeviceSnapshot, error)
	SetMetadata(ctx context.Context, snap *models.DeviceSnapshot) error
}

// Report is an aggregate online/offline count over the trailing window.
type Report struct {
	Online      int64         `json:"online"`
	Offline     int64         `json:"offline"`
	Total       int64         `json:"total"`
	Threshold   time.Duration `json:"threshold"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Monitor answers liveness questions two ways against one shared threshold:
// aggregate counts from a heartbeat range query, and a periodic sweep that
// rewrites each device's status into its metadata slot.
type Monitor struct {
	cache         HeartbeatSource
	logger        *slog.Logger
	threshold     time.Duration
	sweepInterval time.Duration
}

func NewMonitor(cache HeartbeatSource, logger *slog.Logger, threshold, sweepInterval time.Duration) *Monitor {
	return &Monitor{
		cache:         cache,
		logger:        logger,
		threshold:     threshold,
		sweepInterval: sweepInterval,
	}
}

// Report counts devices seen within the trailing window. One ZCOUNT, no
// per-device scan.
func (m *Monitor) Report(ctx context.Context) (Report, error) {
	now := time.Now()

	online, err := m.cache.SeenSince(ctx, now.Add(-m.threshold))
	if err != nil {
		return Report{}, err
	}
	total, err := m.cache.TrackedDevices(ctx)
	if err != nil {
		return Report{}, err
	}

	return Report{
		Online:      online,
		Offline:     total - online,
		Total:       total,
		Threshold:   m.threshold,
		GeneratedAt: now,
	}, nil
}

// Status reports a single device's state from its heartbeat. A device never
// heard from is offline.
func (m *Monitor) Status(ctx context.Context, auid string) (models.DeviceStatus, error) {
	seen, err := m.cache.LastSeen(ctx, auid)
	if errors.Is(err, cache.ErrCacheMiss) {
		return models.StatusOffline, nil
	}
	if err != nil {
		return models.StatusOffline, err
	}

	if time.Since(seen) > m.threshold {
		return models.StatusOffline, nil
	}
	return models.StatusOnline, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep recomputes every tracked device's status and rewrites changed
// statuses into the metadata slot, where per-device status is exposed.
func (m *Monitor) Sweep(ctx context.Context) {
	heartbeats, err := m.cache.Heartbeats(ctx)
	if err != nil {
		m.logger.Error("liveness sweep failed to read heartbeats", "error", err)
		return
	}

	now := time.Now()
	transitions := 0

	for auid, seen := range heartbeats {
		status := models.StatusOnline
		if now.Sub(seen) > m.threshold {
			status = models.StatusOffline
		}

		snap, err := m.cache.Metadata(ctx, auid)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			m.logger.Warn("liveness sweep metadata read failed", "auid", auid, "error", err)
			continue
		}

		if snap.Status == string(status) {
			continue
		}

		snap.Status = string(status)
		snap.UpdatedAt = now
		if err := m.cache.SetMetadata(ctx, snap); err != nil {
			m.logger.Warn("liveness sweep status write failed", "auid", auid, "error", err)
			continue
		}
		transitions++
	}

	m.logger.Info("liveness sweep complete", "devices", len(heartbeats), "transitions", transitions)
}
