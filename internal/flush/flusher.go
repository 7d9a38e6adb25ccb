// Package flush drains batches of dirty devices from the write-back cache
// into the durable per-model tables.
package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craftedclimate/telemetry/internal/cache"
	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/craftedclimate/telemetry/internal/repositories"
	"github.com/craftedclimate/telemetry/internal/schema"
)

// CacheDrain is the slice of the write-back cache the flusher consumes.
type CacheDrain interface {
	ClaimDirty(ctx context.Context, n int) ([]string, error)
	MarkDirty(ctx context.Context, auid string) error
	Metadata(ctx context.Context, auid string) (*models.DeviceSnapshot, error)
	Snapshot(ctx context.Context, auid string) ([]cache.BufferedReading, error)
	RemoveReadings(ctx context.Context, auid string, flushed []cache.BufferedReading) error
}

// Summary is one cycle's outcome. Failed devices were re-marked dirty and
// keep their buffered readings for the next cycle.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Claimed   int           `json:"claimed"`
	Flushed   int           `json:"flushed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Readings  int           `json:"readings"`
}

// Flusher runs flush cycles on a fixed schedule. Cycles are mutually
// exclusive: an overlapping trigger is skipped outright via a compare-and-set
// flag. Within a cycle, devices flush in parallel under a hard concurrency
// ceiling, and one device's failure never touches the others.
type Flusher struct {
	cache       CacheDrain
	store       repositories.ReadingStore
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	concurrency int

	running atomic.Bool

	mu   sync.Mutex
	last Summary
}

func New(cache CacheDrain, store repositories.ReadingStore, logger *slog.Logger, interval time.Duration, batchSize, concurrency int) *Flusher {
	return &Flusher{
		cache:       cache,
		store:       store,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Run triggers cycles on the configured interval until the context is
// cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Trigger(ctx)
		}
	}
}

// Trigger runs one cycle unless a previous cycle is still in flight, in
// which case the trigger is skipped entirely.
func (f *Flusher) Trigger(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		f.logger.Warn("flush cycle still running; skipping trigger")
		return
	}
	defer f.running.Store(false)

	summary := f.runCycle(ctx)

	f.mu.Lock()
	f.last = summary
	f.mu.Unlock()

	f.logger.Info("flush cycle complete",
		"claimed", summary.Claimed,
		"flushed", summary.Flushed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"readings", summary.Readings,
		"duration", summary.Duration,
	)
}

// LastSummary returns the most recent cycle's counters.
func (f *Flusher) LastSummary() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *Flusher) runCycle(ctx context.Context) Summary {
	started := time.Now()

	auids, err := f.cache.ClaimDirty(ctx, f.batchSize)
	if err != nil {
		f.logger.Error("failed to claim dirty devices", "error", err)
		return Summary{StartedAt: started, Duration: time.Since(started)}
	}

	var flushed, skipped, failed, readings atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)

	for _, auid := range auids {
		auid := auid
		g.Go(func() error {
			switch n, err := f.flushDevice(ctx, auid); {
			case err != nil:
				failed.Add(1)
				f.logger.Error("device flush failed", "auid", auid, "error", err)
				// Re-add so the buffered readings are retried next cycle.
				// Duplicate flushes are safe: durable inserts upsert on
				// (auid, ts).
				if merr := f.cache.MarkDirty(ctx, auid); merr != nil {
					f.logger.Error("failed to re-mark device dirty; readings deferred until its next write",
						"auid", auid, "error", merr)
				}
			case n == 0:
				skipped.Add(1)
			default:
				flushed.Add(1)
				readings.Add(int64(n))
			}
			return nil
		})
	}
	_ = g.Wait()

	return Summary{
		StartedAt: started,
		Duration:  time.Since(started),
		Claimed:   len(auids),
		Flushed:   int(flushed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Readings:  int(readings.Load()),
	}
}

// flushDevice relocates one device's buffered readings into its model's
// durable table. The target table comes from the ingestion-time metadata
// slot, not a fresh registry call. Returns the number of readings flushed;
// zero with a nil error means there was nothing usable to flush.
func (f *Flusher) flushDevice(ctx context.Context, auid string) (int, error) {
	snap, err := f.cache.Metadata(ctx, auid)
	if errors.Is(err, cache.ErrCacheMiss) {
		f.logger.Warn("dirty device has no metadata slot; skipping", "auid", auid)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	variant, err := schema.VariantFor(snap.Model)
	if err != nil {
		f.logger.Warn("dirty device has unmapped model; skipping", "auid", auid, "model", snap.Model)
		return 0, nil
	}

	buffered, err := f.cache.Snapshot(ctx, auid)
	if err != nil {
		return 0, err
	}
	if len(buffered) == 0 {
		return 0, nil
	}

	readings := make([]*models.CanonicalReading, len(buffered))
	for i, entry := range buffered {
		readings[i] = entry.Reading
	}

	if err := f.store.InsertBatch(ctx, variant, readings); err != nil {
		return 0, err
	}

	// Removal is value-conditional: an entry overwritten since the snapshot
	// stays buffered, and its device is already dirty again from the write.
	if err := f.cache.RemoveReadings(ctx, auid, buffered); err != nil {
		return 0, err
	}

	return len(buffered), nil
}
