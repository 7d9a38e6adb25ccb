package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftedclimate/telemetry/internal/models"
)

func floatPtr(v float64) *float64 { return &v }

func envReading(auid string, ts int64) (*models.CanonicalReading, *models.DeviceSnapshot) {
	reading := &models.CanonicalReading{
		AUID:        auid,
		Model:       "env",
		Timestamp:   ts,
		Temperature: floatPtr(25.5),
		PM25:        floatPtr(12),
		AQI:         floatPtr(50),
	}
	snap := &models.DeviceSnapshot{
		AUID:     auid,
		DeviceID: "2af1",
		Model:    "env",
		Status:   string(models.StatusOnline),
	}
	return reading, snap
}

func TestPutReading_MarksDirtyOnce(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	// N writes to one device between flushes yield one dirty membership.
	for i := 0; i < 5; i++ {
		reading, snap := envReading("AUID-1", 1700000000000+int64(i)*60000)
		require.NoError(t, wb.PutReading(ctx, reading, snap))
	}

	count, err := wb.DirtyCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	readings, err := wb.Readings(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Len(t, readings, 5)
}

func TestPutReading_LastWritePerTimestampWins(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	first, snap := envReading("AUID-1", 1700000000000)
	first.Temperature = floatPtr(20)
	require.NoError(t, wb.PutReading(ctx, first, snap))

	second, _ := envReading("AUID-1", 1700000000000)
	second.Temperature = floatPtr(22)
	require.NoError(t, wb.PutReading(ctx, second, snap))

	readings, err := wb.Readings(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 22, *readings[0].Temperature, 0.001)
}

func TestClaimDirty_AtomicallyRemovesMembers(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	for _, auid := range []string{"AUID-1", "AUID-2", "AUID-3"} {
		reading, snap := envReading(auid, 1700000000000)
		require.NoError(t, wb.PutReading(ctx, reading, snap))
	}

	claimed, err := wb.ClaimDirty(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	// Claimed members are invisible to a second claim.
	remaining, err := wb.ClaimDirty(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.NotContains(t, claimed, remaining[0])
}

func TestRemoveReadings_KeepsUnflushedEntries(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	for _, ts := range []int64{1700000000000, 1700000060000} {
		reading, snap := envReading("AUID-1", ts)
		require.NoError(t, wb.PutReading(ctx, reading, snap))
	}

	buffered, err := wb.Snapshot(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, buffered, 2)

	// A reading arriving after the snapshot is untouched by the removal.
	late, snap := envReading("AUID-1", 1700000120000)
	require.NoError(t, wb.PutReading(ctx, late, snap))

	require.NoError(t, wb.RemoveReadings(ctx, "AUID-1", buffered))

	readings, err := wb.Readings(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, int64(1700000120000), readings[0].Timestamp)
}

func TestRemoveReadings_SkipsOverwrittenTimestamp(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	first, snap := envReading("AUID-1", 1700000000000)
	first.Temperature = floatPtr(20)
	require.NoError(t, wb.PutReading(ctx, first, snap))

	buffered, err := wb.Snapshot(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, buffered, 1)

	claimed, err := wb.ClaimDirty(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"AUID-1"}, claimed)

	// The same timestamp is overwritten between snapshot and removal. The
	// removal must not delete the newer value.
	second, _ := envReading("AUID-1", 1700000000000)
	second.Temperature = floatPtr(22)
	require.NoError(t, wb.PutReading(ctx, second, snap))

	require.NoError(t, wb.RemoveReadings(ctx, "AUID-1", buffered))

	readings, err := wb.Readings(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 22, *readings[0].Temperature, 0.001)

	// The overwrite re-marked the device, so the next cycle picks it up.
	dirty, err := wb.IsDirty(ctx, "AUID-1")
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestMetadataSlot_Roundtrip(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	reading, snap := envReading("AUID-1", 1700000000000)
	require.NoError(t, wb.PutReading(ctx, reading, snap))

	got, err := wb.Metadata(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, "env", got.Model)

	got.Status = string(models.StatusOffline)
	require.NoError(t, wb.SetMetadata(ctx, got))

	updated, err := wb.Metadata(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOffline), updated.Status)

	_, err = wb.Metadata(ctx, "AUID-UNKNOWN")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestHeartbeat_RangeQueries(t *testing.T) {
	client := getTestRedisClient(t)
	wb := NewWriteBack(client)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, wb.TouchHeartbeat(ctx, "AUID-FRESH", now))
	require.NoError(t, wb.TouchHeartbeat(ctx, "AUID-STALE", now.Add(-20*time.Minute)))

	online, err := wb.SeenSince(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), online)

	total, err := wb.TrackedDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	seen, err := wb.LastSeen(ctx, "AUID-STALE")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(-20*time.Minute), seen, time.Second)

	heartbeats, err := wb.Heartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, heartbeats, 2)
}

func TestMetadataCache_DeviceLifecycle(t *testing.T) {
	client := getTestRedisClient(t)
	meta := NewMetadata(client, time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	_, err := meta.GetDevice(ctx, "2af1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	device := &models.DeviceRecord{DeviceID: "2af1", AUID: "AUID-1", Model: "env"}
	require.NoError(t, meta.SetDevice(ctx, device))

	got, err := meta.GetDevice(ctx, "2af1")
	require.NoError(t, err)
	assert.Equal(t, "AUID-1", got.AUID)

	// Registry mutations invalidate the snapshot.
	require.NoError(t, meta.InvalidateDevice(ctx, "2af1"))
	_, err = meta.GetDevice(ctx, "2af1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
