package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/craftedclimate/telemetry/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	readingsKeyPrefix = "wb:readings:"
	metaKeyPrefix     = "wb:meta:"
	dirtyKey          = "wb:dirty"
	heartbeatKey      = "wb:heartbeat"
)

// WriteBack buffers canonical readings per device until a flush cycle drains
// them. Each device's bucket is a hash keyed by reading timestamp (last write
// per timestamp wins), plus one metadata slot. The dirty set tracks devices
// awaiting flush; SADD makes repeated marking idempotent, so the set grows
// with distinct devices, not readings. The heartbeat sorted set orders
// devices by last-seen time for range queries.
type WriteBack struct {
	client *redis.Client
}

func NewWriteBack(client *redis.Client) *WriteBack {
	return &WriteBack{client: client}
}

// PutReading buffers a reading, marks its device dirty, and refreshes the
// device's heartbeat and metadata slot in one round trip.
func (w *WriteBack) PutReading(ctx context.Context, reading *models.CanonicalReading, snap *models.DeviceSnapshot) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	meta, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal device snapshot: %w", err)
	}

	field := strconv.FormatInt(reading.Timestamp, 10)
	now := float64(time.Now().UnixMilli())

	pipe := w.client.Pipeline()
	pipe.HSet(ctx, readingsKeyPrefix+reading.AUID, field, data)
	pipe.Set(ctx, metaKeyPrefix+reading.AUID, meta, 0)
	pipe.SAdd(ctx, dirtyKey, reading.AUID)
	pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: now, Member: reading.AUID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write back reading: %w", err)
	}
	return nil
}

// TouchHeartbeat records that a resolvable device was heard from, regardless
// of whether its reading later validates.
func (w *WriteBack) TouchHeartbeat(ctx context.Context, auid string, at time.Time) error {
	err := w.client.ZAdd(ctx, heartbeatKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: auid,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh heartbeat: %w", err)
	}
	return nil
}

// MarkDirty re-enters a device into the dirty set. Used by the flush
// scheduler when a claimed device's durable write fails.
func (w *WriteBack) MarkDirty(ctx context.Context, auid string) error {
	if err := w.client.SAdd(ctx, dirtyKey, auid).Err(); err != nil {
		return fmt.Errorf("failed to mark device dirty: %w", err)
	}
	return nil
}

// ClaimDirty atomically removes and returns up to n devices from the dirty
// set. Claimed members are invisible to any concurrent caller.
func (w *WriteBack) ClaimDirty(ctx context.Context, n int) ([]string, error) {
	auids, err := w.client.SPopN(ctx, dirtyKey, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim dirty devices: %w", err)
	}
	return auids, nil
}

func (w *WriteBack) IsDirty(ctx context.Context, auid string) (bool, error) {
	dirty, err := w.client.SIsMember(ctx, dirtyKey, auid).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dirty membership: %w", err)
	}
	return dirty, nil
}

func (w *WriteBack) DirtyCount(ctx context.Context) (int64, error) {
	count, err := w.client.SCard(ctx, dirtyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty devices: %w", err)
	}
	return count, nil
}

// BufferedReading pairs a decoded reading with the exact stored hash value,
// so the flush path can later delete the entry only if it was not overwritten.
type BufferedReading struct {
	Field   string
	Raw     string
	Reading *models.CanonicalReading
}

// Snapshot returns a device's buffered readings with their stored values,
// ordered by timestamp ascending.
func (w *WriteBack) Snapshot(ctx context.Context, auid string) ([]BufferedReading, error) {
	entries, err := w.client.HGetAll(ctx, readingsKeyPrefix+auid).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read buffered readings: %w", err)
	}

	buffered := make([]BufferedReading, 0, len(entries))
	for field, data := range entries {
		var reading models.CanonicalReading
		if err := json.Unmarshal([]byte(data), &reading); err != nil {
			return nil, fmt.Errorf("failed to unmarshal buffered reading: %w", err)
		}
		buffered = append(buffered, BufferedReading{Field: field, Raw: data, Reading: &reading})
	}

	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].Reading.Timestamp < buffered[j].Reading.Timestamp
	})
	return buffered, nil
}

// Readings returns a device's buffered readings ordered by timestamp
// ascending.
func (w *WriteBack) Readings(ctx context.Context, auid string) ([]*models.CanonicalReading, error) {
	buffered, err := w.Snapshot(ctx, auid)
	if err != nil {
		return nil, err
	}

	readings := make([]*models.CanonicalReading, len(buffered))
	for i, entry := range buffered {
		readings[i] = entry.Reading
	}
	return readings, nil
}

// removeUnchanged deletes each hash field only while it still holds the value
// that was flushed. An entry overwritten mid-flush keeps its new value.
var removeUnchanged = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
	if redis.call("HGET", KEYS[1], ARGV[i]) == ARGV[i+1] then
		redis.call("HDEL", KEYS[1], ARGV[i])
		removed = removed + 1
	end
end
return removed
`)

// RemoveReadings deletes flushed entries from a device's bucket. Entries whose
// stored value changed since the snapshot, and entries that arrived after it,
// stay buffered for the next cycle.
func (w *WriteBack) RemoveReadings(ctx context.Context, auid string, flushed []BufferedReading) error {
	if len(flushed) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 2*len(flushed))
	for _, entry := range flushed {
		args = append(args, entry.Field, entry.Raw)
	}

	if err := removeUnchanged.Run(ctx, w.client, []string{readingsKeyPrefix + auid}, args...).Err(); err != nil {
		return fmt.Errorf("failed to remove flushed readings: %w", err)
	}
	return nil
}

func (w *WriteBack) Metadata(ctx context.Context, auid string) (*models.DeviceSnapshot, error) {
	data, err := w.client.Get(ctx, metaKeyPrefix+auid).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata slot: %w", err)
	}

	var snap models.DeviceSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata slot: %w", err)
	}
	return &snap, nil
}

func (w *WriteBack) SetMetadata(ctx context.Context, snap *models.DeviceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal device snapshot: %w", err)
	}

	if err := w.client.Set(ctx, metaKeyPrefix+snap.AUID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set metadata slot: %w", err)
	}
	return nil
}

// SeenSince counts devices whose heartbeat falls within the trailing window
// starting at since.
func (w *WriteBack) SeenSince(ctx context.Context, since time.Time) (int64, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	count, err := w.client.ZCount(ctx, heartbeatKey, min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count recent heartbeats: %w", err)
	}
	return count, nil
}

func (w *WriteBack) TrackedDevices(ctx context.Context) (int64, error) {
	count, err := w.client.ZCard(ctx, heartbeatKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count tracked devices: %w", err)
	}
	return count, nil
}

// Heartbeats returns every tracked device's last-seen time.
func (w *WriteBack) Heartbeats(ctx context.Context) (map[string]time.Time, error) {
	entries, err := w.client.ZRangeWithScores(ctx, heartbeatKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read heartbeats: %w", err)
	}

	heartbeats := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		auid, ok := entry.Member.(string)
		if !ok {
			continue
		}
		heartbeats[auid] = time.UnixMilli(int64(entry.Score))
	}
	return heartbeats, nil
}

// LastSeen returns a single device's heartbeat time, or ErrCacheMiss if the
// device has never been heard from.
func (w *WriteBack) LastSeen(ctx context.Context, auid string) (time.Time, error) {
	score, err := w.client.ZScore(ctx, heartbeatKey, auid).Result()
	if err == redis.Nil {
		return time.Time{}, ErrCacheMiss
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	return time.UnixMilli(int64(score)), nil
}
