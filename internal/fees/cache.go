package fees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotVersionKey = "fees:snapshot:version"

// minEpochTTL keeps a student's invalidation epoch around longer than any
// load that could have started before it moved.
const minEpochTTL = time.Hour

var errStaleSnapshot = errors.New("fees: snapshot invalidated while loading")

// SnapshotCache keeps fetched snapshots in Redis under a versioned key so a
// single bump invalidates every entry.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache instantiates the cache helper. A nil client disables
// caching.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *SnapshotCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, snapshotVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, snapshotVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, snapshotVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// Key composes the cache key for a student with the current version.
func (c *SnapshotCache) Key(ctx context.Context, ref StudentRef) (string, error) {
	base := strings.Join([]string{"fees", "snapshot", formatInt(ref.SchoolID), formatInt(ref.StudentID)}, ":")
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// Fetch loads a cached snapshot or populates it using the loader.
func (c *SnapshotCache) Fetch(ctx context.Context, ref StudentRef, loader func(context.Context) (Snapshot, error)) (Snapshot, error) {
	if loader == nil {
		return Snapshot{}, errors.New("fees: snapshot loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.Key(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return Snapshot{}, fmt.Errorf("fees: decode cached snapshot: %w", err)
		}
		return snap, nil
	}
	if !errors.Is(err, redis.Nil) {
		return Snapshot{}, err
	}
	epoch, err := c.epoch(ctx, c.client, ref)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := loader(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.epoch(ctx, tx, ref)
		if err != nil {
			return err
		}
		if current != epoch {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		return err
	}, c.epochKey(ref))
	if errors.Is(err, errStaleSnapshot) || errors.Is(err, redis.TxFailedErr) {
		// An invalidation landed mid-load: serve this caller, keep it out of
		// the cache.
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Invalidate drops the cached snapshot of one student. Loads that started
// before the call will not write their result back.
func (c *SnapshotCache) Invalidate(ctx context.Context, ref StudentRef) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.Key(ctx, ref)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if ttl < minEpochTTL {
		ttl = minEpochTTL
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.epochKey(ref))
		pipe.Expire(ctx, c.epochKey(ref), ttl)
		pipe.Del(ctx, key)
		return nil
	})
	return err
}

func (c *SnapshotCache) epochKey(ref StudentRef) string {
	return strings.Join([]string{"fees", "snapshot", "epoch", formatInt(ref.SchoolID), formatInt(ref.StudentID)}, ":")
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *SnapshotCache) epoch(ctx context.Context, cmd stringGetter, ref StudentRef) (int64, error) {
	epoch, err := cmd.Get(ctx, c.epochKey(ref)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return epoch, err
}

// Bump invalidates every cached snapshot.
func (c *SnapshotCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, snapshotVersionKey).Err()
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
