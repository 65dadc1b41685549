package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arpanauts/strategyengine/mapping"
	"github.com/go-redis/redis/v8"
)

// RedisAccelerator wraps a Store with a Redis read-through cache, grounded
// on itsneelabh-gomind's RedisSessionManager (connect-via-URL, ping on
// construction, JSON-encode values). Writes go to both Redis and the
// wrapped Store so Redis never becomes the system of record — an entry
// missing from Redis just falls through to the relational cache.
type RedisAccelerator struct {
	client  *redis.Client
	backing Store
	ttl     time.Duration
}

// NewRedisAccelerator dials redisURL and wraps backing for reads/writes.
func NewRedisAccelerator(redisURL string, backing Store, ttl time.Duration) (*RedisAccelerator, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return &RedisAccelerator{client: client, backing: backing, ttl: ttl}, nil
}

func redisKey(sourceType, targetType, pathID, sourceID string) string {
	return fmt.Sprintf("mapping:%s:%s:%s:%s", sourceType, targetType, pathID, sourceID)
}

// CheckCache consults Redis first; misses fall through to the backing
// Store, and any result the backing store DID find is written back to
// Redis so the next lookup for that id is a hit.
func (r *RedisAccelerator) CheckCache(ctx context.Context, q CheckCacheQuery) (map[string]mapping.Result, []string, error) {
	cached := make(map[string]mapping.Result)
	var remaining []string

	for _, id := range q.IDs {
		raw, err := r.client.Get(ctx, redisKey(q.SourceType, q.TargetType, q.PathID, id)).Bytes()
		if err == redis.Nil {
			remaining = append(remaining, id)
			continue
		}
		if err != nil {
			remaining = append(remaining, id)
			continue
		}
		var res mapping.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			remaining = append(remaining, id)
			continue
		}
		cached[id] = res
	}

	if len(remaining) == 0 {
		return cached, nil, nil
	}

	fromStore, stillUncached, err := r.backing.CheckCache(ctx, CheckCacheQuery{
		IDs:        remaining,
		SourceType: q.SourceType,
		TargetType: q.TargetType,
		PathID:     q.PathID,
		ExpiryTime: q.ExpiryTime,
	})
	if err != nil {
		return nil, nil, err
	}
	for id, res := range fromStore {
		cached[id] = res
		if payload, err := json.Marshal(res); err == nil {
			r.client.Set(ctx, redisKey(q.SourceType, q.TargetType, q.PathID, id), payload, r.ttl)
		}
	}
	return cached, stillUncached, nil
}

// StoreMappingResults writes through to the backing Store, then refreshes
// Redis for every id it just wrote so subsequent CheckCache calls hit.
func (r *RedisAccelerator) StoreMappingResults(ctx context.Context, results map[string]mapping.Result, path mapping.Path, sourceType, targetType string, sessionID string) (string, error) {
	logID, err := r.backing.StoreMappingResults(ctx, results, path, sourceType, targetType, sessionID)
	if err != nil {
		return "", err
	}
	for id, res := range results {
		if res.Status != mapping.StatusSuccess {
			continue
		}
		if payload, err := json.Marshal(res); err == nil {
			r.client.Set(ctx, redisKey(sourceType, targetType, path.ID, id), payload, r.ttl)
		}
	}
	return logID, nil
}
