package attempt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/examgate/examgate-backend/internal/config"
)

const (
	anchorFieldStartedAt = "started_at"
	anchorFieldDuration  = "duration_seconds"
)

// RedisAnchorStore keeps anchors in a Redis hash per attempt. Anchors carry
// no TTL: they outlive reloads and server restarts and are removed
// explicitly when the attempt is finalized.
type RedisAnchorStore struct {
	rdb *redis.Client
}

// NewRedisAnchorStore creates a RedisAnchorStore.
func NewRedisAnchorStore(rdb *redis.Client) *RedisAnchorStore {
	return &RedisAnchorStore{rdb: rdb}
}

func (s *RedisAnchorStore) Load(ctx context.Context, attemptID uuid.UUID) (Anchor, bool, error) {
	key := config.CacheKey.AttemptAnchorKey(attemptID.String())
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Anchor{}, false, fmt.Errorf("load anchor: %w", err)
	}
	if len(fields) == 0 {
		return Anchor{}, false, nil
	}

	startUnix, err := strconv.ParseInt(fields[anchorFieldStartedAt], 10, 64)
	if err != nil {
		return Anchor{}, false, fmt.Errorf("invalid anchor start time: %w", err)
	}
	durSecs, err := strconv.Atoi(fields[anchorFieldDuration])
	if err != nil {
		return Anchor{}, false, fmt.Errorf("invalid anchor duration: %w", err)
	}

	return Anchor{
		StartedAt: time.Unix(startUnix, 0),
		Duration:  time.Duration(durSecs) * time.Second,
	}, true, nil
}

func (s *RedisAnchorStore) Save(ctx context.Context, attemptID uuid.UUID, a Anchor) error {
	key := config.CacheKey.AttemptAnchorKey(attemptID.String())
	err := s.rdb.HSet(ctx, key,
		anchorFieldStartedAt, a.StartedAt.Unix(),
		anchorFieldDuration, int(a.Duration.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("save anchor: %w", err)
	}
	return nil
}

func (s *RedisAnchorStore) Delete(ctx context.Context, attemptID uuid.UUID) error {
	key := config.CacheKey.AttemptAnchorKey(attemptID.String())
	return s.rdb.Del(ctx, key).Err()
}
