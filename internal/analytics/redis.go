// Package analytics keeps per-project firing counters in Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/surveycron/internal/domain"
)

// DefaultRetention is how long a daily bucket is kept.
const DefaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// Record counts one firing outcome in the project's daily bucket.
func (s *RedisSink) Record(ctx context.Context, projectID string, reason domain.OutcomeReason, at time.Time) error {
	key := BuildKey(projectID, reason, at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count reads one daily bucket. A missing key counts as zero.
func (s *RedisSink) Count(ctx context.Context, projectID string, reason domain.OutcomeReason, day time.Time) (int64, error) {
	n, err := s.client.Get(ctx, BuildKey(projectID, reason, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

// BuildKey returns p:<project>:outcome:<reason>:<yyyymmdd> for the UTC day of t.
func BuildKey(projectID string, reason domain.OutcomeReason, t time.Time) string {
	return fmt.Sprintf("p:%s:outcome:%s:%s", projectID, reason, t.UTC().Format("20060102"))
}
