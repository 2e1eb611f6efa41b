package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper suppresses duplicate deliveries of the same job.
type Deduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(handler, jobID string) string {
	return fmt.Sprintf("dedup:%s:%s", handler, jobID)
}

// AcquireOnce tries to acquire a dedup marker for a given handler + jobID.
// It returns true the first time and false for a duplicate.
func (d *Deduper) AcquireOnce(ctx context.Context, handler, jobID string) bool {
	key := dedupKey(handler, jobID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// redis 不可用时不阻止处理
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated job",
			zap.String("handler", handler),
			zap.String("job_id", jobID),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release drops the marker so a redelivery of a failed job is processed again.
func (d *Deduper) Release(ctx context.Context, handler, jobID string) {
	if err := d.rdb.Del(ctx, dedupKey(handler, jobID)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup marker",
			zap.String("handler", handler),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}
