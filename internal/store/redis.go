package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskpilot/taskpilot/config"
)

const (
	taskKeyPrefix  = "task:"
	recentTasksKey = "tasks:recent"
	recentTasksMax = 100
	taskCacheTTL   = 24 * time.Hour
)

// TaskCache keeps finished traces and the recent-task list in Redis so
// hot reads skip Postgres.
type TaskCache struct {
	Rdb *redis.Client
}

// NewTaskCache connects to Redis and pings it.
func NewTaskCache(ctx context.Context, cfg config.RedisConfig) (*TaskCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &TaskCache{Rdb: rdb}, nil
}

// PutTask caches a task under task:<id> and pushes its id onto the
// recent list, trimming the list to its cap.
func (c *TaskCache) PutTask(ctx context.Context, rec TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", rec.ID, err)
	}
	if err := c.Rdb.Set(ctx, taskKeyPrefix+rec.ID, raw, taskCacheTTL).Err(); err != nil {
		return err
	}
	pipe := c.Rdb.TxPipeline()
	pipe.LPush(ctx, recentTasksKey, rec.ID)
	pipe.LTrim(ctx, recentTasksKey, 0, recentTasksMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

// GetTask returns a cached task, or ErrNotFound on a miss.
func (c *TaskCache) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	raw, err := c.Rdb.Get(ctx, taskKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return TaskRecord{}, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return TaskRecord{}, fmt.Errorf("unmarshaling cached task %s: %w", id, err)
	}
	return rec, nil
}

// RecentTaskIDs lists cached task ids, most recent first.
func (c *TaskCache) RecentTaskIDs(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	return c.Rdb.LRange(ctx, recentTasksKey, 0, limit-1).Result()
}

// AcquireLock takes a short-lived named lock. It returns false when
// another replica already holds the lock.
func (c *TaskCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.Rdb.SetNX(ctx, key, "1", ttl).Result()
}

// ReleaseLock drops a lock before its TTL expires.
func (c *TaskCache) ReleaseLock(ctx context.Context, key string) error {
	return c.Rdb.Del(ctx, key).Err()
}
