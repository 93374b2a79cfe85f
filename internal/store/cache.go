package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KuroShiba3/task-planning-agent/config"
	core "github.com/KuroShiba3/task-planning-agent/internal/agent/core"
)

// statusTTL bounds how long a published status survives without an update,
// so abandoned runs do not linger in Redis forever.
const statusTTL = 24 * time.Hour

// StatusCache publishes live run status snapshots to Redis and backs the
// scheduler's distributed locks. It implements core.StatusPublisher, so the
// orchestrator can be pointed at it directly.
type StatusCache struct {
	client *redis.Client
}

// NewStatusCache connects to Redis and verifies the connection.
func NewStatusCache(ctx context.Context, cfg config.RedisConfig) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &StatusCache{client: client}, nil
}

func statusKey(queryID string) string { return "run_status:" + queryID }
func lockKey(name string) string      { return "scheduler_lock:" + name }

// PublishStatus stores the snapshot under the run's key.
func (c *StatusCache) PublishStatus(ctx context.Context, status core.RunStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(status.QueryID), payload, statusTTL).Err()
}

// GetStatus loads the last published status for a run.
func (c *StatusCache) GetStatus(ctx context.Context, queryID string) (core.RunStatus, bool, error) {
	payload, err := c.client.Get(ctx, statusKey(queryID)).Bytes()
	if err == redis.Nil {
		return core.RunStatus{}, false, nil
	}
	if err != nil {
		return core.RunStatus{}, false, err
	}
	var status core.RunStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return core.RunStatus{}, false, err
	}
	return status, true, nil
}

// AcquireLock takes a named lock for ttl. It returns false when another
// holder already has it.
func (c *StatusCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(name), time.Now().Format(time.RFC3339), ttl).Result()
}

// ReleaseLock drops a named lock before its TTL expires.
func (c *StatusCache) ReleaseLock(ctx context.Context, name string) error {
	return c.client.Del(ctx, lockKey(name)).Err()
}

func (c *StatusCache) Close() error { return c.client.Close() }
