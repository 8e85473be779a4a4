package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// Cache wraps the Redis client used for cross-worker coordination
type Cache struct {
	client *redis.Client
}

// releaseScript deletes a lock only if it is still held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends a lock only if it is still held by the caller
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewCache connects to Redis at addr (host:port)
func NewCache(ctx context.Context, addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func lockKey(resource string) string {
	return fmt.Sprintf("lock:%s", resource)
}

func jobKey(videoID string) string {
	return fmt.Sprintf("job:%s", videoID)
}

// AcquireLock attempts to take resource for owner. It returns false when
// another owner holds it.
func (c *Cache) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(resource), owner, ttl).Result()
}

// ReleaseLock releases resource if owner still holds it
func (c *Cache) ReleaseLock(ctx context.Context, resource, owner string) error {
	return releaseScript.Run(ctx, c.client, []string{lockKey(resource)}, owner).Err()
}

// RenewLock extends the lease on resource by ttl. It returns false when
// owner no longer holds it.
func (c *Cache) RenewLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, c.client, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LockOwner returns the current holder of resource, or "" if it is free
func (c *Cache) LockOwner(ctx context.Context, resource string) (string, error) {
	owner, err := c.client.Get(ctx, lockKey(resource)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

// SetJobState caches the latest attempt record for a video
func (c *Cache) SetJobState(ctx context.Context, rec *models.JobRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}
	return c.client.Set(ctx, jobKey(rec.VideoID), data, ttl).Err()
}

// GetJobState returns the cached attempt record, or nil on a miss
func (c *Cache) GetJobState(ctx context.Context, videoID string) (*models.JobRecord, error) {
	data, err := c.client.Get(ctx, jobKey(videoID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get job state from cache: %w", err)
	}

	var rec models.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job state: %w", err)
	}
	return &rec, nil
}
