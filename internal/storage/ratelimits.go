package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/studio-keygov-go/internal/models"
)

const rateLimitServicesKey = "rl:services"

func rateLimitKey(serviceName string) string { return fmt.Sprintf("rl:%s", serviceName) }

func rateLimitIDKey(id string) string { return fmt.Sprintf("rl:id:%s", id) }

// Increments only when the window exists so unmetered services stay unmetered.
var incrUsageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'requests_used', 1)
`)

var resetUsageScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'requests_used', 0, 'reset_at', ARGV[1])
return 1
`)

// RateLimitTracker persists per-service quota windows in Redis hashes
type RateLimitTracker struct {
	redis *RedisClient
	now   func() time.Time
}

func NewRateLimitTracker(redis *RedisClient) *RateLimitTracker {
	return &RateLimitTracker{redis: redis, now: time.Now}
}

// RecordUsage increments the window for serviceName and returns the new count,
// or -1 when the service has no window.
func (t *RateLimitTracker) RecordUsage(ctx context.Context, serviceName string) (int64, error) {
	used, err := incrUsageScript.Run(ctx, t.redis.client, []string{rateLimitKey(serviceName)}).Int64()
	if err != nil {
		return 0, persistErr("record usage", err)
	}
	return used, nil
}

// IsExhausted reports whether serviceName has a bounded window that is fully used
func (t *RateLimitTracker) IsExhausted(ctx context.Context, serviceName string) (bool, error) {
	w, err := t.Get(ctx, serviceName)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return w.Exhausted(), nil
}

// Get returns the window for serviceName
func (t *RateLimitTracker) Get(ctx context.Context, serviceName string) (*models.RateLimitWindow, error) {
	fields, err := t.redis.client.HGetAll(ctx, rateLimitKey(serviceName)).Result()
	if err != nil {
		return nil, persistErr("load rate limit", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: rate limit for %s", ErrNotFound, serviceName)
	}
	return decodeWindow(fields)
}

// Reset zeroes the window identified by a window id or a service name
func (t *RateLimitTracker) Reset(ctx context.Context, ref string) (*models.RateLimitWindow, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: rate limit id or service name required", ErrInvalidRecord)
	}

	serviceName := ref
	byID, err := t.redis.client.Get(ctx, rateLimitIDKey(ref)).Result()
	switch {
	case err == nil:
		serviceName = byID
	case !errors.Is(err, redis.Nil):
		return nil, persistErr("resolve rate limit", err)
	}

	now := t.now().UTC()
	ok, err := resetUsageScript.Run(ctx, t.redis.client, []string{rateLimitKey(serviceName)}, now.Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return nil, persistErr("reset rate limit", err)
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: rate limit %s", ErrNotFound, ref)
	}
	return t.Get(ctx, serviceName)
}

// Upsert creates a window or adjusts its limit and boundary, keeping the used count
func (t *RateLimitTracker) Upsert(ctx context.Context, serviceName string, limit int64, resetAt time.Time) (*models.RateLimitWindow, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return nil, fmt.Errorf("%w: service name required", ErrInvalidRecord)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: request limit must not be negative", ErrInvalidRecord)
	}
	if resetAt.IsZero() {
		resetAt = t.now()
	}

	key := rateLimitKey(serviceName)
	err := t.redis.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.HGet(ctx, key, "id").Result()
		created := errors.Is(err, redis.Nil)
		if err != nil && !created {
			return err
		}
		if created {
			id = uuid.New().String()
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"id", id,
				"service_name", serviceName,
				"request_limit", limit,
				"reset_at", resetAt.UTC().Format(time.RFC3339Nano),
			)
			if created {
				pipe.HSet(ctx, key, "requests_used", 0)
				pipe.Set(ctx, rateLimitIDKey(id), serviceName, 0)
				pipe.SAdd(ctx, rateLimitServicesKey, serviceName)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, persistErr("upsert rate limit", err)
	}
	return t.Get(ctx, serviceName)
}

// List returns every window ordered by service name
func (t *RateLimitTracker) List(ctx context.Context) ([]*models.RateLimitWindow, error) {
	services, err := t.redis.client.SMembers(ctx, rateLimitServicesKey).Result()
	if err != nil {
		return nil, persistErr("list rate limits", err)
	}
	sort.Strings(services)

	pipe := t.redis.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(services))
	for i, svc := range services {
		cmds[i] = pipe.HGetAll(ctx, rateLimitKey(svc))
	}
	if len(services) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, persistErr("list rate limits", err)
		}
	}

	windows := make([]*models.RateLimitWindow, 0, len(services))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		w, err := decodeWindow(fields)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func decodeWindow(fields map[string]string) (*models.RateLimitWindow, error) {
	w := &models.RateLimitWindow{
		ID:          fields["id"],
		ServiceName: fields["service_name"],
	}
	if w.ID == "" || w.ServiceName == "" {
		return nil, persistErr("decode rate limit", errMalformedRow)
	}

	var err error
	if w.RequestLimit, err = strconv.ParseInt(fields["request_limit"], 10, 64); err != nil {
		return nil, persistErr("decode rate limit", err)
	}
	if w.RequestsUsed, err = strconv.ParseInt(fields["requests_used"], 10, 64); err != nil {
		return nil, persistErr("decode rate limit", err)
	}
	if w.RequestLimit < 0 || w.RequestsUsed < 0 {
		return nil, persistErr("decode rate limit", errMalformedRow)
	}
	if raw := fields["reset_at"]; raw != "" {
		if w.ResetAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, persistErr("decode rate limit", err)
		}
	}
	return w, nil
}
