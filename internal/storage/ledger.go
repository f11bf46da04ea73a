package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/studio-keygov-go/internal/models"
)

// UsageLedger is the append-only log of call attempts
type UsageLedger interface {
	// Append writes one entry, assigning its ID and CreatedAt
	Append(ctx context.Context, entry *models.UsageLogEntry) error
	// Recent returns up to limit entries, newest first
	Recent(ctx context.Context, limit int) ([]*models.UsageLogEntry, error)
	// All returns every entry, oldest first
	All(ctx context.Context) ([]*models.UsageLogEntry, error)
	Close() error
}

const (
	usageLogKey = "usage:log"
	usageSeqKey = "usage:seq"
)

// appendUsageScript assigns the next sequence number and pushes the entry in
// one step, so list order always matches ID order. ARGV[1] is the encoded
// entry with id 0, which json.Marshal writes as the leading field.
var appendUsageScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[2])
local data = string.gsub(ARGV[1], '^{"id":0,', '{"id":' .. id .. ',', 1)
redis.call('LPUSH', KEYS[1], data)
return id
`)

// RedisLedger keeps the ledger in a Redis list, newest at the head
type RedisLedger struct {
	redis *RedisClient
	now   func() time.Time
}

func NewRedisLedger(redis *RedisClient) *RedisLedger {
	return &RedisLedger{redis: redis, now: time.Now}
}

func (l *RedisLedger) Append(ctx context.Context, entry *models.UsageLogEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	stored := *entry
	stored.ID = 0
	stored.CreatedAt = l.now().UTC()

	data, err := json.Marshal(stored)
	if err != nil {
		return persistErr("append usage", err)
	}
	id, err := appendUsageScript.Run(ctx, l.redis.client, []string{usageLogKey, usageSeqKey}, string(data)).Int64()
	if err != nil {
		return persistErr("append usage", err)
	}
	entry.ID = id
	entry.CreatedAt = stored.CreatedAt
	return nil
}

func (l *RedisLedger) Recent(ctx context.Context, limit int) ([]*models.UsageLogEntry, error) {
	if limit <= 0 {
		return []*models.UsageLogEntry{}, nil
	}
	raw, err := l.redis.client.LRange(ctx, usageLogKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, persistErr("recent usage", err)
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	// list order is insertion order; the stable sort keeps it for equal timestamps
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (l *RedisLedger) All(ctx context.Context) ([]*models.UsageLogEntry, error) {
	raw, err := l.redis.client.LRange(ctx, usageLogKey, 0, -1).Result()
	if err != nil {
		return nil, persistErr("scan usage", err)
	}
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (l *RedisLedger) Close() error {
	return nil
}

func decodeEntries(raw []string) ([]*models.UsageLogEntry, error) {
	entries := make([]*models.UsageLogEntry, 0, len(raw))
	for _, data := range raw {
		var e models.UsageLogEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, persistErr("decode usage", err)
		}
		if e.ServiceName == "" || e.ResponseTimeMs < 0 {
			return nil, persistErr("decode usage", errMalformedRow)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func validateEntry(entry *models.UsageLogEntry) error {
	entry.ServiceName = strings.TrimSpace(entry.ServiceName)
	if entry.ServiceName == "" {
		return &PersistenceError{Op: "append usage", Err: ErrInvalidRecord}
	}
	if entry.ResponseTimeMs < 0 {
		entry.ResponseTimeMs = 0
	}
	return nil
}
