package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/studio-keygov-go/internal/models"
)

// FunctionsUpdatedChannel carries the name of a function whose mapping changed
const FunctionsUpdatedChannel = "functions:updated"

const functionNamesKey = "fn:names"

func functionKey(name string) string { return fmt.Sprintf("fn:%s", name) }

// FunctionRoutingTable maps logical function names to preferred/fallback services.
// Resolved mappings are cached locally; the cache is optional.
type FunctionRoutingTable struct {
	redis *RedisClient
	cache *bigcache.BigCache
	now   func() time.Time
}

func NewFunctionRoutingTable(redis *RedisClient, cache *bigcache.BigCache) *FunctionRoutingTable {
	return &FunctionRoutingTable{redis: redis, cache: cache, now: time.Now}
}

// Upsert creates the mapping or updates it in place
func (t *FunctionRoutingTable) Upsert(ctx context.Context, functionName, preferred, fallback string) (*models.FunctionMapping, error) {
	m := &models.FunctionMapping{
		FunctionName:     strings.TrimSpace(functionName),
		PreferredService: strings.TrimSpace(preferred),
		FallbackService:  strings.TrimSpace(fallback),
	}
	if m.FunctionName == "" || m.PreferredService == "" {
		return nil, fmt.Errorf("%w: function name and preferred service are required", ErrInvalidRecord)
	}

	key := functionKey(m.FunctionName)
	err := t.redis.watch(ctx, func(tx *redis.Tx) error {
		m.UpdatedAt = t.now().UTC()
		if prev, err := tx.HGet(ctx, key, "data").Result(); err == nil {
			// keep updated_at strictly increasing for the same function
			if old, derr := decodeMapping(prev); derr == nil && !m.UpdatedAt.After(old.UpdatedAt) {
				m.UpdatedAt = old.UpdatedAt.Add(time.Nanosecond)
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "data", data)
			pipe.SAdd(ctx, functionNamesKey, m.FunctionName)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, persistErr("upsert function mapping", err)
	}

	t.Invalidate(m.FunctionName)
	_ = t.redis.Publish(ctx, FunctionsUpdatedChannel, m.FunctionName)
	return m, nil
}

// Resolve returns the preferred and fallback services for functionName
func (t *FunctionRoutingTable) Resolve(ctx context.Context, functionName string) (*models.FunctionMapping, error) {
	if t.cache != nil {
		if data, err := t.cache.Get(functionName); err == nil {
			if m, err := decodeMapping(string(data)); err == nil {
				return m, nil
			}
		}
	}

	data, err := t.redis.client.HGet(ctx, functionKey(functionName), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: function mapping %s", ErrNotFound, functionName)
	}
	if err != nil {
		return nil, persistErr("resolve function mapping", err)
	}
	m, err := decodeMapping(data)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		_ = t.cache.Set(functionName, []byte(data))
	}
	return m, nil
}

// List returns every mapping ordered by function name
func (t *FunctionRoutingTable) List(ctx context.Context) ([]*models.FunctionMapping, error) {
	names, err := t.redis.client.SMembers(ctx, functionNamesKey).Result()
	if err != nil {
		return nil, persistErr("list function mappings", err)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return []*models.FunctionMapping{}, nil
	}

	pipe := t.redis.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGet(ctx, functionKey(name), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, persistErr("list function mappings", err)
	}

	mappings := make([]*models.FunctionMapping, 0, len(names))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, persistErr("list function mappings", err)
		}
		m, err := decodeMapping(data)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// Invalidate drops a cached mapping
func (t *FunctionRoutingTable) Invalidate(functionName string) {
	if t.cache != nil {
		_ = t.cache.Delete(functionName)
	}
}

// InvalidateAll drops every cached mapping
func (t *FunctionRoutingTable) InvalidateAll() {
	if t.cache != nil {
		_ = t.cache.Reset()
	}
}

func decodeMapping(data string) (*models.FunctionMapping, error) {
	var m models.FunctionMapping
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, persistErr("decode function mapping", err)
	}
	if m.FunctionName == "" || m.PreferredService == "" {
		return nil, persistErr("decode function mapping", errMalformedRow)
	}
	return &m, nil
}
