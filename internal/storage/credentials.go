package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/studio-keygov-go/internal/models"
)

// CredentialRemovedChannel carries JSON-encoded records of deleted credentials
const CredentialRemovedChannel = "credentials:removed"

const credentialIDsKey = "cred:ids"

func credentialKey(id string) string { return fmt.Sprintf("cred:%s", id) }

func credentialIndexKey(category, serviceName string) string {
	return fmt.Sprintf("cred:idx:%s:%s", category, serviceName)
}

// The primary of a category is a single pointer key, so at most one record
// can ever be observed as primary.
func primaryKey(category string) string { return fmt.Sprintf("cred:primary:%s", category) }

func serviceIndexKey(serviceName string) string { return fmt.Sprintf("cred:svc:%s", serviceName) }

// CredentialStore persists API key records in Redis
type CredentialStore struct {
	redis *RedisClient
	now   func() time.Time

	mu        sync.RWMutex
	listeners []func(models.APIKeyRecord)
}

func NewCredentialStore(redis *RedisClient) *CredentialStore {
	return &CredentialStore{redis: redis, now: time.Now}
}

// OnRemoved registers a listener invoked after a credential is deleted
func (s *CredentialStore) OnRemoved(fn func(models.APIKeyRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create stores a new credential
func (s *CredentialStore) Create(ctx context.Context, rec *models.APIKeyRecord) (*models.APIKeyRecord, error) {
	rec.ServiceName = strings.TrimSpace(rec.ServiceName)
	rec.Category = strings.TrimSpace(rec.Category)
	if rec.ServiceName == "" || rec.Category == "" {
		return nil, fmt.Errorf("%w: service name and category are required", ErrInvalidRecord)
	}

	now := s.now().UTC()
	stored := *rec
	stored.ID = uuid.New().String()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.ValidationErrors == nil {
		stored.ValidationErrors = []string{}
	}
	primary := stored.IsPrimary
	stored.IsPrimary = false

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, persistErr("encode credential", err)
	}

	client := s.redis.client
	idx := credentialIndexKey(stored.Category, stored.ServiceName)
	ok, err := client.SetNX(ctx, idx, stored.ID, 0).Result()
	if err != nil {
		return nil, persistErr("reserve credential", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrDuplicateService, stored.ServiceName, stored.Category)
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, credentialKey(stored.ID), "data", data)
		pipe.SAdd(ctx, credentialIDsKey, stored.ID)
		pipe.SAdd(ctx, serviceIndexKey(stored.ServiceName), stored.ID)
		if primary {
			pipe.Set(ctx, primaryKey(stored.Category), stored.ServiceName, 0)
		}
		return nil
	})
	if err != nil {
		_ = client.Del(ctx, idx).Err()
		return nil, persistErr("create credential", err)
	}

	stored.IsPrimary = primary
	return &stored, nil
}

// Get retrieves a credential by id
func (s *CredentialStore) Get(ctx context.Context, id string) (*models.APIKeyRecord, error) {
	rec, err := s.load(ctx, s.redis.client, id)
	if err != nil {
		return nil, err
	}
	if err := s.markPrimary(ctx, []*models.APIKeyRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByService returns every record registered under serviceName, ordered by category
func (s *CredentialStore) FindByService(ctx context.Context, serviceName string) ([]*models.APIKeyRecord, error) {
	ids, err := s.redis.client.SMembers(ctx, serviceIndexKey(serviceName)).Result()
	if err != nil {
		return nil, persistErr("find credentials", err)
	}
	recs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Category < recs[j].Category })
	return recs, nil
}

// List returns all credentials
func (s *CredentialStore) List(ctx context.Context) ([]*models.APIKeyRecord, error) {
	ids, err := s.redis.client.SMembers(ctx, credentialIDsKey).Result()
	if err != nil {
		return nil, persistErr("list credentials", err)
	}
	return s.loadMany(ctx, ids)
}

// ListByCategory groups credentials by category, primary first then by service name
func (s *CredentialStore) ListByCategory(ctx context.Context) (map[string][]*models.APIKeyRecord, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByCategory(recs), nil
}

// GroupByCategory orders records the way the dashboard lists them
func GroupByCategory(recs []*models.APIKeyRecord) map[string][]*models.APIKeyRecord {
	grouped := make(map[string][]*models.APIKeyRecord)
	for _, rec := range recs {
		grouped[rec.Category] = append(grouped[rec.Category], rec)
	}
	for _, list := range grouped {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].IsPrimary != list[j].IsPrimary {
				return list[i].IsPrimary
			}
			return list[i].ServiceName < list[j].ServiceName
		})
	}
	return grouped
}

// SetPrimary makes serviceName the only primary credential in category
func (s *CredentialStore) SetPrimary(ctx context.Context, serviceName, category string) error {
	idx := credentialIndexKey(category, serviceName)
	err := s.redis.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, idx).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, serviceName, category)
		}
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, credentialKey(id)).Err(); err != nil {
			return err
		}
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.UpdatedAt = s.now().UTC()
		rec.IsPrimary = false
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, primaryKey(category), serviceName, 0)
			pipe.HSet(ctx, credentialKey(id), "data", data)
			return nil
		})
		return err
	}, idx)
	return s.wrap("set primary", err)
}

// SetActive flips the active flag; repeating the same value changes nothing
func (s *CredentialStore) SetActive(ctx context.Context, serviceName, category string, active bool) (*models.APIKeyRecord, error) {
	var out *models.APIKeyRecord
	idx := credentialIndexKey(category, serviceName)
	err := s.redis.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, idx).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, serviceName, category)
		}
		if err != nil {
			return err
		}
		if err := tx.Watch(ctx, credentialKey(id)).Err(); err != nil {
			return err
		}
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		out = rec
		if rec.IsActive == active {
			return nil
		}
		rec.IsActive = active
		rec.UpdatedAt = s.now().UTC()
		return s.save(ctx, tx, rec)
	}, idx)
	if err != nil {
		return nil, s.wrap("set active", err)
	}
	if err := s.markPrimary(ctx, []*models.APIKeyRecord{out}); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordValidation stores the result of a validation probe. An empty failure
// clears the error history; otherwise failure is appended to the stored
// history, which is trimmed to its newest keep entries.
func (s *CredentialStore) RecordValidation(ctx context.Context, id string, at time.Time, failure string, keep int) (*models.APIKeyRecord, error) {
	var out *models.APIKeyRecord
	err := s.redis.watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		validated := at.UTC()
		rec.LastValidated = &validated
		if failure == "" {
			rec.ValidationErrors = []string{}
		} else {
			rec.ValidationErrors = append(rec.ValidationErrors, failure)
			if keep > 0 && len(rec.ValidationErrors) > keep {
				rec.ValidationErrors = rec.ValidationErrors[len(rec.ValidationErrors)-keep:]
			}
		}
		rec.UpdatedAt = s.now().UTC()
		out = rec
		return s.save(ctx, tx, rec)
	}, credentialKey(id))
	if err != nil {
		return nil, s.wrap("record validation", err)
	}
	return out, nil
}

// Delete removes a credential. Rate limit windows and function mappings that
// reference it are left in place; listeners decide how to treat them.
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	var removed *models.APIKeyRecord
	key := credentialKey(id)
	err := s.redis.watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		pk := primaryKey(rec.Category)
		if err := tx.Watch(ctx, pk).Err(); err != nil {
			return err
		}
		current, err := tx.Get(ctx, pk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		rec.IsPrimary = current == rec.ServiceName
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, credentialIDsKey, id)
			pipe.SRem(ctx, serviceIndexKey(rec.ServiceName), id)
			pipe.Del(ctx, credentialIndexKey(rec.Category, rec.ServiceName))
			if rec.IsPrimary {
				pipe.Del(ctx, pk)
			}
			return nil
		})
		removed = rec
		return err
	}, key)
	if err != nil {
		return s.wrap("delete credential", err)
	}

	s.emitRemoved(ctx, *removed)
	return nil
}

func (s *CredentialStore) emitRemoved(ctx context.Context, rec models.APIKeyRecord) {
	s.mu.RLock()
	listeners := append([]func(models.APIKeyRecord){}, s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(rec)
	}

	rec.Key = ""
	if payload, err := json.Marshal(rec); err == nil {
		_ = s.redis.Publish(ctx, CredentialRemovedChannel, string(payload))
	}
}

func (s *CredentialStore) save(ctx context.Context, tx *redis.Tx, rec *models.APIKeyRecord) error {
	stored := *rec
	stored.IsPrimary = false
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, credentialKey(rec.ID), "data", data)
		return nil
	})
	return err
}

type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (s *CredentialStore) load(ctx context.Context, c hashGetter, id string) (*models.APIKeyRecord, error) {
	data, err := c.HGet(ctx, credentialKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, persistErr("load credential", err)
	}
	return decodeCredential(data)
}

func (s *CredentialStore) loadMany(ctx context.Context, ids []string) ([]*models.APIKeyRecord, error) {
	if len(ids) == 0 {
		return []*models.APIKeyRecord{}, nil
	}

	// Use pipeline to fetch all records
	pipe := s.redis.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, credentialKey(id), "data")
	}
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, persistErr("load credentials", err)
	}

	recs := make([]*models.APIKeyRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			// deleted between SMEMBERS and HGET
			continue
		}
		if err != nil {
			return nil, persistErr("load credentials", err)
		}
		rec, err := decodeCredential(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if err := s.markPrimary(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// markPrimary derives IsPrimary from the category pointer keys
func (s *CredentialStore) markPrimary(ctx context.Context, recs []*models.APIKeyRecord) error {
	categories := make(map[string]*redis.StringCmd)
	pipe := s.redis.client.Pipeline()
	for _, rec := range recs {
		if _, ok := categories[rec.Category]; !ok {
			categories[rec.Category] = pipe.Get(ctx, primaryKey(rec.Category))
		}
	}
	if len(categories) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return persistErr("load primaries", err)
	}
	for _, rec := range recs {
		primary, _ := categories[rec.Category].Result()
		rec.IsPrimary = primary != "" && primary == rec.ServiceName
	}
	return nil
}

func (s *CredentialStore) wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateService) {
		return err
	}
	return persistErr(op, err)
}

func decodeCredential(data string) (*models.APIKeyRecord, error) {
	var rec models.APIKeyRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, persistErr("decode credential", err)
	}
	if rec.ID == "" || rec.ServiceName == "" || rec.Category == "" {
		return nil, persistErr("decode credential", errMalformedRow)
	}
	if rec.ValidationErrors == nil {
		rec.ValidationErrors = []string{}
	}
	return &rec, nil
}
