package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"linkdigest/internal/model"
)

const (
	defaultRedisPrefix = "linkdigest"
	redisMaxTxRetries  = 20
)

// RedisStore keeps each record in the hash <prefix>:job:<id>. Updates run as
// WATCH/MULTI transactions and retry when another writer got there first.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(itemID string) string {
	return s.prefix + ":job:" + itemID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":jobs"
}

func decodeRecord(raw string) (*model.JobRecord, error) {
	var rec model.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, itemID string) (*model.JobRecord, error) {
	raw, err := c.HGet(ctx, s.key(itemID), "record").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", itemID, err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) update(ctx context.Context, itemID string, fn recordUpdate) error {
	key := s.key(itemID)
	txf := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, itemID)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode job record %s: %w", itemID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "record", data, "updated_at", next.UpdatedAt.Unix())
			pipe.SAdd(ctx, s.indexKey(), itemID)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, itemID)
}

func (s *RedisStore) Get(ctx context.Context, itemID string) (*model.JobRecord, error) {
	return s.load(ctx, s.client, itemID)
}

func (s *RedisStore) Ensure(ctx context.Context, item model.Item, stages []string) (*model.JobRecord, error) {
	var rec *model.JobRecord
	if err := s.update(ctx, item.ID, ensureUpdate(item, stages, s.now(), &rec)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *RedisStore) UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error {
	return s.update(ctx, itemID, stageResultUpdate(itemID, result))
}

func (s *RedisStore) IsStageDone(ctx context.Context, itemID, stage string) (bool, error) {
	rec, err := s.load(ctx, s.client, itemID)
	if err != nil {
		return false, err
	}
	return isStageDone(rec, stage), nil
}

func (s *RedisStore) List(ctx context.Context, ids []string) ([]*model.JobRecord, error) {
	if len(ids) == 0 {
		return []*model.JobRecord{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.key(id), "record")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list job records: %w", err)
	}

	out := make([]*model.JobRecord, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get job record %s: %w", ids[i], err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ListAll(ctx context.Context) ([]*model.JobRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	sort.Strings(ids)
	return s.List(ctx, ids)
}

func (s *RedisStore) AttachBatch(ctx context.Context, itemID, batchID string) error {
	return s.update(ctx, itemID, batchUpdate(itemID, batchID))
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
