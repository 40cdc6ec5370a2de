// Package jobstore persists one JobRecord per item so batches can resume
// after a crash. Writes for one item are serialized; different items never
// contend.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"linkdigest/internal/model"
	"linkdigest/internal/runstore"
)

var (
	ErrNotFound = errors.New("job record not found")
	// ErrLocked means another process holds the item's write lock.
	ErrLocked = runstore.ErrLocked
	// ErrConflict means an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("job record update conflict")
)

type Store interface {
	// Get returns nil, nil when the item has no record yet.
	Get(ctx context.Context, itemID string) (*model.JobRecord, error)
	// Ensure creates the record on first sight and never overwrites one.
	Ensure(ctx context.Context, item model.Item, stages []string) (*model.JobRecord, error)
	UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error
	IsStageDone(ctx context.Context, itemID, stage string) (bool, error)
	// List returns the records that exist for ids, in ids order.
	List(ctx context.Context, ids []string) ([]*model.JobRecord, error)
	ListAll(ctx context.Context) ([]*model.JobRecord, error)
	AttachBatch(ctx context.Context, itemID, batchID string) error
	Close() error
}

type Options struct {
	Backend     string
	Dir         string
	RedisURL    string
	RedisPrefix string
	PostgresDSN string
	LockWait    time.Duration
}

// Open builds the configured backend and checks it is reachable.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "fs", "file":
		store, err := NewFSStore(opts.Dir)
		if err != nil {
			return nil, err
		}
		if opts.LockWait > 0 {
			store.lockWait = opts.LockWait
		}
		return store, nil
	case "redis":
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStore(client, opts.RedisPrefix), nil
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported state backend %q (use fs, redis or postgres)", opts.Backend)
	}
}

// recordUpdate mutates the current record (nil when absent) and returns the
// record to persist, or nil to leave storage untouched.
type recordUpdate func(cur *model.JobRecord) (*model.JobRecord, error)

func ensureUpdate(item model.Item, stages []string, now time.Time, out **model.JobRecord) recordUpdate {
	return func(cur *model.JobRecord) (*model.JobRecord, error) {
		if cur != nil {
			*out = cur
			if len(cur.Stages) == 0 && len(stages) > 0 {
				cur.Stages = append([]string(nil), stages...)
				return cur, nil
			}
			return nil, nil
		}
		rec := model.NewJobRecord(item, stages, now)
		*out = rec
		return rec, nil
	}
}

func stageResultUpdate(itemID string, result model.StageResult) recordUpdate {
	return func(cur *model.JobRecord) (*model.JobRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
		}
		if err := model.ApplyStageResult(cur, result); err != nil {
			return nil, err
		}
		return cur, nil
	}
}

func batchUpdate(itemID, batchID string) recordUpdate {
	return func(cur *model.JobRecord) (*model.JobRecord, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
		}
		before := len(cur.BatchIDs)
		cur.AddBatch(batchID)
		if len(cur.BatchIDs) == before {
			return nil, nil
		}
		return cur, nil
	}
}

func isStageDone(rec *model.JobRecord, stage string) bool {
	return rec != nil && rec.IsStageDone(stage)
}
