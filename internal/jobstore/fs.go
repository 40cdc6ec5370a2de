package jobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"linkdigest/internal/model"
	"linkdigest/internal/runstore"
)

const defaultLockWait = 10 * time.Second

// FSStore keeps one JSON file per item under <state_dir>/items. Writers of
// one item are serialized by an in-process mutex and a cross-process lock
// directory under <state_dir>/locks.
type FSStore struct {
	itemsDir string
	locksDir string
	lockWait time.Duration
	now      func() time.Time

	mu    sync.Mutex
	items map[string]*sync.Mutex
}

func NewFSStore(stateDir string) (*FSStore, error) {
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	s := &FSStore{
		itemsDir: filepath.Join(stateDir, "items"),
		locksDir: filepath.Join(stateDir, "locks"),
		lockWait: defaultLockWait,
		now:      time.Now,
		items:    make(map[string]*sync.Mutex),
	}
	if err := runstore.Mkdir(s.itemsDir); err != nil {
		return nil, err
	}
	if err := runstore.Mkdir(s.locksDir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FSStore) path(itemID string) string {
	return filepath.Join(s.itemsDir, runstore.SafeName(itemID)+".json")
}

func (s *FSStore) itemMutex(itemID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[itemID]
	if !ok {
		m = &sync.Mutex{}
		s.items[itemID] = m
	}
	return m
}

func (s *FSStore) read(itemID string) (*model.JobRecord, error) {
	var rec model.JobRecord
	if err := runstore.ReadJSON(s.path(itemID), &rec); err != nil {
		if runstore.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *FSStore) update(ctx context.Context, itemID string, fn recordUpdate) error {
	m := s.itemMutex(itemID)
	m.Lock()
	defer m.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	lock, err := runstore.AcquireLockWait(waitCtx, s.locksDir, itemID)
	if err != nil {
		return fmt.Errorf("lock item %s: %w", itemID, err)
	}
	defer func() { _ = lock.Release() }()

	cur, err := s.read(itemID)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		return err
	}
	return runstore.WriteJSON(s.path(itemID), next)
}

func (s *FSStore) Get(_ context.Context, itemID string) (*model.JobRecord, error) {
	return s.read(itemID)
}

func (s *FSStore) Ensure(ctx context.Context, item model.Item, stages []string) (*model.JobRecord, error) {
	var rec *model.JobRecord
	if err := s.update(ctx, item.ID, ensureUpdate(item, stages, s.now(), &rec)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *FSStore) UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error {
	return s.update(ctx, itemID, stageResultUpdate(itemID, result))
}

func (s *FSStore) IsStageDone(_ context.Context, itemID, stage string) (bool, error) {
	rec, err := s.read(itemID)
	if err != nil {
		return false, err
	}
	return isStageDone(rec, stage), nil
}

func (s *FSStore) List(_ context.Context, ids []string) ([]*model.JobRecord, error) {
	out := make([]*model.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.read(id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FSStore) ListAll(_ context.Context) ([]*model.JobRecord, error) {
	entries, err := os.ReadDir(s.itemsDir)
	if err != nil {
		return nil, fmt.Errorf("read items directory %s: %w", s.itemsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*model.JobRecord, 0, len(names))
	for _, name := range names {
		var rec model.JobRecord
		if err := runstore.ReadJSON(filepath.Join(s.itemsDir, name), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *FSStore) AttachBatch(ctx context.Context, itemID, batchID string) error {
	return s.update(ctx, itemID, batchUpdate(itemID, batchID))
}

func (s *FSStore) Close() error { return nil }
