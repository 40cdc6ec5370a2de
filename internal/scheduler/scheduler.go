// Package scheduler fans a batch of items out over a bounded worker pool and
// aggregates the outcome into a BatchReport.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"linkdigest/internal/model"
	"linkdigest/internal/runstore"
	"linkdigest/internal/stage"
)

const interruptedReason = "interrupted_previous_run"

// leaseDir holds per-item run leases under the state dir.
const leaseDir = "leases"

type Processor interface {
	Process(ctx context.Context, item model.Item) (*model.JobRecord, error)
}

type Store interface {
	Get(ctx context.Context, itemID string) (*model.JobRecord, error)
	List(ctx context.Context, ids []string) ([]*model.JobRecord, error)
	UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error
	AttachBatch(ctx context.Context, itemID, batchID string) error
}

// Observer is notified as items enter and leave the worker pool.
type Observer interface {
	ItemStarted(itemID string)
	ItemFinished(summary model.ItemSummary)
}

type Options struct {
	// StateDir receives batch manifests and the per-item run leases that keep
	// two processes from running one item. Empty disables both.
	StateDir   string
	SessionID  string
	Claims     *Claims
	OnProgress func(model.Progress)
	Observer   Observer
	Now        func() time.Time
}

// Scheduler runs one batch at a time. Stop is sticky: once called, this
// scheduler dispatches nothing new.
type Scheduler struct {
	store  Store
	proc   Processor
	logger *zap.Logger
	opts   Options

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	batch *batchState
}

func New(store Store, proc Processor, logger *zap.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Claims == nil {
		opts.Claims = NewClaims()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:  store,
		proc:   proc,
		logger: logger,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Stop makes the dispatch loop stop pulling items. In-flight items finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Snapshot returns the report of the current or last batch as it stands.
func (s *Scheduler) Snapshot() model.BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return model.BatchReport{Items: []model.ItemSummary{}}
	}
	return s.batch.report(s.opts.Now())
}

// RunBatch processes items with at most concurrency workers and always
// returns a report. Item failures are recorded, never returned.
func (s *Scheduler) RunBatch(ctx context.Context, items []model.Item, concurrency int) model.BatchReport {
	if concurrency < 1 {
		concurrency = 1
	}
	started := s.opts.Now()
	st := newBatchState(runstore.NewBatchID(started, uuid.NewString()), started, items)

	s.mu.Lock()
	s.batch = st
	s.mu.Unlock()

	log := s.logger.With(zap.String("batch_id", st.id))
	if s.opts.SessionID != "" {
		log = log.With(zap.String("session_id", s.opts.SessionID))
	}
	log.Info("batch started", zap.Int("items", len(items)), zap.Int("unique", len(st.unique)), zap.Int("concurrency", concurrency))
	s.saveManifest(log, false)

	pending := s.precheck(ctx, log, st)

	jobCh := make(chan int)
	var g errgroup.Group
	workers := min(concurrency, len(pending))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for idx := range jobCh {
				s.runItem(ctx, log, st, idx)
			}
			return nil
		})
	}

dispatch:
	for _, idx := range pending {
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
		select {
		case jobCh <- idx:
		case <-s.stopCh:
			break dispatch
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobCh)
	_ = g.Wait()

	s.mu.Lock()
	st.cancelled = s.stopped.Load() || ctx.Err() != nil
	st.finished = true
	report := st.report(s.opts.Now())
	s.mu.Unlock()

	s.saveManifest(log, true)
	log.Info("batch finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("incomplete", report.Incomplete),
		zap.Int("skipped_already_done", report.SkippedAlreadyDone),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("wall_time", report.WallTime),
	)
	return report
}

// precheck counts items whose stored record already succeeded and returns
// the unique indexes that still need the pipeline.
func (s *Scheduler) precheck(ctx context.Context, log *zap.Logger, st *batchState) []int {
	ids := make([]string, len(st.unique))
	for i, it := range st.unique {
		ids[i] = it.ID
	}
	byID := map[string]*model.JobRecord{}
	recs, err := s.store.List(ctx, ids)
	if err != nil {
		log.Warn("bulk record lookup failed, checking per item", zap.Error(err))
	}
	for _, rec := range recs {
		byID[rec.Item.ID] = rec
	}

	pending := make([]int, 0, len(st.unique))
	for i, it := range st.unique {
		if rec := byID[it.ID]; rec != nil && rec.FinalStatus() == model.FinalSucceeded {
			summary := model.SummarizeRecord(it, rec)
			summary.Skipped = true
			s.finish(st, i, summary)
			continue
		}
		pending = append(pending, i)
	}
	return pending
}

func (s *Scheduler) runItem(ctx context.Context, log *zap.Logger, st *batchState, idx int) {
	item := st.unique[idx]
	log = log.With(zap.String("item_id", item.ID))

	s.mu.Lock()
	st.dispatched[idx] = true
	s.mu.Unlock()
	if s.opts.Observer != nil {
		s.opts.Observer.ItemStarted(item.ID)
	}
	summary := model.ItemSummary{ItemID: item.ID, SourceURL: item.SourceURL, Platform: item.Platform, ContentKind: item.ContentKind, FinalStatus: model.FinalIncomplete}
	defer func() {
		if p := recover(); p != nil {
			log.Error("item processing panicked", zap.Any("panic", p))
			summary.FinalStatus = model.FinalIncomplete
			summary.ErrorKind = model.ErrTransientStage
			summary.ErrorMessage = fmt.Sprintf("panic: %v", p)
		}
		s.finish(st, idx, summary)
	}()

	release, err := s.opts.Claims.Acquire(ctx, item.ID)
	if err != nil {
		summary.ErrorKind = model.ErrTransientStage
		summary.ErrorMessage = "waiting for another batch running this item: " + err.Error()
		return
	}
	defer release()

	if s.opts.StateDir != "" {
		lease, err := runstore.AcquireLockWait(ctx, filepath.Join(s.opts.StateDir, leaseDir), item.ID)
		if err != nil {
			summary.ErrorKind = model.ErrTransientStage
			summary.ErrorMessage = "waiting for another process running this item: " + err.Error()
			return
		}
		defer func() {
			if err := lease.Release(); err != nil {
				log.Warn("release run lease failed", zap.Error(err))
			}
		}()
	}

	rec, err := s.store.Get(ctx, item.ID)
	if err != nil {
		log.Warn("load job record failed", zap.Error(err))
	}
	if rec != nil && rec.FinalStatus() == model.FinalSucceeded {
		summary = model.SummarizeRecord(item, rec)
		summary.Skipped = true
		return
	}
	s.resetStale(ctx, log, rec)

	// Cancelling ctx stops dispatch; the stage already running finishes.
	rec, err = s.proc.Process(stage.Drain(ctx), item)
	if err != nil {
		log.Warn("item processing failed", zap.Error(err))
		latest, _ := s.store.Get(context.WithoutCancel(ctx), item.ID)
		summary = model.SummarizeRecord(item, latest)
		if summary.FinalStatus != model.FinalFailed {
			summary.FinalStatus = model.FinalIncomplete
		}
		summary.ErrorKind = model.ErrTransientStage
		summary.ErrorMessage = err.Error()
		return
	}
	if err := s.store.AttachBatch(context.WithoutCancel(ctx), item.ID, st.id); err != nil {
		log.Debug("attach batch failed", zap.Error(err))
	}
	summary = model.SummarizeRecord(item, rec)
}

// resetStale marks stage results left running by a killed process as
// failed_transient so the report explains why the item is incomplete. It
// trusts that nobody else is running the item: the caller holds the claim
// and, with a state dir, the run lease.
func (s *Scheduler) resetStale(ctx context.Context, log *zap.Logger, rec *model.JobRecord) {
	if rec == nil {
		return
	}
	for _, res := range rec.StageResults {
		if res.Status != model.StatusRunning {
			continue
		}
		reset := res
		reset.Status = model.StatusFailedTransient
		reset.Timestamp = s.opts.Now().UTC()
		reset.Error = &model.StageError{Kind: model.ErrTransientStage, Message: interruptedReason}
		if err := s.store.UpsertStageResult(ctx, rec.Item.ID, reset); err != nil {
			log.Warn("reset stale running stage failed", zap.String("stage", res.StageName), zap.Error(err))
			continue
		}
		log.Info("reset stale running stage", zap.String("stage", res.StageName))
	}
}

func (s *Scheduler) finish(st *batchState, idx int, summary model.ItemSummary) {
	s.mu.Lock()
	st.summaries[idx] = summary
	if !st.done[idx] {
		st.done[idx] = true
		st.doneCount++
	}
	progress := model.Progress{
		BatchID: st.id,
		Item:    summary,
		Done:    st.doneCount,
		Report:  st.report(s.opts.Now()),
	}
	dispatched := st.dispatched[idx]
	s.mu.Unlock()

	if s.opts.Observer != nil && dispatched {
		s.opts.Observer.ItemFinished(summary)
	}
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(progress)
	}
}

func (s *Scheduler) saveManifest(log *zap.Logger, final bool) {
	if s.opts.StateDir == "" {
		return
	}
	s.mu.Lock()
	st := s.batch
	ids := make([]string, len(st.unique))
	for i, it := range st.unique {
		ids[i] = it.ID
	}
	m := runstore.BatchManifest{
		BatchID:   st.id,
		CreatedAt: st.started.UTC().Format(time.RFC3339),
		SessionID: s.opts.SessionID,
		ItemIDs:   ids,
		Finished:  final,
	}
	if final {
		report := st.report(s.opts.Now())
		m.Report = &report
	}
	s.mu.Unlock()

	if err := runstore.SaveBatch(s.opts.StateDir, m); err != nil {
		log.Warn("save batch manifest failed", zap.Error(err))
	}
}
