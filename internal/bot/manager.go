// Package bot maps chat sessions to batch runs: at most one running batch
// per session, with progress streamed to subscribers.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"linkdigest/internal/linkclass"
	"linkdigest/internal/model"
	"linkdigest/internal/scheduler"
)

type TaskStatus string

const (
	StatusIdle    TaskStatus = "idle"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
)

type Handle string

var (
	// ErrBusy is returned by Start while the session already has a running task.
	ErrBusy        = errors.New("session already has a running task")
	ErrUnknownTask = errors.New("unknown task")
	ErrNoLinks     = errors.New("no links to process")
)

const (
	subscriberBuffer = 64
	keepFinished     = 256
)

type Config struct {
	Concurrency int
	StateDir    string
}

// TaskInfo is the externally visible view of a task.
type TaskInfo struct {
	Handle     Handle     `json:"task_id"`
	SessionID  string     `json:"session_id"`
	Status     TaskStatus `json:"status"`
	Links      int        `json:"links"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type task struct {
	handle    Handle
	sessionID string
	links     int
	sched     *scheduler.Scheduler
	started   time.Time

	mu       sync.Mutex
	status   TaskStatus
	finished time.Time
	report   model.BatchReport
	subs     map[chan model.Progress]struct{}
	done     chan struct{}
}

type Manager struct {
	store    scheduler.Store
	proc     scheduler.Processor
	logger   *zap.Logger
	cfg      Config
	claims   *scheduler.Claims
	observer scheduler.Observer

	mu       sync.Mutex
	tasks    map[Handle]*task
	sessions map[string]Handle
	wg       sync.WaitGroup
}

type Option func(*Manager)

func WithObserver(o scheduler.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func NewManager(store scheduler.Store, proc scheduler.Processor, logger *zap.Logger, cfg Config, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	m := &Manager{
		store:    store,
		proc:     proc,
		logger:   logger,
		cfg:      cfg,
		claims:   scheduler.NewClaims(),
		tasks:    make(map[Handle]*task),
		sessions: make(map[string]Handle),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start classifies urls and runs them as one batch for sessionID.
func (m *Manager) Start(ctx context.Context, sessionID string, urls []string) (Handle, error) {
	results := linkclass.ClassifyAll(urls)
	items := make([]model.Item, 0, len(results))
	for _, r := range results {
		items = append(items, r.Item)
	}
	return m.StartItems(ctx, sessionID, items)
}

// StartItems runs items as one batch. The batch outlives ctx's cancellation;
// use Stop to end it.
func (m *Manager) StartItems(ctx context.Context, sessionID string, items []model.Item) (Handle, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if len(items) == 0 {
		return "", ErrNoLinks
	}

	m.mu.Lock()
	if h, ok := m.sessions[sessionID]; ok {
		if t := m.tasks[h]; t != nil && t.currentStatus() == StatusRunning {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s (task %s)", ErrBusy, sessionID, h)
		}
	}

	t := &task{
		handle:    Handle(uuid.NewString()),
		sessionID: sessionID,
		links:     len(items),
		started:   time.Now().UTC(),
		status:    StatusRunning,
		subs:      make(map[chan model.Progress]struct{}),
		done:      make(chan struct{}),
	}
	t.sched = scheduler.New(m.store, m.proc, m.logger, scheduler.Options{
		StateDir:   m.cfg.StateDir,
		SessionID:  sessionID,
		Claims:     m.claims,
		OnProgress: t.publish,
		Observer:   m.observer,
	})
	m.tasks[t.handle] = t
	m.sessions[sessionID] = t.handle
	m.pruneLocked()
	m.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report := t.sched.RunBatch(runCtx, items, m.cfg.Concurrency)
		t.complete(report)
		m.logger.Info("task finished",
			zap.String("task_id", string(t.handle)),
			zap.String("session_id", sessionID),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("incomplete", report.Incomplete),
		)
	}()

	m.logger.Info("task started", zap.String("task_id", string(t.handle)), zap.String("session_id", sessionID), zap.Int("links", len(items)))
	return t.handle, nil
}

func (m *Manager) get(h Handle) (*task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, h)
	}
	return t, nil
}

// Stop asks the task to stop dispatching new items. Items already running
// finish normally.
func (m *Manager) Stop(h Handle) error {
	t, err := m.get(h)
	if err != nil {
		return err
	}
	t.sched.Stop()
	return nil
}

// Status reports idle for handles the manager does not know.
func (m *Manager) Status(h Handle) TaskStatus {
	t, err := m.get(h)
	if err != nil {
		return StatusIdle
	}
	return t.currentStatus()
}

func (m *Manager) SessionStatus(sessionID string) (TaskStatus, Handle) {
	m.mu.Lock()
	h, ok := m.sessions[sessionID]
	t := m.tasks[h]
	m.mu.Unlock()
	if !ok || t == nil {
		return StatusIdle, ""
	}
	return t.currentStatus(), h
}

func (m *Manager) Info(h Handle) (TaskInfo, error) {
	t, err := m.get(h)
	if err != nil {
		return TaskInfo{}, err
	}
	return t.info(), nil
}

// Report returns the final report once done and a partial one before.
func (m *Manager) Report(h Handle) (model.BatchReport, error) {
	t, err := m.get(h)
	if err != nil {
		return model.BatchReport{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusDone {
		return t.report, nil
	}
	return t.sched.Snapshot(), nil
}

// Subscribe streams progress deltas until the task finishes, then closes
// the channel. Slow subscribers miss intermediate deltas, never the close.
func (m *Manager) Subscribe(h Handle) (<-chan model.Progress, func(), error) {
	t, err := m.get(h)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan model.Progress, subscriberBuffer)
	t.mu.Lock()
	if t.status == StatusDone {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// Wait blocks until the task finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, h Handle) (model.BatchReport, error) {
	t, err := m.get(h)
	if err != nil {
		return model.BatchReport{}, err
	}
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.report, nil
	case <-ctx.Done():
		return t.sched.Snapshot(), ctx.Err()
	}
}

// Tasks lists known tasks, newest first.
func (m *Manager) Tasks() []TaskInfo {
	m.mu.Lock()
	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown stops every running task and waits for in-flight items.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, t := range m.tasks {
		t.sched.Stop()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) pruneLocked() {
	var finished []*task
	for _, t := range m.tasks {
		if t.currentStatus() == StatusDone {
			finished = append(finished, t)
		}
	}
	if len(finished) <= keepFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].started.Before(finished[j].started) })
	for _, t := range finished[:len(finished)-keepFinished] {
		delete(m.tasks, t.handle)
		if m.sessions[t.sessionID] == t.handle {
			delete(m.sessions, t.sessionID)
		}
	}
}

func (t *task) currentStatus() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *task) info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{Handle: t.handle, SessionID: t.sessionID, Status: t.status, Links: t.links, StartedAt: t.started}
	if !t.finished.IsZero() {
		f := t.finished
		info.FinishedAt = &f
	}
	return info
}

func (t *task) publish(p model.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (t *task) complete(report model.BatchReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusDone
	t.finished = time.Now().UTC()
	t.report = report
	for ch := range t.subs {
		close(ch)
		delete(t.subs, ch)
	}
	close(t.done)
}
