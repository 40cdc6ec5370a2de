// Package stage executes one pipeline stage for one item with a bounded
// retry budget, recording every attempt.
package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"linkdigest/internal/model"
)

// Input is what a stage function sees. PrevOutput is the OutputRef of the
// preceding stage; PrevResults holds every earlier stage's result.
type Input struct {
	Item        model.Item
	PrevOutput  string
	PrevResults map[string]model.StageResult
	// Prior is this stage's stored result from an earlier run, if any.
	Prior *model.StageResult
}

type Output struct {
	Ref      string
	Tier     string
	Metadata map[string]string
	// Skip records the stage as skipped instead of succeeded.
	Skip bool
}

type Func func(ctx context.Context, in Input) (Output, error)

type Backoff struct {
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 60 * time.Second, Multiplier: 2.0}
}

// Delay is the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

type Definition struct {
	Name        string
	Fn          Func
	MaxAttempts int
	Backoff     Backoff
	// Timeout bounds a single attempt; zero means no limit.
	Timeout time.Duration
}

const defaultMaxAttempts = 3

// Recorder persists stage results; jobstore.Store satisfies it.
type Recorder interface {
	UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error
}

// Observer receives one call per finished attempt.
type Observer interface {
	ObserveAttempt(stage string, status model.StageStatus, tier string, elapsed time.Duration)
}

type Runner struct {
	store    Recorder
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type RunnerOption func(*Runner)

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

func NewRunner(store Recorder, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		store:  store,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes def until it succeeds, fails permanently or spends its
// attempt budget. The returned error is only ever a store failure; stage
// failures are reported through the result.
func (r *Runner) Run(ctx context.Context, def Definition, in Input) (model.StageResult, error) {
	maxAttempts := def.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	base := 0
	if in.Prior != nil {
		base = in.Prior.AttemptCount
	}
	log := r.logger.With(zap.String("item_id", in.Item.ID), zap.String("stage", def.Name))

	var last model.StageResult
	for i := 1; i <= maxAttempts; i++ {
		attempt := base + i
		running := model.StageResult{
			StageName:    def.Name,
			Status:       model.StatusRunning,
			AttemptCount: attempt,
			Timestamp:    r.now().UTC(),
		}
		if err := r.store.UpsertStageResult(ctx, in.Item.ID, running); err != nil {
			return running, fmt.Errorf("record running %s/%s: %w", in.Item.ID, def.Name, err)
		}

		started := r.now()
		out, err := r.attempt(ctx, def, in)
		elapsed := r.now().Sub(started)

		last = r.outcome(def.Name, attempt, out, err)
		if r.observer != nil {
			r.observer.ObserveAttempt(def.Name, last.Status, last.Tier, elapsed)
		}
		if storeErr := r.store.UpsertStageResult(context.WithoutCancel(ctx), in.Item.ID, last); storeErr != nil {
			return last, fmt.Errorf("record outcome %s/%s: %w", in.Item.ID, def.Name, storeErr)
		}

		fields := []zap.Field{zap.Int("attempt", attempt), zap.String("status", string(last.Status)), zap.Duration("elapsed", elapsed)}
		if last.Tier != "" {
			fields = append(fields, zap.String("tier", last.Tier))
		}
		if last.Status != model.StatusFailedTransient {
			if last.Status == model.StatusFailedPermanent {
				log.Warn("stage failed permanently", append(fields, zap.Error(err))...)
			} else {
				log.Debug("stage finished", fields...)
			}
			return last, nil
		}

		if Halted(ctx) || i == maxAttempts {
			log.Warn("stage failed, retry budget left for a later run", append(fields, zap.Error(err))...)
			return last, nil
		}
		delay := def.Backoff.Delay(i)
		var qe *QuotaError
		if errors.As(err, &qe) && !qe.RetryAt.IsZero() {
			if wait := qe.RetryAt.Sub(r.now()); wait > delay {
				delay = wait
				if def.Backoff.Max > 0 && delay > def.Backoff.Max {
					delay = def.Backoff.Max
				}
			}
		}
		log.Info("stage failed, retrying", append(fields, zap.Duration("backoff", delay), zap.Error(err))...)
		if err := r.sleep(haltContext(ctx), delay); err != nil {
			return last, nil
		}
	}
	return last, nil
}

func (r *Runner) attempt(ctx context.Context, def Definition, in Input) (out Output, err error) {
	if def.Fn == nil {
		return Output{}, Permanent(fmt.Errorf("stage %s has no implementation", def.Name))
	}
	attemptCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = Transient(fmt.Errorf("stage %s panicked: %v", def.Name, p))
		}
	}()
	out, err = def.Fn(attemptCtx, in)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = Transient(fmt.Errorf("stage %s exceeded timeout %s: %w", def.Name, def.Timeout, err))
	}
	return out, err
}

func (r *Runner) outcome(name string, attempt int, out Output, err error) model.StageResult {
	res := model.StageResult{
		StageName:    name,
		AttemptCount: attempt,
		Timestamp:    r.now().UTC(),
		Tier:         out.Tier,
		Metadata:     out.Metadata,
	}
	if err == nil {
		res.OutputRef = out.Ref
		res.Status = model.StatusSucceeded
		if out.Skip {
			res.Status = model.StatusSkipped
		}
		return res
	}
	kind := Classify(err)
	res.Status = statusFor(kind)
	res.Error = &model.StageError{Kind: kind, Message: truncate(err.Error(), 2000)}
	return res
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
