// Package pipeline drives one item through its ordered stages, resuming
// from whatever the store already records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"linkdigest/internal/model"
	"linkdigest/internal/stage"
)

// ClassifyStage is the pseudo-stage recorded for links no rule recognised.
const ClassifyStage = "classify"

type Store interface {
	Get(ctx context.Context, itemID string) (*model.JobRecord, error)
	Ensure(ctx context.Context, item model.Item, stages []string) (*model.JobRecord, error)
	UpsertStageResult(ctx context.Context, itemID string, result model.StageResult) error
}

type StageRunner interface {
	Run(ctx context.Context, def stage.Definition, in stage.Input) (model.StageResult, error)
}

// Planner returns the ordered stages for an item. An empty plan means the
// item cannot be processed.
type Planner func(item model.Item) []stage.Definition

// Fixed plans the same stages for every item.
func Fixed(defs ...stage.Definition) Planner {
	return func(model.Item) []stage.Definition { return defs }
}

// ByKind plans stages by content kind.
func ByKind(plans map[model.ContentKind][]stage.Definition) Planner {
	return func(item model.Item) []stage.Definition { return plans[item.ContentKind] }
}

type Options struct {
	// RetryPermanent reruns stages whose stored result is failed_permanent.
	RetryPermanent bool
}

type Pipeline struct {
	store  Store
	runner StageRunner
	plan   Planner
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func New(store Store, runner StageRunner, plan Planner, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: store, runner: runner, plan: plan, logger: logger, opts: opts, now: time.Now}
}

func stageNames(defs []stage.Definition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

// Process runs the item's stages in order, reusing every stage already
// done. It stops at the first stage that does not finish. The returned
// error is reserved for store failures; stage failures live in the record.
func (p *Pipeline) Process(ctx context.Context, item model.Item) (*model.JobRecord, error) {
	var defs []stage.Definition
	if item.Supported() && p.plan != nil {
		defs = p.plan(item)
	}
	if len(defs) == 0 {
		return p.reject(ctx, item)
	}

	rec, err := p.store.Ensure(ctx, item, stageNames(defs))
	if err != nil {
		return nil, fmt.Errorf("ensure job record %s: %w", item.ID, err)
	}
	log := p.logger.With(zap.String("item_id", item.ID))

	prevOut := ""
	results := make(map[string]model.StageResult, len(defs))
	for _, def := range defs {
		stored, seen := rec.Result(def.Name)
		if seen && stored.Status.Done() {
			results[def.Name] = stored
			if stored.OutputRef != "" {
				prevOut = stored.OutputRef
			}
			continue
		}
		if seen && stored.Status == model.StatusFailedPermanent && !p.opts.RetryPermanent {
			log.Debug("stage failed permanently earlier, not retrying", zap.String("stage", def.Name))
			break
		}
		if stage.Halted(ctx) {
			break
		}

		in := stage.Input{Item: item, PrevOutput: prevOut, PrevResults: maps.Clone(results)}
		if seen {
			prior := stored
			in.Prior = &prior
		}
		res, err := p.runner.Run(ctx, def, in)
		if err != nil {
			return nil, err
		}
		results[def.Name] = res
		if !res.Status.Done() {
			break
		}
		if res.OutputRef != "" {
			prevOut = res.OutputRef
		}
	}

	out, err := p.store.Get(context.WithoutCancel(ctx), item.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job record %s: %w", item.ID, err)
	}
	if out == nil {
		return nil, fmt.Errorf("job record %s vanished after processing", item.ID)
	}
	return out, nil
}

func (p *Pipeline) reject(ctx context.Context, item model.Item) (*model.JobRecord, error) {
	rec, err := p.store.Ensure(ctx, item, []string{ClassifyStage})
	if err != nil {
		return nil, fmt.Errorf("ensure job record %s: %w", item.ID, err)
	}
	if res, ok := rec.Result(ClassifyStage); ok && res.Status == model.StatusFailedPermanent {
		return rec, nil
	}
	msg := fmt.Sprintf("no rule recognises %q", item.SourceURL)
	if item.Supported() {
		msg = fmt.Sprintf("no stages configured for %s %s", item.Platform, item.ContentKind)
	}
	res := model.StageResult{
		StageName: ClassifyStage,
		Status:    model.StatusFailedPermanent,
		Error:     &model.StageError{Kind: model.ErrClassificationAmbiguous, Message: msg},
		Timestamp: p.now().UTC(),
	}
	if err := p.store.UpsertStageResult(ctx, item.ID, res); err != nil {
		return nil, fmt.Errorf("record unsupported link %s: %w", item.ID, err)
	}
	out, err := p.store.Get(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("job record missing after reject")
	}
	return out, nil
}
