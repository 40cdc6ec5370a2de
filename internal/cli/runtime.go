package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"linkdigest/internal/analyze"
	"linkdigest/internal/config"
	"linkdigest/internal/cookies"
	"linkdigest/internal/jobstore"
	"linkdigest/internal/linkclass"
	"linkdigest/internal/metrics"
	"linkdigest/internal/model"
	"linkdigest/internal/pipeline"
	"linkdigest/internal/quota"
	"linkdigest/internal/resolve"
	"linkdigest/internal/scheduler"
	"linkdigest/internal/stage"
	"linkdigest/internal/transcribe"
	"linkdigest/internal/workflow"
	"linkdigest/internal/ytdlp"
)

const quotaFile = "quota.json"

// runtime is everything a batch needs, built once per command.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    jobstore.Store
	ledger   *quota.Ledger
	metrics  *metrics.Metrics
	pipeline *pipeline.Pipeline
	resolver *resolve.Resolver
}

func quotaPath(cfg *config.Config) string {
	return filepath.Join(cfg.State.Dir, quotaFile)
}

// newLedger builds the tier ledger and restores persisted counters.
func newLedger(cfg *config.Config, opts ...quota.Option) (*quota.Ledger, error) {
	ledger := quota.NewLedger(cfg.Quota.Tiers, opts...)
	if cfg.Quota.Persist {
		if err := ledger.Load(quotaPath(cfg)); err != nil {
			return nil, fmt.Errorf("load quota ledger: %w", err)
		}
	}
	return ledger, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	store, err := jobstore.Open(ctx, cfg.JobStoreOptions())
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	ledgerOpts := []quota.Option{quota.WithObserver(m.QuotaObserver)}
	if cfg.Quota.Persist {
		ledgerOpts = append(ledgerOpts, quota.WithPersist(quotaPath(cfg), func(err error) {
			logger.Warn("save quota ledger", zap.Error(err))
		}))
	}
	ledger, err := newLedger(cfg, ledgerOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	jar, err := cookies.Load(cfg.Download.CookiesFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	wf, err := workflow.New(workflow.Deps{
		Config:      cfg,
		Downloader:  ytdlp.New(cfg.Download.Binary, logger),
		Transcriber: transcribe.NewWhisper(cfg.Transcribe.Binary, cfg.Transcribe.Language, logger),
		AI:          analyze.NewGemini(cfg.AI.Endpoint, cfg.AI.APIKey, cfg.AI.Timeout, logger),
		Selector:    quota.NewSelector(ledger, cfg.Quota.Fallback),
		Cookies:     jar,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	runner := stage.NewRunner(store, logger, stage.WithObserver(m))
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ledger:   ledger,
		metrics:  m,
		pipeline: pipeline.New(store, runner, wf.Planner(), logger, pipeline.Options{RetryPermanent: cfg.Pipeline.RetryPermanent}),
	}
	if cfg.Resolve.Enabled {
		rt.resolver, err = resolve.New(resolve.Options{
			PerHostInterval: cfg.Resolve.PerHostInterval,
			Timeout:         cfg.Resolve.Timeout,
			Logger:          logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) scheduler(opts scheduler.Options) *scheduler.Scheduler {
	if opts.StateDir == "" {
		opts.StateDir = rt.cfg.State.Dir
	}
	if opts.Observer == nil {
		opts.Observer = rt.metrics
	}
	return scheduler.New(rt.store, rt.pipeline, rt.logger, opts)
}

// items resolves short links when enabled and classifies every link.
func (rt *runtime) items(ctx context.Context, links []string) []model.Item {
	resolved := links
	if rt.resolver != nil {
		resolved = rt.resolver.ResolveAll(ctx, links)
	}
	results := linkclass.ClassifyResolved(links, resolved)
	out := make([]model.Item, 0, len(results))
	for _, r := range results {
		out = append(out, r.Item)
	}
	return out
}

// Close saves the quota ledger one last time and releases the store.
func (rt *runtime) Close() error {
	var errs []error
	if rt.cfg.Quota.Persist {
		if err := rt.ledger.Save(quotaPath(rt.cfg)); err != nil {
			errs = append(errs, fmt.Errorf("save quota ledger: %w", err))
		}
	}
	if err := rt.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// interruptible cancels the returned context on SIGINT or SIGTERM. The
// first signal only stops new work; default handling is then restored so a
// second signal kills the process.
func (a *app) interruptible(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	unwatch := context.AfterFunc(ctx, func() {
		stop()
		a.printer.Warning("finishing running stages; press ctrl+c again to abort")
	})
	return ctx, func() {
		unwatch()
		stop()
	}
}

// readLinkFile returns one link per non-empty line; '#' starts a comment.
// Lines holding chat text are scanned for embedded links.
func readLinkFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open link file %s: %w", path, err)
	}
	defer f.Close()

	var links []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links = append(links, linkclass.ExtractLinks(line)...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read link file %s: %w", path, err)
	}
	return links, nil
}

// collectLinks merges positional args, --url values and --file contents.
func collectLinks(args, urls []string, file string) ([]string, error) {
	var links []string
	for _, raw := range append(append([]string(nil), args...), urls...) {
		links = append(links, linkclass.ExtractLinks(raw)...)
	}
	if strings.TrimSpace(file) != "" {
		fromFile, err := readLinkFile(file)
		if err != nil {
			return nil, err
		}
		links = append(links, fromFile...)
	}
	if len(links) == 0 {
		return nil, errors.New("no links given (use --url, --file or positional arguments)")
	}
	return links, nil
}
