package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"linkdigest/internal/model"
	"linkdigest/internal/scheduler"
)

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

type watchOptions struct {
	file        string
	schedule    string
	once        bool
	concurrency int
}

func newWatchCmd(a *app) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run a link file on a schedule",
		Long: `Re-read a link file on a cron schedule and run it as a batch. Items that
already succeeded are skipped, so only newly added links do real work.

Examples:
  linkdigest watch --file links.txt                    # every 30 minutes
  linkdigest watch --file links.txt --schedule "0 * * * *"
  linkdigest watch --file links.txt --once             # single pass, for system cron`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", "link file to watch (default from config watch.file)")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "cron spec or @every duration (default from config watch.schedule)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "parallel items (0 = config)")
	return cmd
}

func (a *app) watch(ctx context.Context, opts watchOptions) error {
	file := strings.TrimSpace(opts.file)
	if file == "" {
		file = strings.TrimSpace(a.cfg.Watch.File)
	}
	if file == "" {
		return errors.New("watch needs a link file (--file or watch.file)")
	}
	schedule := strings.TrimSpace(opts.schedule)
	if schedule == "" {
		schedule = a.cfg.Watch.Schedule
	}
	concurrency := a.cfg.Pipeline.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}

	ctx, stop := a.interruptible(ctx)
	defer stop()

	rt, err := newRuntime(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.logger.Warn("closing runtime", zap.Error(err))
		}
	}()

	pass := func() {
		report, err := a.watchPass(ctx, rt, file, concurrency)
		if err != nil {
			a.logger.Error("watch pass failed", zap.String("file", file), zap.Error(err))
			return
		}
		a.printer.Info("%s watch pass %s: %d new, %d already done, %d failed, %d incomplete",
			report.StartedAt.Local().Format("15:04:05"), report.BatchID,
			report.Succeeded, report.SkippedAlreadyDone, report.Failed, report.Incomplete)
	}

	if opts.once {
		pass()
		return nil
	}

	cl := cronLogger{l: a.logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(schedule, pass); err != nil {
		return fmt.Errorf("invalid watch schedule %q: %w", schedule, err)
	}

	a.printer.Info("watching %s on %q (ctrl+c to stop)", file, schedule)
	pass()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// watchPass runs the current contents of file as one batch.
func (a *app) watchPass(ctx context.Context, rt *runtime, file string, concurrency int) (model.BatchReport, error) {
	links, err := readLinkFile(file)
	if err != nil {
		return model.BatchReport{}, err
	}
	if len(links) == 0 {
		return model.BatchReport{Items: []model.ItemSummary{}}, nil
	}
	items := rt.items(ctx, links)
	sched := rt.scheduler(scheduler.Options{SessionID: "watch"})
	return sched.RunBatch(ctx, items, concurrency), nil
}
