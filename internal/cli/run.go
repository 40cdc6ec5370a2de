package cli

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"linkdigest/internal/model"
	"linkdigest/internal/scheduler"
)

type runOptions struct {
	urls           []string
	file           string
	concurrency    int
	jsonOut        bool
	progress       bool
	retryPermanent bool
	session        string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [links...]",
		Short: "Process a batch of links",
		Long: `Classify the given links and run every item through its pipeline.

Stages already finished for an item are never repeated, so rerunning the same
list only retries what failed or never ran.

Examples:
  linkdigest run https://www.bilibili.com/video/BV1xx411c7mD
  linkdigest run --file links.txt --concurrency 4
  linkdigest run --file links.txt --json > report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBatch(cmd.Context(), args, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "link to process (repeatable)")
	cmd.Flags().StringVar(&opts.file, "file", "", "file with one link per line")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "parallel items (0 = config)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the batch report as JSON")
	cmd.Flags().BoolVar(&opts.progress, "progress", false, "show the live dashboard")
	cmd.Flags().BoolVar(&opts.retryPermanent, "retry-permanent", false, "also rerun stages that failed permanently")
	cmd.Flags().StringVar(&opts.session, "session", "", "session id recorded in the batch manifest")
	return cmd
}

func (a *app) runBatch(ctx context.Context, args []string, opts runOptions) error {
	links, err := collectLinks(args, opts.urls, opts.file)
	if err != nil {
		return err
	}
	if opts.retryPermanent {
		a.cfg.Pipeline.RetryPermanent = true
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

	items := rt.items(ctx, links)
	var report model.BatchReport
	if opts.progress && !opts.jsonOut && stdoutIsTTY() {
		report, err = a.runWithDashboard(ctx, rt, items, concurrency, opts.session)
		if err != nil {
			return err
		}
	} else {
		sched := rt.scheduler(scheduler.Options{
			SessionID: opts.session,
			OnProgress: func(p model.Progress) {
				if !opts.jsonOut {
					a.printProgress(p)
				}
			},
		})
		report = sched.RunBatch(ctx, items, concurrency)
	}

	if opts.jsonOut {
		return a.printer.JSON(report)
	}
	return a.printReport(report)
}

func (a *app) runWithDashboard(ctx context.Context, rt *runtime, items []model.Item, concurrency int, session string) (model.BatchReport, error) {
	var prog *tea.Program
	sched := rt.scheduler(scheduler.Options{
		SessionID:  session,
		OnProgress: func(p model.Progress) { prog.Send(progressMsg(p)) },
	})
	prog = tea.NewProgram(newDashboard(len(items), concurrency, sched.Stop), tea.WithOutput(a.out))

	var report model.BatchReport
	done := make(chan struct{})
	go func() {
		defer close(done)
		report = sched.RunBatch(ctx, items, concurrency)
		prog.Send(batchDoneMsg(report))
	}()
	go func() {
		select {
		case <-ctx.Done():
			prog.Send(stopRequestedMsg{})
		case <-done:
		}
	}()

	if _, err := prog.Run(); err != nil {
		sched.Stop()
		<-done
		return report, err
	}
	<-done
	return report, nil
}

func (a *app) printProgress(p model.Progress) {
	s := p.Item
	switch {
	case s.Skipped:
		a.printer.Print("[%d/%d] %s already done", p.Done, p.Report.Total, s.ItemID)
	case s.FinalStatus == model.FinalSucceeded:
		a.printer.Success("[%d/%d] %s", p.Done, p.Report.Total, s.ItemID)
	case s.FinalStatus == model.FinalFailed:
		a.printer.Error("[%d/%d] %s failed at %s: %s", p.Done, p.Report.Total, s.ItemID, s.FailedStage, truncateText(s.ErrorMessage, 120))
	default:
		a.printer.Warning("[%d/%d] %s incomplete at %s: %s", p.Done, p.Report.Total, s.ItemID, s.FailedStage, truncateText(s.ErrorMessage, 120))
	}
}

func (a *app) printReport(r model.BatchReport) error {
	a.printer.Header("batch " + r.BatchID)
	rows := make([][]string, 0, len(r.Items))
	for _, it := range r.Items {
		status := a.printer.Status(it.FinalStatus)
		if it.Skipped {
			status += " (already done)"
		}
		detail := it.Outputs["analyze"]
		if it.FailedStage != "" {
			detail = it.FailedStage + ": " + truncateText(it.ErrorMessage, 80)
		}
		rows = append(rows, []string{it.ItemID, string(it.ContentKind), status, detail})
	}
	if err := renderTable(a.out, []string{"item", "kind", "status", "note / error"}, rows); err != nil {
		return err
	}
	a.printer.Print("")
	a.printer.Print("total %d | succeeded %d | failed %d | incomplete %d | already done %d | unsupported %d | not started %d | %s",
		r.Total, r.Succeeded, r.Failed, r.Incomplete, r.SkippedAlreadyDone, r.Unsupported, r.NotStarted, r.WallTime.Round(time.Second))
	if r.Cancelled {
		a.printer.Warning("batch was stopped early; rerun the same links to continue")
	}
	return nil
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
