package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"linkdigest/internal/jobstore"
	"linkdigest/internal/model"
	"linkdigest/internal/runstore"
)

type statusOptions struct {
	batchID string
	latest  bool
	item    string
	jsonOut bool
}

func newStatusCmd(a *app) *cobra.Command {
	var opts statusOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored item records or a batch report",
		Long: `Without flags, list every item record in the state store.

Examples:
  linkdigest status                       # all items
  linkdigest status --latest              # report of the most recent batch
  linkdigest status --item bili:BV1xx411c7mD --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showStatus(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.batchID, "batch", "", "show the report of this batch id")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "show the report of the most recent batch")
	cmd.Flags().StringVar(&opts.item, "item", "", "show one item record with every stage")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print JSON output")
	return cmd
}

func (a *app) showStatus(ctx context.Context, opts statusOptions) error {
	if opts.latest || opts.batchID != "" {
		return a.showBatch(opts)
	}

	store, err := jobstore.Open(ctx, a.cfg.JobStoreOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.item != "" {
		rec, err := store.Get(ctx, opts.item)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no record for item %s", opts.item)
		}
		if opts.jsonOut {
			return a.printer.JSON(rec)
		}
		return a.printRecord(rec)
	}

	records, err := store.ListAll(ctx)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.After(records[j].UpdatedAt) })
	if opts.jsonOut {
		return a.printer.JSON(records)
	}
	if len(records) == 0 {
		a.printer.Info("no items recorded yet in %s", a.cfg.State.Dir)
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		next := "-"
		if res, ok := rec.FirstUnresolved(); ok {
			next = res.StageName
		}
		rows = append(rows, []string{
			rec.Item.ID,
			string(rec.Item.ContentKind),
			a.printer.Status(rec.FinalStatus()),
			next,
			rec.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(a.out, []string{"item", "kind", "status", "next stage", "updated"}, rows)
}

func (a *app) showBatch(opts statusOptions) error {
	var (
		m   runstore.BatchManifest
		err error
	)
	if opts.batchID != "" {
		m, err = runstore.LoadBatch(a.cfg.State.Dir, opts.batchID)
	} else {
		m, err = runstore.LatestBatch(a.cfg.State.Dir)
	}
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return a.printer.JSON(m)
	}
	if m.Report == nil {
		a.printer.Info("batch %s has %d items and no report yet", m.BatchID, len(m.ItemIDs))
		return nil
	}
	if !m.Finished {
		a.printer.Warning("batch %s did not finish; the report is partial", m.BatchID)
	}
	return a.printReport(*m.Report)
}

func (a *app) printRecord(rec *model.JobRecord) error {
	a.printer.Header(rec.Item.ID + "  " + a.printer.Status(rec.FinalStatus()))
	a.printer.Print("source: %s", rec.Item.SourceURL)
	rows := make([][]string, 0, len(rec.Stages))
	for _, name := range rec.Stages {
		res, ok := rec.Result(name)
		if !ok {
			rows = append(rows, []string{name, string(model.StatusPending), "", "", ""})
			continue
		}
		detail := res.OutputRef
		if res.Error != nil {
			detail = string(res.Error.Kind) + ": " + truncateText(res.Error.Message, 80)
		}
		rows = append(rows, []string{
			name,
			string(res.Status),
			fmt.Sprint(res.AttemptCount),
			strings.TrimSpace(res.Tier),
			detail,
		})
	}
	return renderTable(a.out, []string{"stage", "status", "attempts", "tier", "output / error"}, rows)
}
