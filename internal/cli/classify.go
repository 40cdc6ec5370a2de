package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"linkdigest/internal/linkclass"
	"linkdigest/internal/resolve"
)

type classifiedRow struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	ContentKind string `json:"content_kind"`
	SourceURL   string `json:"source_url"`
	ResolvedURL string `json:"resolved_url,omitempty"`
	Supported   bool   `json:"supported"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Ambiguous   bool   `json:"ambiguous,omitempty"`
}

func newClassifyCmd(a *app) *cobra.Command {
	var (
		file      string
		jsonOut   bool
		doResolve bool
	)
	cmd := &cobra.Command{
		Use:   "classify [links...]",
		Short: "Show how links would be classified without processing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := collectLinks(args, nil, file)
			if err != nil {
				return err
			}
			resolved := links
			if doResolve || a.cfg.Resolve.Enabled {
				resolved, err = a.resolveLinks(cmd.Context(), links)
				if err != nil {
					return err
				}
			}
			rows := classifyRows(links, resolved)
			if jsonOut {
				return a.printer.JSON(rows)
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				flags := ""
				if r.Duplicate {
					flags += "duplicate "
				}
				if r.Ambiguous {
					flags += "ambiguous"
				}
				table = append(table, []string{r.ID, r.Platform, r.ContentKind, strconv.FormatBool(r.Supported), flags})
			}
			return renderTable(a.out, []string{"id", "platform", "kind", "supported", "flags"}, table)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "file with one link per line")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	cmd.Flags().BoolVar(&doResolve, "resolve", false, "follow share short links before classifying")
	return cmd
}

func classifyRows(links, resolved []string) []classifiedRow {
	results := linkclass.ClassifyResolved(links, resolved)
	rows := make([]classifiedRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, classifiedRow{
			ID:          r.Item.ID,
			Platform:    string(r.Item.Platform),
			ContentKind: string(r.Item.ContentKind),
			SourceURL:   r.Item.SourceURL,
			ResolvedURL: r.Item.ResolvedURL,
			Supported:   r.Item.Supported(),
			Duplicate:   r.Duplicate,
			Ambiguous:   r.Ambiguous,
		})
	}
	return rows
}

func (a *app) resolveLinks(ctx context.Context, links []string) ([]string, error) {
	r, err := resolve.New(resolve.Options{
		PerHostInterval: a.cfg.Resolve.PerHostInterval,
		Timeout:         a.cfg.Resolve.Timeout,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, err
	}
	return r.ResolveAll(ctx, links), nil
}
