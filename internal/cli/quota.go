package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type tierRow struct {
	Tier           string    `json:"tier"`
	Model          string    `json:"model"`
	MinuteUsed     int       `json:"minute_used"`
	PerMinute      int       `json:"per_minute"`
	DayUsed        int       `json:"day_used"`
	PerDay         int       `json:"per_day"`
	Available      bool      `json:"available"`
	NextWindow     time.Time `json:"next_window"`
	ExhaustedUntil time.Time `json:"exhausted_until,omitempty"`
}

func newQuotaCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Show AI tier budgets",
		Long: `Show per-tier usage against the configured limits. Counters survive
restarts only when quota.persist is enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := newLedger(a.cfg)
			if err != nil {
				return err
			}
			now := time.Now()
			var rows []tierRow
			for _, st := range ledger.Snapshot() {
				next, err := ledger.NextWindow(st.Tier)
				if err != nil {
					return err
				}
				rows = append(rows, tierRow{
					Tier:           st.Tier,
					Model:          ledger.Model(st.Tier),
					MinuteUsed:     st.MinuteCount,
					PerMinute:      st.Limits.PerMinute,
					DayUsed:        st.DayCount,
					PerDay:         st.Limits.PerDay,
					Available:      !next.After(now),
					NextWindow:     next,
					ExhaustedUntil: st.ExhaustedUntil,
				})
			}
			if jsonOut {
				return a.printer.JSON(rows)
			}
			table := make([][]string, 0, len(rows))
			for _, r := range rows {
				avail := "yes"
				if !r.Available {
					avail = "at " + r.NextWindow.Local().Format(time.DateTime)
				}
				table = append(table, []string{
					r.Tier,
					r.Model,
					usage(r.MinuteUsed, r.PerMinute),
					usage(r.DayUsed, r.PerDay),
					avail,
				})
			}
			if !a.cfg.Quota.Persist {
				a.printer.Info("quota.persist is off; counters reset with every process")
			}
			return renderTable(a.out, []string{"tier", "model", "minute", "day", "available"}, table)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON output")
	return cmd
}

func usage(used, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/unlimited", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}
