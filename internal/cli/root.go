// Package cli wires configuration, storage and the pipeline into the
// linkdigest command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"linkdigest/internal/config"
	"linkdigest/internal/logger"
)

var version = "dev"

// SetVersion sets the string printed by --version.
func SetVersion(v string) {
	version = v
}

type app struct {
	cfgFile string
	verbose bool
	noColor bool

	cfg     *config.Config
	logger  *zap.Logger
	printer *printer
	out     io.Writer
	errOut  io.Writer
}

// Run executes the command line with args and returns the first error.
func Run(args []string) error {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "linkdigest",
		Short: "Turn bilibili and xiaohongshu links into AI notes",
		Long: `linkdigest downloads shared bilibili and xiaohongshu links, transcribes
videos, and writes AI summaries. Every stage is checkpointed so a rerun only
does the work that is still missing.

Example usage:
  linkdigest run --url https://b23.tv/abc123      # process one link
  linkdigest run --file links.txt --progress      # batch with live dashboard
  linkdigest status --latest                      # report of the last batch
  linkdigest quota                                # tier budget left today
  linkdigest serve                                # HTTP API for chat bots`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./linkdigest.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newClassifyCmd(a),
		newQuotaCmd(a),
		newServeCmd(a),
		newWatchCmd(a),
		newDoctorCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = log
	a.printer = newPrinter(a.out, a.errOut, colorsEnabled(a.noColor))
	log.Debug("configuration loaded",
		zap.String("state_backend", cfg.State.Backend),
		zap.String("state_dir", cfg.State.Dir),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
	)
	return nil
}
