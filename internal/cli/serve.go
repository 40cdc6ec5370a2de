package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"linkdigest/internal/api"
	"linkdigest/internal/bot"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API used by chat bots",
		Long: `Serve the task API. Each chat session may run one task at a time;
progress is streamed as server-sent events from /v1/tasks/{id}/events and
Prometheus metrics are exposed at /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.API.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
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

			manager := bot.NewManager(rt.store, rt.pipeline, a.logger, bot.Config{
				Concurrency: a.cfg.Pipeline.Concurrency,
				StateDir:    a.cfg.State.Dir,
			}, bot.WithObserver(rt.metrics))

			opts := api.Options{Manager: manager, Metrics: rt.metrics.Handler(), Logger: a.logger}
			if rt.resolver != nil {
				opts.Resolver = rt.resolver
			}
			return api.New(opts).Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config api.addr)")
	return cmd
}
