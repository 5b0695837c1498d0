package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	configx "github.com/tanpawarit/cognitive-backoffice/pkg/config"
	httpapix "github.com/tanpawarit/cognitive-backoffice/pkg/httpapi"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API, the websocket audit stream and Prometheus metrics.

Due approvals are swept every APP_EXPIRY_SWEEP. When QSTASH_TOKEN and
QSTASH_CALLBACK_URL are set, each approval also gets a scheduled expiry
callback on /api/v1/hitl/expire.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			httpCfg, err := configx.New[httpapix.Config]("HTTP")
			if err != nil {
				return err
			}
			if addr != "" {
				httpCfg.Addr = addr
			}

			opts := []httpapix.Option{
				httpapix.WithMetrics(app.Metrics.Handler()),
				httpapix.WithStream(app.Stream),
			}
			if app.Access != nil {
				opts = append(opts, httpapix.WithAccessLog(app.Access))
			}
			if app.QStash != nil {
				opts = append(opts, httpapix.WithExpiryVerifier(app.QStash, app.QStashConfig.CallbackURL))
			}
			server, err := httpapix.New(*httpCfg, app.Orchestrator, opts...)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Start(gctx)
			})
			g.Go(func() error {
				sweepApprovals(gctx, app.Orchestrator, app.Config.ExpirySweep)
				return nil
			})
			err = g.Wait()

			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			if werr := app.Orchestrator.Wait(drainCtx); werr != nil {
				log.Warn().Err(werr).Msg("async runs still executing at shutdown")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func sweepApprovals(ctx context.Context, orch *orchestratorx.Orchestrator, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orch.ExpireApprovals(ctx)
			if err != nil {
				log.Error().Err(err).Msg("approval sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("approval sweep expired requests")
			}
		}
	}
}
