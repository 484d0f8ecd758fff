package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xraph/recur"
	"github.com/xraph/recur/api"
	audithook "github.com/xraph/recur/audit_hook"
	"github.com/xraph/recur/observability"
	"github.com/xraph/recur/publish"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	s, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	opts := engineOptions(cfg, logger)
	opts = append(opts, recur.WithPlugin(audithook.New(audithook.RecorderFunc(logAudit), audithook.WithLogger(logger))))

	var apiOpts []api.Option
	if cfg.MetricsEnabled {
		factory := observability.NewPrometheusFactory(prometheus.DefaultRegisterer)
		opts = append(opts, recur.WithPlugin(observability.NewMetricsExtension(factory)))
		apiOpts = append(apiOpts, api.WithRegisterer(prometheus.DefaultRegisterer))
	}
	if cfg.RabbitMQURL != "" {
		pub, err := publish.Dial(cfg.RabbitMQURL,
			publish.WithExchange(cfg.RabbitMQExchange),
			publish.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		opts = append(opts, recur.WithPlugin(pub))
	}

	engine := recur.New(s, catalog, opts...)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Warn("engine stop", "error", err)
		}
	}()

	apiOpts = append(apiOpts,
		api.WithLogger(logger),
		api.WithWebhookSecret(cfg.StripeWebhookSecret),
	)
	srv := api.NewServer(engine, apiOpts...)
	if cfg.MetricsEnabled {
		srv.Router().Handle("/metrics", promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("recurd listening",
			"addr", cfg.HTTPListenAddr,
			"store", cfg.StoreDriver,
			"plans", catalog.Len(),
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// logAudit writes audit events to the daemon log.
func logAudit(ctx context.Context, ev *audithook.AuditEvent) error {
	logger.InfoContext(ctx, "audit",
		"action", ev.Action,
		"resource", ev.Resource,
		"resource_id", ev.ResourceID,
		"tenant_id", ev.TenantID,
		"outcome", ev.Outcome,
		"severity", ev.Severity,
		"metadata", ev.Metadata,
	)
	return nil
}
