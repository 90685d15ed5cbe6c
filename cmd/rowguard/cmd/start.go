package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	auditadapter "github.com/rowguard/rowguard/internal/adapter/outbound/audit"
	"github.com/rowguard/rowguard/internal/adapter/outbound/controlplane"
	"github.com/rowguard/rowguard/internal/audit"
	"github.com/rowguard/rowguard/internal/breakglass"
	"github.com/rowguard/rowguard/internal/config"
	"github.com/rowguard/rowguard/internal/observability"
	"github.com/rowguard/rowguard/internal/policyhost"
	"github.com/rowguard/rowguard/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy listener",
	Long: `Start loads the configured YAML document, authenticates to the control
plane, begins streaming the access policy, and binds the client-facing
PostgreSQL-wire listener. It runs until terminated.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		return fmt.Errorf("--config_file is required")
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	logger.Info("rowguard starting", "config_file", configFile, "dev_mode", cfg.DevMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cpClient := controlplane.New(cfg.ControlPlaneAddr, cfg.SecretToken, 0)

	host, err := policyhost.NewHost(ctx, nil, logger)
	if err != nil {
		return fmt.Errorf("start policy host: %w", err)
	}
	defer func() { _ = host.Close(ctx) }()

	policyCh := make(chan []byte, 1)
	go cpClient.WatchPolicy(ctx, policyCh)
	go host.Watch(ctx, policyCh)

	sink, err := buildAuditSink(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("build audit sink: %w", err)
	}
	auditWorker := service.NewAuditWorker(sink, cfg.Audit.ChannelSize, logger)
	go auditWorker.Run(ctx)

	var bgEvaluator *breakglass.Evaluator
	if cfg.BreakGlass.Enabled {
		bgEvaluator, err = breakglass.Load(cfg.BreakGlass.RulesFile)
		if err != nil {
			return fmt.Errorf("load break-glass rules: %w", err)
		}
		logger.Info("break-glass rules loaded", "rules_file", cfg.BreakGlass.RulesFile)
		go watchBreakGlassReload(ctx, bgEvaluator, logger)
	}

	shutdownTracing, err := observability.InitTracing(ctx, "rowguard", tracingExporter(cfg))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	otelInstruments, shutdownOTelMetrics, err := observability.InitOTelMetrics(ctx, "rowguard", tracingExporter(cfg))
	if err != nil {
		return fmt.Errorf("init otel metrics: %w", err)
	}
	defer func() { _ = shutdownOTelMetrics(context.Background()) }()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		go serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)
		go sampleAuditDrops(ctx, auditWorker, metrics)
	}

	handler := &service.Handler{
		Config:       cfg,
		Host:         host,
		ControlPlane: cpClient,
		Audit:        auditWorker,
		BreakGlass:   breakGlassHook(bgEvaluator),
		Metrics:      metrics,
		OTel:         otelInstruments,
		Logger:       logger,
		Namespaces:   []string{"public"},
	}

	listener := &service.Listener{
		Config:  cfg.Postgres,
		Handler: handler,
		Logger:  logger,
	}

	return listener.Run(ctx)
}

// breakGlassHook returns a nil service.BreakGlassEvaluator (not a non-nil
// interface wrapping a nil pointer) when break-glass is disabled.
func breakGlassHook(e *breakglass.Evaluator) service.BreakGlassEvaluator {
	if e == nil {
		return nil
	}
	return e
}

// watchBreakGlassReload reloads the break-glass rule file on SIGHUP until
// ctx is cancelled, logging and keeping the previous rule set on a bad
// reload rather than leaving the evaluator empty.
func watchBreakGlassReload(ctx context.Context, e *breakglass.Evaluator, logger *slog.Logger) {
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadCh:
			if err := e.Reload(); err != nil {
				logger.Error("break-glass reload failed, keeping previous rules", "error", err)
				continue
			}
			logger.Info("break-glass rules reloaded")
		}
	}
}

// tracingExporter maps TracingConfig onto the exporter name InitTracing
// expects, defaulting to disabled when tracing is off regardless of which
// exporter name was configured.
func tracingExporter(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return "none"
	}
	return cfg.Tracing.Exporter
}

// serveMetrics binds addr and serves reg's /metrics endpoint until ctx is
// cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: observability.Handler(reg)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

// sampleAuditDrops periodically copies AuditWorker's drop counter onto the
// audit_drops_total gauge until ctx is cancelled.
func sampleAuditDrops(ctx context.Context, worker *service.AuditWorker, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AuditDropsTotal.Set(float64(worker.Dropped()))
		}
	}
}

func buildAuditSink(cfg config.AuditConfig, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Sink {
	case "", "stdout":
		return auditadapter.NewStdoutSink(os.Stdout), nil
	case "file":
		return auditadapter.NewFileSink(cfg.File, logger)
	case "cloudlog":
		return auditadapter.NewCloudLogSink(cfg.CloudLog.Endpoint), nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
