// Command gateway runs the WebSocket TTS streaming gateway: it parses
// configuration from the environment (optionally overlaid with a YAML
// settings file), wires up the session registry, metrics, audit ledger
// and event bus, and serves the gateway's HTTP/WebSocket endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wstts/gateway/internal/audit"
	"github.com/wstts/gateway/internal/config"
	"github.com/wstts/gateway/internal/engine"
	"github.com/wstts/gateway/internal/eventbus"
	"github.com/wstts/gateway/internal/gateway"
	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/metrics"
	"github.com/wstts/gateway/internal/registry"
	"github.com/wstts/gateway/internal/session"
)

var (
	settingsPath string
	healthzURL   string

	rootCmd = &cobra.Command{
		Use:           "gateway",
		Short:         "WebSocket TTS streaming gateway",
		SilenceErrors: false,
		SilenceUsage:  true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "run the gateway HTTP/WebSocket server",
		RunE:  runServe,
	}

	healthcheckCmd = &cobra.Command{
		Use:   "healthcheck",
		Short: "probe a running gateway's /healthz and exit non-zero if unhealthy",
		RunE:  runHealthcheck,
	}
)

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "path to a YAML settings file (overrides WS_TTS_SETTINGS_PATH)")
	healthcheckCmd.Flags().StringVar(&healthzURL, "url", "http://127.0.0.1:9000/healthz", "healthz endpoint to probe")

	rootCmd.AddCommand(serveCmd, healthcheckCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var base *logx.Logger
	if cfg.LogFormat == "json" {
		base = logx.NewJSONLogger()
	} else {
		base = logx.NewDevelopmentLogger()
	}
	log := base.With(map[string]interface{}{"component": "gateway"})
	logx.SetDefault(*log)

	eng, err := resolveEngine(cfg)
	if err != nil {
		return fmt.Errorf("resolve engine: %w", err)
	}
	resolvedKind := cfg.Engine
	if resolvedKind == "" {
		resolvedKind = string(engine.KindDummy)
	}
	log.Info("engine resolved", "kind", resolvedKind)

	mrecorder, err := metrics.New()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mrecorder.Shutdown(ctx)
	}()

	ctx := context.Background()
	ledger, err := audit.Open(ctx, cfg.AuditDBPath, log)
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	defer ledger.Close()

	var bus *eventbus.Publisher
	if cfg.NATSURL == "" {
		bus = eventbus.Disabled(log)
	} else {
		bus, err = eventbus.Connect(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
	}
	defer bus.Close()

	reg := registry.New(registry.Config{
		MaxSessions:         cfg.MaxSessions,
		MaxSessionsPerKey:   cfg.MaxSessionsPerKey,
		AdmissionsPerSecond: cfg.AdmissionsPerSecond,
		ResumeGrace:         cfg.ResumeGrace,
	}, log)
	reg.StartReaper(5 * time.Second)
	defer reg.Stop()

	srv := gateway.NewServer(gateway.ServerConfig{
		APIKeys:            cfg.APIKeys(),
		EngineKind:         cfg.Engine,
		EngineResolvedKind: resolvedKind,
		Registry:           reg,
		Engine:             eng,
		Metrics:            mrecorder,
		MetricsHandler:     mrecorder.Handler(),
		Log:                log,
		Hooks:              session.ComposeHooks(ledger.Hook(), bus.Hook()),
		StartedAt:          time.Now(),

		QueueCapacity:       cfg.QueueCapacity,
		WriteTimeout:        cfg.WriteTimeout,
		BackpressureTimeout: cfg.BackpressureTimeout,
		IdleReadTimeout:     cfg.IdleReadTimeout,
		ChunkMaxBytesMillis: cfg.ChunkMaxBytesMillis,
		RetentionSize:       cfg.RetentionSize,
		RetentionAge:        cfg.RetentionAge,
		EngineSem:           make(chan struct{}, cfg.EngineConcurrency),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Mux(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func resolveEngine(cfg config.Config) (engine.Engine, error) {
	return engine.Resolve(engine.Kind(cfg.Engine), engine.DefaultDummyConfig(), cfg.PiperBin, cfg.PiperModel, cfg.RivaServer)
}

func runHealthcheck(_ *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthzURL)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: unhealthy status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}
