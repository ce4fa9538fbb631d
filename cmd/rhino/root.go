package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wippyai/rhino-wasm/config"
	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/metrics"
	"github.com/wippyai/rhino-wasm/rhino"
	"github.com/wippyai/rhino-wasm/worker"
)

// app carries state shared by all sub-commands.
type app struct {
	v          *viper.Viper
	settings   *config.Settings
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	metricsSrv *http.Server
	configFile string
}

func newApp() *app {
	return &app{v: config.New()}
}

// flagKeys maps flag names to their settings keys.
var flagKeys = map[string]string{
	"engine":             "engine",
	"cache-dir":          "cache_dir",
	"access-key":         "access_key",
	"model":              "model",
	"context":            "context",
	"sensitivity":        "sensitivity",
	"endpoint-duration":  "endpoint_duration",
	"require-endpoint":   "require_endpoint",
	"mount":              "mounts",
	"memory-limit-pages": "memory_limit_pages",
	"log-level":          "log_level",
	"log-development":    "log_development",
	"metrics-listen":     "metrics_listen",
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rhino",
		Short:         "Run a speech-to-intent engine compiled to WebAssembly",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("engine", "", "path to the engine WebAssembly module")
	flags.String("cache-dir", "", "directory for the compilation cache")
	flags.String("access-key", "", "engine access key")
	flags.String("model", "", "model file path as seen by the engine")
	flags.String("context", "", "context file path as seen by the engine")
	flags.Float32("sensitivity", rhino.DefaultSensitivity, "inference sensitivity in [0, 1]")
	flags.Float32("endpoint-duration", rhino.DefaultEndpointDurationSec, "silence in seconds that ends an utterance, in [0.5, 5]")
	flags.Bool("require-endpoint", true, "require silence after the command before finalizing")
	flags.StringSlice("mount", nil, "host directory to expose to the engine, host:guest[:ro]")
	flags.Uint32("memory-limit-pages", 0, "maximum engine memory in 64KiB pages, 0 for the default")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-development", false, "human-readable development logging")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9090")

	for name, key := range flagKeys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.AddCommand(newInfoCommand(a), newProcessCommand(a), newWorkerCommand(a))
	return root
}

// setup loads settings, installs the logger and starts the metrics
// listener.
func (a *app) setup(ctx context.Context) error {
	s, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.settings = s

	logger, err := config.NewLogger(s)
	if err != nil {
		return err
	}
	a.logger = logger
	engine.SetLogger(logger.Named("engine"))
	rhino.SetLogger(logger.Named("rhino"))
	worker.SetLogger(logger.Named("worker"))

	a.registry = prometheus.NewRegistry()
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return err
	}
	if s.MetricsListen != "" {
		return a.serveMetrics(ctx, s.MetricsListen)
	}
	return nil
}

func (a *app) serveMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := a.metricsSrv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

// loadEngine compiles the engine module named by the settings.
func (a *app) loadEngine(ctx context.Context) (*engine.Engine, error) {
	wasm, err := os.ReadFile(a.settings.Engine)
	if err != nil {
		return nil, fmt.Errorf("read engine: %w", err)
	}
	cfg, err := a.settings.EngineConfig()
	if err != nil {
		return nil, err
	}
	cfg.Stderr = os.Stderr
	start := time.Now()
	eng, err := engine.New(ctx, wasm, cfg)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("engine compiled",
		zap.String("path", a.settings.Engine),
		zap.Duration("elapsed", time.Since(start)))
	return eng, nil
}

// workerOptions returns the options every worker of this process shares.
func (a *app) workerOptions() []worker.Option {
	return []worker.Option{worker.WithMetrics(a.metrics)}
}
