package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/engine"
	"inferd/internal/httpapi"
	"inferd/internal/hub"
	"inferd/internal/importer"
	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/internal/session"
)

// serveOptions are the flag targets of the serve command. A flag only
// overrides the config file when it was set explicitly.
type serveOptions struct {
	configPath string

	addr           string
	modelsDir      string
	dbPath         string
	defaultModel   string
	memoryBudgetMB int
	memoryMarginMB int
	maxQueueDepth  int
	maxConcurrency int
	requestTimeout time.Duration
	streamBuffer   int
	hubBaseURL     string
	logLevel       string

	engineContextSize int
	engineThreads     int
	corsEnabled       bool
	corsOrigins       []string
}

func newServeCommand() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", envOr("INFERD_CONFIG", ""),
		"path to a YAML/JSON/TOML config file")
	f.StringVar(&o.addr, "addr", envOr("INFERD_ADDR", ""), "HTTP listen address, e.g. :8090")
	f.StringVar(&o.modelsDir, "models-dir", "", "directory to scan for *.gguf model files")
	f.StringVar(&o.dbPath, "db-path", "", "path of the SQLite session database")
	f.StringVar(&o.defaultModel, "default-model", "", "model id used when a request omits model")
	f.IntVar(&o.memoryBudgetMB, "memory-budget-mb", 0, "memory budget in MB for loaded models (0=unlimited)")
	f.IntVar(&o.memoryMarginMB, "memory-margin-mb", 0, "memory margin in MB kept free under the budget")
	f.IntVar(&o.maxQueueDepth, "max-queue-depth", 0, "queued requests allowed per model")
	f.IntVar(&o.maxConcurrency, "max-concurrency", 0, "concurrent generations per model")
	f.DurationVar(&o.requestTimeout, "request-timeout", 0, "default per-request timeout")
	f.IntVar(&o.streamBuffer, "stream-buffer", 0, "token buffer per streamed request")
	f.StringVar(&o.hubBaseURL, "hub-base-url", "", "base URL of the model hub")
	f.StringVar(&o.logLevel, "log-level", "", "log level: trace/debug/info/warn/error/off")
	f.IntVar(&o.engineContextSize, "engine-context-size", 0, "token window per loaded context (0=engine default)")
	f.IntVar(&o.engineThreads, "engine-threads", 0, "inference threads (0=engine default)")
	f.BoolVar(&o.corsEnabled, "cors-enabled", false, "enable cross-origin access")
	f.StringSliceVar(&o.corsOrigins, "cors-origins", nil, "allowed CORS origins")
	return cmd
}

func runServe(cmd *cobra.Command, o *serveOptions) error {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	applyOverrides(cmd, o, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return fmt.Errorf("resolve models dir: %w", err)
	}
	dbPath, err := fsutil.ExpandHome(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	if err := fsutil.EnsureDir(modelsDir); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	if err := fsutil.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	store, err := session.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	hubClient := hub.NewClient(cfg.HubBaseURL, log.With().Str("component", "hub").Logger())

	reg := registry.New(registry.Config{
		ModelsDir:   modelsDir,
		BudgetBytes: int64(cfg.MemoryBudgetMB) << 20,
		MarginBytes: int64(cfg.MemoryMarginMB) << 20,
		EngineOpts: engine.Options{
			ContextSize: cfg.Engine.ContextSize,
			Threads:     cfg.Engine.Threads,
		},
		Backend: engine.NewBackend(),
		Fetcher: hubClient,
		Store:   store,
		Logger:  log.With().Str("component", "registry").Logger(),
	})
	if err := reg.Refresh(cmd.Context()); err != nil {
		return fmt.Errorf("scan models: %w", err)
	}

	sched := scheduler.New(reg, store, scheduler.Config{
		DefaultModel:   cfg.DefaultModel,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		StreamBuffer:   cfg.StreamBuffer,
		DefaultTimeout: cfg.RequestTimeout.Std(),
		Logger:         log.With().Str("component", "scheduler").Logger(),
	})

	imp := importer.New(hubClient, store, reg, modelsDir,
		log.With().Str("component", "importer").Logger())

	api := httpapi.NewServer(sched, reg, store, imp, hubClient,
		log.With().Str("component", "http").Logger(), httpapi.Config{
			CORSEnabled: cfg.CORS.Enabled,
			CORSOrigins: cfg.CORS.Origins,
		})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", modelsDir).
			Str("db", dbPath).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}

	// Stop taking connections first, then drain the pipeline back to front.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	sched.Close()
	imp.Close()
	reg.Close()
	hubClient.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("close session store")
	}
	log.Info().Msg("stopped")
	return nil
}

func applyOverrides(cmd *cobra.Command, o *serveOptions, cfg *config.Config) {
	overrides := map[string]func(){
		"addr":                func() { cfg.Addr = o.addr },
		"models-dir":          func() { cfg.ModelsDir = o.modelsDir },
		"db-path":             func() { cfg.DBPath = o.dbPath },
		"default-model":       func() { cfg.DefaultModel = o.defaultModel },
		"memory-budget-mb":    func() { cfg.MemoryBudgetMB = o.memoryBudgetMB },
		"memory-margin-mb":    func() { cfg.MemoryMarginMB = o.memoryMarginMB },
		"max-queue-depth":     func() { cfg.MaxQueueDepth = o.maxQueueDepth },
		"max-concurrency":     func() { cfg.MaxConcurrency = o.maxConcurrency },
		"request-timeout":     func() { cfg.RequestTimeout = config.Duration(o.requestTimeout) },
		"stream-buffer":       func() { cfg.StreamBuffer = o.streamBuffer },
		"hub-base-url":        func() { cfg.HubBaseURL = o.hubBaseURL },
		"log-level":           func() { cfg.LogLevel = o.logLevel },
		"engine-context-size": func() { cfg.Engine.ContextSize = o.engineContextSize },
		"engine-threads":      func() { cfg.Engine.Threads = o.engineThreads },
		"cors-enabled":        func() { cfg.CORS.Enabled = o.corsEnabled },
		"cors-origins":        func() { cfg.CORS.Origins = o.corsOrigins },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	// An env-provided addr counts as an override even without the flag.
	if o.addr != "" {
		cfg.Addr = o.addr
	}
}

func newLogger(level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if level == "off" {
		lvl = zerolog.Disabled
	} else if parsed, err := zerolog.ParseLevel(level); err == nil {
		lvl = parsed
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
