// Command parley is the main entry point for the Parley practice server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/evaluation"
	"github.com/parleylabs/parley/internal/gateway"
	"github.com/parleylabs/parley/internal/health"
	"github.com/parleylabs/parley/internal/observe"
	"github.com/parleylabs/parley/internal/resilience"
	"github.com/parleylabs/parley/internal/server"
	"github.com/parleylabs/parley/internal/taskstore"
	"github.com/parleylabs/parley/internal/turn"
	"github.com/parleylabs/parley/pkg/audiobank"
	"github.com/parleylabs/parley/pkg/provider/llm"
	"github.com/parleylabs/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/parleylabs/parley/pkg/provider/llm/openai"
	"github.com/parleylabs/parley/pkg/provider/stt"
	sttlocal "github.com/parleylabs/parley/pkg/provider/stt/localruntime"
	"github.com/parleylabs/parley/pkg/provider/stt/whispernative"
	"github.com/parleylabs/parley/pkg/provider/tts"
	ttslocal "github.com/parleylabs/parley/pkg/provider/tts/localruntime"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust verbosity
	// without a restart.
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"ai_mode", cfg.AI.Mode,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.DefaultMetrics()
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Task store ────────────────────────────────────────────────────────────
	store, closeStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to build task store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Turn execution strategy ───────────────────────────────────────────────
	checkers := []health.Checker{health.TaskStore(store)}
	bankOpts := []audiobank.Option{audiobank.WithLogger(logger)}
	if cfg.Warmup.Enabled && cfg.Warmup.Concurrency > 0 {
		bankOpts = append(bankOpts, audiobank.WithWarmupConcurrency(cfg.Warmup.Concurrency))
	}

	var (
		submitter turn.Submitter
		starter   turn.RoundStarter
		synth     tts.Provider
	)

	switch cfg.AI.Mode {
	case config.AIModeGateway:
		gw, err := newGatewayClient(cfg, logger)
		if err != nil {
			slog.Error("failed to create gateway client", "err", err)
			return 1
		}
		sub, err := turn.NewGatewaySubmitter(gw)
		if err != nil {
			slog.Error("failed to create gateway submitter", "err", err)
			return 1
		}
		submitter, starter = sub, sub
		// Patient audio comes from the gateway too; no local synthesis.
		bankOpts = append(bankOpts, audiobank.WithFetcher(gw.FetchPatientClip))
		checkers = append(checkers, health.Gateway(gw))
		slog.Info("turn execution via gateway", "base_url", cfg.AI.Gateway.BaseURL)

	case config.AIModeLocal:
		recognizer, err := buildRecognizer(cfg, reg)
		if err != nil {
			slog.Error("failed to create stt provider", "err", err)
			return 1
		}
		scorer, err := buildScorer(cfg, reg)
		if err != nil {
			slog.Error("failed to create llm provider", "err", err)
			return 1
		}
		evaluator, err := evaluation.New(scorer, evaluation.WithLogger(logger))
		if err != nil {
			slog.Error("failed to create evaluator", "err", err)
			return 1
		}
		submitter, err = turn.NewLocalSubmitter(recognizer, evaluator, logger, turn.WithLocalMetrics(metrics))
		if err != nil {
			slog.Error("failed to create local submitter", "err", err)
			return 1
		}

		// A configured gateway still claims rounds in local mode, so
		// versus results land on the shared scoreboard.
		if cfg.AI.Gateway.BaseURL != "" {
			gw, err := newGatewayClient(cfg, logger)
			if err != nil {
				slog.Error("failed to create gateway client", "err", err)
				return 1
			}
			gwSub, err := turn.NewGatewaySubmitter(gw)
			if err != nil {
				slog.Error("failed to create gateway submitter", "err", err)
				return 1
			}
			starter = gwSub
			checkers = append(checkers, health.Gateway(gw))
		}

		synth, err = buildSynth(cfg, reg)
		if err != nil {
			slog.Error("failed to create tts provider", "err", err)
			return 1
		}
		synth = observe.InstrumentTTS(synth, metrics)
		if cfg.AI.LocalRuntime.BaseURL != "" {
			checkers = append(checkers, health.Endpoint("local-runtime", cfg.AI.LocalRuntime.BaseURL, nil))
		}
		slog.Info("turn execution on device",
			"stt", cfg.Providers.STT.Name,
			"llm", cfg.Providers.LLM.Name,
			"tts", cfg.Providers.TTS.Name,
		)

	default:
		slog.Error("unknown ai mode", "mode", cfg.AI.Mode)
		return 1
	}

	bank, err := audiobank.New(synth, bankOpts...)
	if err != nil {
		slog.Error("failed to create audio bank", "err", err)
		return 1
	}

	srv, err := server.New(server.Config{
		Store:     store,
		Bank:      bank,
		Submitter: submitter,
		Starter:   starter,
		Timing:    cfg.Timing,
		Metrics:   metrics,
		Warmup:    cfg.Warmup.Enabled,
		Checkers:  checkers,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.TimingChanged {
			srv.SetTiming(new.Timing)
			slog.Info("response windows updated, applies to sessions opened from now on")
		}
		if d.WarmupChanged {
			slog.Warn("warmup settings changed, restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete, closing", "err", err)
		_ = httpSrv.Close()
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// Parley. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "local-runtime"},
	"stt": {"whisper-native", "local-runtime"},
	"tts": {"local-runtime"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. The "local-runtime" factories fall
// back to cfg.AI.LocalRuntime for their endpoint and key when the entry
// leaves them blank.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native client rather than the any-llm bridge.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// local-runtime speaks the OpenAI chat API at the runtime's origin.
	reg.RegisterLLM("local-runtime", func(entry config.ProviderEntry) (llm.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = cfg.AI.LocalRuntime.BaseURL
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = cfg.AI.LocalRuntime.APIKey
		}
		if apiKey == "" {
			// Most local runtimes accept any non-empty key.
			apiKey = "local"
		}
		return oaillm.New(apiKey, entry.Model, oaillm.WithBaseURL(baseURL))
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whispernative.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whispernative.WithLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whispernative.WithThreads(n))
		}
		return whispernative.New(modelPath, opts...)
	})

	reg.RegisterSTT("local-runtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = cfg.AI.LocalRuntime.BaseURL
		}
		var opts []sttlocal.Option
		if entry.Model != "" {
			opts = append(opts, sttlocal.WithModel(entry.Model))
		}
		if key := firstNonEmpty(entry.APIKey, cfg.AI.LocalRuntime.APIKey); key != "" {
			opts = append(opts, sttlocal.WithAPIKey(key))
		}
		return sttlocal.New(baseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("local-runtime", func(entry config.ProviderEntry) (tts.Provider, error) {
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = cfg.AI.LocalRuntime.BaseURL
		}
		var opts []ttslocal.Option
		if entry.Model != "" {
			opts = append(opts, ttslocal.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, ttslocal.WithDefaultVoice(voice))
		}
		if key := firstNonEmpty(entry.APIKey, cfg.AI.LocalRuntime.APIKey); key != "" {
			opts = append(opts, ttslocal.WithAPIKey(key))
		}
		return ttslocal.New(baseURL, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildRecognizer creates the configured STT provider. When the primary is
// not the local runtime but a runtime endpoint is configured, the runtime is
// added as an automatic fallback behind a circuit breaker.
func buildRecognizer(cfg *config.Config, reg *config.Registry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, err
	}
	if cfg.Providers.STT.Name == "local-runtime" || cfg.AI.LocalRuntime.BaseURL == "" {
		return primary, nil
	}

	backup, err := reg.CreateSTT(config.ProviderEntry{
		Name:  "local-runtime",
		Model: optString(cfg.Providers.STT.Options, "fallback_model"),
	})
	if err != nil {
		return nil, fmt.Errorf("create stt fallback: %w", err)
	}
	fb := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
	fb.AddFallback("local-runtime", backup)
	slog.Info("stt fallback enabled", "primary", cfg.Providers.STT.Name, "fallback", "local-runtime")
	return fb, nil
}

// buildScorer creates the configured LLM provider, with the same automatic
// local-runtime fallback as buildRecognizer.
func buildScorer(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	if cfg.Providers.LLM.Name == "local-runtime" || cfg.AI.LocalRuntime.BaseURL == "" {
		return primary, nil
	}

	fallbackModel := optString(cfg.Providers.LLM.Options, "fallback_model")
	if fallbackModel == "" {
		return primary, nil
	}
	backup, err := reg.CreateLLM(config.ProviderEntry{
		Name:  "local-runtime",
		Model: fallbackModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm fallback: %w", err)
	}
	fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	fb.AddFallback("local-runtime", backup)
	slog.Info("llm fallback enabled", "primary", cfg.Providers.LLM.Name, "fallback", "local-runtime")
	return fb, nil
}

// buildSynth creates the configured TTS provider, with the same automatic
// local-runtime fallback as buildRecognizer. A flaky synthesis backend then
// degrades to a slower one instead of leaving statements stuck in the error
// state while the audio bank warms.
func buildSynth(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, err
	}
	if cfg.Providers.TTS.Name == "local-runtime" || cfg.AI.LocalRuntime.BaseURL == "" {
		return primary, nil
	}

	backup, err := reg.CreateTTS(config.ProviderEntry{
		Name:  "local-runtime",
		Model: optString(cfg.Providers.TTS.Options, "fallback_model"),
	})
	if err != nil {
		return nil, fmt.Errorf("create tts fallback: %w", err)
	}
	fb := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
	fb.AddFallback("local-runtime", backup)
	slog.Info("tts fallback enabled", "primary", cfg.Providers.TTS.Name, "fallback", "local-runtime")
	return fb, nil
}

// newGatewayClient builds the hosted gateway client from configuration.
func newGatewayClient(cfg *config.Config, logger *slog.Logger) (*gateway.Client, error) {
	opts := []gateway.Option{gateway.WithLogger(logger)}
	if s := cfg.AI.Gateway.TimeoutSeconds; s > 0 {
		opts = append(opts, gateway.WithTimeout(time.Duration(s)*time.Second))
	}
	return gateway.New(cfg.AI.Gateway.BaseURL, cfg.AI.Gateway.SessionToken, opts...)
}

// ── Task store ────────────────────────────────────────────────────────────────

// buildTaskStore backs the catalogue with PostgreSQL when a DSN is set,
// otherwise loads YAML task definitions into an in-memory store.
func buildTaskStore(ctx context.Context, cfg *config.Config) (taskstore.Store, func(), error) {
	if dsn := cfg.Tasks.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := taskstore.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("task store ready", "backend", "postgres")
		return pg, pool.Close, nil
	}

	if cfg.Tasks.Dir == "" {
		return nil, nil, fmt.Errorf("no task source configured: set tasks.dir or tasks.postgres_dsn")
	}
	store := taskstore.NewMemStore()
	n, err := taskstore.SeedFromDir(ctx, store, cfg.Tasks.Dir)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("task store ready", "backend", "memory", "tasks", n, "dir", cfg.Tasks.Dir)
	return store, func() {}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSummaryRow("AI mode", string(cfg.AI.Mode))
	if cfg.AI.Mode == config.AIModeGateway {
		printSummaryRow("Gateway", trimValue(cfg.AI.Gateway.BaseURL))
	} else {
		printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
		printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
		printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	}
	warmup := "disabled"
	if cfg.Warmup.Enabled {
		warmup = "enabled"
	}
	printSummaryRow("Warmup", warmup)
	if cfg.Tasks.PostgresDSN != "" {
		printSummaryRow("Task store", "postgres")
	} else {
		printSummaryRow("Task store", trimValue(cfg.Tasks.Dir))
	}
	if cfg.Server.ListenAddr != "" {
		printSummaryRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printSummaryRow(kind, trimValue(value))
}

func printSummaryRow(label, value string) {
	fmt.Printf("║  %-14s  : %-19s║\n", label, value)
}

func trimValue(v string) string {
	if len(v) > 19 {
		return v[:16] + "…"
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// numbers as int; JSON-sourced maps carry float64.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
