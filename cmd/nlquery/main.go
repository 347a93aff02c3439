// Command nlquery serves the token-budgeted chat completion API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/nlquery/internal/app"
	"github.com/MrWong99/nlquery/internal/config"
	"github.com/MrWong99/nlquery/internal/observe"
	"github.com/MrWong99/nlquery/internal/resilience"
	"github.com/MrWong99/nlquery/pkg/provider/llm"
	"github.com/MrWong99/nlquery/pkg/provider/llm/anyllm"
	"github.com/MrWong99/nlquery/pkg/provider/llm/openai"
	"github.com/MrWong99/nlquery/pkg/tokenizer/tiktoken"
)

// version is overridden at build time via -ldflags.
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
			fmt.Fprintf(os.Stderr, "nlquery: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "nlquery: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("nlquery starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	backend, err := buildBackend(cfg.Backend, reg)
	if err != nil {
		slog.Error("failed to build completion backend", "err", err)
		return 1
	}

	// ── Tokenizer ─────────────────────────────────────────────────────────────
	tokOpts := make([]tiktoken.Option, 0, len(cfg.Tokenizer.Encodings)+2)
	if cfg.Tokenizer.BPEDir != "" {
		tokOpts = append(tokOpts, tiktoken.WithBPEDir(cfg.Tokenizer.BPEDir))
	}
	for deployment, enc := range cfg.Tokenizer.Encodings {
		tokOpts = append(tokOpts, tiktoken.WithEncoding(deployment, enc))
	}
	if cfg.Tokenizer.Fallback != "" {
		tokOpts = append(tokOpts, tiktoken.WithFallbackEncoding(cfg.Tokenizer.Fallback))
	}

	providers := &app.Providers{
		LLM:       backend,
		Tokenizer: tiktoken.New(tokOpts...),
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithCloser(shutdownTelemetry))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in backend factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai and azure go through the official SDK; azure reads the
	// resource endpoint from base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := openaiOptions(entry)
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...)
	})

	reg.RegisterLLM("azure", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := openaiOptions(entry)
		opts = append(opts, openai.WithAzure(entry.BaseURL, entry.OptString("api_version")))
		return openai.New(entry.APIKey, opts...)
	})

	// The remaining vendors share the same pattern: optional APIKey +
	// optional BaseURL.
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
			return anyllm.New(providerName, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", opts...)
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered backend", "name", name)
	}
}

// openaiOptions maps the shared options of the openai and azure entries.
func openaiOptions(entry config.ProviderEntry) []openai.Option {
	var opts []openai.Option
	if org := entry.OptString("organization"); org != "" {
		opts = append(opts, openai.WithOrganization(org))
	}
	if s := entry.OptString("timeout"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		} else {
			slog.Warn("ignoring invalid backend timeout", "backend", entry.Name, "timeout", s, "err", err)
		}
	}
	return opts
}

// buildBackend creates the primary backend and, when fallbacks are configured,
// wraps it in a circuit-breaking failover group.
func buildBackend(bc config.BackendConfig, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(bc.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", bc.Name, err)
	}
	slog.Info("backend created", "name", bc.Name)

	if len(bc.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, bc.Name, resilience.FallbackConfig{})
	for i, entry := range bc.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback backend %q (index %d): %w", entry.Name, i, err)
		}
		group.AddFallback(fallbackName(entry, i), p)
		slog.Info("fallback backend created", "name", entry.Name, "index", i)
	}
	return group, nil
}

// fallbackName keeps breaker names unique when a vendor appears twice.
func fallbackName(entry config.ProviderEntry, i int) string {
	return fmt.Sprintf("%s#%d", entry.Name, i+1)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         nlquery: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.Name)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Backend.Fallbacks)))
	if len(cfg.Models) == 0 {
		printRow("Models", "(built-in)")
	} else {
		printRow("Models", fmt.Sprint(len(cfg.Models)))
	}
	printRow("Default model", cfg.DefaultModel)
	printRow("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
