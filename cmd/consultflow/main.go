// Command consultflow is the entry point of the live consultation server.
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

	"github.com/MrWong99/consultflow/internal/app"
	"github.com/MrWong99/consultflow/internal/config"
	"github.com/MrWong99/consultflow/internal/observe"
	"github.com/MrWong99/consultflow/pkg/provider/diarize"
	"github.com/MrWong99/consultflow/pkg/provider/diarize/httpdiarize"
	"github.com/MrWong99/consultflow/pkg/provider/llm"
	"github.com/MrWong99/consultflow/pkg/provider/llm/anyllm"
	"github.com/MrWong99/consultflow/pkg/provider/llm/openai"
	"github.com/MrWong99/consultflow/pkg/provider/stt"
	"github.com/MrWong99/consultflow/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "consultflow: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "consultflow: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("consultflow starting",
		"version", version,
		"config", *configPath,
		"listenAddr", cfg.Server.ListenAddr,
		"logLevel", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithScrapeHandler(tel.Handler))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.Reload(new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// Every any-llm backend shares the same pattern: optional APIKey and
	// optional BaseURL. ollama is local and usually only sets BaseURL.
	for _, providerName := range anyllm.Supported {
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

	// openai-compat talks to any OpenAI-compatible endpoint through the
	// official SDK (vLLM, LM Studio, Azure gateways).
	reg.RegisterLLM("openai-compat", func(entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(entry.APIKey, entry.Model,
			openai.WithLabel("openai-compat"),
			openai.WithBaseURL(entry.BaseURL),
			openai.WithOrganization(optString(entry.Options, "organization")),
			openai.WithTimeout(optDuration(entry.Options, "timeout")),
		)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterDiarizer("http", func(entry config.ProviderEntry) (diarize.Diarizer, error) {
		var opts []httpdiarize.Option
		if entry.APIKey != "" {
			opts = append(opts, httpdiarize.WithAPIKey(entry.APIKey))
		}
		if n := optInt(entry.Options, "num_speakers"); n > 0 {
			opts = append(opts, httpdiarize.WithNumSpeakers(n))
		}
		return httpdiarize.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"llm", "stt", "diarizer"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

func printStartupSummary(cfg *config.Config) {
	p := cfg.Providers
	slog.Info("startup summary",
		"llm", providerLabel(p.LLM),
		"sttFast", providerLabel(p.STTFast),
		"sttContext", providerLabel(p.STTContext),
		"sttFinal", providerLabel(p.STTFinal),
		"diarizer", providerLabel(p.Diarizer),
		"exportDir", cfg.Export.Directory,
		"postgres", cfg.Export.PostgresDSN != "",
		"redis", cfg.Export.Redis.Addr,
		"kafkaBrokers", len(cfg.Kafka.Brokers),
		"qaTarget", cfg.QA.Target,
	)
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return fmt.Sprintf("%s/%s (+%d fallbacks)", e.Name, e.Model, len(e.Fallbacks))
	default:
		return fmt.Sprintf("%s (+%d fallbacks)", e.Name, len(e.Fallbacks))
	}
}

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

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts the integer types YAML decodes into.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a Go duration string such as "30s".
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
