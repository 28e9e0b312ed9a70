package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/grounded/internal/agentrun"
	"github.com/kalambet/grounded/internal/automation"
	"github.com/kalambet/grounded/internal/config"
	"github.com/kalambet/grounded/internal/gateway"
	"github.com/kalambet/grounded/internal/notify"
	"github.com/kalambet/grounded/internal/ollama"
	"github.com/kalambet/grounded/internal/openrouter"
	"github.com/kalambet/grounded/internal/retrieval"
	"github.com/kalambet/grounded/internal/storage"
	"github.com/kalambet/grounded/internal/worker"
)

// app holds the wired components shared by the server and MCP commands.
type app struct {
	cfg       config.Config
	store     *storage.Store
	ollama    *ollama.Client
	retriever *retrieval.Retriever
	runner    *agentrun.Orchestrator
	scheduler *automation.Scheduler
	worker    *worker.Worker
}

func setupLogging(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return logger
}

// newRegistry registers the generation backends the config enables.
// OpenRouter is only available with an API key.
func newRegistry(cfg config.Config, ollamaClient *ollama.Client) *gateway.Registry {
	registry := gateway.NewRegistry()
	registry.Register("ollama", gateway.Ollama(ollamaClient))
	if cfg.OpenRouter.APIKey != "" {
		registry.Register("openrouter", gateway.OpenRouter(openrouter.NewClient(cfg.OpenRouter.APIKey)))
	}
	return registry
}

func newApp(cfg config.Config, store *storage.Store, logger *slog.Logger) (*app, error) {
	if _, err := gateway.ParseParameters(cfg.LLM.Parameters); err != nil {
		return nil, fmt.Errorf("llm.parameters: %w", err)
	}

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	registry := newRegistry(cfg, ollamaClient)

	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.Multi{sink, notify.NewWebhookSink(cfg.Notify.WebhookURL)}
	}
	sink = notify.NewAsync(sink, logger)

	retriever := retrieval.NewRetriever(retrieval.StoreSources(store), logger)
	runner := agentrun.New(store, retriever, registry, agentrun.Defaults{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Parameters:    cfg.LLM.Parameters,
		LimitPerType:  cfg.Retrieval.LimitPerType,
		MaxTotalChars: cfg.Retrieval.MaxTotalChars,
	}, agentrun.WithNotifier(sink), agentrun.WithLogger(logger))

	sched := automation.NewScheduler(store, automation.NewAgentExecutor(runner),
		automation.WithPollInterval(cfg.Scheduler.PollInterval),
		automation.WithNotifier(sink),
		automation.WithLogger(logger),
	)

	return &app{
		cfg:       cfg,
		store:     store,
		ollama:    ollamaClient,
		retriever: retriever,
		runner:    runner,
		scheduler: sched,
		worker:    worker.NewWorker(store, runner, cfg.Worker.PollInterval),
	}, nil
}
