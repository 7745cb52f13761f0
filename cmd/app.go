package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/alert"
	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
	"wechatbot/pkg/handler"
	"wechatbot/pkg/handlers"
	"wechatbot/pkg/logger"
	"wechatbot/pkg/sender"
)

// loadRuntime loads and validates config and installs the process logger.
func loadRuntime() (*config.Config, io.Closer, error) {
	path := config.ResolvedPath()
	created, err := config.EnsureFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare config: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	if created {
		appLogger.Info("Default config written", "path", path)
	}

	return cfg, closer, nil
}

// buildDeps constructs the collaborators shared by the handlers.
func buildDeps(cfg *config.Config, log *slog.Logger) (handlers.Deps, error) {
	aiService, err := ai.NewService(cfg.AIService, log)
	if err != nil {
		return handlers.Deps{}, fmt.Errorf("initialize AI service: %w", err)
	}

	alerts, err := alert.NewManager(cfg.Alerts, log)
	if err != nil {
		return handlers.Deps{}, fmt.Errorf("initialize alerts: %w", err)
	}

	deps := handlers.Deps{
		Config:    cfg.Handlers,
		Sender:    sender.New(cfg.WeChat, log),
		Responder: aiService,
		History:   conversation.NewStore(cfg.Handlers.AIChat.HistoryLimit),
		Log:       log,
	}
	if alerts.Enabled() {
		deps.Alerter = alerts
	}

	return deps, nil
}

// buildProcessor registers the default handler tree and builds it.
func buildProcessor(cfg *config.Config, deps handlers.Deps, log *slog.Logger, opts ...handler.ProcessorOption) (*handler.Processor, error) {
	registry := handler.NewRegistry(handlers.Factories(deps), log)
	handlers.Register(registry, cfg.Handlers)

	processor, err := registry.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("build handler tree: %w", err)
	}

	return processor, nil
}
