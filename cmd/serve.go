package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wechatbot/pkg/bus"
	"wechatbot/pkg/gateway"
	"wechatbot/pkg/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	Long:  "Listens for GeWe callbacks and dispatches every message through the handler tree.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, closer, err := loadRuntime()
		if err != nil {
			return err
		}
		defer closer.Close()

		log := slog.Default().With("component", "cmd.serve")

		deps, err := buildDeps(cfg, slog.Default())
		if err != nil {
			log.Error("Failed to initialize dependencies", "error", err)
			return err
		}

		mb := bus.NewMessageBus(cfg.Dispatch.QueueSize)
		defer mb.Close()

		processor, err := buildProcessor(cfg, deps, slog.Default(), handler.WithEventPublisher(mb))
		if err != nil {
			log.Error("Handler tree invalid", "error", err)
			return err
		}

		svc, err := gateway.NewService(cfg, processor, mb, slog.Default())
		if err != nil {
			return fmt.Errorf("initialize gateway: %w", err)
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway starting",
			"port", cfg.Server.Port,
			"max_concurrent", cfg.Dispatch.MaxConcurrent,
			"ai_chat", cfg.Handlers.AIChat.Enabled,
			"alerts", deps.Alerter != nil,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
