package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/conversation"
)

const askUser = "cli"

var (
	promptText  string
	askProvider string
	askModel    string
)

// responder is the slice of the AI service used by ask.
type responder interface {
	GetResponse(ctx context.Context, req ai.Request) (string, error)
}

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send a prompt to the AI service or start an interactive chat",
	Long:  "Uses the configured AI providers and key pools to answer one prompt, or chats interactively when no prompt is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadRuntime()
		if err != nil {
			return err
		}
		defer closer.Close()

		service, err := ai.NewService(cfg.AIService, slog.Default())
		if err != nil {
			return err
		}

		chat := &chatSession{
			responder: service,
			history:   conversation.NewStore(cfg.Handlers.AIChat.HistoryLimit),
			provider:  askProvider,
			model:     askModel,
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if prompt := resolvePrompt(args); prompt != "" {
			reply, err := chat.ask(ctx, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		}

		runInteractive(ctx, chat, os.Stdin, cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
	askCmd.Flags().StringVar(&askProvider, "provider", "", "provider name (defaults to ai_service.default_provider)")
	askCmd.Flags().StringVar(&askModel, "model", "", "model display name (defaults to the provider default)")
}

// chatSession keeps the CLI conversation so follow-ups carry context.
type chatSession struct {
	responder responder
	history   *conversation.Store
	provider  string
	model     string
}

func (c *chatSession) ask(ctx context.Context, prompt string) (string, error) {
	reply, err := c.responder.GetResponse(ctx, ai.Request{
		Prompt:   prompt,
		History:  c.history.List(askUser),
		Provider: c.provider,
		Model:    c.model,
	})
	if err != nil {
		return "", err
	}

	c.history.AppendExchange(askUser, prompt, reply)
	return reply, nil
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func runInteractive(ctx context.Context, chat *chatSession, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(out, "input error: %v\n", err)
			}
			return
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return
		}

		reply, err := chat.ask(ctx, prompt)
		if err != nil {
			fmt.Fprintf(out, "request failed: %v\n", err)
			continue
		}

		printAssistantMessage(out, reply)
	}
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "< %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
