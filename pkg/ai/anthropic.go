package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"wechatbot/pkg/conversation"
)

const anthropicMaxTokens = 1024

// anthropicBackend talks to the Anthropic messages API.
type anthropicBackend struct {
	name       string
	baseURL    string
	apiVersion string
	timeout    time.Duration
}

func (b *anthropicBackend) Complete(ctx context.Context, key string, modelID string, prompt string, history []conversation.Entry) (string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(b.baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if version := strings.TrimSpace(b.apiVersion); version != "" {
		opts = append(opts, option.WithHeader("anthropic-version", version))
	}
	if b.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(b.timeout))
	}
	client := anthropic.NewClient(opts...)

	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, entry := range history {
		switch entry.Role {
		case conversation.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(entry.Content)))
		case conversation.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(entry.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: b.name, StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", err
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", errEmptyReply
	}

	return text, nil
}
