package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"wechatbot/pkg/conversation"
)

const openAITemperature = 0.7

// openAIBackend talks to any OpenAI-compatible chat completions endpoint.
type openAIBackend struct {
	name    string
	baseURL string
	timeout time.Duration
}

func (b *openAIBackend) Complete(ctx context.Context, key string, modelID string, prompt string, history []conversation.Entry) (string, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(b.baseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if b.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(b.timeout))
	}
	client := osdk.NewClient(opts...)

	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(history)+1)
	for _, entry := range history {
		switch entry.Role {
		case conversation.RoleUser:
			messages = append(messages, osdk.UserMessage(entry.Content))
		case conversation.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(entry.Content))
		}
	}
	messages = append(messages, osdk.UserMessage(prompt))

	resp, err := client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:       osdk.ChatModel(modelID),
		Messages:    messages,
		Temperature: osdk.Float(openAITemperature),
	})
	if err != nil {
		var apiErr *osdk.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: b.name, StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyReply
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errEmptyReply
	}

	return text, nil
}
