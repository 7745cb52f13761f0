package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
)

// backend performs one chat completion with a single API key.
type backend interface {
	Complete(ctx context.Context, key string, modelID string, prompt string, history []conversation.Entry) (string, error)
}

// StatusError reports a non-2xx answer from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the key hit its quota.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

var errEmptyReply = errors.New("provider returned an empty reply")

func newBackend(name string, cfg config.ProviderConfig, timeout time.Duration) (backend, error) {
	switch cfg.Type {
	case config.ProviderTypeOpenAI, "":
		return &openAIBackend{name: name, baseURL: cfg.BaseURL, timeout: timeout}, nil
	case config.ProviderTypeAnthropic:
		return &anthropicBackend{name: name, baseURL: cfg.BaseURL, apiVersion: cfg.APIVersion, timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("provider %q has unsupported type %q", name, cfg.Type)
	}
}
