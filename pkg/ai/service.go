// Package ai resolves provider/model pairs and calls the configured chat
// backends with rotating API keys.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
)

const defaultRequestTimeout = 30 * time.Second

var (
	ErrUnknownProvider = errors.New("unknown AI provider")
	ErrUnknownModel    = errors.New("unknown AI model")
	ErrEmptyPrompt     = errors.New("prompt is required")
)

// Request is one AI completion request.
type Request struct {
	Prompt   string
	History  []conversation.Entry
	Provider string
	Model    string
}

// Service answers prompts with the configured providers.
type Service struct {
	defaultProvider string
	providers       map[string]config.ProviderConfig
	backends        map[string]backend
	keys            *KeyStore
	log             *slog.Logger
}

// NewService builds the backends for every configured provider.
func NewService(cfg config.AIServiceConfig, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	keys, err := NewKeyStore(cfg.Providers, cfg.KeysFile, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		defaultProvider: strings.TrimSpace(cfg.DefaultProvider),
		providers:       cfg.Providers,
		backends:        make(map[string]backend, len(cfg.Providers)),
		keys:            keys,
		log:             log.With("component", "ai.service"),
	}
	for name, provider := range cfg.Providers {
		b, err := newBackend(name, provider, timeout)
		if err != nil {
			return nil, err
		}
		s.backends[name] = b
	}

	return s, nil
}

// Keys exposes the key store.
func (s *Service) Keys() *KeyStore {
	return s.keys
}

// Resolve returns the provider name and provider model id for a request.
// Empty values fall back to the default provider and its default model.
func (s *Service) Resolve(provider string, model string) (string, string, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = s.defaultProvider
	}

	providerCfg, ok := s.providers[provider]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = providerCfg.DefaultModel
	}

	modelCfg, ok := providerCfg.Models[model]
	if !ok || strings.TrimSpace(modelCfg.ModelID) == "" {
		return "", "", fmt.Errorf("%w: provider %q has no model %q", ErrUnknownModel, provider, model)
	}

	return provider, modelCfg.ModelID, nil
}

// GetResponse returns the reply to req. A key answered with HTTP 429 is moved
// to the exhausted pool and the call is retried with another active key.
func (s *Service) GetResponse(ctx context.Context, req Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	provider, modelID, err := s.Resolve(req.Provider, req.Model)
	if err != nil {
		return "", err
	}
	b := s.backends[provider]
	log := s.log.With("provider", provider, "model", modelID)

	for {
		key, err := s.keys.Random(provider)
		if err != nil {
			log.Error("AI request failed", "error", err)
			return "", err
		}

		startedAt := time.Now()
		log.Debug("AI request started", "prompt_length", len(prompt), "history", len(req.History))

		reply, err := b.Complete(ctx, key, modelID, prompt, req.History)
		if err == nil {
			log.Debug("AI request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(reply))
			return reply, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RateLimited() {
			log.Warn("API key rate limited, rotating", "key", maskKey(key))
			if markErr := s.keys.MarkExhausted(provider, key); markErr != nil {
				log.Error("Failed to persist exhausted key", "error", markErr)
			}
			continue
		}

		log.Error("AI request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("%s request failed: %w", provider, err)
	}
}
