package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "WECHATBOT_CONFIG"
	envPrefix            = "WECHATBOT_"
	envGeweToken         = "GEWE_TOKEN"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAlertChat = "TELEGRAM_ALERT_CHAT_ID"
	envAIKeysPrefix      = "AI_KEYS_"

	// DefaultFileName is the config file looked up in the working directory.
	DefaultFileName = "config.yml"
)

// Provider backend types understood by the AI service.
const (
	ProviderTypeOpenAI    = "openai"
	ProviderTypeAnthropic = "anthropic"
)

// Config is the root runtime configuration loaded from config.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	WeChat    WeChatConfig    `yaml:"wechat" koanf:"wechat"`
	Dispatch  DispatchConfig  `yaml:"dispatch" koanf:"dispatch"`
	Handlers  HandlersConfig  `yaml:"handlers" koanf:"handlers"`
	AIService AIServiceConfig `yaml:"ai_service" koanf:"ai_service"`
	Alerts    AlertsConfig    `yaml:"alerts" koanf:"alerts"`
	Logging   LoggingConfig   `yaml:"logging" koanf:"logging"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `yaml:"format,omitempty" koanf:"format"`
	Level     string `yaml:"level,omitempty" koanf:"level"`
	AddSource bool   `yaml:"add_source,omitempty" koanf:"add_source"`
	// Dir enables an additional daily log file (bot_YYYY-MM-DD.log) in this directory.
	Dir string `yaml:"dir,omitempty" koanf:"dir"`
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host         string `yaml:"host" koanf:"host"`
	Port         int    `yaml:"port" koanf:"port"`
	CallbackPath string `yaml:"callback_path" koanf:"callback_path"`
}

// WeChatConfig configures the GeWe messaging gateway.
type WeChatConfig struct {
	BaseURL               string `yaml:"base_url" koanf:"base_url"`
	CallbackURL           string `yaml:"callback_url" koanf:"callback_url"`
	AppID                 string `yaml:"app_id" koanf:"app_id"`
	Token                 string `yaml:"token" koanf:"token"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" koanf:"request_timeout_seconds"`
}

// DispatchConfig bounds how many inbound events are traversed at once.
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" koanf:"max_concurrent"`
	QueueSize     int `yaml:"queue_size" koanf:"queue_size"`
}

// HandlersConfig toggles and tunes the concrete handler kinds.
type HandlersConfig struct {
	Echo         ToggleConfig `yaml:"echo" koanf:"echo"`
	OfflineAlert ToggleConfig `yaml:"offline_alert" koanf:"offline_alert"`
	AIChat       AIChatConfig `yaml:"ai_chat" koanf:"ai_chat"`
}

// ToggleConfig enables an optional handler.
type ToggleConfig struct {
	Enabled bool `yaml:"enabled" koanf:"enabled"`
}

// AIChatConfig configures the AI chat responder.
type AIChatConfig struct {
	Enabled      bool   `yaml:"enabled" koanf:"enabled"`
	Provider     string `yaml:"provider" koanf:"provider"`
	Model        string `yaml:"model" koanf:"model"`
	HistoryLimit int    `yaml:"history_limit" koanf:"history_limit"`
}

// AIServiceConfig describes the AI providers, their models and API keys.
type AIServiceConfig struct {
	DefaultProvider       string                    `yaml:"default_provider" koanf:"default_provider"`
	KeysFile              string                    `yaml:"keys_file" koanf:"keys_file"`
	RequestTimeoutSeconds int                       `yaml:"request_timeout_seconds" koanf:"request_timeout_seconds"`
	Providers             map[string]ProviderConfig `yaml:"providers" koanf:"providers"`
}

// ProviderConfig configures one named AI provider.
type ProviderConfig struct {
	Type         string                 `yaml:"type" koanf:"type"`
	BaseURL      string                 `yaml:"base_url" koanf:"base_url"`
	APIVersion   string                 `yaml:"api_version,omitempty" koanf:"api_version"`
	DefaultModel string                 `yaml:"default_model" koanf:"default_model"`
	Models       map[string]ModelConfig `yaml:"models" koanf:"models"`
	APIKeys      KeyPoolConfig          `yaml:"api_keys" koanf:"api_keys"`
}

// ModelConfig maps a display model name to the provider model id.
type ModelConfig struct {
	ModelID    string  `yaml:"model_id" koanf:"model_id"`
	InputCost  float64 `yaml:"input_cost" koanf:"input_cost"`
	OutputCost float64 `yaml:"output_cost" koanf:"output_cost"`
}

// KeyPoolConfig holds usable and quota-exhausted API keys.
type KeyPoolConfig struct {
	Active    []string `yaml:"active" koanf:"active"`
	Exhausted []string `yaml:"exhausted" koanf:"exhausted"`
}

// AlertsConfig configures operator alert channels.
type AlertsConfig struct {
	Email    EmailAlertConfig    `yaml:"email" koanf:"email"`
	Telegram TelegramAlertConfig `yaml:"telegram" koanf:"telegram"`
}

// EmailAlertConfig configures SMTP alert delivery.
type EmailAlertConfig struct {
	Enabled        bool   `yaml:"enabled" koanf:"enabled"`
	SMTPServer     string `yaml:"smtp_server" koanf:"smtp_server"`
	SMTPPort       int    `yaml:"smtp_port" koanf:"smtp_port"`
	SenderEmail    string `yaml:"sender_email" koanf:"sender_email"`
	SenderPassword string `yaml:"sender_password" koanf:"sender_password"`
	RecipientEmail string `yaml:"recipient_email" koanf:"recipient_email"`
}

// TelegramAlertConfig configures Telegram alert delivery.
type TelegramAlertConfig struct {
	Enabled  bool   `yaml:"enabled" koanf:"enabled"`
	BotToken string `yaml:"bot_token" koanf:"bot_token"`
	ChatID   string `yaml:"chat_id" koanf:"chat_id"`
}

// LoadConfig resolves config.yml, overlays it on defaults, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return Load(configPath)
}

// Load reads the YAML file at path on top of Default and applies env overrides.
// Layers merge key by key, so a file that sets one field of a provider keeps
// the rest of that provider's defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(defaultsProvider{}, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// WECHATBOT_WECHAT__BASE_URL -> wechat.base_url
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// defaultsProvider is the bottom koanf layer: Default rendered as YAML.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return yamlv3.Marshal(Default())
}

func (defaultsProvider) Read() (map[string]any, error) {
	return nil, errors.New("defaults provider does not support Read")
}

// EnsureFile writes the default configuration to path when no file exists yet.
// It reports whether a file was created.
func EnsureFile(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create config dir: %w", err)
		}
	}

	if err := Default().Save(path); err != nil {
		return false, err
	}

	return true, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks values the runtime cannot recover from.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.CallbackPath, "/") {
		return fmt.Errorf("server.callback_path %q must start with /", c.Server.CallbackPath)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		return errors.New("dispatch.max_concurrent must be greater than zero")
	}
	if c.Handlers.AIChat.HistoryLimit < 0 {
		return errors.New("handlers.ai_chat.history_limit must be non-negative")
	}

	for name, provider := range c.AIService.Providers {
		switch provider.Type {
		case ProviderTypeOpenAI, ProviderTypeAnthropic:
		default:
			return fmt.Errorf("ai_service.providers.%s.type %q is not supported", name, provider.Type)
		}
	}

	return nil
}

// ResolvedPath returns the config path LoadConfig would read, or the
// cwd-local default when none exists yet.
func ResolvedPath() string {
	if path, err := findConfigPath(); err == nil {
		return path
	}
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		return value
	}

	return DefaultFileName
}

// applyEnvOverrides injects selected env-driven secrets on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envGeweToken)); token != "" {
		cfg.WeChat.Token = token
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Alerts.Telegram.BotToken = token
	}

	if chatID := strings.TrimSpace(os.Getenv(envTelegramAlertChat)); chatID != "" {
		cfg.Alerts.Telegram.ChatID = chatID
	}

	// AI_KEYS_DEEPSEEK=sk-1,sk-2 replaces the active key pool of provider "deepseek".
	for name, provider := range cfg.AIService.Providers {
		raw := strings.TrimSpace(os.Getenv(envAIKeysPrefix + strings.ToUpper(name)))
		if raw == "" {
			continue
		}
		provider.APIKeys.Active = parseCSV(raw)
		cfg.AIService.Providers[name] = provider
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is WECHATBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, DefaultFileName),
		filepath.Join(cwd, "config", DefaultFileName),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%s not found (checked %s and %s)", DefaultFileName, candidates[0], candidates[1])
}
