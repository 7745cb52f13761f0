package config

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8069,
			CallbackPath: "/callback",
		},
		WeChat: WeChatConfig{
			BaseURL:               "http://localhost:2531/v2/api",
			CallbackURL:           "http://localhost:8069/callback",
			RequestTimeoutSeconds: 10,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 5,
			QueueSize:     100,
		},
		Handlers: HandlersConfig{
			AIChat: AIChatConfig{
				Enabled:      false,
				Provider:     "deepseek",
				Model:        "deepseek-chat",
				HistoryLimit: 20,
			},
		},
		AIService: AIServiceConfig{
			DefaultProvider:       "claude",
			RequestTimeoutSeconds: 30,
			Providers: map[string]ProviderConfig{
				"claude": {
					Type:         ProviderTypeAnthropic,
					BaseURL:      "https://api.anthropic.com",
					APIVersion:   "2023-06-01",
					DefaultModel: "Claude-3-Sonnet",
					Models: map[string]ModelConfig{
						"Claude-3-Sonnet": {ModelID: "claude-3-sonnet-20240229", InputCost: 3.0, OutputCost: 15.0},
					},
				},
				"openai": {
					Type:         ProviderTypeOpenAI,
					BaseURL:      "https://api.openai.com/v1",
					DefaultModel: "GPT-4-Turbo",
					Models: map[string]ModelConfig{
						"GPT-4-Turbo": {ModelID: "gpt-4-turbo-preview", InputCost: 3.0, OutputCost: 12.0},
					},
				},
				"deepseek": {
					Type:         ProviderTypeOpenAI,
					BaseURL:      "https://api.deepseek.com/v1",
					DefaultModel: "deepseek-chat",
					Models: map[string]ModelConfig{
						"deepseek-chat": {ModelID: "deepseek-chat", InputCost: 0.27, OutputCost: 1.1},
					},
				},
			},
		},
		Alerts: AlertsConfig{
			Email: EmailAlertConfig{
				SMTPServer: "smtp.gmail.com",
				SMTPPort:   465,
			},
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}
