// Package alert notifies operators through email and Telegram.
package alert

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"wechatbot/pkg/config"
)

// DefaultSubject is used when an alert is sent without a subject.
const DefaultSubject = "WeChat Bot Alert"

// Channel delivers alerts over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, subject string, body string) error
}

// Manager fans alerts out to every enabled channel.
type Manager struct {
	channels []Channel
	log      *slog.Logger
}

// NewManager enables each channel whose config section is switched on.
func NewManager(cfg config.AlertsConfig, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{log: log.With("component", "alert")}
	if cfg.Email.Enabled {
		m.channels = append(m.channels, NewEmail(cfg.Email))
		m.log.Info("Email alerts enabled", "recipient", cfg.Email.RecipientEmail)
	}
	if cfg.Telegram.Enabled {
		tg, err := NewTelegram(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		m.channels = append(m.channels, tg)
		m.log.Info("Telegram alerts enabled")
	}

	return m, nil
}

// NewManagerWithChannels builds a manager over explicit channels.
func NewManagerWithChannels(log *slog.Logger, channels ...Channel) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{channels: channels, log: log.With("component", "alert")}
}

// Enabled reports whether any channel is configured.
func (m *Manager) Enabled() bool {
	return len(m.channels) > 0
}

// Send delivers the alert on all channels concurrently. Failures are logged
// per channel and never stop the others.
func (m *Manager) Send(ctx context.Context, subject string, body string) {
	if subject == "" {
		subject = DefaultSubject
	}

	var g errgroup.Group
	for _, ch := range m.channels {
		g.Go(func() error {
			if err := ch.Send(ctx, subject, body); err != nil {
				m.log.Error("Alert delivery failed", "channel", ch.Name(), "error", err)
				return nil
			}
			m.log.Info("Alert delivered", "channel", ch.Name())
			return nil
		})
	}
	_ = g.Wait()
}
