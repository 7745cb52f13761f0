package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"wechatbot/pkg/config"
)

// Telegram sends alerts to one chat through the Bot API.
type Telegram struct {
	bot    *telego.Bot
	chatID telego.ChatID
}

// NewTelegram validates the bot token and chat id. Extra options are passed
// to telego, e.g. telego.WithAPIServer.
func NewTelegram(cfg config.TelegramAlertConfig, opts ...telego.BotOption) (*Telegram, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("alerts.telegram.bot_token is required")
	}
	chatID, err := parseChatID(cfg.ChatID)
	if err != nil {
		return nil, err
	}

	opts = append([]telego.BotOption{telego.WithDiscardLogger()}, opts...)
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Send(ctx context.Context, subject string, body string) error {
	text := strings.TrimSpace(body)
	if subject = strings.TrimSpace(subject); subject != "" {
		text = subject + "\n\n" + text
	}

	if _, err := t.bot.SendMessage(ctx, tu.Message(t.chatID, text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

// parseChatID accepts a numeric chat id or an @channel username.
func parseChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, errors.New("alerts.telegram.chat_id is required")
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if strings.HasPrefix(raw, "@") {
		return tu.Username(raw), nil
	}

	return telego.ChatID{}, fmt.Errorf("alerts.telegram.chat_id %q is neither numeric nor @username", raw)
}
