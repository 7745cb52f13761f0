package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mymmrac/telego"

	"wechatbot/pkg/config"
)

const testBotToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawA"

type recordingChannel struct {
	name string
	err  error

	mu    sync.Mutex
	calls []string
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, subject string, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, subject+"|"+body)
	return c.err
}

func TestManagerFansOutAndSurvivesFailures(t *testing.T) {
	failing := &recordingChannel{name: "broken", err: errors.New("smtp down")}
	ok := &recordingChannel{name: "ok"}

	m := NewManagerWithChannels(nil, failing, ok)
	if !m.Enabled() {
		t.Fatal("expected manager enabled")
	}

	m.Send(context.Background(), "", "account offline")

	for _, ch := range []*recordingChannel{failing, ok} {
		if len(ch.calls) != 1 || ch.calls[0] != DefaultSubject+"|account offline" {
			t.Fatalf("%s calls = %v", ch.name, ch.calls)
		}
	}
}

func TestNewManagerEnablesConfiguredChannels(t *testing.T) {
	m, err := NewManager(config.AlertsConfig{}, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if m.Enabled() {
		t.Fatal("expected no channels when all disabled")
	}

	m, err = NewManager(config.AlertsConfig{
		Email:    config.EmailAlertConfig{Enabled: true, SMTPServer: "smtp.example.com", SMTPPort: 465},
		Telegram: config.TelegramAlertConfig{Enabled: true, BotToken: testBotToken, ChatID: "42"},
	}, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if len(m.channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(m.channels))
	}
}

func TestNewManagerRejectsBrokenTelegramConfig(t *testing.T) {
	_, err := NewManager(config.AlertsConfig{
		Telegram: config.TelegramAlertConfig{Enabled: true, BotToken: testBotToken},
	}, nil)
	if err == nil {
		t.Fatal("expected error for missing chat id")
	}
}

func TestParseChatID(t *testing.T) {
	tests := []struct {
		input   string
		want    telego.ChatID
		wantErr bool
	}{
		{input: " 42 ", want: telego.ChatID{ID: 42}},
		{input: "-100123", want: telego.ChatID{ID: -100123}},
		{input: "@ops", want: telego.ChatID{Username: "@ops"}},
		{input: "", wantErr: true},
		{input: "ops", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseChatID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseChatID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("parseChatID(%q) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestTelegramSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	t.Cleanup(server.Close)

	tg, err := NewTelegram(config.TelegramAlertConfig{BotToken: testBotToken, ChatID: "42"}, telego.WithAPIServer(server.URL))
	if err != nil {
		t.Fatalf("NewTelegram returned error: %v", err)
	}

	if err := tg.Send(context.Background(), "Offline", "wxid_bot went offline"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/sendMessage") {
		t.Fatalf("path = %q, want sendMessage", gotPath)
	}
	if gotBody["text"] != "Offline\n\nwxid_bot went offline" {
		t.Fatalf("text = %#v", gotBody["text"])
	}
}

func TestEmailMessage(t *testing.T) {
	e := NewEmail(config.EmailAlertConfig{SenderEmail: "bot@example.com", RecipientEmail: "ops@example.com"})
	msg := string(e.message("Bad\r\nBcc: x", "line1\nline2"))

	if !strings.Contains(msg, "Subject: Bad  Bcc: x\r\n") {
		t.Fatalf("subject header not sanitized: %q", msg)
	}
	if !strings.Contains(msg, "To: ops@example.com\r\n") {
		t.Fatalf("missing To header: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\nline1\r\nline2\r\n") {
		t.Fatalf("unexpected body: %q", msg)
	}
}

func TestEmailEncodesNonASCIISubject(t *testing.T) {
	e := NewEmail(config.EmailAlertConfig{SenderEmail: "bot@example.com", RecipientEmail: "ops@example.com"})
	msg := string(e.message("微信账号离线", "body"))

	start := strings.Index(msg, "Subject: ")
	if start < 0 {
		t.Fatalf("missing Subject header: %q", msg)
	}
	header := msg[start+len("Subject: "):]
	header = header[:strings.Index(header, "\r\n")]

	if !strings.HasPrefix(header, "=?utf-8?q?") {
		t.Fatalf("subject not RFC 2047 encoded: %q", header)
	}
	decoded, err := new(mime.WordDecoder).DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode subject: %v", err)
	}
	if decoded != "微信账号离线" {
		t.Fatalf("decoded subject = %q", decoded)
	}
}

func TestEmailRequiresServer(t *testing.T) {
	e := NewEmail(config.EmailAlertConfig{})
	if err := e.Send(context.Background(), "s", "b"); err == nil {
		t.Fatal("expected error without smtp server")
	}
}
