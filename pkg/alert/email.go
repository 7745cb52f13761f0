package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"wechatbot/pkg/config"
)

const dialTimeout = 15 * time.Second

// Email sends alerts over SMTP with implicit TLS.
type Email struct {
	cfg config.EmailAlertConfig
}

func NewEmail(cfg config.EmailAlertConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Name() string {
	return "email"
}

func (e *Email) Send(ctx context.Context, subject string, body string) error {
	if strings.TrimSpace(e.cfg.SMTPServer) == "" || strings.TrimSpace(e.cfg.RecipientEmail) == "" {
		return errors.New("email alert requires smtp_server and recipient_email")
	}

	addr := net.JoinHostPort(e.cfg.SMTPServer, strconv.Itoa(e.cfg.SMTPPort))
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: e.cfg.SMTPServer}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.SMTPServer)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if e.cfg.SenderPassword != "" {
		auth := smtp.PlainAuth("", e.cfg.SenderEmail, e.cfg.SenderPassword, e.cfg.SMTPServer)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(e.cfg.SenderEmail); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(e.cfg.RecipientEmail); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(e.message(subject, body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}

	return client.Quit()
}

func (e *Email) message(subject string, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + e.cfg.SenderEmail + "\r\n")
	b.WriteString("To: " + e.cfg.RecipientEmail + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", sanitizeHeader(subject)) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return []byte(b.String())
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
