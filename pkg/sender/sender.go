// Package sender posts outbound text messages through the GeWe gateway API.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wechatbot/pkg/config"
)

const (
	tokenHeader   = "X-GEWE-TOKEN"
	postTextPath  = "/message/postText"
	successCode   = 200
	maxErrorBytes = 4096

	// ProcessingNotice tells a user their previous message is still being handled.
	ProcessingNotice = "消息处理中，请等待处理结束再次发送消息。"
)

var ErrSendFailed = errors.New("send text failed")

// Client sends messages for one GeWe account.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

type postTextRequest struct {
	AppID   string `json:"appId"`
	ToWxid  string `json:"toWxid"`
	Content string `json:"content"`
}

type apiResponse struct {
	Ret int    `json:"ret"`
	Msg string `json:"msg"`
}

// New creates a client from the wechat config section.
func New(cfg config.WeChatConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "sender"),
	}
}

// SendText posts content to toWxid. It succeeds only when the gateway answers
// HTTP 200 with ret 200.
func (c *Client) SendText(ctx context.Context, appID string, toWxid string, content string) error {
	body, err := json.Marshal(postTextRequest{AppID: appID, ToWxid: toWxid, Content: content})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+postTextPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)

	startedAt := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("Send text request failed", "to_wxid", toWxid, "error", err)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		c.log.Error("Send text rejected", "to_wxid", toWxid, "status", resp.StatusCode, "body", strings.TrimSpace(string(snippet)))
		return fmt.Errorf("%w: HTTP %d", ErrSendFailed, resp.StatusCode)
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.log.Error("Send text response undecodable", "to_wxid", toWxid, "error", err)
		return fmt.Errorf("%w: decode response: %w", ErrSendFailed, err)
	}
	if result.Ret != successCode {
		msg := strings.TrimSpace(result.Msg)
		if msg == "" {
			msg = "unknown error"
		}
		c.log.Error("Send text failed", "to_wxid", toWxid, "ret", result.Ret, "msg", msg)
		return fmt.Errorf("%w: ret %d: %s", ErrSendFailed, result.Ret, msg)
	}

	c.log.Info("Text message sent",
		"to_wxid", toWxid,
		"content_length", len(content),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	return nil
}

// SendProcessingNotice sends the fixed busy notice to toWxid.
func (c *Client) SendProcessingNotice(ctx context.Context, appID string, toWxid string) error {
	return c.SendText(ctx, appID, toWxid, ProcessingNotice)
}
