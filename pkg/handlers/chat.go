package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
	"wechatbot/pkg/handler"
	"wechatbot/pkg/message"
)

// ErrorReplyPrefix starts the reply sent when the AI call fails.
const ErrorReplyPrefix = "抱歉，处理您的消息时出现错误: "

// AIChat answers accepted text submissions with an AI reply.
type AIChat struct {
	cfg       config.AIChatConfig
	responder Responder
	sender    Sender
	history   *conversation.Store
	log       *slog.Logger
}

func (h *AIChat) Kind() handler.Kind { return KindAIChat }

func (h *AIChat) CanHandle(_ context.Context, mc *message.Context) bool {
	return h.cfg.Enabled &&
		h.responder != nil &&
		mc.MsgType() == message.MsgTypeText &&
		strings.TrimSpace(mc.Content()) != "" &&
		mc.GetBool(KeySubmissionAccepted)
}

func (h *AIChat) Handle(ctx context.Context, mc *message.Context) bool {
	log := h.log.With("event_id", mc.ID(), "from_user", mc.FromUser())
	user := mc.AppID() + "/" + mc.FromUser()

	reply, err := h.responder.GetResponse(ctx, ai.Request{
		Prompt:   mc.Content(),
		History:  h.history.List(user),
		Provider: h.cfg.Provider,
		Model:    h.cfg.Model,
	})
	if err != nil {
		log.Error("AI chat failed", "error", err)
		h.send(ctx, mc, ErrorReplyPrefix+err.Error())
		return false
	}

	if !h.send(ctx, mc, reply) {
		return false
	}

	h.history.AppendExchange(user, mc.Content(), reply)
	log.Info("AI reply sent", "response_length", len(reply))
	return true
}

func (h *AIChat) send(ctx context.Context, mc *message.Context, text string) bool {
	if h.sender == nil {
		return false
	}
	if err := h.sender.SendText(ctx, mc.AppID(), mc.FromUser(), text); err != nil {
		h.log.Error("Failed to send reply", "event_id", mc.ID(), "error", err)
		return false
	}

	return true
}

// Echo repeats text messages back to the sender.
type Echo struct {
	sender Sender
	log    *slog.Logger
}

func (h *Echo) Kind() handler.Kind { return KindEcho }

func (h *Echo) CanHandle(_ context.Context, mc *message.Context) bool {
	return h.sender != nil && mc.MsgType() == message.MsgTypeText && mc.Content() != ""
}

func (h *Echo) Handle(ctx context.Context, mc *message.Context) bool {
	if err := h.sender.SendText(ctx, mc.AppID(), mc.FromUser(), mc.Content()); err != nil {
		h.log.Error("Failed to echo message", "event_id", mc.ID(), "error", err)
		return false
	}

	h.log.Info("Echoed message", "event_id", mc.ID(), "from_user", mc.FromUser())
	return true
}

// OfflineAlert notifies operators when the bot account goes offline.
type OfflineAlert struct {
	alerter Alerter
	log     *slog.Logger
}

const typeNameOffline = "Offline"

func (h *OfflineAlert) Kind() handler.Kind { return KindOfflineAlert }

func (h *OfflineAlert) CanHandle(_ context.Context, mc *message.Context) bool {
	return h.alerter != nil && mc.TypeName() == typeNameOffline
}

func (h *OfflineAlert) Handle(ctx context.Context, mc *message.Context) bool {
	h.log.Warn("Account went offline", "event_id", mc.ID(), "wxid", mc.Wxid())
	h.alerter.Send(ctx, "", fmt.Sprintf("WeChat account %s went offline (app %s)", mc.Wxid(), mc.AppID()))
	return true
}
