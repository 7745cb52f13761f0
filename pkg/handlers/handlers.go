// Package handlers provides the concrete handler kinds of the WeChat bot and
// their default placement in the handler tree.
package handlers

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
	"wechatbot/pkg/handler"
)

const (
	KindText         handler.Kind = "text"
	KindImage        handler.Kind = "image"
	KindFile         handler.Kind = "file"
	KindSingleSubmit handler.Kind = "single_submit"
	KindAIChat       handler.Kind = "ai_chat"
	KindEcho         handler.Kind = "echo"
	KindOfflineAlert handler.Kind = "offline_alert"
)

// Processed data keys written by the handlers.
const (
	KeyCDNURL             = "cdnUrl"
	KeyAESKey             = "aesKey"
	KeyFileName           = "fileName"
	KeyFileExt            = "fileExt"
	KeyFileSize           = "fileSize"
	KeySubmissionAccepted = "submissionAccepted"
)

const previewLimit = 240

// Sender delivers text replies to WeChat users.
type Sender interface {
	SendText(ctx context.Context, appID string, toWxid string, content string) error
	SendProcessingNotice(ctx context.Context, appID string, toWxid string) error
}

// Responder produces AI replies.
type Responder interface {
	GetResponse(ctx context.Context, req ai.Request) (string, error)
}

// Alerter notifies operators.
type Alerter interface {
	Send(ctx context.Context, subject string, body string)
}

// Deps are the collaborators shared by handler instances.
type Deps struct {
	Config    config.HandlersConfig
	Sender    Sender
	Responder Responder
	Alerter   Alerter
	History   *conversation.Store
	Log       *slog.Logger
}

// Factories returns a factory for every handler kind.
func Factories(deps Deps) map[handler.Kind]handler.Factory {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "handlers")

	history := deps.History
	if history == nil {
		history = conversation.NewStore(deps.Config.AIChat.HistoryLimit)
	}

	return map[handler.Kind]handler.Factory{
		KindText:  func() handler.Handler { return &Text{log: log} },
		KindImage: func() handler.Handler { return &Image{log: log} },
		KindFile:  func() handler.Handler { return &File{log: log} },
		KindSingleSubmit: func() handler.Handler {
			return NewSingleSubmit(deps.Sender, log)
		},
		KindAIChat: func() handler.Handler {
			return &AIChat{
				cfg:       deps.Config.AIChat,
				responder: deps.Responder,
				sender:    deps.Sender,
				history:   history,
				log:       log,
			}
		},
		KindEcho: func() handler.Handler { return &Echo{sender: deps.Sender, log: log} },
		KindOfflineAlert: func() handler.Handler {
			return &OfflineAlert{alerter: deps.Alerter, log: log}
		},
	}
}

// Register declares the default tree: text, image and file roots,
// single_submit below text, ai_chat below single_submit, plus the optional
// kinds switched on in cfg.
func Register(reg *handler.Registry, cfg config.HandlersConfig) {
	reg.Register(KindText, "")
	reg.Register(KindImage, "")
	reg.Register(KindFile, "")
	reg.Register(KindSingleSubmit, KindText)
	reg.Register(KindAIChat, KindSingleSubmit)

	if cfg.Echo.Enabled {
		reg.Register(KindEcho, KindSingleSubmit)
	}
	if cfg.OfflineAlert.Enabled {
		reg.Register(KindOfflineAlert, "")
	}
}

// preview returns at most previewLimit bytes of text for logs, cut on a
// rune boundary.
func preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= previewLimit {
		return trimmed
	}

	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}

	return trimmed[:cut] + "..."
}
