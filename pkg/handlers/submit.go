package handlers

import (
	"context"
	"log/slog"
	"sync"

	"wechatbot/pkg/handler"
	"wechatbot/pkg/message"
)

// SingleSubmit lets each user have at most one text message in flight. The
// slot is claimed in Handle and released in Finalize, after every handler
// below it has finished.
type SingleSubmit struct {
	sender Sender
	log    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]string
}

func NewSingleSubmit(sender Sender, log *slog.Logger) *SingleSubmit {
	if log == nil {
		log = slog.Default()
	}

	return &SingleSubmit{
		sender:   sender,
		log:      log,
		inFlight: make(map[string]string),
	}
}

func (h *SingleSubmit) Kind() handler.Kind { return KindSingleSubmit }

func (h *SingleSubmit) CanHandle(_ context.Context, mc *message.Context) bool {
	return mc.MsgType() == message.MsgTypeText && mc.FromUser() != ""
}

func (h *SingleSubmit) Handle(ctx context.Context, mc *message.Context) bool {
	if !h.claim(slotKey(mc), mc.ID()) {
		h.log.Info("Submission rejected, previous message still processing", "event_id", mc.ID(), "from_user", mc.FromUser())
		if h.sender != nil {
			if err := h.sender.SendProcessingNotice(ctx, mc.AppID(), mc.FromUser()); err != nil {
				h.log.Error("Failed to send processing notice", "event_id", mc.ID(), "error", err)
			}
		}
		return false
	}

	mc.Set(KeySubmissionAccepted, true)
	h.log.Debug("Submission accepted", "event_id", mc.ID(), "from_user", mc.FromUser())
	return true
}

func (h *SingleSubmit) Finalize(_ context.Context, mc *message.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := slotKey(mc)
	if h.inFlight[key] == mc.ID() {
		delete(h.inFlight, key)
	}
}

// InFlight reports whether user of app currently holds a slot.
func (h *SingleSubmit) InFlight(appID string, user string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.inFlight[appID+"/"+user]
	return ok
}

func (h *SingleSubmit) claim(key string, eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, busy := h.inFlight[key]; busy {
		return false
	}
	h.inFlight[key] = eventID
	return true
}

func slotKey(mc *message.Context) string {
	return mc.AppID() + "/" + mc.FromUser()
}
