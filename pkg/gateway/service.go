// Package gateway receives GeWe callbacks over HTTP and dispatches them to
// the handler tree.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wechatbot/pkg/bus"
	"wechatbot/pkg/config"
	"wechatbot/pkg/message"
)

const (
	defaultHost         = "0.0.0.0"
	defaultCallbackPath = "/callback"
	maxCallbackBytes    = 10 << 20
	publishTimeout      = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Service is the webhook server plus its dispatch loop.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	processor  Processor
	dispatcher *dispatcher
	router     chi.Router

	mu        sync.RWMutex
	startedAt time.Time
	listening bool

	received  atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	partial   atomic.Int64
}

type ackResponse struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Received      int64  `json:"received"`
	Rejected      int64  `json:"rejected"`
	Completed     int64  `json:"completed"`
	Partial       int64  `json:"partial"`
	Pending       int    `json:"pending"`
}

// NewService wires the router and dispatcher. The processor must already
// hold the built handler tree.
func NewService(cfg *config.Config, processor Processor, mb *bus.MessageBus, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		bus:        mb,
		processor:  processor,
		dispatcher: newDispatcher(mb, processor, cfg.Dispatch.MaxConcurrent, log),
	}
	s.router = s.buildRouter()

	return s, nil
}

// Handler returns the HTTP handler serving the callback and status routes.
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	callbackPath := strings.TrimSpace(s.cfg.Server.CallbackPath)
	if callbackPath == "" {
		callbackPath = defaultCallbackPath
	}

	r.Post(callbackPath, s.handleCallback)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/status", s.handleStatus)

	return r
}

// Run serves HTTP and dispatches events until ctx is done. On shutdown the
// listener closes first, then in-flight events are awaited.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	host := strings.TrimSpace(s.cfg.Server.Host)
	if host == "" {
		host = defaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	events, unsubscribe := s.bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()
	go s.countEvents(events)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatcher.run(ctx)
	}()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.listening = true
	s.mu.Unlock()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	s.log.Info("Webhook server started", "address", listener.Addr().String(), "callback_path", s.cfg.Server.CallbackPath)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("serve webhook: %w", err)
		}
	}

	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Webhook server shutdown incomplete", "error", err)
	}

	if runErr != nil {
		// The dispatcher only stops on ctx; a server failure must not hang here.
		return runErr
	}

	<-dispatchDone
	s.log.Info("Webhook server stopped")
	return nil
}

// handleCallback acknowledges every delivery with 200. Undecodable bodies
// and a full queue are logged and counted, never surfaced to GeWe.
func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	defer s.writeAck(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		s.reject(r.Context(), "read body", err)
		return
	}

	payload, err := message.DecodePayload(body)
	if err != nil {
		s.reject(r.Context(), "decode payload", err)
		return
	}

	publishCtx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()

	if !s.bus.PublishInbound(publishCtx, bus.InboundEvent{ReceivedAt: time.Now().UTC(), Payload: payload}) {
		s.reject(r.Context(), "enqueue event", errors.New("inbound queue unavailable"))
		return
	}

	s.bus.PublishEvent(r.Context(), bus.Event{
		Type:     bus.EventMessageReceived,
		FromUser: payload.Data.FromUserName.String,
		MsgType:  payload.Data.MsgType,
		Payload:  map[string]string{"type_name": payload.TypeName},
	})
	s.log.Debug("Callback accepted", "type_name", payload.TypeName, "msg_type", payload.Data.MsgType, "from_user", payload.Data.FromUserName.String)
}

func (s *Service) reject(ctx context.Context, stage string, err error) {
	s.log.Error("Callback rejected", "stage", stage, "error", err)
	s.bus.PublishEvent(ctx, bus.Event{Type: bus.EventMessageRejected, Error: err.Error()})
}

func (s *Service) writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ackResponse{Status: "success", Msg: "message received"}); err != nil {
		s.log.Error("Failed to write callback response", "error", err)
	}
}

func (s *Service) countEvents(events <-chan bus.Event) {
	for event := range events {
		switch event.Type {
		case bus.EventMessageReceived:
			s.received.Add(1)
		case bus.EventMessageRejected:
			s.rejected.Add(1)
		case bus.EventMessageCompleted:
			s.completed.Add(1)
		case bus.EventMessagePartial:
			s.partial.Add(1)
		}
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := int64(0)
	if !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Received:      s.received.Load(),
		Rejected:      s.rejected.Load(),
		Completed:     s.completed.Load(),
		Partial:       s.partial.Load(),
		Pending:       s.bus.Pending(),
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listening && s.processor != nil
}

func sinceMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return time.Since(t).Milliseconds()
}
