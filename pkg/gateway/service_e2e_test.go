package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/bus"
	"wechatbot/pkg/config"
	"wechatbot/pkg/handler"
	"wechatbot/pkg/handlers"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) SendText(_ context.Context, _ string, to string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+":"+content)
	return nil
}

func (s *recordingSender) SendProcessingNotice(ctx context.Context, appID string, to string) error {
	return s.SendText(ctx, appID, to, "busy")
}

func (s *recordingSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type echoResponder struct{}

func (echoResponder) GetResponse(_ context.Context, req ai.Request) (string, error) {
	return "ai:" + req.Prompt, nil
}

func startGateway(t *testing.T, cfg *config.Config, deps handlers.Deps) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	mb := bus.NewMessageBus(cfg.Dispatch.QueueSize)
	t.Cleanup(mb.Close)

	registry := handler.NewRegistry(handlers.Factories(deps), nil)
	handlers.Register(registry, cfg.Handlers)
	processor, err := registry.Build(handler.WithEventPublisher(mb))
	require.NoError(t, err)

	svc, err := NewService(cfg, processor, mb, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 2*time.Second))

	return baseURL, cancel, errCh
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freeTCPPort(t)
	cfg.Handlers.AIChat.Enabled = true
	return cfg
}

func callback(t *testing.T, baseURL string, body string) {
	t.Helper()

	response, err := http.Post(baseURL+"/callback", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func readStatus(t *testing.T, baseURL string) statusResponse {
	t.Helper()

	response, err := http.Get(baseURL + "/status")
	require.NoError(t, err)
	defer response.Body.Close()

	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	return status
}

func textCallback(user string, content string) string {
	return fmt.Sprintf(`{"TypeName":"AddMsg","Appid":"wx_app","Wxid":"wxid_bot","Data":{"MsgType":1,`+
		`"FromUserName":{"string":%q},"ToUserName":{"string":"wxid_bot"},"Content":{"string":%q},"CreateTime":1700000000}}`, user, content)
}

func TestGatewayE2ETextMessageGetsAIReply(t *testing.T) {
	sender := &recordingSender{}
	cfg := testConfig(t)
	baseURL, cancel, errCh := startGateway(t, cfg, handlers.Deps{
		Config:    cfg.Handlers,
		Sender:    sender,
		Responder: echoResponder{},
	})
	defer cancel()

	callback(t, baseURL, textCallback("wxid_alice", "hello"))
	callback(t, baseURL, textCallback("wxid_bob", "hi"))
	callback(t, baseURL, `{"TypeName":"AddMsg","Data":{"MsgType":49,"Content":{"string":"<msg><appmsg><title>report.xlsx</title><appattach><totallen>2048</totallen></appattach></appmsg></msg>"}}}`)
	callback(t, baseURL, `not json`)

	require.Eventually(t, func() bool {
		status := readStatus(t, baseURL)
		return status.Completed == 3
	}, 3*time.Second, 20*time.Millisecond)

	status := readStatus(t, baseURL)
	require.Equal(t, int64(3), status.Received)
	require.Equal(t, int64(1), status.Rejected)
	require.Equal(t, int64(0), status.Partial)
	require.Equal(t, "ready", status.Status)

	require.ElementsMatch(t, []string{"wxid_alice:ai:hello", "wxid_bob:ai:hi"}, sender.snapshot())

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayRunFailsWhenPortTaken(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = listener.Addr().(*net.TCPAddr).Port

	mb := bus.NewMessageBus(1)
	defer mb.Close()
	svc, err := NewService(cfg, &countingProcessor{}, mb, nil)
	require.NoError(t, err)

	require.Error(t, svc.Run(context.Background()))
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			if statusCode == http.StatusOK || time.Now().After(deadline) {
				return statusCode
			}
		} else if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
