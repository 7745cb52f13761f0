package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"wechatbot/pkg/ai"
	"wechatbot/pkg/config"
	"wechatbot/pkg/conversation"
	"wechatbot/pkg/handler"
	"wechatbot/pkg/message"
)

const fileXML = `<?xml version="1.0"?>
<msg>
	<appmsg appid="" sdkver="0">
		<title>report.xlsx</title>
		<type>6</type>
		<appattach>
			<totallen>2048</totallen>
			<fileext>xlsx</fileext>
			<cdnattachurl>http://cdn/file</cdnattachurl>
			<aeskey>file-key</aeskey>
		</appattach>
	</appmsg>
</msg>`

const imageXML = `<?xml version="1.0"?>
<msg><img aeskey="img-key" cdnthumburl="http://cdn/thumb" length="10" /></msg>`

type sentText struct {
	appID   string
	to      string
	content string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentText
	notices []string
	err     error
}

func (s *fakeSender) SendText(_ context.Context, appID string, to string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentText{appID: appID, to: to, content: content})
	return s.err
}

func (s *fakeSender) SendProcessingNotice(_ context.Context, _ string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, to)
	return s.err
}

func (s *fakeSender) texts() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.sent...)
}

type fakeResponder struct {
	reply   string
	err     error
	release chan struct{}
	started chan struct{}

	mu       sync.Mutex
	requests []ai.Request
}

func (r *fakeResponder) GetResponse(ctx context.Context, req ai.Request) (string, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.reply, r.err
}

type fakeAlerter struct {
	mu     sync.Mutex
	bodies []string
}

func (a *fakeAlerter) Send(_ context.Context, _ string, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bodies = append(a.bodies, body)
}

func event(msgType int, content string) *message.Context {
	return message.NewContext(message.Payload{
		TypeName: "AddMsg",
		AppID:    "wx_app",
		Wxid:     "wxid_bot",
		Data: message.PayloadData{
			MsgType:      msgType,
			FromUserName: message.StringValue{String: "wxid_alice"},
			ToUserName:   message.StringValue{String: "wxid_bot"},
			Content:      message.StringValue{String: content},
		},
	})
}

func buildTree(t *testing.T, deps Deps) *handler.Processor {
	t.Helper()
	registry := handler.NewRegistry(Factories(deps), nil)
	Register(registry, deps.Config)
	processor, err := registry.Build()
	require.NoError(t, err)
	return processor
}

func chatConfig() config.HandlersConfig {
	cfg := config.Default().Handlers
	cfg.AIChat.Enabled = true
	return cfg
}

func TestDefaultTreeCompletesForTextMessage(t *testing.T) {
	sender := &fakeSender{}
	responder := &fakeResponder{reply: "hello back"}
	processor := buildTree(t, Deps{Config: chatConfig(), Sender: sender, Responder: responder})

	require.Equal(t, "text\n  single_submit\n    ai_chat\nimage\nfile\n", processor.Tree())

	outcome := processor.Process(context.Background(), event(1, "hello"))
	require.True(t, outcome.Complete)
	require.Equal(t, 1, outcome.Handled, "only the text root accepts a text message")

	require.Equal(t, []sentText{{appID: "wx_app", to: "wxid_alice", content: "hello back"}}, sender.texts())
	require.Len(t, responder.requests, 1)
	require.Equal(t, "deepseek", responder.requests[0].Provider)
	require.Equal(t, "deepseek-chat", responder.requests[0].Model)
}

func TestOptionalKindsFollowConfig(t *testing.T) {
	cfg := chatConfig()
	cfg.Echo.Enabled = true
	cfg.OfflineAlert.Enabled = true

	processor := buildTree(t, Deps{Config: cfg, Sender: &fakeSender{}, Alerter: &fakeAlerter{}})
	require.Equal(t, "text\n  single_submit\n    ai_chat\n    echo\nimage\nfile\noffline_alert\n", processor.Tree())
}

func TestFileHandlerExtractsAttachment(t *testing.T) {
	h := &File{log: testLogger()}
	mc := event(49, fileXML)

	require.True(t, h.CanHandle(context.Background(), mc))
	require.True(t, h.Handle(context.Background(), mc))

	require.Equal(t, "report.xlsx", mc.GetString(KeyFileName))
	require.Equal(t, "xlsx", mc.GetString(KeyFileExt))
	size, ok := mc.GetInt(KeyFileSize)
	require.True(t, ok)
	require.Equal(t, 2048, size)
	require.Equal(t, "http://cdn/file", mc.GetString(KeyCDNURL))
	require.Equal(t, "file-key", mc.GetString(KeyAESKey))
}

func TestFileHandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed xml", content: "<msg><appmsg>"},
		{name: "no appmsg", content: "<msg><other/></msg>"},
		{name: "no appattach", content: "<msg><appmsg><title>a.txt</title></appmsg></msg>"},
		{name: "empty size", content: "<msg><appmsg><title>a.txt</title><appattach><totallen></totallen></appattach></appmsg></msg>"},
		{name: "non integer size", content: "<msg><appmsg><title>a.txt</title><appattach><totallen>big</totallen></appattach></appmsg></msg>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := event(49, tt.content)
			require.False(t, (&File{log: testLogger()}).Handle(context.Background(), mc))
			_, ok := mc.Get(KeyFileName)
			require.False(t, ok)
		})
	}
}

func TestFileHandlerMissingSizeDefaultsToZero(t *testing.T) {
	mc := event(49, "<msg><appmsg><title>notes.txt</title><appattach><fileext>txt</fileext></appattach></appmsg></msg>")

	require.True(t, (&File{log: testLogger()}).Handle(context.Background(), mc))
	require.Equal(t, "notes.txt", mc.GetString(KeyFileName))
	require.Equal(t, "txt", mc.GetString(KeyFileExt))

	size, ok := mc.GetInt(KeyFileSize)
	require.True(t, ok)
	require.Equal(t, 0, size)
}

func TestImageHandler(t *testing.T) {
	h := &Image{log: testLogger()}

	mc := event(3, imageXML)
	require.True(t, h.CanHandle(context.Background(), mc))
	require.True(t, h.Handle(context.Background(), mc))
	require.Equal(t, "http://cdn/thumb", mc.GetString(KeyCDNURL))
	require.Equal(t, "img-key", mc.GetString(KeyAESKey))

	require.False(t, h.Handle(context.Background(), event(3, "not xml")))
	require.False(t, h.Handle(context.Background(), event(3, "<msg><video/></msg>")))
	require.False(t, h.CanHandle(context.Background(), event(1, imageXML)))
}

func TestFileMessageTraversesTree(t *testing.T) {
	processor := buildTree(t, Deps{Config: chatConfig(), Sender: &fakeSender{}, Responder: &fakeResponder{}})

	mc := event(49, fileXML)
	outcome := processor.Process(context.Background(), mc)
	require.True(t, outcome.Complete)
	require.Equal(t, 1, outcome.Handled)
	require.Equal(t, "report.xlsx", mc.GetString(KeyFileName))
}

func TestSingleSubmitRejectsConcurrentMessagesFromSameUser(t *testing.T) {
	sender := &fakeSender{}
	responder := &fakeResponder{
		reply:   "done",
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	processor := buildTree(t, Deps{Config: chatConfig(), Sender: sender, Responder: responder})

	first := make(chan handler.Outcome, 1)
	go func() {
		first <- processor.Process(context.Background(), event(1, "first"))
	}()

	select {
	case <-responder.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the AI responder")
	}

	second := processor.Process(context.Background(), event(1, "second"))
	require.True(t, second.Complete)
	require.Equal(t, []string{"wxid_alice"}, sender.notices)

	close(responder.release)
	require.True(t, (<-first).Complete)
	require.Len(t, responder.requests, 1, "rejected submission must not reach the AI")

	third := processor.Process(context.Background(), event(1, "third"))
	require.True(t, third.Complete)
	require.Len(t, responder.requests, 2, "slot is released after the subtree finished")
}

func TestSingleSubmitFinalizeOnlyReleasesOwnSlot(t *testing.T) {
	h := NewSingleSubmit(&fakeSender{}, testLogger())
	owner := event(1, "a")
	intruder := event(1, "b")

	require.True(t, h.Handle(context.Background(), owner))
	require.False(t, h.Handle(context.Background(), intruder))
	require.False(t, intruder.GetBool(KeySubmissionAccepted))

	h.Finalize(context.Background(), intruder)
	require.True(t, h.InFlight("wx_app", "wxid_alice"))

	h.Finalize(context.Background(), owner)
	require.False(t, h.InFlight("wx_app", "wxid_alice"))
}

func TestAIChatFailureSendsFallback(t *testing.T) {
	sender := &fakeSender{}
	history := conversation.NewStore(10)
	h := &AIChat{
		cfg:       chatConfig().AIChat,
		responder: &fakeResponder{err: errors.New("quota exhausted")},
		sender:    sender,
		history:   history,
		log:       testLogger(),
	}

	mc := event(1, "hello")
	mc.Set(KeySubmissionAccepted, true)
	require.True(t, h.CanHandle(context.Background(), mc))
	require.False(t, h.Handle(context.Background(), mc))

	texts := sender.texts()
	require.Len(t, texts, 1)
	require.True(t, strings.HasPrefix(texts[0].content, ErrorReplyPrefix))
	require.Contains(t, texts[0].content, "quota exhausted")
	require.Empty(t, history.List("wx_app/wxid_alice"))
}

func TestAIChatKeepsHistory(t *testing.T) {
	responder := &fakeResponder{reply: "answer"}
	history := conversation.NewStore(10)
	h := &AIChat{cfg: chatConfig().AIChat, responder: responder, sender: &fakeSender{}, history: history, log: testLogger()}

	for _, prompt := range []string{"one", "two"} {
		mc := event(1, prompt)
		mc.Set(KeySubmissionAccepted, true)
		require.True(t, h.Handle(context.Background(), mc))
	}

	require.Len(t, responder.requests, 2)
	require.Empty(t, responder.requests[0].History)
	require.Len(t, responder.requests[1].History, 2)
	require.Equal(t, "one", responder.requests[1].History[0].Content)
}

func TestAIChatPredicate(t *testing.T) {
	cfg := chatConfig().AIChat
	h := &AIChat{cfg: cfg, responder: &fakeResponder{}, log: testLogger()}

	accepted := event(1, "hi")
	accepted.Set(KeySubmissionAccepted, true)
	require.True(t, h.CanHandle(context.Background(), accepted))

	require.False(t, h.CanHandle(context.Background(), event(1, "hi")), "needs an accepted submission")

	empty := event(1, "   ")
	empty.Set(KeySubmissionAccepted, true)
	require.False(t, h.CanHandle(context.Background(), empty))

	disabled := &AIChat{cfg: config.AIChatConfig{}, responder: &fakeResponder{}, log: testLogger()}
	require.False(t, disabled.CanHandle(context.Background(), accepted))
}

func TestEchoAndOfflineAlert(t *testing.T) {
	sender := &fakeSender{}
	echo := &Echo{sender: sender, log: testLogger()}
	mc := event(1, "say this")
	require.True(t, echo.CanHandle(context.Background(), mc))
	require.True(t, echo.Handle(context.Background(), mc))
	require.Equal(t, "say this", sender.texts()[0].content)

	sender.err = errors.New("gateway down")
	require.False(t, echo.Handle(context.Background(), mc))

	alerter := &fakeAlerter{}
	offline := &OfflineAlert{alerter: alerter, log: testLogger()}
	require.False(t, offline.CanHandle(context.Background(), mc))

	gone := message.NewContext(message.Payload{TypeName: "Offline", AppID: "wx_app", Wxid: "wxid_bot"})
	require.True(t, offline.CanHandle(context.Background(), gone))
	require.True(t, offline.Handle(context.Background(), gone))
	require.Len(t, alerter.bodies, 1)
	require.Contains(t, alerter.bodies[0], "wxid_bot")
}

func TestPreview(t *testing.T) {
	require.Equal(t, "hello", preview(" hello "))

	long := strings.Repeat("a", previewLimit+20)
	got := preview(long)
	require.Len(t, got, previewLimit+3)
	require.True(t, strings.HasSuffix(got, "..."))

	chinese := preview("a" + strings.Repeat("你", 100))
	require.True(t, utf8.ValidString(chinese))
	require.LessOrEqual(t, len(chinese), previewLimit+3)
	require.Equal(t, "a"+strings.Repeat("你", 79)+"...", chinese)
}
