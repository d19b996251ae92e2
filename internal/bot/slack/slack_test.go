package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/mimic/internal/bot"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu         sync.Mutex
	authResp   *slackapi.AuthTestResponse
	authErr    error
	posted     []string // "channel|text"
	postErr    error
	pages      []*slackapi.GetConversationHistoryResponse
	cursors    []string
	historyErr error
	users      map[string]*slackapi.User
	userCalls  int
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return "", "", err
	}
	m.posted = append(m.posted, channelID+"|"+values.Get("text"))
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetConversationHistory(params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	m.cursors = append(m.cursors, params.Cursor)
	if len(m.pages) == 0 {
		return &slackapi.GetConversationHistoryResponse{}, nil
	}
	page := m.pages[0]
	m.pages = m.pages[1:]
	return page, nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) Run() error {
	<-m.done
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// failingSocketClient fails Run() failCount times, then returns cleanly.
type failingSocketClient struct {
	mu        sync.Mutex
	failCount int
	runCalls  int
	events    chan socketmode.Event
}

func (f *failingSocketClient) Run() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runCalls <= f.failCount {
		return fmt.Errorf("websocket closed")
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event            { return f.events }
func (f *failingSocketClient) Ack(req socketmode.Request, p ...interface{}) {}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		select {
		case <-socket.done:
		default:
			close(socket.done)
		}
	})
	return a, client, socket
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-" + ev.TimeStamp},
	}
}

// --- New / Connect ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %v, want bot token error", err)
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb"}); err == nil || !strings.Contains(err.Error(), "app token") {
		t.Errorf("error = %v, want app token error", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if got := a.BotUserID(); got != "U_BOT_123" {
		t.Errorf("BotUserID() = %q, want U_BOT_123", got)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("error = %v, want auth test error", err)
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{ID: "U_ALICE", Name: "alice"}

	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:      "U_ALICE",
		Channel:   "C1",
		Text:      "hello",
		TimeStamp: "1700000000.000001",
	})

	select {
	case msg := <-ch:
		if msg.Platform != "slack" || msg.ChannelID != "C1" || msg.Text != "hello" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.UserName != "alice" {
			t.Errorf("username = %q, want alice", msg.UserName)
		}
		if msg.MessageID != "1700000000.000001" {
			t.Errorf("message id = %q", msg.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_Filters(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "C1", Text: "self", TimeStamp: "1.1"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "edit", SubType: "message_changed", TimeStamp: "1.2"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U1", Channel: "C1", Text: "in thread", ThreadTimeStamp: "1.0", TimeStamp: "1.3"})
	socket.events <- messageEvent(&slackevents.MessageEvent{BotID: "B9", Channel: "C1", Text: "beep", SubType: "bot_message", TimeStamp: "1.4"})

	select {
	case msg := <-ch:
		if msg.Text != "beep" || !msg.IsBot {
			t.Errorf("msg = %+v, want bot message flagged", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected message %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Send ---

func TestSend(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.Send(context.Background(), bot.OutboundMessage{ChannelID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(context.Background(), bot.OutboundMessage{Text: "default"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := strings.Join(client.posted, ","); got != "C1|hi,C_DEFAULT|default" {
		t.Errorf("posted = %s", got)
	}
}

func TestSend_Errors(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if err := a.Send(context.Background(), bot.OutboundMessage{ChannelID: "C1"}); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("error = %v, want not connected", err)
	}
	a.Connect(context.Background())
	if err := a.Send(context.Background(), bot.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("error = %v, want no channel", err)
	}
}

// --- History ---

func TestHistory_PaginatesOldestFirst(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{ID: "U1", Name: "ali"}

	first := &slackapi.GetConversationHistoryResponse{
		HasMore: true,
		Messages: []slackapi.Message{
			{Msg: slackapi.Msg{User: "U1", Text: "three", Timestamp: "1700000003.000000"}},
			{Msg: slackapi.Msg{User: "U1", Text: "joined", SubType: "channel_join", Timestamp: "1700000002.500000"}},
			{Msg: slackapi.Msg{User: "U1", Text: "two", Timestamp: "1700000002.000000"}},
		},
	}
	first.ResponseMetaData.NextCursor = "next"
	second := &slackapi.GetConversationHistoryResponse{
		Messages: []slackapi.Message{
			{Msg: slackapi.Msg{User: "U1", Text: "one", Timestamp: "1700000001.000000"}},
		},
	}
	client.pages = []*slackapi.GetConversationHistoryResponse{first, second}

	msgs, err := a.History(context.Background(), "C1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	if got := strings.Join(texts, ","); got != "one,two,three" {
		t.Errorf("history = %s, want one,two,three", got)
	}
	if msgs[0].UserName != "ali" {
		t.Errorf("username = %q, want ali", msgs[0].UserName)
	}
	if len(client.cursors) != 2 || client.cursors[1] != "next" {
		t.Errorf("cursors = %q", client.cursors)
	}
	if client.userCalls != 1 {
		t.Errorf("GetUserInfo calls = %d, want 1 (cached)", client.userCalls)
	}
}

func TestHistory_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.historyErr = fmt.Errorf("channel_not_found")
	if _, err := a.History(context.Background(), "C1", 10); err == nil {
		t.Fatal("expected error")
	}
}

// --- helpers ---

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"1700000000.000001", time.Unix(1700000000, 1000)},
		{"1234567890.123456", time.Unix(1234567890, 123456000)},
		{"1234567890.5", time.Unix(1234567890, 500000000)},
		{"1234567890", time.Unix(1234567890, 0)},
		{"", time.Time{}},
		{"invalid", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseSlackTimestamp(tt.ts); !got.Equal(tt.want) {
			t.Errorf("parseSlackTimestamp(%q) = %v, want %v", tt.ts, got, tt.want)
		}
	}
}

func TestResolveUserName(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{ID: "U1", Name: "ali"}
	u2 := &slackapi.User{ID: "U2"}
	u2.Profile.DisplayName = "Veli"
	client.users["U2"] = u2

	tests := []struct{ id, want string }{
		{"U1", "ali"},
		{"U2", "Veli"},
		{"U404", "U404"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := a.resolveUserName(tt.id); got != tt.want {
			t.Errorf("resolveUserName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestRetryOnRateLimit_RetriesAndSucceeds(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err = %v, calls = %d; want success after 3 calls", err, calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil || calls != maxRetries+1 {
		t.Errorf("err = %v, calls = %d; want error after %d calls", err, calls, maxRetries+1)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 10)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: runWithReconnect should finish after retries succeed")
	}

	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("expected 3 Run() calls (2 failures + 1 success), got %d", socket.runCalls)
	}
}
