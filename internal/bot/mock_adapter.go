package bot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter, BotUserIDer, Typer and HistoryReader for
// testing. It records sent messages and allows simulating inbound messages
// via SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []OutboundMessage
	typing    int
	history   map[string][]InboundMessage
	botUserID string
	sendErr   error
	notify    chan struct{}
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundMessage, 100),
		history: make(map[string][]InboundMessage),
		notify:  make(chan struct{}, 100),
	}
}

// BotUserID returns the configured bot user ID.
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Typing counts typing indicator requests.
func (m *MockAdapter) Typing(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

// History returns pre-configured history for a channel.
func (m *MockAdapter) History(ctx context.Context, channelID string, limit int) ([]InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[channelID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// CloseInbound closes the inbound channel without disconnecting, as when the
// platform drops the event stream.
func (m *MockAdapter) CloseInbound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.inbound)
}

// Closed reports whether the inbound channel has been closed.
func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Connected reports whether the adapter is connected.
func (m *MockAdapter) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SetHistory pre-populates channel history.
func (m *MockAdapter) SetHistory(channelID string, msgs []InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[channelID] = msgs
}

// SetSendError makes every subsequent Send fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// WaitSent blocks until at least n messages have been sent or the timeout
// elapses, and reports whether the count was reached.
func (m *MockAdapter) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.SentCount() >= n {
			return true
		}
		select {
		case <-m.notify:
		case <-deadline:
			return m.SentCount() >= n
		}
	}
}

// LastSent returns the most recently sent outbound message.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// TypingCount returns the number of typing indicators requested.
func (m *MockAdapter) TypingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
