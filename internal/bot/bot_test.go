package bot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/segment"
)

func testCfg() *config.Config {
	return &config.Config{
		Target:       "usuyus",
		SystemPrompt: "You are usuyus.",
		Thresholds: config.ThresholdConfig{
			Group:   2 * time.Minute,
			Context: 5 * time.Minute,
			Live:    7 * time.Second,
		},
		Usernames: map[string]string{"ali.discord": "ali"},
		Bot: config.BotConfig{
			Platform:      "discord",
			Channel:       "C1",
			Debounce:      40 * time.Millisecond,
			ResetPrefix:   "!",
			MaxReplyChars: 1900,
		},
	}
}

// fakeCompleter records prompts and answers with a fixed reply. When gate is
// set, each completion signals started and blocks until gate is closed.
type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]dataset.ChatMessage
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, turns []dataset.ChatMessage) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, turns)
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if f.gate != nil {
		if f.started != nil {
			f.started <- struct{}{}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeCompleter) prompt(i int) []dataset.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[i]
}

type harness struct {
	d      *Daemon
	ad     *MockAdapter
	llm    *fakeCompleter
	out    *bytes.Buffer
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, cfg *config.Config, llm *fakeCompleter, setup func(*MockAdapter), opts ...func(*DaemonOpts)) *harness {
	t.Helper()
	ad := NewMockAdapter()
	ad.SetBotUserID("BOT")
	if setup != nil {
		setup(ad)
	}
	out := &bytes.Buffer{}
	o := DaemonOpts{Config: cfg, Adapter: ad, Completer: llm, Out: &syncWriter{w: out}}
	for _, fn := range opts {
		fn(&o)
	}
	d, err := NewDaemon(o)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Run(ctx)
		close(done)
	}()

	h := &harness{d: d, ad: ad, llm: llm, out: out, cancel: cancel, done: done}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

// waitFor polls the live context until cond holds.
func (h *harness) waitFor(t *testing.T, cond func(segment.Context, bool) bool) segment.Context {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		c, ok, err := h.d.Snapshot(ctx)
		cancel()
		if err == nil && cond(c, ok) {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
	return segment.Context{}
}

type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// ---------------------------------------------------------------------------
// NewDaemon
// ---------------------------------------------------------------------------

func TestNewDaemon_Validation(t *testing.T) {
	ad := NewMockAdapter()
	llm := &fakeCompleter{}
	noChannel := testCfg()
	noChannel.Bot.Channel = ""
	badCron := testCfg()
	badCron.Bot.ResetCron = "every day"

	tests := []struct {
		name string
		opts DaemonOpts
		want string
	}{
		{"nil config", DaemonOpts{Adapter: ad, Completer: llm}, "config is required"},
		{"nil adapter", DaemonOpts{Config: testCfg(), Completer: llm}, "adapter is required"},
		{"nil completer", DaemonOpts{Config: testCfg(), Adapter: ad}, "completer is required"},
		{"no channel", DaemonOpts{Config: noChannel, Adapter: ad, Completer: llm}, "bot.channel is required"},
		{"bad cron", DaemonOpts{Config: badCron, Adapter: ad, Completer: llm}, "reset schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDaemon(tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_BurstProducesOneReply(t *testing.T) {
	llm := &fakeCompleter{reply: "efendim"}
	h := startDaemon(t, testCfg(), llm, nil)

	base := time.Now()
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", UserName: "ali.discord", Text: "selam", Timestamp: base})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", UserName: "ali.discord", Text: "orda misin", Timestamp: base.Add(time.Second)})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", UserName: "ali.discord", Text: "usuyus", Timestamp: base.Add(2 * time.Second)})

	if !h.ad.WaitSent(1, 2*time.Second) {
		t.Fatal("no reply sent")
	}
	time.Sleep(100 * time.Millisecond)
	if n := llm.calls(); n != 1 {
		t.Fatalf("completions = %d, want 1", n)
	}

	prompt := llm.prompt(0)
	if len(prompt) != 2 {
		t.Fatalf("len(prompt) = %d, want 2: %+v", len(prompt), prompt)
	}
	if prompt[0].Role != dataset.RoleSystem || prompt[0].Content != "You are usuyus." {
		t.Errorf("prompt[0] = %+v", prompt[0])
	}
	if prompt[1].Role != dataset.RoleUser || prompt[1].Name != "ali" || prompt[1].Content != "selam\norda misin\nusuyus" {
		t.Errorf("prompt[1] = %+v", prompt[1])
	}

	sent, _ := h.ad.LastSent()
	if sent.ChannelID != "C1" || sent.Text != "efendim" {
		t.Errorf("sent = %+v", sent)
	}
	if h.ad.TypingCount() != 1 {
		t.Errorf("TypingCount() = %d, want 1", h.ad.TypingCount())
	}

	c := h.waitFor(t, func(c segment.Context, ok bool) bool { return ok && len(c.Groups) == 2 })
	if c.Groups[1].Author != "usuyus" || c.Groups[1].Text() != "efendim" {
		t.Errorf("reply group = %+v", c.Groups[1])
	}
}

func TestRun_ResetCancelsPendingReply(t *testing.T) {
	llm := &fakeCompleter{reply: "efendim"}
	h := startDaemon(t, testCfg(), llm, nil)

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "selam"})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "!reset"})

	h.waitFor(t, func(c segment.Context, ok bool) bool { return !ok })
	time.Sleep(150 * time.Millisecond)
	if n := llm.calls(); n != 0 {
		t.Errorf("completions = %d, want 0 after reset", n)
	}
	if h.ad.SentCount() != 0 {
		t.Errorf("SentCount() = %d, want 0", h.ad.SentCount())
	}
}

func TestRun_IgnoresOtherChannelsAndBots(t *testing.T) {
	llm := &fakeCompleter{reply: "x"}
	h := startDaemon(t, testCfg(), llm, nil)

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C2", UserName: "ali", Text: "wrong channel"})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "other-bot", Text: "beep", IsBot: true})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "BOT", UserName: "mimic", Text: "my own"})
	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "   "})

	h.waitFor(t, func(c segment.Context, ok bool) bool { return !ok })
	time.Sleep(100 * time.Millisecond)
	if n := llm.calls(); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}
}

func TestRun_CompletionErrorKeepsContext(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("boom")}
	h := startDaemon(t, testCfg(), llm, nil)

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "selam"})
	if !h.ad.WaitSent(1, 2*time.Second) {
		t.Fatal("no error notice sent")
	}
	sent, _ := h.ad.LastSent()
	if !strings.HasPrefix(sent.Text, "Error: ") || !strings.Contains(sent.Text, "boom") {
		t.Errorf("sent = %q, want error notice", sent.Text)
	}

	time.Sleep(50 * time.Millisecond)
	c := h.waitFor(t, func(c segment.Context, ok bool) bool { return ok })
	if len(c.Groups) != 1 || c.Groups[0].Text() != "selam" {
		t.Errorf("context changed after failure: %+v", c.Groups)
	}
}

func TestRun_EmptyReplyIsError(t *testing.T) {
	llm := &fakeCompleter{reply: "  "}
	h := startDaemon(t, testCfg(), llm, nil)

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "selam"})
	if !h.ad.WaitSent(1, 2*time.Second) {
		t.Fatal("no error notice sent")
	}
	sent, _ := h.ad.LastSent()
	if !strings.Contains(sent.Text, "empty reply") {
		t.Errorf("sent = %q", sent.Text)
	}
}

func TestRun_SplitsLongReply(t *testing.T) {
	cfg := testCfg()
	cfg.Bot.MaxReplyChars = 10
	llm := &fakeCompleter{reply: "aaaa\nbbbb\ncccc"}
	h := startDaemon(t, cfg, llm, nil)

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali", Text: "selam"})
	if !h.ad.WaitSent(2, 2*time.Second) {
		t.Fatalf("SentCount() = %d, want 2", h.ad.SentCount())
	}
	sent := h.ad.AllSent()
	if sent[0].Text != "aaaa\nbbbb" || sent[1].Text != "cccc" {
		t.Errorf("chunks = %q, %q", sent[0].Text, sent[1].Text)
	}

	// The context holds the full reply, not the chunks.
	c := h.waitFor(t, func(c segment.Context, ok bool) bool { return ok && len(c.Groups) == 2 })
	if c.Groups[1].Text() != "aaaa\nbbbb\ncccc" {
		t.Errorf("reply group = %q", c.Groups[1].Text())
	}
}

func TestRun_WarmStartFromHistory(t *testing.T) {
	cfg := testCfg()
	cfg.Bot.History = 10
	base := time.Now().Add(-time.Minute)
	llm := &fakeCompleter{reply: "x"}
	h := startDaemon(t, cfg, llm, func(ad *MockAdapter) {
		ad.SetHistory("C1", []InboundMessage{
			{UserID: "BOT", UserName: "mimic", Text: "önceki cevap", Timestamp: base.Add(2 * time.Second)},
			{UserID: "U1", UserName: "ali.discord", Text: "soru", Timestamp: base.Add(time.Second)},
			{UserID: "U9", UserName: "other-bot", Text: "beep", Timestamp: base.Add(3 * time.Second), IsBot: true},
		})
	})

	c := h.waitFor(t, func(c segment.Context, ok bool) bool { return ok })
	if len(c.Groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2", len(c.Groups))
	}
	if c.Groups[0].Author != "ali" || c.Groups[1].Author != "usuyus" {
		t.Errorf("authors = %q, %q", c.Groups[0].Author, c.Groups[1].Author)
	}
	if llm.calls() != 0 {
		t.Error("warm start should not trigger a reply")
	}
	if !strings.Contains(h.out.String(), "Warm start: replayed 2 messages") {
		t.Errorf("output = %q", h.out.String())
	}
}

func TestRun_ConversationLog(t *testing.T) {
	db := openTestDB(t)
	llm := &fakeCompleter{reply: "efendim"}
	h := startDaemon(t, testCfg(), llm, nil, func(o *DaemonOpts) { o.DB = db })

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali.discord", Text: "selam", MessageID: "m1"})
	h.waitFor(t, func(c segment.Context, ok bool) bool { return ok && len(c.Groups) == 2 })
	h.stop()

	sessions, err := Sessions(db, "C1", 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.EndReason != EndShutdown {
		t.Errorf("EndReason = %q, want shutdown", s.EndReason)
	}
	if len(s.Turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(s.Turns))
	}
	if s.Turns[0].Role != "user" || s.Turns[0].UserName != "ali" || s.Turns[0].PlatformMsgID != "m1" {
		t.Errorf("turn 0 = %+v", s.Turns[0])
	}
	if s.Turns[1].Role != "assistant" || s.Turns[1].Content != "efendim" {
		t.Errorf("turn 1 = %+v", s.Turns[1])
	}
}

func TestRun_InboundClosed(t *testing.T) {
	h := startDaemon(t, testCfg(), &fakeCompleter{}, nil)
	h.waitFor(t, func(c segment.Context, ok bool) bool { return !ok })
	h.ad.Close()

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after inbound closed")
	}

	_, _, err := h.d.Snapshot(context.Background())
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot after stop = %v, want ErrStopped", err)
	}
}

func TestRun_InboundClosedWaitsForReply(t *testing.T) {
	db := openTestDB(t)
	llm := &fakeCompleter{reply: "efendim", gate: make(chan struct{}), started: make(chan struct{}, 1)}
	h := startDaemon(t, testCfg(), llm, nil, func(o *DaemonOpts) { o.DB = db })

	h.ad.SimulateInbound(InboundMessage{ChannelID: "C1", UserName: "ali.discord", Text: "selam"})
	select {
	case <-llm.started:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never started")
	}
	h.ad.CloseInbound()

	select {
	case <-h.done:
		t.Fatal("Run returned while a reply was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(llm.gate)
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the reply finished")
	}

	if n := h.ad.SentCount(); n != 1 {
		t.Errorf("SentCount() = %d, want 1", n)
	}
	if h.ad.Connected() {
		t.Error("adapter still connected after Run returned")
	}

	sessions, err := Sessions(db, "C1", 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	if s := sessions[0]; s.EndReason != EndShutdown || len(s.Turns) != 2 {
		t.Errorf("session = %+v, want shutdown with 2 turns", s)
	}
}

// ---------------------------------------------------------------------------
// absorbReply
// ---------------------------------------------------------------------------

func TestAbsorbReply_DroppedAfterReset(t *testing.T) {
	d, err := NewDaemon(DaemonOpts{Config: testCfg(), Adapter: NewMockAdapter(), Completer: &fakeCompleter{}, Out: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	d.absorb("ali", "selam", now, dataset.RoleUser, "")
	epoch := d.epoch

	d.reset(EndCommand)
	d.absorb("veli", "yeni konu", now.Add(time.Second), dataset.RoleUser, "")
	d.absorbReply(reply{epoch: epoch, text: "eski cevap", at: now.Add(2 * time.Second)})

	c, ok := d.live.Snapshot()
	if !ok || len(c.Groups) != 1 || c.Groups[0].Author != "veli" {
		t.Errorf("stale reply absorbed: %+v", c.Groups)
	}

	d.absorbReply(reply{epoch: d.epoch, text: "yeni cevap", at: now.Add(3 * time.Second)})
	c, _ = d.live.Snapshot()
	if len(c.Groups) != 2 || c.Groups[1].Author != "usuyus" {
		t.Errorf("current reply not absorbed: %+v", c.Groups)
	}
}
