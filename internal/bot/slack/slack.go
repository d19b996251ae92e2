// Package slack implements the bot Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/mimic/internal/bot"
)

const (
	platform = "slack"

	maxRetries           = 3               // per rate-limited API call
	baseBackoff          = 2 * time.Second // first Socket Mode reconnect delay
	maxBackoff           = 2 * time.Minute // reconnect delay cap
	maxReconnectAttempts = 10              // before the listener gives up
	pageSize             = 200             // conversations.history page
)

// slackClient is the part of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationHistory(params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the part of the Socket Mode client the adapter drives.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter connects the bot to one Slack workspace over Socket Mode.
type Adapter struct {
	appToken  string
	botToken  string
	channelID string

	client slackClient
	socket socketClient

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	stop      context.CancelFunc
	names     map[string]string // user ID -> handle
	inbound   chan bot.InboundMessage

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-..., enables Socket Mode
	BotToken  string // xoxb-...
	ChannelID string // used when a message names no channel

	// Client and Socket replace the real Slack connections.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		inbound:      make(chan bot.InboundMessage, 100),
		names:        make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect checks the bot token and learns the bot's own user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts Socket Mode and returns the channel of inbound messages.
// Connect must have succeeded.
func (a *Adapter) Listen(ctx context.Context) (<-chan bot.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send posts plain text to a channel.
func (a *Adapter) Send(ctx context.Context, msg bot.OutboundMessage) error {
	channelID, err := a.target(msg.ChannelID)
	if err != nil {
		return err
	}
	err = retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, slackapi.MsgOptionText(msg.Text, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// History returns up to limit recent top-level messages of a channel,
// oldest first.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]bot.InboundMessage, error) {
	channelID, err := a.target(channelID)
	if err != nil {
		return nil, err
	}

	var out []bot.InboundMessage
	cursor := ""
	for {
		n := pageSize
		if limit > 0 && limit-len(out) < n {
			n = limit - len(out)
		}
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: channelID,
			Limit:     n,
			Cursor:    cursor,
		}

		var resp *slackapi.GetConversationHistoryResponse
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			resp, apiErr = a.client.GetConversationHistory(params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: conversation history: %w", err)
		}

		for _, m := range resp.Messages {
			if !conversational(m.SubType) {
				continue
			}
			out = append(out, a.toInbound(channelID, m.Timestamp, m.User, m.BotID, m.Text))
		}

		if limit > 0 && len(out) >= limit {
			out = out[:limit]
			break
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.stop != nil {
		a.stop()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) target(channelID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("slack: not connected")
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return "", fmt.Errorf("slack: no channel specified")
	}
	return channelID, nil
}

// runWithReconnect keeps the Socket Mode client running until ctx ends or
// maxReconnect consecutive runs fail.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := backoff(attempt, a.baseBackoff, a.maxBackoff)
		log.Printf("slack: socket mode run %d/%d failed: %v; retrying in %v", attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode failed %d times, no longer listening", a.maxReconnect)
}

// backoff doubles base for every attempt, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	wait := base << uint(attempt)
	if wait <= 0 || wait > max {
		return max
	}
	return wait
}

// pumpEvents feeds Socket Mode events to handleSocketEvent until ctx ends.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent acks Events API envelopes and forwards channel
// messages. app_mention events are not forwarded; the same post also
// arrives as a message event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		envelope, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if envelope.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := envelope.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(ev)
		}
	case socketmode.EventTypeConnected:
		log.Printf("slack: socket mode connected")
	case socketmode.EventTypeConnectionError, socketmode.EventTypeDisconnect:
		log.Printf("slack: socket mode %s: %v", evt.Type, evt.Data)
	}
}

// conversational reports whether a message subtype is a plain post. Bot
// posts count; edits, joins and deletions do not.
func conversational(subtype string) bool {
	return subtype == "" || subtype == "bot_message"
}

// handleMessage forwards a top-level channel post. Thread replies and the
// bot's own posts are skipped.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if !conversational(ev.SubType) {
		return
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		return
	}
	if ev.User != "" && ev.User == a.BotUserID() {
		return
	}

	msg := a.toInbound(ev.Channel, ev.TimeStamp, ev.User, ev.BotID, ev.Text)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("slack: inbound buffer full, dropping message %s", ev.TimeStamp)
	}
}

func (a *Adapter) toInbound(channelID, ts, userID, botID, text string) bot.InboundMessage {
	return bot.InboundMessage{
		Platform:  platform,
		ChannelID: channelID,
		MessageID: ts,
		UserID:    userID,
		UserName:  a.resolveUserName(userID),
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
		IsBot:     botID != "",
	}
}

// resolveUserName looks up a user's handle, caching the answer. Falls
// back to the display name, then the user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	name, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name = user.Name
	if name == "" {
		name = user.Profile.DisplayName
	}
	if name == "" {
		name = userID
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

// retryOnRateLimit runs fn again after a RateLimitedError, waiting the
// RetryAfter Slack asks for, up to maxRetries times.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var limited *slackapi.RateLimitedError
		if err == nil || !errors.As(err, &limited) || attempt == maxRetries {
			return err
		}

		wait := limited.RetryAfter
		if wait <= 0 {
			wait = backoff(attempt, time.Second, time.Minute)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp reads a message ts such as "1700000000.123456". The
// fraction is microseconds.
func parseSlackTimestamp(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, _ = strconv.ParseInt(fracPart, 10, 64)
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
