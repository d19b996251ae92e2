// Package discord connects the bot to a Discord channel through the
// Gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/mimic/internal/bot"
)

const (
	platform = "discord"

	maxRetries  = 3               // per rate-limited REST call
	baseBackoff = 2 * time.Second // first rate-limit wait
	maxBackoff  = 2 * time.Minute // rate-limit wait cap
	pageSize    = 100             // Discord's channel messages maximum

	intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
)

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter connects the bot to Discord.
type Adapter struct {
	botToken  string
	channelID string
	sess      session

	mu        sync.Mutex
	botUserID string
	connected bool
	closed    bool
	unlisten  func()
	inbound   chan bot.InboundMessage

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // used when a message names no channel

	// Session replaces the real gateway connection.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		inbound:     make(chan bot.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect opens the gateway. The bot's user ID is learned from the Ready
// event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = intents
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		log.Printf("discord: ready as %s (%s)", r.User.Username, r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen subscribes to new messages and returns the inbound channel.
// Connect must have succeeded.
func (a *Adapter) Listen(ctx context.Context) (<-chan bot.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	if a.unlisten == nil {
		a.unlisten = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		})
	}
	return a.inbound, nil
}

// Send posts plain text to a channel.
func (a *Adapter) Send(ctx context.Context, msg bot.OutboundMessage) error {
	channelID, err := a.target(msg.ChannelID)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSend(channelID, msg.Text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Typing shows the typing indicator in a channel.
func (a *Adapter) Typing(ctx context.Context, channelID string) error {
	channelID, err := a.target(channelID)
	if err != nil {
		return err
	}
	if err := a.sess.ChannelTyping(channelID); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// History returns up to limit recent messages of a channel, oldest first.
func (a *Adapter) History(ctx context.Context, channelID string, limit int) ([]bot.InboundMessage, error) {
	channelID, err := a.target(channelID)
	if err != nil {
		return nil, err
	}

	var out []bot.InboundMessage
	beforeID := ""
	for limit <= 0 || len(out) < limit {
		n := pageSize
		if limit > 0 && limit-len(out) < n {
			n = limit - len(out)
		}

		var msgs []*discordgo.Message
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			msgs, apiErr = a.sess.ChannelMessages(channelID, n, beforeID, "", "")
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: channel messages: %w", err)
		}
		for _, m := range msgs {
			if m.Author == nil {
				continue
			}
			out = append(out, toInbound(m))
		}
		if len(msgs) < n {
			break
		}
		// Pages come newest first.
		beforeID = msgs[len(msgs)-1].ID
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close unsubscribes, closes the inbound channel and the gateway.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.unlisten != nil {
		a.unlisten()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID is empty until the gateway is ready.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the ID whose messages are not forwarded.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) target(channelID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", fmt.Errorf("discord: not connected")
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return "", fmt.Errorf("discord: no channel specified")
	}
	return channelID, nil
}

// handleMessage forwards a new message unless it is the bot's own.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || m.Author.ID == a.botUserID {
		return
	}
	select {
	case a.inbound <- toInbound(m.Message):
	default:
		log.Printf("discord: inbound buffer full, dropping message %s", m.ID)
	}
}

func toInbound(m *discordgo.Message) bot.InboundMessage {
	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	return bot.InboundMessage{
		Platform:  platform,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
		IsBot:     m.Author.Bot,
	}
}

// rateLimited reports whether err is a 429 from the REST API.
func rateLimited(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusTooManyRequests
}

// retryOnRateLimit runs fn again after a 429, doubling the wait each time,
// up to maxRetries times.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	wait := a.baseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !rateLimited(err) || attempt == maxRetries {
			return err
		}

		log.Printf("discord: rate limited, retry %d/%d in %v", attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > a.maxBackoff {
			wait = a.maxBackoff
		}
	}
}
