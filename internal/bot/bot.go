package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/mimic/internal/config"
	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/identity"
	"github.com/zulandar/mimic/internal/segment"
	"github.com/zulandar/mimic/internal/transcript"
	"gorm.io/gorm"
)

// ErrStopped is returned by Snapshot once the daemon has stopped.
var ErrStopped = errors.New("bot: daemon stopped")

// Completer produces the next assistant turn for a prompt.
type Completer interface {
	Complete(ctx context.Context, turns []dataset.ChatMessage) (string, error)
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Config    *config.Config
	Adapter   Adapter
	Completer Completer
	DB        *gorm.DB         // optional; enables the conversation log
	Out       io.Writer        // defaults to os.Stdout
	Now       func() time.Time // defaults to time.Now
}

// Daemon is the live bot process. A single loop owns the open context,
// the debounce timer and the reset schedule; replies are generated off
// the loop and handed back to it for absorption.
type Daemon struct {
	cfg       *config.Config
	adapter   Adapter
	completer Completer
	resolver  identity.Table
	schedule  cron.Schedule
	convo     *ConversationLog
	out       io.Writer
	now       func() time.Time

	live      *segment.Live
	epoch     uint64
	botUserID string

	snapshots chan chan snapshot
	done      chan struct{}
	stopOnce  sync.Once
}

type snapshot struct {
	ctx segment.Context
	ok  bool
}

// reply is the outcome of one generation, tagged with the reset epoch it
// was requested in.
type reply struct {
	epoch uint64
	text  string
	at    time.Time
	err   error
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bot: config is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("bot: completer is required")
	}
	if err := opts.Config.ValidateBot(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	d := &Daemon{
		cfg:       cfg,
		adapter:   opts.Adapter,
		completer: opts.Completer,
		resolver:  identity.Table(cfg.Usernames),
		out:       opts.Out,
		now:       opts.Now,
		live: segment.NewLive(segment.LiveOpts{
			Context: cfg.Thresholds.Context,
			Regroup: cfg.Thresholds.Live,
		}),
		snapshots: make(chan chan snapshot),
		done:      make(chan struct{}),
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	if d.now == nil {
		d.now = time.Now
	}
	if cfg.Bot.ResetCron != "" {
		sched, err := ParseSchedule(cfg.Bot.ResetCron)
		if err != nil {
			return nil, err
		}
		d.schedule = sched
	}
	if opts.DB != nil {
		convo, err := NewConversationLog(opts.DB, cfg.Bot.Platform, cfg.Bot.Channel)
		if err != nil {
			return nil, err
		}
		d.convo = convo
	}
	return d, nil
}

// Run connects the adapter and processes messages until the context is
// cancelled or the adapter closes its inbound channel.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.stopOnce.Do(func() { close(d.done) })

	fmt.Fprintf(d.out, "Bot connecting to %s...\n", d.cfg.Bot.Platform)
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}
	if bui, ok := d.adapter.(BotUserIDer); ok {
		d.botUserID = bui.BotUserID()
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("bot: listen: %w", err)
	}

	d.warmStart(ctx)

	deb := newDebouncer(d.cfg.Bot.Debounce)
	defer deb.Cancel()

	var resetTimer *time.Timer
	if d.schedule != nil {
		if w := nextCronDuration(d.schedule, d.now()); w > 0 {
			resetTimer = time.NewTimer(w)
			defer resetTimer.Stop()
		}
	}

	replies := make(chan reply)
	var inflight sync.WaitGroup

	fmt.Fprintf(d.out, "Bot online in channel %s as %s (model %s)\n", d.cfg.Bot.Channel, d.cfg.Target, d.cfg.OpenAI.Model)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Bot shutting down...\n")
			d.shutdown(replies, &inflight)
			return nil

		case msg, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Bot inbound channel closed\n")
				deb.Cancel()
				d.shutdown(replies, &inflight)
				return nil
			}
			d.handle(msg, deb)

		case <-deb.C():
			deb.Fired()
			d.fire(ctx, replies, &inflight)

		case r := <-replies:
			d.absorbReply(r)

		case <-timerChan(resetTimer):
			fmt.Fprintf(d.out, "Scheduled context reset\n")
			d.reset(EndSchedule)
			deb.Cancel()
			if w := nextCronDuration(d.schedule, d.now()); w > 0 {
				resetTimer.Reset(w)
			}

		case req := <-d.snapshots:
			c, ok := d.live.Snapshot()
			req <- snapshot{ctx: c, ok: ok}
		}
	}
}

// shutdown waits for in-flight generations, absorbing any reply they still
// deliver, then ends the session and closes the adapter.
func (d *Daemon) shutdown(replies <-chan reply, inflight *sync.WaitGroup) {
	idle := make(chan struct{})
	go func() {
		inflight.Wait()
		close(idle)
	}()
	for waiting := true; waiting; {
		select {
		case r := <-replies:
			d.absorbReply(r)
		case <-idle:
			waiting = false
		}
	}
	d.endSession(EndShutdown)
	if err := d.adapter.Close(); err != nil {
		log.Printf("bot: close adapter: %v", err)
	}
	fmt.Fprintf(d.out, "Bot stopped\n")
}

// Snapshot returns a copy of the open context as seen by the loop.
func (d *Daemon) Snapshot(ctx context.Context) (segment.Context, bool, error) {
	req := make(chan snapshot, 1)
	select {
	case d.snapshots <- req:
	case <-d.done:
		return segment.Context{}, false, ErrStopped
	case <-ctx.Done():
		return segment.Context{}, false, ctx.Err()
	}
	select {
	case s := <-req:
		return s.ctx, s.ok, nil
	case <-ctx.Done():
		return segment.Context{}, false, ctx.Err()
	}
}

// handle applies one inbound message to the open context.
func (d *Daemon) handle(msg InboundMessage, deb *debouncer) {
	if msg.IsBot || (d.botUserID != "" && msg.UserID == d.botUserID) {
		return
	}
	if msg.ChannelID != d.cfg.Bot.Channel {
		return
	}
	if strings.HasPrefix(msg.Text, d.cfg.Bot.ResetPrefix) {
		fmt.Fprintf(d.out, "Reset context.\n")
		d.reset(EndCommand)
		deb.Cancel()
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = d.now()
	}
	d.absorb(d.resolver.Resolve(msg.UserName), msg.Text, at, dataset.RoleUser, msg.MessageID)
	deb.Reset()
}

// absorb adds one turn to the open context and the conversation log.
func (d *Daemon) absorb(author, text string, at time.Time, role dataset.Role, msgID string) {
	if started := d.live.Add(author, text, transcript.Micros(at)); started && d.convo != nil {
		if err := d.convo.Begin(EndGap, at); err != nil {
			log.Printf("%v", err)
		}
	}
	if d.convo != nil {
		if err := d.convo.Append(string(role), author, text, msgID, at); err != nil {
			log.Printf("%v", err)
		}
	}
}

// fire starts generating a reply for the current snapshot. The prompt is
// built here, on the loop, so the generation never reads the live context.
func (d *Daemon) fire(ctx context.Context, replies chan<- reply, inflight *sync.WaitGroup) {
	c, ok := d.live.Snapshot()
	if !ok {
		return
	}
	turns := segment.Prompt(c, d.cfg.Target, d.cfg.SystemPrompt)
	epoch := d.epoch

	inflight.Add(1)
	go func() {
		defer inflight.Done()
		r := d.generate(ctx, turns)
		r.epoch = epoch
		select {
		case replies <- r:
		case <-ctx.Done():
		}
	}()
}

// generate asks the model for a reply and delivers it in chunks. Failures
// are reported to the channel.
func (d *Daemon) generate(ctx context.Context, turns []dataset.ChatMessage) reply {
	channel := d.cfg.Bot.Channel
	if typer, ok := d.adapter.(Typer); ok {
		if err := typer.Typing(ctx, channel); err != nil {
			log.Printf("bot: typing: %v", err)
		}
	}

	text, err := d.completer.Complete(ctx, turns)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("bot: empty reply from model")
	}
	if err != nil {
		log.Printf("bot: generate reply: %v", err)
		if ctx.Err() == nil {
			if sendErr := d.adapter.Send(ctx, OutboundMessage{ChannelID: channel, Text: "Error: " + err.Error()}); sendErr != nil {
				log.Printf("bot: send error notice: %v", sendErr)
			}
		}
		return reply{err: err}
	}

	for _, chunk := range SplitMessage(text, d.cfg.Bot.MaxReplyChars) {
		if err := d.adapter.Send(ctx, OutboundMessage{ChannelID: channel, Text: chunk}); err != nil {
			log.Printf("bot: send reply: %v", err)
			return reply{err: err}
		}
	}
	return reply{text: text, at: d.now()}
}

// absorbReply adds a delivered reply to the context as the target, unless
// the context was reset while it was being generated.
func (d *Daemon) absorbReply(r reply) {
	if r.err != nil {
		return
	}
	if r.epoch != d.epoch {
		log.Printf("bot: dropping reply generated before context reset")
		return
	}
	d.absorb(d.cfg.Target, r.text, r.at, dataset.RoleAssistant, "")
}

// reset discards the open context.
func (d *Daemon) reset(reason string) {
	d.live.Reset()
	d.epoch++
	d.endSession(reason)
}

func (d *Daemon) endSession(reason string) {
	if d.convo == nil {
		return
	}
	if err := d.convo.End(reason, d.now()); err != nil {
		log.Printf("%v", err)
	}
}

// warmStart replays recent channel history into the open context.
func (d *Daemon) warmStart(ctx context.Context) {
	if d.cfg.Bot.History <= 0 {
		return
	}
	hr, ok := d.adapter.(HistoryReader)
	if !ok {
		log.Printf("bot: %s adapter has no history; starting cold", d.cfg.Bot.Platform)
		return
	}
	msgs, err := hr.History(ctx, d.cfg.Bot.Channel, d.cfg.Bot.History)
	if err != nil {
		log.Printf("bot: warm start: %v", err)
		return
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	n := 0
	for _, m := range msgs {
		switch {
		case d.botUserID != "" && m.UserID == d.botUserID:
			d.absorb(d.cfg.Target, m.Text, m.Timestamp, dataset.RoleAssistant, m.MessageID)
		case m.IsBot || strings.TrimSpace(m.Text) == "":
			continue
		case strings.HasPrefix(m.Text, d.cfg.Bot.ResetPrefix):
			d.reset(EndCommand)
		default:
			d.absorb(d.resolver.Resolve(m.UserName), m.Text, m.Timestamp, dataset.RoleUser, m.MessageID)
		}
		n++
	}
	fmt.Fprintf(d.out, "Warm start: replayed %d messages\n", n)
}
