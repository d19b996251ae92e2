// Package grouping merges consecutive same-author messages that arrive
// within a short gap into utterance groups.
package grouping

import (
	"strings"
	"time"

	"github.com/zulandar/mimic/internal/transcript"
)

// GroupedMessage is a run of consecutive messages by one author. Times are
// microseconds since the Unix epoch and FirstTime <= LastTime.
type GroupedMessage struct {
	Lines     []string        `json:"lines"`
	FirstTime int64           `json:"first_time"`
	LastTime  int64           `json:"last_time"`
	Author    string          `json:"author"`
	Kind      transcript.Kind `json:"kind"`
}

// Text returns the group's lines joined by newlines.
func (g GroupedMessage) Text() string {
	return strings.Join(g.Lines, "\n")
}

// Start opens a group from a single message.
func Start(m transcript.Message) GroupedMessage {
	return GroupedMessage{
		Lines:     []string{m.Text},
		FirstTime: m.Time,
		LastTime:  m.Time,
		Author:    m.Author,
		Kind:      m.Kind,
	}
}

// Absorb appends text at time at to the group. LastTime never moves
// backwards.
func (g *GroupedMessage) Absorb(text string, at int64) {
	g.Lines = append(g.Lines, text)
	if at > g.LastTime {
		g.LastTime = at
	}
}

// Options configures grouping.
type Options struct {
	// Threshold is the largest gap, exclusive, between a group's last
	// message and the next same-author message that still merges.
	Threshold time.Duration
	// After drops messages whose time is earlier than this, in
	// microseconds. Zero keeps everything.
	After int64
}

// Keep reports whether m takes part in grouping: system and attachment
// messages and anything before the cutoff are discarded.
func (o Options) Keep(m transcript.Message) bool {
	if m.Kind == transcript.System || m.Kind == transcript.Attachment {
		return false
	}
	return m.Time >= o.After
}

// Grouper is the accumulator of the grouping fold. It holds at most one
// open group.
type Grouper struct {
	opts      Options
	threshold int64
	open      *GroupedMessage
}

// NewGrouper creates a Grouper.
func NewGrouper(opts Options) *Grouper {
	return &Grouper{opts: opts, threshold: opts.Threshold.Microseconds()}
}

// Add feeds one message. When the message closes the open group, the
// closed group is returned with ok set.
func (g *Grouper) Add(m transcript.Message) (closed GroupedMessage, ok bool) {
	if !g.opts.Keep(m) {
		return GroupedMessage{}, false
	}
	if g.open != nil && g.open.Author == m.Author && m.Time-g.open.LastTime < g.threshold {
		g.open.Absorb(m.Text, m.Time)
		return GroupedMessage{}, false
	}
	if g.open != nil {
		closed, ok = *g.open, true
	}
	next := Start(m)
	g.open = &next
	return closed, ok
}

// Flush closes and returns the open group, if any.
func (g *Grouper) Flush() (GroupedMessage, bool) {
	if g.open == nil {
		return GroupedMessage{}, false
	}
	closed := *g.open
	g.open = nil
	return closed, true
}

// Group folds an ordered message sequence into groups. Input order is
// preserved and never re-sorted.
func Group(msgs []transcript.Message, opts Options) []GroupedMessage {
	g := NewGrouper(opts)
	var out []GroupedMessage
	for _, m := range msgs {
		if closed, ok := g.Add(m); ok {
			out = append(out, closed)
		}
	}
	if closed, ok := g.Flush(); ok {
		out = append(out, closed)
	}
	return out
}
