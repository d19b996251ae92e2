package segment

import (
	"time"

	"github.com/zulandar/mimic/internal/dataset"
	"github.com/zulandar/mimic/internal/grouping"
	"github.com/zulandar/mimic/internal/transcript"
)

// LiveOpts configures a Live segmenter.
type LiveOpts struct {
	// Context is the gap, exclusive, after which a new window starts.
	Context time.Duration
	// Regroup is the gap, exclusive, under which a message from the same
	// author extends the last group instead of opening a new one.
	Regroup time.Duration
}

// Live keeps the single open Context of a live conversation, one message
// at a time. It is not safe for concurrent use; the owning event loop is
// its only caller.
type Live struct {
	contextGap int64
	regroupGap int64
	open       *Context
}

// NewLive creates a Live segmenter with no open context.
func NewLive(opts LiveOpts) *Live {
	return &Live{
		contextGap: opts.Context.Microseconds(),
		regroupGap: opts.Regroup.Microseconds(),
	}
}

// Add absorbs one message at time at (microseconds). It reports whether
// the message started a new context.
func (l *Live) Add(author, text string, at int64) (started bool) {
	if l.open == nil || at-l.open.LastTime >= l.contextGap {
		l.open = open(grouping.Start(transcript.Message{Author: author, Text: text, Time: at}))
		return true
	}
	last := &l.open.Groups[len(l.open.Groups)-1]
	if last.Author == author && at-last.LastTime < l.regroupGap {
		last.Absorb(text, at)
	} else {
		l.open.Groups = append(l.open.Groups, grouping.Start(transcript.Message{Author: author, Text: text, Time: at}))
	}
	if at > l.open.LastTime {
		l.open.LastTime = at
	}
	return false
}

// Reset discards the open context.
func (l *Live) Reset() {
	l.open = nil
}

// Snapshot returns a copy of the open context, if there is one.
func (l *Live) Snapshot() (Context, bool) {
	if l.open == nil {
		return Context{}, false
	}
	return l.open.Clone(), true
}

// Prompt builds the turns sent for a live reply: the system instruction
// followed by every group of c projected for target, untrimmed.
func Prompt(c Context, target, systemPrompt string) []dataset.ChatMessage {
	turns, _ := Project(c, target)
	return append([]dataset.ChatMessage{dataset.SystemTurn(systemPrompt)}, turns...)
}
