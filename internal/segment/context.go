// Package segment merges utterance groups into bounded conversational
// windows and turns those windows into role-tagged training examples.
package segment

import (
	"time"

	"github.com/zulandar/mimic/internal/grouping"
)

// Context is one conversational window. Times are microseconds since the
// Unix epoch; LastTime tracks the latest absorbed group.
type Context struct {
	Groups    []grouping.GroupedMessage `json:"groups"`
	FirstTime int64                     `json:"first_time"`
	LastTime  int64                     `json:"last_time"`
}

func open(g grouping.GroupedMessage) *Context {
	return &Context{
		Groups:    []grouping.GroupedMessage{g},
		FirstTime: g.FirstTime,
		LastTime:  g.LastTime,
	}
}

func (c *Context) absorb(g grouping.GroupedMessage) {
	c.Groups = append(c.Groups, g)
	if g.LastTime > c.LastTime {
		c.LastTime = g.LastTime
	}
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := Context{FirstTime: c.FirstTime, LastTime: c.LastTime}
	out.Groups = make([]grouping.GroupedMessage, len(c.Groups))
	for i, g := range c.Groups {
		g.Lines = append([]string(nil), g.Lines...)
		out.Groups[i] = g
	}
	return out
}

// Accumulator is the state of the batch segmentation fold: at most one
// open Context.
type Accumulator struct {
	gap  int64
	open *Context
}

// NewAccumulator creates an Accumulator. A group joins the open context
// when its LastTime is less than gap after the context's LastTime.
func NewAccumulator(gap time.Duration) *Accumulator {
	return &Accumulator{gap: gap.Microseconds()}
}

// Add feeds one group, returning the context it closed, if any.
func (a *Accumulator) Add(g grouping.GroupedMessage) (closed Context, ok bool) {
	if a.open != nil && g.LastTime-a.open.LastTime < a.gap {
		a.open.absorb(g)
		return Context{}, false
	}
	if a.open != nil {
		closed, ok = *a.open, true
	}
	a.open = open(g)
	return closed, ok
}

// Flush closes and returns the open context, if any.
func (a *Accumulator) Flush() (Context, bool) {
	if a.open == nil {
		return Context{}, false
	}
	closed := *a.open
	a.open = nil
	return closed, true
}

// Segment folds ordered groups into contexts.
func Segment(groups []grouping.GroupedMessage, gap time.Duration) []Context {
	acc := NewAccumulator(gap)
	var out []Context
	for _, g := range groups {
		if c, ok := acc.Add(g); ok {
			out = append(out, c)
		}
	}
	if c, ok := acc.Flush(); ok {
		out = append(out, c)
	}
	return out
}
