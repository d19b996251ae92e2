// Package transcript recovers typed chat messages from an exported
// transcript whose entries may wrap across several physical lines.
package transcript

import (
	"fmt"
	"time"
)

// Kind classifies a parsed message.
type Kind int

const (
	Normal Kind = iota
	System
	Attachment
	Edited
)

var kindNames = map[Kind]string{
	Normal:     "normal",
	System:     "system",
	Attachment: "attachment",
	Edited:     "edited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("transcript: unknown kind %d", int(k))
	}
	return []byte(s), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("transcript: unknown kind %q", b)
}

// Message is one logical transcript entry. Time is microseconds since the
// Unix epoch.
type Message struct {
	Text   string `json:"text"`
	Time   int64  `json:"time"`
	Author string `json:"author"`
	Kind   Kind   `json:"kind"`
}

// Micros converts t to the microsecond timestamps used throughout the
// pipeline. Precision below one millisecond is dropped.
func Micros(t time.Time) int64 {
	return t.UnixMilli() * 1000
}

// FromMicros converts a pipeline timestamp back to a time.Time.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}
