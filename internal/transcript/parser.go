package transcript

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	// Marker is the left-to-right mark the exporter uses to flag system,
	// attachment and edited annotations.
	Marker = "\u200e"

	// EditedAnnotation is the system annotation appended to edited messages.
	EditedAnnotation = "<This message was edited>"

	// StampLayout is the exporter's day-first date and time format.
	StampLayout = "2/1/2006, 15:04:05"
)

var (
	// entryRe is the full grammar of one logical entry:
	//   [marker]"[" date ", " time "] " author ":" [" "] body
	entryRe = regexp.MustCompile(`(?s)^(?P<marker>\x{200E})?\[(?P<date>[^\],]*), (?P<time>[^\]]*)\] (?P<author>[^:]*): ?(?P<body>.*)$`)

	// looseRe matches anything that still looks like a header, for entries
	// whose author or body is malformed.
	looseRe = regexp.MustCompile(`(?s)^(?P<marker>\x{200E})?\[(?P<stamp>[^\]]*)\]? ?(?P<rest>.*)$`)
)

// Resolver maps a displayed author name to a canonical identity.
type Resolver interface {
	Resolve(raw string) string
}

type passThrough struct{}

func (passThrough) Resolve(raw string) string { return raw }

// ParserOpts configures a Parser.
type ParserOpts struct {
	// Resolver canonicalizes author names. Nil passes names through.
	Resolver Resolver
	// Location is the exporter's calendar. Nil means time.Local.
	Location *time.Location
}

// Parser turns transcript lines into Messages. It never fails on a single
// malformed entry; fields it cannot recover are left empty.
type Parser struct {
	resolver Resolver
	loc      *time.Location
}

// NewParser creates a Parser.
func NewParser(opts ParserOpts) *Parser {
	p := &Parser{resolver: opts.Resolver, loc: opts.Location}
	if p.resolver == nil {
		p.resolver = passThrough{}
	}
	if p.loc == nil {
		p.loc = time.Local
	}
	return p
}

// IsHeader reports whether line starts a new logical entry: it begins with
// "[" (optionally preceded by Marker), is at least 12 bytes long, has a
// digit third and a comma eleventh or twelfth.
func IsHeader(line string) bool {
	line = strings.TrimPrefix(line, Marker)
	if len(line) < 12 || line[0] != '[' {
		return false
	}
	if line[2] < '0' || line[2] > '9' {
		return false
	}
	return line[10] == ',' || line[11] == ','
}

// Joiner accumulates physical lines into logical entries. Continuation
// lines are concatenated to the pending entry without a separator.
type Joiner struct {
	backlog strings.Builder
}

// Push adds one physical line. When line opens a new entry, the previous
// entry is returned with ok set.
func (j *Joiner) Push(line string) (entry string, ok bool) {
	line = strings.TrimSuffix(line, "\r")
	if IsHeader(line) {
		entry, ok = j.Flush()
	}
	j.backlog.WriteString(line)
	return entry, ok
}

// Flush returns the pending entry, if any, and resets the joiner.
func (j *Joiner) Flush() (string, bool) {
	if j.backlog.Len() == 0 {
		return "", false
	}
	s := j.backlog.String()
	j.backlog.Reset()
	return s, true
}

// Parse converts the ordered physical lines of a transcript to Messages.
func (p *Parser) Parse(lines []string) []Message {
	var (
		j   Joiner
		out []Message
	)
	for _, line := range lines {
		if entry, ok := j.Push(line); ok {
			out = append(out, p.ParseEntry(entry))
		}
	}
	if entry, ok := j.Flush(); ok {
		out = append(out, p.ParseEntry(entry))
	}
	return out
}

// ParseReader streams a transcript from r.
func (p *Parser) ParseReader(r io.Reader) ([]Message, error) {
	var (
		j   Joiner
		out []Message
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if entry, ok := j.Push(sc.Text()); ok {
			out = append(out, p.ParseEntry(entry))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	if entry, ok := j.Flush(); ok {
		out = append(out, p.ParseEntry(entry))
	}
	return out, nil
}

// ParseFile reads and parses the transcript at path.
func (p *Parser) ParseFile(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()
	return p.ParseReader(f)
}

// ParseEntry parses one logical entry.
func (p *Parser) ParseEntry(entry string) Message {
	entry = strings.TrimSuffix(entry, "\r")

	if m := entryRe.FindStringSubmatch(entry); m != nil {
		msg := Message{
			Time:   p.stamp(m[entryRe.SubexpIndex("date")] + ", " + m[entryRe.SubexpIndex("time")]),
			Author: p.resolver.Resolve(m[entryRe.SubexpIndex("author")]),
		}
		attached := m[entryRe.SubexpIndex("marker")] != ""
		msg.Text, msg.Kind = classify(m[entryRe.SubexpIndex("body")], attached)
		return msg
	}

	if m := looseRe.FindStringSubmatch(entry); m != nil {
		msg := Message{Time: p.stamp(m[looseRe.SubexpIndex("stamp")])}
		rest := m[looseRe.SubexpIndex("rest")]
		author, body, found := strings.Cut(rest, ":")
		msg.Author = p.resolver.Resolve(author)
		if found {
			msg.Text, msg.Kind = classify(strings.TrimPrefix(body, " "), m[looseRe.SubexpIndex("marker")] != "")
		}
		return msg
	}

	return Message{Text: entry}
}

// stamp parses the exporter timestamp, returning 0 when it is unreadable.
func (p *Parser) stamp(s string) int64 {
	t, err := time.ParseInLocation(StampLayout, strings.TrimSpace(s), p.loc)
	if err != nil {
		return 0
	}
	return Micros(t)
}

// classify extracts the message text from body and decides its kind.
func classify(body string, attached bool) (string, Kind) {
	if attached {
		if inner, ok := strings.CutSuffix(body, ">"); ok {
			name := inner[strings.LastIndex(inner, " ")+1:]
			return strings.TrimPrefix(strings.ReplaceAll(name, Marker, ""), "<"), Attachment
		}
		return strings.TrimSpace(strings.ReplaceAll(body, Marker, "")), Attachment
	}

	i := strings.LastIndex(body, Marker)
	if i < 0 {
		return body, Normal
	}
	annotation := body[i+len(Marker):]
	if annotation == EditedAnnotation {
		return strings.TrimSuffix(body[:i], " "), Edited
	}
	return annotation, System
}
