package segment

import (
	"strings"

	"github.com/zulandar/mimic/internal/dataset"
)

// Rejection explains why a context produced no example.
type Rejection int

const (
	Accepted Rejection = iota
	NoAssistant
	EmptyAfterTrim
	HasMention
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case NoAssistant:
		return "no target turn"
	case EmptyAfterTrim:
		return "empty after trim"
	case HasMention:
		return "mention"
	}
	return "unknown"
}

// Project converts each group of c to one turn: assistant when the author
// is target, user otherwise. It reports whether any assistant turn exists.
func Project(c Context, target string) ([]dataset.ChatMessage, bool) {
	turns := make([]dataset.ChatMessage, 0, len(c.Groups))
	hasAssistant := false
	for _, g := range c.Groups {
		role := dataset.RoleUser
		if g.Author == target {
			role = dataset.RoleAssistant
			hasAssistant = true
		}
		turns = append(turns, dataset.ChatMessage{Role: role, Content: g.Text(), Name: g.Author})
	}
	return turns, hasAssistant
}

// Trim drops leading assistant turns and trailing non-assistant turns.
func Trim(turns []dataset.ChatMessage) []dataset.ChatMessage {
	for len(turns) > 0 && turns[0].Role == dataset.RoleAssistant {
		turns = turns[1:]
	}
	for len(turns) > 0 && turns[len(turns)-1].Role != dataset.RoleAssistant {
		turns = turns[:len(turns)-1]
	}
	return turns
}

// Build turns one context into a training example, or reports why it was
// excluded.
func Build(c Context, target, systemPrompt string) (dataset.TrainingData, Rejection) {
	turns, hasAssistant := Project(c, target)
	if !hasAssistant {
		return dataset.TrainingData{}, NoAssistant
	}
	turns = Trim(turns)
	if len(turns) == 0 {
		return dataset.TrainingData{}, EmptyAfterTrim
	}
	for _, t := range turns {
		if strings.Contains(t.Content, dataset.Mention) {
			return dataset.TrainingData{}, HasMention
		}
	}
	out := make([]dataset.ChatMessage, 0, len(turns)+1)
	out = append(out, dataset.SystemTurn(systemPrompt))
	out = append(out, turns...)
	return dataset.TrainingData{Turns: out}, Accepted
}

// Summary counts the outcome of building a batch of contexts.
type Summary struct {
	Contexts int
	Accepted int
	Rejected map[Rejection]int
}

// BuildAll builds every context, keeping accepted examples in order.
func BuildAll(contexts []Context, target, systemPrompt string) ([]dataset.TrainingData, Summary) {
	sum := Summary{Contexts: len(contexts), Rejected: map[Rejection]int{}}
	var out []dataset.TrainingData
	for _, c := range contexts {
		td, r := Build(c, target, systemPrompt)
		if r != Accepted {
			sum.Rejected[r]++
			continue
		}
		sum.Accepted++
		out = append(out, td)
	}
	return out, sum
}
