// Package dataset holds the role-tagged training examples produced by the
// pipeline, the progressive expansion and selection applied to them, and
// their JSONL encoding.
package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// Role tags a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mention is the character that disqualifies a turn from training data.
const Mention = "@"

// ChatMessage is one turn. System turns carry no name.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// SystemTurn builds the leading instruction turn.
func SystemTurn(prompt string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: prompt}
}

// TrainingData is one fine-tuning example.
type TrainingData struct {
	Turns []ChatMessage `json:"messages"`
}

// AssistantTurns counts the assistant turns in td.
func (td TrainingData) AssistantTurns() int {
	n := 0
	for _, t := range td.Turns {
		if t.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// Chars is the total rune count of all turn contents.
func (td TrainingData) Chars() int {
	n := 0
	for _, t := range td.Turns {
		n += len([]rune(t.Content))
	}
	return n
}

// Validate checks the shape every persisted example must have: one leading
// system turn, at least one assistant turn, a final assistant turn and no
// mentions.
func (td TrainingData) Validate() error {
	var errs []error
	if len(td.Turns) == 0 || td.Turns[0].Role != RoleSystem {
		errs = append(errs, errors.New("first turn is not system"))
	}
	for i, t := range td.Turns {
		if i > 0 && t.Role == RoleSystem {
			errs = append(errs, fmt.Errorf("turn %d: extra system turn", i))
		}
		if t.Role != RoleSystem && strings.Contains(t.Content, Mention) {
			errs = append(errs, fmt.Errorf("turn %d: contains %q", i, Mention))
		}
	}
	if td.AssistantTurns() == 0 {
		errs = append(errs, errors.New("no assistant turn"))
	}
	if n := len(td.Turns); n > 0 && td.Turns[n-1].Role != RoleAssistant {
		errs = append(errs, errors.New("last turn is not assistant"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("dataset: invalid example: %w", errors.Join(errs...))
	}
	return nil
}
