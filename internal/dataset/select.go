package dataset

import "fmt"

// Policy names a strategy for thinning the progressive prefixes of one
// conversation.
type Policy string

const (
	// PolicyRatio keeps prefixes whose assistant share of the non-system
	// turns is strictly above the configured minimum.
	PolicyRatio Policy = "ratio"
	// PolicyAlternate keeps every other prefix, starting with the first.
	PolicyAlternate Policy = "alternate"
	// PolicyAll keeps every prefix.
	PolicyAll Policy = "all"
)

// Policies lists the accepted policy names.
var Policies = []Policy{PolicyRatio, PolicyAlternate, PolicyAll}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("dataset: unknown selection policy %q (want ratio, alternate or all)", s)
}

// Expand returns one candidate per assistant turn of td: the prefix of
// turns ending at that assistant turn, inclusive.
func Expand(td TrainingData) []TrainingData {
	var out []TrainingData
	for i, t := range td.Turns {
		if t.Role != RoleAssistant {
			continue
		}
		prefix := make([]ChatMessage, i+1)
		copy(prefix, td.Turns[:i+1])
		out = append(out, TrainingData{Turns: prefix})
	}
	return out
}

// AssistantRatio is the share of assistant turns among all turns of td,
// the system turn included, or 0 when td is empty.
func AssistantRatio(td TrainingData) float64 {
	if len(td.Turns) == 0 {
		return 0
	}
	return float64(td.AssistantTurns()) / float64(len(td.Turns))
}

// Selection is a configured Policy.
type Selection struct {
	Policy            Policy
	MinAssistantRatio float64
}

// Select thins the candidates expanded from a single conversation.
func (s Selection) Select(candidates []TrainingData) []TrainingData {
	var out []TrainingData
	for i, c := range candidates {
		switch s.Policy {
		case PolicyAlternate:
			if i%2 != 0 {
				continue
			}
		case PolicyRatio:
			if AssistantRatio(c) <= s.MinAssistantRatio {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Apply expands each accepted conversation and keeps the selected
// prefixes, in input order.
func (s Selection) Apply(examples []TrainingData) []TrainingData {
	var out []TrainingData
	for _, td := range examples {
		out = append(out, s.Select(Expand(td))...)
	}
	return out
}
