package dataset

import (
	"fmt"
	"io"
	"sort"
)

// Stats summarizes a dataset by character volume and turn mix.
type Stats struct {
	Examples       int
	Turns          int
	AssistantTurns int
	UserTurns      int
	Chars          int
	MinChars       int
	MaxChars       int
	AvgChars       float64
	AvgRatio       float64
	Speakers       map[string]int
}

// Summarize computes Stats over examples.
func Summarize(examples []TrainingData) Stats {
	s := Stats{Examples: len(examples), Speakers: map[string]int{}}
	ratioSum := 0.0
	for i, td := range examples {
		chars := td.Chars()
		s.Chars += chars
		if i == 0 || chars < s.MinChars {
			s.MinChars = chars
		}
		if chars > s.MaxChars {
			s.MaxChars = chars
		}
		ratioSum += AssistantRatio(td)
		for _, t := range td.Turns {
			s.Turns++
			switch t.Role {
			case RoleAssistant:
				s.AssistantTurns++
			case RoleUser:
				s.UserTurns++
			}
			if t.Name != "" {
				s.Speakers[t.Name]++
			}
		}
	}
	if s.Examples > 0 {
		s.AvgChars = float64(s.Chars) / float64(s.Examples)
		s.AvgRatio = ratioSum / float64(s.Examples)
	}
	return s
}

// Write prints a human-readable report.
func (s Stats) Write(w io.Writer) {
	fmt.Fprintf(w, "Examples:        %d\n", s.Examples)
	fmt.Fprintf(w, "Turns:           %d (assistant %d, user %d)\n", s.Turns, s.AssistantTurns, s.UserTurns)
	fmt.Fprintf(w, "Characters:      %d total, %.1f avg, %d min, %d max\n", s.Chars, s.AvgChars, s.MinChars, s.MaxChars)
	fmt.Fprintf(w, "Assistant ratio: %.3f avg\n", s.AvgRatio)
	if len(s.Speakers) == 0 {
		return
	}
	names := make([]string, 0, len(s.Speakers))
	for n := range s.Speakers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Speakers[names[i]] != s.Speakers[names[j]] {
			return s.Speakers[names[i]] > s.Speakers[names[j]]
		}
		return names[i] < names[j]
	})
	fmt.Fprintln(w, "Speakers:")
	for _, n := range names {
		fmt.Fprintf(w, "  %-20s %d\n", n, s.Speakers[n])
	}
}
