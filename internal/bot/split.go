package bot

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage breaks text into chunks of at most max characters. It cuts
// on line breaks first, then on spaces inside an overlong line, and hard
// cuts words longer than max. Chunks are trimmed and never empty. A
// non-positive max disables splitting.
func SplitMessage(text string, max int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}
	write := func(s, sep string) {
		cur.WriteString(s)
		cur.WriteString(sep)
		curLen += utf8.RuneCountInString(s) + len(sep)
	}

	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n+1 <= max {
			write(line, "\n")
			continue
		}
		flush()
		if n+1 <= max {
			write(line, "\n")
			continue
		}

		for _, word := range strings.Split(line, " ") {
			w := utf8.RuneCountInString(word)
			if w > max {
				flush()
				rs := []rune(word)
				for len(rs) > max {
					chunks = append(chunks, string(rs[:max]))
					rs = rs[max:]
				}
				write(string(rs), " ")
				continue
			}
			if curLen+w > max {
				flush()
			}
			write(word, " ")
		}
		flush()
	}
	flush()
	return chunks
}
