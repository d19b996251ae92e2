package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Encode writes examples as JSON lines.
func Encode(w io.Writer, examples []TrainingData) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i, td := range examples {
		if err := enc.Encode(td); err != nil {
			return fmt.Errorf("dataset: encode example %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// Decode reads JSON lines. Blank lines are skipped.
func Decode(r io.Reader) ([]TrainingData, error) {
	var out []TrainingData
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var td TrainingData
		if err := json.Unmarshal([]byte(text), &td); err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", line, err)
		}
		out = append(out, td)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read: %w", err)
	}
	return out, nil
}

// WriteFile writes examples to path as JSON lines.
func WriteFile(path string, examples []TrainingData) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: create %s: %w", path, err)
	}
	if err := Encode(f, examples); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a JSON lines dataset from path.
func ReadFile(path string) ([]TrainingData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
