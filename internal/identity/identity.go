// Package identity maps displayed chat names to canonical participant labels.
package identity

import "strings"

// Table maps raw displayed names to canonical identities. A nil Table
// resolves every name to itself.
type Table map[string]string

// Resolve returns the canonical identity for raw, or raw unchanged when the
// name is not in the table.
func (t Table) Resolve(raw string) string {
	if canon, ok := t[raw]; ok && canon != "" {
		return canon
	}
	return raw
}

// Merge returns a new Table with the entries of other layered over t.
func (t Table) Merge(other Table) Table {
	out := make(Table, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Identities returns the distinct canonical identities in the table.
func (t Table) Identities() []string {
	seen := make(map[string]bool, len(t))
	var out []string
	for _, v := range t {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
