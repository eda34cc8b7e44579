// Package strings normalizes client-supplied identifier lists.
package strings

import (
	"strings"
)

// ParseUnique trims each value, skips blanks, parses the rest and drops values
// whose parsed form was already seen. Order of first occurrence is kept, so
// "0xAB" and "0xab" collapse when parse canonicalizes case.
func ParseUnique[T comparable](values []string, parse func(string) (T, error)) ([]T, error) {
	if len(values) == 0 {
		return nil, nil
	}
	seen := make(map[T]struct{}, len(values))
	out := make([]T, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		v, err := parse(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}
