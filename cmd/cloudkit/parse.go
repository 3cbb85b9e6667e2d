package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/cloudkit/document"
)

// parseValue reads s as JSON, falling back to the literal string
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

// parsePayload keeps valid JSON as-is so it is published byte for byte
func parsePayload(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// parseWhere reads "field op value", e.g. "price >= 3" or `tags array-contains "red"`
func parseWhere(s string) (document.Constraint, error) {
	parts := strings.Fields(s)
	if len(parts) < 3 {
		return document.Constraint{}, fmt.Errorf("where %q: expected \"field op value\"", s)
	}
	rest := strings.TrimSpace(s)
	rest = strings.TrimSpace(rest[len(parts[0]):])
	rest = strings.TrimSpace(rest[len(parts[1]):])
	return document.Where(parts[0], document.Op(parts[1]), parseValue(rest)), nil
}

// parseOrder reads "field" or "field asc|desc"
func parseOrder(s string) (document.Constraint, error) {
	parts := strings.Fields(s)
	switch {
	case len(parts) == 1:
		return document.OrderBy(parts[0], document.Asc), nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "asc"):
		return document.OrderBy(parts[0], document.Asc), nil
	case len(parts) == 2 && strings.EqualFold(parts[1], "desc"):
		return document.OrderBy(parts[0], document.Desc), nil
	default:
		return document.Constraint{}, fmt.Errorf("order-by %q: expected \"field [asc|desc]\"", s)
	}
}

// parseAssignments reads key=value pairs
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// pretty indents JSON and leaves anything else untouched
func pretty(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
