package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/cloudkit/errors"
)

// normalize converts v to its JSON data model (map[string]any, []any, float64, string, bool,
// nil) so that typed values compare the same way stored documents do.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeObject(operation, path string, data []byte) (map[string]any, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil || doc == nil {
		if err == nil {
			err = fmt.Errorf("document is null")
		}
		return nil, errors.NewDocumentError(errors.CodeInvalidArgument, operation, path,
			fmt.Sprintf("document %s is not a JSON object: %v", path, err), err)
	}
	return doc, nil
}

// splitPath splits a dotted field path. Empty segments are rejected.
func splitPath(field string) ([]string, error) {
	parts := strings.Split(field, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid field path %q", field)
		}
	}
	return parts, nil
}

// getField resolves a dotted path inside a decoded document
func getField(doc any, field string) (any, bool) {
	parts, err := splitPath(field)
	if err != nil {
		return nil, false
	}
	current := doc
	for _, p := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[p]; !ok {
			return nil, false
		}
	}
	return current, true
}

// setField assigns value at a dotted path, creating intermediate objects
func setField(doc map[string]any, field string, value any) error {
	parts, err := splitPath(field)
	if err != nil {
		return err
	}
	obj := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := obj[p]
		if !ok || next == nil {
			child := map[string]any{}
			obj[p] = child
			obj = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q is not an object", p)
		}
		obj = child
	}
	obj[parts[len(parts)-1]] = value
	return nil
}

// encode marshals doc and validates it against the collection schema
func (f *Facade) encode(collection, operation, path string, doc any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.NewDocumentError(errors.CodeInvalidArgument, operation, path,
			fmt.Sprintf("encode %s: %v", path, err), err)
	}
	if err := f.validate(collection, operation, path, data); err != nil {
		return nil, err
	}
	return data, nil
}
