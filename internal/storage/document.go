package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// document is the JSON view of a stored record shared by the memory and
// postgres backends.
type document map[string]any

func toDocument(v any) (document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var d document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("document must be an object")
	}
	return d, nil
}

func (d document) id() (string, error) {
	id, ok := d["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("document has no id")
	}
	return id, nil
}

func (d document) clone() document {
	b, _ := json.Marshal(d)
	var out document
	_ = json.Unmarshal(b, &out)
	return out
}

// normalize runs a filter or update value through JSON so that named string
// types, ints and floats compare the way they are stored.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (d document) lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d document) matches(f Filter) bool {
	for k, want := range f {
		got, ok := d.lookup(k)
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, normalize(want)) {
			return false
		}
	}
	return true
}

func (d document) set(path string, v any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func (d document) apply(u Update) error {
	for k, v := range u.Set {
		d.set(k, normalize(v))
	}
	for k, v := range u.Inc {
		delta, ok := normalize(v).(float64)
		if !ok {
			return fmt.Errorf("increment %s: non-numeric delta %v", k, v)
		}
		cur := 0.0
		if existing, ok := d.lookup(k); ok {
			n, ok := existing.(float64)
			if !ok {
				return fmt.Errorf("increment %s: field is not numeric", k)
			}
			cur = n
		}
		d.set(k, cur+delta)
	}
	return nil
}

// containment expands dotted filter keys into the nested object used by a
// JSONB @> predicate.
func containment(f Filter) ([]byte, error) {
	d := document{}
	for k, v := range f {
		d.set(k, normalize(v))
	}
	return json.Marshal(d)
}

func decode(src any, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
