package wapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// decodeMap tolerates provider payloads whose numbers do not fit float64.
func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// lookup resolves a dotted path ("key.id") inside nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
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

// pick returns the first non-empty string found at any path, trying each
// source map in order.
func pick(sources []map[string]any, paths ...string) string {
	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, p := range paths {
			if val, ok := lookup(src, p); ok {
				if str := toString(val); str != "" {
					return str
				}
			}
		}
	}
	return ""
}

// pickBool returns the first boolean-ish value found at any path.
func pickBool(sources []map[string]any, paths ...string) bool {
	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, p := range paths {
			if val, ok := lookup(src, p); ok && val != nil {
				return toBool(val)
			}
		}
	}
	return false
}

func extractNested(data map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			if nested, ok := val.(map[string]any); ok {
				return nested
			}
		}
	}
	return nil
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return ""
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func toBool(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "sim":
			return true
		}
		return false
	case json.Number:
		n, err := v.Int64()
		return err == nil && n != 0
	case float64:
		return v != 0
	default:
		return false
	}
}
