package repo

import (
	"encoding/json"
	"fmt"
)

func toJSON(val map[string]string) (string, error) {
	if val == nil {
		return "{}", nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}

// fromJSON decodes a string map, dropping non-string values.
func fromJSON(data []byte) map[string]string {
	out := map[string]string{}
	if len(data) == 0 {
		return out
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return out
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
