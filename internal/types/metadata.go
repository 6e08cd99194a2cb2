package types

import "encoding/json"

// MergeMetadata sets key to value inside a JSON-object metadata string,
// preserving existing keys. Unparseable input is replaced rather than
// propagated.
func MergeMetadata(metadata, key string, value any) string {
	m := map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m); err != nil {
			m = map[string]any{}
		}
	}
	m[key] = value
	b, err := json.Marshal(m)
	if err != nil {
		return metadata
	}
	return string(b)
}
