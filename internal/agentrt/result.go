package agentrt

import (
	"encoding/json"
	"reflect"
)

var statusKeys = []string{"status", "success", "ok"}

// NormalizeToolResult turns a raw tool response into context data. Envelope
// payloads ({status, data} then {status, result}) are unwrapped, strings are
// parsed as JSON when possible, and anything that is still not an object is
// wrapped as {"value": v}.
func NormalizeToolResult(raw any) map[string]any {
	v := unwrapEnvelope(raw)
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if s, ok := v.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			v = parsed
		}
	}
	if m, ok := asMap(v); ok {
		return m
	}
	return map[string]any{"value": v}
}

func unwrapEnvelope(raw any) any {
	m, ok := asMap(raw)
	if !ok {
		return raw
	}
	if !hasStatusKey(m) {
		return m
	}
	if data, ok := m["data"]; ok {
		return data
	}
	if result, ok := m["result"]; ok {
		return result
	}
	return m
}

func hasStatusKey(m map[string]any) bool {
	for _, k := range statusKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// asMap accepts any map keyed by strings.
func asMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	if rv.IsNil() {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
