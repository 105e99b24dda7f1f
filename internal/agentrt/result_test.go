package agentrt

import (
	"reflect"
	"testing"
)

func TestNormalizeToolResult(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want map[string]any
	}{
		{"plain object", map[string]any{"a": 1}, map[string]any{"a": 1}},
		{"status with data", map[string]any{"status": "success", "data": map[string]any{"rows": 2}}, map[string]any{"rows": 2}},
		{"status with result list", map[string]any{"success": true, "result": []any{1, 2}}, map[string]any{"value": []any{1, 2}}},
		{"data preferred over result", map[string]any{"ok": true, "data": map[string]any{"d": 1}, "result": "r"}, map[string]any{"d": 1}},
		{"status without payload", map[string]any{"status": "error", "message": "nope"}, map[string]any{"status": "error", "message": "nope"}},
		{"data without status", map[string]any{"data": 5}, map[string]any{"data": 5}},
		{"json object string", `{"k":"v"}`, map[string]any{"k": "v"}},
		{"json array string", `[1,2]`, map[string]any{"value": []any{float64(1), float64(2)}}},
		{"json bytes", []byte(`{"k":true}`), map[string]any{"k": true}},
		{"plain string", "hello", map[string]any{"value": "hello"}},
		{"number", 42, map[string]any{"value": 42}},
		{"nil", nil, map[string]any{"value": nil}},
		{"typed map", map[string]string{"x": "y"}, map[string]any{"x": "y"}},
		{"envelope with json string", map[string]any{"status": "ok", "data": `{"n":1}`}, map[string]any{"n": float64(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeToolResult(tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("NormalizeToolResult(%#v) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}
