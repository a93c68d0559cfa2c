package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Int64Prop reads an integer property regardless of how the backend decoded it.
func Int64Prop(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// BoolProp reads a boolean property; missing keys read as false.
func BoolProp(p map[string]any, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// StringProp reads a property as text.
func StringProp(p map[string]any, key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SameValue compares two attribute values by their textual form, which is
// stable across backends that decode numbers differently.
func SameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
