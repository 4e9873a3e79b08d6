package telemetry

import (
	"image"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	maxAttrString = 512
	maxAttrSlice  = 32
)

// Key fragments that may carry file names, catalog identifiers or credentials.
var denyKeys = []string{
	"path",
	"file",
	"url",
	"caption",
	"authorization",
	"api_key",
	"token",
	"content_id",
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, frag := range denyKeys {
		if strings.Contains(lk, frag) {
			return true
		}
	}
	return false
}

// SafeAttributes converts values to span attributes in key order, dropping denied
// keys, oversized strings and unsupported types.
func SafeAttributes(values map[string]interface{}) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		if !denied(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		if kv, ok := toAttribute(k, values[k]); ok {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

func toAttribute(k string, v interface{}) (attribute.KeyValue, bool) {
	switch val := v.(type) {
	case string:
		if len(val) > maxAttrString {
			return attribute.KeyValue{}, false
		}
		return attribute.String(k, val), true
	case bool:
		return attribute.Bool(k, val), true
	case int:
		return attribute.Int(k, val), true
	case int64:
		return attribute.Int64(k, val), true
	case float32:
		return attribute.Float64(k, float64(val)), true
	case float64:
		return attribute.Float64(k, val), true
	case []string:
		if len(val) > maxAttrSlice {
			val = val[:maxAttrSlice]
		}
		return attribute.StringSlice(k, val), true
	case image.Rectangle:
		// x1,y1,x2,y2 like the audit trail.
		return attribute.IntSlice(k, []int{val.Min.X, val.Min.Y, val.Max.X, val.Max.Y}), true
	case image.Point:
		return attribute.IntSlice(k, []int{val.X, val.Y}), true
	}
	return attribute.KeyValue{}, false
}
