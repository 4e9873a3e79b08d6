package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Detection is a validated detector result. Box holds x1, y1, x2, y2 in pixels of
// the analysed image; the coordinates are finite but not yet clamped to its bounds.
type Detection struct {
	Label string
	Score float64
	Box   [4]float64
}

// Raw is one loosely-typed detector entry, typically decoded from JSON or produced
// by a model wrapper: {"label": ..., "score": ..., "box": [x1, y1, x2, y2]}.
type Raw map[string]any

// Parse validates a raw entry. Entries with a missing or non-string label, a score
// that is not a finite number in [0,1], or a box with fewer than four finite
// numbers are rejected.
func Parse(r Raw) (Detection, error) {
	if r == nil {
		return Detection{}, fmt.Errorf("detection is empty")
	}

	label, ok := r["label"].(string)
	if !ok {
		return Detection{}, fmt.Errorf("label is %T, want string", r["label"])
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return Detection{}, fmt.Errorf("label is empty")
	}

	score, ok := number(r["score"])
	if !ok {
		return Detection{}, fmt.Errorf("score %v is not numeric", r["score"])
	}
	if score < 0 || score > 1 {
		return Detection{}, fmt.Errorf("score %v outside [0,1]", score)
	}

	box, err := parseBox(r["box"])
	if err != nil {
		return Detection{}, err
	}

	return Detection{Label: label, Score: score, Box: box}, nil
}

// ParseAll validates every entry, keeping input order. Rejected entries are skipped
// and counted.
func ParseAll(raws []Raw) ([]Detection, int) {
	out := make([]Detection, 0, len(raws))
	skipped := 0
	for _, r := range raws {
		d, err := Parse(r)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, d)
	}
	return out, skipped
}

// ParseJSON decodes a JSON array of detections. Both a bare array and an object
// with a "detections" array are accepted.
func ParseJSON(data []byte) ([]Raw, error) {
	var arr []Raw
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}

	var wrapper struct {
		Detections []Raw `json:"detections"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return wrapper.Detections, nil
}

func parseBox(v any) ([4]float64, error) {
	var box [4]float64

	var vals []any
	switch b := v.(type) {
	case []any:
		vals = b
	case []float64:
		for _, f := range b {
			vals = append(vals, f)
		}
	case []float32:
		for _, f := range b {
			vals = append(vals, f)
		}
	case []int:
		for _, f := range b {
			vals = append(vals, f)
		}
	case [4]float64:
		return finiteBox(b)
	default:
		return box, fmt.Errorf("box is %T, want list of numbers", v)
	}

	if len(vals) < 4 {
		return box, fmt.Errorf("box has %d elements, want 4", len(vals))
	}
	for i := 0; i < 4; i++ {
		f, ok := number(vals[i])
		if !ok {
			return box, fmt.Errorf("box element %d (%v) is not numeric", i, vals[i])
		}
		box[i] = f
	}
	return box, nil
}

func finiteBox(b [4]float64) ([4]float64, error) {
	for i, f := range b {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return b, fmt.Errorf("box element %d is not finite", i)
		}
	}
	return b, nil
}

// number converts JSON/YAML/Go numeric values to a finite float64.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
