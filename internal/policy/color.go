package policy

import (
	"encoding/hex"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/straja-ai/imgguard/internal/logging"
)

// FallbackColor is used when a configured fill color cannot be parsed.
var FallbackColor = color.RGBA{A: 0xff}

// ParseColor converts a fill color into opaque RGBA. Accepted forms, all in R,G,B
// order: "RRGGBB", "#RRGGBB", "R,G,B", a three-element numeric slice, or a
// color.Color. Channel values must lie in [0,255].
func ParseColor(v any) (color.RGBA, error) {
	switch c := v.(type) {
	case nil:
		return FallbackColor, fmt.Errorf("color is empty")
	case color.RGBA:
		c.A = 0xff
		return c, nil
	case color.Color:
		r, g, b, _ := c.RGBA()
		return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 0xff}, nil
	case string:
		return parseColorString(c)
	case []int:
		vals := make([]float64, len(c))
		for i, x := range c {
			vals[i] = float64(x)
		}
		return colorFromChannels(vals)
	case []float64:
		return colorFromChannels(c)
	case []any:
		vals := make([]float64, len(c))
		for i, x := range c {
			f, ok := toFloat(x)
			if !ok {
				return FallbackColor, fmt.Errorf("color channel %d is not numeric: %v", i, x)
			}
			vals[i] = f
		}
		return colorFromChannels(vals)
	default:
		return FallbackColor, fmt.Errorf("unsupported color type %T", v)
	}
}

// ColorOrFallback parses v and falls back to opaque black, logging the rejected value.
func ColorOrFallback(v any) color.RGBA {
	c, err := ParseColor(v)
	if err != nil {
		logging.Logf("policy: fill color %v rejected (%v); using opaque black", v, err)
		return FallbackColor
	}
	return c
}

func parseColorString(s string) (color.RGBA, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		vals := make([]float64, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return FallbackColor, fmt.Errorf("color channel %d: %w", i, err)
			}
			vals[i] = f
		}
		return colorFromChannels(vals)
	}

	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return FallbackColor, fmt.Errorf("hex color must have 6 digits, got %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return FallbackColor, fmt.Errorf("hex color: %w", err)
	}
	return color.RGBA{R: b[0], G: b[1], B: b[2], A: 0xff}, nil
}

func colorFromChannels(vals []float64) (color.RGBA, error) {
	if len(vals) != 3 {
		return FallbackColor, fmt.Errorf("color needs 3 channels, got %d", len(vals))
	}
	var out [3]uint8
	for i, v := range vals {
		if math.IsNaN(v) || v < 0 || v > 255 {
			return FallbackColor, fmt.Errorf("color channel %d out of range: %v", i, v)
		}
		out[i] = uint8(math.Round(v))
	}
	return color.RGBA{R: out[0], G: out[1], B: out[2], A: 0xff}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}
