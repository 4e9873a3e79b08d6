// Package region turns validated detections into redaction regions: it filters by
// label, score and area, clamps boxes into the image and pads them.
package region

import (
	"image"
	"math"
	"strings"

	"github.com/straja-ai/imgguard/internal/detect"
	"github.com/straja-ai/imgguard/internal/policy"
)

// Region is a clamped box satisfying 0 <= Min.X < Max.X <= W and 0 <= Min.Y < Max.Y <= H.
type Region struct {
	image.Rectangle
	Label string
	Score float64
}

// Clamp forces a box into [0,W) x [0,H) with at least one pixel of extent.
// Fractional edges round outward. W and H must be positive.
func Clamp(x1, y1, x2, y2 float64, w, h int) image.Rectangle {
	minX := clampInt(floorInt(x1), 0, w-1)
	minY := clampInt(floorInt(y1), 0, h-1)
	maxX := clampInt(max(ceilInt(x2), minX+1), 1, w)
	maxY := clampInt(max(ceilInt(y2), minY+1), 1, h)
	return image.Rect(minX, minY, maxX, maxY)
}

// Filter applies, in order, the label, score, clamp and area checks. The surviving
// regions keep input order; overlapping regions are kept as they are.
func Filter(dets []detect.Detection, p policy.Policy, w, h int) []Region {
	if w <= 0 || h <= 0 {
		return nil
	}
	total := float64(w) * float64(h)

	var out []Region
	for _, d := range dets {
		if _, ok := p.Labels[strings.ToUpper(d.Label)]; !ok {
			continue
		}
		if d.Score < p.ScoreThreshold {
			continue
		}
		r := Clamp(d.Box[0], d.Box[1], d.Box[2], d.Box[3], w, h)
		if p.MinAreaRatio != nil {
			area := float64(r.Dx()) * float64(r.Dy())
			if total <= 0 || area/total < *p.MinAreaRatio {
				continue
			}
		}
		out = append(out, Region{Rectangle: r, Label: d.Label, Score: d.Score})
	}
	return out
}

// Pad grows each region by ratio times its own width and height on every side,
// then clamps it back into the image.
func Pad(regions []Region, ratio float64, w, h int) []Region {
	if len(regions) == 0 {
		return nil
	}
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		px := int(math.Round(ratio * float64(r.Dx())))
		py := int(math.Round(ratio * float64(r.Dy())))
		padded := Clamp(
			float64(r.Min.X-px), float64(r.Min.Y-py),
			float64(r.Max.X+px), float64(r.Max.Y+py),
			w, h,
		)
		out = append(out, Region{Rectangle: padded, Label: r.Label, Score: r.Score})
	}
	return out
}

// Valid reports whether r satisfies the region invariant for a w x h image.
func (r Region) Valid(w, h int) bool {
	return r.Min.X >= 0 && r.Min.X < r.Max.X && r.Max.X <= w &&
		r.Min.Y >= 0 && r.Min.Y < r.Max.Y && r.Max.Y <= h
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// floorInt and ceilInt saturate so that huge detector coordinates cannot overflow.
func floorInt(f float64) int {
	return saturate(math.Floor(f))
}

func ceilInt(f float64) int {
	return saturate(math.Ceil(f))
}

func saturate(f float64) int {
	const limit = 1 << 30
	switch {
	case math.IsNaN(f):
		return 0
	case f > limit:
		return limit
	case f < -limit:
		return -limit
	default:
		return int(f)
	}
}
