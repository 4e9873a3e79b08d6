package nudenet

import (
	"sort"
	"strconv"

	"github.com/straja-ai/imgguard/internal/detect"
)

const (
	// CandidateThreshold is the minimum class score for a prediction to reach NMS.
	CandidateThreshold = 0.2
	nmsScoreThreshold  = 0.25
	nmsIoUThreshold    = 0.45
)

type candidate struct {
	class int
	score float64
	// left, top, width, height in source pixels
	x, y, w, h float64
}

// decode reads a [4+classes, anchors] YOLOv8 head. Each column holds the box center,
// size and per-class scores in model space; factor scales them to source pixels.
func decode(out []float32, classes, anchors int, factor float64) []candidate {
	if anchors <= 0 || len(out) < (4+classes)*anchors {
		return nil
	}
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < classes; c++ {
			s := out[(4+c)*anchors+a]
			if best < 0 || s > bestScore {
				best, bestScore = c, s
			}
		}
		if float64(bestScore) < CandidateThreshold {
			continue
		}
		cx := float64(out[a])
		cy := float64(out[anchors+a])
		w := float64(out[2*anchors+a])
		h := float64(out[3*anchors+a])
		cands = append(cands, candidate{
			class: best,
			score: float64(bestScore),
			x:     (cx - w/2) * factor,
			y:     (cy - h/2) * factor,
			w:     w * factor,
			h:     h * factor,
		})
	}
	return cands
}

// nms keeps the highest-scoring candidates, suppressing any box whose IoU with an
// already kept box exceeds iouTh. Suppression is class-agnostic.
func nms(cands []candidate, scoreTh, iouTh float64) []candidate {
	order := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.score >= scoreTh {
			order = append(order, c)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	var kept []candidate
	for _, c := range order {
		keep := true
		for _, k := range kept {
			if iou(c, k) > iouTh {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b candidate) float64 {
	x1 := max(a.x, b.x)
	y1 := max(a.y, b.y)
	x2 := min(a.x+a.w, b.x+b.w)
	y2 := min(a.y+a.h, b.y+b.h)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.w*a.h + b.w*b.h - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// toRaw emits corner boxes in the loose payload shape the detect package parses.
func toRaw(cands []candidate, labels []string) []detect.Raw {
	out := make([]detect.Raw, 0, len(cands))
	for _, c := range cands {
		label := "CLASS_" + strconv.Itoa(c.class)
		if c.class >= 0 && c.class < len(labels) {
			label = labels[c.class]
		}
		out = append(out, detect.Raw{
			"label": label,
			"score": c.score,
			"box":   []float64{c.x, c.y, c.x + c.w, c.y + c.h},
		})
	}
	return out
}
