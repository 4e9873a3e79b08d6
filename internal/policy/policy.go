package policy

import (
	"image/color"
	"sort"
	"strings"
)

// MinBlockSize is the smallest pixelation block accepted. Smaller blocks leave the
// region recognisable, so they are raised to this floor.
const MinBlockSize = 8

// DefaultBlockSize matches the mosaic coarseness used by the original publisher.
const DefaultBlockSize = 24

// DefaultScoreThreshold is the minimum detector confidence for redaction.
const DefaultScoreThreshold = 0.45

// DefaultLabels lists the detector classes redacted when no label set is configured.
// Both the NudeNet v2 and v3 spellings are included.
var DefaultLabels = []string{
	"EXPOSED_ANUS",
	"EXPOSED_BREAST_F",
	"EXPOSED_BREAST_M",
	"EXPOSED_GENITALIA_F",
	"EXPOSED_GENITALIA_M",
	"EXPOSED_BUTTOCKS",
	"ANUS_EXPOSED",
	"FEMALE_BREAST_EXPOSED",
	"MALE_BREAST_EXPOSED",
	"FEMALE_GENITALIA_EXPOSED",
	"MALE_GENITALIA_EXPOSED",
	"BUTTOCKS_EXPOSED",
}

// FailMode decides what happens when the detector cannot produce an answer.
type FailMode int

const (
	// FailOpen treats an unavailable detector as "no sensitive regions" and lets the
	// original image through. Availability wins over strict safety.
	FailOpen FailMode = iota
	// FailClosed surfaces an unavailable detector as an error so the caller can
	// refuse to publish.
	FailClosed
)

func (m FailMode) String() string {
	switch m {
	case FailClosed:
		return "closed"
	default:
		return "open"
	}
}

// ParseFailMode accepts "open" or "closed" (case-insensitive); empty means open.
func ParseFailMode(s string) (FailMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, true
	case "closed":
		return FailClosed, true
	default:
		return FailOpen, false
	}
}

// Style is the closed set of obscuring strategies: Pixelate or SolidFill.
type Style interface {
	styleName() string
}

// Pixelate renders a mosaic with square blocks of BlockSize pixels.
type Pixelate struct {
	BlockSize int
}

func (Pixelate) styleName() string { return "pixelate" }

// EffectiveBlockSize returns the block size after applying MinBlockSize.
func (p Pixelate) EffectiveBlockSize() int {
	if p.BlockSize < MinBlockSize {
		return MinBlockSize
	}
	return p.BlockSize
}

// SolidFill overwrites the region with a single opaque color.
type SolidFill struct {
	Color color.RGBA
}

func (SolidFill) styleName() string { return "solid" }

// StyleName reports "pixelate" or "solid" for logging and telemetry.
func StyleName(s Style) string {
	if s == nil {
		return "none"
	}
	return s.styleName()
}

// Policy governs which detections qualify and how they are obscured.
// It is passed by value and never modified during an invocation.
type Policy struct {
	Enabled        bool
	Labels         map[string]struct{}
	ScoreThreshold float64
	// MinAreaRatio is the fraction of the image a box must cover; nil disables the check.
	MinAreaRatio *float64
	// PadRatio expands each accepted box by this fraction of its own width/height.
	PadRatio float64
	Style    Style
	FailMode FailMode
}

// Default returns the policy used by the original publishing flow.
func Default() Policy {
	return Policy{
		Enabled:        true,
		Labels:         NewLabelSet(DefaultLabels...),
		ScoreThreshold: DefaultScoreThreshold,
		Style:          Pixelate{BlockSize: DefaultBlockSize},
		FailMode:       FailOpen,
	}
}

// NewLabelSet trims and upper-cases labels, dropping empty entries.
func NewLabelSet(labels ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.ToUpper(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		set[l] = struct{}{}
	}
	return set
}

// ParseLabelList splits a comma-separated label list into a label set.
func ParseLabelList(s string) map[string]struct{} {
	return NewLabelSet(strings.Split(s, ",")...)
}

// Allows reports whether label (any case) is eligible for redaction.
func (p Policy) Allows(label string) bool {
	_, ok := p.Labels[strings.ToUpper(label)]
	return ok
}

// SortedLabels returns the label set in lexical order.
func (p Policy) SortedLabels() []string {
	out := make([]string, 0, len(p.Labels))
	for l := range p.Labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
