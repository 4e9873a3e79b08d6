// Package audit records the outcome of every redaction run as a JSON event and
// delivers it asynchronously to file or webhook sinks.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/region"
)

// RegionEntry is one painted rectangle.
type RegionEntry struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   [4]int  `json:"box"`
}

type Summary struct {
	Hit        bool     `json:"hit"`
	State      string   `json:"state"`
	Reason     string   `json:"reason,omitempty"`
	Style      string   `json:"style"`
	Labels     []string `json:"labels,omitempty"`
	Detections int      `json:"detections"`
}

type TimingMs struct {
	Detect float64 `json:"detect"`
	Total  float64 `json:"total"`
}

type ImageMeta struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Event is the canonical audit payload.
type Event struct {
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Detector  string        `json:"detector,omitempty"`
	Image     ImageMeta     `json:"image"`
	Summary   Summary       `json:"summary"`
	Regions   []RegionEntry `json:"regions,omitempty"`
	TimingMs  TimingMs      `json:"timing_ms"`
}

// BuildParams collects the inputs of one run.
type BuildParams struct {
	RunID      string
	Detector   string
	Width      int
	Height     int
	Format     string
	SHA256     string
	State      string
	Reason     string
	Style      string
	Detections int
	Regions    []region.Region
	Detect     time.Duration
	Total      time.Duration
}

// BuildEvent assembles an Event. Labels are deduplicated and sorted.
func BuildEvent(p BuildParams) *Event {
	entries := make([]RegionEntry, 0, len(p.Regions))
	seen := make(map[string]struct{}, len(p.Regions))
	labels := make([]string, 0, len(p.Regions))
	for _, r := range p.Regions {
		entries = append(entries, RegionEntry{
			Label: r.Label,
			Score: r.Score,
			Box:   [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y},
		})
		if _, ok := seen[r.Label]; ok {
			continue
		}
		seen[r.Label] = struct{}{}
		labels = append(labels, r.Label)
	}
	sort.Strings(labels)

	return &Event{
		Version:   "1",
		Timestamp: time.Now().UTC(),
		RunID:     ensureRunID(p.RunID),
		Detector:  p.Detector,
		Image: ImageMeta{
			Width:  p.Width,
			Height: p.Height,
			Format: p.Format,
			SHA256: p.SHA256,
		},
		Summary: Summary{
			Hit:        p.State == "redacted",
			State:      p.State,
			Reason:     p.Reason,
			Style:      p.Style,
			Labels:     labels,
			Detections: p.Detections,
		},
		Regions:  entries,
		TimingMs: TimingMs{Detect: durationMillis(p.Detect), Total: durationMillis(p.Total)},
	}
}

// LogEvent prints a scrubbed JSON representation of the event.
func LogEvent(ev *Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Logf("audit: failed to marshal event: %v", err)
		return
	}
	logging.Logf("audit: %s", string(data))
}

func ensureRunID(id string) string {
	if id != "" {
		return id
	}
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
