package audit

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/straja-ai/imgguard/internal/region"
)

func TestBuildEvent(t *testing.T) {
	ev := BuildEvent(BuildParams{
		Detector:   "nudenet",
		Width:      100,
		Height:     80,
		Format:     "jpeg",
		State:      "redacted",
		Style:      "pixelate",
		Detections: 3,
		Regions: []region.Region{
			{Rectangle: image.Rect(10, 10, 40, 40), Label: "FEMALE_BREAST_EXPOSED", Score: 0.9},
			{Rectangle: image.Rect(50, 10, 80, 40), Label: "FEMALE_BREAST_EXPOSED", Score: 0.8},
			{Rectangle: image.Rect(20, 50, 60, 70), Label: "BUTTOCKS_EXPOSED", Score: 0.7},
		},
		Detect: 12 * time.Millisecond,
		Total:  20 * time.Millisecond,
	})

	if ev.RunID == "" || len(ev.RunID) != 32 {
		t.Fatalf("expected generated run id, got %q", ev.RunID)
	}
	if !ev.Summary.Hit {
		t.Fatal("redacted run must be a hit")
	}
	if got := strings.Join(ev.Summary.Labels, ","); got != "BUTTOCKS_EXPOSED,FEMALE_BREAST_EXPOSED" {
		t.Fatalf("unexpected labels %s", got)
	}
	if len(ev.Regions) != 3 || ev.Regions[2].Box != [4]int{20, 50, 60, 70} {
		t.Fatalf("unexpected regions %+v", ev.Regions)
	}
	if ev.TimingMs.Detect != 12 || ev.TimingMs.Total != 20 {
		t.Fatalf("unexpected timings %+v", ev.TimingMs)
	}

	pass := BuildEvent(BuildParams{RunID: "fixed", State: "unavailable", Reason: "timeout"})
	if pass.RunID != "fixed" || pass.Summary.Hit || len(pass.Regions) != 0 {
		t.Fatalf("unexpected passthrough event %+v", pass)
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")

	sink, err := NewFileSink(path, 0)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	for _, id := range []string{"run-1", "run-2"} {
		if err := sink.Deliver(context.Background(), BuildEvent(BuildParams{RunID: id, State: "empty"})); err != nil {
			t.Fatalf("deliver %s: %v", id, err)
		}
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var decoded Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal jsonl line: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.Summary.State != "empty" {
		t.Fatalf("unexpected event %+v", decoded)
	}
	if err := sink.Deliver(context.Background(), &Event{}); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestFileSinkRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path, 200)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}
	defer sink.Close(context.Background())

	for i := 0; i < 4; i++ {
		if err := sink.Deliver(context.Background(), BuildEvent(BuildParams{State: "empty"})); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated file: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("current file should hold the latest event")
	}
}

func TestWebhookSinkRetriesAndAuthenticates(t *testing.T) {
	var calls atomic.Int32
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	sink, err := NewWebhookSink(srv.URL, "s3cret", time.Second, 1)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	if err := sink.Deliver(context.Background(), BuildEvent(BuildParams{State: "redacted"})); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestWebhookSinkHandlesNon2xx(t *testing.T) {
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("fail"))
	}))

	sink, err := NewWebhookSink(srv.URL, "", 200*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	err = sink.Deliver(context.Background(), BuildEvent(BuildParams{State: "empty"}))
	if err == nil || !strings.Contains(err.Error(), "status 418") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	wait := make(chan struct{})
	sink := &blockingSink{wait: wait}
	em := NewEmitter(EmitterConfig{QueueSize: 1, Workers: 1, ShutdownTimeout: time.Second}, []Sink{sink})

	ev := BuildEvent(BuildParams{State: "empty"})
	em.Emit(ev)
	em.Emit(ev)
	em.Emit(ev)

	if em.Stats().Dropped == 0 {
		t.Fatalf("expected dropped events when queue is full")
	}

	close(wait)
	em.Close(context.Background())
	em.Emit(ev)
	if em.Stats().Dropped < 2 {
		t.Fatal("emit after close must count as dropped")
	}
}

func TestEmitterDeliversToAllSinks(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	srv := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))

	hook, err := NewWebhookSink(srv.URL, "", time.Second, 0)
	if err != nil {
		t.Fatalf("webhook sink: %v", err)
	}
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	file, err := NewFileSink(path, 0)
	if err != nil {
		t.Fatalf("file sink: %v", err)
	}

	em := NewEmitter(EmitterConfig{QueueSize: 8, Workers: 2, ShutdownTimeout: 2 * time.Second}, []Sink{hook, file})
	for i := 0; i < 5; i++ {
		em.Emit(BuildEvent(BuildParams{State: "redacted"}))
	}
	em.Close(context.Background())

	mu.Lock()
	got := len(received)
	mu.Unlock()
	if got != 5 {
		t.Fatalf("expected 5 webhook events, got %d", got)
	}
	stats := em.Stats()
	if stats.Delivered != 10 || stats.Failed != 0 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 5 {
		t.Fatalf("expected 5 jsonl lines, got %d", n)
	}
}

type blockingSink struct {
	wait chan struct{}
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(context.Context, *Event) error {
	<-s.wait
	return nil
}

func (s *blockingSink) Close(context.Context) error { return nil }

func newTestServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping: cannot open listener: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestLogSink(t *testing.T) {
	var s Sink = LogSink{}
	if s.Name() != "log" {
		t.Fatalf("unexpected name %q", s.Name())
	}
	if err := s.Deliver(context.Background(), BuildEvent(BuildParams{State: "empty"})); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	LogEvent(nil)
}
