package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/straja-ai/imgguard/internal/audit"
	"github.com/straja-ai/imgguard/internal/codec"
	"github.com/straja-ai/imgguard/internal/detect"
	"github.com/straja-ai/imgguard/internal/policy"
	"github.com/straja-ai/imgguard/internal/redactor"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: 0x80, A: 0xff})
		}
	}
	return img
}

func testPolicy() policy.Policy {
	return policy.Policy{
		Enabled:        true,
		Labels:         policy.NewLabelSet("EXPOSED_BREAST_F"),
		ScoreThreshold: 0.5,
		PadRatio:       0.1,
		Style:          policy.SolidFill{Color: color.RGBA{A: 0xff}},
	}
}

func backend(raws ...detect.Raw) *detect.Adapter {
	return detect.NewStaticAdapter(detect.BackendFunc(func(context.Context, image.Image) ([]detect.Raw, error) {
		return raws, nil
	}), detect.Options{Name: "test"})
}

func breast(score float64) detect.Raw {
	return detect.Raw{"label": "EXPOSED_BREAST_F", "score": score, "box": []any{10, 10, 40, 40}}
}

func TestPaintsPaddedRegion(t *testing.T) {
	src := gradient(100, 100)
	before := append([]uint8(nil), src.Pix...)

	res, err := Redact(context.Background(), src, testPolicy(), backend(breast(0.9)))
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if !res.Hit || res.State != StateRedacted || res.Output == nil {
		t.Fatalf("expected hit, got %+v", res)
	}
	if len(res.Regions) != 1 || res.Regions[0].Rectangle != image.Rect(7, 7, 43, 43) {
		t.Fatalf("unexpected regions %+v", res.Regions)
	}
	black := color.RGBA{A: 0xff}
	if res.Output.RGBAAt(7, 7) != black || res.Output.RGBAAt(42, 42) != black {
		t.Fatal("region corners not painted")
	}
	if res.Output.RGBAAt(6, 6) != src.RGBAAt(6, 6) || res.Output.RGBAAt(43, 43) != src.RGBAAt(43, 43) {
		t.Fatal("pixels outside the region changed")
	}
	if !bytes.Equal(before, src.Pix) {
		t.Fatal("caller image mutated")
	}
}

func TestBelowThresholdPassesThrough(t *testing.T) {
	res, err := Redact(context.Background(), gradient(100, 100), testPolicy(), backend(breast(0.3)))
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if res.Hit || res.Output != nil || res.State != StateEmpty {
		t.Fatalf("expected empty passthrough, got %+v", res)
	}
}

func TestDetectorFailuresPassThrough(t *testing.T) {
	img := gradient(20, 20)
	cases := []struct {
		name string
		det  detect.Detector
	}{
		{"nil detector", nil},
		{"unavailable", detect.Unavailable("detection disabled")},
		{"loader error", detect.NewAdapter(func(context.Context) (detect.Backend, error) {
			return nil, errors.New("model missing")
		}, detect.Options{})},
		{"backend error", detect.NewStaticAdapter(detect.BackendFunc(func(context.Context, image.Image) ([]detect.Raw, error) {
			return nil, errors.New("onnx run failed")
		}), detect.Options{})},
		{"backend panic", detect.NewStaticAdapter(detect.BackendFunc(func(context.Context, image.Image) ([]detect.Raw, error) {
			panic("boom")
		}), detect.Options{})},
		{"timeout", detect.NewStaticAdapter(detect.BackendFunc(func(ctx context.Context, _ image.Image) ([]detect.Raw, error) {
			<-ctx.Done()
			return []detect.Raw{breast(0.99)}, nil
		}), detect.Options{Timeout: 20 * time.Millisecond})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Redact(context.Background(), img, testPolicy(), tc.det)
			if err != nil {
				t.Fatalf("fail-open must not return an error, got %v", err)
			}
			if res.Hit || res.Output != nil || res.State != StateUnavailable {
				t.Fatalf("expected unavailable passthrough, got %+v", res)
			}
		})
	}
}

func TestFailClosedReturnsError(t *testing.T) {
	p := testPolicy()
	p.FailMode = policy.FailClosed
	res, err := Redact(context.Background(), gradient(10, 10), p, detect.Unavailable("offline"))
	if !errors.Is(err, ErrDetectorUnavailable) || !errors.Is(err, detect.ErrUnavailable) {
		t.Fatalf("expected ErrDetectorUnavailable, got %v", err)
	}
	if res.Hit || res.Output != nil {
		t.Fatalf("fail-closed must not publish output, got %+v", res)
	}
}

func TestPixelateBlockSizeFloor(t *testing.T) {
	p := testPolicy()
	p.PadRatio = 0
	p.Style = policy.Pixelate{BlockSize: 2}
	raw := detect.Raw{"label": "EXPOSED_BREAST_F", "score": 0.9, "box": []any{10, 10, 30, 30}}

	res, err := Redact(context.Background(), gradient(40, 40), p, backend(raw))
	if err != nil || !res.Hit {
		t.Fatalf("expected hit, got %+v %v", res, err)
	}
	cols, rows := redactor.GridSize(20, 20, 2)
	if cols != 2 || rows != 2 {
		t.Fatalf("grid %dx%d, want 2x2", cols, rows)
	}
	seen := map[color.RGBA]bool{}
	for y := 10; y < 30; y++ {
		for x := 10; x < 30; x++ {
			seen[res.Output.RGBAAt(x, y)] = true
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 mosaic cells, saw %d colors", len(seen))
	}
}

func TestDisabledSkipsDetector(t *testing.T) {
	var calls atomic.Int32
	det := detect.NewStaticAdapter(detect.BackendFunc(func(context.Context, image.Image) ([]detect.Raw, error) {
		calls.Add(1)
		return []detect.Raw{breast(0.9)}, nil
	}), detect.Options{})
	p := testPolicy()
	p.Enabled = false

	res, err := Redact(context.Background(), gradient(50, 50), p, det)
	if err != nil || res.Hit || res.State != StateDisabled {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if calls.Load() != 0 {
		t.Fatal("detector called while disabled")
	}
}

type cancelingDetector struct {
	cancel context.CancelFunc
}

func (d cancelingDetector) Detect(context.Context, image.Image) ([]detect.Detection, error) {
	d.cancel()
	return []detect.Detection{{Label: "EXPOSED_BREAST_F", Score: 0.9, Box: [4]float64{0, 0, 10, 10}}}, nil
}

func TestCancellationDiscardsWorkingCopy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := Redact(ctx, gradient(30, 30), testPolicy(), cancelingDetector{cancel: cancel})
	if err != nil {
		t.Fatalf("cancellation must not surface as an error, got %v", err)
	}
	if res.Hit || res.Output != nil || res.State != StateAborted {
		t.Fatalf("expected aborted passthrough, got %+v", res)
	}
}

func TestRedactBytesPassthroughIsByteIdentical(t *testing.T) {
	data, err := codec.EncodeBytes(gradient(32, 32), "jpeg", 75)
	if err != nil {
		t.Fatal(err)
	}
	e := &Engine{Detector: backend()}
	res, err := e.RedactBytes(context.Background(), data, testPolicy(), EncodeOptions{})
	if err != nil {
		t.Fatalf("RedactBytes: %v", err)
	}
	if res.Hit || res.Format != "jpeg" {
		t.Fatalf("unexpected result %+v", res.Result)
	}
	if &res.Data[0] != &data[0] || !bytes.Equal(res.Data, data) {
		t.Fatal("passthrough must hand back the caller's bytes")
	}
}

func TestRedactBytesEncodesHitInSameFormat(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "gif"} {
		t.Run(format, func(t *testing.T) {
			data, err := codec.EncodeBytes(gradient(100, 100), format, 0)
			if err != nil {
				t.Fatal(err)
			}
			e := &Engine{Detector: backend(breast(0.9))}
			res, err := e.RedactBytes(context.Background(), data, testPolicy(), EncodeOptions{Quality: 95})
			if err != nil {
				t.Fatalf("RedactBytes: %v", err)
			}
			if !res.Hit || res.Format != format || bytes.Equal(res.Data, data) {
				t.Fatalf("expected re-encoded %s hit, got %+v", format, res.Result)
			}
			img, got, err := codec.DecodeBytes(res.Data)
			if err != nil || got != format {
				t.Fatalf("output decodes as %q: %v", got, err)
			}
			r, g, b, _ := img.At(25, 25).RGBA()
			if r>>8 > 8 || g>>8 > 8 || b>>8 > 8 {
				t.Fatalf("region centre not black: %d %d %d", r>>8, g>>8, b>>8)
			}
		})
	}
}

func TestRedactBytesDecodeError(t *testing.T) {
	e := &Engine{Detector: backend(breast(0.9))}
	_, err := e.RedactBytes(context.Background(), []byte("GIF89a but not really"), testPolicy(), EncodeOptions{})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestEngineEmitsAuditEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.NewFileSink(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	em := audit.NewEmitter(audit.EmitterConfig{QueueSize: 8}, []audit.Sink{sink})
	e := &Engine{Detector: backend(breast(0.9)), DetectorName: "static", Audit: em}

	data, err := codec.EncodeBytes(gradient(100, 100), "png", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.RedactBytes(context.Background(), data, testPolicy(), EncodeOptions{}); err != nil {
		t.Fatal(err)
	}
	em.Close(context.Background())

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var ev audit.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Summary.State != "redacted" || !ev.Summary.Hit || ev.Detector != "static" {
		t.Fatalf("unexpected summary %+v", ev)
	}
	if ev.Image.Format != "png" || ev.Image.Width != 100 || len(ev.Image.SHA256) != 64 {
		t.Fatalf("unexpected image meta %+v", ev.Image)
	}
	if len(ev.Regions) != 1 || ev.Regions[0].Box != [4]int{7, 7, 43, 43} {
		t.Fatalf("unexpected regions %+v", ev.Regions)
	}
}

func TestEngineIsSafeForConcurrentUse(t *testing.T) {
	e := &Engine{Detector: backend(breast(0.9))}
	src := gradient(100, 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Redact(context.Background(), src, testPolicy())
			if err != nil || !res.Hit {
				t.Errorf("unexpected result %+v %v", res, err)
			}
		}()
	}
	wg.Wait()
}

func TestPaintedPixelsStayInsideRegionsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 64).Draw(t, "w")
		h := rapid.IntRange(1, 64).Draw(t, "h")
		coord := rapid.Float64Range(-20, 90)
		n := rapid.IntRange(0, 4).Draw(t, "n")
		raws := make([]detect.Raw, 0, n)
		for i := 0; i < n; i++ {
			raws = append(raws, detect.Raw{
				"label": "EXPOSED_BREAST_F",
				"score": rapid.Float64Range(0, 1).Draw(t, "score"),
				"box":   []float64{coord.Draw(t, "x1"), coord.Draw(t, "y1"), coord.Draw(t, "x2"), coord.Draw(t, "y2")},
			})
		}
		p := testPolicy()
		p.PadRatio = rapid.Float64Range(0, 0.5).Draw(t, "pad")

		src := gradient(w, h)
		res, err := Redact(context.Background(), src, p, backend(raws...))
		if err != nil {
			t.Fatalf("Redact: %v", err)
		}
		if !res.Hit {
			if res.Output != nil {
				t.Fatal("passthrough with output")
			}
			return
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				inside := false
				for _, r := range res.Regions {
					if !r.Valid(w, h) {
						t.Fatalf("invalid region %v", r.Rectangle)
					}
					if image.Pt(x, y).In(r.Rectangle) {
						inside = true
					}
				}
				if !inside && res.Output.RGBAAt(x, y) != src.RGBAAt(x, y) {
					t.Fatalf("pixel %d,%d outside every region changed", x, y)
				}
			}
		}
	})
}
