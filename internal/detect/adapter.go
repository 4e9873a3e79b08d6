package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/straja-ai/imgguard/internal/logging"
)

// ErrUnavailable is returned when the detection capability cannot answer: it failed
// to initialise, the call failed or panicked, or the deadline expired.
var ErrUnavailable = errors.New("detector unavailable")

// Detector reports validated detections for an image. Implementations return
// errors wrapping ErrUnavailable only; callers decide whether that is fatal.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Backend is the underlying detection capability. Its output is untrusted.
type Backend interface {
	Detect(ctx context.Context, img image.Image) ([]Raw, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, img image.Image) ([]Raw, error)

func (f BackendFunc) Detect(ctx context.Context, img image.Image) ([]Raw, error) {
	return f(ctx, img)
}

// Loader builds the backend on first use. Loading is typically expensive (model
// download, runtime initialisation) and happens at most once per Adapter.
type Loader func(ctx context.Context) (Backend, error)

// Options tunes an Adapter.
type Options struct {
	// Timeout bounds each detection call; zero relies on the caller's context only.
	Timeout time.Duration
	// Serialize runs at most one backend call at a time. Set it for backends that
	// are not safe for concurrent use.
	Serialize bool
	// Name identifies the backend in log lines.
	Name string
}

// Adapter wraps a Backend with lazy one-time initialisation and fail-open error
// handling. A failed initialisation is sticky: every later call reports
// ErrUnavailable without retrying the loader.
type Adapter struct {
	load Loader
	opts Options

	initMu sync.Mutex
	cell   *initCell

	// callSlot holds one token per running backend call when Serialize is set.
	callSlot chan struct{}
}

// initCell is filled once by the loader goroutine; done is closed afterwards.
type initCell struct {
	done    chan struct{}
	backend Backend
	err     error
}

// NewAdapter returns an Adapter that calls load on first use.
func NewAdapter(load Loader, opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "detector"
	}
	return &Adapter{load: load, opts: opts, callSlot: make(chan struct{}, 1)}
}

// NewStaticAdapter wraps an already constructed backend.
func NewStaticAdapter(b Backend, opts Options) *Adapter {
	return NewAdapter(func(context.Context) (Backend, error) { return b, nil }, opts)
}

// Unavailable returns an Adapter that never detects anything, e.g. when detection is
// disabled in configuration.
func Unavailable(reason string) *Adapter {
	return NewAdapter(func(context.Context) (Backend, error) {
		return nil, errors.New(reason)
	}, Options{Name: "none"})
}

// Ready starts initialisation if needed and waits for it until ctx is done.
func (a *Adapter) Ready(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := a.backendFor(ctx)
	return err
}

// Detect runs the backend and validates its output. It never panics; every failure
// is reported as an error wrapping ErrUnavailable.
func (a *Adapter) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: no adapter", ErrUnavailable)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The deadline covers waiting for initialisation as well as the call.
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	backend, err := a.backendFor(ctx)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		raws []Raw
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		raws, err := a.call(ctx, backend, img)
		done <- outcome{raws: raws, err: err}
	}()

	select {
	case <-ctx.Done():
		logging.Logf("%s: detection abandoned: %v", a.opts.Name, ctx.Err())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case out := <-done:
		if out.err != nil {
			logging.Logf("%s: detection failed: %v", a.opts.Name, out.err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, out.err)
		}
		dets, skipped := ParseAll(out.raws)
		if skipped > 0 {
			logging.Logf("%s: skipped %d malformed detections", a.opts.Name, skipped)
		}
		return dets, nil
	}
}

// backendFor returns the loaded backend, starting the loader on first use. The
// loader runs detached from ctx; each caller waits only until its own ctx is done.
func (a *Adapter) backendFor(ctx context.Context) (Backend, error) {
	a.initMu.Lock()
	c := a.cell
	if c == nil {
		c = &initCell{done: make(chan struct{})}
		a.cell = c
		go a.runLoad(context.WithoutCancel(ctx), c)
	}
	a.initMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for initialisation: %v", ErrUnavailable, ctx.Err())
	}
	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, c.err)
	}
	return c.backend, nil
}

func (a *Adapter) runLoad(ctx context.Context, c *initCell) {
	defer close(c.done)
	backend, err := a.safeLoad(ctx)
	if err == nil && backend == nil {
		err = errors.New("loader returned no backend")
	}
	if err != nil {
		logging.Logf("%s: initialisation failed, detection disabled for this process: %v", a.opts.Name, err)
		c.err = err
		return
	}
	c.backend = backend
}

func (a *Adapter) safeLoad(ctx context.Context) (b Backend, err error) {
	if a.load == nil {
		return nil, errors.New("no loader configured")
	}
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()
	return a.load(ctx)
}

func (a *Adapter) call(ctx context.Context, b Backend, img image.Image) (raws []Raw, err error) {
	if a.opts.Serialize {
		select {
		case a.callSlot <- struct{}{}:
			defer func() { <-a.callSlot }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			raws, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	return b.Detect(ctx, img)
}
