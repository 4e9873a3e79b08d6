// Package nudenet runs the NudeNet v3 YOLOv8 exposure detector through onnxruntime.
package nudenet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/imgguard/internal/detect"
)

// DefaultInputSize matches the 320n export shipped with NudeNet v3.
const DefaultInputSize = 320

// Options configures LoadModel.
type Options struct {
	InputSize  int
	IntraOp    int
	InterOp    int
	LibraryDir string
}

// Model wraps one ONNX session with preallocated input and output tensors. The
// tensors are reused across calls, so Detect holds mu for the whole
// preprocess, run and read cycle.
type Model struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	size    int
	anchors int
	labels  []string

	mu sync.Mutex
}

// LoadModel initializes onnxruntime and opens the model at path.
func LoadModel(path string, opts Options) (*Model, error) {
	if path == "" {
		return nil, errors.New("model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", path, err)
	}
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	libDir := opts.LibraryDir
	if libDir == "" {
		libDir = filepath.Dir(path)
	}

	libPath := resolveSharedLibraryPath(libDir)
	if libPath == "" {
		return nil, fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer so.Destroy()
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if opts.IntraOp > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOp); err != nil {
			return nil, fmt.Errorf("set intra threads: %w", err)
		}
	}
	if opts.InterOp > 0 {
		if err := so.SetInterOpNumThreads(opts.InterOp); err != nil {
			return nil, fmt.Errorf("set inter threads: %w", err)
		}
	}

	size := opts.InputSize
	anchors := anchorCount(size)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("allocate images tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(Labels)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output0 tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{input},
		[]ort.Value{output},
		so,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Model{
		session: session,
		input:   input,
		output:  output,
		size:    size,
		anchors: anchors,
		labels:  Labels,
	}, nil
}

// Detect runs one inference and returns loose detections with corner boxes in
// source pixel coordinates.
func (m *Model) Detect(ctx context.Context, img image.Image) ([]detect.Raw, error) {
	if m == nil || m.session == nil {
		return nil, errors.New("nudenet model not initialized")
	}
	if img == nil {
		return nil, errors.New("nil image")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	factor := letterbox(m.input.GetData(), img, m.size)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	cands := decode(m.output.GetData(), len(m.labels), m.anchors, factor)
	return toRaw(nms(cands, nmsScoreThreshold, nmsIoUThreshold), m.labels), nil
}

// Close releases the session and tensors.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
		m.input = nil
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
		m.output = nil
	}
	return errors.Join(errs...)
}

// Loader returns a detect.Loader that opens the model on first use.
func Loader(path string, opts Options) detect.Loader {
	return func(ctx context.Context) (detect.Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := LoadModel(path, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// resolveSharedLibraryPath locates a platform-specific onnxruntime library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names and locations are probed.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
		"/usr/lib/x86_64-linux-gnu",
	}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
