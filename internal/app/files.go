package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/imgguard/internal/codec"
	"github.com/straja-ai/imgguard/internal/logging"
	"github.com/straja-ai/imgguard/internal/pipeline"
)

// FileResult reports what happened to one input file.
type FileResult struct {
	Input  string
	Output string // empty unless Hit
	Hit    bool
	State  pipeline.State
	Reason string
}

// OutputPath returns "<dir>/<name><suffix><ext>" for the redacted copy of input.
// dir defaults to the input's directory.
func (r *Runtime) OutputPath(input, format string) string {
	dir := r.Config.Output.Dir
	if dir == "" {
		dir = filepath.Dir(input)
	}
	base := filepath.Base(input)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	ext := codec.Extension(format)
	if ext == "" {
		ext = filepath.Ext(base)
	}
	return filepath.Join(dir, name+r.Config.Output.Suffix+ext)
}

// IsOutput reports whether path looks like a redacted copy written by this runtime.
func (r *Runtime) IsOutput(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), r.Config.Output.Suffix)
}

// ProcessFile redacts one file. A redacted copy is written only on a hit; the input
// is never modified.
func (r *Runtime) ProcessFile(ctx context.Context, input string) (FileResult, error) {
	res := FileResult{Input: input}
	data, err := os.ReadFile(input)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", input, err)
	}

	out, err := r.Engine.RedactBytes(ctx, data, r.Policy, pipeline.EncodeOptions{Quality: r.Config.Output.Quality})
	res.State, res.Reason = out.State, out.Reason
	if err != nil {
		return res, fmt.Errorf("%s: %w", input, err)
	}
	if !out.Hit {
		return res, nil
	}

	dst := r.OutputPath(input, out.Format)
	if err := writeAtomic(dst, out.Data); err != nil {
		return res, fmt.Errorf("write %s: %w", dst, err)
	}
	res.Hit, res.Output = true, dst
	return res, nil
}

// ProcessFiles redacts inputs with at most workers files in flight. Per-file
// failures do not stop the batch; they are joined into the returned error.
func (r *Runtime) ProcessFiles(ctx context.Context, inputs []string, workers int) ([]FileResult, error) {
	if workers <= 0 {
		workers = r.Config.Output.Workers
	}
	results := make([]FileResult, len(inputs))
	errs := make([]error, len(inputs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = FileResult{Input: in, State: pipeline.StateAborted}
				errs[i] = err
				return nil
			}
			results[i], errs[i] = r.ProcessFile(ctx, in)
			if errs[i] != nil {
				logging.Logf("app: %v", errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
