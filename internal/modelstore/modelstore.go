// Package modelstore fetches detector model files, verifies them and installs them
// atomically into a local cache directory.
package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/straja-ai/imgguard/internal/logging"
)

// ErrChecksum is returned when a downloaded or cached file does not match its digest.
var ErrChecksum = errors.New("model checksum mismatch")

// Source describes one remote model file.
type Source struct {
	URL      string
	SHA256   string
	Size     int64
	FileName string
	Token    string
}

// Name returns the local file name for s, defaulting to the URL basename.
func (s Source) Name() string {
	if n := strings.TrimSpace(s.FileName); n != "" {
		return filepath.Base(n)
	}
	u := s.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	base := filepath.Base(strings.TrimRight(u, "/"))
	if base == "." || base == "/" || base == "" {
		return "model.onnx"
	}
	return base
}

// Present reports whether dir already holds a verified copy of s.
func Present(dir string, s Source) bool {
	path := filepath.Join(dir, s.Name())
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return false
	}
	if s.Size > 0 && info.Size() != s.Size {
		return false
	}
	if s.SHA256 == "" {
		return true
	}
	sum, err := fileSHA256(path)
	return err == nil && strings.EqualFold(sum, s.SHA256)
}

// Ensure returns the local path of s inside dir, downloading it first when it is
// missing or fails verification. The file is written to a temp name and renamed into
// place, so readers never observe a partial model.
func Ensure(ctx context.Context, dir string, s Source, timeout time.Duration) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("model dir is empty")
	}
	path := filepath.Join(dir, s.Name())
	if Present(dir, s) {
		return path, nil
	}
	if strings.TrimSpace(s.URL) == "" {
		return "", fmt.Errorf("model %s missing and no download url configured", path)
	}
	if err := Download(ctx, dir, s, timeout); err != nil {
		return "", err
	}
	return path, nil
}

// Download unconditionally fetches s into dir.
func Download(ctx context.Context, dir string, s Source, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+s.Name()+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("build model request: %w", err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	logging.Logf("modelstore: downloading %s from %s", s.Name(), s.URL)
	resp, err := client.Do(req)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download model %s: %w", logging.String(s.URL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tmp.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download model %s status: %s: %s", logging.String(s.URL), resp.Status, strings.TrimSpace(string(errBody)))
	}

	total := s.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	h := sha256.New()
	prog := newProgressLogger(s.Name(), total)
	n, err := io.Copy(io.MultiWriter(tmp, h), io.TeeReader(resp.Body, prog))
	closeErr := tmp.Close()
	prog.Finish()
	if err != nil {
		return fmt.Errorf("write model %s: %w", s.Name(), err)
	}
	if closeErr != nil {
		return fmt.Errorf("close model %s: %w", s.Name(), closeErr)
	}
	if n == 0 {
		return fmt.Errorf("model %s: empty body", s.Name())
	}
	if s.Size > 0 && n != s.Size {
		return fmt.Errorf("size mismatch for %s: expected %d, got %d", s.Name(), s.Size, n)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if s.SHA256 != "" && !strings.EqualFold(sum, s.SHA256) {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrChecksum, s.Name(), s.SHA256, sum)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, s.Name())); err != nil {
		return fmt.Errorf("install model %s: %w", s.Name(), err)
	}
	logging.Logf("modelstore: installed %s sha256=%s", s.Name(), sum)
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type progressLogger struct {
	name       string
	total      int64
	downloaded int64
	step       int64
	next       int64
	start      time.Time
}

func newProgressLogger(name string, total int64) *progressLogger {
	step := total / 10
	if step <= 0 {
		step = 4 << 20
	}
	return &progressLogger{
		name:  name,
		total: total,
		step:  step,
		next:  step,
		start: time.Now(),
	}
}

func (p *progressLogger) Write(b []byte) (int, error) {
	n := len(b)
	p.downloaded += int64(n)
	if p.downloaded >= p.next {
		if p.total > 0 {
			logging.Logf("modelstore: %s %d/%d bytes (%d%%)", p.name, p.downloaded, p.total, p.downloaded*100/p.total)
		} else {
			logging.Logf("modelstore: %s %d bytes", p.name, p.downloaded)
		}
		p.next += p.step
	}
	return n, nil
}

func (p *progressLogger) Finish() {
	logging.Logf("modelstore: %s done, %d bytes in %s", p.name, p.downloaded, time.Since(p.start).Round(time.Millisecond))
}
