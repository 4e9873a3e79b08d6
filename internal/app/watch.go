package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/straja-ai/imgguard/internal/logging"
)

var watchedExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Watch processes image files created or rewritten in dir until ctx is done. Each
// file is handled once it has been quiet for settle, so half-written uploads are
// not decoded. onResult, when set, receives every outcome.
func (r *Runtime) Watch(ctx context.Context, dir string, settle time.Duration, onResult func(FileResult, error)) error {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logging.Logf("app: watching %s", dir)

	var (
		g        errgroup.Group
		inflight sync.WaitGroup
		mu       sync.Mutex
		pending  = map[string]*time.Timer{}
		stopped  bool
	)
	g.SetLimit(r.Config.Output.Workers)

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if t, ok := pending[path]; ok {
			t.Reset(settle)
			return
		}
		pending[path] = time.AfterFunc(settle, func() {
			mu.Lock()
			delete(pending, path)
			if stopped {
				mu.Unlock()
				return
			}
			inflight.Add(1)
			mu.Unlock()
			defer inflight.Done()
			g.Go(func() error {
				res, err := r.ProcessFile(ctx, path)
				if err != nil {
					logging.Logf("app: %v", err)
				} else if res.Hit {
					logging.Logf("app: %s -> %s", filepath.Base(path), filepath.Base(res.Output))
				}
				if onResult != nil {
					onResult(res, err)
				}
				return nil
			})
		})
	}

	defer func() {
		mu.Lock()
		stopped = true
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
		inflight.Wait()
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !r.wantsFile(event.Name) {
				continue
			}
			schedule(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Logf("app: watcher error: %v", err)
		}
	}
}

func (r *Runtime) wantsFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if !watchedExts[strings.ToLower(filepath.Ext(base))] {
		return false
	}
	return !r.IsOutput(path)
}
