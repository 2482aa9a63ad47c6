package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

const reloadDebounce = 100 * time.Millisecond

// Resolver serves the resolved table lock-free and swaps it on Reload.
type Resolver struct {
	path   string
	env    Source
	logger hclog.Logger
	table  atomic.Pointer[Table]
}

// NewResolver resolves the environment over the limits file at path (which
// may be empty or missing). A broken limits file is logged and skipped so the
// process still starts with environment and fallback values.
func NewResolver(path string, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Resolver{path: path, env: EnvSource{}, logger: logger.Named("plans")}
	if err := r.Reload(); err != nil {
		r.logger.Warn("limits file ignored", "path", path, "error", err)
		r.table.Store(Resolve(r.env))
	}
	return r
}

// NewStaticResolver serves a fixed table.
func NewStaticResolver(table *Table) *Resolver {
	r := &Resolver{logger: hclog.NewNullLogger()}
	r.table.Store(table)
	return r
}

func (r *Resolver) Table() *Table {
	return r.table.Load()
}

func (r *Resolver) For(plan Plan) Limits {
	return r.Table().For(plan)
}

func (r *Resolver) Chat() ChatSettings {
	return r.Table().Chat
}

// Reload re-reads every layer. On error the previous table stays in place.
func (r *Resolver) Reload() error {
	if r.env == nil {
		return nil
	}
	file, err := LoadFileSource(r.path)
	if err != nil {
		return err
	}
	r.table.Store(Resolve(r.env, file))
	return nil
}

// Watch reloads whenever the limits file is written or recreated, until ctx
// is done. The parent directory is watched so editors that replace the file
// are handled.
func (r *Resolver) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	abs, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("resolve limits path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create limits watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	r.logger.Info("watching limits file", "path", abs)

	go r.watchLoop(ctx, watcher, filepath.Base(abs))
	return nil
}

func (r *Resolver) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, name string) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("limits reload failed", "error", err)
					return
				}
				r.logger.Info("limits reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("limits watcher error", "error", err)
		}
	}
}
