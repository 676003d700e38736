package elements

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/blockdb/internal/schema"
)

// DefaultDebounce is the quiet period after the last change before a tenant is
// reinstalled.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reinstalls a tenant's schema when one of its directories changes.
type Watcher struct {
	src      *DirSource
	reg      *schema.Registry
	debounce time.Duration
	// OnInstall, when set, is called after every reinstall.
	OnInstall func(tenant string, c *schema.Compiled)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher returns a Watcher. debounce defaults to DefaultDebounce.
func NewWatcher(src *DirSource, reg *schema.Registry, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{src: src, reg: reg, debounce: debounce, timers: map[string]*time.Timer{}}
}

// Start watches the directories of every tenant until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	owners := map[string][]string{}
	for tenant, dirs := range w.src.Dirs {
		for _, dir := range dirs {
			dir = filepath.Clean(dir)
			if len(owners[dir]) == 0 {
				if err := fw.Add(dir); err != nil {
					_ = fw.Close()
					return fmt.Errorf("watch %s: %w", dir, err)
				}
			}
			owners[dir] = append(owners[dir], tenant)
		}
	}
	go func() {
		defer func() { _ = fw.Close() }()
		defer w.stopTimers()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Chmod) || !isDefinitionFile(filepath.Base(event.Name)) {
					continue
				}
				for _, tenant := range owners[filepath.Dir(event.Name)] {
					w.schedule(ctx, tenant)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching elements", "err", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) schedule(ctx context.Context, tenant string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[tenant]; ok {
		t.Stop()
	}
	w.timers[tenant] = time.AfterFunc(w.debounce, func() {
		w.reinstall(ctx, tenant)
	})
}

func (w *Watcher) reinstall(ctx context.Context, tenant string) {
	if ctx.Err() != nil {
		return
	}
	// The previous schema stays active when a directory cannot be listed.
	c, err := Install(ctx, w.reg, w.src, tenant)
	if err != nil {
		slog.WarnContext(ctx, "Reloading elements failed", "tenant", tenant, "err", err)
		return
	}
	if w.OnInstall != nil {
		w.OnInstall(tenant, c)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, t := range w.timers {
		t.Stop()
		delete(w.timers, k)
	}
}
