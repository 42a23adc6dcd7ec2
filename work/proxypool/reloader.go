package proxypool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"adsplice-proxy/work/logger"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Reloader keeps the pool in sync with the proxy list file. It reloads on
// file change, on a fixed interval when one is set, and on demand.
type Reloader struct {
	pool     *Pool
	path     string
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex // serialises reloads

	onReload func(entries []*Entry)

	lastReload atomic.Int64
	lastErrors atomic.Int32
}

// NewReloader creates a reloader for the list at path. interval <= 0
// disables periodic reloads.
func NewReloader(pool *Pool, path string, interval time.Duration) *Reloader {
	return &Reloader{pool: pool, path: path, interval: interval}
}

// OnReload registers fn to run after every successful reload, under the
// reload lock. Call it before Start.
func (r *Reloader) OnReload(fn func(entries []*Entry)) {
	r.onReload = fn
}

// ReloadNow reads the list and swaps it into the pool. An unreadable file or
// a file with no valid entries leaves the current pool untouched.
func (r *Reloader) ReloadNow() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		return r.pool.Len(), fmt.Errorf("no proxy list configured")
	}

	entries, errs, err := LoadFile(r.path)
	if err != nil {
		return r.pool.Len(), err
	}
	for _, e := range errs {
		logger.Warn("{proxypool/reloader - ReloadNow} skipping %s entry: %v", r.path, e)
	}
	r.lastErrors.Store(int32(len(errs)))

	if len(entries) == 0 {
		return r.pool.Len(), fmt.Errorf("proxy list %s has no usable entries", r.path)
	}

	r.pool.Reload(entries)
	r.lastReload.Store(time.Now().UnixNano())
	if r.onReload != nil {
		r.onReload(entries)
	}
	return len(entries), nil
}

// LastReload returns when the pool was last reloaded from disk
func (r *Reloader) LastReload() time.Time {
	n := r.lastReload.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins watching. The file's directory is watched rather than the
// file itself so atomic rename-on-save is picked up.
func (r *Reloader) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	if r.path == "" {
		r.running.Store(false)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.running.Store(false)
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		r.running.Store(false)
		return fmt.Errorf("failed to watch %s: %w", r.path, err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx, watcher)

	logger.Info("{proxypool/reloader - Start} watching %s (interval %v)", r.path, r.interval)
	return nil
}

// Stop ends the watch loop and waits for it to exit
func (r *Reloader) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reloader) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.wg.Done()
	defer watcher.Close()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("{proxypool/reloader - loop} watcher error: %v", err)

		case <-debounce.C:
			r.reload("file change")

		case <-tick:
			r.reload("interval")
		}
	}
}

func (r *Reloader) reload(reason string) {
	n, err := r.ReloadNow()
	if err != nil {
		logger.Error("{proxypool/reloader - reload} reload on %s failed: %v", reason, err)
		return
	}
	logger.Info("{proxypool/reloader - reload} reloaded %d proxies on %s", n, reason)
}
