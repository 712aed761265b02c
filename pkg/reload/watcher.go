package reload

import (
	"context"
	"crypto/tls"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/logging"
	"github.com/zero-trust/vehicle-registration/pkg/metrics"
)

const (
	DefaultTick     = 500 * time.Millisecond
	DefaultDebounce = 2 * time.Second
)

// WatcherOptions tunes the watcher. Zero values select the defaults.
type WatcherOptions struct {
	Tick     time.Duration
	Debounce time.Duration
	// Build produces the replacement configuration. Defaults to
	// BuildServerConfig on the watched directory.
	Build  func() (*tls.Config, error)
	Logger *zap.Logger
	// now is overridden in tests.
	now func() time.Time
}

// Watcher rebuilds the configuration in a Cell when certificate files
// change. A burst of events within the debounce window causes one rebuild.
type Watcher struct {
	cell     *Cell
	fsw      *fsnotify.Watcher
	build    func() (*tls.Config, error)
	log      *zap.Logger
	tick     time.Duration
	debounce time.Duration
	now      func() time.Time

	// Owned by the run goroutine.
	pending    bool
	lastReload time.Time
	lastEvent  string

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// StartWatcher watches dir and every directory below it. Failing to set up
// the watch is returned; failures after that are logged.
func StartWatcher(ctx context.Context, cell *Cell, dir string, opts WatcherOptions) (*Watcher, error) {
	w, err := newWatcher(cell, dir, opts)
	if err != nil {
		return nil, err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

func newWatcher(cell *Cell, dir string, opts WatcherOptions) (*Watcher, error) {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	} else if opts.Debounce == 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Build == nil {
		layout := certstore.NewLayout(dir)
		opts.Build = func() (*tls.Config, error) { return BuildServerConfig(layout) }
	}
	if opts.now == nil {
		opts.now = time.Now
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	w := &Watcher{
		cell:       cell,
		fsw:        fsw,
		build:      opts.Build,
		log:        logging.OrNop(opts.Logger).Named("cert-watcher"),
		tick:       opts.Tick,
		debounce:   opts.Debounce,
		now:        opts.now,
		lastReload: opts.now(),
		done:       make(chan struct{}),
	}
	if err := w.addTree(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree adds root and its subdirectories; fsnotify watches are not
// recursive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "watching %s", path)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Wrapf(err, "watching %s", path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	w.log.Info("watching certificates", zap.Duration("debounce", w.debounce))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watcher error", zap.Error(err))
		case <-ticker.C:
			w.tickAt(w.now())
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		// New subdirectories have to be watched explicitly.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
			} else {
				w.log.Debug("watching new directory", zap.String("path", event.Name))
			}
		}
	}
	if !qualifies(event) {
		return
	}
	w.log.Debug("certificate file changed", zap.String("file", event.Name), zap.Stringer("op", event.Op))
	w.pending = true
	w.lastEvent = event.Name
}

func qualifies(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), certstore.CertificateExtension)
}

// tickAt reloads if an event is pending and the debounce window since the
// last reload has passed. It reports whether a reload was attempted.
func (w *Watcher) tickAt(now time.Time) bool {
	if !w.pending || now.Sub(w.lastReload) < w.debounce {
		return false
	}
	w.pending = false
	w.lastReload = now

	cfg, err := w.build()
	if err != nil {
		metrics.CertificateReloads.WithLabelValues(metrics.ResultFailure).Inc()
		w.log.Error("certificate reload failed, keeping current configuration",
			zap.String("trigger", w.lastEvent), zap.Error(err))
		return true
	}
	w.cell.Update(cfg)
	metrics.CertificateReloads.WithLabelValues(metrics.ResultSuccess).Inc()
	w.log.Info("certificates reloaded", zap.String("trigger", w.lastEvent))
	return true
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		err = w.fsw.Close()
	})
	return err
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
