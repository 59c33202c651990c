// Package watch reloads a weight file into a running environment whenever
// the file changes on disk.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events editors and copy tools emit
// for one logical write.
const DefaultDebounce = 100 * time.Millisecond

// Apply hot-swaps the weights read from the watched file. A returned error
// means the buffer was rejected and the running policy is unchanged.
type Apply func(ctx context.Context, weights []byte) error

// Watcher follows a single weight file.
type Watcher struct {
	path     string
	apply    Apply
	debounce time.Duration
	logger   zerolog.Logger
	fs       *fsnotify.Watcher

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New watches path. The parent directory is watched rather than the file so
// that atomic replace-by-rename is seen.
func New(path string, apply Apply, logger zerolog.Logger, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		apply:    apply,
		debounce: DefaultDebounce,
		logger:   logger.With().Str("component", "watch").Str("path", abs).Logger(),
		fs:       fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Applied returns the number of accepted reloads.
func (w *Watcher) Applied() uint64 { return w.applied.Load() }

// Rejected returns the number of reloads the runtime refused.
func (w *Watcher) Rejected() uint64 { return w.rejected.Load() }

// Run processes file events until ctx is done. It closes the underlying
// watcher on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	w.logger.Info().Dur("debounce", w.debounce).Msg("watching weights file")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("weights watcher stopping")
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("weights watcher error")
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("failed to read weights file")
		return
	}
	if err := w.apply(ctx, data); err != nil {
		w.rejected.Add(1)
		w.logger.Warn().Err(err).Int("bytes", len(data)).Msg("weights file rejected, keeping current policy")
		return
	}
	w.applied.Add(1)
	w.logger.Info().Int("bytes", len(data)).Msg("weights reloaded")
}
