package gate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"twoyi/internal/logging"
)

// DefaultDebounce collapses bursts of writes to the grants file.
const DefaultDebounce = 250 * time.Millisecond

// Watcher re-enters the gate when the grants file changes, which is how
// the user returns from the "settings" surface.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu       sync.RWMutex
	onChange []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the grants file at path.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		watcher:  watcher,
		logger:   logging.Component(logger, "gate"),
	}, nil
}

// Start watches the grants file's directory. The directory is watched
// rather than the file because saves replace the file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create grants directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch grants directory: %w", err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()

	w.logger.Debug("watching grants file", "path", w.path)
	return nil
}

// Stop shuts the watcher down and waits for pending callbacks.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// OnChange registers a callback invoked after the grants file changes.
func (w *Watcher) OnChange(callback func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, callback)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Debug("grants file changed", "op", event.Op.String())

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.mu.RLock()
			callbacks := make([]func(), len(w.onChange))
			copy(callbacks, w.onChange)
			w.mu.RUnlock()
			for _, callback := range callbacks {
				callback()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}
