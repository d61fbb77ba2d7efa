// Package watch re-verifies a ledger.jsonl file whenever it changes.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// DefaultDebounce is how long the watcher waits after the last write before
// verifying.
const DefaultDebounce = 500 * time.Millisecond

// Callback receives every verification. err is non-nil when the file could
// not be read or parsed; res is then the zero Result.
type Callback func(res ledger.Result, err error)

// Watcher verifies a ledger file on start and after each burst of writes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onResult Callback
	logger   *zap.Logger
}

// New creates a watcher for the ledger file at path. The parent directory is
// watched so that files replaced by rename are still followed.
func New(path string, debounce time.Duration, onResult Callback, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		watcher:  w,
		path:     abs,
		debounce: debounce,
		onResult: onResult,
		logger:   logger,
	}, nil
}

// Run verifies once, then again after each debounced change, until ctx is
// cancelled. Callbacks run on the Run goroutine, one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.check()

	trigger := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-trigger:
			w.check()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.String("path", w.path), zap.Error(err))
		}
	}
}

func (w *Watcher) check() {
	res, err := VerifyFile(w.path)
	if err != nil {
		w.logger.Warn("ledger unreadable", zap.String("path", w.path), zap.Error(err))
	} else if !res.Valid() {
		w.logger.Warn("ledger verification failed",
			zap.String("path", w.path),
			zap.String("kind", string(res.Failure.Kind)),
			zap.Int("position", res.Failure.Position),
		)
	}
	w.onResult(res, err)
}

// VerifyFile reads a ledger.jsonl file and verifies it.
func VerifyFile(path string) (ledger.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return ledger.Result{}, err
	}
	defer f.Close()
	records, err := ledger.ReadJSONL(f)
	if err != nil {
		return ledger.Result{}, fmt.Errorf("%s: %w", path, err)
	}
	return ledger.Verify(records), nil
}
