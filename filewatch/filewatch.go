// Package filewatch reports changes of local files identified by file://
// URIs. It implements confluence.ResourceWatcher by polling modification
// time and size, which works the same on every platform and filesystem.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/nevindra/confluence"
)

// DefaultInterval is the polling interval when WithInterval is not set.
const DefaultInterval = time.Second

// URI returns the file:// URI of path, made absolute.
func URI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// Path returns the local path of a file:// URI.
func Path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("filewatch: parse %q: %w", uri, err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("filewatch: not a file uri: %q", uri)
	}
	return filepath.FromSlash(u.Path), nil
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets how often Run polls watched files.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher polls watched files and calls its change function for each one
// whose existence, size or modification time changed since the last poll.
type Watcher struct {
	onChange func(ctx context.Context, uri string)
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	files map[string]snapshot // uri -> last observed state
}

type snapshot struct {
	path    string
	exists  bool
	size    int64
	modTime time.Time
}

var _ confluence.ResourceWatcher = (*Watcher)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a watcher that calls onChange for every changed file.
// onChange runs on the polling goroutine; a slow callback delays the next poll.
func New(onChange func(ctx context.Context, uri string), opts ...Option) *Watcher {
	w := &Watcher{
		onChange: onChange,
		interval: DefaultInterval,
		logger:   nopLogger,
		files:    make(map[string]snapshot),
	}
	for _, o := range opts {
		o(w)
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	return w
}

// Watch starts watching the file at uri. The file need not exist yet; its
// creation counts as a change. Watching an already watched uri is a no-op.
func (w *Watcher) Watch(uri string) error {
	path, err := Path(uri)
	if err != nil {
		return err
	}
	snap, err := stat(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[uri]; !ok {
		w.files[uri] = snap
		w.logger.Debug("filewatch: watching", "uri", uri, "exists", snap.exists)
	}
	return nil
}

// Unwatch stops watching uri.
func (w *Watcher) Unwatch(uri string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[uri]; ok {
		delete(w.files, uri)
		w.logger.Debug("filewatch: unwatched", "uri", uri)
	}
}

// Watched returns the watched URIs, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	uris := make([]string, 0, len(w.files))
	for uri := range w.files {
		uris = append(uris, uri)
	}
	slices.Sort(uris)
	return uris
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll checks every watched file once, calls onChange for the changed
// ones and returns their URIs.
func (w *Watcher) Poll(ctx context.Context) []string {
	w.mu.Lock()
	current := make(map[string]snapshot, len(w.files))
	for uri, snap := range w.files {
		current[uri] = snap
	}
	w.mu.Unlock()

	var changed []string
	for uri, prev := range current {
		next, err := stat(prev.path)
		if err != nil {
			w.logger.Warn("filewatch: stat failed", "uri", uri, "error", err)
			continue
		}
		if next.same(prev) {
			continue
		}
		w.mu.Lock()
		// Skip files unwatched while we were polling.
		if _, ok := w.files[uri]; ok {
			w.files[uri] = next
			changed = append(changed, uri)
		}
		w.mu.Unlock()
	}
	slices.Sort(changed)

	for _, uri := range changed {
		if ctx.Err() != nil {
			break
		}
		w.logger.Info("filewatch: changed", "uri", uri)
		if w.onChange != nil {
			w.onChange(ctx, uri)
		}
	}
	return changed
}

func (s snapshot) same(o snapshot) bool {
	return s.exists == o.exists && s.size == o.size && s.modTime.Equal(o.modTime)
}

func stat(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot{path: path}, nil
	}
	if err != nil {
		return snapshot{}, fmt.Errorf("filewatch: %w", err)
	}
	if info.IsDir() {
		return snapshot{}, fmt.Errorf("filewatch: %s is a directory", path)
	}
	return snapshot{path: path, exists: true, size: info.Size(), modTime: info.ModTime()}, nil
}
