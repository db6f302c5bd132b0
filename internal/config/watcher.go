package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultWatchInterval is the default polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ReloadFunc receives an accepted configuration edit together with its
// [Diff]. It is never called for edits whose diff is empty.
type ReloadFunc func(prev, next *Config, diff ConfigDiff)

// Watcher polls the voxline config file and hands every valid edit to a
// [ReloadFunc]. An edit that fails to parse or validate is reported once and
// the running configuration stays in place.
//
// Polling compares size and modification time first and only reads the file
// when either moved; the content hash then filters out saves that did not
// change a byte.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	seen     fileStamp
	rejected [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies one version of the config file.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

func (s fileStamp) sameFile(info os.FileInfo) bool {
	return s.size == info.Size() && s.modTime.Equal(info.ModTime())
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger. Defaults to slog.Default().
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed; onReload may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, stamp

	go w.loop()
	return w, nil
}

// Current returns the configuration in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits until a reload in progress has returned. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen.sameFile(info)
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, stamp, err := w.readRaw()
	if err != nil {
		w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum || stamp.sum == w.rejected {
		w.seen.modTime, w.seen.size = stamp.modTime, stamp.size
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	next, err := parse(bytes.NewReader(data), filepath.Dir(w.path), os.LookupEnv)
	if err != nil {
		w.mu.Lock()
		w.rejected = stamp.sum
		w.seen.modTime, w.seen.size = stamp.modTime, stamp.size
		w.mu.Unlock()
		w.log.Warn("config watcher: edit rejected, keeping running configuration",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current, w.seen = next, stamp
	w.mu.Unlock()

	diff := Diff(prev, next)
	if diff.IsEmpty() {
		w.log.Debug("config watcher: edit has no effect", "path", w.path)
		return
	}
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", diff.LogLevelChanged,
		"persona", diff.PersonaChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(prev, next, diff)
	}
}

// read loads and validates the file.
func (w *Watcher) read() (*Config, fileStamp, error) {
	data, stamp, err := w.readRaw()
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := parse(bytes.NewReader(data), filepath.Dir(w.path), os.LookupEnv)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, stamp, nil
}

func (w *Watcher) readRaw() ([]byte, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return data, fileStamp{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}, nil
}
