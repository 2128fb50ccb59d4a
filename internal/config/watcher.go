package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its files.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the reloaded config together with
// their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fileState fingerprints one watched file.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls the config file and the entity dictionary it references.
// A content change to either produces a [ConfigDiff]; edits to the
// dictionary alone are reported as EntitiesChanged. Touches that leave the
// content as it was are ignored, and so are configs that fail to load.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	config  fileState
	dict    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path, fingerprints it and its dictionary,
// and starts polling in a background goroutine until [Watcher.Stop].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.config = cfg, st
	// A missing dictionary surfaces when the pipeline is built, not here.
	w.dict, _ = fingerprint(cfg.Entities.Path)

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check compares both files against their last fingerprints and reports a
// content change to onChange.
func (w *Watcher) check() {
	w.mu.Lock()
	old, prevConfig, prevDict := w.current, w.config, w.dict
	w.mu.Unlock()

	next, nextConfig := old, prevConfig
	if modified(w.path, prevConfig) {
		cfg, st, err := w.load()
		if err != nil {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			return
		}
		if st.sum != prevConfig.sum {
			next = cfg
		}
		nextConfig = st
	}

	nextDict := prevDict
	dictPath := next.Entities.Path
	if dictPath != old.Entities.Path || modified(dictPath, prevDict) {
		st, err := fingerprint(dictPath)
		if err != nil {
			slog.Warn("config watcher: cannot read dictionary", "path", dictPath, "err", err)
		} else {
			nextDict = st
		}
	}

	w.mu.Lock()
	w.current, w.config, w.dict = next, nextConfig, nextDict
	w.mu.Unlock()

	d := Diff(old, next)
	if nextDict.sum != prevDict.sum {
		d.EntitiesChanged = true
	}
	if d.Empty() {
		return
	}

	slog.Info("config watcher: change detected",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"models_changed", d.ModelsChanged,
		"pipeline_changed", d.PipelineChanged,
		"entities_changed", d.EntitiesChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: changes need a restart to take effect",
			"sections", d.RestartRequired,
		)
	}

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, next, d)
	}
}

// load reads, parses and validates the config file.
func (w *Watcher) load() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

// fingerprint hashes the file at path.
func fingerprint(path string) (fileState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileState{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}, err
	}
	return fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}

// modified reports whether the mtime of path differs from st. Files that
// cannot be stat'ed count as unmodified.
func modified(path string, st fileState) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.ModTime().Equal(st.mtime)
}
