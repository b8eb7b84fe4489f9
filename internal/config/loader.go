package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file on top of DefaultConfig and optionally
// watches it for operator edits.
type Loader struct {
	mu     sync.RWMutex
	path   string
	config *Config

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader holding the default configuration.
func NewLoader() *Loader {
	return &Loader{config: DefaultConfig()}
}

// Load parses the file at path and replaces the current config. Fields the
// file omits keep their defaults.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.path = path
	l.config = cfg
	l.mu.Unlock()
	return nil
}

// Reload re-reads the last loaded file.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		return nil
	}
	return l.Load(path)
}

// Get returns the current config. Callers must treat it as read-only.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Path returns the file the config was loaded from, or "" for defaults.
func (l *Loader) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch reloads the config whenever the loaded file is written and passes
// the new config to onChange. A reload that fails to parse keeps the previous
// config. Call StopWatch to clean up.
func (l *Loader) Watch(logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config.Loader")

	target := l.Path()
	if target == "" {
		return fmt.Errorf("no config file loaded")
	}
	absPath, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone, absPath, logger, onChange)

	logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}, target string, logger *slog.Logger, onChange func(*Config)) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := l.Reload(); err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			logger.Info("config reloaded", "path", target)
			if onChange != nil {
				onChange(l.Get())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the file watcher, if running.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher == nil {
		return
	}
	_ = l.watcher.Close()
	<-l.watchDone
	l.watcher = nil
	l.watchDone = nil
}

// FindConfigFile returns the first config file found in the conventional
// locations, or "".
func FindConfigFile() string {
	candidates := []string{"overseer.yaml", "overseer.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".overseer", "overseer.yaml"),
			filepath.Join(home, ".overseer", "overseer.yml"),
		)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}
