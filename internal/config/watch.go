package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Manager holds the current config and re-reads the file when it changes
// on disk. Only the RSS feed map is consumed live by a worker; everything
// else is read once at startup.
type Manager struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg *Config
}

func NewManager(path string, cfg *Config, log zerolog.Logger) *Manager {
	return &Manager{path: path, cfg: cfg, log: log.With().Str("component", "config").Logger()}
}

// Current returns the most recently loaded config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Feeds returns a copy of the live destination→URL feed map.
func (m *Manager) Feeds() map[string]string {
	cfg := m.Current()
	out := make(map[string]string, len(cfg.RSS.Feeds))
	for k, v := range cfg.RSS.Feeds {
		out[k] = v
	}
	return out
}

// Watch blocks until ctx is done, reloading the config on file changes.
// A broken reload keeps the previous config; editors that replace the file
// (rename + create) are handled by watching the parent directory.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	// Debounce so partial writes don't trigger a decode of a half-written file.
	var pending *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(250*time.Millisecond, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("config watcher error")
		case <-reload:
			cfg, err := Load(m.path)
			if err != nil {
				m.log.Error().Err(err).Msg("config reload failed, keeping previous")
				continue
			}
			m.mu.Lock()
			m.cfg = cfg
			m.mu.Unlock()
			m.log.Info().Int("feeds", len(cfg.RSS.Feeds)).Msg("config reloaded")
		}
	}
}
