package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
)

// Store wraps a loaded Config with a file watcher that re-validates on every
// change and only swaps the active snapshot when validation succeeds.
type Store struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	current *Config

	watcher *fsnotify.Watcher
	changes chan *Config

	onReloadFailed func(error)
}

// NewStore loads path once and starts watching its parent directory (rather
// than the file itself) so editors and config-management tools that save by
// rename-over-original are still detected.
func NewStore(path string, logger *logging.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	s := &Store{
		path:    path,
		logger:  logger,
		current: cfg,
		watcher: watcher,
		changes: make(chan *Config, 1),
	}
	return s, nil
}

// OnReloadFailed registers a callback invoked (in addition to logging) each
// time a hot-reload attempt is rejected by validation. Typically wired to a
// metrics counter.
func (s *Store) OnReloadFailed(fn func(error)) {
	s.onReloadFailed = fn
}

// Current returns the last successfully validated configuration.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch runs the file-watch loop until ctx is cancelled, pushing every
// successfully validated reload onto the returned channel. The channel is
// closed when the loop exits.
func (s *Store) Watch(ctx context.Context) <-chan *Config {
	go s.run(ctx)
	return s.changes
}

func (s *Store) run(ctx context.Context) {
	defer close(s.changes)
	defer s.watcher.Close()

	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.reload(ctx)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.WithContext(ctx).WithError(err).Warn("config watcher error")
			}
		}
	}
}

func (s *Store) reload(ctx context.Context) {
	cfg, err := Load(s.path)
	if err != nil {
		if s.logger != nil {
			s.logger.LogConfigReload(ctx, s.path, 0, err)
		}
		if s.onReloadFailed != nil {
			s.onReloadFailed(err)
		}
		return
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.LogConfigReload(ctx, s.path, len(cfg.Subscriptions), nil)
	}

	select {
	case s.changes <- cfg:
	default:
		// A consumer that hasn't drained the previous value yet still sees
		// Current() reflect the latest snapshot; the channel is a notification,
		// not the source of truth.
	}
}

// Close stops the underlying watcher without waiting for Watch's goroutine.
func (s *Store) Close() error {
	return s.watcher.Close()
}
