package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/projecteru2/core/log"
)

// watchInterval is the config file poll cadence. Changes are picked up
// within about a second; there is no point checking more often.
const watchInterval = time.Second

// Store holds the active configuration snapshot and swaps it when the file
// changes on disk. Consumers call Snapshot and keep the returned pointer for
// as long as they need a consistent view; admitted runs pin theirs for their
// whole lifetime.
type Store struct {
	path    string
	current atomic.Pointer[File]

	// lastMod is only touched by the watcher goroutine.
	lastMod time.Time
}

// Open loads and validates the config file. Errors here are fatal: the
// daemon refuses to start on an invalid config.
func Open(path string) (*Store, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path}
	s.current.Store(f)
	if info, err := os.Stat(path); err == nil {
		s.lastMod = info.ModTime()
	}
	return s, nil
}

// Snapshot returns the active configuration. The returned value is shared
// and must not be mutated.
func (s *Store) Snapshot() *File {
	return s.current.Load()
}

// Watch re-reads the config file whenever its mtime advances. A snapshot
// that fails to parse or validate is logged and discarded; the previous one
// stays active. Returns when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	logger := log.WithFunc("config.Watch")

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := os.Stat(s.path)
		if err != nil {
			logger.Errorf(ctx, err, "stat config file %s, keeping current snapshot", s.path)
			continue
		}
		if !info.ModTime().After(s.lastMod) {
			continue
		}

		f, err := Load(s.path)
		if err != nil {
			logger.Errorf(ctx, err, "re-read config %s failed, keeping previous version", s.path)
			s.lastMod = info.ModTime()
			continue
		}

		s.current.Store(f)
		s.lastMod = info.ModTime()
		logger.Infof(ctx, "re-read config file %s", s.path)
	}
}
