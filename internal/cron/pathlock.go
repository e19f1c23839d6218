package cron

import (
	"path/filepath"
	"sync"
)

// pathLocks serializes access to on-disk resources by resolved path. This is
// an in-process advisory lock: different scopes proceed independently, and a
// second process is not excluded (single active instance assumed).
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: map[string]*sync.Mutex{}}
}

// Acquire locks the mutex for path and returns its unlock func.
// The per-path mutex set only grows, bounded by the number of distinct store
// files (one per scope plus one per job's run log).
func (p *pathLocks) Acquire(path string) func() {
	key := filepath.Clean(path)

	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}
