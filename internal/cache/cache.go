// Package cache holds the in-process caches used to expand transaction
// categories without a store round trip per row.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Loader fetches a value on a cache miss.
type Loader[T any] func(ctx context.Context) (T, error)

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Errors are not cached.
func GetOrLoad[T any](ctx context.Context, c Cache[T], key string, load Loader[T]) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Cleaner is a cache that can drop its expired entries.
type Cleaner interface {
	CleanExpired() int
}

// Manager periodically sweeps the registered caches.
type Manager struct {
	caches []Cleaner

	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

func NewManager() *Manager {
	return &Manager{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Register adds a cache. Call before StartCleanup.
func (m *Manager) Register(c Cleaner) {
	m.caches = append(m.caches, c)
}

// StartCleanup sweeps every interval until Stop.
func (m *Manager) StartCleanup(interval time.Duration) {
	m.started = true
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Manager) sweep() int {
	removed := 0
	for _, c := range m.caches {
		removed += c.CleanExpired()
	}
	if removed > 0 {
		slog.Debug("Cleaned expired cache entries", "component", "cache", "removed", removed)
	}
	return removed
}

// Stop ends the sweeping and waits for it. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		if m.started {
			<-m.done
		}
	})
}
