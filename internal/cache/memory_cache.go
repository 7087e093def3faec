package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// MemoryCache implements GenericCache on top of a bigcache instance
type MemoryCache struct {
	c *bigcache.BigCache
}

func (m *MemoryCache) Get(key string) ([]byte, error) {
	b, err := m.c.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *MemoryCache) Set(key string, value []byte) error {
	return m.c.Set(key, value)
}

func (m *MemoryCache) Delete(key string) error {
	if err := m.c.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (m *MemoryCache) Keys() ([]string, error) {
	var keys []string
	it := m.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			return nil, err
		}
		keys = append(keys, info.Key())
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryCache) Init() error { return nil }

// MemoryBackend keeps one bigcache per partition, for the lifetime of the process
type MemoryBackend struct {
	mu         sync.Mutex
	lifeWindow time.Duration
	caches     map[string]*MemoryCache
}

// NewMemoryBackend creates an empty in-memory backend.
// Entries older than lifeWindow may be evicted by bigcache; 0 keeps them for 30 days.
func NewMemoryBackend(lifeWindow time.Duration) *MemoryBackend {
	if lifeWindow <= 0 {
		lifeWindow = 30 * 24 * time.Hour
	}
	return &MemoryBackend{
		lifeWindow: lifeWindow,
		caches:     make(map[string]*MemoryCache),
	}
}

func (b *MemoryBackend) Open(name string) (GenericCache, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.caches[name]; ok {
		return c, nil
	}

	conf := bigcache.DefaultConfig(b.lifeWindow)
	conf.Shards = 16
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = 4096
	conf.Verbose = false

	bc, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	c := &MemoryCache{c: bc}
	b.caches[name] = c
	return c, nil
}

func (b *MemoryBackend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.caches))
	for name := range b.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Remove(name string) error {
	b.mu.Lock()
	c, ok := b.caches[name]
	delete(b.caches, name)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return c.c.Close()
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, c := range b.caches {
		if err := c.c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing partition %s: %w", name, err))
		}
		delete(b.caches, name)
	}
	return errors.Join(errs...)
}
