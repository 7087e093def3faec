package httpcache

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/sirupsen/logrus"
)

// Role is the logical class of resources a partition holds
type Role string

const (
	RoleStatic Role = "static"
	RoleAPI    Role = "api"
	RoleImages Role = "images"
)

// Roles lists every role in a stable order
var Roles = []Role{RoleStatic, RoleAPI, RoleImages}

type ManagerOptions struct {
	App     string
	Version string
	Codec   Codec
	// HotEntries is the number of decoded entries kept in memory. 0 disables the hot cache.
	HotEntries int64
	// Now stamps new entries. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns the versioned partitions of one application build
type Manager struct {
	backend cache.Backend
	codec   Codec
	app     string
	version string
	now     func() time.Time
	hot     *ristretto.Cache

	mu         sync.Mutex
	partitions map[Role]*Partition
}

func NewManager(backend cache.Backend, opts ManagerOptions) (*Manager, error) {
	if opts.App == "" || opts.Version == "" {
		return nil, fmt.Errorf("app name and version are required")
	}
	codec := opts.Codec
	if codec == nil {
		codec = MsgpackCodec{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		backend:    backend,
		codec:      codec,
		app:        opts.App,
		version:    opts.Version,
		now:        now,
		partitions: make(map[Role]*Partition),
	}

	if opts.HotEntries > 0 {
		hot, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: opts.HotEntries * 10,
			MaxCost:     opts.HotEntries,
			BufferItems: 64,
			// Each entry costs 1, so MaxCost counts entries
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create hot cache: %w", err)
		}
		m.hot = hot
	}

	return m, nil
}

// Name returns the partition name for role under the current version
func (m *Manager) Name(role Role) string {
	switch role {
	case RoleAPI:
		return fmt.Sprintf("%s-api-v%s", m.app, m.version)
	case RoleImages:
		return fmt.Sprintf("%s-images-v%s", m.app, m.version)
	default:
		return fmt.Sprintf("%s-v%s", m.app, m.version)
	}
}

// CurrentNames returns the names of every partition of the current version
func (m *Manager) CurrentNames() []string {
	names := make([]string, 0, len(Roles))
	for _, role := range Roles {
		names = append(names, m.Name(role))
	}
	return names
}

// Open returns the partition for role, creating it on first use.
// Repeated calls return the same *Partition.
func (m *Manager) Open(role Role) (*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[role]; ok {
		return p, nil
	}

	name := m.Name(role)
	store, err := m.backend.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", name, err)
	}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to init partition %s: %w", name, err)
	}

	p := newPartition(name, store, m.codec, m.hot, m.now)
	m.partitions[role] = p
	logrus.Debugf("Opened cache partition %s", name)
	return p, nil
}

// PurgeStale removes every partition whose name is not in current.
// A failed removal is logged and does not stop the others; the removed names are returned.
func (m *Manager) PurgeStale(current []string) ([]string, error) {
	names, err := m.backend.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var removed []string
	var errs []error
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		if err := m.backend.Remove(name); err != nil {
			logrus.Warnf("Failed to purge stale partition %s: %v", name, err)
			errs = append(errs, fmt.Errorf("purging %s: %w", name, err))
			continue
		}
		logrus.Infof("Purged stale partition %s", name)
		removed = append(removed, name)
	}

	m.mu.Lock()
	for role, p := range m.partitions {
		if !slices.Contains(current, p.Name()) {
			delete(m.partitions, role)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		m.clearHot()
	}
	return removed, errors.Join(errs...)
}

// ClearAll removes every partition regardless of version
func (m *Manager) ClearAll() error {
	names, err := m.backend.List()
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	m.mu.Lock()
	m.partitions = make(map[Role]*Partition)
	m.mu.Unlock()
	m.clearHot()

	var errs []error
	for _, name := range names {
		if err := m.backend.Remove(name); err != nil && !errors.Is(err, cache.ErrPartitionNotFound) {
			logrus.Warnf("Failed to remove partition %s: %v", name, err)
			errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
		}
	}
	logrus.Infof("Cleared %d cache partitions", len(names)-len(errs))
	return errors.Join(errs...)
}

// List returns the names of every partition in the backend, any version
func (m *Manager) List() ([]string, error) {
	return m.backend.List()
}

func (m *Manager) clearHot() {
	if m.hot != nil {
		m.hot.Clear()
	}
}

func (m *Manager) Close() error {
	if m.hot != nil {
		m.hot.Close()
	}
	return m.backend.Close()
}
