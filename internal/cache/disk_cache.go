package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// DiskCache implements GenericCache for disk-based caching.
// Keys are slash separated paths relative to the partition directory.
type DiskCache struct {
	fs  billy.Filesystem
	dir string
}

// NewGenericDisk creates a new disk cache rooted at dir inside fs
func NewGenericDisk(fs billy.Filesystem, dir string) GenericCache {
	return &DiskCache{
		fs:  fs,
		dir: dir,
	}
}

func (d *DiskCache) path(key string) string {
	// Clean against a virtual root so ".." can never leave the partition
	return d.fs.Join(d.dir, strings.TrimPrefix(path.Clean("/"+key), "/"))
}

// Get retrieves cached data if it exists
func (d *DiskCache) Get(key string) ([]byte, error) {
	f, err := d.fs.Open(d.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return data, nil
}

// Set stores data in the cache, overwriting any previous file
func (d *DiskCache) Set(key string, data []byte) error {
	cachePath := d.path(key)

	if err := d.fs.MkdirAll(path.Dir(cachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := util.WriteFile(d.fs, cachePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	logrus.Debugf("Cached data: %s", cachePath)
	return nil
}

// Delete removes a cached file
func (d *DiskCache) Delete(key string) error {
	if err := d.fs.Remove(d.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Keys walks the partition directory and returns every file, relative to it
func (d *DiskCache) Keys() ([]string, error) {
	var keys []string
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		infos, err := d.fs.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, info := range infos {
			name := path.Join(rel, info.Name())
			if info.IsDir() {
				if err := walk(d.fs.Join(dir, info.Name()), name); err != nil {
					return err
				}
				continue
			}
			keys = append(keys, name)
		}
		return nil
	}

	if err := walk(d.dir, ""); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return d.fs.MkdirAll(d.dir, 0755)
}

// DiskBackend stores each partition as a top-level directory of fs
type DiskBackend struct {
	fs billy.Filesystem
}

// NewDiskBackend creates a backend on fs, typically osfs.New(folder)
func NewDiskBackend(fs billy.Filesystem) *DiskBackend {
	return &DiskBackend{fs: fs}
}

func (b *DiskBackend) Open(name string) (GenericCache, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	c := NewGenericDisk(b.fs, name)
	if err := c.Init(); err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	return c, nil
}

func (b *DiskBackend) List() ([]string, error) {
	infos, err := b.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *DiskBackend) Remove(name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}
	if _, err := b.fs.Stat(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
		}
		return err
	}
	if err := util.RemoveAll(b.fs, name); err != nil {
		return fmt.Errorf("failed to remove partition %s: %w", name, err)
	}
	return nil
}

func (b *DiskBackend) Close() error {
	return nil
}
