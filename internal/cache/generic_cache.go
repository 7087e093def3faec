// Handles storage of cached HTTP responses
package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPartitionNotFound = errors.New("partition not found")
	ErrInvalidPartition  = errors.New("invalid partition name")
)

// GenericCache interface for caching operations
type GenericCache interface {
	// retrieves cached data if it exists.
	// returns nil, nil when not found
	Get(key string) ([]byte, error)
	// stores data at the specified key, replacing any previous value
	Set(key string, value []byte) error
	// removes the value at key; removing a missing key is not an error
	Delete(key string) error
	// lists every stored key
	Keys() ([]string, error)
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

// Backend owns a set of named partitions, each one a GenericCache
type Backend interface {
	// Open returns the partition called name, creating it if needed
	Open(name string) (GenericCache, error)
	// List returns the names of every existing partition
	List() ([]string, error)
	// Remove deletes a partition and everything stored in it
	Remove(name string) error
	Close() error
}

func validatePartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\:*`) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}
