package httpcache

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/sirupsen/logrus"
)

var ErrNotCacheable = errors.New("response is not cacheable")

// Partition is a named, versioned store of HTTP responses keyed by request identity.
// Only successful responses to GET requests are ever stored.
type Partition struct {
	name  string
	cache cache.GenericCache
	codec Codec
	hot   *ristretto.Cache
	now   func() time.Time
}

func newPartition(name string, c cache.GenericCache, codec Codec, hot *ristretto.Cache, now func() time.Time) *Partition {
	return &Partition{
		name:  name,
		cache: c,
		codec: codec,
		hot:   hot,
		now:   now,
	}
}

func (p *Partition) Name() string {
	return p.name
}

func (p *Partition) hotKey(requestKey string) string {
	return p.name + "|" + requestKey
}

// Match returns the stored entry for req, or nil, nil on miss
func (p *Partition) Match(req *http.Request) (*Entry, error) {
	if req.Method != http.MethodGet {
		return nil, nil
	}
	requestKey := GenerateKey(req)

	if p.hot != nil {
		if v, ok := p.hot.Get(p.hotKey(requestKey)); ok {
			if e, ok := v.(*Entry); ok {
				cp := *e
				return &cp, nil
			}
		}
	}

	data, err := p.cache.Get(requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	entry, err := p.codec.Decode(data)
	if err != nil {
		// Unreadable entries are dropped so the next response can replace them
		logrus.Warnf("Dropping corrupt cache entry %s in %s: %v", requestKey, p.name, err)
		if err := p.cache.Delete(requestKey); err != nil {
			logrus.Errorf("Failed to drop corrupt cache entry %s: %v", requestKey, err)
		}
		return nil, nil
	}

	p.remember(requestKey, entry)
	logrus.Debugf("Cache hit for %s %s in %s", req.Method, req.URL.String(), p.name)
	cp := *entry
	return &cp, nil
}

// Put stamps resp with the current time and stores it, replacing any previous entry.
// resp stays readable by the caller.
func (p *Partition) Put(req *http.Request, resp *http.Response) (*Entry, error) {
	if req.Method != http.MethodGet {
		return nil, fmt.Errorf("%w: method %s", ErrNotCacheable, req.Method)
	}
	if !IsSuccess(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", ErrNotCacheable, resp.StatusCode)
	}

	entry, err := NewEntry(resp)
	if err != nil {
		return nil, err
	}
	entry.CachedAt = p.now()

	if err := p.store(GenerateKey(req), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (p *Partition) store(requestKey string, entry *Entry) error {
	data, err := p.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := p.cache.Set(requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	p.remember(requestKey, entry)
	return nil
}

func (p *Partition) remember(requestKey string, entry *Entry) {
	if p.hot == nil {
		return
	}
	cp := *entry
	p.hot.Set(p.hotKey(requestKey), &cp, 1)
	// Sets are buffered; wait so a read right after a write never sees the previous entry
	p.hot.Wait()
}

// Delete removes the entry stored for req, if any
func (p *Partition) Delete(req *http.Request) error {
	requestKey := GenerateKey(req)
	if p.hot != nil {
		p.hot.Del(p.hotKey(requestKey))
	}
	return p.cache.Delete(requestKey)
}

// Len returns the number of stored entries
func (p *Partition) Len() (int, error) {
	keys, err := p.cache.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
