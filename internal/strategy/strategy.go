// Request handling strategies, deciding between the network and a cache partition
package strategy

import (
	"net/http"
	"time"

	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/sirupsen/logrus"
)

// Values of the X-Cache header
const (
	CacheHit   = "HIT"
	CacheStale = "STALE"
	CacheMiss  = "MISS"
)

// DefaultImageTTL is how long a cached image is served without contacting the network
const DefaultImageTTL = 7 * 24 * time.Hour

// Strategy answers one request using the network (next) and a partition.
// p may be nil when the partition could not be opened, in which case only the network is used.
type Strategy interface {
	Name() string
	Handle(req *http.Request, p *httpcache.Partition, next http.RoundTripper) (*http.Response, error)
}

// lookup returns the entry for req, treating storage errors as a miss
func lookup(p *httpcache.Partition, req *http.Request) *httpcache.Entry {
	if p == nil {
		return nil
	}
	entry, err := p.Match(req)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", req.URL, err)
		return nil
	}
	if entry == nil {
		logrus.Debugf("No cached data found for %s", req.URL)
	}
	return entry
}

// store saves a live response when it is cacheable. resp stays readable.
func store(p *httpcache.Partition, req *http.Request, resp *http.Response) {
	if p == nil || req.Method != http.MethodGet || !httpcache.IsSuccess(resp.StatusCode) {
		return
	}
	if _, err := p.Put(req, resp); err != nil {
		logrus.Errorf("Failed to cache response for %s: %v", req.URL.String(), err)
	}
}

func serve(entry *httpcache.Entry, req *http.Request, status string) *http.Response {
	resp := entry.Response(req)
	resp.Header.Set(httpcache.CacheStatusHeader, status)
	return resp
}

func live(resp *http.Response) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(httpcache.CacheStatusHeader, CacheMiss)
	return resp
}

// CacheFirstFresh serves entries younger than TTL without touching the network.
// Older entries are refetched, and kept as a stale answer if the network fails.
type CacheFirstFresh struct {
	TTL time.Duration
	Now func() time.Time
}

func (s *CacheFirstFresh) Name() string { return "cache-first-fresh" }

func (s *CacheFirstFresh) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *CacheFirstFresh) Handle(req *http.Request, p *httpcache.Partition, next http.RoundTripper) (*http.Response, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultImageTTL
	}

	entry := lookup(p, req)
	if entry != nil && entry.Age(s.now()) < ttl {
		return serve(entry, req, CacheHit), nil
	}

	resp, err := next.RoundTrip(req)
	if err != nil {
		if entry != nil {
			logrus.Warnf("Network failed for %s, serving stale entry: %v", req.URL, err)
			return serve(entry, req, CacheStale), nil
		}
		return nil, err
	}

	store(p, req, resp)
	return live(resp), nil
}

// CacheFirst serves any stored entry, with no freshness check.
// The partition name carries the build version, so a stored entry is always valid.
type CacheFirst struct{}

func (CacheFirst) Name() string { return "cache-first" }

func (CacheFirst) Handle(req *http.Request, p *httpcache.Partition, next http.RoundTripper) (*http.Response, error) {
	if entry := lookup(p, req); entry != nil {
		return serve(entry, req, CacheHit), nil
	}

	resp, err := next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	store(p, req, resp)
	return live(resp), nil
}

// NetworkFirst always asks the network, falling back to the stored entry for GET requests
// when no response comes back. Fallback responses carry X-From-Cache: true.
type NetworkFirst struct{}

func (NetworkFirst) Name() string { return "network-first" }

func (NetworkFirst) Handle(req *http.Request, p *httpcache.Partition, next http.RoundTripper) (*http.Response, error) {
	resp, err := next.RoundTrip(req)
	if err == nil {
		store(p, req, resp)
		return live(resp), nil
	}

	// Writes never fall back
	if req.Method != http.MethodGet {
		return nil, err
	}

	entry := lookup(p, req)
	if entry == nil {
		return nil, err
	}

	logrus.Infof("Network failed for %s, serving cached fallback: %v", req.URL, err)
	entry.Fallback = true
	return serve(entry, req, CacheStale), nil
}

// NetworkOnly forwards the request untouched
type NetworkOnly struct{}

func (NetworkOnly) Name() string { return "network-only" }

func (NetworkOnly) Handle(req *http.Request, _ *httpcache.Partition, next http.RoundTripper) (*http.Response, error) {
	return next.RoundTrip(req)
}
