package router

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/strategy"
	"github.com/sirupsen/logrus"
)

// Interceptor is an http.RoundTripper that routes each request through a caching strategy
type Interceptor struct {
	classifier *Classifier
	manager    *httpcache.Manager
	next       http.RoundTripper
	ready      func() bool
	strategies map[Route]strategy.Strategy
	roles      map[Route]httpcache.Role
}

type InterceptorOptions struct {
	// Ready reports whether requests should be instrumented. nil means always.
	Ready    func() bool
	ImageTTL time.Duration
	Now      func() time.Time
}

// NewInterceptor builds an Interceptor. manager may be nil, in which case every request goes to the network.
func NewInterceptor(classifier *Classifier, manager *httpcache.Manager, next http.RoundTripper, opts InterceptorOptions) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Interceptor{
		classifier: classifier,
		manager:    manager,
		next:       next,
		ready:      opts.Ready,
		strategies: map[Route]strategy.Strategy{
			RouteImage:  &strategy.CacheFirstFresh{TTL: opts.ImageTTL, Now: opts.Now},
			RouteAPI:    strategy.NetworkFirst{},
			RouteStatic: strategy.CacheFirst{},
		},
		roles: map[Route]httpcache.Role{
			RouteImage:  httpcache.RoleImages,
			RouteAPI:    httpcache.RoleAPI,
			RouteStatic: httpcache.RoleStatic,
		},
	}
}

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if i.ready != nil && !i.ready() {
		// Not controlling clients yet
		return i.next.RoundTrip(req)
	}

	route := i.classifier.Classify(req)
	log := logrus.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"route":      route,
		"method":     req.Method,
		"url":        req.URL.String(),
	})

	s, ok := i.strategies[route]
	if !ok {
		log.Debug("Passing request through")
		return i.next.RoundTrip(req)
	}

	partition := i.open(route, log)
	if partition != nil {
		log = log.WithField("partition", partition.Name())
	}

	resp, err := s.Handle(req, partition, i.next)
	if err != nil {
		log.WithField("strategy", s.Name()).Warnf("Request failed: %v", err)
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"strategy": s.Name(),
		"status":   resp.StatusCode,
		"cache":    resp.Header.Get(httpcache.CacheStatusHeader),
	}).Debug("Request handled")
	return resp, nil
}

// open returns nil when the partition is unavailable, leaving the strategy network-only
func (i *Interceptor) open(route Route, log *logrus.Entry) *httpcache.Partition {
	if i.manager == nil {
		return nil
	}
	p, err := i.manager.Open(i.roles[route])
	if err != nil {
		log.Errorf("Cache unavailable, using network only: %v", err)
		return nil
	}
	return p
}
