package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/iTrooz/offline-proxy/internal/bus"
	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/control"
	"github.com/iTrooz/offline-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-proxy/internal/router"
	"github.com/iTrooz/offline-proxy/internal/session"
	"github.com/sirupsen/logrus"
)

// Server represents the offline proxy server
type Server struct {
	config  *config.Config
	proxy   *goproxy.ProxyHttpServer
	manager *httpcache.Manager
	bus     bus.Bus
	worker  *lifecycle.Worker
	guard   *session.Guard
	// transport is the entry of the request chain: session guard, interceptor, upstream
	transport http.RoundTripper
}

// New creates a new proxy server
func New(cfg *config.Config) (*Server, error) {
	imageTTL, err := cfg.GetImageTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid image TTL: %w", err)
	}

	s := &Server{
		config: cfg,
		proxy:  goproxy.NewProxyHttpServer(),
	}
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.Logger = logrus.StandardLogger()

	// A broken cache degrades to network-only, it never stops the proxy
	s.manager, err = newManager(cfg)
	if err != nil {
		logrus.Errorf("Cache unavailable, serving from network only: %v", err)
	}

	s.bus = newBus(cfg)

	classifier, err := router.NewClassifier(cfg.Routing, cfg.App.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid app origin: %w", err)
	}

	s.worker = lifecycle.NewWorker(lifecycle.Options{
		Manager:      s.manager,
		Bus:          s.bus,
		Transport:    s.proxy.Tr,
		Origin:       cfg.App.Origin,
		LaunchAssets: cfg.App.LaunchAssets,
	})

	interceptor := router.NewInterceptor(classifier, s.manager, s.proxy.Tr, router.InterceptorOptions{
		Ready:    s.worker.Active,
		ImageTTL: imageTTL,
	})
	s.transport = interceptor

	if cfg.Auth.Enabled {
		s.guard, err = newGuard(cfg, s.bus, interceptor)
		if err != nil {
			return nil, err
		}
		s.transport = authSelector(cfg.Auth.APIBaseURL, s.guard, interceptor)
	}

	api := control.New(control.Options{
		Lifecycle:  s.worker,
		Bus:        s.bus,
		Partitions: s.partitions(),
		Sessions:   s.sessions(),
	})
	s.proxy.NonproxyHandler = api.Handler()

	if cfg.Server.HTTPS.Enabled {
		s.proxy.CertStore = newCertStore()
		s.setupHTTPSProxyHandler()
	}

	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

func newManager(cfg *config.Config) (*httpcache.Manager, error) {
	codec, err := httpcache.NewCodec(cfg.Cache.Codec)
	if err != nil {
		return nil, err
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "memory":
		backend = cache.NewMemoryBackend(0)
	case "redis":
		backend, err = cache.DialRedisBackend(cfg.Cache.RedisURL, cfg.Cache.RedisKey)
		if err != nil {
			return nil, err
		}
	default:
		backend = cache.NewDiskBackend(osfs.New(cfg.Cache.Folder))
	}

	return httpcache.NewManager(backend, httpcache.ManagerOptions{
		App:        cfg.App.Name,
		Version:    cfg.App.Version,
		Codec:      codec,
		HotEntries: cfg.Cache.HotEntries,
	})
}

func newBus(cfg *config.Config) bus.Bus {
	if cfg.Events.Backend != "redis" {
		return bus.NewLocalBus()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := bus.DialRedisBus(ctx, cfg.Events.RedisURL, cfg.Events.Channel)
	if err != nil {
		logrus.Errorf("Redis events unavailable, broadcasting in-process only: %v", err)
		return bus.NewLocalBus()
	}
	return b
}

func newGuard(cfg *config.Config, b bus.Bus, next http.RoundTripper) (*session.Guard, error) {
	throttle, err := cfg.GetInvalidationThrottle()
	if err != nil {
		return nil, fmt.Errorf("invalid invalidation throttle: %w", err)
	}

	var mirror session.CookieMirror
	if cfg.Auth.CookieFile != "" {
		dir, name := filepath.Split(cfg.Auth.CookieFile)
		if dir == "" {
			dir = "."
		}
		mirror = session.NewFileCookieMirror(osfs.New(dir), name)
	}

	identity, err := session.NewIdentity(context.Background(), cfg.Auth.Identity)
	if err != nil {
		// Reauthentication is a fallback; without it a failed refresh simply ends the session
		logrus.Errorf("Identity session unavailable: %v", err)
		identity = nil
	}

	return session.NewGuard(session.GuardOptions{
		Store:                session.NewStore(mirror),
		Exchanger:            session.NewHTTPExchanger(cfg.Auth.RefreshURL, cfg.Auth.ExchangeURLs),
		Identity:             identity,
		Bus:                  b,
		Next:                 next,
		APIKey:               cfg.Auth.APIKey,
		APIKeyHeader:         cfg.Auth.APIKeyHeader,
		InvalidationThrottle: throttle,
	}), nil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// authSelector sends requests for the authenticated API through the guard, the rest straight to next
func authSelector(apiBaseURL string, guard *session.Guard, next http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if strings.HasPrefix(getTargetURL(req), apiBaseURL) {
			return guard.RoundTrip(req)
		}
		return next.RoundTrip(req)
	})
}

func (s *Server) partitions() control.Partitions {
	if s.manager == nil {
		return nil
	}
	return s.manager
}

func (s *Server) sessions() control.Sessions {
	if s.guard == nil {
		return nil
	}
	return s.guard
}

// handleRequest answers every proxied request through the request chain
func (s *Server) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	removeProxyHeaders(out)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		logrus.Warnf("Request %s %s failed: %v", req.Method, getTargetURL(req), err)
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}

	logrus.Infof("Forwarded request: %s %s -> %d (%s)", req.Method, getTargetURL(req), resp.StatusCode, resp.Header.Get(httpcache.CacheStatusHeader))
	return req, resp
}

// GetProxy returns the underlying goproxy handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Worker returns the lifecycle worker; requests are only cached once it is active
func (s *Server) Worker() *lifecycle.Worker {
	return s.worker
}

// Start runs the lifecycle and serves the proxy until ctx ends
func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("Lifecycle stopped: %v", err)
		}
	}()

	interval, err := s.config.GetSyncInterval()
	if err != nil {
		return fmt.Errorf("invalid sync interval: %w", err)
	}
	if interval > 0 {
		go s.worker.RunPeriodicSync(ctx, interval)
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(ctx, addr); err != nil {
				logrus.Errorf("Transparent HTTPS listener stopped: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.proxy,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("App: %s version %s (origin %s)", s.config.App.Name, s.config.App.Version, s.config.App.Origin)
	logrus.Infof("Cache backend: %s, codec: %s", s.config.Cache.Backend, s.config.Cache.Codec)
	if s.guard != nil {
		logrus.Infof("Guarding credentials for %s", s.config.Auth.APIBaseURL)
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the cache backend and the event bus
func (s *Server) Close() error {
	var errs []error
	if s.manager != nil {
		errs = append(errs, s.manager.Close())
	}
	errs = append(errs, s.bus.Close())
	return errors.Join(errs...)
}
