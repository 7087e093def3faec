package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/proxy"
)

// fixture_upstream creates a test upstream server playing the application origin
func fixture_upstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if requ.Method != http.MethodGet {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	}))
}

// fixture_config creates a test config serving origin, with a disk cache in tempDir
func fixture_config(origin, tempDir string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.App.Origin = origin
	cfg.Cache.Folder = tempDir
	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server and its test server
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	return proxyServer, proxyTestServer, nil
}

// fixture_activate runs the lifecycle until the proxy controls requests
func fixture_activate(proxyServer *proxy.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return proxyServer.Worker().Run(ctx)
}

// fixture_client creates an HTTP client that uses the proxy
func fixture_client(proxyTestServer *httptest.Server) *http.Client {
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}
}
