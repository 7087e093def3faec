package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iTrooz/offline-proxy/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeToken(t *testing.T, exp time.Time, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(exp)}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

// authServer fakes the refresh and exchange endpoints
type authServer struct {
	*httptest.Server
	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32
	refreshOK     bool
	exchangeOK    bool
	delay         time.Duration
	access        string
	refresh       string
}

type authOption func(*authServer)

func refreshFails(s *authServer)  { s.refreshOK = false }
func exchangeFails(s *authServer) { s.exchangeOK = false }

func slowAuth(s *authServer) { s.delay = 50 * time.Millisecond }

func newAuthServer(t *testing.T, access string, opts ...authOption) *authServer {
	t.Helper()
	s := &authServer{refreshOK: true, exchangeOK: true, access: access, refresh: "refresh-2"}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		time.Sleep(s.delay)
		var body refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !s.refreshOK || body.RefreshToken == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Pair{AccessToken: s.access, RefreshToken: s.refresh})
	})
	exchange := func(w http.ResponseWriter, r *http.Request) {
		s.exchangeCalls.Add(1)
		var body exchangeRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !s.exchangeOK || body.IDToken != "id-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// No refresh token in the answer: the previous one must be kept
		_ = json.NewEncoder(w).Encode(Pair{AccessToken: s.access})
	}
	mux.HandleFunc("/auth/google", func(w http.ResponseWriter, r *http.Request) {
		s.exchangeCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/auth/google/exchange", exchange)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *authServer) exchanger() *HTTPExchanger {
	return NewHTTPExchanger(s.URL+"/auth/refresh", []string{s.URL + "/auth/google", s.URL + "/auth/google/exchange"})
}

type staticIdentity struct {
	token string
	err   error
}

func (i staticIdentity) IDToken(context.Context) (string, error) { return i.token, i.err }

// recorder captures the types of every message published on a bus
type recorder struct {
	mu    sync.Mutex
	types []string
	stop  func()
	done  chan struct{}
}

func record(b bus.Bus) *recorder {
	ch, stop := b.Subscribe()
	r := &recorder{stop: stop, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for msg := range ch {
			r.mu.Lock()
			r.types = append(r.types, msg.Type)
			r.mu.Unlock()
		}
	}()
	return r
}

// Stop ends the subscription and returns what was received
func (r *recorder) Stop() []string {
	r.stop()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.types
}

func TestGuardTokenValid(t *testing.T) {
	auth := newAuthServer(t, "unused")
	store := NewStore(nil)
	valid := makeToken(t, time.Now().Add(time.Hour), "user")
	store.SetTokens(valid, "refresh-1")

	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger()})
	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, valid, tok)
	assert.Equal(t, int32(0), auth.refreshCalls.Load())
}

func TestGuardExpiredTokenRefreshesOnce(t *testing.T) {
	// Token expiring at t=1000 presented at t=1001
	now := time.Unix(1001, 0)
	fresh := makeToken(t, time.Unix(5000, 0), "user")
	auth := newAuthServer(t, fresh)

	var apiCalls atomic.Int32
	var seenAuth atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		seenAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer api.Close()

	b := bus.NewLocalBus()
	defer func() { _ = b.Close() }()
	events := record(b)

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Unix(1000, 0), "user"), "refresh-1")
	g := NewGuard(GuardOptions{
		Store:     store,
		Exchanger: auth.exchanger(),
		Bus:       b,
		Next:      http.DefaultTransport,
		Now:       func() time.Time { return now },
	})

	req, err := http.NewRequest(http.MethodGet, api.URL+"/api/albums", nil)
	require.NoError(t, err)
	resp, err := g.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	assert.Equal(t, int32(1), apiCalls.Load())
	assert.Equal(t, "Bearer "+fresh, seenAuth.Load())
	assert.Equal(t, Pair{AccessToken: fresh, RefreshToken: "refresh-2"}, store.Tokens())

	assert.Equal(t, []string{bus.CredentialUpdated}, events.Stop())
}

func TestGuardSingleFlight(t *testing.T) {
	fresh := makeToken(t, time.Now().Add(time.Hour), "user")
	auth := newAuthServer(t, fresh, slowAuth)

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Now().Add(-time.Minute), "user"), "refresh-1")
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger()})

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = g.Token(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fresh, tokens[i])
	}
}

func TestGuardSingleFlightFailure(t *testing.T) {
	auth := newAuthServer(t, "unused", refreshFails, slowAuth)

	b := bus.NewLocalBus()
	defer func() { _ = b.Close() }()
	events := record(b)

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Now().Add(-time.Minute), "user"), "refresh-1")
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger(), Bus: b})

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Token(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrNoCredential)
	}
	assert.Equal(t, Pair{}, store.Tokens())

	// Many failures, a single throttled broadcast
	assert.Equal(t, []string{bus.CredentialInvalidated}, events.Stop())
}

func TestGuardSilentReauthentication(t *testing.T) {
	fresh := makeToken(t, time.Now().Add(time.Hour), "user")
	auth := newAuthServer(t, fresh, refreshFails)

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Now().Add(-time.Minute), "user"), "refresh-1")
	g := NewGuard(GuardOptions{
		Store:     store,
		Exchanger: auth.exchanger(),
		Identity:  staticIdentity{token: "id-token"},
	})

	tok, err := g.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	// The first exchange path fails, the second succeeds
	assert.Equal(t, int32(2), auth.exchangeCalls.Load())
	assert.Equal(t, Pair{AccessToken: fresh, RefreshToken: "refresh-1"}, store.Tokens())
}

func TestGuardReauthenticationFailureClears(t *testing.T) {
	auth := newAuthServer(t, "unused", refreshFails, exchangeFails)

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Now().Add(-time.Minute), "user"), "refresh-1")
	g := NewGuard(GuardOptions{
		Store:     store,
		Exchanger: auth.exchanger(),
		Identity:  staticIdentity{token: "id-token"},
	})

	_, err := g.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Equal(t, Pair{}, store.Tokens())
}

func TestGuardNoRefreshTokenSkipsNetwork(t *testing.T) {
	auth := newAuthServer(t, "unused")
	g := NewGuard(GuardOptions{Store: NewStore(nil), Exchanger: auth.exchanger()})

	_, err := g.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), auth.refreshCalls.Load())
}

func TestGuardInvalidationThrottle(t *testing.T) {
	auth := newAuthServer(t, "unused", refreshFails)

	b := bus.NewLocalBus()
	defer func() { _ = b.Close() }()
	events := record(b)

	store := NewStore(nil)
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger(), Bus: b, InvalidationThrottle: time.Hour})

	for i := 0; i < 3; i++ {
		store.SetTokens("", "refresh-1")
		_, err := g.Token(context.Background())
		assert.ErrorIs(t, err, ErrNoCredential)
	}

	assert.Equal(t, []string{bus.CredentialInvalidated}, events.Stop())
}

func TestGuardRetryOnce(t *testing.T) {
	fresh := makeToken(t, time.Now().Add(time.Hour), "fresh")
	auth := newAuthServer(t, fresh)

	var apiCalls atomic.Int32
	var bodies []string
	var mu sync.Mutex
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		// A misbehaving server that never accepts anything
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	store := NewStore(nil)
	store.SetTokens(makeToken(t, time.Now().Add(time.Hour), "stale"), "refresh-1")
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger()})

	req, err := http.NewRequest(http.MethodPost, api.URL+"/api/albums", strings.NewReader(`{"title":"Y"}`))
	require.NoError(t, err)
	resp, err := g.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), apiCalls.Load())
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
	mu.Lock()
	assert.Equal(t, []string{`{"title":"Y"}`, `{"title":"Y"}`}, bodies)
	mu.Unlock()
}

func TestGuardRetrySucceedsWithRenewedToken(t *testing.T) {
	fresh := makeToken(t, time.Now().Add(time.Hour), "fresh")
	auth := newAuthServer(t, fresh)

	var seen []string
	var mu sync.Mutex
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		assert.Equal(t, "key-123", r.Header.Get("X-Api-Key"))
		if r.Header.Get("Authorization") != "Bearer "+fresh {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("albums"))
	}))
	defer api.Close()

	store := NewStore(nil)
	revoked := makeToken(t, time.Now().Add(time.Hour), "revoked")
	store.SetTokens(revoked, "refresh-1")
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger(), APIKey: "key-123"})

	req, err := http.NewRequest(http.MethodGet, api.URL+"/api/albums", nil)
	require.NoError(t, err)
	resp, err := g.RoundTrip(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "albums", string(body))
	mu.Lock()
	assert.Equal(t, []string{"Bearer " + revoked, "Bearer " + fresh}, seen)
	mu.Unlock()
	// The caller's request is never mutated
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestGuardRetryReusesConcurrentRenewal(t *testing.T) {
	auth := newAuthServer(t, "unused")

	store := NewStore(nil)
	rejected := makeToken(t, time.Now().Add(time.Hour), "old")
	renewed := makeToken(t, time.Now().Add(time.Hour), "new")

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+rejected {
			// Another caller renews while this request is in flight
			store.SetTokens(renewed, "refresh-2")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer api.Close()

	store.SetTokens(rejected, "refresh-1")
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger()})

	req, err := http.NewRequest(http.MethodGet, api.URL+"/api/albums", nil)
	require.NoError(t, err)
	resp, err := g.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(0), auth.refreshCalls.Load())
}

func TestGuardPassesThroughExchangeEndpoints(t *testing.T) {
	auth := newAuthServer(t, makeToken(t, time.Now().Add(time.Hour), "user"))
	store := NewStore(nil)
	g := NewGuard(GuardOptions{Store: store, Exchanger: auth.exchanger()})

	req, err := http.NewRequest(http.MethodPost, auth.URL+"/auth/refresh", strings.NewReader(`{"refresh_token":""}`))
	require.NoError(t, err)
	resp, err := g.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	// Not decorated, not retried
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), auth.refreshCalls.Load())
}

func TestGuardLoginLogoutStatus(t *testing.T) {
	b := bus.NewLocalBus()
	defer func() { _ = b.Close() }()
	events := record(b)

	store := NewStore(nil)
	g := NewGuard(GuardOptions{Store: store, Bus: b})
	assert.False(t, g.Status().Authenticated)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	g.Login(context.Background(), Pair{AccessToken: makeToken(t, exp, "user"), RefreshToken: "r"})
	status := g.Status()
	assert.True(t, status.Authenticated)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, exp.Equal(*status.ExpiresAt))

	g.Logout(context.Background())
	assert.False(t, g.Status().Authenticated)
	assert.Equal(t, Pair{}, store.Tokens())

	assert.Equal(t, []string{bus.CredentialUpdated, bus.CredentialInvalidated}, events.Stop())
}
