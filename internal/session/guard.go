package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/iTrooz/offline-proxy/internal/bus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrNoCredential   = errors.New("no credential available")
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrNoIdentity     = errors.New("no identity session")
)

// DefaultInvalidationThrottle is the minimum time between two CREDENTIAL_INVALIDATED broadcasts
const DefaultInvalidationThrottle = 60 * time.Second

// DefaultAPIKeyHeader carries the static API key on guarded requests
const DefaultAPIKeyHeader = "X-Api-Key"

// renewKey is the single process-wide single-flight slot
const renewKey = "renew"

type GuardOptions struct {
	Store     *Store
	Exchanger Exchanger
	// Identity is used for silent reauthentication when refresh fails. Optional.
	Identity IdentitySession
	// Bus receives CREDENTIAL_UPDATED and CREDENTIAL_INVALIDATED. Optional.
	Bus  bus.Bus
	Next http.RoundTripper

	APIKey       string
	APIKeyHeader string

	// InvalidationThrottle defaults to 60s; negative disables throttling
	InvalidationThrottle time.Duration
	Now                  func() time.Time
}

// Guard keeps the session credential valid and attaches it to outbound requests.
// At most one refresh or reauthentication runs at a time; concurrent callers share its outcome.
type Guard struct {
	store        *Store
	exchanger    Exchanger
	identity     IdentitySession
	bus          bus.Bus
	next         http.RoundTripper
	apiKey       string
	apiKeyHeader string
	now          func() time.Time
	passThrough  map[string]struct{}

	group      singleflight.Group
	invalidate *rate.Sometimes
}

func NewGuard(opts GuardOptions) *Guard {
	g := &Guard{
		store:        opts.Store,
		exchanger:    opts.Exchanger,
		identity:     opts.Identity,
		bus:          opts.Bus,
		next:         opts.Next,
		apiKey:       opts.APIKey,
		apiKeyHeader: opts.APIKeyHeader,
		now:          opts.Now,
		passThrough:  make(map[string]struct{}),
	}
	if g.next == nil {
		g.next = http.DefaultTransport
	}
	if g.apiKeyHeader == "" {
		g.apiKeyHeader = DefaultAPIKeyHeader
	}
	if g.now == nil {
		g.now = time.Now
	}

	switch {
	case opts.InvalidationThrottle < 0:
		g.invalidate = &rate.Sometimes{Every: 1}
	case opts.InvalidationThrottle == 0:
		g.invalidate = &rate.Sometimes{Interval: DefaultInvalidationThrottle}
	default:
		g.invalidate = &rate.Sometimes{Interval: opts.InvalidationThrottle}
	}

	if g.exchanger != nil {
		for _, e := range g.exchanger.Endpoints() {
			if u, err := url.Parse(e); err == nil {
				g.passThrough[endpointKey(u)] = struct{}{}
			}
		}
	}
	return g
}

// Token returns a valid access token, renewing it first if it is missing or expired
func (g *Guard) Token(ctx context.Context) (string, error) {
	if tok := g.store.AccessToken(); tok != "" && !IsExpired(tok, g.now()) {
		return tok, nil
	}
	return g.renew(ctx, "")
}

// renew joins the in-flight renewal or starts one.
// rejected is a token the server just refused; it is never handed back.
func (g *Guard) renew(ctx context.Context, rejected string) (string, error) {
	v, err, shared := g.group.Do(renewKey, func() (any, error) {
		// Someone may have renewed between our check and now
		if tok := g.store.AccessToken(); tok != "" && tok != rejected && !IsExpired(tok, g.now()) {
			return tok, nil
		}
		// Callers going away must not abandon the renewal shared with others
		return g.doRenew(context.WithoutCancel(ctx))
	})
	if shared {
		logrus.Debug("Joined in-flight credential renewal")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Guard) doRenew(ctx context.Context) (string, error) {
	previous := g.store.Tokens()

	pair, err := g.refresh(ctx, previous.RefreshToken)
	if err != nil {
		logrus.Warnf("Token refresh failed, trying silent reauthentication: %v", err)
		var rerr error
		pair, rerr = g.reauthenticate(ctx)
		if rerr != nil {
			logrus.Warnf("Silent reauthentication failed: %v", rerr)
			g.store.ClearTokens()
			g.invalidate.Do(func() { g.publish(ctx, bus.CredentialInvalidated) })
			return "", fmt.Errorf("%w: %w", ErrNoCredential, errors.Join(err, rerr))
		}
	}

	if pair.RefreshToken == "" {
		pair.RefreshToken = previous.RefreshToken
	}
	g.store.SetTokens(pair.AccessToken, pair.RefreshToken)
	// Published before returning so waiters resume after the broadcast
	g.publish(ctx, bus.CredentialUpdated)
	logrus.Info("Credentials renewed")
	return pair.AccessToken, nil
}

func (g *Guard) refresh(ctx context.Context, refreshToken string) (Pair, error) {
	if g.exchanger == nil {
		return Pair{}, errors.New("no exchanger configured")
	}
	if refreshToken == "" {
		return Pair{}, ErrNoRefreshToken
	}
	return g.exchanger.Refresh(ctx, refreshToken)
}

func (g *Guard) reauthenticate(ctx context.Context) (Pair, error) {
	if g.identity == nil || g.exchanger == nil {
		return Pair{}, ErrNoIdentity
	}
	idToken, err := g.identity.IDToken(ctx)
	if err != nil {
		return Pair{}, err
	}
	return g.exchanger.Exchange(ctx, idToken)
}

func (g *Guard) publish(ctx context.Context, msgType string) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, bus.Message{Type: msgType}); err != nil {
		logrus.Warnf("Failed to broadcast %s: %v", msgType, err)
	}
}

// Login stores a pair obtained by an external sign-in flow
func (g *Guard) Login(ctx context.Context, p Pair) {
	g.store.SetTokens(p.AccessToken, p.RefreshToken)
	g.publish(ctx, bus.CredentialUpdated)
}

// Logout forgets the credentials. The broadcast is not throttled.
func (g *Guard) Logout(ctx context.Context) {
	g.store.ClearTokens()
	g.publish(ctx, bus.CredentialInvalidated)
}

// Status describes the stored credential without renewing it
type Status struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (g *Guard) Status() Status {
	tok := g.store.AccessToken()
	if tok == "" {
		return Status{}
	}
	s := Status{Authenticated: !IsExpired(tok, g.now())}
	if exp, ok, err := ExpiresAt(tok); err == nil && ok {
		s.ExpiresAt = &exp
	}
	return s
}

func (g *Guard) isPassThrough(req *http.Request) bool {
	_, ok := g.passThrough[endpointKey(req.URL)]
	return ok
}

// RoundTrip sends req with the session credential. On 401 or 403 the credential is renewed
// and the request is sent exactly once more; the second response is returned whatever it is.
func (g *Guard) RoundTrip(req *http.Request) (*http.Response, error) {
	if g.isPassThrough(req) {
		return g.next.RoundTrip(req)
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	tok, err := g.Token(req.Context())
	if err != nil {
		logrus.Debugf("Sending %s without credential: %v", req.URL, err)
	}

	resp, err := g.next.RoundTrip(g.decorate(req, body, tok))
	if err != nil {
		return nil, err
	}
	if !isAuthFailure(resp.StatusCode) {
		return resp, nil
	}

	logrus.Infof("%s answered %d, renewing credential and retrying once", req.URL, resp.StatusCode)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	tok, err = g.renew(req.Context(), tok)
	if err != nil {
		logrus.Debugf("Retrying %s without credential: %v", req.URL, err)
	}
	return g.next.RoundTrip(g.decorate(req, body, tok))
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// decorate builds a fresh copy of req carrying the credential headers
func (g *Guard) decorate(req *http.Request, body []byte, tok string) *http.Request {
	r := req.Clone(req.Context())
	if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	} else {
		r.Header.Del("Authorization")
	}
	if g.apiKey != "" {
		r.Header.Set(g.apiKeyHeader, g.apiKey)
	}

	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		r.ContentLength = int64(len(body))
	}
	return r
}

// bufferBody reads the request body so it can be sent twice
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}
