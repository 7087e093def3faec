package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"resty.dev/v3"
)

// Exchanger mints credential pairs from the auth endpoints
type Exchanger interface {
	// Refresh trades a refresh token for a new pair
	Refresh(ctx context.Context, refreshToken string) (Pair, error)
	// Exchange trades an identity provider id token for a new pair
	Exchange(ctx context.Context, idToken string) (Pair, error)
	// Endpoints lists every URL the exchanger calls
	Endpoints() []string
}

// HTTPExchanger posts JSON to the refresh endpoint and to each exchange endpoint in turn
type HTTPExchanger struct {
	client       *resty.Client
	refreshURL   string
	exchangeURLs []string
}

func NewHTTPExchanger(refreshURL string, exchangeURLs []string) *HTTPExchanger {
	return &HTTPExchanger{
		client:       resty.New(),
		refreshURL:   refreshURL,
		exchangeURLs: exchangeURLs,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type exchangeRequest struct {
	IDToken string `json:"id_token"`
}

func (e *HTTPExchanger) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	if refreshToken == "" {
		return Pair{}, ErrNoRefreshToken
	}
	return e.post(ctx, e.refreshURL, refreshRequest{RefreshToken: refreshToken})
}

func (e *HTTPExchanger) Exchange(ctx context.Context, idToken string) (Pair, error) {
	if len(e.exchangeURLs) == 0 {
		return Pair{}, errors.New("no exchange endpoint configured")
	}

	var errs []error
	for _, u := range e.exchangeURLs {
		p, err := e.post(ctx, u, exchangeRequest{IDToken: idToken})
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	return Pair{}, errors.Join(errs...)
}

func (e *HTTPExchanger) post(ctx context.Context, u string, body any) (Pair, error) {
	var p Pair
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&p).
		Post(u)
	if err != nil {
		return Pair{}, fmt.Errorf("POST %s: %w", u, err)
	}
	if resp.IsError() {
		return Pair{}, fmt.Errorf("POST %s: status %d", u, resp.StatusCode())
	}
	if p.AccessToken == "" {
		return Pair{}, fmt.Errorf("POST %s: response has no access_token", u)
	}
	return p, nil
}

func (e *HTTPExchanger) Endpoints() []string {
	return append([]string{e.refreshURL}, e.exchangeURLs...)
}

// endpointKey normalises a URL for endpoint comparison: no query, fragment or trailing slash
func endpointKey(u *url.URL) string {
	return strings.ToLower(u.Scheme+"://"+u.Host) + strings.TrimSuffix(u.Path, "/")
}
