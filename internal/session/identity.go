package session

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/iTrooz/offline-proxy/internal/config"
	"golang.org/x/oauth2"
)

// IdentitySession is a federated identity login that can still issue id tokens without user interaction
type IdentitySession interface {
	IDToken(ctx context.Context) (string, error)
}

// OAuth2Identity gets id tokens from an OAuth2 token source, such as a stored provider refresh token
type OAuth2Identity struct {
	source   oauth2.TokenSource
	verifier *oidc.IDTokenVerifier
}

// NewOAuth2Identity wraps source. verifier may be nil to skip id token verification.
func NewOAuth2Identity(source oauth2.TokenSource, verifier *oidc.IDTokenVerifier) *OAuth2Identity {
	return &OAuth2Identity{source: source, verifier: verifier}
}

func (i *OAuth2Identity) IDToken(ctx context.Context) (string, error) {
	tok, err := i.source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}

	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: token response has no id_token", ErrNoIdentity)
	}

	if i.verifier != nil {
		if _, err := i.verifier.Verify(ctx, raw); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
		}
	}
	return raw, nil
}

// NewIdentity builds the identity session described by cfg, or returns nil when none is configured.
// With an issuer, endpoints come from OIDC discovery and id tokens are verified.
func NewIdentity(ctx context.Context, cfg config.IdentityConfig) (IdentitySession, error) {
	if cfg.RefreshToken == "" {
		return nil, nil
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		Scopes:       []string{oidc.ScopeOpenID},
	}

	var verifier *oidc.IDTokenVerifier
	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover identity provider %s: %w", cfg.Issuer, err)
		}
		if cfg.TokenURL == "" {
			conf.Endpoint = provider.Endpoint()
		}
		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}

	if conf.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("identity token_url or issuer is required")
	}

	// Background: the token source outlives the startup context
	source := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return NewOAuth2Identity(source, verifier), nil
}
