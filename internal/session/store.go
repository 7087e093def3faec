// Credential storage and the session guard that keeps it valid
package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pair is an access token and the refresh token that renews it
type Pair struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
}

// CookieMirror is the durable copy of the credential pair, surviving restarts
type CookieMirror interface {
	// Write stores p; cookie horizons are counted from now
	Write(p Pair, now time.Time) error
	// Read returns the unexpired cookies at now. An empty pair means nothing stored.
	Read(now time.Time) (Pair, error)
	Clear() error
}

// Store holds the credential pair in memory and mirrors every write to a CookieMirror.
// Storage errors are logged and read as "no credential".
type Store struct {
	mu     sync.Mutex
	pair   Pair
	mirror CookieMirror
	now    func() time.Time
	// cleared stops mirror recovery until the next SetTokens, even if the mirror failed to clear
	cleared bool
}

// NewStore creates a store. mirror may be nil to keep credentials in memory only.
func NewStore(mirror CookieMirror) *Store {
	return &Store{mirror: mirror, now: time.Now}
}

// SetTokens replaces both tokens. Both copies are written before any reader sees the new pair.
func (s *Store) SetTokens(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pair = Pair{AccessToken: access, RefreshToken: refresh}
	s.cleared = false
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Write(s.pair, s.now()); err != nil {
		logrus.Warnf("Failed to mirror credentials: %v", err)
	}
}

// Tokens returns the current pair, recovering it from the mirror after a restart
func (s *Store) Tokens() Pair {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair.AccessToken != "" || s.pair.RefreshToken != "" || s.mirror == nil || s.cleared {
		return s.pair
	}

	p, err := s.mirror.Read(s.now())
	if err != nil {
		logrus.Warnf("Failed to read mirrored credentials: %v", err)
		return Pair{}
	}
	if p.AccessToken != "" || p.RefreshToken != "" {
		logrus.Debug("Recovered credentials from cookie mirror")
		s.pair = p
	}
	return p
}

func (s *Store) AccessToken() string {
	return s.Tokens().AccessToken
}

func (s *Store) RefreshToken() string {
	return s.Tokens().RefreshToken
}

// ClearTokens forgets both tokens, in memory and in the mirror
func (s *Store) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pair = Pair{}
	s.cleared = true
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Clear(); err != nil {
		logrus.Warnf("Failed to clear mirrored credentials: %v", err)
	}
}
