package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"
)

// Cookie names and lifetimes of the mirrored credentials
const (
	AccessCookie     = "jwt"
	RefreshCookie    = "refresh_token"
	AccessCookieTTL  = 7 * 24 * time.Hour
	RefreshCookieTTL = 30 * 24 * time.Hour
)

type Cookie struct {
	Name    string    `yaml:"name"`
	Value   string    `yaml:"value"`
	Expires time.Time `yaml:"expires"`
}

type cookieJar struct {
	Cookies []Cookie `yaml:"cookies"`
}

// FileCookieMirror keeps the credential cookies in a YAML file
type FileCookieMirror struct {
	fs   billy.Filesystem
	path string
}

func NewFileCookieMirror(fs billy.Filesystem, path string) *FileCookieMirror {
	return &FileCookieMirror{fs: fs, path: path}
}

func (m *FileCookieMirror) Write(p Pair, now time.Time) error {
	jar := cookieJar{}
	if p.AccessToken != "" {
		jar.Cookies = append(jar.Cookies, Cookie{Name: AccessCookie, Value: p.AccessToken, Expires: now.Add(AccessCookieTTL)})
	}
	if p.RefreshToken != "" {
		jar.Cookies = append(jar.Cookies, Cookie{Name: RefreshCookie, Value: p.RefreshToken, Expires: now.Add(RefreshCookieTTL)})
	}

	data, err := yaml.Marshal(&jar)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}

	if dir := path.Dir(m.path); dir != "." && dir != "/" {
		if err := m.fs.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create cookie directory: %w", err)
		}
	}
	if err := util.WriteFile(m.fs, m.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return nil
}

func (m *FileCookieMirror) Read(now time.Time) (Pair, error) {
	f, err := m.fs.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Pair{}, nil
		}
		return Pair{}, fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return Pair{}, fmt.Errorf("failed to read cookie file: %w", err)
	}

	var jar cookieJar
	if err := yaml.Unmarshal(data, &jar); err != nil {
		return Pair{}, fmt.Errorf("failed to decode cookie file: %w", err)
	}

	var p Pair
	for _, c := range jar.Cookies {
		if !now.Before(c.Expires) {
			continue
		}
		switch c.Name {
		case AccessCookie:
			p.AccessToken = c.Value
		case RefreshCookie:
			p.RefreshToken = c.Value
		}
	}
	return p, nil
}

func (m *FileCookieMirror) Clear() error {
	if err := m.fs.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cookie file: %w", err)
	}
	return nil
}
