package httpcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Header names added to responses served by the proxy
const (
	// FromCacheHeader marks an API response served from cache after the network failed
	FromCacheHeader = "X-From-Cache"
	// CacheStatusHeader is HIT, STALE or MISS
	CacheStatusHeader = "X-Cache"
)

// Entry is one stored response
type Entry struct {
	Status     int         `msgpack:"status" cbor:"1,keyasint"`
	StatusText string      `msgpack:"status_text" cbor:"2,keyasint"`
	Header     http.Header `msgpack:"header" cbor:"3,keyasint"`
	Body       []byte      `msgpack:"body" cbor:"4,keyasint"`
	CachedAt   time.Time   `msgpack:"cached_at" cbor:"5,keyasint"`
	// Fallback is set on entries handed out after a failed network attempt; never persisted as true
	Fallback bool `msgpack:"-" cbor:"-"`
}

// NewEntry captures resp into an Entry.
// The body is read fully and resp.Body is replaced with a fresh reader over
// the same bytes, so the caller can still consume resp.
func NewEntry(resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func statusText(resp *http.Response) string {
	// resp.Status looks like "200 OK"
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if len(resp.Status) > len(prefix) && resp.Status[:len(prefix)] == prefix {
		return resp.Status[len(prefix):]
	}
	return http.StatusText(resp.StatusCode)
}

// Response builds a new, independent *http.Response from the entry
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if e.Fallback {
		header.Set(FromCacheHeader, "true")
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, e.StatusText),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Age is how long ago the entry was written
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// IsSuccess reports whether a status may be persisted
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
