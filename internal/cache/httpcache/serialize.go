package httpcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts entries to and from their stored bytes
type Codec interface {
	Encode(e *Entry) ([]byte, error)
	Decode(b []byte) (*Entry, error)
}

// NewCodec returns the codec registered under name
func NewCodec(name string) (Codec, error) {
	switch name {
	case "msgpack", "":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	case "http":
		return HTTPCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// MsgpackCodec is the default, compact codec
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(e *Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (MsgpackCodec) Decode(b []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack entry: %w", err)
	}
	return &e, nil
}

// CBORCodec encodes entries as CBOR with RFC3339Nano timestamps
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (CBORCodec, error) {
	eo := cbor.PreferredUnsortedEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBORCodec{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{enc: em, dec: dm}, nil
}

func (c CBORCodec) Encode(e *Entry) ([]byte, error) {
	return c.enc.Marshal(e)
}

func (c CBORCodec) Decode(b []byte) (*Entry, error) {
	var e Entry
	if err := c.dec.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cbor entry: %w", err)
	}
	return &e, nil
}

const PREFIX = "---HTTP-RESPONSE---\n"

// cachedAtHeader carries the insertion timestamp inside the HTTP dump
const cachedAtHeader = "X-Offline-Cached-At"

// HTTPCodec stores entries as raw HTTP/1.1 response dumps, readable with any text editor
type HTTPCodec struct{}

func (HTTPCodec) Encode(e *Entry) ([]byte, error) {
	resp := e.Response(nil)
	resp.Header.Set(cachedAtHeader, e.CachedAt.UTC().Format(time.RFC3339Nano))

	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func (HTTPCodec) Decode(b []byte) (*Entry, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("invalid prefix: expected '%s'", PREFIX)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	cachedAt, err := time.Parse(time.RFC3339Nano, resp.Header.Get(cachedAtHeader))
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", cachedAtHeader, err)
	}
	resp.Header.Del(cachedAtHeader)

	return &Entry{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header,
		Body:       body,
		CachedAt:   cachedAt,
	}, nil
}
