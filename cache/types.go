package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Key identifies a cached response by request method and URL.
// The URL never carries a fragment.
type Key struct {
	Method string `msgpack:"method"`
	URL    string `msgpack:"url"`
}

// NewKey builds a Key, upper-casing the method and dropping any URL fragment.
func NewKey(method, rawURL string) Key {
	if method == "" {
		method = http.MethodGet
	}
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return Key{Method: strings.ToUpper(method), URL: rawURL}
}

// KeyFromRequest returns the Key for an outgoing request.
func KeyFromRequest(req *http.Request) Key {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return NewKey(req.Method, u.String())
}

// String returns "METHOD URL".
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// parseKey is the inverse of Key.String.
func parseKey(s string) (Key, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("malformed cache key %q", s)
	}
	return Key{Method: method, URL: rawURL}, nil
}

// Entry is a stored response snapshot.
type Entry struct {
	Key      Key         `msgpack:"key"`
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt time.Time   `msgpack:"stored_at"`
}

// NewEntry reads resp.Body to completion, closes it and returns a snapshot of the response.
// The caller must not use resp.Body afterwards; use Entry.Response instead.
func NewEntry(key Key, resp *http.Response) (*Entry, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	c.Body = bytes.Clone(e.Body)
	return &c
}

// Response builds a fresh *http.Response backed by the snapshot.
// Each call returns an independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
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
