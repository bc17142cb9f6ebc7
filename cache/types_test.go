package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test/page?x=1#section", nil)
	key := KeyFromRequest(req)

	assert.Equal(t, "GET", key.Method)
	assert.Equal(t, "http://example.test/page?x=1", key.URL)
	assert.Equal(t, "GET http://example.test/page?x=1", key.String())
}

func TestNewKeyDefaultsToGet(t *testing.T) {
	assert.Equal(t, Key{Method: "GET", URL: "http://example.test/"}, NewKey("", "http://example.test/#top"))
	assert.Equal(t, "HEAD", NewKey("head", "http://example.test/").Method)
}

func TestParseKey(t *testing.T) {
	k, err := parseKey("GET http://example.test/a b")
	require.NoError(t, err)
	assert.Equal(t, Key{Method: "GET", URL: "http://example.test/a b"}, k)

	_, err = parseKey("GET")
	assert.Error(t, err)
}

func TestNewEntryAndResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html></html>")),
	}
	key := NewKey(http.MethodGet, "http://example.test/")

	e, err := NewEntry(key, resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("<html></html>"), e.Body)
	assert.False(t, e.StoredAt.IsZero())

	// Two responses built from one snapshot are independently readable.
	for range 2 {
		r := e.Response(nil)
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.Equal(t, "200 OK", r.Status)
		assert.Equal(t, int64(13), r.ContentLength)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(body))
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := &Entry{Header: http.Header{"A": []string{"1"}}, Body: []byte("x")}
	c := e.Clone()
	c.Header.Set("A", "2")
	c.Body[0] = 'y'

	assert.Equal(t, "1", e.Header.Get("A"))
	assert.Equal(t, "x", string(e.Body))
	assert.Nil(t, (*Entry)(nil).Clone())
}
