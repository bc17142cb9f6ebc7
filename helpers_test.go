package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/infracollect/offline-worker/cache"
	"github.com/stretchr/testify/require"
)

const testScope = "https://app.example/"

var errUnreachable = errors.New("network unreachable")

type fakeRoute struct {
	status int
	body   string
}

// fakeFetcher serves canned responses keyed by absolute URL. Unknown URLs get a 404.
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]fakeRoute
	calls   map[string]int
	offline bool
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		routes: make(map[string]fakeRoute),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[absURL(path)] = fakeRoute{status: status, body: body}
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// block makes every Fetch wait until the returned release is called.
func (f *fakeFetcher) block() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	return func() {
		f.mu.Lock()
		f.gate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[absURL(path)]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	url := req.URL.String()

	f.mu.Lock()
	f.calls[url]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	offline := f.offline
	route, ok := f.routes[url]
	f.mu.Unlock()

	if offline {
		return nil, errUnreachable
	}
	if !ok {
		route = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}
	return &http.Response{
		Status:     http.StatusText(route.status),
		StatusCode: route.status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

func absURL(path string) string {
	return strings.TrimSuffix(testScope, "/") + path
}

func testConfig(version string) Config {
	return Config{
		Name:     "hustle-year",
		Version:  version,
		Scope:    testScope,
		Precache: []string{"/", "/index.html"},
	}
}

// newTestFetcher returns a fetcher serving the default precache set.
func newTestFetcher() *fakeFetcher {
	f := newFakeFetcher()
	f.set("/", http.StatusOK, "root v1")
	f.set("/index.html", http.StatusOK, "index v1")
	return f
}

func newTestWorker(t *testing.T, cfg Config, opts ...Option) *Worker {
	t.Helper()
	w, err := New(cfg, opts...)
	require.NoError(t, err)
	return w
}

func runInstall(t *testing.T, w *Worker) error {
	t.Helper()
	ev := NewExtendableEvent(context.Background())
	w.Install(ev)
	return ev.Wait()
}

func runActivate(t *testing.T, w *Worker) error {
	t.Helper()
	ev := NewExtendableEvent(context.Background())
	w.Activate(ev)
	return ev.Wait()
}

func installAndActivate(t *testing.T, w *Worker) {
	t.Helper()
	require.NoError(t, runInstall(t, w))
	require.NoError(t, runActivate(t, w))
	require.Equal(t, StateActivated, w.State())
}

func newRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, rawURL, nil)
	require.NoError(t, err)
	return req
}

func navigationRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req := newRequest(t, http.MethodGet, absURL(path))
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func storedBody(t *testing.T, s cache.Storage, generation, path string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	exists, err := s.Has(ctx, generation)
	require.NoError(t, err)
	if !exists {
		return "", false
	}
	store, err := s.Open(ctx, generation)
	require.NoError(t, err)
	entry, err := store.Match(ctx, cache.NewKey(http.MethodGet, absURL(path)))
	require.NoError(t, err)
	if entry == nil {
		return "", false
	}
	return string(entry.Body), true
}

func seedGeneration(t *testing.T, s cache.Storage, name string) {
	t.Helper()
	ctx := context.Background()
	store, err := s.Open(ctx, name)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, &cache.Entry{
		Key:    cache.NewKey(http.MethodGet, absURL("/")),
		Status: http.StatusOK,
		Body:   []byte(name),
	}))
}

func storeNames(t *testing.T, s cache.Storage) []string {
	t.Helper()
	names, err := s.Keys(context.Background())
	require.NoError(t, err)
	return names
}
