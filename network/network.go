package network

import (
	"context"
	"fmt"
	"net/http"
)

// Fetcher performs network requests on behalf of the worker.
type Fetcher interface {
	// Fetch sends req and returns the response.
	// A non-nil error means the network failed; an HTTP error status is not an error.
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPFetcher implements Fetcher with an *http.Client.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a new HTTPFetcher with the given HTTP client.
// If client is nil, http.DefaultClient is used.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client}
}

// Fetch sends a copy of req bound to ctx.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	return resp, nil
}

// OK reports whether resp has a successful (2xx) status.
func OK(resp *http.Response) bool {
	return resp != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// NewGetRequest builds a GET request for rawURL.
func NewGetRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}
