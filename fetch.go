package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/infracollect/offline-worker/cache"
	"github.com/infracollect/offline-worker/network"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const offlineBody = "Offline"

// Fetch answers an intercepted request cache-first.
//
// It returns false when the request is not intercepted: the worker is not
// activated, the method is not GET or the URL is not http(s). The caller then
// sends the request on untouched. Otherwise it returns exactly one response;
// background work (revalidation, storing a fresh copy) is registered on ev and
// never delays it.
func (w *Worker) Fetch(ev *FetchEvent) (*http.Response, bool) {
	if !w.intercepts(ev.Request) {
		w.metrics.fetch(outcomeBypass)
		return nil, false
	}

	ctx, span := w.tracer.Start(ev.Context(), "offline.fetch", trace.WithAttributes(
		attribute.String("http.request.method", ev.Request.Method),
		attribute.String("url.full", ev.Request.URL.String()),
		attribute.String("offline.fetch.mode", string(ev.Mode)),
	))
	defer span.End()

	resp, outcome := w.respond(ctx, ev)
	span.SetAttributes(
		attribute.String("offline.fetch.outcome", outcome),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)
	w.metrics.fetch(outcome)
	return resp, true
}

func (w *Worker) intercepts(req *http.Request) bool {
	return w.State() == StateActivated &&
		req.Method == http.MethodGet &&
		req.URL != nil && isNetworkScheme(req.URL.Scheme)
}

func (w *Worker) respond(ctx context.Context, ev *FetchEvent) (*http.Response, string) {
	req := ev.Request
	key := cache.KeyFromRequest(req)

	store, err := w.storage.Open(ctx, w.generation.String())
	if err != nil {
		w.logger.Error(err, "failed to open cache, using network only")
		store = nil
	}

	if store != nil {
		entry, err := store.Match(ctx, key)
		if err != nil {
			w.logger.Error(err, "cache lookup failed", "url", key.URL)
		}
		if entry != nil {
			ev.WaitUntil(func(ctx context.Context) error {
				w.revalidate(ctx, store, req)
				return nil
			})
			return entry.Response(req), outcomeCacheHit
		}
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return w.fallback(ctx, ev, store, err)
	}
	if !network.OK(resp) {
		return resp, outcomeNetworkNotOK
	}
	if resp.StatusCode == http.StatusPartialContent {
		return resp, outcomeNetworkPartial
	}

	// The body can be read only once: snapshot it, persist one copy and
	// answer with another.
	entry, err := cache.NewEntry(key, resp)
	if err != nil {
		return w.fallback(ctx, ev, store, err)
	}
	if store != nil {
		ev.WaitUntil(func(ctx context.Context) error {
			w.put(ctx, store, entry)
			return nil
		})
	}
	return entry.Response(req), outcomeNetwork
}

// revalidate refreshes a cached entry from the network.
// Failures leave the cached copy in place and are not retried.
func (w *Worker) revalidate(ctx context.Context, store cache.Cache, req *http.Request) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.metrics.revalidation(revalidationFailed)
		w.logger.V(1).Info("revalidation failed", "url", req.URL.String(), "error", err.Error())
		return
	}
	if !network.OK(resp) || resp.StatusCode == http.StatusPartialContent {
		resp.Body.Close()
		w.metrics.revalidation(revalidationRejected)
		w.logger.V(1).Info("revalidation rejected", "url", req.URL.String(), "status", resp.StatusCode)
		return
	}

	entry, err := cache.NewEntry(cache.KeyFromRequest(req), resp)
	if err != nil {
		w.metrics.revalidation(revalidationFailed)
		w.logger.V(1).Info("revalidation failed", "url", req.URL.String(), "error", err.Error())
		return
	}
	if w.put(ctx, store, entry) {
		w.metrics.revalidation(revalidationUpdated)
	}
}

// put stores entry unless the worker lost control in the meantime, so a
// superseded generation is never written after its cache was deleted.
func (w *Worker) put(ctx context.Context, store cache.Cache, entry *cache.Entry) bool {
	if w.State() != StateActivated {
		return false
	}
	err := store.Put(ctx, entry)
	if errors.Is(err, cache.ErrStoreDeleted) {
		w.logger.V(1).Info("cache deleted, dropping response", "url", entry.Key.URL)
		return false
	}
	if err != nil {
		w.logger.Error(err, "failed to store response", "url", entry.Key.URL)
		return false
	}
	return true
}

// fallback answers a request the network could not serve: navigations get the
// cached offline document when there is one, everything else a 503.
func (w *Worker) fallback(ctx context.Context, ev *FetchEvent, store cache.Cache, cause error) (*http.Response, string) {
	w.logger.V(1).Info("network unavailable", "url", ev.Request.URL.String(), "error", cause.Error())

	if ev.IsNavigation() && store != nil {
		if entry := w.offlineEntry(ctx, store); entry != nil {
			return entry.Response(ev.Request), outcomeNavigationFallback
		}
	}
	return offlineResponse(ev.Request), outcomeOffline
}

func (w *Worker) offlineEntry(ctx context.Context, store cache.Cache) *cache.Entry {
	rawURL, err := resolve(w.scope, w.cfg.OfflineURL)
	if err != nil {
		return nil
	}
	entry, err := store.Match(ctx, cache.NewKey(http.MethodGet, rawURL))
	if err != nil {
		w.logger.Error(err, "offline document lookup failed", "url", rawURL)
		return nil
	}
	return entry
}

func offlineResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "503 " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
		},
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}
