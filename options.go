package offline

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/infracollect/offline-worker/cache"
	"github.com/infracollect/offline-worker/clients"
	"github.com/infracollect/offline-worker/network"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Worker.
type Option func(*Worker) error

// WithLogger sets a custom logger for the worker.
// If not set, logging is disabled (logr.Discard() is used).
func WithLogger(logger logr.Logger) Option {
	return func(w *Worker) error {
		w.logger = logger
		return nil
	}
}

// WithStorage sets the cache storage.
// If not set, an in-memory storage is used.
func WithStorage(s cache.Storage) Option {
	return func(w *Worker) error {
		w.storage = s
		return nil
	}
}

// WithCacheDir sets the filesystem cache directory.
func WithCacheDir(dir string) Option {
	return func(w *Worker) error {
		w.storage = cache.NewFilesystemStorage(dir)
		return nil
	}
}

// WithFetcher sets a custom network implementation.
func WithFetcher(f network.Fetcher) Option {
	return func(w *Worker) error {
		w.fetcher = f
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client for the default fetcher.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) error {
		w.fetcher = network.NewHTTPFetcher(client)
		return nil
	}
}

// WithClients sets the client set the worker broadcasts to and claims.
// A Registration replaces it with its own registry.
func WithClients(s clients.Set) Option {
	return func(w *Worker) error {
		w.clients = s
		return nil
	}
}

// WithMetrics sets the Prometheus collectors the worker records to.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) error {
		w.metrics = m
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(w *Worker) error {
		w.tracer = tp.Tracer(tracerName)
		return nil
	}
}
