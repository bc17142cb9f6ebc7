// Package offline implements an offline cache worker: it pre-warms a versioned
// cache generation on install, garbage-collects stale generations on activate
// and answers intercepted requests cache-first with background revalidation.
package offline

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/go-logr/logr"
	"github.com/infracollect/offline-worker/cache"
	"github.com/infracollect/offline-worker/clients"
	"github.com/infracollect/offline-worker/network"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/infracollect/offline-worker"

// State is the lifecycle state of a Worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Worker owns one cache generation and handles the events dispatched to it.
type Worker struct {
	cfg        Config
	scope      *url.URL
	generation Generation

	storage cache.Storage
	fetcher network.Fetcher
	clients clients.Set
	metrics *Metrics
	tracer  trace.Tracer
	logger  logr.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	host        *Registration
}

// New creates a Worker for cfg with the given options.
// If no options are provided, it uses default settings:
// - In-memory cache storage
// - Network access through http.DefaultClient
// - A private client registry
func New(cfg Config, opts ...Option) (*Worker, error) {
	scope, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	w := &Worker{
		cfg:        cfg,
		scope:      scope,
		generation: cfg.Generation(),
		logger:     logr.Discard(),
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}

	if w.storage == nil {
		w.storage = cache.NewMemoryStorage()
	}
	if w.fetcher == nil {
		w.fetcher = network.NewHTTPFetcher(nil)
	}
	if w.clients == nil {
		w.clients = clients.NewRegistry(0)
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	w.logger = w.logger.WithValues("generation", w.generation.String())

	return w, nil
}

// Generation returns the cache generation this worker owns.
func (w *Worker) Generation() Generation {
	return w.generation
}

// Config returns the worker's configuration with defaults applied.
func (w *Worker) Config() Config {
	cfg := w.cfg
	cfg.Precache = append([]string(nil), w.cfg.Precache...)
	return cfg
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// transition moves the worker from one state to the next, failing if it is elsewhere.
func (w *Worker) transition(op string, from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return &ErrInvalidState{Op: op, State: w.state}
	}
	w.state = to
	return nil
}

// SkippedWaiting reports whether the worker asked to skip the waiting phase.
func (w *Worker) SkippedWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// SkipWaiting marks the worker to activate as soon as it is installed,
// even while a previous worker still controls clients. A worker already
// waiting in a Registration is activated before SkipWaiting returns.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipWaiting = true
	host := w.host
	w.mu.Unlock()

	w.logger.V(1).Info("skip waiting")
	if host == nil {
		return nil
	}
	return host.skipWaiting(ctx, w)
}

func (w *Worker) attach(r *Registration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.host = r
	w.clients = r.clients
}

// Install opens the worker's cache generation and stores every precache URL.
// The outcome is reported by ev.Wait: nil on success, *ErrInstallFailed otherwise.
func (w *Worker) Install(ev *ExtendableEvent) {
	if err := w.transition("install", StateParsed, StateInstalling); err != nil {
		ev.WaitUntil(func(context.Context) error { return err })
		return
	}
	ev.WaitUntil(w.install)
}

func (w *Worker) install(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "offline.install", trace.WithAttributes(
		attribute.String("offline.generation", w.generation.String()),
		attribute.Int("offline.precache.count", len(w.cfg.Precache)),
	))
	defer span.End()

	w.logger.Info("installing", "precache", len(w.cfg.Precache))

	err := w.precache(ctx)
	w.metrics.transition("install", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.setState(StateRedundant)
		w.logger.Error(err, "install failed")
		return &ErrInstallFailed{Generation: w.generation, Err: err}
	}

	w.setState(StateInstalled)
	w.logger.Info("installed")

	if !w.cfg.DisableAutoSkipWaiting {
		return w.SkipWaiting(ctx)
	}
	return nil
}

// precache fetches the precache set and stores it in one batch.
// A store created by a failed attempt is removed again.
func (w *Worker) precache(ctx context.Context) error {
	name := w.generation.String()

	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check cache %s: %w", name, err)
	}
	store, err := w.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	entries, err := w.fetchPrecache(ctx)
	if err == nil {
		if err = store.PutAll(ctx, entries); err != nil {
			err = fmt.Errorf("failed to store precache: %w", err)
		}
	}
	if err != nil && !existed {
		if _, derr := w.storage.Delete(ctx, name); derr != nil {
			w.logger.Error(derr, "failed to discard cache of failed install")
		}
	}
	return err
}

func (w *Worker) fetchPrecache(ctx context.Context) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(w.cfg.Precache))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range w.cfg.Precache {
		g.Go(func() error {
			entry, err := w.fetchEntry(gctx, ref)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) fetchEntry(ctx context.Context, ref string) (*cache.Entry, error) {
	rawURL, err := resolve(w.scope, ref)
	if err != nil {
		return nil, &ErrPrecacheFailed{URL: ref, Err: err}
	}
	req, err := network.NewGetRequest(ctx, rawURL)
	if err != nil {
		return nil, &ErrPrecacheFailed{URL: rawURL, Err: err}
	}

	w.logger.V(1).Info("precaching", "url", rawURL)
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &ErrPrecacheFailed{URL: rawURL, Err: err}
	}
	if !network.OK(resp) {
		resp.Body.Close()
		return nil, &ErrPrecacheFailed{URL: rawURL, Status: resp.StatusCode}
	}

	entry, err := cache.NewEntry(cache.KeyFromRequest(req), resp)
	if err != nil {
		return nil, &ErrPrecacheFailed{URL: rawURL, Err: err}
	}
	return entry, nil
}

// Activate deletes every cache generation other than the worker's own and
// claims all connected clients. Deletions are independent: failures are
// logged and do not fail activation.
func (w *Worker) Activate(ev *ExtendableEvent) {
	if err := w.transition("activate", StateInstalled, StateActivating); err != nil {
		ev.WaitUntil(func(context.Context) error { return err })
		return
	}
	ev.WaitUntil(w.activate)
}

func (w *Worker) activate(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "offline.activate", trace.WithAttributes(
		attribute.String("offline.generation", w.generation.String()),
	))
	defer span.End()

	w.logger.Info("activating")

	err := w.deleteStale(ctx)
	if err != nil {
		span.RecordError(err)
		w.logger.Error(err, "stale cache cleanup incomplete")
	}

	if err := w.claim(ctx); err != nil {
		span.RecordError(err)
		w.logger.Error(err, "failed to claim clients")
	}

	w.metrics.transition("activate", nil)
	w.setState(StateActivated)
	w.logger.Info("activated")
	return nil
}

func (w *Worker) deleteStale(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list caches: %w", err)
	}

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for _, name := range names {
		if name == w.generation.String() {
			continue
		}
		g.Go(func() error {
			if _, err := w.storage.Delete(ctx, name); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
				return nil
			}
			w.metrics.generationsDeleted.Inc()
			w.logger.Info("deleted stale cache", "cache", name)
			return nil
		})
	}
	g.Wait()

	if len(failures) > 0 {
		return &ErrCleanupFailed{Failures: failures}
	}
	return nil
}

func (w *Worker) claim(ctx context.Context) error {
	return w.clientSet().Claim(ctx, w.generation.String())
}

func (w *Worker) clientSet() clients.Set {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.clients
}
