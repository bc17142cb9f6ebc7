package offline

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/infracollect/offline-worker/clients"
	"google.golang.org/protobuf/types/known/structpb"
)

// Registration hosts the successive workers of one scope. It runs install
// before activate, keeps an installed worker waiting while its predecessor
// still controls clients, and routes events to the right worker.
//
// It is not an event loop: callers drive it from their own goroutines.
type Registration struct {
	clients *clients.Registry
	logger  logr.Logger

	// mu serializes activations.
	mu      sync.Mutex
	active  *Worker
	waiting *Worker
}

// NewRegistration creates a registration whose workers share registry.
// A nil registry creates a private one.
func NewRegistration(registry *clients.Registry, logger logr.Logger) *Registration {
	if registry == nil {
		registry = clients.NewRegistry(0)
	}
	return &Registration{
		clients: registry,
		logger:  logger,
	}
}

// Clients returns the registry of connected clients.
func (r *Registration) Clients() *clients.Registry {
	return r.clients
}

// Controller returns the active worker, or nil.
func (r *Registration) Controller() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Register installs w and then either activates it or parks it as waiting.
// It activates at once when w skipped waiting, when nothing is active yet or
// when the active worker controls no clients. A worker for the generation that
// is already active is not installed again.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	if r.active != nil && r.active.Generation() == w.Generation() {
		r.mu.Unlock()
		w.setState(StateRedundant)
		r.logger.V(1).Info("generation already active", "generation", w.Generation().String())
		return nil
	}
	r.mu.Unlock()

	w.attach(r)

	ev := NewExtendableEvent(ctx)
	w.Install(ev)
	if err := ev.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w.SkippedWaiting() || r.active == nil || r.clients.Controlled(r.active.Generation().String()) == 0 {
		return r.activate(ctx, w)
	}

	if r.waiting != nil && r.waiting != w {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	r.logger.Info("worker waiting", "generation", w.Generation().String(), "controller", r.active.Generation().String())
	return nil
}

// activate runs w's activate handler and makes it the controller.
// r.mu must be held.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	ev := NewExtendableEvent(ctx)
	w.Activate(ev)
	if err := ev.Wait(); err != nil {
		return err
	}

	old := r.active
	r.active = w
	if r.waiting != nil && r.waiting != w {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = nil
	if old != nil && old != w {
		old.setState(StateRedundant)
	}

	r.logger.Info("controller changed", "generation", w.Generation().String())
	return nil
}

func (r *Registration) skipWaiting(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting != w {
		return nil
	}
	return r.activate(ctx, w)
}

// Connect registers a client at url, controlled by the active worker if any.
func (r *Registration) Connect(url string) *clients.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	controller := ""
	if r.active != nil {
		controller = r.active.Generation().String()
	}
	return r.clients.Connect(url, controller)
}

// Disconnect removes a client. When the active worker is left with no
// clients, a waiting worker is activated.
func (r *Registration) Disconnect(ctx context.Context, id string) error {
	if !r.clients.Disconnect(id) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return nil
	}
	if r.active != nil && r.clients.Controlled(r.active.Generation().String()) > 0 {
		return nil
	}
	return r.activate(ctx, r.waiting)
}

// Fetch dispatches ev to the controller.
// It returns false when there is none or the controller does not intercept.
func (r *Registration) Fetch(ev *FetchEvent) (*http.Response, bool) {
	w := r.Controller()
	if w == nil {
		return nil, false
	}
	return w.Fetch(ev)
}

// Sync dispatches a sync event for tag to the controller and waits for it.
func (r *Registration) Sync(ctx context.Context, tag string) error {
	w := r.Controller()
	if w == nil {
		return ErrNoController
	}
	ev := NewSyncEvent(ctx, tag)
	w.Sync(ev)
	return ev.Wait()
}

// Message dispatches a client message and waits for it. It goes to the
// waiting worker when there is one, since that is the worker a skip-waiting
// message is meant for, and to the controller otherwise.
func (r *Registration) Message(ctx context.Context, data *structpb.Value, source string) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		w = r.active
	}
	r.mu.Unlock()

	if w == nil {
		return ErrNoController
	}
	ev := NewMessageEvent(ctx, data, source)
	w.Message(ev)
	return ev.Wait()
}
