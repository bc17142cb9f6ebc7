// Package clients tracks connected foreground pages and delivers messages to them.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMailboxSize is the number of undelivered messages an endpoint buffers.
const DefaultMailboxSize = 16

var (
	// ErrClientGone is returned when posting to a disconnected client.
	ErrClientGone = errors.New("client disconnected")
	// ErrMailboxFull is returned when a client is not draining its messages.
	ErrMailboxFull = errors.New("client mailbox full")
)

// Client is a message target.
type Client interface {
	ID() string
	URL() string
	// PostMessage queues msg for delivery without waiting for it to be read.
	PostMessage(ctx context.Context, msg *structpb.Struct) error
}

// Set is the view of connected clients a worker needs.
type Set interface {
	// MatchAll returns the clients controlled by controller, or all clients
	// when controller is empty.
	MatchAll(ctx context.Context, controller string) ([]Client, error)

	// Claim makes controller the controller of every connected client.
	Claim(ctx context.Context, controller string) error
}

// NewMessage returns the message {"type": typ}.
func NewMessage(typ string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(typ),
	}}
}

// Registry is an in-memory Set of connected endpoints.
type Registry struct {
	mailbox int

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRegistry creates a registry whose endpoints buffer mailboxSize messages.
// A non-positive size selects DefaultMailboxSize.
func NewRegistry(mailboxSize int) *Registry {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Registry{
		mailbox:   mailboxSize,
		endpoints: make(map[string]*Endpoint),
	}
}

// Connect registers a new client at url controlled by controller ("" for none).
func (r *Registry) Connect(url, controller string) *Endpoint {
	e := &Endpoint{
		id:         uuid.NewString(),
		url:        url,
		controller: controller,
		messages:   make(chan *structpb.Struct, r.mailbox),
	}

	r.mu.Lock()
	r.endpoints[e.id] = e
	r.mu.Unlock()
	return e
}

// Disconnect removes the client and closes its message channel.
// It reports whether the client was connected.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	delete(r.endpoints, id)
	r.mu.Unlock()

	if ok {
		e.close()
	}
	return ok
}

// Get returns the endpoint with the given id.
func (r *Registry) Get(id string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	return e, ok
}

// Controlled returns the number of clients controlled by controller.
func (r *Registry) Controlled(controller string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.endpoints {
		if e.Controller() == controller {
			n++
		}
	}
	return n
}

// MatchAll returns the clients controlled by controller sorted by id.
// An empty controller matches every client.
func (r *Registry) MatchAll(ctx context.Context, controller string) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		if controller == "" || e.Controller() == controller {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	out := make([]Client, len(matched))
	for i, e := range matched {
		out[i] = e
	}
	return out, nil
}

// Claim makes controller the controller of every connected client.
func (r *Registry) Claim(ctx context.Context, controller string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.endpoints {
		e.setController(controller)
	}
	return nil
}

// Endpoint is one connected client.
type Endpoint struct {
	id  string
	url string

	mu         sync.Mutex
	controller string
	closed     bool
	messages   chan *structpb.Struct
}

// ID returns the client id.
func (e *Endpoint) ID() string { return e.id }

// URL returns the page URL the client connected from.
func (e *Endpoint) URL() string { return e.url }

// Controller returns the generation controlling this client, if any.
func (e *Endpoint) Controller() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controller
}

func (e *Endpoint) setController(controller string) {
	e.mu.Lock()
	e.controller = controller
	e.mu.Unlock()
}

// Messages returns the channel messages are delivered on.
// It is closed when the client disconnects.
func (e *Endpoint) Messages() <-chan *structpb.Struct {
	return e.messages
}

// PostMessage queues msg in the client mailbox without blocking.
func (e *Endpoint) PostMessage(ctx context.Context, msg *structpb.Struct) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClientGone
	}
	select {
	case e.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (e *Endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.messages)
	}
}
