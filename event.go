package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// ExtendableEvent is the context handed to every worker handler.
// Handlers extend the event's lifetime with WaitUntil; the host calls Wait
// and must keep the worker alive until it returns.
type ExtendableEvent struct {
	ctx context.Context

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewExtendableEvent creates an event bound to ctx.
func NewExtendableEvent(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx}
}

// Context returns the context the event was dispatched with.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil runs task on its own goroutine and extends the event until it finishes.
// The task context keeps the event's values but is not cancelled with it, so a
// task outlives the request that triggered it.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	ctx := context.WithoutCancel(e.ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := task(ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until every task registered with WaitUntil has finished
// and returns their joined errors.
func (e *ExtendableEvent) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// RequestMode mirrors the Sec-Fetch-Mode request header.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// FetchEvent is dispatched for every outgoing request of a controlled page.
type FetchEvent struct {
	*ExtendableEvent
	Request  *http.Request
	Mode     RequestMode
	ClientID string
}

// NewFetchEvent creates a fetch event for req, taking the mode from Sec-Fetch-Mode.
func NewFetchEvent(req *http.Request) *FetchEvent {
	mode := RequestMode(req.Header.Get("Sec-Fetch-Mode"))
	if mode == "" {
		mode = ModeNoCORS
	}
	return &FetchEvent{
		ExtendableEvent: NewExtendableEvent(req.Context()),
		Request:         req,
		Mode:            mode,
	}
}

// IsNavigation reports whether the request loads a top-level document.
func (e *FetchEvent) IsNavigation() bool {
	return e.Mode == ModeNavigate
}

// SyncEvent is dispatched when a background synchronization fires.
type SyncEvent struct {
	*ExtendableEvent
	Tag string
}

// NewSyncEvent creates a sync event for tag.
func NewSyncEvent(ctx context.Context, tag string) *SyncEvent {
	return &SyncEvent{ExtendableEvent: NewExtendableEvent(ctx), Tag: tag}
}

// MessageEvent carries a message posted by a client.
type MessageEvent struct {
	*ExtendableEvent
	Data   *structpb.Value
	Source string // client id, may be empty
}

// NewMessageEvent creates a message event.
func NewMessageEvent(ctx context.Context, data *structpb.Value, source string) *MessageEvent {
	return &MessageEvent{ExtendableEvent: NewExtendableEvent(ctx), Data: data, Source: source}
}
