package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Event names handlers are registered for.
const (
	EventInstall  = "install"
	EventActivate = "activate"
	EventFetch    = "fetch"
)

var (
	// ErrAlreadyResponded is returned by RespondWith when a response was already provided.
	ErrAlreadyResponded = errors.New("fetch event already responded to")
	// ErrDispatched is returned when an event is extended after its handlers returned
	// and its pending work started.
	ErrDispatched = errors.New("event is no longer dispatching")
)

// ExtendableEvent is embedded in all lifecycle events.
// Work passed to WaitUntil extends the event: the phase it belongs to is not
// complete until all such work has returned.
type ExtendableEvent struct {
	mutex   sync.Mutex
	pending []func(ctx context.Context) error
	sealed  bool
}

// WaitUntil extends the lifetime of the event until fn returns.
// A non-nil error from fn fails the event.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.sealed {
		return ErrDispatched
	}
	e.pending = append(e.pending, fn)
	return nil
}

// wait runs all extensions concurrently and returns the first error.
func (e *ExtendableEvent) wait(ctx context.Context) error {
	e.mutex.Lock()
	e.sealed = true
	pending := e.pending
	e.mutex.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range pending {
		fn := fn
		g.Go(func() error {
			return fn(gctx)
		})
	}
	return g.Wait()
}

// InstallEvent is dispatched once per worker version.
type InstallEvent struct {
	ExtendableEvent
	skipWaiting bool
}

// SkipWaiting lets the worker activate as soon as it is installed, even if
// another worker is still active.
func (e *InstallEvent) SkipWaiting() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.skipWaiting = true
}

func (e *InstallEvent) skipsWaiting() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.skipWaiting
}

// ActivateEvent is dispatched when a worker becomes the active worker.
type ActivateEvent struct {
	ExtendableEvent
	claim bool
}

// Claim makes the activating worker control fetches immediately rather than
// from the next navigation on.
func (e *ActivateEvent) Claim() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.claim = true
}

func (e *ActivateEvent) claims() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.claim
}

// Responder produces the response for a fetch event.
type Responder func(ctx context.Context) (*http.Response, error)

// FetchEvent is dispatched for every request while a worker is in control.
type FetchEvent struct {
	ExtendableEvent
	Request   *http.Request
	responder Responder
}

// RespondWith takes over the request. If no handler responds, the request
// goes to the network untouched.
func (e *FetchEvent) RespondWith(fn Responder) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.responder != nil {
		return ErrAlreadyResponded
	}
	e.responder = fn
	return nil
}

func (e *FetchEvent) response() Responder {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.responder
}
