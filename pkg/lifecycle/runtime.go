package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	ErrInstall  = errors.New("install failed")
	ErrActivate = errors.New("activate failed")
)

// Doer sends requests to the network.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker is one deployed version with its event handlers.
type Worker struct {
	Version string

	mutex    sync.RWMutex
	state    State
	install  []func(*InstallEvent)
	activate []func(*ActivateEvent)
	fetch    []func(*FetchEvent)
}

func NewWorker(version string) *Worker {
	return &Worker{Version: version, state: StateParsed}
}

func (w *Worker) OnInstall(fn func(*InstallEvent)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.install = append(w.install, fn)
}

func (w *Worker) OnActivate(fn func(*ActivateEvent)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.activate = append(w.activate, fn)
}

func (w *Worker) OnFetch(fn func(*FetchEvent)) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.fetch = append(w.fetch, fn)
}

func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = s
}

func (w *Worker) dispatchInstall(e *InstallEvent) {
	w.mutex.RLock()
	handlers := w.install
	w.mutex.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (w *Worker) dispatchActivate(e *ActivateEvent) {
	w.mutex.RLock()
	handlers := w.activate
	w.mutex.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (w *Worker) dispatchFetch(e *FetchEvent) {
	w.mutex.RLock()
	handlers := w.fetch
	w.mutex.RUnlock()
	for _, fn := range handlers {
		fn(e)
	}
}

// Runtime hosts workers: it drives their install and activate phases and
// dispatches fetch events to the worker in control.
type Runtime struct {
	network Doer
	log     zerolog.Logger

	// serializes Update and ActivateWaiting
	updateMutex sync.Mutex

	mutex      sync.RWMutex
	active     *Worker
	waiting    *Worker
	controller *Worker
}

// NewRuntime creates a runtime. Requests no worker responds to are sent to network.
// The global zerolog logger is used if logger is nil.
func NewRuntime(network Doer, logger *zerolog.Logger) *Runtime {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Runtime{
		network: network,
		log:     l.With().Str("component", "runtime").Logger(),
	}
}

// Update installs w and, unless it has to wait for the active worker,
// activates it. On install failure w becomes redundant and the previously
// active worker stays in control.
func (rt *Runtime) Update(ctx context.Context, w *Worker) error {
	rt.updateMutex.Lock()
	defer rt.updateMutex.Unlock()

	log := rt.log.With().Str("version", w.Version).Logger()
	log.Info().Msg("Installing worker")
	w.setState(StateInstalling)
	ie := &InstallEvent{}
	w.dispatchInstall(ie)
	if err := ie.wait(ctx); err != nil {
		w.setState(StateRedundant)
		log.Error().Err(err).Msg("Install failed, keeping current worker")
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	w.setState(StateInstalled)

	rt.mutex.Lock()
	// a newer install always replaces the waiting worker
	if rt.waiting != nil && rt.waiting != w {
		rt.waiting.setState(StateRedundant)
		log.Info().Str("waiting", rt.waiting.Version).Msg("Discarding waiting worker")
		rt.waiting = nil
	}
	if rt.active != nil && !ie.skipsWaiting() {
		rt.waiting = w
		rt.mutex.Unlock()
		log.Info().Str("active", rt.active.Version).Msg("Worker installed, waiting for active worker to be released")
		return nil
	}
	rt.mutex.Unlock()

	return rt.activate(ctx, w)
}

// ActivateWaiting activates the waiting worker, if any.
func (rt *Runtime) ActivateWaiting(ctx context.Context) error {
	rt.updateMutex.Lock()
	defer rt.updateMutex.Unlock()
	rt.mutex.Lock()
	w := rt.waiting
	rt.waiting = nil
	rt.mutex.Unlock()
	if w == nil {
		return nil
	}
	return rt.activate(ctx, w)
}

func (rt *Runtime) activate(ctx context.Context, w *Worker) error {
	log := rt.log.With().Str("version", w.Version).Logger()
	log.Info().Msg("Activating worker")
	w.setState(StateActivating)
	ae := &ActivateEvent{}
	w.dispatchActivate(ae)
	if err := ae.wait(ctx); err != nil {
		w.setState(StateRedundant)
		log.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("%w: %w", ErrActivate, err)
	}

	rt.mutex.Lock()
	previous := rt.active
	rt.active = w
	if rt.waiting == w {
		rt.waiting = nil
	}
	if ae.claims() {
		rt.controller = w
	}
	rt.mutex.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}
	w.setState(StateActivated)
	log.Info().Bool("claimed", ae.claims()).Msg("Worker activated")
	return nil
}

// Active returns the active worker, or nil.
func (rt *Runtime) Active() *Worker {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return rt.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (rt *Runtime) Waiting() *Worker {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return rt.waiting
}

// Controller returns the worker fetch events are dispatched to, or nil.
func (rt *Runtime) Controller() *Worker {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return rt.controller
}

// Fetch dispatches a fetch event for r. Without a controlling worker, or if
// no handler responds, r is sent to the network.
// A navigation request hands control to the active worker if it has not
// claimed control itself.
func (rt *Runtime) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	rt.mutex.Lock()
	if rt.active != nil && rt.controller != rt.active && IsNavigation(r) {
		rt.controller = rt.active
		rt.log.Debug().Str("version", rt.active.Version).Msg("Navigation, active worker takes control")
	}
	controller := rt.controller
	rt.mutex.Unlock()

	if controller == nil {
		return rt.network.Do(r.WithContext(ctx))
	}

	fe := &FetchEvent{Request: r}
	controller.dispatchFetch(fe)
	responder := fe.response()
	if responder == nil {
		go rt.finish(ctx, fe)
		return rt.network.Do(r.WithContext(ctx))
	}
	res, err := responder(ctx)
	go rt.finish(ctx, fe)
	return res, err
}

// finish waits for work the fetch handlers extended the event with.
// It outlives the request.
func (rt *Runtime) finish(ctx context.Context, fe *FetchEvent) {
	if err := fe.wait(context.WithoutCancel(ctx)); err != nil {
		rt.log.Warn().Err(err).Str("url", fe.Request.URL.String()).Msg("Fetch event extension failed")
	}
}

// IsNavigation reports whether r loads a document.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && AcceptsHTML(r)
}

// AcceptsHTML reports whether the request's Accept header includes text/html.
func AcceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
