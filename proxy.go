package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	hopbyhop "github.com/always-cache/offline-cache/pkg/hop-by-hop"
	"github.com/always-cache/offline-cache/pkg/lifecycle"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminPrefix is the path prefix of the proxy's own endpoints.
const AdminPrefix = "/-/offline-cache"

// Proxy is an http.Handler that turns every request into a fetch event on
// its runtime. Deployed managers handle the events.
type Proxy struct {
	runtime *lifecycle.Runtime
	router  chi.Router
	log     zerolog.Logger

	mutex    sync.RWMutex
	managers map[*lifecycle.Worker]*Manager
}

// NewProxy creates a proxy. Requests no worker responds to are sent to network.
// The global zerolog logger is used if logger is nil.
func NewProxy(network Network, logger *zerolog.Logger) *Proxy {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	p := &Proxy{
		runtime:  lifecycle.NewRuntime(network, &l),
		log:      l,
		managers: make(map[*lifecycle.Worker]*Manager),
	}

	r := chi.NewRouter()
	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", p.serveStatus)
		r.Get("/caches", p.serveCaches)
	})
	r.HandleFunc("/*", p.serveFetch)
	p.router = r
	return p
}

// Deploy installs and activates the manager's version.
// If install fails, the previously deployed version keeps serving.
func (p *Proxy) Deploy(ctx context.Context, m *Manager) error {
	w := NewWorker(m)
	p.mutex.Lock()
	p.managers[w] = m
	p.mutex.Unlock()

	err := p.runtime.Update(ctx, w)

	// forget workers that will never serve again
	p.mutex.Lock()
	for worker := range p.managers {
		if worker.State() == lifecycle.StateRedundant {
			delete(p.managers, worker)
		}
	}
	p.mutex.Unlock()
	return err
}

// Runtime returns the runtime the proxy dispatches to.
func (p *Proxy) Runtime() *lifecycle.Runtime {
	return p.runtime
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Proxy) serveFetch(w http.ResponseWriter, r *http.Request) {
	res, err := p.runtime.Fetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			p.log.Debug().Str("url", r.URL.String()).Msg("Client went away")
			return
		}
		p.log.Error().Err(err).Str("method", r.Method).Str("url", r.URL.String()).Msg("Could not get response")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	hopbyhop.Remove(res.Header)
	copyHeader(w.Header(), res.Header)
	if w.Header().Get(CacheStatusHeader) == "" {
		cs := CacheStatus{}
		cs.Forward(FwdReasonBypass)
		w.Header().Set(CacheStatusHeader, cs.String())
	}
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		p.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// activeManager returns the manager of the active worker, or nil.
func (p *Proxy) activeManager() (*lifecycle.Worker, *Manager) {
	active := p.runtime.Active()
	if active == nil {
		return nil, nil
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return active, p.managers[active]
}

type runtimeStatus struct {
	Active     string  `json:"active,omitempty"`
	State      string  `json:"state,omitempty"`
	Controller string  `json:"controller,omitempty"`
	Waiting    string  `json:"waiting,omitempty"`
	Cache      *Status `json:"cache,omitempty"`
}

func (p *Proxy) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := runtimeStatus{}
	if c := p.runtime.Controller(); c != nil {
		status.Controller = c.Version
	}
	if waiting := p.runtime.Waiting(); waiting != nil {
		status.Waiting = waiting.Version
	}
	if active, m := p.activeManager(); active != nil {
		status.Active = active.Version
		status.State = string(active.State())
		if m != nil {
			cacheStatus, err := m.Status(r.Context())
			if err != nil {
				p.log.Error().Err(err).Msg("Could not get cache status")
				http.Error(w, "Could not get cache status", http.StatusInternalServerError)
				return
			}
			status.Cache = &cacheStatus
		}
	}
	writeJSON(w, status)
}

func (p *Proxy) serveCaches(w http.ResponseWriter, r *http.Request) {
	_, m := p.activeManager()
	if m == nil {
		http.Error(w, "No active version", http.StatusServiceUnavailable)
		return
	}
	cacheStatus, err := m.Status(r.Context())
	if err != nil {
		p.log.Error().Err(err).Msg("Could not get cache status")
		http.Error(w, "Could not get cache status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, cacheStatus.Partitions)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
