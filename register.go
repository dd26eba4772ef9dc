package offlinecache

import (
	"context"
	"net/http"

	"github.com/always-cache/offline-cache/pkg/lifecycle"
)

// NewWorker creates a worker for the manager's version with the manager's
// methods bound to the install, activate and fetch events.
func NewWorker(m *Manager) *lifecycle.Worker {
	w := lifecycle.NewWorker(m.Version())
	Register(w, m)
	return w
}

// Register binds the manager to the worker's lifecycle events.
//
// Install caches the static assets and then skips waiting, so the new version
// takes over as soon as it is activated. Activate prunes stale partitions and
// then claims control of all requests. Fetch responds to same-origin requests
// only.
func Register(w *lifecycle.Worker, m *Manager) {
	w.OnInstall(func(e *lifecycle.InstallEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			if err := m.Install(ctx); err != nil {
				return err
			}
			e.SkipWaiting()
			return nil
		})
	})
	w.OnActivate(func(e *lifecycle.ActivateEvent) {
		e.WaitUntil(func(ctx context.Context) error {
			if err := m.Activate(ctx); err != nil {
				return err
			}
			e.Claim()
			return nil
		})
	})
	w.OnFetch(func(e *lifecycle.FetchEvent) {
		if !m.Intercepts(e.Request) {
			return
		}
		e.RespondWith(func(ctx context.Context) (*http.Response, error) {
			return m.Fetch(ctx, e.Request)
		})
	})
}
