// Package v1 provides the admin REST handlers over the domain managers.
package v1

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/chanstate/internal/api/common"
	"github.com/stacklok/chanstate/internal/boards"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/posthides"
)

// Managers are the domain managers served by the API.
type Managers struct {
	Bookmarks *bookmarks.Manager
	Boards    *boards.Manager
	PostHides *posthides.Manager
}

// CheckReadiness returns an error naming the first manager that is not ready.
func (m Managers) CheckReadiness(_ context.Context) error {
	for _, s := range []interface {
		Name() string
		IsReady() bool
	}{m.Bookmarks, m.Boards, m.PostHides} {
		if !s.IsReady() {
			return fmt.Errorf("%s manager is not ready", s.Name())
		}
	}
	return nil
}

// Routes holds the handlers of the v1 API.
type Routes struct {
	managers Managers

	// streamsDone ends every open event stream when closed.
	streamsDone <-chan struct{}
}

// RouterOption configures Router
type RouterOption func(*Routes)

// WithStreamsDone ends open event streams once done is closed. Graceful server
// shutdown waits for active requests, so streams must be told to stop.
func WithStreamsDone(done <-chan struct{}) RouterOption {
	return func(rr *Routes) {
		rr.streamsDone = done
	}
}

// Router creates the v1 router. Every route answers 503 until all managers are
// ready. A positive requestTimeout bounds every route but the event stream.
func Router(managers Managers, requestTimeout time.Duration, opts ...RouterOption) http.Handler {
	rr := &Routes{managers: managers}
	for _, opt := range opts {
		opt(rr)
	}

	root := chi.NewRouter()
	root.Use(rr.requireReady)
	root.Get("/events", rr.streamEvents)

	r := root.With()
	if requestTimeout > 0 {
		r = root.With(middleware.Timeout(requestTimeout))
	}

	r.Route("/bookmarks", func(r chi.Router) {
		r.Get("/", rr.listBookmarks)
		r.Post("/", rr.createBookmarks)
		r.Get("/stats", rr.bookmarkStats)
		r.Post("/read-all", rr.readAllBookmarks)
		r.Post("/prune", rr.pruneBookmarks)
		r.Route("/{site}/{board}/{thread}", func(r chi.Router) {
			r.Get("/", rr.getBookmark)
			r.Delete("/", rr.deleteBookmark)
			r.Post("/viewed", rr.postViewed)
			r.Post("/read", rr.readBookmark)
			r.Post("/toggle", rr.toggleBookmark)
		})
	})

	r.Route("/boards/{site}", func(r chi.Router) {
		r.Get("/", rr.listBoards)
		r.Put("/", rr.putBoards)
		r.Post("/activate", rr.activateBoards)
		r.Post("/move", rr.moveBoard)
		r.Get("/{board}", rr.getBoard)
		r.Delete("/{board}", rr.deleteBoard)
	})

	r.Route("/posthides", func(r chi.Router) {
		r.Post("/", rr.createPostHides)
		r.Post("/remove", rr.removePostHides)
		r.Delete("/", rr.deleteAllPostHides)
		r.Get("/{site}/{board}/{thread}", rr.threadPostHides)
	})

	return root
}

func (rr *Routes) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := rr.managers.CheckReadiness(r.Context()); err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
