package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/chanstate/internal/api/common"
	"github.com/stacklok/chanstate/internal/boards"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/changebus"
	"github.com/stacklok/chanstate/internal/manager"
	"github.com/stacklok/chanstate/internal/posthides"
)

// HeartbeatInterval is the period of SSE comment lines that keep idle streams open.
var HeartbeatInterval = 15 * time.Second

// EventMessage is the data of one server-sent change event.
type EventMessage struct {
	Manager string   `json:"manager"`
	Kind    string   `json:"kind"`
	Keys    []string `json:"keys"`
}

type stringKey interface {
	comparable
	String() string
}

func forward[K stringKey](ctx context.Context, name string, sub *changebus.Subscription[manager.Event[K]], out chan<- EventMessage) {
	defer sub.Close()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			msg := EventMessage{Manager: name, Kind: ev.Kind.String(), Keys: keyStrings(ev.Keys).Keys}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// streamEvents handles GET /api/v1/events as a server-sent event stream of durable
// changes. The manager query parameter selects managers by comma-separated name.
func (rr *Routes) streamEvents(w http.ResponseWriter, r *http.Request) {
	selected := []string{bookmarks.Name, boards.Name, posthides.Name}
	if q := r.URL.Query().Get("manager"); q != "" {
		names := strings.Split(q, ",")
		for _, n := range names {
			if !slices.Contains(selected, n) {
				common.WriteErrorResponse(w, fmt.Sprintf("unknown manager %q", n), http.StatusBadRequest)
				return
			}
		}
		selected = names
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.DebugContext(r.Context(), "Cannot clear write deadline", "error", err)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan EventMessage)
	for _, name := range selected {
		switch name {
		case bookmarks.Name:
			go forward(ctx, name, rr.managers.Bookmarks.ListenForChanges(ctx), out)
		case boards.Name:
			go forward(ctx, name, rr.managers.Boards.ListenForChanges(ctx), out)
		case posthides.Name:
			go forward(ctx, name, rr.managers.PostHides.ListenForChanges(ctx), out)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.ErrorContext(ctx, "Streaming is not supported", "error", err)
		return
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rr.streamsDone:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case msg := <-out:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
