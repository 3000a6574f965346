// Package lp is the long-polling fallback transport: a request-scoped hub
// subscription that waits for the next fast-path event. Clients that cannot
// hold a WebSocket (restricted proxies) poll here; acking still happens over
// the ack endpoint or on the next full session.
package lp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/event"
	lpmarshaller "github.com/webitel/im-message-plane/internal/handler/marshaller/lp"
	"github.com/webitel/im-message-plane/internal/service"
)

const (
	pollTimeout = 30 * time.Second
	drainLimit  = 15
)

type LPHandler struct {
	deliverer service.Deliverer
	auth      service.Auther
}

func NewLPHandler(deliverer service.Deliverer, auth service.Auther) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
		auth:      auth,
	}
}

// Poll holds the connection until an event arrives or the timeout fires.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	// The connector lives only for the duration of this request.
	conn, err := h.deliverer.Subscribe(r.Context(), userID, deviceID)
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer h.deliverer.Unsubscribe(userID, conn.GetID())
	defer conn.Close()

	var events []event.Eventer

	select {
	case <-r.Context().Done():
		return

	case <-time.After(pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, ev)

		// Drain what else is buffered so the client saves round-trips.
	drainLoop:
		for range drainLimit {
			select {
			case nextEv := <-conn.Recv():
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *LPHandler) authenticate(r *http.Request) (uuid.UUID, error) {
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	return h.auth.Verify(token)
}
