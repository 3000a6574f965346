// Package http is the service-to-service JSON surface of the plane: message
// injection for backend producers, delivery status, health and debug stats.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/domain/model"
	"github.com/webitel/im-message-plane/internal/handler/lp"
	wshandler "github.com/webitel/im-message-plane/internal/handler/ws"
	"github.com/webitel/im-message-plane/internal/router"
	"github.com/webitel/im-message-plane/internal/sequencer"
	"github.com/webitel/im-message-plane/internal/store"
)

// apiError mirrors gRPC status codes so backend callers get one error
// vocabulary across both surfaces.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	router router.Router
	store  store.MessageStore
	groups store.GroupStore
	hub    hub.Hubber
	logger *slog.Logger

	ws *wshandler.Handler
	lp *lp.LPHandler
}

func NewHandler(rt router.Router, st store.MessageStore, gs store.GroupStore, h hub.Hubber, ws *wshandler.Handler, lph *lp.LPHandler, logger *slog.Logger) *Handler {
	return &Handler{
		router: rt,
		store:  st,
		groups: gs,
		hub:    h,
		logger: logger.With("component", "http_api"),
		ws:     ws,
		lp:     lph,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Get("/debug/stats", h.debugStats)

	r.Handle("/ws", h.ws)
	r.Get("/v1/poll/{deviceID}", h.lp.Poll)

	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/private", h.routePrivate)
		r.Post("/group", h.routeGroup)
		r.Get("/{recipientID}/{msgID}/status", h.messageStatus)
	})

	r.Route("/v1/groups/{groupID}/members", func(r chi.Router) {
		r.Post("/{userID}", h.addMember)
		r.Delete("/{userID}", h.removeMember)
	})

	return r
}

type routeRequest struct {
	MsgID       string    `json:"msg_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id,omitzero"`
	GroupID     uuid.UUID `json:"group_id,omitzero"`
	Content     []byte    `json:"content"`
	ContentType string    `json:"content_type"`
	ClientTS    int64     `json:"client_ts"`
}

type routeResponse struct {
	MsgID     string `json:"msg_id"`
	Sequence  uint64 `json:"sequence"`
	Path      string `json:"path"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (h *Handler) routePrivate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRoute(w, r)
	if !ok {
		return
	}
	msg := req.message(model.ConversationPrivate)
	out, err := h.router.RoutePrivate(r.Context(), msg)
	h.writeOutcome(w, out, err)
}

func (h *Handler) routeGroup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRoute(w, r)
	if !ok {
		return
	}
	msg := req.message(model.ConversationGroup)
	out, err := h.router.RouteGroup(r.Context(), msg)
	h.writeOutcome(w, out, err)
}

func (req *routeRequest) message(ct model.ConversationType) *model.Message {
	return &model.Message{
		MsgID:            req.MsgID,
		ConversationType: ct,
		SenderID:         req.SenderID,
		RecipientID:      req.RecipientID,
		GroupID:          req.GroupID,
		Content: model.Content{
			Data:        req.Content,
			ContentType: req.ContentType,
		},
		ClientTS: req.ClientTS,
	}
}

func decodeRoute(w http.ResponseWriter, r *http.Request) (*routeRequest, bool) {
	req := new(routeRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, false
	}
	return req, true
}

func (h *Handler) writeOutcome(w http.ResponseWriter, out *router.Outcome, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, routeResponse{
			MsgID:     out.MsgID,
			Sequence:  out.Sequence,
			Path:      string(out.Path),
			Duplicate: out.Duplicate,
		})
	case errors.Is(err, sequencer.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		// Validation failures dominate this branch; publish failures are
		// already wrapped and read fine in the message.
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	}
}

type statusResponse struct {
	MsgID            string   `json:"msg_id"`
	RecipientID      string   `json:"recipient_id"`
	DeliveredDevices []string `json:"delivered_devices"`
	RecipientOnline  bool     `json:"recipient_online"`
}

func (h *Handler) messageStatus(w http.ResponseWriter, r *http.Request) {
	recipientID, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad recipient id")
		return
	}
	msgID := chi.URLParam(r, "msgID")

	devices, err := h.store.DeliveredDevices(r.Context(), msgID, recipientID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not persisted (yet)")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		MsgID:            msgID,
		RecipientID:      recipientID.String(),
		DeliveredDevices: devices,
		RecipientOnline:  h.hub.IsConnected(recipientID),
	})
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID, ok := memberParams(w, r)
	if !ok {
		return
	}
	if err := h.groups.AddMember(r.Context(), groupID, userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID, ok := memberParams(w, r)
	if !ok {
		return
	}
	if err := h.groups.RemoveMember(r.Context(), groupID, userID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func memberParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad group id")
		return uuid.Nil, uuid.Nil, false
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad user id")
		return uuid.Nil, uuid.Nil, false
	}
	return groupID, userID, true
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) debugStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Stats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, httpCode int, code, msg string) {
	writeJSON(w, httpCode, apiError{Code: code, Message: msg})
}
