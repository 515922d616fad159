package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"clinicchat/internal/chat/hub"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/service"
	"clinicchat/internal/common"
)

const maxBodyBytes = 64 << 10

// HTTPHandler serves the polling fallback for clients without a live channel
type HTTPHandler struct {
	svc    service.ChatService
	router Router
	logger *slog.Logger
}

func NewHTTPHandler(svc service.ChatService, router Router, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:    svc,
		router: router,
		logger: logger.With(slog.String("component", "http")),
	}
}

// Register mounts the fallback routes on r under /api/v1. Everything except
// the health check requires a bearer credential.
func (h *HTTPHandler) Register(r *mux.Router, auth common.Authenticator) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(common.HTTPAuthMiddleware(auth))
	authed.HandleFunc("/conversations", h.ListConversations).Methods(http.MethodGet)
	authed.HandleFunc("/conversation/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/conversation/{id}/search", h.SearchMessages).Methods(http.MethodGet)
	authed.HandleFunc("/messages", h.SendMessage).Methods(http.MethodPost)
	authed.HandleFunc("/messages/mark-read", h.MarkRead).Methods(http.MethodPost)
	authed.HandleFunc("/unread-count", h.UnreadCount).Methods(http.MethodGet)
}

func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "clinicchat"})
}

type conversationsResponse struct {
	Conversations []service.ConversationView `json:"conversations"`
}

func (h *HTTPHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	views, err := h.svc.Conversations(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if views == nil {
		views = []service.ConversationView{}
	}
	common.WriteJSON(w, http.StatusOK, conversationsResponse{Conversations: views})
}

func (h *HTTPHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	size, err := intParam(q.Get("pageSize"), "pageSize")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msgs, err := h.svc.Messages(r.Context(), caller, mux.Vars(r)["id"], service.MessagesQuery{
		Page:     page,
		PageSize: size,
		After:    q.Get("after"),
		Before:   q.Get("before"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, messagesResponse(msgs))
}

func (h *HTTPHandler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.Search(r.Context(), caller, mux.Vars(r)["id"], r.URL.Query().Get("query"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, messagesResponse(msgs))
}

// SendMessage persists and routes a message from a caller with no live
// connection, so no origin is excluded from the fan-out.
func (h *HTTPHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req protocol.SendMessagePayload
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.router.Send(r.Context(), "", caller, hub.SendRequest{
		Receiver:        common.NewIdentity(req.ReceiverID, req.ReceiverRole),
		Content:         req.Content,
		AttachmentRef:   req.AttachmentRef,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	common.WriteJSON(w, status, protocol.SendAck{
		Message:   res.Message,
		Duplicate: res.Duplicate,
		Delivered: res.Delivered,
		Missed:    res.Missed,
	})
}

func (h *HTTPHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req protocol.MarkReadPayload
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	changed, err := h.router.NotifyRead(r.Context(), "", caller, req.ConversationID, req.IDs())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	common.WriteJSON(w, http.StatusOK, protocol.MarkReadAck{ConversationID: req.ConversationID, MessageIDs: changed})
}

func (h *HTTPHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	n, err := h.svc.UnreadCount(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.WriteJSON(w, http.StatusOK, protocol.UnreadCountPayload{Count: n})
}

func (h *HTTPHandler) caller(w http.ResponseWriter, r *http.Request) (common.Identity, bool) {
	ident, ok := common.IdentityFromContext(r.Context())
	if !ok {
		common.WriteError(w, common.Authentication("http", "authorization required"))
	}
	return ident, ok
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := common.HTTPStatus(err); status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	common.WriteError(w, err)
}

type messagesBody struct {
	Messages any `json:"messages"`
}

func messagesResponse[T any](msgs []T) messagesBody {
	if msgs == nil {
		msgs = []T{}
	}
	return messagesBody{Messages: msgs}
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, common.Validation("parse query", "%s must be a non-negative integer", name)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return common.Validation("decode body", "request body exceeds %d bytes", maxBodyBytes)
		}
		return common.Validation("decode body", "malformed request body")
	}
	return nil
}
