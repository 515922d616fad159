package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/common"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 5 * time.Second
)

type WSOptions struct {
	// OriginPatterns are host patterns allowed besides the request's own host
	OriginPatterns []string
}

// WSHandler upgrades authenticated requests to a WebSocket carrying JSON frames
type WSHandler struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	opts       WSOptions
	logger     *slog.Logger
}

func NewWSHandler(sessions *session.Manager, dispatcher *Dispatcher, opts WSOptions, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		sessions:   sessions,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.With(slog.String("component", "ws")),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// credentials are checked before the upgrade so failures are plain 401s
	credential, err := common.CredentialFromRequest(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	ident, err := h.sessions.Authenticate(credential)
	if err != nil {
		common.WriteError(w, err)
		return
	}

	// server read/write timeouts would otherwise cut long-lived connections
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	write := func(ctx context.Context, f protocol.Frame) error {
		data, err := protocol.Marshal(f)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, data)
	}
	closeFn := func(reason string) error {
		return conn.Close(websocket.StatusNormalClosure, reason)
	}
	transport := newPumpTransport(write, closeFn, h.logger)

	s, err := h.sessions.Open(ident, transport)
	if err != nil {
		h.logger.Error("failed to register connection", slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, common.Message(err))
		return
	}
	connLogger := h.logger.With(slog.String("handle", string(s.Handle())), slog.String("identity", ident.Key()))
	connLogger.Info("websocket connection established")

	go transport.run(s.Context())
	err = h.readLoop(s, conn)
	h.sessions.Disconnect(s.Handle(), closeReason(err))
}

func (h *WSHandler) readLoop(s *session.Session, conn *websocket.Conn) error {
	ctx := s.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			h.dispatcher.Reject(s, "", common.Validation("read frame", "frames must be text"))
			continue
		}

		// heartbeats skip full decoding
		if gjson.GetBytes(data, "type").String() == string(protocol.TypePing) {
			h.dispatcher.Handle(ctx, s, protocol.Frame{
				Type:      protocol.TypePing,
				RequestID: gjson.GetBytes(data, "requestId").String(),
			})
			continue
		}

		f, err := protocol.Unmarshal(data)
		if err != nil {
			h.dispatcher.Reject(s, gjson.GetBytes(data, "requestId").String(), err)
			continue
		}
		h.dispatcher.Handle(ctx, s, f)
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure, websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return "client closed"
	case errors.Is(err, context.Canceled):
		return "session ended"
	default:
		return "transport lost"
	}
}
