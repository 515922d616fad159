// Package handler adapts the chat core to its transports: WebSocket and
// gRPC streams for live clients, and the polling HTTP fallback.
package handler

import (
	"context"
	"log/slog"
	"time"

	"clinicchat/internal/chat/hub"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/common"
	"clinicchat/internal/metrics"
)

// Router is the slice of the broadcast router the adapters drive
type Router interface {
	Join(origin presence.Handle, caller common.Identity, conversationID string) (*hub.JoinResult, error)
	Leave(origin presence.Handle, caller common.Identity, conversationID string) error
	Send(ctx context.Context, origin presence.Handle, sender common.Identity, req hub.SendRequest) (*hub.DeliveryResult, error)
	NotifyTyping(origin presence.Handle, sender common.Identity, conversationID string, isTyping bool) error
	NotifyRead(ctx context.Context, origin presence.Handle, reader common.Identity, conversationID string, messageIDs []string) ([]string, error)
}

// Dispatcher turns inbound live frames into router calls. Frames of one
// session are handled one at a time, in arrival order.
type Dispatcher struct {
	router      Router
	sessions    *session.Manager
	metrics     *metrics.Metrics
	pushTimeout time.Duration
	logger      *slog.Logger
}

func NewDispatcher(router Router, sessions *session.Manager, m *metrics.Metrics, pushTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if pushTimeout <= 0 {
		pushTimeout = hub.DefaultPushTimeout
	}
	return &Dispatcher{
		router:      router,
		sessions:    sessions,
		metrics:     m,
		pushTimeout: pushTimeout,
		logger:      logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle processes one frame. SendMessage is always answered with an Ack or
// an Error; other frames are acked only when they carry a request id.
func (d *Dispatcher) Handle(ctx context.Context, s *session.Session, f protocol.Frame) {
	d.sessions.Touch(s)
	d.metrics.FrameReceived(string(f.Type))

	if f.Type == protocol.TypePing {
		d.reply(s, protocol.Frame{Type: protocol.TypePong, RequestID: f.RequestID})
		return
	}
	if !s.Allow() {
		d.reply(s, protocol.ErrorFrame(f.RequestID, common.RateLimited("dispatch "+string(f.Type))))
		return
	}

	ack, err := d.dispatch(ctx, s, f)
	if err != nil {
		d.logger.Debug("frame rejected",
			slog.String("handle", string(s.Handle())),
			slog.String("type", string(f.Type)),
			slog.Any("error", err))
		d.reply(s, protocol.ErrorFrame(f.RequestID, err))
		return
	}
	if f.RequestID != "" || f.Type == protocol.TypeSendMessage {
		d.reply(s, protocol.MustNew(protocol.TypeAck, f.RequestID, ack))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s *session.Session, f protocol.Frame) (any, error) {
	switch f.Type {
	case protocol.TypeJoinConversation:
		var p protocol.ConversationRef
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		res, err := d.router.Join(s.Handle(), s.Identity(), p.ConversationID)
		if err != nil {
			return nil, err
		}
		return protocol.JoinAck{ConversationID: res.ConversationID, Peer: res.Peer, PeerOnline: res.PeerOnline}, nil

	case protocol.TypeLeaveConversation:
		var p protocol.ConversationRef
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		return p, d.router.Leave(s.Handle(), s.Identity(), p.ConversationID)

	case protocol.TypeSendMessage:
		var p protocol.SendMessagePayload
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		res, err := d.router.Send(ctx, s.Handle(), s.Identity(), hub.SendRequest{
			Receiver:        common.NewIdentity(p.ReceiverID, p.ReceiverRole),
			Content:         p.Content,
			AttachmentRef:   p.AttachmentRef,
			ClientMessageID: p.ClientMessageID,
		})
		if err != nil {
			return nil, err
		}
		return protocol.SendAck{Message: res.Message, Duplicate: res.Duplicate, Delivered: res.Delivered, Missed: res.Missed}, nil

	case protocol.TypeSendTyping:
		var p protocol.TypingPayload
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		return p, d.router.NotifyTyping(s.Handle(), s.Identity(), p.ConversationID, p.IsTyping)

	case protocol.TypeMarkMessageRead:
		var p protocol.MarkReadPayload
		if err := f.Decode(&p); err != nil {
			return nil, err
		}
		changed, err := d.router.NotifyRead(ctx, s.Handle(), s.Identity(), p.ConversationID, p.IDs())
		if err != nil {
			return nil, err
		}
		if changed == nil {
			changed = []string{}
		}
		return protocol.MarkReadAck{ConversationID: p.ConversationID, MessageIDs: changed}, nil

	default:
		return nil, common.Validation("dispatch", "unknown frame type %q", f.Type)
	}
}

func (d *Dispatcher) reply(s *session.Session, f protocol.Frame) {
	ctx, cancel := context.WithTimeout(s.Context(), d.pushTimeout)
	defer cancel()
	if err := d.sessions.Push(ctx, s.Handle(), f); err != nil {
		d.logger.Debug("reply dropped",
			slog.String("handle", string(s.Handle())),
			slog.String("type", string(f.Type)),
			slog.Any("error", err))
	}
}

// Reject answers a frame that could not even be decoded
func (d *Dispatcher) Reject(s *session.Session, requestID string, err error) {
	d.sessions.Touch(s)
	d.reply(s, protocol.ErrorFrame(requestID, err))
}
