// Package hub is the broadcast router: it persists inbound events through the
// message store and fans them out to the live members of a conversation room.
package hub

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/chat/typing"
	"clinicchat/internal/common"
	"clinicchat/internal/metrics"
	"clinicchat/internal/notif"
)

const (
	DefaultPushTimeout = 2 * time.Second
	fanoutLimit        = 32
	maxReadBatch       = 200
)

// Pusher writes a frame to one live connection. It must honor ctx and return
// promptly once the connection is gone.
type Pusher interface {
	Push(ctx context.Context, h presence.Handle, frame protocol.Frame) error
}

// Relay forwards room frames to other instances
type Relay interface {
	Publish(ctx context.Context, conversationID string, frame protocol.Frame) error
}

type Notifier interface {
	NotifyAsync(event notif.Event)
}

type AttachmentChecker interface {
	Check(ctx context.Context, ref string) error
}

type Options struct {
	PushTimeout       time.Duration
	TypingIdleTimeout time.Duration
	Now               func() time.Time
}

// Deps are the optional collaborators; nil fields are skipped
type Deps struct {
	Relay       Relay
	Notifier    Notifier
	Attachments AttachmentChecker
	Metrics     *metrics.Metrics
}

type SendRequest struct {
	Receiver        common.Identity
	Content         string
	AttachmentRef   *string
	ClientMessageID string
}

// DeliveryResult describes what happened to a send. Missed counts pushes that
// failed plus a receiver with no connection in the room; neither is an error.
type DeliveryResult struct {
	Message   *store.Message
	Duplicate bool
	Delivered int
	Missed    int
}

type JoinResult struct {
	ConversationID string
	Peer           common.Identity
	PeerOnline     bool
}

type Hub struct {
	store       store.Store
	registry    *presence.Registry
	pusher      Pusher
	typing      *typing.Coordinator
	relay       Relay
	notifier    Notifier
	attachments AttachmentChecker
	metrics     *metrics.Metrics

	pushTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func New(st store.Store, registry *presence.Registry, pusher Pusher, deps Deps, opts Options, logger *slog.Logger) *Hub {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = DefaultPushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		store:       st,
		registry:    registry,
		pusher:      pusher,
		relay:       deps.Relay,
		notifier:    deps.Notifier,
		attachments: deps.Attachments,
		metrics:     deps.Metrics,
		pushTimeout: opts.PushTimeout,
		now:         opts.Now,
		logger:      logger.With(slog.String("component", "hub")),
	}
	h.typing = typing.NewCoordinator(h, opts.TypingIdleTimeout, logger)
	registry.Subscribe(h.onPresence)
	return h
}

// runs under the registry's identity shard lock, so only hand work off
func (h *Hub) onPresence(ev presence.Event) {
	if !ev.Online {
		go h.typing.ClearIdentity(ev.Identity)
	}
	if h.notifier != nil {
		h.notifier.NotifyAsync(notif.Event{Type: notif.PresenceChanged, Identity: ev.Identity, Online: ev.Online})
	}
}

func (h *Hub) Typing() *typing.Coordinator {
	return h.typing
}

// Join enters a live connection into the room of a conversation the caller takes part in
func (h *Hub) Join(origin presence.Handle, caller common.Identity, conversationID string) (*JoinResult, error) {
	peer, err := conversation.Peer(conversationID, caller)
	if err != nil {
		return nil, err
	}
	if err := h.registry.EnterRoom(origin, conversationID); err != nil {
		return nil, err
	}
	return &JoinResult{
		ConversationID: conversationID,
		Peer:           peer,
		PeerOnline:     h.registry.IsOnline(peer),
	}, nil
}

func (h *Hub) Leave(origin presence.Handle, caller common.Identity, conversationID string) error {
	if err := conversation.Authorize(conversationID, caller); err != nil {
		return err
	}
	h.registry.LeaveRoom(origin, conversationID)
	h.typing.Clear(conversationID, caller)
	return nil
}

// requireRoom enforces room membership for live callers; the HTTP fallback
// has no connection and passes an empty handle.
func (h *Hub) requireRoom(op string, origin presence.Handle, conversationID string) error {
	if origin == "" || h.registry.InRoom(origin, conversationID) {
		return nil
	}
	return common.Forbidden(op, "join the conversation first")
}

// Send stores the message and pushes it to the other room members. The
// result is returned once the store has accepted the message; fan-out
// failures never turn into an error for the sender.
func (h *Hub) Send(ctx context.Context, origin presence.Handle, sender common.Identity, req SendRequest) (*DeliveryResult, error) {
	res, err := h.send(ctx, origin, sender, req)
	if err != nil {
		h.metrics.SendFailed(err)
		return nil, err
	}
	return res, nil
}

func (h *Hub) send(ctx context.Context, origin presence.Handle, sender common.Identity, req SendRequest) (*DeliveryResult, error) {
	conversationID, err := conversation.Resolve(sender, req.Receiver)
	if err != nil {
		return nil, err
	}
	if err := h.requireRoom("send message", origin, conversationID); err != nil {
		return nil, err
	}
	if req.AttachmentRef != nil && h.attachments != nil {
		if err := h.attachments.Check(ctx, *req.AttachmentRef); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	msg, err := h.store.Append(ctx, &store.Message{
		ConversationID:  conversationID,
		SenderID:        sender.ID,
		SenderRole:      sender.Role,
		ReceiverID:      req.Receiver.ID,
		ReceiverRole:    req.Receiver.Role,
		Content:         req.Content,
		AttachmentRef:   req.AttachmentRef,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return nil, err
	}
	h.metrics.ObserveAppend(time.Since(start))
	h.metrics.MessageSent(msg.Duplicate)

	if msg.Duplicate {
		return &DeliveryResult{Message: msg, Duplicate: true}, nil
	}

	h.typing.Clear(conversationID, sender)

	frame := protocol.MustNew(protocol.TypeReceiveMessage, "", protocol.ReceiveMessagePayload{Message: msg})
	fanCtx := context.WithoutCancel(ctx)
	delivered, failed := h.fanOut(fanCtx, conversationID, origin, frame)
	h.publish(fanCtx, conversationID, frame)

	missed := failed
	if !h.receiverInRoom(conversationID, msg.Receiver()) {
		missed++
	}
	h.metrics.Pushed(delivered, missed)

	if h.notifier != nil {
		h.notifier.NotifyAsync(notif.Event{Type: notif.UnreadChanged, Identity: msg.Receiver()})
	}

	h.logger.Debug("message sent",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", msg.ID),
		slog.Int("delivered", delivered),
		slog.Int("missed", missed))

	return &DeliveryResult{Message: msg, Delivered: delivered, Missed: missed}, nil
}

// receiverInRoom only sees this node; a receiver reached through the relay
// still counts as missed.
func (h *Hub) receiverInRoom(conversationID string, receiver common.Identity) bool {
	for _, handle := range h.registry.HandlesOf(receiver) {
		if h.registry.InRoom(handle, conversationID) {
			return true
		}
	}
	return false
}

// NotifyTyping relays an advisory typing signal; nothing is persisted
func (h *Hub) NotifyTyping(origin presence.Handle, sender common.Identity, conversationID string, isTyping bool) error {
	if err := conversation.Authorize(conversationID, sender); err != nil {
		return err
	}
	if err := h.requireRoom("send typing", origin, conversationID); err != nil {
		return err
	}
	h.typing.Set(origin, conversationID, sender, isTyping)
	return nil
}

// NotifyRead marks messages addressed to reader as read and tells the room
// which ones actually changed. Repeating the call changes and pushes nothing.
func (h *Hub) NotifyRead(ctx context.Context, origin presence.Handle, reader common.Identity, conversationID string, messageIDs []string) ([]string, error) {
	if err := conversation.Authorize(conversationID, reader); err != nil {
		return nil, err
	}
	if err := h.requireRoom("mark read", origin, conversationID); err != nil {
		return nil, err
	}
	if len(messageIDs) > maxReadBatch {
		return nil, common.Validation("mark read", "at most %d message ids per call", maxReadBatch)
	}

	at := h.now().UTC().Truncate(time.Microsecond)
	changed, err := h.store.MarkRead(ctx, conversationID, messageIDs, reader, at)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return changed, nil
	}

	frame := protocol.MustNew(protocol.TypeMessageRead, "", protocol.MessageReadPayload{
		ConversationID: conversationID,
		MessageID:      changed[0],
		MessageIDs:     changed,
		ReaderID:       reader.ID,
		ReaderRole:     reader.Role,
		ReadAt:         at,
	})
	h.Broadcast(context.WithoutCancel(ctx), conversationID, origin, frame)

	if h.notifier != nil {
		h.notifier.NotifyAsync(notif.Event{Type: notif.UnreadChanged, Identity: reader})
	}
	return changed, nil
}

// Broadcast pushes a frame to the local room and to other instances
func (h *Hub) Broadcast(ctx context.Context, conversationID string, except presence.Handle, frame protocol.Frame) {
	h.fanOut(ctx, conversationID, except, frame)
	h.publish(ctx, conversationID, frame)
}

// DeliverRemote hands a frame received from another instance to local members
func (h *Hub) DeliverRemote(ctx context.Context, conversationID string, frame protocol.Frame) {
	h.fanOut(ctx, conversationID, "", frame)
}

func (h *Hub) publish(ctx context.Context, conversationID string, frame protocol.Frame) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, conversationID, frame); err != nil {
		h.logger.Warn("relay publish failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
	}
}

// fanOut pushes to every member but except, each with its own timeout, so a
// slow connection delays nobody else.
func (h *Hub) fanOut(ctx context.Context, conversationID string, except presence.Handle, frame protocol.Frame) (delivered, failed int) {
	members := h.registry.MembersOf(conversationID)
	if len(members) == 0 {
		return 0, 0
	}

	var ok, bad atomic.Int64
	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for _, m := range members {
		if m == except {
			continue
		}
		m := m
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, h.pushTimeout)
			defer cancel()
			if err := h.pusher.Push(pctx, m, frame); err != nil {
				bad.Add(1)
				h.logger.Debug("push dropped",
					slog.String("conversation_id", conversationID),
					slog.String("handle", string(m)),
					slog.Any("error", err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(bad.Load())
}

// Close stops pending typing expiries
func (h *Hub) Close() {
	h.typing.Stop()
}
