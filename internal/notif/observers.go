package notif

import (
	"context"
	"fmt"
	"time"

	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

type UnreadCounter interface {
	UnreadCount(ctx context.Context, ident common.Identity) (int64, error)
}

type ConversationLister interface {
	Conversations(ctx context.Context, ident common.Identity) ([]store.ConversationSummary, error)
}

type HandleLister interface {
	HandlesOf(ident common.Identity) []presence.Handle
}

type Pusher interface {
	Push(ctx context.Context, h presence.Handle, frame protocol.Frame) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, except presence.Handle, frame protocol.Frame)
}

// BadgeObserver pushes a fresh unread total to every open connection of the
// identity whose unread set changed.
type BadgeObserver struct {
	counter     UnreadCounter
	handles     HandleLister
	pusher      Pusher
	pushTimeout time.Duration
}

func NewBadgeObserver(counter UnreadCounter, handles HandleLister, pusher Pusher, pushTimeout time.Duration) *BadgeObserver {
	return &BadgeObserver{counter: counter, handles: handles, pusher: pusher, pushTimeout: pushTimeout}
}

func (b *BadgeObserver) Name() string {
	return "badge_observer"
}

func (b *BadgeObserver) Update(ctx context.Context, event Event) error {
	if event.Type != UnreadChanged {
		return nil
	}
	handles := b.handles.HandlesOf(event.Identity)
	if len(handles) == 0 {
		return nil
	}

	count, err := b.counter.UnreadCount(ctx, event.Identity)
	if err != nil {
		return fmt.Errorf("failed to count unread for %s: %w", event.Identity, err)
	}

	frame := protocol.MustNew(protocol.TypeUnreadCount, "", protocol.UnreadCountPayload{Count: count})
	for _, h := range handles {
		pctx, cancel := context.WithTimeout(ctx, b.pushTimeout)
		// a connection that closed since HandlesOf is caught up on reconnect
		_ = b.pusher.Push(pctx, h, frame)
		cancel()
	}
	return nil
}

// PresenceObserver announces online/offline transitions in every
// conversation room the identity takes part in.
type PresenceObserver struct {
	conversations ConversationLister
	out           Broadcaster
}

func NewPresenceObserver(conversations ConversationLister, out Broadcaster) *PresenceObserver {
	return &PresenceObserver{conversations: conversations, out: out}
}

func (p *PresenceObserver) Name() string {
	return "presence_observer"
}

func (p *PresenceObserver) Update(ctx context.Context, event Event) error {
	if event.Type != PresenceChanged {
		return nil
	}
	summaries, err := p.conversations.Conversations(ctx, event.Identity)
	if err != nil {
		return fmt.Errorf("failed to list conversations of %s: %w", event.Identity, err)
	}

	frame := protocol.MustNew(protocol.TypePresenceChanged, "", protocol.PresenceChangedPayload{
		UserID: event.Identity.ID,
		Role:   event.Identity.Role,
		Online: event.Online,
	})
	for _, s := range summaries {
		p.out.Broadcast(ctx, s.ConversationID, "", frame)
	}
	return nil
}
