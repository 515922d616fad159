// Package store persists messages and their read state.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/common"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks clinicchat/internal/chat/store Store

// Message is immutable after Append except for Read/ReadAt, which flip once
type Message struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversationId"`
	SenderID        string      `json:"senderId"`
	SenderRole      common.Role `json:"senderRole"`
	ReceiverID      string      `json:"receiverId"`
	ReceiverRole    common.Role `json:"receiverRole"`
	Content         string      `json:"content"`
	AttachmentRef   *string     `json:"attachmentRef,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`
	Read            bool        `json:"read"`
	ReadAt          *time.Time  `json:"readAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`

	// Duplicate is set when Append matched an earlier message by ClientMessageID
	Duplicate bool `json:"-"`
}

func (m *Message) Sender() common.Identity {
	return common.NewIdentity(m.SenderID, m.SenderRole)
}

func (m *Message) Receiver() common.Identity {
	return common.NewIdentity(m.ReceiverID, m.ReceiverRole)
}

// Before reports whether m sorts before o in conversation order (createdAt, id)
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Query selects a window of a conversation. AfterID and BeforeID are keyset
// cursors and take precedence over the page number.
type Query struct {
	Page     common.Page
	AfterID  string
	BeforeID string
}

type ConversationSummary struct {
	ConversationID string          `json:"conversationId"`
	Peer           common.Identity `json:"peer"`
	LastMessage    *Message        `json:"lastMessage,omitempty"`
	UnreadCount    int64           `json:"unreadCount"`
}

type Store interface {
	// Append validates, assigns id and createdAt, and durably writes msg
	Append(ctx context.Context, msg *Message) (*Message, error)
	// ListByConversation returns messages in ascending (createdAt, id) order
	ListByConversation(ctx context.Context, conversationID string, q Query) ([]*Message, error)
	// MarkRead flips unread messages addressed to reader and returns the ids that changed.
	// An empty messageIDs marks everything unread for reader in the conversation.
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, reader common.Identity, at time.Time) ([]string, error)
	// Search is a case-insensitive substring match, in conversation order
	Search(ctx context.Context, conversationID, query string) ([]*Message, error)
	UnreadCount(ctx context.Context, ident common.Identity) (int64, error)
	Conversations(ctx context.Context, ident common.Identity) ([]ConversationSummary, error)
	Close() error
}

// Options shared by the backends
type Options struct {
	MaxContentLength int
	Now              func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// prepare validates an inbound message and returns a normalized copy
func prepare(msg *Message, maxLen int) (*Message, error) {
	if msg == nil {
		return nil, common.Validation("append message", "message is required")
	}
	sender, receiver := msg.Sender(), msg.Receiver()
	convID, err := conversation.Resolve(sender, receiver)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != "" && msg.ConversationID != convID {
		return nil, common.Validation("append message", "conversation id does not match participants")
	}
	content, err := common.ValidateContent(msg.Content, maxLen)
	if err != nil {
		return nil, err
	}
	if msg.AttachmentRef != nil {
		if err := common.ValidateAttachmentRef(*msg.AttachmentRef); err != nil {
			return nil, err
		}
	}
	if err := common.ValidateClientMessageID(msg.ClientMessageID); err != nil {
		return nil, err
	}

	out := *msg
	out.ConversationID = convID
	out.Content = content
	out.Read = false
	out.ReadAt = nil
	out.Duplicate = false
	return &out, nil
}

func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func validateQuery(conversationID string, q Query) error {
	if _, _, err := conversation.Parse(conversationID); err != nil {
		return err
	}
	if q.AfterID != "" && q.BeforeID != "" {
		return common.Validation("list messages", "after and before cannot be combined")
	}
	if q.Page.Size <= 0 {
		return common.Validation("list messages", "page size must be positive")
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
