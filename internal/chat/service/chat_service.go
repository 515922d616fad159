// Package service holds the read side of conversations shared by the live
// channel and the HTTP fallback, so both agree on ordering and unread state.
package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

//go:generate mockgen -destination=mocks/mock_chat_service.go -package=mocks clinicchat/internal/chat/service ChatService

const maxSearchQuery = 200

// ChatService defines the interface exposed to the handler layer
type ChatService interface {
	Conversations(ctx context.Context, caller common.Identity) ([]ConversationView, error)
	Messages(ctx context.Context, caller common.Identity, conversationID string, q MessagesQuery) ([]*store.Message, error)
	Search(ctx context.Context, caller common.Identity, conversationID, query string) ([]*store.Message, error)
	UnreadCount(ctx context.Context, caller common.Identity) (int64, error)
}

// OnlineChecker answers presence questions without exposing the registry
type OnlineChecker interface {
	IsOnline(ident common.Identity) bool
}

// ConversationView is a summary with the peer's presence folded in at read time
type ConversationView struct {
	store.ConversationSummary
	PeerOnline bool `json:"peerOnline"`
}

type MessagesQuery struct {
	Page     int
	PageSize int
	After    string
	Before   string
}

type Options struct {
	PageSizeDefault int
	PageSizeMax     int
}

type chatService struct {
	store  store.Store
	online OnlineChecker
	opts   Options
}

// Constructor used in DI/wire
func NewChatService(st store.Store, online OnlineChecker, opts Options) ChatService {
	if opts.PageSizeDefault <= 0 {
		opts.PageSizeDefault = 50
	}
	if opts.PageSizeMax < opts.PageSizeDefault {
		opts.PageSizeMax = max(200, opts.PageSizeDefault)
	}
	return &chatService{store: st, online: online, opts: opts}
}

func (s *chatService) Conversations(ctx context.Context, caller common.Identity) ([]ConversationView, error) {
	if err := common.ValidateIdentity(caller); err != nil {
		return nil, err
	}
	summaries, err := s.store.Conversations(ctx, caller)
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, len(summaries))
	for i, sum := range summaries {
		views[i] = ConversationView{ConversationSummary: sum, PeerOnline: s.online.IsOnline(sum.Peer)}
	}
	return views, nil
}

// Messages returns one ascending window; a cursor wins over page numbers
func (s *chatService) Messages(ctx context.Context, caller common.Identity, conversationID string, q MessagesQuery) ([]*store.Message, error) {
	if err := conversation.Authorize(conversationID, caller); err != nil {
		return nil, err
	}
	if q.After != "" && q.Before != "" {
		return nil, common.Validation("list messages", "after and before cannot be combined")
	}
	page := common.NormalizePage(q.Page, q.PageSize, s.opts.PageSizeDefault, s.opts.PageSizeMax)
	return s.store.ListByConversation(ctx, conversationID, store.Query{
		Page:     page,
		AfterID:  q.After,
		BeforeID: q.Before,
	})
}

func (s *chatService) Search(ctx context.Context, caller common.Identity, conversationID, query string) ([]*store.Message, error) {
	if err := conversation.Authorize(conversationID, caller); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, common.Validation("search messages", "query is required")
	}
	if utf8.RuneCountInString(query) > maxSearchQuery {
		return nil, common.Validation("search messages", "query exceeds %d characters", maxSearchQuery)
	}
	return s.store.Search(ctx, conversationID, query)
}

func (s *chatService) UnreadCount(ctx context.Context, caller common.Identity) (int64, error) {
	if err := common.ValidateIdentity(caller); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, caller)
}
