package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/common"
	"clinicchat/internal/dbmysql"
)

// GormStore keeps messages in MySQL
type GormStore struct {
	db   *gorm.DB
	opts Options
	seq  *sequencer
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, opts Options) *GormStore {
	s := &GormStore{db: db, opts: opts}
	s.seq = newSequencer(opts.now, s.latestCreatedAt)
	return s
}

func (s *GormStore) latestCreatedAt(ctx context.Context, conversationID string) (time.Time, error) {
	var times []time.Time
	err := s.db.WithContext(ctx).Model(&dbmysql.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(1).
		Pluck("created_at", &times).Error
	if err != nil {
		return time.Time{}, err
	}
	if len(times) == 0 {
		return time.Time{}, nil
	}
	return times[0].UTC(), nil
}

func (s *GormStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	m, err := prepare(msg, s.opts.MaxContentLength)
	if err != nil {
		return nil, err
	}

	sh := s.seq.acquire(m.ConversationID)
	defer sh.release()

	if m.ClientMessageID != "" {
		existing, err := s.findByClientID(ctx, m)
		if err != nil {
			return nil, common.Persistence("append message", err)
		}
		if existing != nil {
			existing.Duplicate = true
			return existing, nil
		}
	}

	createdAt, err := s.seq.next(ctx, sh, m.ConversationID)
	if err != nil {
		return nil, common.Persistence("append message", err)
	}
	m.CreatedAt = createdAt
	if m.ID, err = newMessageID(); err != nil {
		return nil, common.Persistence("append message", err)
	}

	if err := s.db.WithContext(ctx).Create(toRow(m)).Error; err != nil {
		if m.ClientMessageID != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			// another instance stored the same retry first
			if existing, ferr := s.findByClientID(ctx, m); ferr == nil && existing != nil {
				existing.Duplicate = true
				return existing, nil
			}
		}
		return nil, common.Persistence("append message", err)
	}
	sh.advance(m.ConversationID, createdAt)
	return m, nil
}

func (s *GormStore) findByClientID(ctx context.Context, m *Message) (*Message, error) {
	var rows []dbmysql.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id = ? AND sender_role = ? AND client_message_id = ?",
			m.ConversationID, m.SenderID, string(m.SenderRole), m.ClientMessageID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return fromRow(&rows[0]), nil
}

func (s *GormStore) cursor(ctx context.Context, conversationID, id string) (*dbmysql.Message, error) {
	var row dbmysql.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id = ?", conversationID, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NotFound("list messages", "cursor message %s not found", id)
	}
	if err != nil {
		return nil, common.Persistence("list messages", err)
	}
	return &row, nil
}

func (s *GormStore) ListByConversation(ctx context.Context, conversationID string, q Query) ([]*Message, error) {
	if err := validateQuery(conversationID, q); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	reverse := false
	switch {
	case q.AfterID != "":
		c, err := s.cursor(ctx, conversationID, q.AfterID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("(created_at > ? OR (created_at = ? AND id > ?))", c.CreatedAt, c.CreatedAt, c.ID).
			Order("created_at ASC, id ASC")
	case q.BeforeID != "":
		c, err := s.cursor(ctx, conversationID, q.BeforeID)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", c.CreatedAt, c.CreatedAt, c.ID).
			Order("created_at DESC, id DESC")
		reverse = true
	default:
		tx = tx.Order("created_at ASC, id ASC").Offset(q.Page.Offset())
	}

	var rows []dbmysql.Message
	if err := tx.Limit(q.Page.Size).Find(&rows).Error; err != nil {
		return nil, common.Persistence("list messages", err)
	}
	out := fromRows(rows)
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *GormStore) MarkRead(ctx context.Context, conversationID string, messageIDs []string, reader common.Identity, at time.Time) ([]string, error) {
	if _, _, err := conversation.Parse(conversationID); err != nil {
		return nil, err
	}
	ids := dedupeIDs(messageIDs)
	at = at.UTC().Truncate(time.Microsecond)

	var updated []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&dbmysql.Message{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND receiver_id = ? AND receiver_role = ? AND is_read = ?",
				conversationID, reader.ID, string(reader.Role), false)
		if len(ids) > 0 {
			q = q.Where("id IN ?", ids)
		}
		if err := q.Order("created_at ASC, id ASC").Pluck("id", &updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		return tx.Model(&dbmysql.Message{}).
			Where("id IN ?", updated).
			Updates(map[string]interface{}{"is_read": true, "read_at": at}).Error
	})
	if err != nil {
		return nil, common.Persistence("mark read", err)
	}
	return updated, nil
}

// MySQL treats backslash as the LIKE escape character by default
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *GormStore) Search(ctx context.Context, conversationID, query string) ([]*Message, error) {
	if _, _, err := conversation.Parse(conversationID); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, common.Validation("search", "query cannot be empty")
	}

	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	var rows []dbmysql.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND LOWER(content) LIKE ?", conversationID, pattern).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, common.Persistence("search", err)
	}
	return fromRows(rows), nil
}

func (s *GormStore) UnreadCount(ctx context.Context, ident common.Identity) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&dbmysql.Message{}).
		Where("receiver_id = ? AND receiver_role = ? AND is_read = ?", ident.ID, string(ident.Role), false).
		Count(&count).Error
	if err != nil {
		return 0, common.Persistence("unread count", err)
	}
	return count, nil
}

func (s *GormStore) Conversations(ctx context.Context, ident common.Identity) ([]ConversationSummary, error) {
	var convIDs []string
	err := s.db.WithContext(ctx).Model(&dbmysql.Message{}).
		Where("(sender_id = ? AND sender_role = ?) OR (receiver_id = ? AND receiver_role = ?)",
			ident.ID, string(ident.Role), ident.ID, string(ident.Role)).
		Distinct().
		Pluck("conversation_id", &convIDs).Error
	if err != nil {
		return nil, common.Persistence("list conversations", err)
	}

	out := make([]ConversationSummary, 0, len(convIDs))
	for _, convID := range convIDs {
		peer, err := conversation.Peer(convID, ident)
		if err != nil {
			continue
		}
		var last []dbmysql.Message
		if err := s.db.WithContext(ctx).
			Where("conversation_id = ?", convID).
			Order("created_at DESC, id DESC").
			Limit(1).
			Find(&last).Error; err != nil {
			return nil, common.Persistence("list conversations", err)
		}
		var unread int64
		if err := s.db.WithContext(ctx).Model(&dbmysql.Message{}).
			Where("conversation_id = ? AND receiver_id = ? AND receiver_role = ? AND is_read = ?",
				convID, ident.ID, string(ident.Role), false).
			Count(&unread).Error; err != nil {
			return nil, common.Persistence("list conversations", err)
		}
		summary := ConversationSummary{ConversationID: convID, Peer: peer, UnreadCount: unread}
		if len(last) > 0 {
			summary.LastMessage = fromRow(&last[0])
		}
		out = append(out, summary)
	}
	sortSummaries(out)
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newest conversation first
func sortSummaries(out []ConversationSummary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return b.Before(a)
		}
	})
}

func toRow(m *Message) *dbmysql.Message {
	row := &dbmysql.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		ReceiverID:     m.ReceiverID,
		ReceiverRole:   string(m.ReceiverRole),
		Content:        m.Content,
		AttachmentRef:  m.AttachmentRef,
		IsRead:         m.Read,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.ClientMessageID != "" {
		cid := m.ClientMessageID
		row.ClientMessageID = &cid
	}
	return row
}

func fromRow(row *dbmysql.Message) *Message {
	m := &Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		SenderRole:     common.Role(row.SenderRole),
		ReceiverID:     row.ReceiverID,
		ReceiverRole:   common.Role(row.ReceiverRole),
		Content:        row.Content,
		AttachmentRef:  row.AttachmentRef,
		Read:           row.IsRead,
		CreatedAt:      row.CreatedAt.UTC(),
	}
	if row.ClientMessageID != nil {
		m.ClientMessageID = *row.ClientMessageID
	}
	if row.ReadAt != nil {
		t := row.ReadAt.UTC()
		m.ReadAt = &t
	}
	return m
}

func fromRows(rows []dbmysql.Message) []*Message {
	out := make([]*Message, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out
}
