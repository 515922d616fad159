package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/common"
)

// Key layout:
//
//	m/<conv>/<createdAt µs %020d>/<id>   message JSON
//	i/<id>                               message key
//	u/<receiver>/<conv>/<ts>/<id>        unread marker
//	p/<identity>/<conv>                  conversation membership
//	c/<conv>/<sender>/<clientMessageId>  message id
type PebbleStore struct {
	db   *pebble.DB
	opts Options
	seq  *sequencer
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (or creates) an embedded store at path. Pass pebble options
// with an in-memory vfs for tests.
func OpenPebble(path string, popts *pebble.Options, opts Options) (*PebbleStore, error) {
	if popts == nil {
		popts = &pebble.Options{}
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	s := &PebbleStore{db: db, opts: opts}
	s.seq = newSequencer(opts.now, s.latestCreatedAt)
	return s, nil
}

func tsKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixMicro())
}

func messageKey(m *Message) []byte {
	return []byte("m/" + m.ConversationID + "/" + tsKey(m.CreatedAt) + "/" + m.ID)
}

func conversationPrefix(conversationID string) []byte {
	return []byte("m/" + conversationID + "/")
}

func idKey(id string) []byte {
	return []byte("i/" + id)
}

func unreadKey(m *Message) []byte {
	return []byte("u/" + m.Receiver().Key() + "/" + m.ConversationID + "/" + tsKey(m.CreatedAt) + "/" + m.ID)
}

func unreadPrefix(ident common.Identity) []byte {
	return []byte("u/" + ident.Key() + "/")
}

func unreadConversationPrefix(ident common.Identity, conversationID string) []byte {
	return []byte("u/" + ident.Key() + "/" + conversationID + "/")
}

func participantKey(ident common.Identity, conversationID string) []byte {
	return []byte("p/" + ident.Key() + "/" + conversationID)
}

func participantPrefix(ident common.Identity) []byte {
	return []byte("p/" + ident.Key() + "/")
}

func clientKey(m *Message) []byte {
	return []byte("c/" + m.ConversationID + "/" + m.Sender().Key() + "/" + m.ClientMessageID)
}

// upperBound returns the smallest key greater than every key with this prefix
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

func (s *PebbleStore) getMessage(key []byte) (*Message, error) {
	raw, err := s.get(key)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", key, err)
	}
	return &m, nil
}

func (s *PebbleStore) getMessageByID(id string) (*Message, []byte, error) {
	key, err := s.get(idKey(id))
	if err != nil {
		return nil, nil, err
	}
	m, err := s.getMessage(key)
	return m, key, err
}

func (s *PebbleStore) latestCreatedAt(_ context.Context, conversationID string) (time.Time, error) {
	prefix := conversationPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return time.Time{}, err
	}
	defer iter.Close()
	if !iter.Last() {
		return time.Time{}, iter.Error()
	}
	var m Message
	if err := json.Unmarshal(iter.Value(), &m); err != nil {
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

func (s *PebbleStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	m, err := prepare(msg, s.opts.MaxContentLength)
	if err != nil {
		return nil, err
	}

	sh := s.seq.acquire(m.ConversationID)
	defer sh.release()

	if m.ClientMessageID != "" {
		id, err := s.get(clientKey(m))
		switch {
		case err == nil:
			existing, _, gerr := s.getMessageByID(string(id))
			if gerr != nil {
				return nil, common.Persistence("append message", gerr)
			}
			existing.Duplicate = true
			return existing, nil
		case !errors.Is(err, pebble.ErrNotFound):
			return nil, common.Persistence("append message", err)
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

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, common.Persistence("append message", err)
	}
	key := messageKey(m)

	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(key, raw, nil)
	_ = batch.Set(idKey(m.ID), key, nil)
	_ = batch.Set(unreadKey(m), nil, nil)
	_ = batch.Set(participantKey(m.Sender(), m.ConversationID), nil, nil)
	_ = batch.Set(participantKey(m.Receiver(), m.ConversationID), nil, nil)
	if m.ClientMessageID != "" {
		_ = batch.Set(clientKey(m), []byte(m.ID), nil)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, common.Persistence("append message", err)
	}
	sh.advance(m.ConversationID, createdAt)
	return m, nil
}

func (s *PebbleStore) ListByConversation(_ context.Context, conversationID string, q Query) ([]*Message, error) {
	if err := validateQuery(conversationID, q); err != nil {
		return nil, err
	}
	prefix := conversationPrefix(conversationID)
	lower, upper := prefix, upperBound(prefix)

	var cursor []byte
	if id := q.AfterID + q.BeforeID; id != "" {
		m, key, err := s.getMessageByID(id)
		if errors.Is(err, pebble.ErrNotFound) || (err == nil && m.ConversationID != conversationID) {
			return nil, common.NotFound("list messages", "cursor message %s not found", id)
		}
		if err != nil {
			return nil, common.Persistence("list messages", err)
		}
		cursor = key
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, common.Persistence("list messages", err)
	}
	defer iter.Close()

	out := make([]*Message, 0, q.Page.Size)
	decode := func() error {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return err
		}
		out = append(out, &m)
		return nil
	}

	switch {
	case q.AfterID != "":
		valid := iter.SeekGE(cursor)
		if valid && bytes.Equal(iter.Key(), cursor) {
			valid = iter.Next()
		}
		for ; valid && len(out) < q.Page.Size; valid = iter.Next() {
			if err := decode(); err != nil {
				return nil, common.Persistence("list messages", err)
			}
		}
	case q.BeforeID != "":
		for valid := iter.SeekLT(cursor); valid && len(out) < q.Page.Size; valid = iter.Prev() {
			if err := decode(); err != nil {
				return nil, common.Persistence("list messages", err)
			}
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	default:
		skip := q.Page.Offset()
		for valid := iter.First(); valid && len(out) < q.Page.Size; valid = iter.Next() {
			if skip > 0 {
				skip--
				continue
			}
			if err := decode(); err != nil {
				return nil, common.Persistence("list messages", err)
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, common.Persistence("list messages", err)
	}
	return out, nil
}

func (s *PebbleStore) MarkRead(_ context.Context, conversationID string, messageIDs []string, reader common.Identity, at time.Time) ([]string, error) {
	if _, _, err := conversation.Parse(conversationID); err != nil {
		return nil, err
	}
	at = at.UTC().Truncate(time.Microsecond)

	sh := s.seq.acquire(conversationID)
	defer sh.release()

	type candidate struct {
		key []byte
		msg *Message
	}
	var candidates []candidate

	ids := dedupeIDs(messageIDs)
	if len(ids) == 0 {
		prefix := unreadConversationPrefix(reader, conversationID)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return nil, common.Persistence("mark read", err)
		}
		for valid := iter.First(); valid; valid = iter.Next() {
			k := string(iter.Key())
			ids = append(ids, k[strings.LastIndexByte(k, '/')+1:])
		}
		err = iter.Error()
		iter.Close()
		if err != nil {
			return nil, common.Persistence("mark read", err)
		}
	}

	for _, id := range ids {
		m, key, err := s.getMessageByID(id)
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, common.Persistence("mark read", err)
		}
		if m.ConversationID != conversationID || m.Receiver() != reader || m.Read {
			continue
		}
		candidates = append(candidates, candidate{key: key, msg: m})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return bytes.Compare(candidates[i].key, candidates[j].key) < 0 })

	batch := s.db.NewBatch()
	defer batch.Close()
	updated := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c.msg.Read = true
		readAt := at
		c.msg.ReadAt = &readAt
		raw, err := json.Marshal(c.msg)
		if err != nil {
			return nil, common.Persistence("mark read", err)
		}
		_ = batch.Set(c.key, raw, nil)
		_ = batch.Delete(unreadKey(c.msg), nil)
		updated = append(updated, c.msg.ID)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, common.Persistence("mark read", err)
	}
	return updated, nil
}

func (s *PebbleStore) Search(_ context.Context, conversationID, query string) ([]*Message, error) {
	if _, _, err := conversation.Parse(conversationID); err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, common.Validation("search", "query cannot be empty")
	}

	prefix := conversationPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, common.Persistence("search", err)
	}
	defer iter.Close()

	var out []*Message
	for valid := iter.First(); valid; valid = iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, common.Persistence("search", err)
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, &m)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, common.Persistence("search", err)
	}
	return out, nil
}

func (s *PebbleStore) countPrefix(prefix []byte) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n int64
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *PebbleStore) UnreadCount(_ context.Context, ident common.Identity) (int64, error) {
	n, err := s.countPrefix(unreadPrefix(ident))
	if err != nil {
		return 0, common.Persistence("unread count", err)
	}
	return n, nil
}

func (s *PebbleStore) Conversations(_ context.Context, ident common.Identity) ([]ConversationSummary, error) {
	prefix := participantPrefix(ident)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, common.Persistence("list conversations", err)
	}
	var convIDs []string
	for valid := iter.First(); valid; valid = iter.Next() {
		convIDs = append(convIDs, string(iter.Key()[len(prefix):]))
	}
	err = iter.Error()
	iter.Close()
	if err != nil {
		return nil, common.Persistence("list conversations", err)
	}

	out := make([]ConversationSummary, 0, len(convIDs))
	for _, convID := range convIDs {
		peer, err := conversation.Peer(convID, ident)
		if err != nil {
			continue
		}
		last, err := s.lastMessage(convID)
		if err != nil {
			return nil, common.Persistence("list conversations", err)
		}
		unread, err := s.countPrefix(unreadConversationPrefix(ident, convID))
		if err != nil {
			return nil, common.Persistence("list conversations", err)
		}
		out = append(out, ConversationSummary{ConversationID: convID, Peer: peer, LastMessage: last, UnreadCount: unread})
	}
	sortSummaries(out)
	return out, nil
}

func (s *PebbleStore) lastMessage(conversationID string) (*Message, error) {
	prefix := conversationPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if !iter.Last() {
		return nil, iter.Error()
	}
	var m Message
	if err := json.Unmarshal(iter.Value(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
