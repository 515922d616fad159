package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

const DefaultPollInterval = 20 * time.Second

// HTTPClient talks to the /api/v1 fallback
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type errorBody struct {
	Error string      `json:"error"`
	Code  common.Kind `json:"code"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.BaseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return common.Transport(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Code == "" {
			return common.Transport(method+" "+path, fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		return &common.Error{Kind: eb.Code, Op: method + " " + path, Msg: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type MessagesQuery struct {
	Page     int
	PageSize int
	After    string
	Before   string
}

func (c *HTTPClient) Messages(ctx context.Context, conversationID string, q MessagesQuery) ([]*store.Message, error) {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("pageSize", strconv.Itoa(q.PageSize))
	}
	if q.After != "" {
		v.Set("after", q.After)
	}
	if q.Before != "" {
		v.Set("before", q.Before)
	}
	var out struct {
		Messages []*store.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(conversationID)+"/messages", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) Search(ctx context.Context, conversationID, query string) ([]*store.Message, error) {
	var out struct {
		Messages []*store.Message `json:"messages"`
	}
	v := url.Values{"query": {query}}
	if err := c.do(ctx, http.MethodGet, "/conversation/"+url.PathEscape(conversationID)+"/search", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ConversationView mirrors the server's list entry
type ConversationView struct {
	store.ConversationSummary
	PeerOnline bool `json:"peerOnline"`
}

func (c *HTTPClient) Conversations(ctx context.Context) ([]ConversationView, error) {
	var out struct {
		Conversations []ConversationView `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *HTTPClient) Send(ctx context.Context, msg protocol.SendMessagePayload) (*protocol.SendAck, error) {
	var ack protocol.SendAck
	if err := c.do(ctx, http.MethodPost, "/messages", nil, msg, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (*protocol.MarkReadAck, error) {
	var ack protocol.MarkReadAck
	in := protocol.MarkReadPayload{ConversationID: conversationID, MessageIDs: messageIDs}
	if err := c.do(ctx, http.MethodPost, "/messages/mark-read", nil, in, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) UnreadCount(ctx context.Context) (int64, error) {
	var out protocol.UnreadCountPayload
	if err := c.do(ctx, http.MethodGet, "/unread-count", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Poller fetches new messages of one conversation on an interval, resuming
// after the last message it has seen
type Poller struct {
	client         *HTTPClient
	conversationID string
	interval       time.Duration
	cursor         string
	logger         *slog.Logger
}

func NewPoller(c *HTTPClient, conversationID, after string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:         c,
		conversationID: conversationID,
		interval:       interval,
		cursor:         after,
		logger:         logger.With(slog.String("component", "poller")),
	}
}

func (p *Poller) Cursor() string {
	return p.cursor
}

// Poll fetches one batch and advances the cursor
func (p *Poller) Poll(ctx context.Context) ([]*store.Message, error) {
	msgs, err := p.client.Messages(ctx, p.conversationID, MessagesQuery{After: p.cursor})
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		p.cursor = msgs[len(msgs)-1].ID
	}
	return msgs, nil
}

// Run polls until ctx ends or an authentication/authorization error occurs.
// Transient failures are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context, fn func([]*store.Message)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		msgs, err := p.Poll(ctx)
		switch kind := common.KindOf(err); {
		case err == nil:
			if len(msgs) > 0 {
				fn(msgs)
			}
		case kind == common.KindAuthentication, kind == common.KindForbidden, kind == common.KindValidation:
			return err
		default:
			p.logger.Warn("poll failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
