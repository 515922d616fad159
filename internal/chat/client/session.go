package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

var ErrSessionClosed = errors.New("session closed")

type Options struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	Reconnect         ReconnectPolicy
}

// PushHandler receives every server push that is not a reply to a request
type PushHandler func(protocol.Frame)

// Session keeps one logical connection alive across transport drops.
// Lifecycle: Disconnected -> Connecting -> Connected <-> Reconnecting, and
// Disconnected again once closed or out of retries. The active conversation
// and the unsent draft survive reconnects; the room is re-joined on every
// new connection.
type Session struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	active    string
	draft     string
	closed    bool
	lastErr   error
	pending   map[string]chan protocol.Frame
	listeners []StateListener
	handlers  []PushHandler

	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(dialer Dialer, opts Options, logger *slog.Logger) *Session {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	opts.Reconnect = opts.Reconnect.withDefaults()
	return &Session{
		dialer:  dialer,
		opts:    opts,
		logger:  logger.With(slog.String("component", "chat-client")),
		state:   StateDisconnected,
		pending: make(map[string]chan protocol.Frame),
		done:    make(chan struct{}),
	}
}

func (s *Session) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) OnPush(fn PushHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches its final Disconnected state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// setState must be called with s.mu held; listeners run after unlock
func (s *Session) setState(to State) func() {
	from := s.state
	if from == to {
		return func() {}
	}
	s.state = to
	listeners := append([]StateListener(nil), s.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

// Connect performs the first connection. Authentication failures are
// returned as-is and never retried.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return common.Validation("connect", "session is already %s", s.state)
	}
	notify := s.setState(StateConnecting)
	s.mu.Unlock()
	notify()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.finish(err)
		return err
	}
	return s.attach(conn)
}

// attach installs a fresh connection and restores room membership
func (s *Session) attach(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	l := &link{conn: conn, done: make(chan struct{})}
	active := s.active
	notify := s.setState(StateConnected)
	s.mu.Unlock()

	go s.readLoop(l)
	go s.heartbeat(l)
	notify()

	if active == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if _, err := s.Join(ctx, active); err != nil {
		s.logger.Warn("failed to rejoin conversation",
			slog.String("conversation", active),
			slog.Any("error", err))
		return err
	}
	return nil
}

// link is one attached connection; shut reports whether the caller ended it
type link struct {
	conn Conn
	done chan struct{}
	once sync.Once
}

func (l *link) shut() bool {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
	})
	return first
}

func (s *Session) readLoop(l *link) {
	for {
		f, err := l.conn.Recv(context.Background())
		if err != nil {
			s.lost(l, err)
			return
		}
		s.route(f)
	}
}

func (s *Session) route(f protocol.Frame) {
	if f.RequestID != "" && (f.Type == protocol.TypeAck || f.Type == protocol.TypeError || f.Type == protocol.TypePong) {
		s.mu.Lock()
		ch, ok := s.pending[f.RequestID]
		if ok {
			delete(s.pending, f.RequestID)
		}
		s.mu.Unlock()
		if ok {
			ch <- f
			return
		}
	}
	if f.Type == protocol.TypePong {
		return
	}
	s.mu.Lock()
	handlers := append([]PushHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(f)
	}
}

// heartbeat pings on every tick and gives up on a connection whose Pong
// does not arrive within RequestTimeout, so a half-open link is detected even
// while writes still succeed.
func (s *Session) heartbeat(l *link) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := s.ping(l); err != nil {
				s.lost(l, err)
				return
			}
		}
	}
}

func (s *Session) ping(l *link) error {
	reqID := uuid.NewString()
	ch := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if err := l.conn.Send(ctx, protocol.Frame{Type: protocol.TypePing, RequestID: reqID}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return common.Transport("heartbeat", fmt.Errorf("no pong within %s", s.opts.RequestTimeout))
	}
}

// lost handles the end of one connection; only the current one triggers a reconnect
func (s *Session) lost(l *link, err error) {
	if !l.shut() {
		return
	}
	_ = l.conn.Close()

	s.mu.Lock()
	if s.conn != l.conn || s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.failPendingLocked()
	if common.KindOf(err) == common.KindAuthentication {
		s.mu.Unlock()
		s.finish(err)
		return
	}
	notify := s.setState(StateReconnecting)
	s.mu.Unlock()
	notify()

	s.logger.Info("connection lost, reconnecting", slog.Any("error", err))
	go s.reconnect()
}

func (s *Session) reconnect() {
	b := s.opts.Reconnect.newBackOff()
	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		conn, err := s.dialer.Dial(ctx)
		cancel()
		if err == nil {
			s.logger.Info("reconnected", slog.Int("attempt", attempt))
			_ = s.attach(conn)
			return
		}
		lastErr = err
		s.logger.Debug("reconnect attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		if common.KindOf(err) == common.KindAuthentication {
			break
		}
	}
	if common.KindOf(lastErr) != common.KindAuthentication {
		lastErr = common.Transport("reconnect", fmt.Errorf("retries exhausted: %w", lastErr))
	}
	s.finish(lastErr)
}

func (s *Session) failPendingLocked() {
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// finish moves the session to its final Disconnected state
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.lastErr = err
	conn := s.conn
	s.conn = nil
	s.failPendingLocked()
	notify := s.setState(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.doneOnce.Do(func() { close(s.done) })
	notify()
}

func (s *Session) Close() error {
	s.finish(nil)
	return nil
}

func (s *Session) current() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn == nil || s.state != StateConnected {
		return nil, common.Transport("request", errors.New("not connected"))
	}
	return s.conn, nil
}

// Request sends a frame and waits for the Ack or Error carrying its request id
func (s *Session) Request(ctx context.Context, t protocol.FrameType, payload any) (protocol.Frame, error) {
	conn, err := s.current()
	if err != nil {
		return protocol.Frame{}, err
	}
	reqID := uuid.NewString()
	f, err := protocol.New(t, reqID, payload)
	if err != nil {
		return protocol.Frame{}, err
	}

	ch := make(chan protocol.Frame, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	if err := conn.Send(ctx, f); err != nil {
		return protocol.Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Frame{}, common.Transport("request", errors.New("connection lost before reply"))
		}
		if reply.Type == protocol.TypeError {
			var body protocol.ErrorPayload
			if err := reply.Decode(&body); err != nil {
				return protocol.Frame{}, err
			}
			return protocol.Frame{}, body.Err()
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Frame{}, common.Transport("request", ctx.Err())
	}
}

// Join enters a conversation room and makes it the active one
func (s *Session) Join(ctx context.Context, conversationID string) (*protocol.JoinAck, error) {
	reply, err := s.Request(ctx, protocol.TypeJoinConversation, protocol.ConversationRef{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	var ack protocol.JoinAck
	if err := reply.Decode(&ack); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active = ack.ConversationID
	s.mu.Unlock()
	return &ack, nil
}

func (s *Session) Leave(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.active == conversationID {
		s.active = ""
	}
	s.mu.Unlock()
	_, err := s.Request(ctx, protocol.TypeLeaveConversation, protocol.ConversationRef{ConversationID: conversationID})
	return err
}

// Send delivers a message. On success the draft is cleared; on failure it
// is kept so the user can retry.
func (s *Session) Send(ctx context.Context, msg protocol.SendMessagePayload) (*protocol.SendAck, error) {
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = uuid.NewString()
	}
	reply, err := s.Request(ctx, protocol.TypeSendMessage, msg)
	if err != nil {
		return nil, err
	}
	var ack protocol.SendAck
	if err := reply.Decode(&ack); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.draft == msg.Content {
		s.draft = ""
	}
	s.mu.Unlock()
	return &ack, nil
}

func (s *Session) MarkRead(ctx context.Context, conversationID string, messageIDs []string) (*protocol.MarkReadAck, error) {
	reply, err := s.Request(ctx, protocol.TypeMarkMessageRead, protocol.MarkReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	})
	if err != nil {
		return nil, err
	}
	var ack protocol.MarkReadAck
	if err := reply.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Typing is fire-and-forget; errors only mean the signal was not sent
func (s *Session) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	f, err := protocol.New(protocol.TypeSendTyping, "", protocol.TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	return conn.Send(ctx, f)
}
