package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

const conv = "doctor.doctor-1~patient.patient-9"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(attempts int) ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: attempts, InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: 20 * time.Millisecond, Jitter: 0.1}
}

type fakeConn struct {
	toClient chan protocol.Frame
	toServer chan protocol.Frame
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient: make(chan protocol.Frame, 16),
		toServer: make(chan protocol.Frame, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case c.toServer <- f:
		return nil
	case <-c.done:
		return common.Transport("send frame", errors.New("closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Recv(_ context.Context) (protocol.Frame, error) {
	select {
	case f := <-c.toClient:
		return f, nil
	case <-c.done:
		return protocol.Frame{}, common.Transport("receive frame", errors.New("closed"))
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// fakeDialer serves every connection with a tiny in-process responder
type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	mute     map[int]bool // connections that accept frames and never answer
	dials    int
	conns    []*fakeConn
	joins    []string
}

func (d *fakeDialer) Dial(_ context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.dials
	d.dials++
	if idx < len(d.failures) && d.failures[idx] != nil {
		return nil, d.failures[idx]
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	if !d.mute[idx] {
		go d.serve(c)
	}
	return c, nil
}

func (d *fakeDialer) serve(c *fakeConn) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.toServer:
			var reply protocol.Frame
			switch f.Type {
			case protocol.TypePing:
				reply = protocol.Frame{Type: protocol.TypePong, RequestID: f.RequestID}
			case protocol.TypeJoinConversation:
				var ref protocol.ConversationRef
				_ = f.Decode(&ref)
				d.mu.Lock()
				d.joins = append(d.joins, ref.ConversationID)
				d.mu.Unlock()
				reply = protocol.MustNew(protocol.TypeAck, f.RequestID, protocol.JoinAck{ConversationID: ref.ConversationID})
			case protocol.TypeSendMessage:
				var p protocol.SendMessagePayload
				_ = f.Decode(&p)
				if p.Content == "boom" {
					reply = protocol.ErrorFrame(f.RequestID, common.Persistence("append", errors.New("disk full")))
				} else {
					reply = protocol.MustNew(protocol.TypeAck, f.RequestID, protocol.SendAck{Delivered: 1})
				}
			default:
				continue
			}
			select {
			case c.toClient <- reply:
			case <-c.done:
				return
			}
		}
	}
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) snapshot() (dials int, joins []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, append([]string(nil), d.joins...)
}

type stateRecorder struct {
	mu    sync.Mutex
	trail []State
}

func (r *stateRecorder) listen(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trail = append(r.trail, to)
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trail...)
}

func TestSession_ConnectFailures(t *testing.T) {
	tests := []struct {
		name     string
		dialErr  error
		wantKind common.Kind
	}{
		{name: "rejected credential", dialErr: common.Authentication("dial", "credential rejected"), wantKind: common.KindAuthentication},
		{name: "server unreachable", dialErr: common.Transport("dial", errors.New("connection refused")), wantKind: common.KindTransport},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDialer{failures: []error{tc.dialErr}}
			s := NewSession(d, Options{Reconnect: fastPolicy(3)}, discardLogger())

			err := s.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, common.KindOf(err))
			assert.Equal(t, StateDisconnected, s.State())

			select {
			case <-s.Done():
			default:
				t.Fatal("session should be final")
			}
			dials, _ := d.snapshot()
			assert.Equal(t, 1, dials)
			assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
		})
	}
}

func TestSession_ReconnectRejoinsActiveConversation(t *testing.T) {
	d := &fakeDialer{}
	rec := &stateRecorder{}
	s := NewSession(d, Options{Reconnect: fastPolicy(5)}, discardLogger())
	s.OnStateChange(rec.listen)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Connect(context.Background()))
	_, err := s.Join(context.Background(), conv)
	require.NoError(t, err)
	s.SetDraft("see you at 9")

	d.latest().Close()

	require.Eventually(t, func() bool {
		_, joins := d.snapshot()
		return len(joins) == 2 && s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	_, joins := d.snapshot()
	assert.Equal(t, []string{conv, conv}, joins)
	assert.Equal(t, conv, s.ActiveConversation())
	assert.Equal(t, "see you at 9", s.Draft())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}, rec.states())
}

func TestSession_HeartbeatDetectsSilentConnection(t *testing.T) {
	d := &fakeDialer{mute: map[int]bool{0: true}}
	rec := &stateRecorder{}
	s := NewSession(d, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		RequestTimeout:    20 * time.Millisecond,
		Reconnect:         fastPolicy(5),
	}, discardLogger())
	s.OnStateChange(rec.listen)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool {
		dials, _ := d.snapshot()
		return dials >= 2 && s.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.states(), StateReconnecting)

	// the replacement connection answers pings and stays up
	dials, _ := d.snapshot()
	time.Sleep(100 * time.Millisecond)
	after, _ := d.snapshot()
	assert.Equal(t, dials, after)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_RetriesExhausted(t *testing.T) {
	lost := common.Transport("dial", errors.New("connection refused"))
	d := &fakeDialer{failures: []error{nil, lost, lost, lost}}
	s := NewSession(d, Options{Reconnect: fastPolicy(3)}, discardLogger())

	require.NoError(t, s.Connect(context.Background()))
	d.latest().Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not give up")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, common.KindTransport, common.KindOf(s.Err()))
	dials, _ := d.snapshot()
	assert.Equal(t, 4, dials)
}

func TestSession_AuthFailureDuringReconnectStops(t *testing.T) {
	d := &fakeDialer{failures: []error{nil, common.Authentication("dial", "token expired")}}
	s := NewSession(d, Options{Reconnect: fastPolicy(5)}, discardLogger())

	require.NoError(t, s.Connect(context.Background()))
	d.latest().Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session kept retrying")
	}
	assert.Equal(t, common.KindAuthentication, common.KindOf(s.Err()))
	dials, _ := d.snapshot()
	assert.Equal(t, 2, dials)
}

func TestSession_SendKeepsDraftOnFailure(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d, Options{}, discardLogger())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Connect(context.Background()))

	s.SetDraft("boom")
	_, err := s.Send(context.Background(), protocol.SendMessagePayload{ReceiverID: "patient-9", ReceiverRole: common.RolePatient, Content: "boom"})
	require.Error(t, err)
	assert.Equal(t, common.KindPersistence, common.KindOf(err))
	assert.Equal(t, "boom", s.Draft())

	s.SetDraft("hello")
	ack, err := s.Send(context.Background(), protocol.SendMessagePayload{ReceiverID: "patient-9", ReceiverRole: common.RolePatient, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Delivered)
	assert.Empty(t, s.Draft())
}

func TestSession_RequestWhileNotConnected(t *testing.T) {
	s := NewSession(&fakeDialer{}, Options{}, discardLogger())
	_, err := s.Join(context.Background(), conv)
	assert.Equal(t, common.KindTransport, common.KindOf(err))

	require.NoError(t, s.Close())
	_, err = s.Join(context.Background(), conv)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_PushesReachHandlers(t *testing.T) {
	d := &fakeDialer{}
	s := NewSession(d, Options{}, discardLogger())
	t.Cleanup(func() { _ = s.Close() })

	got := make(chan protocol.Frame, 1)
	s.OnPush(func(f protocol.Frame) { got <- f })
	require.NoError(t, s.Connect(context.Background()))

	d.latest().toClient <- protocol.MustNew(protocol.TypeUserTyping, "", protocol.UserTypingPayload{ConversationID: conv, IsTyping: true})
	select {
	case f := <-got:
		assert.Equal(t, protocol.TypeUserTyping, f.Type)
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}
}

func TestReconnectPolicy_Schedule(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 8, InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: 0.2}
	b := p.newBackOff()

	base := 500 * time.Millisecond
	for i := 0; i < 8; i++ {
		d := b.NextBackOff()
		expected := min(base, 30*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(float64(expected)*0.8)-time.Millisecond, "attempt %d", i+1)
		assert.LessOrEqual(t, d, time.Duration(float64(expected)*1.2)+time.Millisecond, "attempt %d", i+1)
		base *= 2
	}
	assert.Equal(t, time.Duration(-1), b.NextBackOff())
}
