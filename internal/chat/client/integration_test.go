package client

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"clinicchat/internal/chat/handler"
	"clinicchat/internal/chat/hub"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/service"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

var (
	doctor  = common.NewIdentity("doctor-1", common.RoleDoctor)
	patient = common.NewIdentity("patient-9", common.RolePatient)
)

type server struct {
	auth     *common.JWTAuthenticator
	registry *presence.Registry
	sessions *session.Manager
	http     *httptest.Server
	grpc     *bufconn.Listener
}

func newServer(t *testing.T) *server {
	t.Helper()
	st, err := store.OpenPebble("client", &pebble.Options{FS: vfs.NewMem()}, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := &server{
		auth:     common.NewJWTAuthenticator("test-secret", "clinicchat-test"),
		registry: presence.NewRegistry(discardLogger()),
	}
	s.sessions = session.NewManager(s.auth, s.registry, nil, session.Options{}, discardLogger())
	h := hub.New(st, s.registry, s.sessions, hub.Deps{}, hub.Options{}, discardLogger())
	dispatcher := handler.NewDispatcher(h, s.sessions, nil, time.Second, discardLogger())
	t.Cleanup(func() {
		s.sessions.Shutdown()
		h.Close()
	})

	r := mux.NewRouter()
	handler.NewHTTPHandler(service.NewChatService(st, s.registry, service.Options{}), h, discardLogger()).Register(r, s.auth)
	r.Handle("/ws", handler.NewWSHandler(s.sessions, dispatcher, handler.WSOptions{}, discardLogger()))
	s.http = httptest.NewServer(r)
	t.Cleanup(s.http.Close)

	s.grpc = bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.StreamInterceptor(common.StreamAuthInterceptor(s.auth)))
	handler.RegisterChatStreamServer(gs, handler.NewStreamHandler(s.sessions, dispatcher, discardLogger()))
	go func() { _ = gs.Serve(s.grpc) }()
	t.Cleanup(gs.Stop)
	return s
}

func (s *server) token(t *testing.T, ident common.Identity) string {
	t.Helper()
	tok, err := s.auth.GenerateToken(ident, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) wsDialer(t *testing.T, ident common.Identity) *WSDialer {
	return &WSDialer{URL: "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws", Token: s.token(t, ident)}
}

func (s *server) grpcConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.grpc.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIntegration_LiveDeliveryAndReconnect(t *testing.T) {
	srv := newServer(t)

	doc := NewSession(srv.wsDialer(t, doctor), Options{Reconnect: fastPolicy(5)}, discardLogger())
	t.Cleanup(func() { _ = doc.Close() })
	received := make(chan protocol.Frame, 8)
	doc.OnPush(func(f protocol.Frame) {
		if f.Type == protocol.TypeReceiveMessage {
			received <- f
		}
	})

	pat := NewSession(&GRPCDialer{Conn: srv.grpcConn(t), Token: srv.token(t, patient)}, Options{}, discardLogger())
	t.Cleanup(func() { _ = pat.Close() })

	ctx := context.Background()
	require.NoError(t, doc.Connect(ctx))
	require.NoError(t, pat.Connect(ctx))
	_, err := doc.Join(ctx, conv)
	require.NoError(t, err)
	_, err = pat.Join(ctx, conv)
	require.NoError(t, err)

	ack, err := pat.Send(ctx, protocol.SendMessagePayload{ReceiverID: doctor.ID, ReceiverRole: doctor.Role, Content: "I feel better today"})
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Delivered)

	select {
	case f := <-received:
		var p protocol.ReceiveMessagePayload
		require.NoError(t, f.Decode(&p))
		assert.Equal(t, ack.Message.ID, p.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("doctor did not receive the message")
	}

	// drop the doctor's connection from the server side
	handles := srv.registry.HandlesOf(doctor)
	require.Len(t, handles, 1)
	srv.sessions.Disconnect(handles[0], "test drop")

	require.Eventually(t, func() bool {
		hs := srv.registry.HandlesOf(doctor)
		return len(hs) == 1 && hs[0] != handles[0] && srv.registry.InRoom(hs[0], conv)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, doc.State())

	_, err = pat.Send(ctx, protocol.SendMessagePayload{ReceiverID: doctor.ID, ReceiverRole: doctor.Role, Content: "thanks"})
	require.NoError(t, err)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no live delivery after reconnect")
	}
}

func TestIntegration_RejectedCredentials(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name   string
		dialer Dialer
	}{
		{name: "websocket", dialer: &WSDialer{URL: "ws" + strings.TrimPrefix(srv.http.URL, "http") + "/ws", Token: "forged"}},
		{name: "grpc", dialer: &GRPCDialer{Conn: srv.grpcConn(t), Token: "forged"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(tc.dialer, Options{}, discardLogger())
			err := s.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, common.KindAuthentication, common.KindOf(err))
		})
	}
}

func TestIntegration_PollingFallback(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	patHTTP := NewHTTPClient(srv.http.URL, srv.token(t, patient))
	docHTTP := NewHTTPClient(srv.http.URL, srv.token(t, doctor))

	first, err := patHTTP.Send(ctx, protocol.SendMessagePayload{ReceiverID: doctor.ID, ReceiverRole: doctor.Role, Content: "first"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Missed)

	poller := NewPoller(docHTTP, conv, "", time.Hour, discardLogger())
	msgs, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, first.Message.ID, poller.Cursor())

	_, err = patHTTP.Send(ctx, protocol.SendMessagePayload{ReceiverID: doctor.ID, ReceiverRole: doctor.Role, Content: "second"})
	require.NoError(t, err)
	msgs, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Content)

	unread, err := docHTTP.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread)

	ack, err := docHTTP.MarkRead(ctx, conv, []string{first.Message.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{first.Message.ID}, ack.MessageIDs)

	views, err := docHTTP.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(1), views[0].UnreadCount)
	assert.Equal(t, patient, views[0].Peer)

	_, err = NewHTTPClient(srv.http.URL, "forged").UnreadCount(ctx)
	assert.Equal(t, common.KindAuthentication, common.KindOf(err))
}
