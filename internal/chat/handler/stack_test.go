package handler

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"clinicchat/internal/chat/hub"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
)

var (
	doctor  = common.NewIdentity("doctor-1", common.RoleDoctor)
	patient = common.NewIdentity("patient-9", common.RolePatient)
)

const conv = "doctor.doctor-1~patient.patient-9"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is the live path wired the way chat-svc wires it, over an in-memory store
type stack struct {
	auth       *common.JWTAuthenticator
	store      store.Store
	registry   *presence.Registry
	sessions   *session.Manager
	hub        *hub.Hub
	dispatcher *Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st, err := store.OpenPebble("handler", &pebble.Options{FS: vfs.NewMem()}, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := &stack{
		auth:     common.NewJWTAuthenticator("test-secret", "clinicchat-test"),
		store:    st,
		registry: presence.NewRegistry(discardLogger()),
	}
	s.sessions = session.NewManager(s.auth, s.registry, nil, session.Options{}, discardLogger())
	s.hub = hub.New(st, s.registry, s.sessions, hub.Deps{}, hub.Options{PushTimeout: time.Second}, discardLogger())
	s.dispatcher = NewDispatcher(s.hub, s.sessions, nil, time.Second, discardLogger())
	t.Cleanup(func() {
		s.sessions.Shutdown()
		s.hub.Close()
	})
	return s
}

func (s *stack) token(t *testing.T, ident common.Identity) string {
	t.Helper()
	tok, err := s.auth.GenerateToken(ident, time.Hour)
	require.NoError(t, err)
	return tok
}

func mustFrame(t *testing.T, typ protocol.FrameType, reqID string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.New(typ, reqID, payload)
	require.NoError(t, err)
	return f
}
