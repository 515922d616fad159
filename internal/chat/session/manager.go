// Package session owns live connections on the server: it authenticates
// them, registers them with presence, watches their heartbeat and tears them
// down on every exit path.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
	"clinicchat/internal/metrics"
)

const DefaultHeartbeatTimeout = 45 * time.Second

// Transport is the write half of a live connection
type Transport interface {
	Push(ctx context.Context, frame protocol.Frame) error
	Close(reason string) error
}

type Options struct {
	HeartbeatTimeout time.Duration
	// SweepInterval defaults to a third of HeartbeatTimeout
	SweepInterval time.Duration
	InboundRPS    float64
	InboundBurst  int
	Now           func() time.Time
}

type Session struct {
	handle    presence.Handle
	identity  common.Identity
	transport Transport
	limiter   *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func (s *Session) Handle() presence.Handle   { return s.handle }
func (s *Session) Identity() common.Identity { return s.identity }

// Context is cancelled when the session is disconnected
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Allow reports whether another inbound frame fits the rate limit
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

type Manager struct {
	auth     common.Authenticator
	registry *presence.Registry
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[presence.Handle]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(auth common.Authenticator, registry *presence.Registry, m *metrics.Metrics, opts Options, logger *slog.Logger) *Manager {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.HeartbeatTimeout / 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		auth:     auth,
		registry: registry,
		metrics:  m,
		opts:     opts,
		logger:   logger.With(slog.String("component", "session")),
		sessions: make(map[presence.Handle]*Session),
		stop:     make(chan struct{}),
	}
}

// Authenticate validates a bearer credential before any connection state exists
func (m *Manager) Authenticate(credential string) (common.Identity, error) {
	if credential == "" {
		return common.Identity{}, common.Authentication("connect", "missing credential")
	}
	return m.auth.Authenticate(credential)
}

// Open registers an already authenticated connection
func (m *Manager) Open(ident common.Identity, t Transport) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		handle:    presence.Handle(uuid.NewString()),
		identity:  ident,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
	}
	if m.opts.InboundRPS > 0 {
		burst := m.opts.InboundBurst
		if burst <= 0 {
			burst = int(m.opts.InboundRPS)
		}
		s.limiter = rate.NewLimiter(rate.Limit(m.opts.InboundRPS), max(burst, 1))
	}
	s.Touch(m.opts.Now())

	if err := m.registry.Join(s.handle, ident); err != nil {
		cancel()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.handle] = s
	m.mu.Unlock()
	m.metrics.SessionOpened()

	m.logger.Info("session opened",
		slog.String("handle", string(s.handle)),
		slog.String("identity", ident.Key()))
	return s, nil
}

func (m *Manager) Connect(credential string, t Transport) (*Session, error) {
	ident, err := m.Authenticate(credential)
	if err != nil {
		return nil, err
	}
	return m.Open(ident, t)
}

func (m *Manager) Get(h presence.Handle) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[h]
	return s, ok
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Disconnect is safe to call from any exit path, any number of times. It
// always leaves presence, cancels in-flight pushes and closes the transport.
func (m *Manager) Disconnect(h presence.Handle, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[h]
	delete(m.sessions, h)
	m.mu.Unlock()
	if !ok {
		return
	}

	s.closeOnce.Do(func() {
		m.registry.Leave(s.handle)
		s.cancel()
		if err := s.transport.Close(reason); err != nil {
			m.logger.Debug("transport close failed", slog.String("handle", string(h)), slog.Any("error", err))
		}
		m.metrics.SessionClosed()
		m.logger.Info("session closed",
			slog.String("handle", string(h)),
			slog.String("identity", s.identity.Key()),
			slog.String("reason", reason))
	})
}

// Push implements the router's Pusher. A push to a session that closes
// mid-flight is cancelled.
func (m *Manager) Push(ctx context.Context, h presence.Handle, frame protocol.Frame) error {
	s, ok := m.Get(h)
	if !ok {
		return common.Transport("push", context.Canceled)
	}
	if err := s.ctx.Err(); err != nil {
		return common.Transport("push", err)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	if err := s.transport.Push(pctx, frame); err != nil {
		return common.Transport("push", err)
	}
	return nil
}

// Touch records inbound activity on the same clock the watchdog sweeps with
func (m *Manager) Touch(s *Session) {
	s.Touch(m.opts.Now())
}

// Start runs the heartbeat watchdog until Shutdown
func (m *Manager) Start() {
	go m.watch()
}

func (m *Manager) watch() {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	deadline := m.opts.Now().Add(-m.opts.HeartbeatTimeout)

	m.mu.RLock()
	var stale []presence.Handle
	for h, s := range m.sessions {
		if s.LastActivity().Before(deadline) {
			stale = append(stale, h)
		}
	}
	m.mu.RUnlock()

	for _, h := range stale {
		m.logger.Warn("heartbeat missed", slog.String("handle", string(h)))
		m.Disconnect(h, "heartbeat timeout")
	}
}

// Shutdown stops the watchdog and closes every session
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.RLock()
	handles := make([]presence.Handle, 0, len(m.sessions))
	for h := range m.sessions {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		m.Disconnect(h, "server shutting down")
	}
}
