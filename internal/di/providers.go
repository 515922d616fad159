package di

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clinicchat/internal/chat/handler"
	"clinicchat/internal/chat/hub"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/relay"
	"clinicchat/internal/chat/service"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/common"
	"clinicchat/internal/config"
	"clinicchat/internal/dbmysql"
	"clinicchat/internal/media"
	"clinicchat/internal/metrics"
	"clinicchat/internal/notif"
)

// Application is the fully wired chat service
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	Auth       common.Authenticator
	Store      store.Store
	Registry   *presence.Registry
	Sessions   *session.Manager
	Hub        *hub.Hub
	Notifier   *notif.NotificationManager
	Prometheus *prometheus.Registry
	HTTP       *handler.HTTPHandler
	WS         *handler.WSHandler
	Stream     *handler.StreamHandler
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	return config.NewLogger(cfg.Logging)
}

func ProvideAuthenticator(cfg *config.Config) common.Authenticator {
	return common.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
}

func ProvidePrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func ProvideMetrics(reg *prometheus.Registry, registry *presence.Registry) *metrics.Metrics {
	m := metrics.New(reg)
	m.TrackOnline(registry.OnlineCount)
	return m
}

// ProvideStore opens the configured backend: MySQL through gorm, or an
// embedded pebble directory for single-node deployments
func ProvideStore(cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	opts := store.Options{MaxContentLength: cfg.Chat.MaxContentLength}

	var st store.Store
	switch cfg.Database.Driver {
	case "pebble":
		ps, err := store.OpenPebble(cfg.Database.PebblePath, &pebble.Options{}, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		logger.Info("message store opened", slog.String("driver", "pebble"), slog.String("path", cfg.Database.PebblePath))
		st = ps
	case "mysql", "":
		db, err := dbmysql.NewMySQL(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		st = store.NewGormStore(db, opts)
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Database.Driver)
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close message store", slog.Any("error", err))
		}
	}
	return st, cleanup, nil
}

func ProvideSessionManager(cfg *config.Config, auth common.Authenticator, registry *presence.Registry, m *metrics.Metrics, logger *slog.Logger) (*session.Manager, func()) {
	mgr := session.NewManager(auth, registry, m, session.Options{
		HeartbeatTimeout: cfg.Chat.HeartbeatTimeout,
		InboundRPS:       cfg.Chat.InboundRPS,
		InboundBurst:     cfg.Chat.InboundBurst,
	}, logger)
	mgr.Start()
	return mgr, mgr.Shutdown
}

func ProvideNotifier(cfg *config.Config, logger *slog.Logger) (*notif.NotificationManager, func()) {
	nm := notif.NewNotificationManager(cfg.Chat.NotifyWorkers, cfg.Chat.NotifyBuffer, logger)
	return nm, nm.Shutdown
}

// ProvideAttachmentChecker checks refs against GridFS when MongoDB is enabled
func ProvideAttachmentChecker(cfg *config.Config, logger *slog.Logger) (media.Checker, func(), error) {
	if !cfg.MongoDB.Enabled {
		return media.FormatChecker{}, func() {}, nil
	}
	mc, err := media.NewMongoConnection(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("attachment checks backed by GridFS", slog.String("bucket", cfg.MongoDB.Bucket))
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Close(ctx)
	}
	return media.NewGridFSChecker(mc), cleanup, nil
}

// ProvideRelay returns nil when NATS is disabled
func ProvideRelay(cfg *config.Config, logger *slog.Logger) (*relay.NATSRelay, func(), error) {
	if !cfg.NATS.Enabled {
		return nil, func() {}, nil
	}
	r, err := relay.Connect(cfg.NATS, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

// ProvideHub builds the router and attaches everything that reacts to it:
// notification observers and the inbound side of the relay
func ProvideHub(
	cfg *config.Config,
	st store.Store,
	registry *presence.Registry,
	sessions *session.Manager,
	notifier *notif.NotificationManager,
	checker media.Checker,
	r *relay.NATSRelay,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*hub.Hub, func(), error) {
	deps := hub.Deps{
		Notifier:    notifier,
		Attachments: checker,
		Metrics:     m,
	}
	if r != nil {
		deps.Relay = r
	}
	h := hub.New(st, registry, sessions, deps, hub.Options{
		PushTimeout:       cfg.Chat.PushTimeout,
		TypingIdleTimeout: cfg.Chat.TypingIdleTimeout,
	}, logger)

	notifier.Subscribe(notif.NewBadgeObserver(st, registry, sessions, cfg.Chat.PushTimeout))
	notifier.Subscribe(notif.NewPresenceObserver(st, h))

	if r != nil {
		if err := r.Start(h); err != nil {
			h.Close()
			return nil, nil, err
		}
	}
	return h, h.Close, nil
}

func ProvideChatService(cfg *config.Config, st store.Store, registry *presence.Registry) service.ChatService {
	return service.NewChatService(st, registry, service.Options{
		PageSizeDefault: cfg.Chat.PageSizeDefault,
		PageSizeMax:     cfg.Chat.PageSizeMax,
	})
}

func ProvideDispatcher(cfg *config.Config, h *hub.Hub, sessions *session.Manager, m *metrics.Metrics, logger *slog.Logger) *handler.Dispatcher {
	return handler.NewDispatcher(h, sessions, m, cfg.Chat.PushTimeout, logger)
}

func ProvideHTTPHandler(svc service.ChatService, h *hub.Hub, logger *slog.Logger) *handler.HTTPHandler {
	return handler.NewHTTPHandler(svc, h, logger)
}

func ProvideWSHandler(cfg *config.Config, sessions *session.Manager, d *handler.Dispatcher, logger *slog.Logger) *handler.WSHandler {
	return handler.NewWSHandler(sessions, d, handler.WSOptions{OriginPatterns: cfg.Server.AllowedOrigins}, logger)
}
