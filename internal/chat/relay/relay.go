// Package relay bridges room fan-out between chat instances over core NATS.
// Delivery is at most once, like a local push: a peer that misses a frame
// catches up from the store.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/config"
)

// Sink receives frames published by other instances
type Sink interface {
	DeliverRemote(ctx context.Context, conversationID string, frame protocol.Frame)
}

type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

type envelope struct {
	Origin         string         `json:"origin"`
	ConversationID string         `json:"conversationId"`
	Frame          protocol.Frame `json:"frame"`
}

type NATSRelay struct {
	conn   conn
	prefix string
	nodeID string
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// Connect dials the configured NATS server; reconnects are left to the client library
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*NATSRelay, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("clinicchat-"+nodeID),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return New(nc, cfg.SubjectPrefix, nodeID, logger), nil
}

func New(c conn, prefix, nodeID string, logger *slog.Logger) *NATSRelay {
	return &NATSRelay{
		conn:   c,
		prefix: strings.TrimSuffix(prefix, "."),
		nodeID: nodeID,
		logger: logger.With(slog.String("component", "relay"), slog.String("node_id", nodeID)),
	}
}

func (r *NATSRelay) NodeID() string {
	return r.nodeID
}

func (r *NATSRelay) subject(conversationID string) string {
	return r.prefix + "." + conversationID
}

func (r *NATSRelay) Publish(_ context.Context, conversationID string, frame protocol.Frame) error {
	data, err := json.Marshal(envelope{Origin: r.nodeID, ConversationID: conversationID, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.conn.Publish(r.subject(conversationID), data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", r.subject(conversationID), err)
	}
	return nil
}

// Start subscribes to every room subject and hands foreign frames to sink
func (r *NATSRelay) Start(sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	_, err := r.conn.Subscribe(r.prefix+".>", func(m *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			r.logger.Warn("dropping malformed relay message", slog.String("subject", m.Subject), slog.Any("error", err))
			return
		}
		if env.Origin == r.nodeID {
			return
		}
		sink.DeliverRemote(context.Background(), env.ConversationID, env.Frame)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s.>': %w", r.prefix, err)
	}
	r.started = true
	r.logger.Info("relay subscribed", slog.String("subject", r.prefix+".>"))
	return nil
}

func (r *NATSRelay) Close() error {
	return r.conn.Drain()
}
