// Package typing keeps ephemeral per-conversation typing state. Every
// "typing" entry expires on its own after the idle timeout.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

const DefaultIdleTimeout = 5 * time.Second

// Broadcaster delivers a frame to a conversation room except one connection
type Broadcaster interface {
	Broadcast(ctx context.Context, conversationID string, except presence.Handle, frame protocol.Frame)
}

type key struct {
	conversationID string
	identity       string
}

type entry struct {
	identity common.Identity
	origin   presence.Handle
	timer    *time.Timer
	gen      uint64
}

type Coordinator struct {
	mu      sync.Mutex
	states  map[key]*entry
	gen     uint64
	stopped bool

	idle   time.Duration
	out    Broadcaster
	logger *slog.Logger
}

func NewCoordinator(out Broadcaster, idle time.Duration, logger *slog.Logger) *Coordinator {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Coordinator{
		states: make(map[key]*entry),
		idle:   idle,
		out:    out,
		logger: logger.With(slog.String("component", "typing")),
	}
}

// Set records a typing signal. A repeated "typing" only pushes the expiry
// forward; peers hear about transitions, not every keystroke.
func (c *Coordinator) Set(origin presence.Handle, conversationID string, ident common.Identity, isTyping bool) {
	if !isTyping {
		c.Clear(conversationID, ident)
		return
	}

	k := key{conversationID: conversationID, identity: ident.Key()}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if e, ok := c.states[k]; ok {
		e.timer.Stop()
		e.gen = gen
		e.origin = origin
		e.timer = time.AfterFunc(c.idle, func() { c.expire(k, gen) })
		c.mu.Unlock()
		return
	}
	c.states[k] = &entry{
		identity: ident,
		origin:   origin,
		gen:      gen,
		timer:    time.AfterFunc(c.idle, func() { c.expire(k, gen) }),
	}
	c.mu.Unlock()

	c.emit(conversationID, origin, ident, true)
}

// Clear drops typing state and tells peers, if there was anything to clear
func (c *Coordinator) Clear(conversationID string, ident common.Identity) {
	k := key{conversationID: conversationID, identity: ident.Key()}
	c.mu.Lock()
	e, ok := c.states[k]
	if ok {
		e.timer.Stop()
		delete(c.states, k)
	}
	c.mu.Unlock()

	if ok {
		c.emit(conversationID, e.origin, ident, false)
	}
}

// ClearIdentity stops every typing indicator of an identity that went offline
func (c *Coordinator) ClearIdentity(ident common.Identity) {
	type cleared struct {
		conversationID string
		origin         presence.Handle
	}
	var out []cleared

	c.mu.Lock()
	for k, e := range c.states {
		if k.identity != ident.Key() {
			continue
		}
		e.timer.Stop()
		delete(c.states, k)
		out = append(out, cleared{conversationID: k.conversationID, origin: e.origin})
	}
	c.mu.Unlock()

	for _, cl := range out {
		c.emit(cl.conversationID, cl.origin, ident, false)
	}
}

func (c *Coordinator) IsTyping(conversationID string, ident common.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[key{conversationID: conversationID, identity: ident.Key()}]
	return ok
}

func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	e, ok := c.states[k]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.states, k)
	c.mu.Unlock()

	c.logger.Debug("typing expired",
		slog.String("conversation_id", k.conversationID),
		slog.String("identity", k.identity))
	c.emit(k.conversationID, e.origin, e.identity, false)
}

func (c *Coordinator) emit(conversationID string, origin presence.Handle, ident common.Identity, isTyping bool) {
	frame := protocol.MustNew(protocol.TypeUserTyping, "", protocol.UserTypingPayload{
		ConversationID: conversationID,
		UserID:         ident.ID,
		Role:           ident.Role,
		IsTyping:       isTyping,
	})
	c.out.Broadcast(context.Background(), conversationID, origin, frame)
}

// Stop cancels all pending expiries without notifying anyone
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for k, e := range c.states {
		e.timer.Stop()
		delete(c.states, k)
	}
}
