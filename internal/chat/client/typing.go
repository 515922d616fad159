package client

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultTypingQuiet = 2 * time.Second
	typingSendTimeout  = 2 * time.Second
)

// TypingSender is satisfied by Session.Typing
type TypingSender func(ctx context.Context, conversationID string, isTyping bool) error

// TypingDebouncer turns keystrokes into at most one "typing" signal per quiet
// period, and sends "stopped" once keystrokes pause for that long.
type TypingDebouncer struct {
	send  TypingSender
	quiet time.Duration

	mu       sync.Mutex
	conv     string
	typing   bool
	lastSent time.Time
	timer    *time.Timer
}

func NewTypingDebouncer(send TypingSender, quiet time.Duration) *TypingDebouncer {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	return &TypingDebouncer{send: send, quiet: quiet}
}

func (d *TypingDebouncer) Keystroke(conversationID string) {
	d.mu.Lock()
	if d.typing && d.conv != conversationID {
		d.stopLocked()
	}
	d.conv = conversationID
	now := time.Now()
	emit := !d.typing || now.Sub(d.lastSent) >= d.quiet
	d.typing = true
	if emit {
		d.lastSent = now
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.Stop)
	d.mu.Unlock()

	if emit {
		d.emit(conversationID, true)
	}
}

// Stop sends "stopped typing" if a typing signal is outstanding
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
}

func (d *TypingDebouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.typing {
		return
	}
	d.typing = false
	go d.emit(d.conv, false)
}

func (d *TypingDebouncer) emit(conversationID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), typingSendTimeout)
	defer cancel()
	_ = d.send(ctx, conversationID, isTyping)
}
