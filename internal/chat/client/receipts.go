package client

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultReadBatchDelay = 300 * time.Millisecond
	DefaultReadBatchMax   = 50
	readFlushTimeout      = 5 * time.Second
)

// ReadFlusher is satisfied by a wrapper over Session.MarkRead or HTTPClient.MarkRead
type ReadFlusher func(ctx context.Context, conversationID string, messageIDs []string) error

// ReadBatcher collects viewed message ids per conversation and reports them
// in batches, so a fast-scrolling view sends a handful of receipts instead of
// one per message.
type ReadBatcher struct {
	flush  ReadFlusher
	delay  time.Duration
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]string
	seen    map[string]map[string]struct{}
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewReadBatcher(flush ReadFlusher, delay time.Duration, maxBatch int, logger *slog.Logger) *ReadBatcher {
	if delay <= 0 {
		delay = DefaultReadBatchDelay
	}
	if maxBatch <= 0 {
		maxBatch = DefaultReadBatchMax
	}
	return &ReadBatcher{
		flush:   flush,
		delay:   delay,
		max:     maxBatch,
		logger:  logger,
		pending: make(map[string][]string),
		seen:    make(map[string]map[string]struct{}),
		timers:  make(map[string]*time.Timer),
	}
}

// Add queues ids; ids already queued or successfully sent for the conversation
// are ignored
func (b *ReadBatcher) Add(conversationID string, messageIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := b.seen[conversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		b.seen[conversationID] = seen
	}
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		b.pending[conversationID] = append(b.pending[conversationID], id)
		if len(b.pending[conversationID]) >= b.max {
			b.dispatchLocked(conversationID)
		}
	}
	if len(b.pending[conversationID]) > 0 && b.timers[conversationID] == nil {
		b.timers[conversationID] = time.AfterFunc(b.delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.dispatchLocked(conversationID)
		})
	}
}

func (b *ReadBatcher) dispatchLocked(conversationID string) {
	if t := b.timers[conversationID]; t != nil {
		t.Stop()
		delete(b.timers, conversationID)
	}
	ids := b.pending[conversationID]
	if len(ids) == 0 {
		return
	}
	delete(b.pending, conversationID)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), readFlushTimeout)
		defer cancel()
		if err := b.flush(ctx, conversationID, ids); err != nil {
			b.logger.Warn("failed to send read receipts",
				slog.String("conversation", conversationID),
				slog.Int("count", len(ids)),
				slog.Any("error", err))
			b.forget(conversationID, ids)
		}
	}()
}

// forget lets a later Add report ids whose receipt was not delivered
func (b *ReadBatcher) forget(conversationID string, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := b.seen[conversationID]
	for _, id := range ids {
		delete(seen, id)
	}
}

// Flush sends everything queued and waits for the sends to finish
func (b *ReadBatcher) Flush() {
	b.mu.Lock()
	for conv := range b.pending {
		b.dispatchLocked(conv)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
