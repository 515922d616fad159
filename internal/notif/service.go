// Package notif runs side effects that must never hold up the live path:
// unread badge refreshes and presence announcements.
package notif

import (
	"context"
	"log/slog"
	"sync"

	"clinicchat/internal/common"
)

type EventType string

const (
	UnreadChanged   EventType = "unread_changed"
	PresenceChanged EventType = "presence_changed"
)

type Event struct {
	Type     EventType
	Identity common.Identity
	Online   bool
}

type Observer interface {
	Name() string
	Update(ctx context.Context, event Event) error
}

type NotificationManager struct {
	observers    map[string]Observer
	eventChannel chan Event
	workerPool   int
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	wg           sync.WaitGroup
	logger       *slog.Logger
}

func NewNotificationManager(workerPoolSize, buffer int, logger *slog.Logger) *NotificationManager {
	if workerPoolSize <= 0 {
		workerPoolSize = 1
	}
	if buffer <= 0 {
		buffer = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())

	nm := &NotificationManager{
		observers:    make(map[string]Observer),
		eventChannel: make(chan Event, buffer),
		workerPool:   workerPoolSize,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(slog.String("component", "notif")),
	}

	for i := 0; i < workerPoolSize; i++ {
		nm.wg.Add(1)
		go nm.processEvents()
	}

	return nm
}

func (nm *NotificationManager) Subscribe(observer Observer) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.observers[observer.Name()] = observer
	nm.logger.Info("observer subscribed", slog.String("observer", observer.Name()))
}

func (nm *NotificationManager) Unsubscribe(observer Observer) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.observers, observer.Name())
	nm.logger.Info("observer unsubscribed", slog.String("observer", observer.Name()))
}

// Notify runs every observer synchronously; failures are logged, not returned
func (nm *NotificationManager) Notify(ctx context.Context, event Event) {
	nm.mu.RLock()
	observers := make([]Observer, 0, len(nm.observers))
	for _, obs := range nm.observers {
		observers = append(observers, obs)
	}
	nm.mu.RUnlock()

	for _, observer := range observers {
		if err := observer.Update(ctx, event); err != nil {
			nm.logger.Warn("observer update failed",
				slog.String("observer", observer.Name()),
				slog.String("event", string(event.Type)),
				slog.Any("error", err))
		}
	}
}

// NotifyAsync never blocks: when the queue is full the event is dropped
func (nm *NotificationManager) NotifyAsync(event Event) {
	select {
	case <-nm.ctx.Done():
		return
	default:
	}

	select {
	case nm.eventChannel <- event:
	case <-nm.ctx.Done():
	default:
		nm.logger.Warn("notification queue full, dropping event",
			slog.String("event", string(event.Type)),
			slog.String("identity", event.Identity.Key()))
	}
}

func (nm *NotificationManager) processEvents() {
	defer nm.wg.Done()

	for {
		select {
		case event := <-nm.eventChannel:
			nm.Notify(nm.ctx, event)
		case <-nm.ctx.Done():
			return
		}
	}
}

// Shutdown stops the workers; queued events that were not picked up are discarded
func (nm *NotificationManager) Shutdown() {
	nm.cancel()
	nm.wg.Wait()
	nm.logger.Info("notification manager shutdown complete")
}
