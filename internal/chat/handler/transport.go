package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"clinicchat/internal/chat/protocol"
)

const sendBuffer = 64

var errTransportClosed = errors.New("transport closed")

// pumpTransport queues outbound frames for a single writer goroutine, so the
// underlying connection never sees concurrent writes.
type pumpTransport struct {
	send      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once

	write   func(ctx context.Context, f protocol.Frame) error
	closeFn func(reason string) error
	logger  *slog.Logger
}

func newPumpTransport(write func(ctx context.Context, f protocol.Frame) error, closeFn func(reason string) error, logger *slog.Logger) *pumpTransport {
	return &pumpTransport{
		send:    make(chan protocol.Frame, sendBuffer),
		done:    make(chan struct{}),
		write:   write,
		closeFn: closeFn,
		logger:  logger,
	}
}

func (t *pumpTransport) Push(ctx context.Context, f protocol.Frame) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pumpTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.closeFn(reason)
	})
	return err
}

// run writes queued frames until the transport closes or a write fails
func (t *pumpTransport) run(ctx context.Context) {
	for {
		select {
		case f := <-t.send:
			if err := t.write(ctx, f); err != nil {
				t.logger.Debug("write pump stopped", slog.Any("error", err))
				_ = t.Close("write failed")
				return
			}
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
