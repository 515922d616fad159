package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/session"
	"clinicchat/internal/common"
)

// ChatStreamServer is the server API of clinicchat.v1.ChatStream
type ChatStreamServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ChatStreamServer).Connect(stream)
}

var chatStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ServiceName,
	HandlerType: (*ChatStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    protocol.ConnectStreamDesc.StreamName,
		Handler:       connectHandler,
		ServerStreams: protocol.ConnectStreamDesc.ServerStreams,
		ClientStreams: protocol.ConnectStreamDesc.ClientStreams,
	}},
	Metadata: "clinicchat/v1/chat_stream.proto",
}

func RegisterChatStreamServer(s grpc.ServiceRegistrar, srv ChatStreamServer) {
	s.RegisterService(&chatStreamServiceDesc, srv)
}

// StreamHandler serves the bidirectional chat stream. The identity is put on
// the stream context by common.StreamAuthInterceptor.
type StreamHandler struct {
	sessions   *session.Manager
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewStreamHandler(sessions *session.Manager, dispatcher *Dispatcher, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "grpc-stream")),
	}
}

func (h *StreamHandler) Connect(stream grpc.ServerStream) error {
	ident, ok := common.IdentityFromContext(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "authorization required")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	write := func(_ context.Context, f protocol.Frame) error {
		msg, err := protocol.ToStruct(f)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	}
	closeFn := func(string) error {
		cancel()
		return nil
	}
	transport := newPumpTransport(write, closeFn, h.logger)

	s, err := h.sessions.Open(ident, transport)
	if err != nil {
		return common.GRPCStatus(err)
	}
	defer h.sessions.Disconnect(s.Handle(), "stream ended")
	h.logger.Info("stream established", slog.String("handle", string(s.Handle())), slog.String("identity", ident.Key()))

	go transport.run(ctx)

	// RecvMsg does not observe ctx, so it runs apart and the handler returns
	// as soon as the session is torn down
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.recvLoop(s, stream)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-ctx.Done():
		if stream.Context().Err() != nil {
			return stream.Context().Err()
		}
		return status.Error(codes.Unavailable, "session closed")
	}
}

func (h *StreamHandler) recvLoop(s *session.Session, stream grpc.ServerStream) error {
	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		f, err := protocol.FromStruct(in)
		if err != nil {
			h.dispatcher.Reject(s, "", err)
			continue
		}
		h.dispatcher.Handle(s.Context(), s, f)
	}
}
