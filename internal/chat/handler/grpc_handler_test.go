package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

const bufSize = 1024 * 1024

func newStreamClient(t *testing.T, s *stack) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(grpc.StreamInterceptor(common.StreamAuthInterceptor(s.auth)))
	RegisterChatStreamServer(srv, NewStreamHandler(s.sessions, s.dispatcher, discardLogger()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func openStream(t *testing.T, conn *grpc.ClientConn, token string) grpc.ClientStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	stream, err := conn.NewStream(ctx, &protocol.ConnectStreamDesc, protocol.ConnectMethod)
	require.NoError(t, err)
	return stream
}

func sendStream(t *testing.T, stream grpc.ClientStream, f protocol.Frame) {
	t.Helper()
	msg, err := protocol.ToStruct(f)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(msg))
}

func recvStreamUntil(t *testing.T, stream grpc.ClientStream, typ protocol.FrameType) protocol.Frame {
	t.Helper()
	for {
		in := new(structpb.Struct)
		require.NoError(t, stream.RecvMsg(in))
		f, err := protocol.FromStruct(in)
		require.NoError(t, err)
		if f.Type == typ {
			return f
		}
	}
}

func TestStreamHandler_Unauthenticated(t *testing.T) {
	s := newStack(t)
	conn := newStreamClient(t, s)

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing metadata", token: ""},
		{name: "invalid token", token: "bogus"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stream := openStream(t, conn, tc.token)
			err := stream.RecvMsg(new(structpb.Struct))
			require.Error(t, err)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestStreamHandler_SendAcrossTransports(t *testing.T) {
	s := newStack(t)
	conn := newStreamClient(t, s)
	wsSrv := newWSServer(t, s)

	doctorStream := openStream(t, conn, s.token(t, doctor))
	patientWS := dialWS(t, wsSrv, s.token(t, patient))

	sendStream(t, doctorStream, mustFrame(t, protocol.TypeJoinConversation, "j1", protocol.ConversationRef{ConversationID: conv}))
	recvStreamUntil(t, doctorStream, protocol.TypeAck)
	writeFrame(t, patientWS, mustFrame(t, protocol.TypeJoinConversation, "j2", protocol.ConversationRef{ConversationID: conv}))
	readUntil(t, patientWS, protocol.TypeAck)

	sendStream(t, doctorStream, mustFrame(t, protocol.TypeSendMessage, "s1", protocol.SendMessagePayload{
		ReceiverID:      patient.ID,
		ReceiverRole:    patient.Role,
		Content:         "Please take the medicine after meals",
		ClientMessageID: "c-1",
	}))
	ack := recvStreamUntil(t, doctorStream, protocol.TypeAck)
	var sendAck protocol.SendAck
	require.NoError(t, ack.Decode(&sendAck))
	assert.Equal(t, 1, sendAck.Delivered)
	assert.False(t, sendAck.Duplicate)

	got := readUntil(t, patientWS, protocol.TypeReceiveMessage)
	var recv protocol.ReceiveMessagePayload
	require.NoError(t, got.Decode(&recv))
	assert.Equal(t, sendAck.Message.ID, recv.Message.ID)

	// a retried send with the same client id is answered from the store
	sendStream(t, doctorStream, mustFrame(t, protocol.TypeSendMessage, "s2", protocol.SendMessagePayload{
		ReceiverID:      patient.ID,
		ReceiverRole:    patient.Role,
		Content:         "Please take the medicine after meals",
		ClientMessageID: "c-1",
	}))
	retry := recvStreamUntil(t, doctorStream, protocol.TypeAck)
	var retryAck protocol.SendAck
	require.NoError(t, retry.Decode(&retryAck))
	assert.True(t, retryAck.Duplicate)
	assert.Equal(t, sendAck.Message.ID, retryAck.Message.ID)
}

func TestStreamHandler_CloseSendUnregisters(t *testing.T) {
	s := newStack(t)
	conn := newStreamClient(t, s)
	stream := openStream(t, conn, s.token(t, doctor))

	sendStream(t, stream, protocol.Frame{Type: protocol.TypePing, RequestID: "hb"})
	pong := recvStreamUntil(t, stream, protocol.TypePong)
	assert.Equal(t, "hb", pong.RequestID)
	assert.True(t, s.registry.IsOnline(doctor))

	require.NoError(t, stream.CloseSend())
	assert.Eventually(t, func() bool {
		return !s.registry.IsOnline(doctor)
	}, 2*time.Second, 10*time.Millisecond)
}
