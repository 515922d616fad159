package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

// Conn is one live connection. Send may be called concurrently with Recv.
type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Recv(ctx context.Context) (protocol.Frame, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer opens WebSocket connections carrying JSON frames
type WSDialer struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.Token)
	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, common.Authentication("dial", "credential rejected")
		}
		return nil, common.Transport("dial", err)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, f protocol.Frame) error {
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		return common.Transport("send frame", err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (protocol.Frame, error) {
	var f protocol.Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		return protocol.Frame{}, common.Transport("receive frame", err)
	}
	return f, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closed")
}

// GRPCDialer opens chat streams on an existing client connection
type GRPCDialer struct {
	Conn  *grpc.ClientConn
	Token string
}

// Dial opens the stream and waits for a Pong, so a rejected credential
// surfaces here rather than on the first read.
func (d *GRPCDialer) Dial(ctx context.Context) (Conn, error) {
	sctx, cancel := context.WithCancel(context.Background())
	sctx = metadata.AppendToOutgoingContext(sctx, "authorization", "Bearer "+d.Token)
	stream, err := d.Conn.NewStream(sctx, &protocol.ConnectStreamDesc, protocol.ConnectMethod)
	if err != nil {
		cancel()
		return nil, dialError(err)
	}
	c := &grpcConn{stream: stream, cancel: cancel}

	if err := c.Send(ctx, protocol.Frame{Type: protocol.TypePing, RequestID: "handshake"}); err != nil {
		// a rejected stream fails sends with io.EOF; the status is on the read side
		if _, rerr := c.recvWithContext(ctx); rerr != nil {
			err = rerr
		}
		cancel()
		return nil, err
	}
	for {
		f, err := c.recvWithContext(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		if f.Type == protocol.TypePong {
			return c, nil
		}
	}
}

func dialError(err error) error {
	err = common.FromGRPCStatus(err)
	if common.KindOf(err) == common.KindAuthentication {
		return err
	}
	return common.Transport("dial", err)
}

type grpcConn struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
}

func (c *grpcConn) Send(_ context.Context, f protocol.Frame) error {
	msg, err := protocol.ToStruct(f)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(msg); err != nil {
		return dialError(err)
	}
	return nil
}

func (c *grpcConn) Recv(_ context.Context) (protocol.Frame, error) {
	in := new(structpb.Struct)
	if err := c.stream.RecvMsg(in); err != nil {
		return protocol.Frame{}, dialError(err)
	}
	return protocol.FromStruct(in)
}

// recvWithContext gives up on a handshake that never answers
func (c *grpcConn) recvWithContext(ctx context.Context) (protocol.Frame, error) {
	type result struct {
		f   protocol.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := c.Recv(ctx)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		c.cancel()
		return protocol.Frame{}, common.Transport("dial", ctx.Err())
	}
}

func (c *grpcConn) Close() error {
	c.sendMu.Lock()
	err := c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
