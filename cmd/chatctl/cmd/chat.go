package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"clinicchat/internal/chat/client"
	"clinicchat/internal/chat/conversation"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

var (
	transport string
	meKey     string
	peerKey   string
)

// chatCmd opens a live conversation: stdin lines are sent, pushes are printed
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open a live conversation with a peer",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&transport, "transport", "ws", "live transport: ws or grpc")
	chatCmd.Flags().StringVar(&meKey, "me", "", "your identity as role.id")
	chatCmd.Flags().StringVar(&peerKey, "peer", "", "peer identity as role.id")
	_ = chatCmd.MarkFlagRequired("me")
	_ = chatCmd.MarkFlagRequired("peer")
	rootCmd.AddCommand(chatCmd)
}

func newDialer() (client.Dialer, func(), error) {
	switch transport {
	case "ws":
		u := strings.Replace(strings.TrimRight(serverURL, "/"), "http", "ws", 1) + "/ws"
		return &client.WSDialer{URL: u, Token: token}, func() {}, nil
	case "grpc":
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		return &client.GRPCDialer{Conn: conn, Token: token}, func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	if err := requireToken(); err != nil {
		return err
	}
	me, err := common.ParseIdentityKey(meKey)
	if err != nil {
		return err
	}
	peer, err := common.ParseIdentityKey(peerKey)
	if err != nil {
		return err
	}
	convID, err := conversation.Resolve(me, peer)
	if err != nil {
		return err
	}

	dialer, closeDialer, err := newDialer()
	if err != nil {
		return err
	}
	defer closeDialer()

	logger := newLogger()
	out := cmd.OutOrStdout()
	sess := client.NewSession(dialer, client.Options{}, logger)
	defer sess.Close()

	receipts := client.NewReadBatcher(func(ctx context.Context, conv string, ids []string) error {
		_, err := sess.MarkRead(ctx, conv, ids)
		return err
	}, 0, 0, logger)
	defer receipts.Flush()
	typing := client.NewTypingDebouncer(sess.Typing, 0)

	sess.OnStateChange(func(_, to client.State) {
		fmt.Fprintf(out, "* %s\n", to)
	})
	sess.OnPush(func(f protocol.Frame) {
		printPush(out, f, me, receipts)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	ack, err := sess.Join(ctx, convID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "* joined %s (peer online: %v)\n", ack.ConversationID, ack.PeerOnline)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return sess.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			typing.Keystroke(convID)
			sess.SetDraft(line)
			res, err := sess.Send(ctx, protocol.SendMessagePayload{
				ReceiverID:   peer.ID,
				ReceiverRole: peer.Role,
				Content:      line,
			})
			typing.Stop()
			if err != nil {
				fmt.Fprintf(out, "! not sent (%s): %s\n", common.KindOf(err), common.Message(err))
				continue
			}
			status := "delivered"
			if res.Missed > 0 {
				status = "stored, peer offline"
			}
			fmt.Fprintf(out, "  ✓ %s\n", status)
		}
	}
}

func printPush(out io.Writer, f protocol.Frame, me common.Identity, receipts *client.ReadBatcher) {
	switch f.Type {
	case protocol.TypeReceiveMessage:
		var p protocol.ReceiveMessagePayload
		if f.Decode(&p) != nil || p.Message == nil {
			return
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", p.Message.CreatedAt.Format("15:04:05"), p.Message.SenderID, p.Message.Content)
		if p.Message.ReceiverID == me.ID && p.Message.ReceiverRole == me.Role {
			receipts.Add(p.Message.ConversationID, p.Message.ID)
		}
	case protocol.TypeUserTyping:
		var p protocol.UserTypingPayload
		if f.Decode(&p) == nil && p.IsTyping {
			fmt.Fprintf(out, "* %s is typing…\n", p.UserID)
		}
	case protocol.TypeMessageRead:
		var p protocol.MessageReadPayload
		if f.Decode(&p) == nil {
			fmt.Fprintf(out, "* %d message(s) read by %s\n", len(p.MessageIDs), p.ReaderID)
		}
	case protocol.TypePresenceChanged:
		var p protocol.PresenceChangedPayload
		if f.Decode(&p) == nil {
			fmt.Fprintf(out, "* %s.%s online: %v\n", p.Role, p.UserID, p.Online)
		}
	case protocol.TypeUnreadCount:
		var p protocol.UnreadCountPayload
		if f.Decode(&p) == nil {
			fmt.Fprintf(out, "* unread: %d\n", p.Count)
		}
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if f.Decode(&p) == nil {
			fmt.Fprintf(out, "! %s: %s\n", p.Code, p.Message)
		}
	}
}
