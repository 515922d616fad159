package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clinicchat/internal/chat/client"
	"clinicchat/internal/chat/store"
)

var (
	conversationID string
	pollInterval   time.Duration
	afterID        string
	page           int
	pageSize       int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Follow a conversation through the HTTP polling fallback",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		logger := newLogger()
		c := client.NewHTTPClient(serverURL, token)
		receipts := client.NewReadBatcher(func(ctx context.Context, conv string, ids []string) error {
			_, err := c.MarkRead(ctx, conv, ids)
			return err
		}, 0, 0, logger)
		defer receipts.Flush()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		poller := client.NewPoller(c, conversationID, afterID, pollInterval, logger)
		err := poller.Run(ctx, func(msgs []*store.Message) {
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				printMessage(out, m)
				ids = append(ids, m.ID)
			}
			receipts.Add(conversationID, ids...)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print one page of a conversation, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		msgs, err := client.NewHTTPClient(serverURL, token).Messages(cmd.Context(), conversationID, client.MessagesQuery{
			Page:     page,
			PageSize: pageSize,
			After:    afterID,
		})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search a conversation for a substring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		msgs, err := client.NewHTTPClient(serverURL, token).Search(cmd.Context(), conversationID, args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations with unread counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		views, err := client.NewHTTPClient(serverURL, token).Conversations(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the total number of unread messages addressed to you",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		n, err := client.NewHTTPClient(serverURL, token).UnreadCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func printMessage(out io.Writer, m *store.Message) {
	read := " "
	if m.Read {
		read = "✓"
	}
	fmt.Fprintf(out, "%s [%s] %s.%s: %s\n", read, m.CreatedAt.Format(time.RFC3339), m.SenderRole, m.SenderID, m.Content)
}

func init() {
	for _, c := range []*cobra.Command{pollCmd, historyCmd, searchCmd} {
		c.Flags().StringVar(&conversationID, "conversation", "", "conversation id, e.g. doctor.d-1~patient.p-9")
		_ = c.MarkFlagRequired("conversation")
	}
	pollCmd.Flags().DurationVar(&pollInterval, "interval", client.DefaultPollInterval, "poll interval")
	pollCmd.Flags().StringVar(&afterID, "after", "", "only messages after this message id")
	historyCmd.Flags().StringVar(&afterID, "after", "", "only messages after this message id")
	historyCmd.Flags().IntVar(&page, "page", 1, "page number, 1 is the oldest")
	historyCmd.Flags().IntVar(&pageSize, "page-size", 50, "messages per page")

	rootCmd.AddCommand(pollCmd, historyCmd, searchCmd, conversationsCmd, unreadCmd)
}
