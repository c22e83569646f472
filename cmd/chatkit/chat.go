package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	chatkit "github.com/tradora-app/chatkit"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool

	// history
	historyLimit int
	historyPages int

	// watch
	watchReconnects int
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsUnread {
			filtered := conversations[:0]
			for _, c := range conversations {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			conversations = filtered
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			peer := c.ParticipantOther.Username
			if peer == "" {
				peer = c.ParticipantOther.ID
			}
			fmt.Printf("  %s: %s - %s%s\n", c.ID, peer, c.LastMessagePreview, unread)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show conversation history",
	Long:  "Fetch conversation history page by page and print it in chronological order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()
		if historyLimit > 0 {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			var opts []chatkit.ClientOption
			if cfg.Default.BaseURL != "" {
				opts = append(opts, chatkit.WithBaseURL(cfg.Default.BaseURL))
			}
			opts = append(opts, chatkit.WithPageSize(historyLimit))
			client = chatkit.NewClient(chatkit.Credential{Token: cfg.Auth.Token, Guest: cfg.Auth.Guest}, opts...)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := chatkit.NewMessageStore()
		loader := chatkit.NewHistoryLoader(client, store, conversationID)

		if _, err := loader.LoadInitial(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for p := 1; p < historyPages && loader.Cursor().HasMore; p++ {
			if _, err := loader.LoadOlder(ctx); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		messages := store.Snapshot()
		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range messages {
			printMessage(msg)
		}
		if loader.Cursor().HasMore {
			fmt.Println("  (older messages available; use --pages to fetch more)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, conversationID, content, uuid.NewString())
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Watch a conversation live",
	Long: "Open a live view of a conversation: history is loaded, new messages\n" +
		"stream in over the socket, and lines typed on stdin are sent as messages.\n" +
		"Type /older to load an older page, /quit to exit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		directory := chatkit.NewDirectory(client, nil)

		var mu sync.Mutex
		printed := 0

		view, err := chatkit.OpenConversation(ctx, client, directory, conversationID, chatkit.ViewOptions{
			MaxReconnects: watchReconnects,
			OnMessages: func(messages []chatkit.Message) {
				mu.Lock()
				defer mu.Unlock()
				if len(messages) < printed {
					printed = 0
				}
				for _, msg := range messages[printed:] {
					printMessage(msg)
				}
				printed = len(messages)
			},
			OnPeerTyping: func(typing bool) {
				if typing {
					fmt.Println("  ... peer is typing")
				}
			},
			OnTransportDown: func(err error) {
				fmt.Fprintf(os.Stderr, "Socket down (%v); sends fall back to REST.\n", err)
			},
		})
		if err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		defer view.Close()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		fmt.Println("Watching. Type a message and press enter to send.")

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/older":
				loaded, err := view.LoadOlder(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to load older messages: %v\n", err)
				} else if !loaded {
					fmt.Println("  (no older messages)")
				}
			default:
				if err := view.Send(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				}
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return scanner.Err()
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printMessage renders one message as a single log-style line. Offer cards
// get an extra indented detail line.
func printMessage(msg chatkit.Message) {
	marker := ""
	if msg.LocalEcho {
		marker = " (sending...)"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt, msg.SenderID, msg.Content, marker)
	if msg.Kind == chatkit.MessageKindOffer && msg.Offer != nil {
		fmt.Printf("    offer: %s - %.2f (%s)\n", msg.Offer.Title, msg.Offer.Price, msg.Offer.Duration)
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Page size for history fetches")
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to fetch")

	watchCmd.Flags().IntVar(&watchReconnects, "reconnects", 5, "Maximum socket reconnect attempts")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(watchCmd)
}
