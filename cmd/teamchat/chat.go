package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fitcrew/teamchat"
)

const followInterval = 250 * time.Millisecond

var (
	membersJSON bool

	sendJSON    bool
	sendTimeout time.Duration

	tailFeed feedFlags
	chatFeed feedFlags
)

// ============================================================================
// members
// ============================================================================

var membersCmd = &cobra.Command{
	Use:   "members <conversation-id>",
	Short: "List the members of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		members, err := client.TeamMembers(ctx, args[0])
		if err != nil {
			return err
		}
		if membersJSON {
			return printJSON(members)
		}
		if len(members) == 0 {
			fmt.Println("No members.")
			return nil
		}
		for _, m := range members {
			fmt.Printf("  %-24s %s\n", m.UserID, valueOrDefault(m.DisplayName, teamchat.UnknownUser))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		user, err := client.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("cannot resolve current user: %w", err)
		}

		store := teamchat.NewMessageStore()
		defer store.Close()
		sender := teamchat.NewSendCoordinator(args[0], store, client,
			teamchat.WithConfig(cfg.sessionConfig()),
			teamchat.WithLogger(logger),
			teamchat.WithMetrics(metrics),
		)

		delivery, err := sender.Send(strings.Join(args[1:], " "), user)
		if err != nil {
			return err
		}
		sent, err := delivery.Wait(ctx)
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(sent)
		}
		fmt.Printf("Sent %s\n", sent.ID)
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Print recent history and follow new messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session, err := openSession(ctx, args[0], &tailFeed)
		if err != nil {
			return err
		}
		defer session.Close()

		seen := make(map[string]bool)
		printNew(session.Session, seen)
		follow(ctx, session.Session, seen)
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Interactive chat: follow the conversation and send each input line",
	Long: "Open a conversation, print recent history and follow new messages.\n" +
		"Every line read from stdin is sent as a message. Type /quit or send EOF to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		onFailure := teamchat.WithFailureHandler(func(f *teamchat.SendFailure) {
			fmt.Fprintf(os.Stderr, "Not delivered: %q: %v\n", f.Message.Body, f.Err)
		})
		session, err := openSession(ctx, args[0], &chatFeed, onFailure)
		if err != nil {
			return err
		}
		defer session.Close()

		seen := make(map[string]bool)
		printNew(session.Session, seen)

		followCtx, stopFollow := context.WithCancel(ctx)
		defer stopFollow()
		go follow(followCtx, session.Session, seen)

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			if interactive {
				fmt.Fprint(os.Stderr, "> ")
			}
			select {
			case <-ctx.Done():
				session.Wait()
				return nil
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "/quit" {
					session.Wait()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := session.Send(line); err != nil {
					reportSendError(err)
				}
			}
		}
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printNew prints confirmed messages not yet in seen, in timeline order.
// Pending placeholders are skipped; they show up once confirmed.
func printNew(s *teamchat.Session, seen map[string]bool) {
	for _, m := range s.Messages() {
		if m.Status != teamchat.StatusSent || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		printMessage(s, m)
	}
}

// follow polls the session timeline until ctx is done.
func follow(ctx context.Context, s *teamchat.Session, seen map[string]bool) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printNew(s, seen)
		}
	}
}

func reportSendError(err error) {
	var verr *teamchat.ValidationError
	switch {
	case errors.Is(err, teamchat.ErrEmptyBody):
		return
	case errors.As(err, &verr):
		fmt.Fprintf(os.Stderr, "Message too long: %d characters (max %d)\n", verr.Length, verr.Max)
	default:
		fmt.Fprintf(os.Stderr, "Cannot send: %v\n", err)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	membersCmd.Flags().BoolVar(&membersJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for confirmation")

	tailFeed.register(tailCmd)
	chatFeed.register(chatCmd)

	rootCmd.AddCommand(membersCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(chatCmd)
}
