package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fitcrew/teamchat"
)

// ============================================================================
// Client
// ============================================================================

// getClient creates a client authenticated with the stored token.
func getClient(cfg *Config) (*teamchat.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token configured; run 'teamchat init' or set TEAMCHAT_TOKEN")
	}
	var opts []teamchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, teamchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return teamchat.NewClient(cfg.Auth.Token, opts...), nil
}

// ============================================================================
// Live feed
// ============================================================================

// feedFlags selects the live transport for commands that open a session.
type feedFlags struct {
	transport     string
	webhookAddr   string
	webhookSecret string
	noReconnect   bool
}

func (f *feedFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.transport, "transport", "ws", "Live feed transport: ws, sse or webhook")
	cmd.Flags().StringVar(&f.webhookAddr, "webhook-addr", ":8787", "Listen address for the webhook transport")
	cmd.Flags().StringVar(&f.webhookSecret, "webhook-secret", "", "Signing secret for the webhook transport (or TEAMCHAT_WEBHOOK_SECRET)")
	cmd.Flags().BoolVar(&f.noReconnect, "no-reconnect", false, "Give up when the live connection drops")
}

// source builds the event source. The returned stop function releases
// anything the transport started outside of a subscription.
func (f *feedFlags) source(cfg *Config, client *teamchat.Client) (teamchat.EventSource, func(), error) {
	rc := &teamchat.RealtimeConfig{
		Token:                cfg.Auth.Token,
		AutoReconnect:        !f.noReconnect,
		MaxReconnectAttempts: -1,
		Logger:               logger,
	}

	switch f.transport {
	case "ws":
		if cfg.Default.WSURL != "" {
			return teamchat.NewWSEventSource(cfg.Default.WSURL, rc), func() {}, nil
		}
		return client.Events(rc), func() {}, nil
	case "sse":
		return teamchat.NewSSEEventSource(client.BaseURL(), rc), func() {}, nil
	case "webhook":
		secret := valueOrDefault(f.webhookSecret, os.Getenv("TEAMCHAT_WEBHOOK_SECRET"))
		feed, err := teamchat.NewWebhookFeed(secret, logger)
		if err != nil {
			return nil, nil, err
		}
		srv := &http.Server{Addr: f.webhookAddr, Handler: feed.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", f.webhookAddr).Msg("webhook listener stopped")
			}
		}()
		stop := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}
		return feed, stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (valid: ws, sse, webhook)", f.transport)
	}
}

// ============================================================================
// Session
// ============================================================================

// chatSession bundles a session with the resources that back it.
type chatSession struct {
	*teamchat.Session
	subs *teamchat.SubscriptionManager
	stop func()
}

// Close tears the session down, then the subscriptions and transport.
func (c *chatSession) Close() {
	c.Session.Close()
	c.subs.UnsubscribeAll()
	c.stop()
}

// openSession loads config, connects the live feed and opens conversationID.
// A history failure is reported but leaves the session usable.
func openSession(ctx context.Context, conversationID string, feed *feedFlags, extra ...teamchat.Option) (*chatSession, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, err
	}
	source, stop, err := feed.source(cfg, client)
	if err != nil {
		return nil, err
	}

	opts := []teamchat.Option{
		teamchat.WithConfig(cfg.sessionConfig()),
		teamchat.WithLogger(logger),
		teamchat.WithMetrics(metrics),
	}
	opts = append(opts, extra...)

	subs := teamchat.NewSubscriptionManager(source, teamchat.WithLogger(logger), teamchat.WithMetrics(metrics))
	session := teamchat.NewSession(client, subs, opts...)

	if err := session.Open(ctx, conversationID); err != nil {
		var histErr *teamchat.HistoryLoadError
		if !errors.As(err, &histErr) {
			subs.UnsubscribeAll()
			stop()
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return &chatSession{Session: session, subs: subs, stop: stop}, nil
}

// ============================================================================
// Output
// ============================================================================

// printMessage writes one message line: time, author and body.
func printMessage(s *teamchat.Session, m teamchat.Message) {
	author := s.DisplayName(m)
	if s.IsOwn(m) {
		author += " (you)"
	}
	var suffix string
	switch m.Status {
	case teamchat.StatusPending:
		suffix = "  [sending]"
	case teamchat.StatusFailed:
		suffix = "  [failed]"
	}
	fmt.Printf("[%s] %s: %s%s\n", humanize.Time(m.CreatedAt), author, m.Body, suffix)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
