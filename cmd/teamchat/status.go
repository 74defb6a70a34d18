package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitcrew/teamchat"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and check the stored token against the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:        %s\n", valueOrDefault(cfg.Default.BaseURL, teamchat.DefaultBaseURL+" (default)"))
		fmt.Printf("  Live feed URL:   %s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base URL)"))
		fmt.Printf("  Max body length: %d\n", cfg.sessionConfig().MaxBodyLength)
		fmt.Printf("  History limit:   %d\n", cfg.sessionConfig().HistoryLimit)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:        (not set)")
			return nil
		}
		fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Display Name: %s\n", valueOrDefault(cfg.Auth.DisplayName, "(unknown)"))

		fmt.Println()
		fmt.Println("Live status:")
		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := client.CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  User ID:      %s\n", user.ID)
		fmt.Printf("  Display Name: %s\n", valueOrDefault(user.DisplayName, teamchat.UnknownUser))
		if cfg.Auth.UserID != "" && cfg.Auth.UserID != user.ID {
			fmt.Println("  Note: token now resolves to a different user; run 'teamchat init' to refresh.")
		}
		return nil
	},
}
