package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL to store alongside the token")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [token]",
	Short: "Store an access token in ~/.teamchat/config.toml",
	Long: "Initialize the teamchat CLI by storing your access token in the local configuration file.\n" +
		"The token is checked against the backend and the resolved identity is saved with it.\n" +
		"Without an argument the token is read from the terminal without echo.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			t, err := promptSecret("Access token: ")
			if err != nil {
				return err
			}
			token = t
		}
		if token == "" {
			return errors.New("token must not be empty")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		probe := *cfg
		probe.applyEnv()
		probe.Auth.Token = token
		client, err := getClient(&probe)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		user, err := client.CurrentUser(ctx)
		if err != nil {
			return fmt.Errorf("token check failed: %w", err)
		}
		cfg.Auth.UserID = user.ID
		cfg.Auth.DisplayName = user.DisplayName

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(user.DisplayName, "(no display name)"), user.ID)
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}

// promptSecret reads one line from stdin, without echo when stdin is a
// terminal.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, label)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
