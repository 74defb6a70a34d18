package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fitcrew/teamchat"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file verbatim")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage teamchat configuration",
	Long:  "View or modify the teamchat CLI configuration stored in ~/.teamchat/config.toml.",
}

// setting is one row of `config show`: the effective value and where it
// came from.
type setting struct {
	key    string
	value  string
	source string
}

// describeConfig resolves every known key against the file, the
// environment overrides and the library defaults.
func describeConfig(file *Config, env func(string) string) []setting {
	str := func(key, fileVal, envVar, def string) setting {
		if v := env(envVar); envVar != "" && v != "" {
			return setting{key, v, "env " + envVar}
		}
		if fileVal != "" {
			return setting{key, fileVal, "file"}
		}
		return setting{key, def, "default"}
	}
	num := func(key string, fileVal, def int) setting {
		if fileVal > 0 {
			return setting{key, strconv.Itoa(fileVal), "file"}
		}
		return setting{key, strconv.Itoa(def), "default"}
	}

	token := str("auth.token", file.Auth.Token, "TEAMCHAT_TOKEN", "")
	if token.value != "" {
		token.value = maskKey(token.value)
	} else {
		token.value = "(not set)"
	}

	return []setting{
		str("default.base_url", file.Default.BaseURL, "TEAMCHAT_BASE_URL", teamchat.DefaultBaseURL),
		str("default.ws_url", file.Default.WSURL, "TEAMCHAT_WS_URL", "(derived from base_url)"),
		num("default.max_body_length", file.Default.MaxBodyLength, teamchat.DefaultMaxBodyLength),
		num("default.history_limit", file.Default.HistoryLimit, teamchat.DefaultHistoryLimit),
		token,
		str("auth.user_id", file.Auth.UserID, "", "(unknown)"),
		str("auth.display_name", file.Auth.DisplayName, "", "(unknown)"),
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("%s (not created yet; run 'teamchat init')\n\n", path)
		} else {
			fmt.Printf("%s\n\n", path)
		}
		for _, s := range describeConfig(cfg, os.Getenv) {
			fmt.Printf("  %-24s %-28s [%s]\n", s.key, s.value, s.source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: teamchat config set default.history_limit 100",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
