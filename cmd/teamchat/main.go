package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fitcrew/teamchat"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.teamchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds connection and session settings.
type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	WSURL         string `toml:"ws_url"`
	MaxBodyLength int    `toml:"max_body_length"`
	HistoryLimit  int    `toml:"history_limit"`
}

// ConfigAuth holds the stored credential and the identity it resolved to.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// applyEnv overlays TEAMCHAT_* environment variables on the file config.
func (c *Config) applyEnv() {
	if v := os.Getenv("TEAMCHAT_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("TEAMCHAT_BASE_URL"); v != "" {
		c.Default.BaseURL = v
	}
	if v := os.Getenv("TEAMCHAT_WS_URL"); v != "" {
		c.Default.WSURL = v
	}
}

// sessionConfig converts the stored limits to the library config.
func (c *Config) sessionConfig() teamchat.Config {
	sc := teamchat.Config{
		MaxBodyLength: c.Default.MaxBodyLength,
		HistoryLimit:  c.Default.HistoryLimit,
	}
	if sc.MaxBodyLength <= 0 {
		sc.MaxBodyLength = teamchat.DefaultMaxBodyLength
	}
	if sc.HistoryLimit <= 0 {
		sc.HistoryLimit = teamchat.DefaultHistoryLimit
	}
	return sc
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.teamchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".teamchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
// Commands that write the file must use loadConfig so overrides never
// leak to disk.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "max_body_length":
			return setPositiveInt(&cfg.Default.MaxBodyLength, field, value)
		case "history_limit":
			return setPositiveInt(&cfg.Default.HistoryLimit, field, value)
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

func setPositiveInt(dst *int, field, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", field, value)
	}
	*dst = n
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose     bool
	metricsAddr string

	logger  = zerolog.Nop()
	metrics *teamchat.Metrics
)

var rootCmd = &cobra.Command{
	Use:   "teamchat",
	Short: "Team chat CLI",
	Long:  "Command-line client for team conversations.\nRead history, follow the live feed, and send messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		logger = newLogger(verbose)
		if metricsAddr != "" {
			metrics = serveMetrics(metricsAddr)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// serveMetrics registers the session collectors on a private registry and
// exposes it on addr for the lifetime of the process.
func serveMetrics(addr string) *teamchat.Metrics {
	reg := prometheus.NewRegistry()
	m := teamchat.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	logger.Debug().Str("addr", addr).Msg("serving metrics")
	return m
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
