// Package config loads environment-based configuration for the sync
// daemon.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for para-sync.
type Config struct {
	// APIBaseURL is the item store's REST endpoint.
	APIBaseURL string `env:"PARA_API_URL"`

	// SyncHost is the realtime sync server hostname (wss:// implied).
	SyncHost string `env:"PARA_SYNC_HOST"`

	// Token authenticates both the item store and the sync transport.
	Token string `env:"PARA_TOKEN"`

	// PrincipalID is the user the transport is bound to on connect.
	PrincipalID string `env:"PARA_PRINCIPAL_ID"`

	// DeviceName identifies this client in outbound events. Defaults to
	// the system hostname.
	DeviceName string `env:"PARA_DEVICE_NAME"`

	// JournalPath is the bbolt database holding pending updates across
	// restarts. Empty disables the journal.
	JournalPath string `env:"PARA_JOURNAL_PATH"`

	// RulesFile is an optional YAML file configuring which payload
	// fields merge as free text during conflict resolution.
	RulesFile string `env:"PARA_RULES_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "para-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.JournalPath == "" {
		path, err := defaultJournalPath(cfg.PrincipalID)
		if err != nil {
			return nil, err
		}

		cfg.JournalPath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("PARA_API_URL is required")
	}

	if c.SyncHost == "" {
		return fmt.Errorf("PARA_SYNC_HOST is required")
	}

	if c.Token == "" {
		return fmt.Errorf("PARA_TOKEN is required")
	}

	if c.PrincipalID == "" {
		return fmt.Errorf("PARA_PRINCIPAL_ID is required")
	}

	return nil
}

// defaultJournalPath returns ~/.para-sync/journal/<principalID>.db.
func defaultJournalPath(principalID string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".para-sync", "journal", principalID+".db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
