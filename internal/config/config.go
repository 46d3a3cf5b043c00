package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for kb-sync.
type Config struct {
	// Remote knowledge-base API endpoint and bearer token. Both are
	// required.
	APIBaseURL string `env:"KB_API_URL"`
	APIToken   string `env:"KB_API_TOKEN"`

	// Path to the local tracking database. Defaults to
	// ~/.kb-sync/state.db when empty.
	StatePath string `env:"KB_STATE_PATH"`

	// Optional YAML file declaring folder configurations. When set, its
	// entries are upserted into the tracking store at startup.
	FoldersFile string `env:"KB_FOLDERS_FILE"`

	// RunOnce performs a single sync run and exits instead of running
	// the scheduler daemon.
	RunOnce bool `env:"KB_RUN_ONCE" envDefault:"false"`

	// SyncInterval is how often the scheduler triggers a run.
	SyncInterval time.Duration `env:"KB_SYNC_INTERVAL" envDefault:"30m"`

	// WatchFolders enables filesystem-event triggered runs in addition
	// to the interval scheduler.
	WatchFolders bool `env:"KB_WATCH_FOLDERS" envDefault:"false"`

	// UploadConcurrency bounds simultaneous transfers to object storage.
	UploadConcurrency int `env:"KB_UPLOAD_CONCURRENCY" envDefault:"5"`

	// PollInterval is the delay between processing-status polls after
	// an upload batch is confirmed.
	PollInterval time.Duration `env:"KB_POLL_INTERVAL" envDefault:"3s"`

	// AutoConfirmBytes auto-approves upload batches up to this size when
	// the remote flags them for confirmation. 0 approves everything
	// (headless daemon default).
	AutoConfirmBytes int64 `env:"KB_AUTO_CONFIRM_BYTES" envDefault:"0"`

	// ResumeIncomplete re-attaches to runs left unfinished by a prior
	// process instance before the first scheduled run.
	ResumeIncomplete bool `env:"KB_RESUME_INCOMPLETE" envDefault:"true"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
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

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("KB_API_URL is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("KB_API_TOKEN is required")
	}

	if c.UploadConcurrency < 1 {
		return fmt.Errorf("KB_UPLOAD_CONCURRENCY must be at least 1")
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("KB_POLL_INTERVAL must be at least 1s")
	}

	if c.SyncInterval < time.Minute {
		return fmt.Errorf("KB_SYNC_INTERVAL must be at least 1m")
	}

	return nil
}

// DefaultStatePath returns the default tracking database location:
// ~/.kb-sync/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".kb-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
