// Package config loads and validates the asanasync TOML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron"

	"github.com/antigravity-dev/asanasync/internal/model"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	Asana    Asana    `toml:"asana"`
	Sync     Sync     `toml:"sync"`
	API      API      `toml:"api"`
	Temporal Temporal `toml:"temporal"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"` // optional; rotated by size
	StateDB  string `toml:"state_db"`
	LockFile string `toml:"lock_file"`
}

type Asana struct {
	BaseURL           string   `toml:"base_url"`
	Token             string   `toml:"token"`
	TokenEnv          string   `toml:"token_env"` // consulted when token is empty
	PageSize          int      `toml:"page_size"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	MaxConcurrent     int      `toml:"max_concurrent"`
}

// Sync holds the pipeline settings. The fields shared with the sync_config
// row seed that row when it does not exist yet.
type Sync struct {
	BatchSize           int      `toml:"batch_size"`
	Cron                string   `toml:"cron"`
	Enabled             *bool    `toml:"enabled"`
	DownloadAttachments *bool    `toml:"download_attachments"`
	GenerateThumbnails  *bool    `toml:"generate_thumbnails"`
	ThumbnailMaxWidth   int      `toml:"thumbnail_max_width"`
	AttachmentBasePath  string   `toml:"attachment_base_path"`
	DownloadTimeout     Duration `toml:"download_timeout"`
}

type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity guards the endpoints that change state (start, cancel and
// config updates). Read-only endpoints are always open.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

type Temporal struct {
	Enabled    bool   `toml:"enabled"`
	HostPort   string `toml:"host_port"`
	Namespace  string `toml:"namespace"`
	TaskQueue  string `toml:"task_queue"`
	ScheduleID string `toml:"schedule_id"`
}

// Load reads and validates an asanasync TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "asanasync.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "/tmp/asanasync.lock"
	}

	if cfg.Asana.BaseURL == "" {
		cfg.Asana.BaseURL = "https://app.asana.com/api/1.0"
	}
	if cfg.Asana.TokenEnv == "" {
		cfg.Asana.TokenEnv = "ASANA_TOKEN"
	}
	if cfg.Asana.PageSize == 0 {
		cfg.Asana.PageSize = 100
	}
	if cfg.Asana.RequestTimeout.Duration == 0 {
		cfg.Asana.RequestTimeout.Duration = 100 * time.Second
	}
	if cfg.Asana.RequestsPerMinute == 0 {
		cfg.Asana.RequestsPerMinute = 1400
	}
	if cfg.Asana.MaxConcurrent == 0 {
		cfg.Asana.MaxConcurrent = 50
	}

	if cfg.Sync.BatchSize == 0 {
		cfg.Sync.BatchSize = 5
	}
	if cfg.Sync.Cron == "" {
		cfg.Sync.Cron = "0 */3 * * *"
	}
	if cfg.Sync.Enabled == nil {
		cfg.Sync.Enabled = boolPtr(true)
	}
	if cfg.Sync.DownloadAttachments == nil {
		cfg.Sync.DownloadAttachments = boolPtr(true)
	}
	if cfg.Sync.GenerateThumbnails == nil {
		cfg.Sync.GenerateThumbnails = boolPtr(true)
	}
	if cfg.Sync.ThumbnailMaxWidth == 0 {
		cfg.Sync.ThumbnailMaxWidth = 400
	}
	if cfg.Sync.AttachmentBasePath == "" {
		cfg.Sync.AttachmentBasePath = "./attachments"
	}
	if cfg.Sync.DownloadTimeout.Duration == 0 {
		cfg.Sync.DownloadTimeout.Duration = 5 * time.Minute
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8090"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "asanasync-sync"
	}
	if cfg.Temporal.ScheduleID == "" {
		cfg.Temporal.ScheduleID = "asanasync-scheduled"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	if cfg.Asana.PageSize < 1 || cfg.Asana.PageSize > 100 {
		return fmt.Errorf("asana.page_size must be between 1 and 100, got %d", cfg.Asana.PageSize)
	}
	if cfg.Asana.RequestsPerMinute < 0 {
		return fmt.Errorf("asana.requests_per_minute must be positive, got %d", cfg.Asana.RequestsPerMinute)
	}
	if cfg.Asana.MaxConcurrent < 0 {
		return fmt.Errorf("asana.max_concurrent must be positive, got %d", cfg.Asana.MaxConcurrent)
	}

	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", cfg.Sync.BatchSize)
	}
	if err := ValidateCron(cfg.Sync.Cron); err != nil {
		return fmt.Errorf("sync.cron: %w", err)
	}
	if cfg.Sync.ThumbnailMaxWidth < 1 {
		return fmt.Errorf("sync.thumbnail_max_width must be positive, got %d", cfg.Sync.ThumbnailMaxWidth)
	}

	if _, _, err := net.SplitHostPort(cfg.API.Bind); err != nil {
		return fmt.Errorf("api.bind %q: %w", cfg.API.Bind, err)
	}
	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security.enabled requires at least one allowed_tokens entry")
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ValidateCron checks a standard five-field cron expression.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression is empty")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// ResolveToken returns the configured API token, falling back to the
// environment variable named by token_env.
func (a Asana) ResolveToken() string {
	if t := strings.TrimSpace(a.Token); t != "" {
		return t
	}
	if a.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(a.TokenEnv))
}

// SyncDefaults is the sync_config row used until one has been saved.
func (c *Config) SyncDefaults() model.SyncConfig {
	return model.SyncConfig{
		CronExpression:      c.Sync.Cron,
		Enabled:             deref(c.Sync.Enabled, true),
		DownloadAttachments: deref(c.Sync.DownloadAttachments, true),
		GenerateThumbnails:  deref(c.Sync.GenerateThumbnails, true),
		ThumbnailMaxWidth:   c.Sync.ThumbnailMaxWidth,
		AttachmentBasePath:  ExpandHome(c.Sync.AttachmentBasePath),
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Sync.Enabled = clonePtr(c.Sync.Enabled)
	out.Sync.DownloadAttachments = clonePtr(c.Sync.DownloadAttachments)
	out.Sync.GenerateThumbnails = clonePtr(c.Sync.GenerateThumbnails)
	out.API.Security.AllowedTokens = append([]string(nil), c.API.Security.AllowedTokens...)
	return &out
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolPtr(b bool) *bool { return &b }

func deref(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func clonePtr(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
