package config

import "time"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// StatePath is where the subscriber store lives. Defaults to
	// "./subscribers.json".
	StatePath string `json:"state_path,omitempty"`

	Feed     FeedConfig     `json:"feed"`
	Renderer RendererConfig `json:"renderer"`
	Poller   PollerConfig   `json:"poller"`
	Delivery DeliveryConfig `json:"delivery"`
	Recovery RecoveryConfig `json:"recovery"`

	Storage      *StorageConfig      `json:"storage,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	AdminChatID int64  `json:"admin_chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAdmin mirrors log records at or above MinLevel to the admin chat.
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// FeedConfig controls the upstream alert feed.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type FeedConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"`

	// SeverityRules maps lowercase keywords found in the feed entry to a
	// severity name ("minor", "moderate", "major"). When omitted, built-in
	// rules are used.
	SeverityRules []SeverityRule `json:"severity_rules,omitempty"`
}

type SeverityRule struct {
	Keyword  string `json:"keyword"`
	Severity string `json:"severity"`
}

// RendererConfig controls the alert card rendering service.
type RendererConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
	// OutputDir is where rendered card images are written.
	OutputDir string `json:"output_dir,omitempty"`
}

type PollerConfig struct {
	// Interval between feed checks. Defaults to "1m".
	Interval string `json:"interval,omitempty"`
}

// DeliveryConfig controls the broadcast engine.
type DeliveryConfig struct {
	// RetryMax is the per-subscriber send budget (default 3).
	RetryMax int `json:"retry_max,omitempty"`
	// RetryBase is the initial backoff between attempts (default "1s").
	RetryBase string `json:"retry_base,omitempty"`
	// RetryMaxDelay caps the backoff (default "30s").
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// PaceDelay is the pause between consecutive subscribers during a
	// broadcast (default "300ms").
	PaceDelay string `json:"pace_delay,omitempty"`
	// EscalateEvery reports delivery failures to the admin on every Nth
	// failure (default 5).
	EscalateEvery int `json:"escalate_every,omitempty"`
}

// RecoveryConfig controls the self-healing controller.
type RecoveryConfig struct {
	// FailureThreshold is the number of consecutive failures before a
	// recovery cycle starts (default 4).
	FailureThreshold int `json:"failure_threshold,omitempty"`
	// NoticeCooldown rate-limits repeated admin notices (default "5m").
	NoticeCooldown string `json:"notice_cooldown,omitempty"`
}

// StorageConfig controls the optional delivery audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./sismobot_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HousekeepingConfig controls scheduled snapshot backups of the
// subscriber store.
type HousekeepingConfig struct {
	Enabled bool `json:"enabled"`
	// BackupSpec is a cron spec (default "0 */6 * * *").
	BackupSpec string `json:"backup_spec,omitempty"`
	BackupDir  string `json:"backup_dir,omitempty"`
	// KeepBackups prunes old snapshots beyond this count (default 8).
	KeepBackups int    `json:"keep_backups,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	// HeartbeatSpec schedules the transport health probe (default
	// "@every 5m").
	HeartbeatSpec string `json:"heartbeat_spec,omitempty"`
}

// Defaults used when config fields are omitted or zero.
const (
	DefaultStatePath        = "./subscribers.json"
	DefaultPollInterval     = time.Minute
	DefaultFeedTimeout      = 15 * time.Second
	DefaultRenderTimeout    = 45 * time.Second
	DefaultRetryMax         = 3
	DefaultRetryBase        = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultPaceDelay        = 300 * time.Millisecond
	DefaultEscalateEvery    = 5
	DefaultFailureThreshold = 4
	DefaultNoticeCooldown   = 5 * time.Minute
	DefaultBackupSpec       = "0 */6 * * *"
	DefaultKeepBackups      = 8
)
