package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration. JSON, YAML and TOML files decode into
// the same shape; unknown keys are rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Network   NetworkConfig   `json:"network"`
	Overrides OverridesConfig `json:"overrides"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Announce  AnnounceConfig  `json:"announce"`
	Scheduler SchedulerConfig `json:"scheduler"`
	OpsAPI    OpsAPIConfig    `json:"ops_api"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	PollTimeout Duration `json:"poll_timeout"`
	// SendOnly disables long polling; the bot only posts announcements.
	SendOnly bool `json:"send_only,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NetworkConfig locates the raw status feed and the static topology.
//
// Schedules accept a cron expression, a Go duration ("30s") or an "HH:MM" interval.
type NetworkConfig struct {
	RawPath      string `json:"raw_path"`
	TopologyPath string `json:"topology_path"`
	PollSchedule string `json:"poll_schedule"`
	FetchTimeout Duration `json:"fetch_timeout,omitempty"`
}

type OverridesConfig struct {
	Path string `json:"path"`
	// Watch reloads the document on filesystem events besides the scheduled check.
	Watch         bool   `json:"watch"`
	CheckSchedule string `json:"check_schedule"`
}

type PipelineConfig struct {
	// MaxConsecutiveErrors is the failure streak that raises the fatal signal.
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	// QueueWarn logs a warning when the coordinator queue grows past it.
	QueueWarn int `json:"queue_warn"`
}

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type AnnounceConfig struct {
	RichTargets  []ChatTarget `json:"rich_targets"`
	PlainTargets []ChatTarget `json:"plain_targets"`
	// AlertTargets receive operator alerts (fatal coordinator signal).
	AlertTargets     []ChatTarget `json:"alert_targets,omitempty"`
	SegmentThreshold int          `json:"segment_threshold"`
	// OperationalLike lists statuses (names or codes) that do not count as a
	// problem in the unaffected-stations block.
	OperationalLike []string `json:"operational_like,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
}

// SchedulerConfig controls trigger behaviour.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// OpsAPIConfig controls the operator HTTP API.
//
// Security note: prefer binding to localhost; set a token when the listener is
// reachable from other hosts.
type OpsAPIConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token          string   `json:"token,omitempty"` // bearer token (do not log)
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	RatePerSec      int      `json:"rate_per_sec"`
	RetryMax        int      `json:"retry_max"`
	RetryBase       Duration `json:"retry_base"`
	RetryMaxDelay   Duration `json:"retry_max_delay"`
	DedupWindow     Duration `json:"dedup_window"`
	DedupMaxEntries int      `json:"dedup_max_entries"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/metrobot.db" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// Duration is a Go duration string as written in the file ("500ms", "10s",
// "1h"). The empty string means unset.
type Duration string

// Value parses d, reporting errors under the dotted config path. Unset is 0.
func (d Duration) Value(path string) (time.Duration, error) {
	raw := strings.TrimSpace(string(d))
	if raw == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", path, err)
	case v < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return v, nil
}

// Or is Value with def standing in for an unset or zero duration.
func (d Duration) Or(path string, def time.Duration) (time.Duration, error) {
	v, err := d.Value(path)
	if err != nil || v > 0 {
		return v, err
	}
	return def, nil
}
