// Package config loads the hot-reload directory, validates it, and
// publishes immutable snapshots through an atomic handle.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/notarikon-nz/notabot/internal/filter"
	"github.com/notarikon-nz/notabot/internal/pattern"
)

var (
	// ErrConfigInvalid marks any validation or cross-reference failure
	// that causes a snapshot rebuild to be rejected.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrConfigMissing is returned when a required config file cannot be
	// read at first startup.
	ErrConfigMissing = errors.New("config file missing")
)

// File names expected inside the config directory.
const (
	BotFile       = "bot.yaml"
	PatternsFile  = "patterns.yaml"
	FiltersFile   = "filters.yaml"
	TimersFile    = "timers.yaml"
	CommunityFile = "community_filters.json"
)

// Files is the raw, decoded contents of the config directory before
// validation and compilation.
type Files struct {
	Bot       BotConfig
	Patterns  PatternsConfig
	Filters   FiltersConfig
	Timers    TimersConfig
	Community *CommunityBundle
}

// BotConfig mirrors bot.yaml.
type BotConfig struct {
	Core        CoreConfig        `koanf:"core"`
	Platforms   PlatformsConfig   `koanf:"platforms"`
	Features    FeaturesConfig    `koanf:"features"`
	Performance PerformanceConfig `koanf:"performance"`
	Security    SecurityConfig    `koanf:"security"`
	Commands    []CommandConfig   `koanf:"commands"`
}

// CoreConfig holds identity and logging basics.
type CoreConfig struct {
	BotName  string `koanf:"bot_name"`
	LogLevel string `koanf:"log_level"`
}

// PlatformsConfig selects and tunes the chat platforms.
type PlatformsConfig struct {
	Twitch  PlatformConfig `koanf:"twitch"`
	YouTube PlatformConfig `koanf:"youtube"`
}

// PlatformConfig is the per-platform connection tuning block.
type PlatformConfig struct {
	Enabled                  bool     `koanf:"enabled"`
	Channels                 []string `koanf:"channels"`
	MaxConnections           int      `koanf:"max_connections"              validate:"gte=0,lte=16"`
	MinIdleConnections       int      `koanf:"min_idle_connections"         validate:"gte=0"`
	ConnectionTimeoutSeconds int      `koanf:"connection_timeout_seconds"   validate:"gte=0,lte=300"`
	HealthCheckIntervalSecs  int      `koanf:"health_check_interval_seconds"`
	RetryAttempts            int      `koanf:"retry_attempts"               validate:"gte=0,lte=20"`
	MessagesPerSecond        float64  `koanf:"messages_per_second"          validate:"gte=0"`
	BurstLimit               int      `koanf:"burst_limit"                  validate:"gte=0"`
	PollingIntervalMillis    int      `koanf:"polling_interval_millis"`
	RequeueOnDeliveryTimeout bool     `koanf:"requeue_on_delivery_timeout"`
}

// FeaturesConfig toggles optional subsystems.
type FeaturesConfig struct {
	Timers           bool `koanf:"timers"`
	Commands         bool `koanf:"commands"`
	AdaptiveTuning   bool `koanf:"adaptive_tuning"`
	LearningMode     bool `koanf:"learning_mode"`
	CommunityFilters bool `koanf:"community_filters"`
}

// PerformanceConfig tunes the pipeline and dispatcher.
type PerformanceConfig struct {
	WorkerThreads           int  `koanf:"worker_threads"            validate:"gte=0,lte=256"`
	QueueSize               int  `koanf:"queue_size"                validate:"gte=0"`
	BatchSize               int  `koanf:"batch_size"                validate:"gte=0"`
	ResponseDelayMillis     int  `koanf:"response_delay_ms"         validate:"gte=0"`
	ParallelProcessing      bool `koanf:"parallel_processing"`
	MaxFiltersPerMessage    int  `koanf:"max_filters_per_message"   validate:"gte=0"`
	FilterBudgetMillis      int  `koanf:"filter_budget_ms"          validate:"gte=0"`
	CacheSizeMB             int  `koanf:"cache_size_mb"             validate:"gte=0"`
	GracefulShutdownSeconds int  `koanf:"graceful_shutdown_seconds" validate:"gte=0,lte=600"`
}

// SecurityConfig bounds what moderation may do.
type SecurityConfig struct {
	MaxTimeoutSeconds int  `koanf:"max_timeout_seconds" validate:"gte=0"`
	AllowBans         bool `koanf:"allow_bans"`
}

// CommandConfig is one !command response definition.
type CommandConfig struct {
	Name            string `koanf:"name"             validate:"required"`
	Response        string `koanf:"response"         validate:"required"`
	CooldownSeconds int    `koanf:"cooldown_seconds" validate:"gte=0"`
	ModOnly         bool   `koanf:"mod_only"`
	Enabled         bool   `koanf:"enabled"`
}

// PatternsConfig mirrors patterns.yaml.
type PatternsConfig struct {
	PatternCollections map[string]PatternCollection `koanf:"pattern_collections"`
}

// PatternCollection is a reusable named set of pattern specs.
type PatternCollection struct {
	Patterns            []pattern.Spec `koanf:"patterns"             validate:"min=1"`
	Priority            int            `koanf:"priority"             validate:"gte=0,lte=10"`
	ConfidenceThreshold float64        `koanf:"confidence_threshold" validate:"gt=0,lte=1"`
	LearningEnabled     bool           `koanf:"learning_enabled"`
}

// FiltersConfig mirrors filters.yaml.
type FiltersConfig struct {
	BlacklistFilters []BlacklistFilterConfig `koanf:"blacklist_filters"`
	SpamFilters      []SpamFilterConfig      `koanf:"spam_filters"`
	GlobalSettings   FilterGlobalSettings    `koanf:"global_settings"`
	Categories       []string                `koanf:"categories"`
	ImportExport     ImportExportConfig      `koanf:"import_export"`
}

// FilterGlobalSettings applies to every filter unless overridden.
type FilterGlobalSettings struct {
	DefaultConfidenceThreshold float64 `koanf:"default_confidence_threshold" validate:"gte=0,lte=1"`
	DefaultAutoDisable         float64 `koanf:"default_auto_disable_threshold" validate:"gte=0,lte=1"`
	LedgerRetentionSeconds     int     `koanf:"ledger_retention_seconds"     validate:"gte=0"`
}

// ImportExportConfig controls community bundle behavior.
type ImportExportConfig struct {
	ImportEnabled bool   `koanf:"import_enabled"`
	ExportPath    string `koanf:"export_path"`
}

// EscalationConfig is the per-filter escalation policy block.
type EscalationConfig struct {
	FirstOffense         ActionConfig `koanf:"first_offense"          json:"first_offense"`
	RepeatOffense        ActionConfig `koanf:"repeat_offense"         json:"repeat_offense"`
	OffenseWindowSeconds int          `koanf:"offense_window_seconds" json:"offense_window_seconds" validate:"gte=0"`
	MaxLevel             int          `koanf:"max_level"              json:"max_level"              validate:"gte=0,lte=20"`
	CoolingOffSeconds    int          `koanf:"cooling_off_seconds"    json:"cooling_off_seconds"    validate:"gte=0"`
	BaseTimeoutSeconds   int          `koanf:"base_timeout_seconds"   json:"base_timeout_seconds"   validate:"gte=0"`
}

// ActionConfig is one moderation action in config form.
type ActionConfig struct {
	Kind            string `koanf:"kind"             json:"kind"                       validate:"required,oneof=log_only warn delete timeout ban"`
	Message         string `koanf:"message"          json:"message,omitempty"`
	DurationSeconds int    `koanf:"duration_seconds" json:"duration_seconds,omitempty" validate:"gte=0"`
}

// BlacklistFilterConfig is one pattern-backed filter definition.
type BlacklistFilterConfig struct {
	ID                   string           `koanf:"id"                     json:"id"       validate:"required"`
	Name                 string           `koanf:"name"                   json:"name,omitempty"`
	Enabled              bool             `koanf:"enabled"                json:"enabled"`
	Category             string           `koanf:"category"               json:"category,omitempty"`
	Priority             int              `koanf:"priority"               json:"priority" validate:"gte=0,lte=10"`
	Patterns             []pattern.Spec   `koanf:"patterns"               json:"patterns,omitempty"`
	PatternCollection    string           `koanf:"pattern_collection"     json:"pattern_collection,omitempty"`
	CaseSensitive        bool             `koanf:"case_sensitive"         json:"case_sensitive,omitempty"`
	WholeWordsOnly       bool             `koanf:"whole_words_only"       json:"whole_words_only,omitempty"`
	ExemptionLevel       string           `koanf:"exemption_level"        json:"exemption_level,omitempty" validate:"omitempty,oneof=none regular subscriber moderator owner"`
	ExemptUsers          []string         `koanf:"exempt_users"           json:"exempt_users,omitempty"`
	ActiveHours          *HourRangeConfig `koanf:"active_hours"           json:"active_hours,omitempty"`
	ActiveDays           []string         `koanf:"active_days"            json:"active_days,omitempty"`
	MinAccountAgeDays    int              `koanf:"min_account_age_days"   json:"min_account_age_days,omitempty" validate:"gte=0"`
	Escalation           EscalationConfig `koanf:"escalation"             json:"escalation"`
	CustomMessage        string           `koanf:"custom_message"         json:"custom_message,omitempty"`
	SilentMode           bool             `koanf:"silent_mode"            json:"silent_mode,omitempty"`
	Tags                 []string         `koanf:"tags"                   json:"tags,omitempty"`
	ConfidenceThreshold  float64          `koanf:"confidence_threshold"   json:"confidence_threshold,omitempty"   validate:"gte=0,lte=1"`
	LearningEnabled      bool             `koanf:"learning_enabled"       json:"learning_enabled,omitempty"`
	AutoDisableThreshold float64          `koanf:"auto_disable_threshold" json:"auto_disable_threshold,omitempty" validate:"gte=0,lte=1"`
}

// SpamFilterConfig is one built-in heuristic filter definition.
type SpamFilterConfig struct {
	ID             string           `koanf:"id"   validate:"required"`
	Name           string           `koanf:"name"`
	Enabled        bool             `koanf:"enabled"`
	Priority       int              `koanf:"priority" validate:"gte=0,lte=10"`
	Rule           filter.SpamRule  `koanf:"rule"`
	ExemptionLevel string           `koanf:"exemption_level" validate:"omitempty,oneof=none regular subscriber moderator owner"`
	Escalation     EscalationConfig `koanf:"escalation"`
	CustomMessage  string           `koanf:"custom_message"`
	SilentMode     bool             `koanf:"silent_mode"`
}

// HourRangeConfig is a daily active window in config form.
type HourRangeConfig struct {
	Start int `koanf:"start" json:"start" validate:"gte=0,lte=23"`
	End   int `koanf:"end"   json:"end"   validate:"gte=0,lte=23"`
}

// TimersConfig mirrors timers.yaml.
type TimersConfig struct {
	Timers         []TimerConfig       `koanf:"timers"`
	GlobalSettings TimerGlobalSettings `koanf:"global_settings"`
	Variables      map[string]string   `koanf:"variables"`
}

// TimerConfig is one interval announcement.
type TimerConfig struct {
	Name            string   `koanf:"name"             validate:"required"`
	Message         string   `koanf:"message"          validate:"required"`
	IntervalSeconds int      `koanf:"interval_seconds" validate:"gte=1"`
	MinLines        int      `koanf:"min_lines"        validate:"gte=0"`
	Channels        []string `koanf:"channels"`
	Enabled         bool     `koanf:"enabled"`
}

// TimerGlobalSettings applies across all timers.
type TimerGlobalSettings struct {
	Shuffle            bool `koanf:"shuffle"`
	MinIntervalSeconds int  `koanf:"min_interval_seconds" validate:"gte=0"`
}

// Load reads and decodes every config file in dir. Missing optional
// files (timers, community bundle) decode to their zero values; bot,
// patterns, and filters files are required.
func Load(dir string) (*Files, error) {
	files := &Files{}

	if err := loadYAML(filepath.Join(dir, BotFile), &files.Bot, true); err != nil {
		return nil, err
	}

	if err := loadYAML(filepath.Join(dir, PatternsFile), &files.Patterns, true); err != nil {
		return nil, err
	}

	if err := loadYAML(filepath.Join(dir, FiltersFile), &files.Filters, true); err != nil {
		return nil, err
	}

	if err := loadYAML(filepath.Join(dir, TimersFile), &files.Timers, false); err != nil {
		return nil, err
	}

	communityPath := filepath.Join(dir, CommunityFile)
	if _, err := os.Stat(communityPath); err == nil {
		bundle, err := loadCommunity(communityPath)
		if err != nil {
			return nil, err
		}

		files.Community = bundle
	}

	if err := validate(files); err != nil {
		return nil, err
	}

	return files, nil
}

func loadYAML(path string, out any, required bool) error {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !required && os.IsNotExist(errors.Unwrap(err)) {
			return nil
		}

		if required {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return fmt.Errorf("%w: %s", ErrConfigMissing, filepath.Base(path))
			}
		}

		if !required {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				return nil
			}
		}

		return fmt.Errorf("%w: parsing %s: %w", ErrConfigInvalid, filepath.Base(path), err)
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrConfigInvalid, filepath.Base(path), err)
	}

	return nil
}

func loadCommunity(path string) (*CommunityBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfigInvalid, CommunityFile, err)
	}

	bundle, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CommunityFile, err)
	}

	return bundle, nil
}

func validate(files *Files) error {
	v := validator.New()

	for name, target := range map[string]any{
		BotFile:     files.Bot,
		FiltersFile: files.Filters,
		TimersFile:  files.Timers,
	} {
		if err := v.Struct(target); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConfigInvalid, name, err)
		}
	}

	for id, collection := range files.Patterns.PatternCollections {
		if err := v.Struct(collection); err != nil {
			return fmt.Errorf("%w: pattern collection %q: %w", ErrConfigInvalid, id, err)
		}
	}

	return nil
}
