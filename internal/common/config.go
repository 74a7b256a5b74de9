package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"`
	Logging     LoggingConfig    `toml:"logging"`
	Storage     StorageConfig    `toml:"storage"`
	Browser     BrowserConfig    `toml:"browser"`
	Pool        PoolConfig       `toml:"pool"`
	Login       LoginConfig      `toml:"login"`
	Classifier  ClassifierConfig `toml:"classifier"`
	Gatekeeper  GatekeeperConfig `toml:"gatekeeper"`
	Continuous  ContinuousConfig `toml:"continuous"`
	Queue       QueueConfig      `toml:"queue"`
	Extraction  ExtractionConfig `toml:"extraction"`
	Platforms   PlatformsConfig  `toml:"platforms"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Output []string `toml:"output"` // "stdout", "file"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// BrowserConfig controls how browser processes are launched and how long driver calls may take
type BrowserConfig struct {
	WorkDir           string   `toml:"work_dir" validate:"required"`
	Headless          bool     `toml:"headless"`
	NoSandbox         bool     `toml:"no_sandbox"`
	DisableGPU        bool     `toml:"disable_gpu"`
	UserAgent         string   `toml:"user_agent"`
	ExecPath          string   `toml:"exec_path"` // empty = auto-detect
	LaunchTimeout     Duration `toml:"launch_timeout"`
	NavigationTimeout Duration `toml:"navigation_timeout"`
	ScriptTimeout     Duration `toml:"script_timeout"`
	WindowWidth       int      `toml:"window_width" validate:"gte=0"`
	WindowHeight      int      `toml:"window_height" validate:"gte=0"`
}

// PoolConfig bounds the instance pool
type PoolConfig struct {
	MaxInstancesPerPlatform int      `toml:"max_instances_per_platform" validate:"min=1"`
	MaxTotalInstances       int      `toml:"max_total_instances" validate:"min=1"`
	InstanceTTL             Duration `toml:"instance_ttl"`
	SweepSchedule           string   `toml:"sweep_schedule"`
	LaunchRetries           int      `toml:"launch_retries" validate:"gte=0,lte=10"`
	LaunchBackoff           Duration `toml:"launch_backoff"`
	IDAttempts              int      `toml:"id_attempts" validate:"min=1"`
	MinFreeMemoryMB         uint64   `toml:"min_free_memory_mb"` // 0 disables the memory gate
	StatsSchedule           string   `toml:"stats_schedule"`
}

// LoginConfig holds the login detector thresholds and restoration budget
type LoginConfig struct {
	PollSchedule       string     `toml:"poll_schedule"`
	SaveThreshold      int        `toml:"save_threshold" validate:"gte=0,lte=100"`
	PositiveFloor      int        `toml:"positive_floor" validate:"gte=0,lte=100"`
	UsernameFloor      int        `toml:"username_floor" validate:"gte=0,lte=100"`
	ShortCircuit       int        `toml:"short_circuit" validate:"gte=0,lte=100"`
	RestoreAcceptance  int        `toml:"restore_acceptance" validate:"gte=0,lte=100"`
	CheckTimeout       Duration   `toml:"check_timeout"`
	VerifyWaits        []Duration `toml:"verify_waits"`
	RestoreOnCreate    bool       `toml:"restore_on_create"`
	AutoCrawlOnRestore bool       `toml:"auto_crawl_on_restore"`
}

type ClassifierConfig struct {
	CacheTTL       Duration `toml:"cache_ttl"`
	CacheSize      int      `toml:"cache_size" validate:"min=1"`
	CacheTrimTo    int      `toml:"cache_trim_to" validate:"min=1"`
	UseContent     bool     `toml:"use_content"`
	ContentTimeout Duration `toml:"content_timeout"`
}

// GatekeeperConfig holds the canonical rate-limit table for each trigger type
type GatekeeperConfig struct {
	RequireLogin      bool          `toml:"require_login"`
	FreshnessWindow   Duration      `toml:"freshness_window"`
	MaxBackoff        Duration      `toml:"max_backoff"`
	MaxCooldown       Duration      `toml:"max_cooldown"`
	HistoryRetention  Duration      `toml:"history_retention"`
	PruneSchedule     string        `toml:"prune_schedule"`
	LowPriorityAfter  int           `toml:"low_priority_after" validate:"gte=0"`
	NotifyRatePerSec  float64       `toml:"notify_rate_per_sec" validate:"gte=0"`
	User              TriggerLimits `toml:"user"`
	Auto              TriggerLimits `toml:"auto"`
	TimeSensitiveTags []string      `toml:"time_sensitive_tags"`
}

// TriggerLimits is one row of the gatekeeper rate table
type TriggerLimits struct {
	MaxPatternPerHour int      `toml:"max_pattern_per_hour" validate:"min=1"`
	MaxSessionPerHour int      `toml:"max_session_per_hour" validate:"min=1"`
	BaseCooldown      Duration `toml:"base_cooldown"`
	Priority          int      `toml:"priority" validate:"gte=0"`
}

type ContinuousConfig struct {
	DefaultInterval  Duration `toml:"default_interval"`
	MaxTickSleep     Duration `toml:"max_tick_sleep"`
	DefaultMaxCrawls int      `toml:"default_max_crawls" validate:"gte=0"`
	MaxNoChanges     int      `toml:"max_no_changes" validate:"gte=0"`
	StopOnNoChanges  bool     `toml:"stop_on_no_changes"`
	ErrorThreshold   int      `toml:"error_threshold" validate:"min=1"`
	Retention        Duration `toml:"retention"`
	CleanupSchedule  string   `toml:"cleanup_schedule"`
	AutoStart        bool     `toml:"auto_start"`
}

type QueueConfig struct {
	Name              string   `toml:"name" validate:"required"`
	Workers           int      `toml:"workers" validate:"gte=0"`
	PollInterval      Duration `toml:"poll_interval"`
	VisibilityTimeout Duration `toml:"visibility_timeout"`
	MaxReceive        int      `toml:"max_receive" validate:"min=1"`
}

// ExtractionConfig points at the external extraction pipeline
type ExtractionConfig struct {
	Endpoint  string   `toml:"endpoint"`   // empty = pipeline disabled, jobs fail fast
	NotifyURL string   `toml:"notify_url"` // empty = in-process notification only
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
}

type PlatformsConfig struct {
	CatalogFile string `toml:"catalog_file"` // optional TOML overrides merged over the built-in catalog
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/fleetcrawl",
			},
		},
		Browser: BrowserConfig{
			WorkDir:           "./data/browsers",
			Headless:          true,
			NoSandbox:         true,
			DisableGPU:        true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			LaunchTimeout:     Duration(30 * time.Second),
			NavigationTimeout: Duration(30 * time.Second),
			ScriptTimeout:     Duration(10 * time.Second),
			WindowWidth:       1366,
			WindowHeight:      900,
		},
		Pool: PoolConfig{
			MaxInstancesPerPlatform: 5,
			MaxTotalInstances:       20,
			InstanceTTL:             Duration(2 * time.Hour),
			SweepSchedule:           "@every 5m",
			LaunchRetries:           3,
			LaunchBackoff:           Duration(time.Second),
			IDAttempts:              5,
			MinFreeMemoryMB:         512,
			StatsSchedule:           "@every 10m",
		},
		Login: LoginConfig{
			PollSchedule:       "@every 2m",
			SaveThreshold:      50,
			PositiveFloor:      40,
			UsernameFloor:      55,
			ShortCircuit:       85,
			RestoreAcceptance:  40,
			CheckTimeout:       Duration(8 * time.Second),
			VerifyWaits:        []Duration{Duration(5 * time.Second), Duration(3 * time.Second), Duration(2 * time.Second)},
			RestoreOnCreate:    true,
			AutoCrawlOnRestore: true,
		},
		Classifier: ClassifierConfig{
			CacheTTL:       Duration(5 * time.Minute),
			CacheSize:      100,
			CacheTrimTo:    80,
			UseContent:     true,
			ContentTimeout: Duration(5 * time.Second),
		},
		Gatekeeper: GatekeeperConfig{
			RequireLogin:     true,
			FreshnessWindow:  Duration(10 * time.Minute),
			MaxBackoff:       Duration(time.Hour),
			MaxCooldown:      Duration(30 * time.Minute),
			HistoryRetention: Duration(24 * time.Hour),
			PruneSchedule:    "@every 1h",
			LowPriorityAfter: 3,
			NotifyRatePerSec: 2,
			User: TriggerLimits{
				MaxPatternPerHour: 10,
				MaxSessionPerHour: 30,
				BaseCooldown:      Duration(30 * time.Second),
				Priority:          0,
			},
			Auto: TriggerLimits{
				MaxPatternPerHour: 20,
				MaxSessionPerHour: 50,
				BaseCooldown:      Duration(300 * time.Second),
				Priority:          1,
			},
			TimeSensitiveTags: []string{"live", "hot", "trending", "realtime", "latest", "news", "rank"},
		},
		Continuous: ContinuousConfig{
			DefaultInterval:  Duration(30 * time.Second),
			MaxTickSleep:     Duration(60 * time.Second),
			DefaultMaxCrawls: 100,
			MaxNoChanges:     5,
			StopOnNoChanges:  true,
			ErrorThreshold:   5,
			Retention:        Duration(24 * time.Hour),
			CleanupSchedule:  "@every 1h",
			AutoStart:        true,
		},
		Queue: QueueConfig{
			Name:              "crawl",
			Workers:           2,
			PollInterval:      Duration(time.Second),
			VisibilityTimeout: Duration(5 * time.Minute),
			MaxReceive:        3,
		},
		Extraction: ExtractionConfig{
			Timeout:   Duration(60 * time.Second),
			UserAgent: "fleetcrawl/" + Version,
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> files (in order) -> env.
// CLI overrides are applied by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FLEETCRAWL_ENV"); env != "" {
		config.Environment = env
	}

	// Logging
	if level := os.Getenv("FLEETCRAWL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("FLEETCRAWL_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage
	if badgerPath := os.Getenv("FLEETCRAWL_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Browser
	if workDir := os.Getenv("FLEETCRAWL_BROWSER_WORK_DIR"); workDir != "" {
		config.Browser.WorkDir = workDir
	}
	if execPath := os.Getenv("FLEETCRAWL_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}
	if headless := os.Getenv("FLEETCRAWL_BROWSER_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = h
		}
	}

	// Pool
	if perPlatform := os.Getenv("FLEETCRAWL_POOL_MAX_PER_PLATFORM"); perPlatform != "" {
		if n, err := strconv.Atoi(perPlatform); err == nil {
			config.Pool.MaxInstancesPerPlatform = n
		}
	}
	if total := os.Getenv("FLEETCRAWL_POOL_MAX_TOTAL"); total != "" {
		if n, err := strconv.Atoi(total); err == nil {
			config.Pool.MaxTotalInstances = n
		}
	}
	if ttl := os.Getenv("FLEETCRAWL_POOL_INSTANCE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Pool.InstanceTTL = Duration(d)
		}
	}

	// Queue
	if workers := os.Getenv("FLEETCRAWL_QUEUE_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			config.Queue.Workers = n
		}
	}

	// Extraction
	if endpoint := os.Getenv("FLEETCRAWL_EXTRACTION_ENDPOINT"); endpoint != "" {
		config.Extraction.Endpoint = endpoint
	}
	if notifyURL := os.Getenv("FLEETCRAWL_EXTRACTION_NOTIFY_URL"); notifyURL != "" {
		config.Extraction.NotifyURL = notifyURL
	}

	if catalog := os.Getenv("FLEETCRAWL_PLATFORM_CATALOG"); catalog != "" {
		config.Platforms.CatalogFile = catalog
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Flags have the highest priority.
func ApplyFlagOverrides(config *Config, logLevel string, badgerPath string) {
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
}

var configValidator = validator.New()

// Validate checks field constraints and the cross-field rules the services rely on
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Pool.MaxInstancesPerPlatform > c.Pool.MaxTotalInstances {
		return fmt.Errorf("invalid configuration: pool.max_instances_per_platform (%d) exceeds pool.max_total_instances (%d)",
			c.Pool.MaxInstancesPerPlatform, c.Pool.MaxTotalInstances)
	}
	if c.Classifier.CacheTrimTo > c.Classifier.CacheSize {
		return fmt.Errorf("invalid configuration: classifier.cache_trim_to (%d) exceeds classifier.cache_size (%d)",
			c.Classifier.CacheTrimTo, c.Classifier.CacheSize)
	}
	if c.Login.UsernameFloor < c.Login.PositiveFloor {
		return fmt.Errorf("invalid configuration: login.username_floor must not be below login.positive_floor")
	}

	for name, schedule := range map[string]string{
		"pool.sweep_schedule":         c.Pool.SweepSchedule,
		"pool.stats_schedule":         c.Pool.StatsSchedule,
		"login.poll_schedule":         c.Login.PollSchedule,
		"gatekeeper.prune_schedule":   c.Gatekeeper.PruneSchedule,
		"continuous.cleanup_schedule": c.Continuous.CleanupSchedule,
	} {
		if schedule == "" {
			continue
		}
		if err := ValidateSchedule(schedule); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}

	return nil
}

// ValidateSchedule validates a cron schedule or @every descriptor
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "production" || env == "prod"
}
