package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Sheet      SheetConfig      `yaml:"sheet" mapstructure:"sheet"`
	Surface    SurfaceConfig    `yaml:"surface" mapstructure:"surface"`
	Pool       PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Lease      LeaseConfig      `yaml:"lease" mapstructure:"lease"`
	Await      AwaitConfig      `yaml:"await" mapstructure:"await"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Escalation EscalationConfig `yaml:"escalation" mapstructure:"escalation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SheetConfig configures the tabular store.
type SheetConfig struct {
	Path      string `yaml:"path" mapstructure:"path"`
	SheetName string `yaml:"sheet_name" mapstructure:"sheet_name"`
	// Range is the A1 range read as the snapshot.
	Range string `yaml:"range" mapstructure:"range"`
	// RateLimit caps store calls per second. Zero disables it.
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialMs   int     `yaml:"retry_initial_ms" mapstructure:"retry_initial_ms"`
	RetryMaxMs       int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// SurfaceConfig selects and configures the interactive surface driver.
type SurfaceConfig struct {
	// Driver is "bridge" or "memory".
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	BridgeURL     string        `yaml:"bridge_url" mapstructure:"bridge_url"`
	BridgeToken   string        `yaml:"bridge_token" mapstructure:"bridge_token"`
	BridgeTimeout time.Duration `yaml:"bridge_timeout" mapstructure:"bridge_timeout"`
	BridgeRate    float64       `yaml:"bridge_rate" mapstructure:"bridge_rate"`
	// ProfilesPath points to a profile YAML file; empty uses the built-in set.
	ProfilesPath   string          `yaml:"profiles_path" mapstructure:"profiles_path"`
	HealthInterval time.Duration   `yaml:"health_interval" mapstructure:"health_interval"`
	Anthropic      AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
}

// AnthropicConfig enables the Messages API surface for profiles whose URL
// starts with "anthropic:".
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	System    string `yaml:"system" mapstructure:"system"`
}

// PoolConfig sizes the execution context pool.
type PoolConfig struct {
	Size    int           `yaml:"size" mapstructure:"size"`
	Stagger time.Duration `yaml:"stagger" mapstructure:"stagger"`
}

// LeaseConfig configures lease markers.
type LeaseConfig struct {
	Token            string        `yaml:"token" mapstructure:"token"`
	Standard         time.Duration `yaml:"standard" mapstructure:"standard"`
	Extended         time.Duration `yaml:"extended" mapstructure:"extended"`
	VerifyAfterWrite bool          `yaml:"verify_after_write" mapstructure:"verify_after_write"`
	ReclaimOnStart   bool          `yaml:"reclaim_on_start" mapstructure:"reclaim_on_start"`
	MarkAbandoned    bool          `yaml:"mark_abandoned" mapstructure:"mark_abandoned"`
}

// AwaitConfig configures completion detection.
type AwaitConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StableChecks    int           `yaml:"stable_checks" mapstructure:"stable_checks"`
	AppearTimeout   time.Duration `yaml:"appear_timeout" mapstructure:"appear_timeout"`
	StandardCeiling time.Duration `yaml:"standard_ceiling" mapstructure:"standard_ceiling"`
	ExtendedCeiling time.Duration `yaml:"extended_ceiling" mapstructure:"extended_ceiling"`
}

// ExtractConfig configures result extraction.
type ExtractConfig struct {
	Strategies     []string `yaml:"strategies" mapstructure:"strategies"`
	OptionAttempts int      `yaml:"option_attempts" mapstructure:"option_attempts"`
}

// EscalationConfig overrides the escalation policy table. Zero values keep
// the built-in policy.
type EscalationConfig struct {
	InPlaceMaxAttempt        int `yaml:"in_place_max_attempt" mapstructure:"in_place_max_attempt"`
	RecreateMaxAttempt       int `yaml:"recreate_max_attempt" mapstructure:"recreate_max_attempt"`
	ConsecutiveHardThreshold int `yaml:"consecutive_hard_threshold" mapstructure:"consecutive_hard_threshold"`
	// MaxAttempts maps a failure category to its attempt budget.
	MaxAttempts map[string]int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// Schedules maps a tier (none, soft, hard) to its delay schedule in
	// seconds.
	Schedules      map[string][]int `yaml:"schedules" mapstructure:"schedules"`
	QuarantineMins int              `yaml:"quarantine_mins" mapstructure:"quarantine_mins"`
}

// SchedulerConfig configures the pass loop.
type SchedulerConfig struct {
	MaxPasses         int           `yaml:"max_passes" mapstructure:"max_passes"`
	PassInterval      time.Duration `yaml:"pass_interval" mapstructure:"pass_interval"`
	MaxStoreFailures  int           `yaml:"max_store_failures" mapstructure:"max_store_failures"`
	StoreFailureDelay time.Duration `yaml:"store_failure_delay" mapstructure:"store_failure_delay"`
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// MonitoringConfig configures ledger health checks and webhook alerts.
type MonitoringConfig struct {
	// WebhookURL receives alerts as JSON POSTs. Empty disables sending.
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	// FailureRateThreshold is the share of finished runs that may fail.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// AbandonRateThreshold is the share of terminal units that may be
	// abandoned.
	AbandonRateThreshold float64 `yaml:"abandon_rate_threshold" mapstructure:"abandon_rate_threshold"`
	// DLQThreshold is the dead-letter depth that raises an alert. Zero
	// disables the check.
	DLQThreshold int `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUTOAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("sheet.path", "tasks.xlsx")
	v.SetDefault("sheet.sheet_name", "")
	v.SetDefault("sheet.range", "A1:AZ2000")
	v.SetDefault("sheet.rate_limit", 5.0)
	v.SetDefault("sheet.retry_attempts", 3)
	v.SetDefault("sheet.retry_initial_ms", 500)
	v.SetDefault("sheet.retry_max_ms", 10000)
	v.SetDefault("sheet.breaker_threshold", 5)
	v.SetDefault("sheet.breaker_reset_secs", 30)
	v.SetDefault("surface.driver", "bridge")
	v.SetDefault("surface.bridge_url", "http://127.0.0.1:8765")
	v.SetDefault("surface.bridge_token", "")
	v.SetDefault("surface.bridge_timeout", 30*time.Second)
	v.SetDefault("surface.bridge_rate", 10.0)
	v.SetDefault("surface.profiles_path", "")
	v.SetDefault("surface.health_interval", 10*time.Second)
	v.SetDefault("surface.anthropic.api_key", "")
	v.SetDefault("surface.anthropic.base_url", "")
	v.SetDefault("surface.anthropic.max_tokens", 4096)
	v.SetDefault("surface.anthropic.system", "")
	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.stagger", 5*time.Second)
	v.SetDefault("lease.token", "[processing]")
	v.SetDefault("lease.standard", 5*time.Minute)
	v.SetDefault("lease.extended", 40*time.Minute)
	v.SetDefault("lease.verify_after_write", true)
	v.SetDefault("lease.reclaim_on_start", false)
	v.SetDefault("lease.mark_abandoned", false)
	v.SetDefault("await.poll_interval", time.Second)
	v.SetDefault("await.stable_checks", 3)
	v.SetDefault("await.appear_timeout", 10*time.Second)
	v.SetDefault("await.standard_ceiling", 5*time.Minute)
	v.SetDefault("await.extended_ceiling", 40*time.Minute)
	v.SetDefault("extract.strategies", []string{"response", "last_message"})
	v.SetDefault("extract.option_attempts", 2)
	v.SetDefault("escalation.in_place_max_attempt", 2)
	v.SetDefault("escalation.recreate_max_attempt", 4)
	v.SetDefault("escalation.consecutive_hard_threshold", 5)
	v.SetDefault("escalation.quarantine_mins", 120)
	v.SetDefault("scheduler.max_passes", 0)
	v.SetDefault("scheduler.pass_interval", 10*time.Second)
	v.SetDefault("scheduler.max_store_failures", 3)
	v.SetDefault("scheduler.store_failure_delay", 30*time.Second)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "autoai.db")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.abandon_rate_threshold", 0.10)
	v.SetDefault("monitoring.dlq_threshold", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes are "run"
// (sheet, surface and pool), "ledger" (a run ledger backend) and "sheet"
// (sheet only). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "run":
		errs = append(errs, c.validateSheet()...)
		switch c.Surface.Driver {
		case "memory":
		case "bridge":
			if c.Surface.BridgeURL == "" {
				errs = append(errs, "surface.bridge_url is required for the bridge driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("surface.driver %q is not one of bridge, memory", c.Surface.Driver))
		}
		if c.Pool.Size <= 0 {
			errs = append(errs, fmt.Sprintf("pool.size must be positive, got %d", c.Pool.Size))
		}
		if c.Lease.Standard <= 0 || c.Lease.Extended <= 0 {
			errs = append(errs, "lease.standard and lease.extended must be positive")
		}
		errs = append(errs, c.validateStore(false)...)
	case "ledger":
		errs = append(errs, c.validateStore(true)...)
	case "sheet":
		errs = append(errs, c.validateSheet()...)
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSheet() []string {
	var errs []string
	if c.Sheet.Path == "" {
		errs = append(errs, "sheet.path is required")
	}
	if c.Sheet.Range == "" {
		errs = append(errs, "sheet.range is required")
	}
	return errs
}

func (c *Config) validateStore(required bool) []string {
	switch c.Store.Driver {
	case "none":
		if required {
			return []string{"store.driver none keeps no ledger"}
		}
		return nil
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("store.driver %q is not one of sqlite, postgres, none", c.Store.Driver)}
	}
}

// Warnings lists settings that are allowed but likely wrong.
func (c *Config) Warnings() []string {
	var out []string
	if c.Await.StandardCeiling > c.Lease.Standard {
		out = append(out, "await.standard_ceiling exceeds lease.standard; leases may expire mid-wait")
	}
	if c.Await.ExtendedCeiling > c.Lease.Extended {
		out = append(out, "await.extended_ceiling exceeds lease.extended; leases may expire mid-wait")
	}
	if c.Surface.Driver == "memory" && c.Store.Driver == "postgres" {
		out = append(out, "memory surface with a postgres ledger records simulated runs")
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
