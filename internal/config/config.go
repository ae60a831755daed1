// The application's root configuration. Every provider reads its credentials
// from an environment variable whose name is configured here, never the secret itself.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Network    NetworkConfig    `mapstructure:"network"`
	AWS        AWSConfig        `mapstructure:"aws"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Cloudflare CloudflareConfig `mapstructure:"cloudflare"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
	// Verbose and Quiet override Level with debug and warn respectively.
	Verbose bool `mapstructure:"verbose" json:"verbose" yaml:"verbose"`
	Quiet   bool `mapstructure:"quiet" json:"quiet" yaml:"quiet"`
}

// EffectiveLevel resolves Level against the verbose and quiet switches.
func (l LoggerConfig) EffectiveLevel() string {
	switch {
	case l.Verbose:
		return "debug"
	case l.Quiet:
		return "warn"
	default:
		return l.Level
	}
}

// Neo4jConfig holds the graph database connection settings.
type Neo4jConfig struct {
	URI                   string        `mapstructure:"uri"`
	User                  string        `mapstructure:"user"`
	PasswordEnvVar        string        `mapstructure:"password_env_var"`
	PasswordPrompt        bool          `mapstructure:"password_prompt"`
	Database              string        `mapstructure:"database"`
	MaxConnectionLifetime time.Duration `mapstructure:"max_connection_lifetime"`
}

// SyncConfig holds settings for a single sync pass.
type SyncConfig struct {
	// UpdateTag is stamped on everything written in the run. Zero means "now" in epoch seconds.
	UpdateTag       int64    `mapstructure:"update_tag"`
	SelectedModules []string `mapstructure:"selected_modules"`
	// CleanupIterationSize bounds each iterative cleanup statement.
	CleanupIterationSize int `mapstructure:"cleanup_iteration_size"`
}

// NetworkConfig holds settings for outbound HTTP requests to REST providers.
type NetworkConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// AWSConfig holds settings for the AWS intel module.
type AWSConfig struct {
	SyncAllProfiles bool     `mapstructure:"sync_all_profiles"`
	BestEffortMode  bool     `mapstructure:"best_effort_mode"`
	Regions         []string `mapstructure:"regions"`
	// CloudTrailLookbackHours enables the CloudTrail module when positive.
	CloudTrailLookbackHours int `mapstructure:"cloudtrail_management_events_lookback_hours"`
	ECRImageConcurrency     int `mapstructure:"ecr_image_concurrency"`
}

// GitHubConfig holds settings for the GitHub intel module.
type GitHubConfig struct {
	TokenEnvVar string   `mapstructure:"token_env_var"`
	Orgs        []string `mapstructure:"orgs"`
	APIURL      string   `mapstructure:"api_url"`
}

// CloudflareConfig holds settings for the Cloudflare intel module.
type CloudflareConfig struct {
	TokenEnvVar string `mapstructure:"token_env_var"`
	APIURL      string `mapstructure:"api_url"`
}

// OpenAIConfig holds settings for the OpenAI intel module.
type OpenAIConfig struct {
	APIKeyEnvVar string `mapstructure:"apikey_env_var"`
	OrgID        string `mapstructure:"org_id"`
	APIURL       string `mapstructure:"api_url"`
}

// AnalysisConfig points at a directory of JSON analysis jobs.
type AnalysisConfig struct {
	JobDirectory string `mapstructure:"job_directory"`
}

// PostgresConfig holds settings for the optional sync-run ledger.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// ScheduleConfig holds settings for the schedule command.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// SetDefaults registers defaults so the tool runs with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "cartography")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.max_connection_lifetime", time.Hour)

	v.SetDefault("sync.cleanup_iteration_size", 100)

	v.SetDefault("network.timeout", 60*time.Second)
	v.SetDefault("network.requests_per_second", 10.0)
	v.SetDefault("network.burst", 5)
	v.SetDefault("network.user_agent", "cartography")

	v.SetDefault("aws.ecr_image_concurrency", 8)
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("cloudflare.api_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("openai.api_url", "https://api.openai.com/v1")
}

// Validate checks the fields every run depends on.
func (c *Config) Validate() error {
	if c.Neo4j.URI == "" {
		return errors.New("neo4j.uri is a required configuration field")
	}
	if c.Logger.Verbose && c.Logger.Quiet {
		return errors.New("logger.verbose and logger.quiet are mutually exclusive")
	}
	if c.Sync.UpdateTag < 0 {
		return fmt.Errorf("sync.update_tag must not be negative, got %d", c.Sync.UpdateTag)
	}
	if c.Sync.CleanupIterationSize < 0 {
		return errors.New("sync.cleanup_iteration_size must not be negative")
	}
	if c.AWS.CloudTrailLookbackHours < 0 {
		return errors.New("aws.cloudtrail_management_events_lookback_hours must not be negative")
	}
	if c.Network.RequestsPerSecond < 0 {
		return errors.New("network.requests_per_second must not be negative")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set replaces the global instance. Used by the root command after validation.
func Set(cfg *Config) {
	once.Do(func() {})
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
