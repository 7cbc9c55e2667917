// Package config loads application configuration from diwan.toml and
// DIWAN_-prefixed environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/diwan-erp/diwan/errors"
)

// Config is the application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the job engine
type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	ExpiryScanCron    string        `mapstructure:"expiry_scan_cron"`
	DailyDigestCron   string        `mapstructure:"daily_digest_cron"`
	RetentionDays     int           `mapstructure:"retention_days"`
}

// NotificationsConfig configures the delivery queue
type NotificationsConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
}

// AlertsConfig configures who receives operational notifications
type AlertsConfig struct {
	AdminName        string `mapstructure:"admin_name"`
	AdminEmail       string `mapstructure:"admin_email"`
	ExpiryWindowDays int    `mapstructure:"expiry_window_days"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Load reads configuration from diwan.toml (searched from the working
// directory upward) merged with DIWAN_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DIWAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}

	return &config, nil
}

// SetDefaults applies default values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("database.path", "diwan.db")

	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.job_timeout", "10m")
	v.SetDefault("scheduler.default_max_retries", 3)
	v.SetDefault("scheduler.expiry_scan_cron", "0 6 * * *")
	v.SetDefault("scheduler.daily_digest_cron", "0 7 * * *")
	v.SetDefault("scheduler.retention_days", 90)

	v.SetDefault("notifications.max_attempts", 5)
	v.SetDefault("notifications.poll_interval", "5s")
	v.SetDefault("notifications.retry_backoff_base", "1m")
	v.SetDefault("notifications.rate_per_second", 5.0)

	v.SetDefault("alerts.admin_name", "Administrator")
	v.SetDefault("alerts.admin_email", "admin@localhost")
	v.SetDefault("alerts.expiry_window_days", 30)

	v.SetDefault("log.json", false)
}

// findProjectConfig searches for diwan.toml by walking up the directory
// tree. Returns empty string if none is found; defaults apply then.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "diwan.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
