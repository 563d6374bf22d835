package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// SRConfig holds the application configuration
type SRConfig struct {
	Database struct {
		// Driver is "postgres" for the relational store or "memory" for a process local store
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host            string   `mapstructure:"host"`
		Port            int      `mapstructure:"port"`
		AllowedOrigins  []string `mapstructure:"allowed_origins"`
		UseSSE          bool     `mapstructure:"use_sse"`
		PingIntervalSec int      `mapstructure:"ping_interval_sec"`
	} `mapstructure:"server"`

	Scheduler struct {
		MaxConcurrency     int   `mapstructure:"max_concurrency"`
		KillGraceSec       int   `mapstructure:"kill_grace_sec"`
		SuccessExitCodes   []int `mapstructure:"success_exit_codes"`
		SubscriberBuffer   int   `mapstructure:"subscriber_buffer"`
		MaxLineBytes       int   `mapstructure:"max_line_bytes"`
		ShutdownTimeoutSec int   `mapstructure:"shutdown_timeout_sec"`
		DrainOnShutdown    bool  `mapstructure:"drain_on_shutdown"`
		IORetries          int   `mapstructure:"io_retries"`
		IORetryDelayMs     int   `mapstructure:"io_retry_delay_ms"`
	} `mapstructure:"scheduler"`

	Registry struct {
		GCSchedule   string `mapstructure:"gc_schedule"`
		RetentionSec int    `mapstructure:"retention_sec"`
	} `mapstructure:"registry"`

	Paths struct {
		LogDir    string `mapstructure:"log_dir"`
		SuiteRoot string `mapstructure:"suite_root"`
		ConfigDir string `mapstructure:"config_dir"`
	} `mapstructure:"paths"`

	Suites struct {
		Patterns    []string          `mapstructure:"patterns"`
		Interpreter []string          `mapstructure:"interpreter"`
		Env         map[string]string `mapstructure:"env"`
	} `mapstructure:"suites"`

	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*SRConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("SR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		// no file at all, run on defaults and environment
		return unmarshal(v, cwd)
	} else if err != nil {
		return nil, err
	}
	return config, nil
}

// newViper creates a viper instance with the default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "suiterunner")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.use_sse", true)
	v.SetDefault("server.ping_interval_sec", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrency", 1)
	v.SetDefault("scheduler.kill_grace_sec", 10)
	v.SetDefault("scheduler.success_exit_codes", []int{0})
	v.SetDefault("scheduler.subscriber_buffer", 1024)
	v.SetDefault("scheduler.max_line_bytes", 64*1024)
	v.SetDefault("scheduler.shutdown_timeout_sec", 30)
	v.SetDefault("scheduler.drain_on_shutdown", false)
	v.SetDefault("scheduler.io_retries", 3)
	v.SetDefault("scheduler.io_retry_delay_ms", 50)

	// Registry defaults
	v.SetDefault("registry.gc_schedule", "@every 1m")
	v.SetDefault("registry.retention_sec", 600)

	// Path defaults
	v.SetDefault("paths.log_dir", "./logs")
	v.SetDefault("paths.suite_root", "./suites")
	v.SetDefault("paths.config_dir", "./config")

	v.SetDefault("suites.patterns", []string{"**/*.robot", "**/*.sh"})
	v.SetDefault("suites.interpreter", []string{})

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("SR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*SRConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	return unmarshal(v, path)
}

func unmarshal(v *viper.Viper, path string) (*SRConfig, error) {
	var config SRConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return &config, nil
}

// Validate checks every setting that the orchestrator cannot start without
func (c *SRConfig) Validate() error {
	var errs []error
	if c.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrency must be at least 1"))
	}
	if c.Scheduler.KillGraceSec < 0 {
		errs = append(errs, errors.New("scheduler.kill_grace_sec cannot be negative"))
	}
	if c.Scheduler.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("scheduler.subscriber_buffer must be at least 1"))
	}
	if c.Scheduler.MaxLineBytes < 16 {
		errs = append(errs, errors.New("scheduler.max_line_bytes must be at least 16"))
	}
	if len(c.Scheduler.SuccessExitCodes) == 0 {
		errs = append(errs, errors.New("scheduler.success_exit_codes cannot be empty"))
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		errs = append(errs, errors.New("paths.log_dir is required"))
	}
	if strings.TrimSpace(c.Paths.SuiteRoot) == "" {
		errs = append(errs, errors.New("paths.suite_root is required"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// ConfigureLogging applies the configured level to the global logger
func (c *SRConfig) ConfigureLogging() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", c.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// GetDatabaseURL returns a formatted database connection string
func (c *SRConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *SRConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *SRConfig) KillGrace() time.Duration {
	return time.Duration(c.Scheduler.KillGraceSec) * time.Second
}

func (c *SRConfig) PingInterval() time.Duration {
	return time.Duration(c.Server.PingIntervalSec) * time.Second
}

func (c *SRConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.Scheduler.ShutdownTimeoutSec) * time.Second
}

func (c *SRConfig) IORetryDelay() time.Duration {
	return time.Duration(c.Scheduler.IORetryDelayMs) * time.Millisecond
}

func (c *SRConfig) Retention() time.Duration {
	return time.Duration(c.Registry.RetentionSec) * time.Second
}
