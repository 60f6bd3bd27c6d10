package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Emby         EmbyConfig         `mapstructure:"emby"`
	TMDB         TMDBConfig         `mapstructure:"tmdb"`
	MoviePilot   MoviePilotConfig   `mapstructure:"moviepilot"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Tasks        TasksConfig        `mapstructure:"tasks"`
}

// ServerConfig holds webhook/status HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// EmbyConfig holds the Media Server connection settings.
type EmbyConfig struct {
	BaseURL    string   `mapstructure:"base_url"`
	APIKey     string   `mapstructure:"api_key"`
	LibraryIDs []string `mapstructure:"library_ids"`
	Timeout    int      `mapstructure:"timeout"` // seconds
}

// TMDBConfig holds metadata provider settings.
type TMDBConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Timeout  int    `mapstructure:"timeout"` // seconds
	ProxyURL string `mapstructure:"proxy_url"`
}

// MoviePilotConfig holds downloader settings.
type MoviePilotConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Timeout  int    `mapstructure:"timeout"` // seconds
}

// TelegramConfig holds notification transport settings.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// SubscriptionConfig holds quota and resubscribe settings.
type SubscriptionConfig struct {
	DailyQuota         int  `mapstructure:"daily_quota"`
	ResubscribeEnabled bool `mapstructure:"resubscribe_enabled"`
}

// TasksConfig holds task scheduler settings.
type TasksConfig struct {
	ChainMaxRuntimeMinutes int `mapstructure:"chain_max_runtime_minutes"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8097,
		},
		Database: DatabaseConfig{
			Path: "./data/embytoolkit.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		TMDB: TMDBConfig{
			BaseURL: "https://api.themoviedb.org/3",
			Timeout: 15,
		},
		Emby: EmbyConfig{
			Timeout: 30,
		},
		MoviePilot: MoviePilotConfig{
			Timeout: 20,
		},
		Subscription: SubscriptionConfig{
			DailyQuota: 10,
		},
		Tasks: TasksConfig{
			ChainMaxRuntimeMinutes: 300,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.embytoolkit")
	}

	v.SetEnvPrefix("EMBYTOOLKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings every task depends on.
func (c *Config) Validate() error {
	if c.Emby.BaseURL == "" || c.Emby.APIKey == "" {
		return fmt.Errorf("emby base_url and api_key are required")
	}
	if c.TMDB.APIKey == "" {
		return fmt.Errorf("tmdb api_key is required")
	}
	if len(c.Emby.LibraryIDs) == 0 {
		return fmt.Errorf("emby library_ids allowlist is empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8097)

	v.SetDefault("database.path", "./data/embytoolkit.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("emby.timeout", 30)

	v.SetDefault("tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("tmdb.timeout", 15)

	v.SetDefault("moviepilot.timeout", 20)

	v.SetDefault("subscription.daily_quota", 10)
	v.SetDefault("subscription.resubscribe_enabled", false)

	v.SetDefault("tasks.chain_max_runtime_minutes", 300)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
