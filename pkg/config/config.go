// Package config loads server settings from a YAML file, a .env file and
// ATELIER_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ATELIER_SERVER_PORT.
const EnvPrefix = "ATELIER"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Calendar CalendarConfig `yaml:"calendar" mapstructure:"calendar"`
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
	Discord  DiscordConfig  `yaml:"discord" mapstructure:"discord"`
	Gmail    GmailConfig    `yaml:"gmail" mapstructure:"gmail"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Jobs     JobsConfig     `yaml:"jobs" mapstructure:"jobs"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" mapstructure:"port"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

type LogConfig struct {
	Env   string `yaml:"env" mapstructure:"env"`
	Level string `yaml:"level" mapstructure:"level"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MongoURI   string `yaml:"mongo_uri" mapstructure:"mongo_uri"`
	MongoDB    string `yaml:"mongo_db" mapstructure:"mongo_db"`
}

// RedisConfig enables the cross-instance change bridge when URL is set.
type RedisConfig struct {
	URL        string `yaml:"url" mapstructure:"url"`
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`
}

type CalendarConfig struct {
	CredentialsFile string        `yaml:"credentials_file" mapstructure:"credentials_file"`
	CalendarID      string        `yaml:"calendar_id" mapstructure:"calendar_id"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
}

func (c CalendarConfig) Enabled() bool {
	return c.CredentialsFile != "" && c.CalendarID != ""
}

type TelegramConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	ChatID int64  `yaml:"chat_id" mapstructure:"chat_id"`
}

type DiscordConfig struct {
	Token     string `yaml:"token" mapstructure:"token"`
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id"`
}

type GmailConfig struct {
	CredentialsFile     string        `yaml:"credentials_file" mapstructure:"credentials_file"`
	User                string        `yaml:"user" mapstructure:"user"`
	Query               string        `yaml:"query" mapstructure:"query"`
	Interval            time.Duration `yaml:"interval" mapstructure:"interval"`
	DefaultCollaborator string        `yaml:"default_collaborator" mapstructure:"default_collaborator"`
}

func (c GmailConfig) Enabled() bool {
	return c.CredentialsFile != "" && c.User != ""
}

type NotifyConfig struct {
	Throttle time.Duration `yaml:"throttle" mapstructure:"throttle"`
}

type JobsConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	ResumeInterval    time.Duration `yaml:"resume_interval" mapstructure:"resume_interval"`
}

type ExportConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	RepoPath string `yaml:"repo_path" mapstructure:"repo_path"`
	Cron     string `yaml:"cron" mapstructure:"cron"`
	Push     bool   `yaml:"push" mapstructure:"push"`
}

func (c ExportConfig) Enabled() bool {
	return c.Dir != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timezone", "Europe/Paris")
	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.sqlite_path", "data/atelier.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_db", "atelier")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.instance_id", "")
	v.SetDefault("calendar.credentials_file", "")
	v.SetDefault("calendar.calendar_id", "")
	v.SetDefault("calendar.interval", "5m")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.channel_id", "")
	v.SetDefault("gmail.credentials_file", "")
	v.SetDefault("gmail.user", "")
	v.SetDefault("gmail.query", "")
	v.SetDefault("gmail.interval", "5m")
	v.SetDefault("gmail.default_collaborator", "")
	v.SetDefault("notify.throttle", "10m")
	v.SetDefault("jobs.reconcile_interval", "1h")
	v.SetDefault("jobs.resume_interval", "5m")
	v.SetDefault("export.dir", "")
	v.SetDefault("export.repo_path", "")
	v.SetDefault("export.cron", "0 2 * * *")
	v.SetDefault("export.push", false)
}

// Load reads configuration. path may be empty; a missing .env file is ignored.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Export.RepoPath == "" {
		cfg.Export.RepoPath = cfg.Export.Dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := time.LoadLocation(c.Server.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("server.timezone: %w", err))
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required"))
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not %s or %s", c.Store.Backend, BackendSQLite, BackendMongo))
	}
	if c.Calendar.Enabled() && c.Calendar.Interval <= 0 {
		errs = append(errs, errors.New("calendar.interval must be positive"))
	}
	if c.Gmail.Enabled() {
		if c.Gmail.Interval <= 0 {
			errs = append(errs, errors.New("gmail.interval must be positive"))
		}
		if c.Gmail.DefaultCollaborator == "" {
			errs = append(errs, errors.New("gmail.default_collaborator is required to assign leads"))
		}
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required with a token"))
	}
	if c.Discord.Token != "" && c.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required with a token"))
	}
	if c.Jobs.ReconcileInterval <= 0 || c.Jobs.ResumeInterval <= 0 {
		errs = append(errs, errors.New("jobs intervals must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the server time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
