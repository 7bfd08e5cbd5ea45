package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type StreamConfig struct {
	URL            string        `yaml:"url"`             // SSE endpoint
	UserAgent      string        `yaml:"user_agent"`      // required by Wikimedia's UA policy
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // dial + TLS + response headers
	MaxEventBytes  int           `yaml:"max_event_bytes"` // largest accepted frame; bigger ones are skipped
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // mysql | postgres | sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Name            string `yaml:"name"`
	CredentialsFile string `yaml:"credentials_file"` // my.cnf style, [client] section
	DSN             string `yaml:"dsn"`              // overrides everything above
	SSLMode         string `yaml:"sslmode"`          // postgres only
}

type MetricsConfig struct {
	ListenAddress string        `yaml:"listen_address"` // empty disables the server
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type Config struct {
	Stream                StreamConfig   `yaml:"stream"`
	Database              DatabaseConfig `yaml:"database"`
	Metrics               MetricsConfig  `yaml:"metrics"`
	Log                   LogConfig      `yaml:"log"`
	ReconnectDelaySeconds float64        `yaml:"reconnect_delay_seconds"` // 0 or absent: default
	TrackedRefreshSeconds float64        `yaml:"tracked_refresh_seconds"`
}

const (
	DefaultStreamURL = "https://stream.wikimedia.org/v2/stream/recentchange"
	DefaultUserAgent = "xwiki-consumer/1.0 (https://toolforge.org/tool/xwiki)"
	DefaultDBHost    = "tools.db.svc.wikimedia.cloud"
)

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds * float64(time.Second))
}

func (c Config) TrackedRefresh() time.Duration {
	return time.Duration(c.TrackedRefreshSeconds * float64(time.Second))
}

// Load reads the optional YAML file at path, loads a .env file if present,
// applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	// .env is optional, real env vars win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	seconds := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		// zero would otherwise be taken for "unset" by applyDefaults
		if f <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, v)
		}
		*dst = f
		return nil
	}

	str("EVENTSTREAM_URL", &c.Stream.URL)
	str("USER_AGENT", &c.Stream.UserAgent)
	if v, ok := lookup("STREAM_CONNECT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAM_CONNECT_TIMEOUT: %w", err)
		}
		c.Stream.ConnectTimeout = d
	}
	if err := seconds("RECONNECT_DELAY", &c.ReconnectDelaySeconds); err != nil {
		return err
	}
	if err := seconds("TRACKED_REFRESH_SEC", &c.TrackedRefreshSeconds); err != nil {
		return err
	}
	str("DB_DRIVER", &c.Database.Driver)
	str("TOOLSDB_HOST", &c.Database.Host)
	str("TOOLSDB_DATABASE", &c.Database.Name)
	str("MYSQL_CNF_PATH", &c.Database.CredentialsFile)
	str("DATABASE_URL", &c.Database.DSN)
	str("METRICS_ADDR", &c.Metrics.ListenAddress)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Stream.URL == "" {
		c.Stream.URL = DefaultStreamURL
	}
	if c.Stream.UserAgent == "" {
		c.Stream.UserAgent = DefaultUserAgent
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.MaxEventBytes == 0 {
		c.Stream.MaxEventBytes = 1 << 20
	}
	if c.ReconnectDelaySeconds == 0 {
		c.ReconnectDelaySeconds = 3
	}
	if c.TrackedRefreshSeconds == 0 {
		c.TrackedRefreshSeconds = 60
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Host == "" && c.Database.Driver != "sqlite" {
		c.Database.Host = DefaultDBHost
	}
	if c.Database.CredentialsFile == "" && c.Database.Driver == "mysql" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Database.CredentialsFile = filepath.Join(home, ".my.cnf")
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Metrics.ReadTimeout == 0 {
		c.Metrics.ReadTimeout = 5 * time.Second
	}
	if c.Metrics.WriteTimeout == 0 {
		c.Metrics.WriteTimeout = 5 * time.Second
	}
	if c.Metrics.IdleTimeout == 0 {
		c.Metrics.IdleTimeout = 60 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Stream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("stream.url must be an http(s) URL, got %q", c.Stream.URL)
	}
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database.driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" && c.Database.Name == "" {
		return errors.New("database.name is required (set TOOLSDB_DATABASE, e.g. xwiki__events)")
	}
	if c.ReconnectDelaySeconds <= 0 {
		return errors.New("reconnect_delay_seconds must be positive")
	}
	if c.TrackedRefreshSeconds <= 0 {
		return errors.New("tracked_refresh_seconds must be positive")
	}
	if c.Stream.MaxEventBytes < 4096 {
		return errors.New("stream.max_event_bytes must be at least 4096")
	}
	return nil
}
