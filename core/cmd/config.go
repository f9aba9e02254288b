package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/vkcom/chproxy/core/inmem"
)

const (
	defaultPort        = 7123
	defaultMaxBodySize = 16 << 20
)

// Config is the process configuration after flags, environment and config file are merged.
type Config struct {
	Host string
	Port uint

	ClickHouseURL   string
	BasicAuth       string // "user:password" expected from clients
	Compress        bool
	UpstreamTimeout time.Duration

	MaxBatchSize  int
	MaxBatchTime  time.Duration
	FlushInterval time.Duration
	MaxBodySize   int

	DebugAddr string
	Log       string
	LogLevel  string
	User      string
	Group     string
	Cores     int
}

// DefaultConfig returns Config with default values.
func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          defaultPort,
		MaxBatchSize:  inmem.DefaultMaxBatchSize,
		MaxBatchTime:  inmem.DefaultMaxBatchAge,
		FlushInterval: inmem.DefaultSweepInterval,
		MaxBodySize:   defaultMaxBodySize,
		LogLevel:      "info",
	}
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listening host")
	fs.UintVarP(&cfg.Port, "port", "p", cfg.Port, "listening port")

	fs.StringVar(&cfg.ClickHouseURL, "clickhouse-url", cfg.ClickHouseURL, "ClickHouse HTTP URL, credentials in user info are sent as basic auth")
	fs.StringVar(&cfg.BasicAuth, "basic-auth", cfg.BasicAuth, "user:password clients must send as basic auth")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "send LZ4 compressed bodies to ClickHouse")
	fs.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", cfg.UpstreamTimeout, "ClickHouse request timeout, 0 means none")

	fs.IntVar(&cfg.MaxBatchSize, "max-batch-size", cfg.MaxBatchSize, "rows in a batch that trigger immediate flush")
	fs.DurationVar(&cfg.MaxBatchTime, "max-batch-time", cfg.MaxBatchTime, "max time rows stay buffered (before sweep granularity)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "how often batches are checked for age")
	fs.IntVar(&cfg.MaxBodySize, "max-body-size", cfg.MaxBodySize, "max request body size in bytes")

	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "host:port for /metrics and /debug/pprof (disabled if empty)")
	fs.StringVarP(&cfg.Log, "log", "l", cfg.Log, "log file (stderr if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVarP(&cfg.User, "user", "u", cfg.User, "setuid user (if needed)")
	fs.StringVarP(&cfg.Group, "group", "g", cfg.Group, "setgid group (if needed)")
	fs.IntVar(&cfg.Cores, "cores", cfg.Cores, "max cpu cores usage")
}

// fileConfig mirrors Config with TOML friendly types. Durations are strings.
type fileConfig struct {
	Host            string `toml:"host"`
	Port            uint   `toml:"port"`
	ClickHouseURL   string `toml:"clickhouse_url"`
	BasicAuth       string `toml:"basic_auth"`
	Compress        *bool  `toml:"compress"`
	UpstreamTimeout string `toml:"upstream_timeout"`
	MaxBatchSize    int    `toml:"max_batch_size"`
	MaxBatchTime    string `toml:"max_batch_time"`
	FlushInterval   string `toml:"flush_interval"`
	MaxBodySize     int    `toml:"max_body_size"`
	DebugAddr       string `toml:"debug_addr"`
	Log             string `toml:"log"`
	LogLevel        string `toml:"log_level"`
	User            string `toml:"user"`
	Group           string `toml:"group"`
	Cores           int    `toml:"cores"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("host", fc.Host, &cfg.Host)
	s.setUint("port", fc.Port, &cfg.Port)
	s.setString("clickhouse-url", fc.ClickHouseURL, &cfg.ClickHouseURL)
	s.setString("basic-auth", fc.BasicAuth, &cfg.BasicAuth)
	s.setBool("compress", fc.Compress, &cfg.Compress)
	s.setInt("max-batch-size", fc.MaxBatchSize, &cfg.MaxBatchSize)
	s.setInt("max-body-size", fc.MaxBodySize, &cfg.MaxBodySize)
	s.setString("debug-addr", fc.DebugAddr, &cfg.DebugAddr)
	s.setString("log", fc.Log, &cfg.Log)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("user", fc.User, &cfg.User)
	s.setString("group", fc.Group, &cfg.Group)
	s.setInt("cores", fc.Cores, &cfg.Cores)

	if err := s.setDuration("upstream-timeout", fc.UpstreamTimeout, &cfg.UpstreamTimeout); err != nil {
		return err
	}
	if err := s.setDuration("max-batch-time", fc.MaxBatchTime, &cfg.MaxBatchTime); err != nil {
		return err
	}
	return s.setDuration("flush-interval", fc.FlushInterval, &cfg.FlushInterval)
}

// applyEnvConfig reads variables through getenv so tests do not touch process environment.
func applyEnvConfig(cfg *Config, getenv func(string) string, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("host", getenv("HOST"), &cfg.Host)
	s.setString("clickhouse-url", getenv("CLICKHOUSE_URL"), &cfg.ClickHouseURL)
	s.setString("basic-auth", getenv("BASIC_AUTH"), &cfg.BasicAuth)
	s.setString("log-level", getenv("LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setUintFromString("port", getenv("PORT"), &cfg.Port); err != nil {
		return err
	}
	if err := s.setIntFromString("max-batch-size", getenv("MAX_BATCH_SIZE"), &cfg.MaxBatchSize); err != nil {
		return err
	}
	if err := s.setDuration("max-batch-time", getenv("MAX_BATCH_TIME"), &cfg.MaxBatchTime); err != nil {
		return err
	}
	return s.setDuration("flush-interval", getenv("FLUSH_INTERVAL"), &cfg.FlushInterval)
}

// Validate checks required options and value ranges.
func (c *Config) Validate() error {
	if c.ClickHouseURL == "" {
		return errors.New("clickhouse url is required (--clickhouse-url or CLICKHOUSE_URL)")
	}
	if _, err := url.Parse(c.ClickHouseURL); err != nil {
		return fmt.Errorf("bad clickhouse url: %w", err)
	}
	if c.BasicAuth == "" {
		return errors.New("basic auth credentials are required (--basic-auth or BASIC_AUTH)")
	}
	if c.Port == 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MaxBatchTime <= 0 {
		return fmt.Errorf("max batch time must be positive, got %s", c.MaxBatchTime)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive, got %d", c.MaxBodySize)
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("upstream timeout must not be negative, got %s", c.UpstreamTimeout)
	}
	return nil
}

// masked returns copy of c safe to log.
func (c Config) masked() Config {
	if c.BasicAuth != "" {
		c.BasicAuth = "*****"
	}
	if u, err := url.Parse(c.ClickHouseURL); err == nil && u.User != nil {
		c.ClickHouseURL = u.Redacted()
	}
	return c
}

// configSetter assigns a value unless the corresponding flag was set explicitly.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setUint(flag string, value uint, dst *uint) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s *configSetter) setUintFromString(flag, value string, dst *uint) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	u, err := strconv.ParseUint(value, 10, 0)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = uint(u)
	return nil
}

// setDuration accepts Go durations ("3s") and bare integers as milliseconds ("3000").
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func parseDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}
