// Package config loads the sisupload TOML file. Every key can be overridden
// from the environment as SISUPLOAD_<KEY>, with dots written as underscores
// (SISUPLOAD_POLL_MAX_WAIT).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/sisupload/internal/csvfilter"
	"github.com/loykin/sisupload/internal/detector"
	"github.com/loykin/sisupload/internal/logger"
	"github.com/loykin/sisupload/internal/poller"
	"github.com/loykin/sisupload/pkg/client"
	"github.com/spf13/viper"
)

const EnvPrefix = "SISUPLOAD"

type Config struct {
	Host        string         `toml:"host" mapstructure:"host"`
	BaseURL     string         `toml:"base_url" mapstructure:"base_url"`
	Token       string         `toml:"token" mapstructure:"token"`
	TokenFile   string         `toml:"token_file" mapstructure:"token_file"`
	TokenSuffix string         `toml:"token_suffix" mapstructure:"token_suffix"`
	Timeout     time.Duration  `toml:"timeout" mapstructure:"timeout"`
	InputDir    string         `toml:"input_dir" mapstructure:"input_dir"`
	OutputDir   string         `toml:"output_dir" mapstructure:"output_dir"`
	StateDir    string         `toml:"state_dir" mapstructure:"state_dir"`
	Liveness    LivenessConfig `toml:"liveness" mapstructure:"liveness"`
	Poll        PollConfig     `toml:"poll" mapstructure:"poll"`
	Stems       []StemConfig   `toml:"stems" mapstructure:"stems"`
	Log         LogConfig      `toml:"log" mapstructure:"log"`
	History     HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics     MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	TLS         TLSConfig      `toml:"tls" mapstructure:"tls"`
}

type LivenessConfig struct {
	Detector string `toml:"detector" mapstructure:"detector"` // signal, proctable or ps
	Command  string `toml:"command" mapstructure:"command"`   // ps only; {pid} is substituted
	// PIDReuseGuard treats an owner that started after the lock was written as dead.
	PIDReuseGuard bool `toml:"pid_reuse_guard" mapstructure:"pid_reuse_guard"`
}

type PollConfig struct {
	MaxWait time.Duration `toml:"max_wait" mapstructure:"max_wait"`
	Step    time.Duration `toml:"step" mapstructure:"step"`
}

type StemConfig struct {
	Name        string   `toml:"name" mapstructure:"name"`
	Filter      string   `toml:"filter" mapstructure:"filter"`
	DropKeys    []string `toml:"drop_keys" mapstructure:"drop_keys"`
	NullValues  []string `toml:"null_values" mapstructure:"null_values"`
	EmailDomain string   `toml:"email_domain" mapstructure:"email_domain"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      string `toml:"color" mapstructure:"color"` // auto, always, never
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	FileFormat string `toml:"file_format" mapstructure:"file_format"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig selects an optional event sink, e.g. "sqlite:///var/lib/sisupload/history.db".
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// MetricsConfig names a node_exporter textfile to write after each command.
type MetricsConfig struct {
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type TLSConfig struct {
	CACert     string `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string `toml:"client_key" mapstructure:"client_key"`
	ServerName string `toml:"server_name" mapstructure:"server_name"`
	SkipVerify bool   `toml:"skip_verify" mapstructure:"skip_verify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("base_url", "")
	v.SetDefault("token", "")
	v.SetDefault("token_file", client.DefaultTokenFile)
	v.SetDefault("token_suffix", "")
	v.SetDefault("timeout", "60s")
	v.SetDefault("input_dir", "")
	v.SetDefault("output_dir", "")
	v.SetDefault("state_dir", "")
	v.SetDefault("liveness.detector", detector.KindSignal)
	v.SetDefault("liveness.command", detector.DefaultPSCommand)
	v.SetDefault("liveness.pid_reuse_guard", true)
	v.SetDefault("poll.max_wait", poller.DefaultMaxWait.String())
	v.SetDefault("poll.step", poller.DefaultStep.String())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", "auto")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.file_format", logger.FormatJSON)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
}

// Load reads path (which may be empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.StateDir == "" {
		c.StateDir = c.OutputDir
	}
	return &c, nil
}

// Validate checks what every command needs. Errors name the offending key.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host: required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir: required"))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir: required"))
	}
	if c.Poll.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("poll.max_wait: must be positive, got %s", c.Poll.MaxWait))
	}
	if c.Poll.Step <= 0 {
		errs = append(errs, fmt.Errorf("poll.step: must be positive, got %s", c.Poll.Step))
	}
	switch c.Liveness.Detector {
	case detector.KindSignal, detector.KindProcTable, detector.KindCommand:
	default:
		errs = append(errs, fmt.Errorf("liveness.detector: unknown %q", c.Liveness.Detector))
	}
	switch c.Log.Color {
	case "", "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("log.color: unknown %q", c.Log.Color))
	}
	if len(c.Stems) == 0 {
		errs = append(errs, errors.New("stems: at least one stem is required"))
	}
	seen := make(map[string]bool, len(c.Stems))
	for i, s := range c.Stems {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stems[%d].name: required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stems[%d].name: duplicate %q", i, s.Name))
		}
		seen[s.Name] = true
		if _, err := csvfilter.New(s.FilterSpec()); err != nil {
			errs = append(errs, fmt.Errorf("stems[%d].filter: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateFiltering additionally requires an input directory.
func (c *Config) ValidateFiltering() error {
	if c.InputDir == "" {
		return errors.New("input_dir: required unless --upload-only")
	}
	return nil
}

func (s StemConfig) FilterSpec() csvfilter.Spec {
	return csvfilter.Spec{
		Kind:        s.Filter,
		DropKeys:    s.DropKeys,
		NullValues:  s.NullValues,
		EmailDomain: s.EmailDomain,
	}
}

// LoggerConfig maps [log] onto the logger package.
func (l LogConfig) LoggerConfig() logger.Config {
	cfg := logger.Config{
		Level:  l.Level,
		Format: l.Format,
		File: logger.FileConfig{
			Dir:        l.Dir,
			Path:       l.File,
			Format:     l.FileFormat,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
	switch l.Color {
	case "always":
		on := true
		cfg.Color = &on
	case "never":
		off := false
		cfg.Color = &off
	}
	return cfg
}

// ClientConfig builds the API client configuration. The token is resolved
// by the caller.
func (c *Config) ClientConfig(token string) client.Config {
	base := c.BaseURL
	if base == "" {
		base = client.BaseURLForHost(c.Host)
	}
	cc := client.Config{BaseURL: base, Token: token, Timeout: c.Timeout}
	t := c.TLS
	if t.CACert != "" || t.ClientCert != "" || t.ServerName != "" || t.SkipVerify {
		cc.TLS = &client.TLSClientConfig{
			CACert:     t.CACert,
			ClientCert: t.ClientCert,
			ClientKey:  t.ClientKey,
			ServerName: t.ServerName,
			SkipVerify: t.SkipVerify,
		}
	}
	return cc
}

// ResolveToken returns the configured token, falling back to the token file.
func (c *Config) ResolveToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	return client.LoadAccessToken(c.TokenFile, c.Host, c.TokenSuffix)
}
