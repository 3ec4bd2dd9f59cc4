// Package config loads criticality's runtime configuration.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/escalation"
)

// EnvPrefix prefixes every environment override, e.g. CRITICALITY_STATE_PATH.
const EnvPrefix = "CRITICALITY"

// DefaultFileName is looked up in the working directory when no file is given.
const DefaultFileName = "criticality"

// ProviderConfig defines how to launch the model provider process for a tier.
type ProviderConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// EscalationConfig bounds the per-function retry policy.
type EscalationConfig struct {
	MaxAttemptsPerFunction int `mapstructure:"max_attempts_per_function"`
	SyntaxRetryLimit       int `mapstructure:"syntax_retry_limit"`
	TypeRetryLimit         int `mapstructure:"type_retry_limit"`
	TestRetryLimit         int `mapstructure:"test_retry_limit"`
}

// Policy converts the section into escalation limits.
func (e EscalationConfig) Policy() escalation.Config {
	return escalation.Config{
		MaxAttemptsPerFunction: e.MaxAttemptsPerFunction,
		SyntaxRetryLimit:       e.SyntaxRetryLimit,
		TypeRetryLimit:         e.TypeRetryLimit,
		TestRetryLimit:         e.TestRetryLimit,
	}
}

// OperationsConfig configures the local external operations.
type OperationsConfig struct {
	Workspace      string        `mapstructure:"workspace"`
	CompileCommand string        `mapstructure:"compile_command"`
	TestCommand    string        `mapstructure:"test_command"`
	ArchiveDir     string        `mapstructure:"archive_dir"`
	ModelTimeout   time.Duration `mapstructure:"model_timeout"`
}

// RouterConfig maps model tiers to provider processes.
type RouterConfig struct {
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Config holds the runtime configuration.
type Config struct {
	StatePath    string           `mapstructure:"state_path"`
	LedgerPath   string           `mapstructure:"ledger_path"`
	MaxTicks     int              `mapstructure:"max_ticks"`
	TickInterval time.Duration    `mapstructure:"tick_interval"`
	ListenAddr   string           `mapstructure:"listen_addr"`
	Logging      LoggingConfig    `mapstructure:"logging"`
	Escalation   EscalationConfig `mapstructure:"escalation"`
	Operations   OperationsConfig `mapstructure:"operations"`
	Router       RouterConfig     `mapstructure:"router"`
	Notify       NotifyConfig     `mapstructure:"notify"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	policy := escalation.DefaultConfig()
	return &Config{
		StatePath:    ".criticality/state.json",
		LedgerPath:   ".criticality/ledger.db",
		MaxTicks:     1000,
		TickInterval: 2 * time.Second,
		ListenAddr:   "127.0.0.1:9810",
		Logging:      LoggingConfig{Level: "INFO"},
		Escalation: EscalationConfig{
			MaxAttemptsPerFunction: policy.MaxAttemptsPerFunction,
			SyntaxRetryLimit:       policy.SyntaxRetryLimit,
			TypeRetryLimit:         policy.TypeRetryLimit,
			TestRetryLimit:         policy.TestRetryLimit,
		},
		Operations: OperationsConfig{
			Workspace:    ".",
			ArchiveDir:   ".criticality/archive",
			ModelTimeout: 5 * time.Minute,
		},
		Notify: NotifyConfig{Timeout: 10 * time.Second},
	}
}

// SetDefaults registers every default with v so that env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("state_path", d.StatePath)
	v.SetDefault("ledger_path", d.LedgerPath)
	v.SetDefault("max_ticks", d.MaxTicks)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("listen_addr", d.ListenAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("escalation.max_attempts_per_function", d.Escalation.MaxAttemptsPerFunction)
	v.SetDefault("escalation.syntax_retry_limit", d.Escalation.SyntaxRetryLimit)
	v.SetDefault("escalation.type_retry_limit", d.Escalation.TypeRetryLimit)
	v.SetDefault("escalation.test_retry_limit", d.Escalation.TestRetryLimit)

	v.SetDefault("operations.workspace", d.Operations.Workspace)
	v.SetDefault("operations.compile_command", d.Operations.CompileCommand)
	v.SetDefault("operations.test_command", d.Operations.TestCommand)
	v.SetDefault("operations.archive_dir", d.Operations.ArchiveDir)
	v.SetDefault("operations.model_timeout", d.Operations.ModelTimeout)

	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
}

// NewViper builds a viper instance with defaults, environment overrides and
// the config file. An explicit configFile must exist; otherwise
// ./criticality.{yaml,json} is read when present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = v.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		return v, nil
	}

	v.SetConfigName(DefaultFileName)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config, applies defaults for zero values and validates.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads configFile (or the default lookup when empty) end to end.
func LoadFile(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return Load(v)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.StatePath == "" {
		c.StatePath = d.StatePath
	}
	if c.MaxTicks == 0 {
		c.MaxTicks = d.MaxTicks
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Operations.ModelTimeout == 0 {
		c.Operations.ModelTimeout = d.Operations.ModelTimeout
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = d.Notify.Timeout
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.MaxTicks < 0 {
		problems = append(problems, "max_ticks must be positive")
	}
	if c.TickInterval < 0 {
		problems = append(problems, "tick_interval must be positive")
	}
	if c.Escalation.MaxAttemptsPerFunction <= 0 {
		problems = append(problems, "escalation.max_attempts_per_function must be positive")
	}
	for _, limit := range []struct {
		name string
		n    int
	}{
		{"syntax_retry_limit", c.Escalation.SyntaxRetryLimit},
		{"type_retry_limit", c.Escalation.TypeRetryLimit},
		{"test_retry_limit", c.Escalation.TestRetryLimit},
	} {
		if limit.n < 0 {
			problems = append(problems, "escalation."+limit.name+" must not be negative")
		}
	}
	for _, tier := range slices.Sorted(maps.Keys(c.Router.Providers)) {
		p := c.Router.Providers[tier]
		if _, err := escalation.ParseTier(tier); err != nil {
			problems = append(problems, fmt.Sprintf("router.providers: unknown tier %q", tier))
		}
		if p.Command == "" {
			problems = append(problems, fmt.Sprintf("router.providers.%s.command is required", tier))
		}
	}
	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "notify.webhook_url must be an http(s) URL")
		}
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
