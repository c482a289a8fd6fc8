package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/signalops/signalops/internal/events"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/strategy"
)

// Config is the root configuration of signalops-core.
type Config struct {
	General   GeneralConfig             `yaml:"general"`
	Server    ServerConfig              `yaml:"server"`
	Evaluator EvaluatorConfig           `yaml:"evaluator"`
	EventGate EventGateConfig           `yaml:"event_gate"`
	Risk      RiskConfig                `yaml:"risk"`
	Broker    BrokerConfig              `yaml:"broker"`
	Ledger    LedgerConfig              `yaml:"ledger"`
	Cache     CacheConfig               `yaml:"cache"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	// Strategies lists strategy documents loaded at boot.
	Strategies []string `yaml:"strategies"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
	// Account is used for rule-driven orders.
	Account string `yaml:"account"`
}

type ServerConfig struct {
	ListenAddr         string `yaml:"listen_addr"`
	ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type EvaluatorConfig struct {
	MetricTimeoutMs int     `yaml:"metric_timeout_ms"`
	Concurrency     int     `yaml:"concurrency"`
	MaxRetries      int     `yaml:"max_retries"`
	BackoffMs       int     `yaml:"backoff_ms"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	// BasketConcurrency caps assets evaluated in parallel.
	BasketConcurrency int `yaml:"basket_concurrency"`
}

type EventGateConfig struct {
	LookaheadDays int    `yaml:"lookahead_days"`
	MinSeverity   string `yaml:"min_severity"`
	CalendarFile  string `yaml:"calendar_file"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

type LimitsConfig struct {
	MaxExposureUSD     float64            `yaml:"max_exposure_usd"`
	MaxPositionSizeUSD float64            `yaml:"max_position_size_usd"`
	MaxDrawdownPct     float64            `yaml:"max_drawdown_pct"`
	AssetClassLimits   map[string]float64 `yaml:"asset_class_limits"`
}

type RiskConfig struct {
	Default          LimitsConfig            `yaml:"default"`
	Beginner         LimitsConfig            `yaml:"beginner"`
	BeginnerAccounts []string                `yaml:"beginner_accounts"`
	Overrides        map[string]LimitsConfig `yaml:"overrides"`
}

type BrokerConfig struct {
	Mode           string  `yaml:"mode"` // paper|live
	SlippageBps    float64 `yaml:"slippage_bps"`
	FeeBps         float64 `yaml:"fee_bps"`
	BuyingPowerUSD float64 `yaml:"buying_power_usd"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend"` // memory|postgres
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TTLSec    int    `yaml:"ttl_sec"`
}

// ProviderConfig binds one source category to a metric backend.
type ProviderConfig struct {
	Type         string  `yaml:"type"` // http|static
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Burst        int     `yaml:"burst"`
	// Static holds asset -> metric -> value for type static.
	Static map[string]map[string]float64 `yaml:"static"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables, decodes, applies defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "signalops-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.Account == "" {
		cfg.General.Account = "default"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = 10
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = 30
	}
	if cfg.Server.ShutdownTimeoutSec == 0 {
		cfg.Server.ShutdownTimeoutSec = 10
	}
	if cfg.Evaluator.MetricTimeoutMs == 0 {
		cfg.Evaluator.MetricTimeoutMs = 2000
	}
	if cfg.Evaluator.Concurrency == 0 {
		cfg.Evaluator.Concurrency = 8
	}
	if cfg.Evaluator.MaxRetries == 0 {
		cfg.Evaluator.MaxRetries = 2
	}
	if cfg.Evaluator.BackoffMs == 0 {
		cfg.Evaluator.BackoffMs = 100
	}
	if cfg.Evaluator.RateLimitRPS == 0 {
		cfg.Evaluator.RateLimitRPS = 10
	}
	if cfg.Evaluator.BasketConcurrency == 0 {
		cfg.Evaluator.BasketConcurrency = 4
	}
	if cfg.EventGate.LookaheadDays == 0 {
		cfg.EventGate.LookaheadDays = 3
	}
	if cfg.EventGate.MinSeverity == "" {
		cfg.EventGate.MinSeverity = "HIGH"
	}
	if cfg.EventGate.TimeoutMs == 0 {
		cfg.EventGate.TimeoutMs = 2000
	}
	if cfg.Broker.Mode == "" {
		cfg.Broker.Mode = "paper"
	}
	if cfg.Broker.BuyingPowerUSD == 0 {
		cfg.Broker.BuyingPowerUSD = 100000
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "memory"
	}
	if cfg.Cache.TTLSec == 0 {
		cfg.Cache.TTLSec = 15
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = "http"
		}
		if p.RateLimitRPS == 0 {
			p.RateLimitRPS = cfg.Evaluator.RateLimitRPS
		}
		cfg.Providers[name] = p
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := events.ParseSeverity(c.EventGate.MinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("event_gate.min_severity: %w", err))
	}
	switch c.Broker.Mode {
	case "paper", "live":
	default:
		errs = append(errs, fmt.Errorf("broker.mode %q: want paper or live", c.Broker.Mode))
	}
	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q: want memory or postgres", c.Ledger.Backend))
	}
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required when the cache is enabled"))
	}
	for name, p := range c.Providers {
		if _, err := strategy.ParseSource(name); err != nil {
			errs = append(errs, fmt.Errorf("providers.%s: %w", name, err))
		}
		switch p.Type {
		case "http":
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("providers.%s.base_url is required", name))
			}
		case "static":
		default:
			errs = append(errs, fmt.Errorf("providers.%s.type %q: want http or static", name, p.Type))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSec) * time.Second
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c EvaluatorConfig) MetricTimeout() time.Duration {
	return time.Duration(c.MetricTimeoutMs) * time.Millisecond
}

func (c EvaluatorConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// GateConfig converts to the event gate settings.
func (c EventGateConfig) GateConfig() events.GateConfig {
	sev, _ := events.ParseSeverity(c.MinSeverity)
	return events.GateConfig{
		LookaheadDays: c.LookaheadDays,
		MinSeverity:   sev,
		Timeout:       time.Duration(c.TimeoutMs) * time.Millisecond,
	}
}

// Limits overlays the configured values on base. Zero fields keep base.
func (l LimitsConfig) Limits(base risk.Limits) risk.Limits {
	out := base
	if l.MaxExposureUSD > 0 {
		out.MaxExposure = decimal.NewFromFloat(l.MaxExposureUSD)
	}
	if l.MaxPositionSizeUSD > 0 {
		out.MaxPositionSize = decimal.NewFromFloat(l.MaxPositionSizeUSD)
	}
	if l.MaxDrawdownPct > 0 {
		out.MaxDrawdownPct = l.MaxDrawdownPct
	}
	out.AssetClassLimits = make(map[string]decimal.Decimal, len(base.AssetClassLimits)+len(l.AssetClassLimits))
	for k, v := range base.AssetClassLimits {
		out.AssetClassLimits[k] = v
	}
	for k, v := range l.AssetClassLimits {
		out.AssetClassLimits[strings.ToUpper(k)] = decimal.NewFromFloat(v)
	}
	return out
}

// Profiles builds the risk gate profiles from the built-in defaults.
func (c RiskConfig) Profiles() risk.Profiles {
	p := risk.Profiles{
		Default:          c.Default.Limits(risk.DefaultLimits()),
		Beginner:         c.Beginner.Limits(risk.BeginnerLimits()),
		BeginnerAccounts: make(map[string]bool, len(c.BeginnerAccounts)),
		Overrides:        make(map[string]risk.Limits, len(c.Overrides)),
	}
	for _, a := range c.BeginnerAccounts {
		p.BeginnerAccounts[a] = true
	}
	for account, l := range c.Overrides {
		p.Overrides[account] = l.Limits(p.Default)
	}
	return p
}
