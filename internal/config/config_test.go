package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalops/signalops/internal/events"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  log_level: "debug"
  account: "acct-1"

evaluator:
  metric_timeout_ms: 500
  concurrency: 4

event_gate:
  lookahead_days: 5
  min_severity: medium
  calendar_file: "configs/calendar.yaml"

risk:
  default:
    max_exposure_usd: 50000
    asset_class_limits:
      crypto: 5000
  beginner_accounts: ["alice"]
  overrides:
    whale:
      max_exposure_usd: 1000000

broker:
  mode: paper
  slippage_bps: 5

providers:
  technical:
    type: static
    static:
      AAPL:
        rsi_14: 28
        price: 150
  news:
    base_url: "http://news.local"

strategies:
  - strategies/rsi.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "acct-1", cfg.General.Account)
	assert.Equal(t, 500*time.Millisecond, cfg.Evaluator.MetricTimeout())
	assert.Equal(t, 4, cfg.Evaluator.Concurrency)

	gc := cfg.EventGate.GateConfig()
	assert.Equal(t, 5, gc.LookaheadDays)
	assert.Equal(t, events.SeverityMedium, gc.MinSeverity)

	p := cfg.Risk.Profiles()
	assert.True(t, p.Default.MaxExposure.Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.Default.MaxPositionSize.Equal(decimal.NewFromInt(50000)), "unset fields keep defaults")
	crypto, ok := p.Default.ClassLimit("CRYPTO")
	require.True(t, ok)
	assert.True(t, crypto.Equal(decimal.NewFromInt(5000)))
	assert.True(t, p.LimitsFor("alice").MaxExposure.Equal(decimal.NewFromInt(10000)))
	assert.True(t, p.LimitsFor("whale").MaxExposure.Equal(decimal.NewFromInt(1000000)))

	assert.Equal(t, "static", cfg.Providers["technical"].Type)
	assert.Equal(t, 150.0, cfg.Providers["technical"].Static["AAPL"]["price"])
	assert.Equal(t, "http", cfg.Providers["news"].Type)
	assert.Equal(t, 10.0, cfg.Providers["news"].RateLimitRPS)
	assert.Equal(t, []string{"strategies/rsi.yaml"}, cfg.Strategies)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  log_format: text\n"))
	require.NoError(t, err)

	assert.Equal(t, "signalops-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "text", cfg.General.LogFormat)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Evaluator.MetricTimeout())
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, 3, cfg.EventGate.GateConfig().LookaheadDays)
	assert.Equal(t, events.SeverityHigh, cfg.EventGate.GateConfig().MinSeverity)
	assert.True(t, cfg.Risk.Profiles().Default.MaxExposure.Equal(decimal.NewFromInt(100000)))
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SIGNALOPS_DSN", "postgres://u:p@localhost/signalops")

	cfg, err := Load(writeConfig(t, `
ledger:
  backend: postgres
  dsn: "${TEST_SIGNALOPS_DSN}"
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost/signalops", cfg.Ledger.DSN)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := Parse([]byte(`
broker:
  mode: carrier-pigeon
ledger:
  backend: postgres
event_gate:
  min_severity: apocalyptic
cache:
  enabled: true
providers:
  astrology:
    base_url: "http://stars"
  technical:
    type: http
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "broker.mode")
	assert.Contains(t, msg, "ledger.dsn")
	assert.Contains(t, msg, "event_gate.min_severity")
	assert.Contains(t, msg, "cache.redis_addr")
	assert.Contains(t, msg, "providers.astrology")
	assert.Contains(t, msg, "providers.technical.base_url")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "signalops.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, "memory", cfg.Ledger.Backend, "empty env falls back to the memory ledger")
	assert.Contains(t, cfg.Providers, "technical")
	assert.Len(t, cfg.Strategies, 2)
}
