package strategy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rsiDoc = `
strategy:
  name: rsi-dip
  assets: [aapl, MSFT]
  rules:
    - id: rsi_oversold
      source: technical
      conditions:
        - metric: rsi_14
          operator: "<"
          threshold: 35
    - id: sentiment
      source: polymarket
      conditions:
        - metric: yes_probability
          operator: ">="
          threshold: 0.6
  execution:
    require_confirmations: 1
    position_size: 0.1
    action_mode: paper
`

func validConfig() *Config {
	return &Config{
		Name:   "rsi-dip",
		Assets: []string{"AAPL"},
		Rules: []Rule{{
			ID:     "rsi_oversold",
			Source: SourceTechnical,
			Conditions: []Condition{
				{Metric: "rsi_14", Operator: OpLT, Threshold: 35},
			},
		}},
		Execution: ExecutionPolicy{
			RequiredConfirmations: 1,
			PositionSize:          0.1,
			ActionMode:            ModeNotify,
			Bias:                  BiasLong,
		},
	}
}

func problems(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Problems
}

func TestParse_YAMLDocument(t *testing.T) {
	cfg, err := Parse([]byte(rsiDoc))
	require.NoError(t, err)

	assert.Equal(t, "rsi-dip", cfg.Name)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Assets)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, SourceTechnical, cfg.Rules[0].Source)
	assert.Equal(t, SourcePredictionMarket, cfg.Rules[1].Source, "polymarket alias")
	assert.Equal(t, OpGTE, cfg.Rules[1].Conditions[0].Operator)
	assert.Equal(t, 1, cfg.Execution.RequiredConfirmations)
	assert.Equal(t, ModePaper, cfg.Execution.ActionMode)
	assert.Equal(t, BiasLong, cfg.Execution.Bias)
	assert.Equal(t, 2, cfg.TotalConditions())
}

func TestParse_JSONWithoutRoot(t *testing.T) {
	doc := `{"name":"btc","assets":["btc"],"rules":[{"id":"flow","source":"onchain",
	  "conditions":[{"metric":"exchange_netflow","operator":"<","threshold":0}]}],
	  "execution":{"required_confirmations":1,"position_size":0.5,"action_mode":"auto","bias":"short"}}`

	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, SourceOnChain, cfg.Rules[0].Source)
	assert.Equal(t, ModeAutoTrade, cfg.Execution.ActionMode)
	assert.Equal(t, BiasShort, cfg.Execution.Bias)
}

func TestParse_RejectsUnknownSource(t *testing.T) {
	doc := `
name: bad
assets: [AAPL]
rules:
  - id: r1
    source: astrology
    conditions:
      - {metric: moon, operator: ">", threshold: 1}
execution: {require_confirmations: 1, position_size: 0.1}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, problems(t, err)[0], "unknown source category")
}

func TestParse_RejectsMissingConfirmations(t *testing.T) {
	doc := `
name: bad
assets: [AAPL]
rules:
  - id: r1
    source: technical
    conditions:
      - {metric: rsi_14, operator: "<", threshold: 30}
execution: {position_size: 0.1}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, problems(t, err), "execution.require_confirmations is required")
}

func TestParse_RejectsMissingThreshold(t *testing.T) {
	doc := `
name: bad
assets: [AAPL]
rules:
  - id: r1
    source: technical
    conditions:
      - {metric: rsi_14, operator: "<"}
      - {metric: sma_50, operator: ">", threshold: 100}
execution: {require_confirmations: 1, position_size: 0.1}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, problems(t, err), "rule r1 condition 0: missing threshold")
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("  \n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty name", func(c *Config) { c.Name = "" }, "name is required"},
		{"no assets", func(c *Config) { c.Assets = nil }, "at least one asset is required"},
		{"bad operator", func(c *Config) { c.Rules[0].Conditions[0].Operator = "=~" }, "unknown operator"},
		{"empty metric", func(c *Config) { c.Rules[0].Conditions[0].Metric = "" }, "metric is required"},
		{"zero confirmations", func(c *Config) { c.Execution.RequiredConfirmations = 0 }, "must be >= 1"},
		{"too many confirmations", func(c *Config) { c.Execution.RequiredConfirmations = 2 }, "exceeds number of conditions"},
		{"zero position size", func(c *Config) { c.Execution.PositionSize = 0 }, "position_size"},
		{"oversized position", func(c *Config) { c.Execution.PositionSize = 1.5 }, "position_size"},
		{"bad mode", func(c *Config) { c.Execution.ActionMode = "yolo" }, "unknown action mode"},
		{"duplicate rule", func(c *Config) { c.Rules = append(c.Rules, c.Rules[0]) }, "duplicate rule id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			found := false
			for _, p := range problems(t, err) {
				if strings.Contains(p, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "want %q in %v", tt.want, err)
		})
	}

	assert.NoError(t, Validate(validConfig()))
}

func TestOperator_Apply(t *testing.T) {
	assert.True(t, OpLT.Apply(28, 35))
	assert.False(t, OpLT.Apply(35, 35))
	assert.True(t, OpLTE.Apply(35, 35))
	assert.True(t, OpGT.Apply(36, 35))
	assert.True(t, OpGTE.Apply(35, 35))
	assert.True(t, OpNEQ.Apply(1, 2))

	// Exact equality: 0.1+0.2 is not 0.3 in binary floating point.
	sum := 0.1
	sum += 0.2
	assert.False(t, OpEQ.Apply(sum, 0.3))
	assert.True(t, OpNEQ.Apply(sum, 0.3))
	assert.True(t, OpEQ.Apply(0.3, 0.3))
}

func TestRegistry_VersionsAreImmutable(t *testing.T) {
	r := NewRegistry()

	v1, err := r.Put(validConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	held, err := r.Get("rsi-dip")
	require.NoError(t, err)

	update := validConfig()
	update.Rules[0].Conditions[0].Threshold = 30
	v2, err := r.Put(update)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// The snapshot taken before the update is unchanged.
	assert.Equal(t, 35.0, held.Rules[0].Conditions[0].Threshold)
	assert.Equal(t, 1, held.Version)

	latest, err := r.Get("rsi-dip")
	require.NoError(t, err)
	assert.Equal(t, 30.0, latest.Rules[0].Conditions[0].Threshold)

	old, err := r.Version("rsi-dip", 1)
	require.NoError(t, err)
	assert.Equal(t, 35.0, old.Rules[0].Conditions[0].Threshold)

	// Mutating the caller's value after Put does not leak into the registry.
	update.Rules[0].Conditions[0].Threshold = 99
	latest, _ = r.Get("rsi-dip")
	assert.Equal(t, 30.0, latest.Rules[0].Conditions[0].Threshold)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	cfg := validConfig()
	cfg.Execution.RequiredConfirmations = 0
	_, err := r.Put(cfg)
	require.Error(t, err)

	_, err = r.Get("rsi-dip")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.List())
}

func TestRegistry_ConcurrentPut(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Put(validConfig())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := r.Get("rsi-dip")
	require.NoError(t, err)
	assert.Equal(t, 20, latest.Version)
}

func TestParseShippedStrategies(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("..", "..", "config", "strategies", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		cfg, err := Parse(data)
		require.NoError(t, err, p)
		assert.NotEmpty(t, cfg.Assets, p)
	}
}
