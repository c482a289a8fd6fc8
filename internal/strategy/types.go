package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Source is the data domain a rule reads its metrics from. The set is closed:
// every Source has exactly one metric provider registered at boot.
type Source string

const (
	SourceTechnical        Source = "technical"
	SourceFundamental      Source = "fundamental"
	SourcePredictionMarket Source = "prediction-market"
	SourceOnChain          Source = "on-chain"
	SourceNews             Source = "news"
)

// Sources lists every known source category.
func Sources() []Source {
	return []Source{SourceTechnical, SourceFundamental, SourcePredictionMarket, SourceOnChain, SourceNews}
}

var sourceAliases = map[string]Source{
	"technical":         SourceTechnical,
	"fundamental":       SourceFundamental,
	"prediction-market": SourcePredictionMarket,
	"prediction_market": SourcePredictionMarket,
	"polymarket":        SourcePredictionMarket,
	"on-chain":          SourceOnChain,
	"on_chain":          SourceOnChain,
	"onchain":           SourceOnChain,
	"news":              SourceNews,
}

// ParseSource resolves a source name, accepting the legacy spellings.
func ParseSource(s string) (Source, error) {
	src, ok := sourceAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown source category %q", s)
	}
	return src, nil
}

// Valid reports whether s is one of the closed set.
func (s Source) Valid() bool {
	for _, known := range Sources() {
		if s == known {
			return true
		}
	}
	return false
}

// Operator compares an observed metric with a threshold.
type Operator string

const (
	OpLT  Operator = "<"
	OpGT  Operator = ">"
	OpLTE Operator = "<="
	OpGTE Operator = ">="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// Valid reports whether op is a supported comparison.
func (op Operator) Valid() bool {
	switch op {
	case OpLT, OpGT, OpLTE, OpGTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// Apply evaluates "value op threshold". Equality is exact floating point
// equality; thresholds must be written with the precision the provider reports.
func (op Operator) Apply(value, threshold float64) bool {
	switch op {
	case OpLT:
		return value < threshold
	case OpGT:
		return value > threshold
	case OpLTE:
		return value <= threshold
	case OpGTE:
		return value >= threshold
	case OpEQ:
		return value == threshold
	case OpNEQ:
		return value != threshold
	}
	return false
}

// ActionMode controls what happens to an actionable decision.
type ActionMode string

const (
	ModeNotify    ActionMode = "notify"
	ModeAutoTrade ActionMode = "auto-trade"
	ModePaper     ActionMode = "paper"
)

// ParseActionMode accepts "auto" as an alias of auto-trade.
func ParseActionMode(s string) (ActionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notify":
		return ModeNotify, nil
	case "auto-trade", "auto_trade", "auto":
		return ModeAutoTrade, nil
	case "paper":
		return ModePaper, nil
	default:
		return "", fmt.Errorf("unknown action mode %q", s)
	}
}

// Trades reports whether the mode submits orders.
func (m ActionMode) Trades() bool {
	return m == ModeAutoTrade || m == ModePaper
}

// Bias is the strategy-level direction policy. A long strategy buys on
// confirmation; a short strategy sells on confirmation.
type Bias string

const (
	BiasLong  Bias = "long"
	BiasShort Bias = "short"
)

// Condition is a single metric comparison.
type Condition struct {
	Metric    string   `json:"metric" yaml:"metric"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %g", c.Metric, c.Operator, c.Threshold)
}

// Rule groups conditions that read from one source.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Source     Source      `json:"source" yaml:"source"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ExecutionPolicy tells the pipeline how to act on a decision.
type ExecutionPolicy struct {
	RequiredConfirmations int        `json:"required_confirmations" yaml:"require_confirmations"`
	PositionSize          float64    `json:"position_size" yaml:"position_size"`
	ActionMode            ActionMode `json:"action_mode" yaml:"action_mode"`
	Bias                  Bias       `json:"bias" yaml:"bias"`
	// ExitOnFailure turns a fail-dominated evaluation into an exit order
	// (SELL for long bias). When false such evaluations only HOLD.
	ExitOnFailure bool   `json:"exit_on_failure" yaml:"exit_on_failure"`
	AssetClass    string `json:"asset_class,omitempty" yaml:"asset_class"`
}

// Config is one versioned strategy. Instances handed out by the Registry are
// snapshots and are never mutated afterwards.
type Config struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Assets    []string        `json:"assets"`
	Rules     []Rule          `json:"rules"`
	Execution ExecutionPolicy `json:"execution"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TotalConditions counts conditions across all rules.
func (c *Config) TotalConditions() int {
	n := 0
	for _, r := range c.Rules {
		n += len(r.Conditions)
	}
	return n
}

// Targets reports whether asset is in the strategy's asset list.
func (c *Config) Targets(asset string) bool {
	for _, a := range c.Assets {
		if strings.EqualFold(a, asset) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Assets = append([]string(nil), c.Assets...)
	out.Rules = make([]Rule, len(c.Rules))
	for i, r := range c.Rules {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		out.Rules[i] = r
	}
	return &out
}
