package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError collects every problem found in a strategy document.
type ValidationError struct {
	Strategy string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Strategy
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid strategy %s: %s", name, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// document mirrors the on-disk layout. A "strategy:" root is optional so the
// same shape can be posted as JSON.
type document struct {
	Strategy *body `yaml:"strategy"`
	body     `yaml:",inline"`
}

type body struct {
	Name      string     `yaml:"name"`
	Assets    []string   `yaml:"assets"`
	Rules     []ruleDoc  `yaml:"rules"`
	Execution *policyDoc `yaml:"execution"`
}

type ruleDoc struct {
	ID         string         `yaml:"id"`
	Source     string         `yaml:"source"`
	Conditions []conditionDoc `yaml:"conditions"`
}

type conditionDoc struct {
	Metric    string   `yaml:"metric"`
	Operator  string   `yaml:"operator"`
	Threshold *float64 `yaml:"threshold"`
}

type policyDoc struct {
	RequireConfirmations *int    `yaml:"require_confirmations"`
	RequiredConfirms     *int    `yaml:"required_confirmations"`
	PositionSize         float64 `yaml:"position_size"`
	ActionMode           string  `yaml:"action_mode"`
	Bias                 string  `yaml:"bias"`
	ExitOnFailure        bool    `yaml:"exit_on_failure"`
	AssetClass           string  `yaml:"asset_class"`
}

// Parse decodes a YAML (or JSON) strategy document and validates it.
// Unknown sources, operators and action modes are reported together with
// every other problem as a *ValidationError.
func Parse(data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty strategy document")
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode strategy document: %w", err)
	}
	b := doc.body
	if doc.Strategy != nil {
		b = *doc.Strategy
	}

	verr := &ValidationError{Strategy: b.Name}
	cfg := &Config{
		Name:   strings.TrimSpace(b.Name),
		Assets: make([]string, 0, len(b.Assets)),
		Rules:  make([]Rule, 0, len(b.Rules)),
	}
	for _, a := range b.Assets {
		cfg.Assets = append(cfg.Assets, strings.ToUpper(strings.TrimSpace(a)))
	}

	for _, rd := range b.Rules {
		r := Rule{ID: strings.TrimSpace(rd.ID), Source: Source(rd.Source)}
		if src, err := ParseSource(rd.Source); err == nil {
			r.Source = src
		}
		for j, cd := range rd.Conditions {
			if cd.Threshold == nil {
				verr.add("rule %s condition %d: missing threshold", rd.ID, j)
				continue
			}
			r.Conditions = append(r.Conditions, Condition{
				Metric:    strings.TrimSpace(cd.Metric),
				Operator:  Operator(strings.TrimSpace(cd.Operator)),
				Threshold: *cd.Threshold,
			})
		}
		cfg.Rules = append(cfg.Rules, r)
	}

	if b.Execution == nil {
		verr.add("missing execution policy")
	} else {
		p := b.Execution
		switch {
		case p.RequireConfirmations != nil:
			cfg.Execution.RequiredConfirmations = *p.RequireConfirmations
		case p.RequiredConfirms != nil:
			cfg.Execution.RequiredConfirmations = *p.RequiredConfirms
		default:
			verr.add("execution.require_confirmations is required")
		}
		cfg.Execution.PositionSize = p.PositionSize
		cfg.Execution.ExitOnFailure = p.ExitOnFailure
		cfg.Execution.AssetClass = strings.ToUpper(strings.TrimSpace(p.AssetClass))

		cfg.Execution.ActionMode = ModeNotify
		if p.ActionMode != "" {
			cfg.Execution.ActionMode = ActionMode(p.ActionMode)
			if m, err := ParseActionMode(p.ActionMode); err == nil {
				cfg.Execution.ActionMode = m
			}
		}

		switch strings.ToLower(strings.TrimSpace(p.Bias)) {
		case "", "long":
			cfg.Execution.Bias = BiasLong
		case "short":
			cfg.Execution.Bias = BiasShort
		default:
			cfg.Execution.Bias = Bias(p.Bias)
		}
	}

	if b.Execution == nil {
		cfg.Execution.ActionMode = ModeNotify
		cfg.Execution.Bias = BiasLong
	}
	if err := Validate(cfg); err != nil {
		var inner *ValidationError
		if errors.As(err, &inner) {
			verr.Problems = append(verr.Problems, inner.Problems...)
		}
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return cfg, nil
}

// Validate checks a decoded config. It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Problems: []string{"nil config"}}
	}
	verr := &ValidationError{Strategy: cfg.Name}

	if strings.TrimSpace(cfg.Name) == "" {
		verr.add("name is required")
	}
	if len(cfg.Assets) == 0 {
		verr.add("at least one asset is required")
	}
	seenAsset := make(map[string]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		if strings.TrimSpace(a) == "" {
			verr.add("asset symbol must not be empty")
			continue
		}
		if seenAsset[a] {
			verr.add("duplicate asset %s", a)
		}
		seenAsset[a] = true
	}

	seenRule := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" {
			verr.add("rule %d: id is required", i)
		} else if seenRule[r.ID] {
			verr.add("duplicate rule id %s", r.ID)
		}
		seenRule[r.ID] = true

		if !r.Source.Valid() {
			verr.add("rule %s: unknown source category %q", r.ID, r.Source)
		}
		for j, c := range r.Conditions {
			if c.Metric == "" {
				verr.add("rule %s condition %d: metric is required", r.ID, j)
			}
			if !c.Operator.Valid() {
				verr.add("rule %s condition %d: unknown operator %q", r.ID, j, c.Operator)
			}
		}
	}

	ex := cfg.Execution
	if ex.RequiredConfirmations < 1 {
		verr.add("required_confirmations must be >= 1, got %d", ex.RequiredConfirmations)
	} else if total := cfg.TotalConditions(); ex.RequiredConfirmations > total {
		verr.add("required_confirmations (%d) exceeds number of conditions (%d)", ex.RequiredConfirmations, total)
	}
	if ex.PositionSize <= 0 || ex.PositionSize > 1 {
		verr.add("position_size must be in (0, 1], got %g", ex.PositionSize)
	}
	switch ex.ActionMode {
	case ModeNotify, ModeAutoTrade, ModePaper:
	default:
		verr.add("unknown action mode %q", ex.ActionMode)
	}
	if ex.Bias != BiasLong && ex.Bias != BiasShort {
		verr.add("unknown bias %q", ex.Bias)
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}
