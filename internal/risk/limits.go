package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Limits is the risk envelope of one account.
type Limits struct {
	MaxExposure      decimal.Decimal            `json:"max_exposure" yaml:"max_exposure"`
	MaxPositionSize  decimal.Decimal            `json:"max_position_size" yaml:"max_position_size"`
	MaxDrawdownPct   float64                    `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	AssetClassLimits map[string]decimal.Decimal `json:"asset_class_limits" yaml:"asset_class_limits"`
}

// DefaultLimits is the standard account profile.
func DefaultLimits() Limits {
	return Limits{
		MaxExposure:     decimal.NewFromInt(100000),
		MaxPositionSize: decimal.NewFromInt(50000),
		MaxDrawdownPct:  0.20,
		AssetClassLimits: map[string]decimal.Decimal{
			"CRYPTO": decimal.NewFromInt(25000),
			"EQUITY": decimal.NewFromInt(100000),
		},
	}
}

// BeginnerLimits is the reduced profile for constrained accounts.
func BeginnerLimits() Limits {
	return Limits{
		MaxExposure:     decimal.NewFromInt(10000),
		MaxPositionSize: decimal.NewFromInt(2000),
		MaxDrawdownPct:  0.10,
		AssetClassLimits: map[string]decimal.Decimal{
			"CRYPTO": decimal.NewFromInt(1000),
			"EQUITY": decimal.NewFromInt(10000),
		},
	}
}

// ClassLimit returns the limit for an asset class, if any.
func (l Limits) ClassLimit(class string) (decimal.Decimal, bool) {
	v, ok := l.AssetClassLimits[strings.ToUpper(class)]
	return v, ok
}

// BeginnerSuffix marks an account id as constrained.
const BeginnerSuffix = "_BEGINNER"

// Profiles picks the limit set for an account.
type Profiles struct {
	Default  Limits
	Beginner Limits
	// BeginnerAccounts lists constrained accounts that lack the suffix.
	BeginnerAccounts map[string]bool
	// Overrides replaces the profile entirely for specific accounts.
	Overrides map[string]Limits
}

// DefaultProfiles returns the built-in profiles.
func DefaultProfiles() Profiles {
	return Profiles{Default: DefaultLimits(), Beginner: BeginnerLimits()}
}

// LimitsFor resolves the limits of account.
func (p Profiles) LimitsFor(account string) Limits {
	if l, ok := p.Overrides[account]; ok {
		return l
	}
	if strings.HasSuffix(strings.ToUpper(account), BeginnerSuffix) || p.BeginnerAccounts[account] {
		return p.Beginner
	}
	return p.Default
}
