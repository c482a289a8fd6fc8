package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/decision"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/rules"
)

// Kind distinguishes rule-driven evaluations from direct order submissions.
type Kind string

const (
	KindEvaluation Kind = "evaluation"
	KindManual     Kind = "manual"
	KindCorrection Kind = "correction"
)

// ExecutionRecord is the broker outcome linked to a decision.
type ExecutionRecord struct {
	OrderID        string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Broker         string          `json:"broker"`
	Side           string          `json:"side"`
	Status         string          `json:"status"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Timestamp      time.Time       `json:"timestamp"`
	Reason         string          `json:"reason,omitempty"`
}

// Decision is one immutable ledger record. Every pipeline invocation
// produces exactly one. Corrections are new records pointing at the prior
// one through PriorDecisionID.
type Decision struct {
	ID              string                  `json:"id"`
	Kind            Kind                    `json:"kind"`
	Timestamp       time.Time               `json:"timestamp"`
	StrategyID      string                  `json:"strategy_id"`
	StrategyVersion int                     `json:"strategy_version,omitempty"`
	Account         string                  `json:"account,omitempty"`
	Asset           string                  `json:"asset"`
	Decision        decision.Action         `json:"decision"`
	Triggers        []rules.TriggerResult   `json:"triggers"`
	PassCount       int                     `json:"pass_count"`
	FailCount       int                     `json:"fail_count"`
	Confidence      float64                 `json:"confidence"`
	Reasoning       map[string]string       `json:"reasoning"`
	FinalAction     decision.FinalAction    `json:"final_action"`
	ExecutionID     string                  `json:"execution_id,omitempty"`
	Execution       *ExecutionRecord        `json:"execution,omitempty"`
	Risk            *risk.Result            `json:"risk,omitempty"`
	PriorDecisionID string                  `json:"prior_decision_id,omitempty"`
}

// Blocked reports whether a gate stopped this decision: an event block,
// or an entry/exit that risk or execution refused. HOLDs are not blocked.
func (d *Decision) Blocked() bool {
	if d.Decision == decision.ActionBlock {
		return true
	}
	return d.Decision.Actionable() && d.FinalAction == decision.FinalBlocked
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	out := *d
	if d.Triggers != nil {
		out.Triggers = make([]rules.TriggerResult, len(d.Triggers))
		for i, t := range d.Triggers {
			if t.Value != nil {
				v := *t.Value
				t.Value = &v
			}
			out.Triggers[i] = t
		}
	}
	if d.Reasoning != nil {
		out.Reasoning = make(map[string]string, len(d.Reasoning))
		for k, v := range d.Reasoning {
			out.Reasoning[k] = v
		}
	}
	if d.Execution != nil {
		e := *d.Execution
		out.Execution = &e
	}
	if d.Risk != nil {
		r := *d.Risk
		r.ReasonCodes = append([]string(nil), d.Risk.ReasonCodes...)
		out.Risk = &r
	}
	return &out
}

// Explain renders a decision as readable text: header, reasoning keys in
// sorted order, then each trigger.
func Explain(d *Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decision %s (%s)\n", d.ID, d.Kind)
	fmt.Fprintf(&b, "  %s %s at %s\n", d.StrategyID, d.Asset, d.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  decision=%s final_action=%s confidence=%.2f pass=%d fail=%d\n",
		d.Decision, d.FinalAction, d.Confidence, d.PassCount, d.FailCount)
	if d.PriorDecisionID != "" {
		fmt.Fprintf(&b, "  corrects %s\n", d.PriorDecisionID)
	}

	keys := make([]string, 0, len(d.Reasoning))
	for k := range d.Reasoning {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("Reasoning:\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, d.Reasoning[k])
	}

	if len(d.Triggers) > 0 {
		b.WriteString("Triggers:\n")
	}
	for _, t := range d.Triggers {
		value := "n/a"
		if t.Value != nil {
			value = fmt.Sprintf("%g", *t.Value)
		}
		fmt.Fprintf(&b, "  [%s] %s/%s %s %s %g (observed %s)\n",
			t.Status, t.RuleID, t.Source, t.Metric, t.Operator, t.Threshold, value)
	}

	if d.Execution != nil {
		e := d.Execution
		fmt.Fprintf(&b, "Execution: %s %s %s @ %s via %s",
			e.Status, e.Side, e.FilledQuantity, e.FilledPrice, e.Broker)
		if e.Reason != "" {
			fmt.Fprintf(&b, " (%s)", e.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Filter selects decisions. Zero fields match everything.
type Filter struct {
	Strategy    string
	Asset       string
	BlockedOnly bool
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Match reports whether d passes the filter.
func (f Filter) Match(d *Decision) bool {
	if f.Strategy != "" && d.StrategyID != f.Strategy {
		return false
	}
	if f.Asset != "" && !strings.EqualFold(d.Asset, f.Asset) {
		return false
	}
	if f.BlockedOnly && !d.Blocked() {
		return false
	}
	if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && d.Timestamp.After(f.Until) {
		return false
	}
	return true
}
