package decision

import (
	"fmt"
	"strings"

	"github.com/signalops/signalops/internal/events"
	"github.com/signalops/signalops/internal/rules"
	"github.com/signalops/signalops/internal/strategy"
)

// Action is the synthesized recommendation.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionBlock Action = "BLOCK"
)

// Actionable reports whether the action could lead to an order.
func (a Action) Actionable() bool {
	return a == ActionBuy || a == ActionSell
}

// FinalAction is what the pipeline does with a decision.
type FinalAction string

const (
	// FinalApproved means eligible for risk gating, not executed.
	FinalApproved     FinalAction = "APPROVED"
	FinalBlocked      FinalAction = "BLOCKED"
	FinalManualReview FinalAction = "MANUAL_REVIEW"
)

// Reasoning keys written by Synthesize.
const (
	KeySummary         = "summary"
	KeyConfirmations   = "confirmations"
	KeyConfidenceNote  = "confidence_note"
	KeyNoData          = "no_data"
	KeyUnavailable     = "unavailable"
	KeyEventGate       = "event_gate"
	KeyEventGateError  = "event_gate_error"
	KeyDirectionPolicy = "direction_policy"
)

const confidenceNote = "agreement ratio pass/(pass+fail) over resolved triggers; not a calibrated probability"

// Input is everything the synthesizer needs. It performs no I/O.
type Input struct {
	Triggers []rules.TriggerResult
	Verdict  events.Verdict
	Policy   strategy.ExecutionPolicy
}

// Outcome is the synthesized decision before risk gating.
type Outcome struct {
	Decision    Action
	FinalAction FinalAction
	PassCount   int
	FailCount   int
	Unavailable int
	Confidence  float64
	Reasoning   map[string]string
}

// Synthesize turns trigger results and the event verdict into a decision.
// Pure and deterministic for identical inputs.
func Synthesize(in Input) Outcome {
	out := Outcome{Reasoning: make(map[string]string)}
	out.PassCount, out.FailCount, out.Unavailable = rules.Counts(in.Triggers)

	if in.Verdict.Caveat != "" {
		out.Reasoning[KeyEventGateError] = in.Verdict.Caveat
	}

	if in.Verdict.Blocked {
		out.Decision = ActionBlock
		out.FinalAction = FinalBlocked
		out.Confidence = 0
		out.Reasoning[KeyEventGate] = in.Verdict.Reason()
		out.Reasoning[KeySummary] = "blocked by scheduled event; trigger results recorded but not acted on"
		return out
	}
	out.Reasoning[KeyEventGate] = in.Verdict.Reason()

	req := in.Policy.RequiredConfirmations
	if req < 1 {
		req = 1
	}
	pass, fail := out.PassCount, out.FailCount

	entry, exit := ActionBuy, ActionSell
	if in.Policy.Bias == strategy.BiasShort {
		entry, exit = ActionSell, ActionBuy
	}
	bias := in.Policy.Bias
	if bias == "" {
		bias = strategy.BiasLong
	}

	switch {
	case pass >= req && pass > fail:
		out.Decision = entry
		out.Reasoning[KeySummary] = fmt.Sprintf("%d of %d required confirmations met", pass, req)
	case fail >= req && fail > pass:
		if in.Policy.ExitOnFailure {
			out.Decision = exit
			out.Reasoning[KeySummary] = fmt.Sprintf("failures dominate (%d vs %d); exiting", fail, pass)
		} else {
			out.Decision = ActionHold
			out.Reasoning[KeySummary] = fmt.Sprintf("failures dominate (%d vs %d); avoid entry", fail, pass)
		}
	default:
		out.Decision = ActionHold
		out.Reasoning[KeySummary] = fmt.Sprintf("insufficient confirmations (%d of %d required)", pass, req)
	}

	out.Reasoning[KeyConfirmations] = fmt.Sprintf("pass=%d fail=%d n/a=%d required=%d", pass, fail, out.Unavailable, req)
	out.Reasoning[KeyDirectionPolicy] = fmt.Sprintf("bias=%s entry=%s exit_on_failure=%t", bias, entry, in.Policy.ExitOnFailure)

	if pass+fail > 0 {
		out.Confidence = float64(pass) / float64(pass+fail)
	}
	out.Reasoning[KeyConfidenceNote] = confidenceNote

	if out.Unavailable > 0 {
		var names []string
		for _, t := range in.Triggers {
			if t.Status == rules.StatusNA {
				names = append(names, t.RuleID+"."+t.Metric)
			}
		}
		out.Reasoning[KeyUnavailable] = strings.Join(names, ", ")
	}
	if len(in.Triggers) > 0 && out.Unavailable == len(in.Triggers) {
		out.Reasoning[KeyNoData] = "no metric data was available from any source"
	} else if len(in.Triggers) == 0 {
		out.Reasoning[KeyNoData] = "strategy produced no triggers"
	}

	switch {
	case !out.Decision.Actionable():
		out.FinalAction = FinalBlocked
	case in.Policy.ActionMode == strategy.ModeNotify:
		out.FinalAction = FinalManualReview
	default:
		out.FinalAction = FinalApproved
	}
	return out
}
