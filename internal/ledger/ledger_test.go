package ledger

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalops/signalops/internal/decision"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/rules"
	"github.com/signalops/signalops/internal/strategy"
)

func ptr(v float64) *float64 { return &v }

func makeDecision(strategyID, asset string, act decision.Action, final decision.FinalAction) *Decision {
	return &Decision{
		StrategyID: strategyID,
		Asset:      asset,
		Decision:   act,
		Triggers: []rules.TriggerResult{
			{RuleID: "r1", Source: strategy.SourceTechnical, Metric: "rsi_14", Value: ptr(28),
				Threshold: 35, Operator: strategy.OpLT, Status: rules.StatusPass},
			{RuleID: "r2", Source: strategy.SourceNews, Metric: "sentiment",
				Threshold: 0.5, Operator: strategy.OpGT, Status: rules.StatusNA, Reasoning: "timed out"},
		},
		PassCount:   1,
		Confidence:  1,
		Reasoning:   map[string]string{decision.KeySummary: "entry confirmed"},
		FinalAction: final,
	}
}

func TestLedger_RecordAssignsIDAndTimestamp(t *testing.T) {
	l := New(NewMemoryStore())
	rec, err := l.Record(context.Background(), makeDecision("s1", "AAPL", decision.ActionBuy, decision.FinalApproved))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, KindEvaluation, rec.Kind)

	got, err := l.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	require.Len(t, got.Triggers, 2)
	assert.Nil(t, got.Triggers[1].Value)
	assert.Equal(t, 28.0, *got.Triggers[0].Value)
}

func TestLedger_StoredRecordsAreImmutable(t *testing.T) {
	l := New(NewMemoryStore())
	in := makeDecision("s1", "AAPL", decision.ActionBuy, decision.FinalApproved)
	rec, err := l.Record(context.Background(), in)
	require.NoError(t, err)

	in.Reasoning[decision.KeySummary] = "tampered"
	*in.Triggers[0].Value = 99
	rec.Reasoning[decision.KeySummary] = "tampered too"

	got, err := l.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "entry confirmed", got.Reasoning[decision.KeySummary])
	assert.Equal(t, 28.0, *got.Triggers[0].Value)
}

func TestMemoryStore_RejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	d := makeDecision("s1", "AAPL", decision.ActionHold, decision.FinalBlocked)
	d.ID = "fixed"
	require.NoError(t, s.Append(context.Background(), d))
	err := s.Append(context.Background(), d)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Equal(t, 1, s.Len())
}

func TestLedger_GetUnknown(t *testing.T) {
	l := New(NewMemoryStore())
	_, err := l.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLedger_ListFilters(t *testing.T) {
	l := New(NewMemoryStore())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seed := []struct {
		strategy string
		asset    string
		act      decision.Action
		final    decision.FinalAction
	}{
		{"s1", "AAPL", decision.ActionBuy, decision.FinalApproved},
		{"s1", "MSFT", decision.ActionBlock, decision.FinalBlocked},
		{"s2", "AAPL", decision.ActionHold, decision.FinalBlocked},
		{"s2", "BTC", decision.ActionBuy, decision.FinalBlocked},
		{"s1", "aapl", decision.ActionSell, decision.FinalManualReview},
	}
	for i, s := range seed {
		d := makeDecision(s.strategy, s.asset, s.act, s.final)
		d.Timestamp = base.Add(time.Duration(i) * time.Hour)
		_, err := l.Record(ctx, d)
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"by strategy", Filter{Strategy: "s1"}, 3},
		{"by asset case-insensitive", Filter{Asset: "AAPL"}, 3},
		{"since", Filter{Since: base.Add(2 * time.Hour)}, 3},
		{"until", Filter{Until: base.Add(time.Hour)}, 2},
		{"limit", Filter{Limit: 2}, 2},
		{"blocked excludes holds", Filter{BlockedOnly: true}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.True(t, all[0].Timestamp.After(all[len(all)-1].Timestamp), "newest first")

	blocked, err := l.Blocked(ctx, Filter{Strategy: "s2"})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "BTC", blocked[0].Asset)
}

func TestLedger_CorrectionLinksPrior(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	prior, err := l.Record(ctx, makeDecision("s1", "AAPL", decision.ActionBuy, decision.FinalApproved))
	require.NoError(t, err)

	fix := &Decision{Decision: decision.ActionHold, FinalAction: decision.FinalBlocked,
		Reasoning: map[string]string{decision.KeySummary: "stale rsi feed"}}
	c, err := l.Correct(ctx, prior.ID, fix)
	require.NoError(t, err)

	assert.NotEqual(t, prior.ID, c.ID)
	assert.Equal(t, KindCorrection, c.Kind)
	assert.Equal(t, prior.ID, c.PriorDecisionID)
	assert.Equal(t, "s1", c.StrategyID)
	assert.Equal(t, "AAPL", c.Asset)

	orig, err := l.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.ActionBuy, orig.Decision)

	_, err = l.Correct(ctx, "missing", fix)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLedger_Explain(t *testing.T) {
	l := New(NewMemoryStore())
	d := makeDecision("s1", "AAPL", decision.ActionBuy, decision.FinalBlocked)
	d.Reasoning["risk"] = "rejected: EXPOSURE_EXCEEDED"
	d.Execution = &ExecutionRecord{OrderID: "o1", Broker: "paper", Side: "BUY", Status: "REJECTED",
		FilledPrice: decimal.Zero, FilledQuantity: decimal.Zero, Reason: "insufficient buying power"}
	rec, err := l.Record(context.Background(), d)
	require.NoError(t, err)

	text, err := l.Explain(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "decision=BUY final_action=BLOCKED")
	assert.Contains(t, text, "risk: rejected: EXPOSURE_EXCEEDED")
	assert.Contains(t, text, "summary: entry confirmed")
	assert.Contains(t, text, "[PASS] r1/technical rsi_14 < 35 (observed 28)")
	assert.Contains(t, text, "[N/A] r2/news sentiment > 0.5 (observed n/a)")
	assert.Contains(t, text, "insufficient buying power")

	// reasoning keys are rendered sorted
	assert.Less(t, strings.Index(text, "risk:"), strings.Index(text, "summary:"))
}

func TestLedger_Subscribe(t *testing.T) {
	l := New(NewMemoryStore())
	ch, cancel := l.Subscribe(4)

	rec, err := l.Record(context.Background(), makeDecision("s1", "AAPL", decision.ActionBuy, decision.FinalApproved))
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, rec.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no decision delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestLedger_SlowSubscriberDoesNotBlock(t *testing.T) {
	l := New(NewMemoryStore())
	_, cancel := l.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := l.Record(context.Background(), makeDecision("s1", "AAPL", decision.ActionHold, decision.FinalBlocked))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), l.Dropped())
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Record(context.Background(), makeDecision("s1", "AAPL", decision.ActionHold, decision.FinalBlocked))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, store.Len())
}

func TestDecision_Blocked(t *testing.T) {
	assert.True(t, (&Decision{Decision: decision.ActionBlock, FinalAction: decision.FinalBlocked}).Blocked())
	assert.True(t, (&Decision{Decision: decision.ActionSell, FinalAction: decision.FinalBlocked}).Blocked())
	assert.False(t, (&Decision{Decision: decision.ActionHold, FinalAction: decision.FinalBlocked}).Blocked())
	assert.False(t, (&Decision{Decision: decision.ActionBuy, FinalAction: decision.FinalApproved}).Blocked())
}

func TestPostgresStore_Live(t *testing.T) {
	dsn := os.Getenv("SIGNALOPS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SIGNALOPS_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	strategyID := "pg-" + uuid.NewString()
	d := makeDecision(strategyID, "AAPL", decision.ActionBuy, decision.FinalBlocked)
	d.ID = uuid.NewString()
	d.Timestamp = time.Now().UTC().Truncate(time.Microsecond)
	d.Risk = &risk.Result{Approved: false, Reason: "EXPOSURE_EXCEEDED", ReasonCodes: []string{"EXPOSURE_EXCEEDED"},
		MaxAllowedQuantity: decimal.NewFromInt(50)}
	require.NoError(t, s.Append(ctx, d))
	assert.True(t, errors.Is(s.Append(ctx, d), ErrDuplicate))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Decision, got.Decision)
	require.Len(t, got.Triggers, 2)
	assert.Nil(t, got.Triggers[1].Value)
	assert.Equal(t, "entry confirmed", got.Reasoning[decision.KeySummary])
	require.NotNil(t, got.Risk)
	assert.True(t, got.Risk.MaxAllowedQuantity.Equal(decimal.NewFromInt(50)))

	list, err := s.List(ctx, Filter{Strategy: strategyID, BlockedOnly: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.pool.Exec(ctx, `UPDATE decision_logs SET decision = 'HOLD' WHERE id = $1`, d.ID)
	assert.Error(t, err)
	_, err = s.pool.Exec(ctx, `DELETE FROM decision_logs WHERE id = $1`, d.ID)
	assert.Error(t, err)
}
