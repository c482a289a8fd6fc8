package rules

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalops/signalops/internal/metrics"
	"github.com/signalops/signalops/internal/strategy"
)

// Status is the outcome of one condition.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusNA   Status = "N/A"
)

// TriggerResult records one condition evaluated against one live metric.
// Value is nil exactly when Status is N/A.
type TriggerResult struct {
	RuleID    string            `json:"rule_id"`
	Source    strategy.Source   `json:"source"`
	Metric    string            `json:"metric"`
	Value     *float64          `json:"value"`
	Threshold float64           `json:"threshold"`
	Operator  strategy.Operator `json:"operator"`
	Status    Status            `json:"status"`
	Reasoning string            `json:"reasoning"`
}

// Resolver looks up the provider for a source category.
type Resolver interface {
	For(src strategy.Source) metrics.Provider
}

// Config tunes the evaluator.
type Config struct {
	// Timeout bounds each metric fetch. A blown deadline yields N/A.
	Timeout time.Duration
	// Concurrency caps in-flight fetches per evaluation.
	Concurrency int
}

// Evaluator resolves every condition of a strategy for one asset.
type Evaluator struct {
	resolver Resolver
	cfg      Config

	// OnResolve, when set, observes every fetch (latency and outcome).
	OnResolve func(src strategy.Source, metric string, d time.Duration, err error)
}

// NewEvaluator creates an evaluator with defaults of 2s per fetch and 8
// concurrent fetches.
func NewEvaluator(resolver Resolver, cfg Config) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Evaluator{resolver: resolver, cfg: cfg}
}

type job struct {
	idx      int
	rule     strategy.Rule
	cond     strategy.Condition
	provider metrics.Provider
}

// Evaluate returns one TriggerResult per condition, in config order.
// It never fails: unresolvable metrics become N/A.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *strategy.Config, asset string) []TriggerResult {
	jobs := make([]job, 0, cfg.TotalConditions())
	for _, r := range cfg.Rules {
		// One provider per rule, chosen up front.
		p := e.resolver.For(r.Source)
		for _, c := range r.Conditions {
			jobs = append(jobs, job{idx: len(jobs), rule: r, cond: c, provider: p})
		}
	}

	results := make([]TriggerResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			results[j.idx] = e.evaluateOne(ctx, asset, j)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Evaluator) evaluateOne(ctx context.Context, asset string, j job) (tr TriggerResult) {
	tr = TriggerResult{
		RuleID:    j.rule.ID,
		Source:    j.rule.Source,
		Metric:    j.cond.Metric,
		Threshold: j.cond.Threshold,
		Operator:  j.cond.Operator,
	}

	start := time.Now()
	v, err := e.resolve(ctx, asset, j)
	if e.OnResolve != nil {
		e.OnResolve(j.rule.Source, j.cond.Metric, time.Since(start), err)
	}
	if err != nil {
		tr.Status = StatusNA
		tr.Reasoning = fmt.Sprintf("%s unavailable from %s: %s", j.cond.Metric, j.rule.Source, describe(err))
		log.Debug().Err(err).
			Str("asset", asset).
			Str("rule_id", j.rule.ID).
			Str("metric", j.cond.Metric).
			Msg("Trigger unavailable")
		return tr
	}

	tr.Value = &v
	if j.cond.Operator.Apply(v, j.cond.Threshold) {
		tr.Status = StatusPass
		tr.Reasoning = fmt.Sprintf("%s = %g satisfies %s %g", j.cond.Metric, v, j.cond.Operator, j.cond.Threshold)
	} else {
		tr.Status = StatusFail
		tr.Reasoning = fmt.Sprintf("%s = %g does not satisfy %s %g", j.cond.Metric, v, j.cond.Operator, j.cond.Threshold)
	}
	return tr
}

// resolve calls the provider under a per-call deadline and turns panics
// and non-finite values into errors.
func (e *Evaluator) resolve(ctx context.Context, asset string, j job) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		v   float64
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: provider panic: %v", metrics.ErrUnavailable, r)}
			}
		}()
		v, err := j.provider.Resolve(ctx, asset, j.cond.Metric)
		ch <- outcome{v, err}
	}()

	// Providers that ignore ctx still cannot hold the evaluation past the deadline.
	select {
	case o := <-ch:
		if o.err != nil {
			return 0, o.err
		}
		if math.IsNaN(o.v) || math.IsInf(o.v, 0) {
			return 0, fmt.Errorf("%w: non-finite value %v", metrics.ErrUnavailable, o.v)
		}
		return o.v, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

// Counts tallies PASS and FAIL results. N/A is reported separately and
// never contributes to either count.
func Counts(results []TriggerResult) (pass, fail, unavailable int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		default:
			unavailable++
		}
	}
	return pass, fail, unavailable
}
