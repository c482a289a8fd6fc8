package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/signalops/signalops/internal/decision"
	"github.com/signalops/signalops/internal/events"
	"github.com/signalops/signalops/internal/execution"
	"github.com/signalops/signalops/internal/ledger"
	"github.com/signalops/signalops/internal/observability"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/rules"
	"github.com/signalops/signalops/internal/strategy"
	"github.com/signalops/signalops/internal/trade"
)

// Reasoning keys added after synthesis.
const (
	KeyRisk      = "risk"
	KeyRiskClamp = "risk_clamp"
	KeySizing    = "sizing"
	KeyExecution = "execution"
	KeyTarget    = "target"
	KeyManual    = "manual"
)

// ErrInvalidOrder wraps malformed direct order submissions.
var ErrInvalidOrder = errors.New("invalid order")

// Deps are the collaborators of the pipeline. Metrics may be nil.
type Deps struct {
	Strategies *strategy.Registry
	Evaluator  *rules.Evaluator
	EventGate  *events.Gate
	Risk       *risk.Gate
	Exposure   risk.ExposureStore
	Broker     execution.Broker
	// PaperBroker serves strategies in paper mode. Defaults to Broker.
	PaperBroker execution.Broker
	Quotes      execution.QuoteSource
	// Positions is marked with every quote and feeds the drawdown check.
	// Optional.
	Positions *execution.PositionBook
	Ledger    *ledger.Ledger
	Metrics   *observability.Metrics
}

// Config tunes the pipeline.
type Config struct {
	// Account receives rule-driven orders.
	Account           string
	BasketConcurrency int
	// MarketSlippageBps bounds the price of a market order. The order is
	// risk-checked and sent to the broker as a limit at quote plus this
	// bound, so no fill lands at a price the gate did not approve.
	MarketSlippageBps float64
}

// Service runs the decision pipeline:
// evaluate -> synthesize (event gate first) -> risk -> execute -> ledger.
type Service struct {
	d   Deps
	cfg Config
}

// NewService checks that every required collaborator is present.
func NewService(d Deps, cfg Config) (*Service, error) {
	var missing []string
	if d.Strategies == nil {
		missing = append(missing, "strategies")
	}
	if d.Evaluator == nil {
		missing = append(missing, "evaluator")
	}
	if d.EventGate == nil {
		missing = append(missing, "event gate")
	}
	if d.Risk == nil {
		missing = append(missing, "risk gate")
	}
	if d.Broker == nil {
		missing = append(missing, "broker")
	}
	if d.Quotes == nil {
		missing = append(missing, "quotes")
	}
	if d.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if d.PaperBroker == nil {
		d.PaperBroker = d.Broker
	}
	if cfg.Account == "" {
		cfg.Account = "default"
	}
	if cfg.BasketConcurrency <= 0 {
		cfg.BasketConcurrency = 4
	}
	if cfg.MarketSlippageBps < 0 {
		return nil, fmt.Errorf("pipeline: market slippage bound must not be negative")
	}
	if d.Metrics != nil && d.Evaluator.OnResolve == nil {
		m := d.Metrics
		d.Evaluator.OnResolve = func(src strategy.Source, _ string, dur time.Duration, err error) {
			m.MetricFetchLatency.ObserveDuration(dur)
			if err != nil {
				m.MetricFetchErrors.With(string(src)).Inc()
			}
		}
	}
	return &Service{d: d, cfg: cfg}, nil
}

// Strategies exposes the registry for intake.
func (s *Service) Strategies() *strategy.Registry { return s.d.Strategies }

// Ledger exposes the decision ledger for audit queries.
func (s *Service) Ledger() *ledger.Ledger { return s.d.Ledger }

// RiskGate exposes the risk gate for kill/freeze controls.
func (s *Service) RiskGate() *risk.Gate { return s.d.Risk }

// Positions returns the account's strategy-level positions, marked at the
// last quote seen. Empty account means the pipeline account.
func (s *Service) Positions(account string) []execution.Position {
	if s.d.Positions == nil {
		return []execution.Position{}
	}
	if account == "" {
		account = s.cfg.Account
	}
	return s.d.Positions.Positions(account)
}

// RegisterStrategy parses a strategy document and stores it as a new
// version.
func (s *Service) RegisterStrategy(doc []byte) (*strategy.Config, error) {
	cfg, err := strategy.Parse(doc)
	if err != nil {
		return nil, err
	}
	return s.d.Strategies.Put(cfg)
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

// Evaluate runs the full pipeline for one asset and returns the recorded
// decision. Errors are limited to an unknown strategy, a bad asset or a
// failed ledger write; upstream data problems are part of the decision.
func (s *Service) Evaluate(ctx context.Context, strategyName, asset string) (*ledger.Decision, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, errors.New("asset is required")
	}
	cfg, err := s.d.Strategies.Get(strategyName)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, cfg, asset)
}

func (s *Service) evaluate(ctx context.Context, cfg *strategy.Config, asset string) (*ledger.Decision, error) {
	start := time.Now()
	logger := log.With().Str("strategy", cfg.Name).Int("version", cfg.Version).Str("asset", asset).Logger()

	verdict := s.d.EventGate.Check(ctx, asset)
	triggers := s.d.Evaluator.Evaluate(ctx, cfg, asset)
	out := decision.Synthesize(decision.Input{Triggers: triggers, Verdict: verdict, Policy: cfg.Execution})

	d := &ledger.Decision{
		Kind:            ledger.KindEvaluation,
		StrategyID:      cfg.Name,
		StrategyVersion: cfg.Version,
		Account:         s.cfg.Account,
		Asset:           asset,
		Decision:        out.Decision,
		Triggers:        triggers,
		PassCount:       out.PassCount,
		FailCount:       out.FailCount,
		Confidence:      out.Confidence,
		Reasoning:       out.Reasoning,
		FinalAction:     out.FinalAction,
	}
	if !cfg.Targets(asset) {
		d.Reasoning[KeyTarget] = fmt.Sprintf("%s is not in the target list of %s", asset, cfg.Name)
	}

	if out.FinalAction == decision.FinalApproved {
		s.trade(ctx, logger, cfg, d)
	}

	rec, err := s.d.Ledger.Record(ctx, d)
	if err != nil {
		return nil, err
	}
	s.observe(rec, out.Unavailable, time.Since(start))

	logger.Info().
		Str("decision_id", rec.ID).
		Str("decision", string(rec.Decision)).
		Str("final_action", string(rec.FinalAction)).
		Int("pass", rec.PassCount).
		Int("fail", rec.FailCount).
		Int("unavailable", out.Unavailable).
		Float64("confidence", rec.Confidence).
		Dur("elapsed", time.Since(start)).
		Msg("Evaluation complete")
	return rec, nil
}

// EvaluateBasket evaluates every target asset of a strategy in parallel.
// All assets see the same strategy snapshot. Decisions come back in
// target order; failed assets are left nil and reported in the joined
// error.
func (s *Service) EvaluateBasket(ctx context.Context, strategyName string) ([]*ledger.Decision, error) {
	cfg, err := s.d.Strategies.Get(strategyName)
	if err != nil {
		return nil, err
	}

	out := make([]*ledger.Decision, len(cfg.Assets))
	errs := make([]error, len(cfg.Assets))
	var g errgroup.Group
	g.SetLimit(s.cfg.BasketConcurrency)
	for i, asset := range cfg.Assets {
		g.Go(func() error {
			d, err := s.evaluate(ctx, cfg, strings.ToUpper(asset))
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", asset, err)
				return nil
			}
			out[i] = d
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// trade sizes, risk-gates and executes an approved decision, updating d
// in place before it is recorded.
func (s *Service) trade(ctx context.Context, logger zerolog.Logger, cfg *strategy.Config, d *ledger.Decision) {
	block := func(key, msg string) {
		d.FinalAction = decision.FinalBlocked
		d.Reasoning[key] = msg
		logger.Warn().Str("stage", key).Str("reason", msg).Msg("Approved decision blocked")
	}

	side := trade.SideBuy
	if d.Decision == decision.ActionSell {
		side = trade.SideSell
	}
	broker := s.d.Broker
	if cfg.Execution.ActionMode == strategy.ModePaper {
		broker = s.d.PaperBroker
	}

	price, err := s.d.Quotes.Quote(ctx, d.Asset)
	if err != nil {
		block(KeySizing, fmt.Sprintf("cannot price order: %v", err))
		return
	}
	bp, err := broker.BuyingPower(ctx)
	if err != nil {
		block(KeySizing, fmt.Sprintf("buying power unavailable: %v", err))
		return
	}
	s.markToMarket(d.Account, d.Asset, price, bp)
	class := trade.NormalizeAssetClass(cfg.Execution.AssetClass)
	budget := bp.Mul(decimal.NewFromFloat(cfg.Execution.PositionSize))
	qty := roundQuantity(budget.Div(price), class)
	if !qty.IsPositive() {
		block(KeySizing, fmt.Sprintf("position size %.4f of buying power %s buys no %s at %s",
			cfg.Execution.PositionSize, bp.StringFixed(2), d.Asset, price))
		return
	}
	d.Reasoning[KeySizing] = fmt.Sprintf("%s %s @ %s (%.4f of buying power %s)",
		side, qty, price, cfg.Execution.PositionSize, bp.StringFixed(2))

	o := risk.Order{
		Account:    d.Account,
		Strategy:   cfg.Name,
		Asset:      d.Asset,
		AssetClass: class,
		Side:       side,
		Quantity:   qty,
		Price:      price,
	}
	res, exec, err := s.guardedPlace(ctx, broker, o)
	if !res.Approved && res.MaxAllowedQuantity.IsPositive() {
		clamped := roundQuantity(res.MaxAllowedQuantity, class)
		if clamped.IsPositive() {
			d.Reasoning[KeyRiskClamp] = fmt.Sprintf("requested %s rejected (%s); resubmitted clamped quantity %s",
				qty, res.Reason, clamped)
			o.Quantity = clamped
			res, exec, err = s.guardedPlace(ctx, broker, o)
		}
	}

	r := res
	d.Risk = &r
	switch {
	case !res.Approved && err != nil:
		block(KeyRisk, fmt.Sprintf("risk check failed: %v", err))
		return
	case !res.Approved:
		block(KeyRisk, res.String())
		return
	}
	d.Reasoning[KeyRisk] = res.String()
	if exec == nil {
		block(KeyExecution, fmt.Sprintf("execution failed: %v", err))
		return
	}

	d.ExecutionID = exec.OrderID
	d.Execution = executionRecord(broker.Name(), side, *exec)
	switch exec.Status {
	case execution.StatusFilled:
		d.Reasoning[KeyExecution] = fmt.Sprintf("filled %s @ %s via %s", exec.FilledQuantity, exec.FilledPrice, broker.Name())
	case execution.StatusPending:
		d.Reasoning[KeyExecution] = fmt.Sprintf("order %s pending at %s", exec.OrderID, broker.Name())
	default:
		block(KeyExecution, fmt.Sprintf("broker rejected order: %s", exec.Reason))
	}
	if err != nil {
		// Filled but the exposure update failed; the gate is frozen.
		d.Reasoning[KeyExecution] += fmt.Sprintf("; exposure update failed: %v", err)
	}
}

// guardedPlace runs the broker call inside the risk gate's account lock so
// the fill lands in the exposure store before the next check. Orders always
// go out as limits at the checked price. exec is nil when the broker was
// never reached.
func (s *Service) guardedPlace(ctx context.Context, broker execution.Broker, o risk.Order) (risk.Result, *execution.ExecutionResult, error) {
	var exec *execution.ExecutionResult
	req := execution.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Account:       o.Account,
		Strategy:      o.Strategy,
		Asset:         o.Asset,
		AssetClass:    o.AssetClass,
		Side:          o.Side,
		Type:          trade.OrderLimit,
		Quantity:      o.Quantity,
		LimitPrice:    o.Price,
	}

	res, _, err := s.d.Risk.Execute(ctx, o, func(ctx context.Context, _ risk.Result) (*trade.Fill, error) {
		r, err := broker.PlaceOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		exec = &r
		return r.Fill, nil
	})

	if m := s.d.Metrics; m != nil {
		if res.Approved {
			m.RiskChecks.With("allow").Inc()
		} else {
			m.RiskChecks.With("deny").Inc()
			reason := res.Reason
			if reason == "" {
				reason = "ERROR"
			}
			m.RiskRejections.With(reason).Inc()
		}
		if exec != nil {
			if exec.Status == execution.StatusFilled {
				m.OrdersFilled.Inc()
			} else if exec.Status == execution.StatusRejected {
				m.OrdersRejected.Inc()
			}
		}
		if s.d.Exposure != nil {
			if total, xerr := s.d.Exposure.Exposure(ctx, o.Account, risk.TotalKey); xerr == nil {
				f, _ := total.Float64()
				m.ExposureTotal.Set(f)
			}
		}
	}
	return res, exec, err
}

// ---------------------------------------------------------------------------
// Direct orders
// ---------------------------------------------------------------------------

// OrderRequest is a manual order that bypasses rule evaluation.
type OrderRequest struct {
	Account    string          `json:"account"`
	Strategy   string          `json:"strategy_name"`
	Asset      string          `json:"asset"`
	AssetClass string          `json:"asset_class"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	// Type is MARKET or LIMIT. Empty means LIMIT when Price is set and
	// MARKET otherwise.
	Type  string          `json:"type"`
	Price decimal.Decimal `json:"price"`
}

// Order statuses returned by SubmitOrder.
const (
	OrderFilled       = "FILLED"
	OrderPending      = "PENDING"
	OrderRejected     = "REJECTED"
	OrderRiskRejected = "RISK_REJECTED"
)

// OrderResponse reports a direct order. Risk carries the clamp suggestion
// when the gate rejected the order.
type OrderResponse struct {
	Status     string                     `json:"status"`
	OrderID    string                     `json:"order_id,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
	Execution  *execution.ExecutionResult `json:"execution,omitempty"`
	Risk       *risk.Result               `json:"risk,omitempty"`
	DecisionID string                     `json:"decision_id"`
}

// SubmitOrder runs a manual order through the risk gate and broker and
// records it in the ledger. Risk and broker rejections are responses,
// not errors.
func (s *Service) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	side, err := trade.ParseSide(req.Side)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		return OrderResponse{}, fmt.Errorf("%w: asset is required", ErrInvalidOrder)
	}
	if !req.Quantity.IsPositive() {
		return OrderResponse{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if req.Price.IsNegative() {
		return OrderResponse{}, fmt.Errorf("%w: price must not be negative", ErrInvalidOrder)
	}
	typ := trade.OrderLimit
	if req.Price.IsZero() {
		typ = trade.OrderMarket
	}
	if strings.TrimSpace(req.Type) != "" {
		if typ, err = trade.ParseOrderType(req.Type); err != nil {
			return OrderResponse{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}
	switch {
	case typ == trade.OrderLimit && !req.Price.IsPositive():
		return OrderResponse{}, fmt.Errorf("%w: limit order requires a positive price", ErrInvalidOrder)
	case typ == trade.OrderMarket && !req.Price.IsZero():
		return OrderResponse{}, fmt.Errorf("%w: market order must not carry a price", ErrInvalidOrder)
	}
	account := req.Account
	if account == "" {
		account = s.cfg.Account
	}
	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = "manual"
	}

	logger := log.With().Str("strategy", strategyName).Str("asset", asset).Str("account", account).Logger()

	act := decision.ActionBuy
	if side == trade.SideSell {
		act = decision.ActionSell
	}
	d := &ledger.Decision{
		Kind:        ledger.KindManual,
		StrategyID:  strategyName,
		Account:     account,
		Asset:       asset,
		Decision:    act,
		Triggers:    []rules.TriggerResult{},
		FinalAction: decision.FinalBlocked,
		Reasoning: map[string]string{
			KeyManual: fmt.Sprintf("direct %s order for %s %s; no rule evaluation", side, req.Quantity, asset),
		},
	}
	resp := OrderResponse{}

	price := req.Price
	if typ == trade.OrderMarket {
		quote, err := s.d.Quotes.Quote(ctx, asset)
		if err != nil {
			resp.Status = OrderRejected
			resp.Reason = fmt.Sprintf("cannot price market order: %v", err)
			d.Reasoning[KeyExecution] = resp.Reason
			return s.recordOrder(ctx, logger, d, resp)
		}
		if bp, err := s.d.Broker.BuyingPower(ctx); err == nil {
			s.markToMarket(account, asset, quote, bp)
		}
		price = boundPrice(quote, side, s.cfg.MarketSlippageBps)
		d.Reasoning[KeySizing] = fmt.Sprintf("market order priced at %s (quote %s, slippage bound %g bps)",
			price, quote, s.cfg.MarketSlippageBps)
	}

	o := risk.Order{
		Account:    account,
		Strategy:   strategyName,
		Asset:      asset,
		AssetClass: trade.NormalizeAssetClass(req.AssetClass),
		Side:       side,
		Quantity:   req.Quantity,
		Price:      price,
	}
	res, exec, err := s.guardedPlace(ctx, s.d.Broker, o)
	r := res
	resp.Risk = &r
	d.Risk = &r
	d.Reasoning[KeyRisk] = res.String()

	switch {
	case !res.Approved && err != nil:
		resp.Status = OrderRiskRejected
		resp.Reason = fmt.Sprintf("risk check failed: %v", err)
		d.Reasoning[KeyRisk] = resp.Reason
	case !res.Approved:
		resp.Status = OrderRiskRejected
		resp.Reason = res.Reason
	case exec == nil:
		resp.Status = OrderRejected
		resp.Reason = fmt.Sprintf("execution failed: %v", err)
		d.Reasoning[KeyExecution] = resp.Reason
	default:
		resp.OrderID = exec.OrderID
		resp.Execution = exec
		d.ExecutionID = exec.OrderID
		d.Execution = executionRecord(s.d.Broker.Name(), side, *exec)
		switch exec.Status {
		case execution.StatusFilled:
			resp.Status = OrderFilled
			d.FinalAction = decision.FinalApproved
			d.Reasoning[KeyExecution] = fmt.Sprintf("filled %s @ %s via %s", exec.FilledQuantity, exec.FilledPrice, s.d.Broker.Name())
		case execution.StatusPending:
			resp.Status = OrderPending
			d.FinalAction = decision.FinalApproved
		default:
			resp.Status = OrderRejected
			resp.Reason = exec.Reason
			d.Reasoning[KeyExecution] = "broker rejected order: " + exec.Reason
		}
		if err != nil {
			// Filled but the exposure update failed; the gate is frozen.
			d.Reasoning[KeyExecution] += fmt.Sprintf("; exposure update failed: %v", err)
		}
	}
	return s.recordOrder(ctx, logger, d, resp)
}

func (s *Service) recordOrder(ctx context.Context, logger zerolog.Logger, d *ledger.Decision, resp OrderResponse) (OrderResponse, error) {
	rec, err := s.d.Ledger.Record(ctx, d)
	if err != nil {
		return resp, err
	}
	resp.DecisionID = rec.ID
	s.observe(rec, 0, 0)
	logger.Info().
		Str("decision_id", rec.ID).
		Str("status", resp.Status).
		Str("order_id", resp.OrderID).
		Str("reason", resp.Reason).
		Msg("Manual order processed")
	return resp, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// markToMarket marks positions in asset at price and feeds the account's
// equity (cash plus marked positions) to the drawdown check. A breach
// freezes the risk gate before the order reaches it.
func (s *Service) markToMarket(account, asset string, price, cash decimal.Decimal) {
	if s.d.Positions == nil {
		return
	}
	s.d.Positions.MarkPrice(asset, price)
	equity := cash.Add(s.d.Positions.MarketValue(account))
	if dd, ok := s.d.Risk.ObserveEquity(account, equity); !ok {
		log.Warn().
			Str("account", account).
			Str("equity", equity.StringFixed(2)).
			Float64("drawdown", dd).
			Msg("Drawdown limit breached, risk gate frozen")
	}
}

// boundPrice moves a quote against the taker by bps: buys pay at most
// quote*(1+bps), sells receive at least quote*(1-bps).
func boundPrice(quote decimal.Decimal, side trade.Side, bps float64) decimal.Decimal {
	if bps == 0 {
		return quote
	}
	factor := decimal.NewFromFloat(bps).Div(decimal.NewFromInt(10000))
	if side == trade.SideSell {
		return quote.Mul(decimal.NewFromInt(1).Sub(factor))
	}
	return quote.Mul(decimal.NewFromInt(1).Add(factor))
}

func (s *Service) observe(d *ledger.Decision, unavailable int, elapsed time.Duration) {
	m := s.d.Metrics
	if m == nil {
		return
	}
	m.Decisions.With(string(d.Decision)).Inc()
	m.FinalActions.With(string(d.FinalAction)).Inc()
	if d.Blocked() {
		m.Blocked.Inc()
	}
	m.TriggersUnavailable.Add(int64(unavailable))
	if elapsed > 0 {
		m.EvaluationLatency.ObserveDuration(elapsed)
	}
}

// roundQuantity truncates crypto to 8 decimals and everything else to
// whole units.
func roundQuantity(q decimal.Decimal, class string) decimal.Decimal {
	if class == "CRYPTO" {
		return q.Truncate(8)
	}
	return q.Floor()
}

func executionRecord(broker string, side trade.Side, r execution.ExecutionResult) *ledger.ExecutionRecord {
	return &ledger.ExecutionRecord{
		OrderID:        r.OrderID,
		BrokerOrderID:  r.BrokerOrderID,
		Broker:         broker,
		Side:           string(side),
		Status:         string(r.Status),
		FilledPrice:    r.FilledPrice,
		FilledQuantity: r.FilledQuantity,
		Timestamp:      r.Timestamp,
		Reason:         r.Reason,
	}
}
