package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/trade"
)

// Exposure keys understood by every ExposureStore.
const TotalKey = "*"

// ClassKey is the exposure key of an asset class.
func ClassKey(class string) string {
	return "class:" + trade.NormalizeAssetClass(class)
}

// ExposureStore holds exposure per account and key. An asset symbol key
// yields the signed net exposure of that asset; TotalKey and ClassKey yield
// gross exposure, the sum of absolute per-asset net exposures, so longs and
// shorts in different assets never offset. Only fills change it.
type ExposureStore interface {
	Exposure(ctx context.Context, account, key string) (decimal.Decimal, error)
	ApplyFill(ctx context.Context, fill trade.Fill) error
}

// Order is a proposed trade presented to the gate.
type Order struct {
	Account    string          `json:"account"`
	Strategy   string          `json:"strategy,omitempty"`
	Asset      string          `json:"asset"`
	AssetClass string          `json:"asset_class"`
	Side       trade.Side      `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// Notional is the signed dollar change this order would add.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price).Mul(decimal.NewFromInt(o.Side.Sign()))
}

// Result is a risk verdict. A rejection is a normal outcome, not an error.
type Result struct {
	Approved           bool            `json:"approved"`
	Reason             string          `json:"reason"`
	ReasonCodes        []string        `json:"reason_codes,omitempty"`
	MaxAllowedQuantity decimal.Decimal `json:"max_allowed_quantity"`
	CurrentExposure    decimal.Decimal `json:"current_exposure"`
	ExposureLimit      decimal.Decimal `json:"exposure_limit"`
	ClassExposure      decimal.Decimal `json:"asset_class_exposure"`
	ClassLimit         decimal.Decimal `json:"asset_class_limit"`
	Timestamp          int64           `json:"ts"`
}

// String renders the verdict for decision reasoning.
func (r Result) String() string {
	if r.Approved {
		return fmt.Sprintf("approved: exposure %s of %s", r.CurrentExposure.StringFixed(2), r.ExposureLimit.StringFixed(2))
	}
	return fmt.Sprintf("rejected: %s; max allowed quantity %s", r.Reason, r.MaxAllowedQuantity.String())
}

// ExecFunc executes an approved order and returns the resulting fill, or
// nil when nothing filled.
type ExecFunc func(ctx context.Context, approved Result) (*trade.Fill, error)

// Gate enforces exposure limits.
// SAFETY > PROFIT > SPEED
//
// The exposure read, the decision, the execution and the exposure update
// all happen under one per-account lock. Kill and freeze are checked first
// and lock-free.
type Gate struct {
	store    ExposureStore
	profiles Profiles

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	peakMu sync.Mutex
	peaks  map[string]decimal.Decimal

	killed atomic.Bool
	frozen atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
	freezes atomic.Int64
}

// NewGate creates a risk gate over store.
func NewGate(store ExposureStore, profiles Profiles) *Gate {
	return &Gate{
		store:    store,
		profiles: profiles,
		locks:    make(map[string]*sync.Mutex),
		peaks:    make(map[string]decimal.Decimal),
	}
}

// Limits returns the limits applied to account.
func (g *Gate) Limits(account string) Limits {
	return g.profiles.LimitsFor(account)
}

func (g *Gate) lock(account string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	m, ok := g.locks[account]
	if !ok {
		m = &sync.Mutex{}
		g.locks[account] = m
	}
	return m
}

// Check evaluates an order against current exposure without executing it.
func (g *Gate) Check(ctx context.Context, o Order) (Result, error) {
	m := g.lock(o.Account)
	m.Lock()
	defer m.Unlock()
	return g.check(ctx, o)
}

// Execute checks o and, if approved, runs exec and applies the resulting
// fill before releasing the account lock. Concurrent orders for the same
// account therefore never both pass against a stale exposure figure.
func (g *Gate) Execute(ctx context.Context, o Order, exec ExecFunc) (Result, *trade.Fill, error) {
	m := g.lock(o.Account)
	m.Lock()
	defer m.Unlock()

	res, err := g.check(ctx, o)
	if err != nil || !res.Approved {
		return res, nil, err
	}

	fill, err := exec(ctx, res)
	if err != nil {
		return res, nil, fmt.Errorf("execute order: %w", err)
	}
	if fill == nil {
		return res, nil, nil
	}
	if err := g.store.ApplyFill(ctx, *fill); err != nil {
		log.Error().Err(err).
			Str("account", fill.Account).
			Str("order_id", fill.OrderID).
			Msg("Exposure update failed after fill, freezing")
		g.Freeze("exposure store out of sync")
		return res, fill, fmt.Errorf("apply fill %s: %w", fill.FillID, err)
	}
	if err := exceedsApproval(o, *fill); err != nil {
		// The fill is real and already booked; stop anything further.
		log.Error().Err(err).
			Str("account", fill.Account).
			Str("order_id", fill.OrderID).
			Msg("Fill outside risk approval, freezing")
		g.Freeze("fill outside risk approval")
		return res, fill, err
	}
	return res, fill, nil
}

// exceedsApproval reports a fill larger in quantity or notional than the
// order the gate approved.
func exceedsApproval(o Order, f trade.Fill) error {
	if f.Qty.GreaterThan(o.Quantity) {
		return fmt.Errorf("fill %s: quantity %s exceeds approved %s", f.FillID, f.Qty, o.Quantity)
	}
	approved := o.Quantity.Mul(o.Price)
	if got := f.Qty.Mul(f.Price); got.GreaterThan(approved) {
		return fmt.Errorf("fill %s: notional %s exceeds approved %s", f.FillID, got.StringFixed(2), approved.StringFixed(2))
	}
	return nil
}

func (g *Gate) check(ctx context.Context, o Order) (Result, error) {
	limits := g.profiles.LimitsFor(o.Account)
	r := Result{
		Approved:           true,
		MaxAllowedQuantity: o.Quantity,
		ExposureLimit:      limits.MaxExposure,
		Timestamp:          time.Now().UnixMicro(),
	}

	// Kill switch first, lock-free.
	if g.killed.Load() {
		return g.reject(o, r, "KILL_SWITCH_ACTIVE", decimal.Zero), nil
	}
	if g.frozen.Load() {
		return g.reject(o, r, "SYSTEM_FROZEN", decimal.Zero), nil
	}
	if !o.Quantity.IsPositive() || !o.Price.IsPositive() {
		return g.reject(o, r, fmt.Sprintf("INVALID_ORDER:qty=%s,price=%s", o.Quantity, o.Price), decimal.Zero), nil
	}

	incremental := o.Notional()
	clamp := o.Quantity

	// Net exposure of the asset decides how much of the order adds to gross
	// exposure: a sell against a long unwinds before it opens a short.
	assetNet, err := g.store.Exposure(ctx, o.Account, o.Asset)
	if err != nil {
		return Result{}, fmt.Errorf("read %s exposure %s: %w", o.Asset, o.Account, err)
	}
	delta := assetNet.Add(incremental).Abs().Sub(assetNet.Abs())

	// Global exposure.
	current, err := g.store.Exposure(ctx, o.Account, TotalKey)
	if err != nil {
		return Result{}, fmt.Errorf("read exposure %s: %w", o.Account, err)
	}
	r.CurrentExposure = current
	if delta.IsPositive() && current.Add(delta).GreaterThan(limits.MaxExposure) {
		q := headroom(limits.MaxExposure, current, assetNet, o)
		r = g.deny(r, fmt.Sprintf("EXPOSURE_EXCEEDED:current=%s,order=%s,limit=%s",
			current.StringFixed(2), incremental.StringFixed(2), limits.MaxExposure.StringFixed(2)))
		clamp = decimal.Min(clamp, q)
	}

	// Asset class exposure.
	class := trade.NormalizeAssetClass(o.AssetClass)
	if classLimit, ok := limits.ClassLimit(class); ok {
		classCurrent, err := g.store.Exposure(ctx, o.Account, ClassKey(class))
		if err != nil {
			return Result{}, fmt.Errorf("read %s exposure %s: %w", class, o.Account, err)
		}
		r.ClassExposure = classCurrent
		r.ClassLimit = classLimit
		if delta.IsPositive() && classCurrent.Add(delta).GreaterThan(classLimit) {
			q := headroom(classLimit, classCurrent, assetNet, o)
			r = g.deny(r, fmt.Sprintf("ASSET_CLASS_LIMIT:%s:current=%s,order=%s,limit=%s",
				class, classCurrent.StringFixed(2), incremental.StringFixed(2), classLimit.StringFixed(2)))
			clamp = decimal.Min(clamp, q)
		}
	}

	// Single order size.
	if limits.MaxPositionSize.IsPositive() {
		notional := o.Quantity.Mul(o.Price)
		if notional.GreaterThan(limits.MaxPositionSize) {
			q := limits.MaxPositionSize.Div(o.Price).Truncate(8)
			r = g.deny(r, fmt.Sprintf("POSITION_SIZE_EXCEEDED:notional=%s,limit=%s",
				notional.StringFixed(2), limits.MaxPositionSize.StringFixed(2)))
			clamp = decimal.Min(clamp, q)
		}
	}

	if r.Approved {
		r.Reason = "within limits"
		g.allowed.Add(1)
		log.Debug().
			Str("account", o.Account).
			Str("asset", o.Asset).
			Str("side", string(o.Side)).
			Str("qty", o.Quantity.String()).
			Msg("Risk check: ALLOW")
		return r, nil
	}

	if clamp.IsNegative() {
		clamp = decimal.Zero
	}
	r.MaxAllowedQuantity = clamp
	r.Reason = r.ReasonCodes[0]
	g.denied.Add(1)
	log.Warn().
		Str("account", o.Account).
		Str("asset", o.Asset).
		Str("side", string(o.Side)).
		Str("qty", o.Quantity.String()).
		Str("max_allowed", clamp.String()).
		Strs("reasons", r.ReasonCodes).
		Msg("Risk check: DENY")
	return r, nil
}

// headroom is the largest quantity that keeps gross exposure within limit,
// truncated so the clamped order never exceeds it. An order opposing the
// asset's net position first unwinds it, which frees twice its size.
func headroom(limit, gross, assetNet decimal.Decimal, o Order) decimal.Decimal {
	room := limit.Sub(gross)
	if assetNet.Sign() != 0 && assetNet.Sign() != int(o.Side.Sign()) {
		room = room.Add(assetNet.Abs().Mul(decimal.NewFromInt(2)))
	}
	if !room.IsPositive() {
		return decimal.Zero
	}
	return room.Div(o.Price).Truncate(8)
}

func (g *Gate) deny(r Result, code string) Result {
	r.Approved = false
	r.ReasonCodes = append(r.ReasonCodes, code)
	return r
}

func (g *Gate) reject(o Order, r Result, code string, maxQty decimal.Decimal) Result {
	r = g.deny(r, code)
	r.Reason = code
	r.MaxAllowedQuantity = maxQty
	g.denied.Add(1)
	log.Warn().Str("account", o.Account).Str("asset", o.Asset).Str("reason", code).Msg("Risk check: DENY")
	return r
}

// CheckDrawdown compares equity against its peak. A breach freezes the gate.
func (g *Gate) CheckDrawdown(account string, equity, peak decimal.Decimal) (float64, bool) {
	if !peak.IsPositive() {
		return 0, true
	}
	dd, _ := peak.Sub(equity).Div(peak).Float64()
	limit := g.profiles.LimitsFor(account).MaxDrawdownPct
	if limit > 0 && dd > limit {
		g.frozen.Store(true)
		g.freezes.Add(1)
		log.Error().
			Str("account", account).
			Float64("drawdown", dd).
			Float64("limit", limit).
			Msg("AUTO-FREEZE: Drawdown limit breached")
		return dd, false
	}
	return dd, true
}

// ObserveEquity records account equity, raising the tracked peak when it is
// exceeded, and runs the drawdown check against that peak.
func (g *Gate) ObserveEquity(account string, equity decimal.Decimal) (float64, bool) {
	g.peakMu.Lock()
	peak, ok := g.peaks[account]
	if !ok || equity.GreaterThan(peak) {
		peak = equity
		g.peaks[account] = peak
	}
	g.peakMu.Unlock()
	return g.CheckDrawdown(account, equity, peak)
}

// Kill activates the kill switch. Only a restart clears it.
func (g *Gate) Kill() {
	g.killed.Store(true)
	log.Error().Msg("KILL SWITCH ACTIVATED - All trading stopped")
}

// Freeze rejects all orders until Resume.
func (g *Gate) Freeze(reason string) {
	g.frozen.Store(true)
	g.freezes.Add(1)
	log.Warn().Str("reason", reason).Msg("SYSTEM FROZEN")
}

// Resume unfreezes the gate. It has no effect after Kill.
func (g *Gate) Resume() error {
	if g.killed.Load() {
		log.Warn().Msg("Cannot resume: kill switch is active (requires restart)")
		return fmt.Errorf("kill switch is active")
	}
	g.frozen.Store(false)
	log.Info().Msg("System resumed")
	return nil
}

// IsActive reports whether orders can pass.
func (g *Gate) IsActive() bool {
	return !g.killed.Load() && !g.frozen.Load()
}

// State describes the switch positions.
func (g *Gate) State() string {
	var parts []string
	if g.killed.Load() {
		parts = append(parts, "killed")
	}
	if g.frozen.Load() {
		parts = append(parts, "frozen")
	}
	if len(parts) == 0 {
		return "active"
	}
	return strings.Join(parts, ",")
}

// Metrics returns gate counters.
func (g *Gate) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"killed":        g.killed.Load(),
		"frozen":        g.frozen.Load(),
		"allowed_total": g.allowed.Load(),
		"denied_total":  g.denied.Load(),
		"freezes_total": g.freezes.Load(),
	}
}
