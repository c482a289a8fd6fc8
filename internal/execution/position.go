package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/trade"
)

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is a signed holding of one asset. Only fills mutate it.
type Position struct {
	Account       string          `json:"account"`
	Strategy      string          `json:"strategy"`
	Asset         string          `json:"asset"`
	AssetClass    string          `json:"asset_class"`
	Side          string          `json:"side"` // long|short|flat
	Qty           decimal.Decimal `json:"qty"`  // signed: positive=long, negative=short
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"last_updated"`
	TradeCount    int             `json:"trade_count"`
}

// Exposure is the signed cost basis of the open quantity.
func (p *Position) Exposure() decimal.Decimal {
	return p.Qty.Mul(p.AvgEntry)
}

// ---------------------------------------------------------------------------
// PositionBook
// ---------------------------------------------------------------------------

// PositionBook keeps per-strategy positions and an account-level net
// position per asset. It is the exposure store behind the risk gate.
// Thread-safe for concurrent access.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position // account.strategy.asset
	netPos    map[string]*Position // account.asset, netted across strategies
	seenFills map[string]struct{}
}

var _ risk.ExposureStore = (*PositionBook)(nil)

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
		netPos:    make(map[string]*Position),
		seenFills: make(map[string]struct{}),
	}
}

func positionKey(account, strategy, asset string) string {
	return fmt.Sprintf("%s.%s.%s", account, strategy, asset)
}

func netKey(account, asset string) string {
	return fmt.Sprintf("%s.%s", account, asset)
}

func sideFromQty(qty decimal.Decimal) string {
	switch qty.Sign() {
	case 1:
		return "long"
	case -1:
		return "short"
	default:
		return "flat"
	}
}

// ApplyFill books a fill at both levels. A fill id is applied at most once.
func (pb *PositionBook) ApplyFill(_ context.Context, fill trade.Fill) error {
	if !fill.Qty.IsPositive() || !fill.Price.IsPositive() {
		return fmt.Errorf("fill %s: qty and price must be positive", fill.FillID)
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	if fill.FillID != "" {
		if _, dup := pb.seenFills[fill.FillID]; dup {
			return nil
		}
		pb.seenFills[fill.FillID] = struct{}{}
	}

	class := trade.NormalizeAssetClass(fill.AssetClass)
	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	signed := fill.SignedQty()

	sKey := positionKey(fill.Account, fill.Strategy, fill.Asset)
	sPos, ok := pb.positions[sKey]
	if !ok {
		sPos = newPosition(fill.Account, fill.Strategy, fill.Asset, class)
		pb.positions[sKey] = sPos
	}
	applyFillToPosition(sPos, fill.Price, signed, fill.Fee, ts)

	nKey := netKey(fill.Account, fill.Asset)
	nPos, ok := pb.netPos[nKey]
	if !ok {
		nPos = newPosition(fill.Account, "_net", fill.Asset, class)
		pb.netPos[nKey] = nPos
	}
	applyFillToPosition(nPos, fill.Price, signed, fill.Fee, ts)
	return nil
}

func newPosition(account, strategy, asset, class string) *Position {
	return &Position{
		Account:     account,
		Strategy:    strategy,
		Asset:       asset,
		AssetClass:  class,
		Side:        "flat",
		Qty:         decimal.Zero,
		AvgEntry:    decimal.Zero,
		RealizedPnL: decimal.Zero,
		TotalFees:   decimal.Zero,
	}
}

// applyFillToPosition handles opening, adding (weighted-average entry),
// reducing and flipping (realized PnL on the closed part).
func applyFillToPosition(pos *Position, fillPrice, signedQty, fee decimal.Decimal, ts time.Time) {
	oldQty := pos.Qty
	newQty := oldQty.Add(signedQty)
	absOld := oldQty.Abs()
	absFill := signedQty.Abs()

	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.TradeCount++
	pos.UpdatedAt = ts
	pos.CurrentPrice = fillPrice

	defer func() {
		pos.UnrealizedPnL = pos.CurrentPrice.Sub(pos.AvgEntry).Mul(pos.Qty)
	}()

	if oldQty.IsZero() {
		pos.AvgEntry = fillPrice
		pos.Qty = newQty
		pos.Side = sideFromQty(newQty)
		pos.OpenedAt = ts
		return
	}

	if oldQty.Sign() == signedQty.Sign() {
		totalCost := pos.AvgEntry.Mul(absOld).Add(fillPrice.Mul(absFill))
		pos.AvgEntry = totalCost.Div(absOld.Add(absFill))
		pos.Qty = newQty
		pos.Side = sideFromQty(newQty)
		return
	}

	closeQty := decimal.Min(absOld, absFill)
	if oldQty.Sign() > 0 {
		pos.RealizedPnL = pos.RealizedPnL.Add(fillPrice.Sub(pos.AvgEntry).Mul(closeQty))
	} else {
		pos.RealizedPnL = pos.RealizedPnL.Add(pos.AvgEntry.Sub(fillPrice).Mul(closeQty))
	}

	pos.Qty = newQty
	pos.Side = sideFromQty(newQty)
	if newQty.IsZero() {
		pos.AvgEntry = decimal.Zero
	} else if newQty.Sign() != oldQty.Sign() {
		pos.AvgEntry = fillPrice
		pos.OpenedAt = ts
	}
}

// Exposure implements risk.ExposureStore. key is risk.TotalKey, a
// risk.ClassKey, or an asset symbol. Asset keys are signed; total and class
// keys sum the absolute net exposure of each asset.
func (pb *PositionBook) Exposure(_ context.Context, account, key string) (decimal.Decimal, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	total := decimal.Zero
	switch {
	case key == risk.TotalKey:
		for _, p := range pb.netPos {
			if p.Account == account {
				total = total.Add(p.Exposure().Abs())
			}
		}
	case strings.HasPrefix(key, "class:"):
		for _, p := range pb.netPos {
			if p.Account == account && risk.ClassKey(p.AssetClass) == key {
				total = total.Add(p.Exposure().Abs())
			}
		}
	default:
		if p, ok := pb.netPos[netKey(account, key)]; ok {
			total = p.Exposure()
		}
	}
	return total, nil
}

// MarkPrice updates the current price and unrealized PnL of every
// position in asset.
func (pb *PositionBook) MarkPrice(asset string, price decimal.Decimal) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for _, m := range []map[string]*Position{pb.positions, pb.netPos} {
		for _, p := range m {
			if p.Asset == asset {
				p.CurrentPrice = price
				p.UnrealizedPnL = price.Sub(p.AvgEntry).Mul(p.Qty)
			}
		}
	}
}

// MarketValue is the signed value of the account's open positions at their
// last marked price. Shorts count negative.
func (pb *PositionBook) MarketValue(account string) decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, p := range pb.netPos {
		if p.Account == account {
			total = total.Add(p.Qty.Mul(p.CurrentPrice))
		}
	}
	return total
}

// GetPosition returns a copy of the strategy-level position.
func (pb *PositionBook) GetPosition(account, strategy, asset string) (Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	p, ok := pb.positions[positionKey(account, strategy, asset)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of the account's strategy-level positions,
// sorted by strategy then asset.
func (pb *PositionBook) Positions(account string) []Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]Position, 0)
	for _, p := range pb.positions {
		if p.Account == account {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// RealizedPnL sums realized PnL over the account's net positions.
func (pb *PositionBook) RealizedPnL(account string) decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, p := range pb.netPos {
		if p.Account == account {
			total = total.Add(p.RealizedPnL)
		}
	}
	return total
}
