package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType is the pricing instruction of an order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// ParseOrderType accepts market/limit in any case.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET":
		return OrderMarket, nil
	case "LIMIT":
		return OrderLimit, nil
	default:
		return "", fmt.Errorf("unknown order type %q", s)
	}
}

// NormalizeAssetClass upper-cases an asset class and maps empty to UNKNOWN.
func NormalizeAssetClass(class string) string {
	c := strings.ToUpper(strings.TrimSpace(class))
	if c == "" {
		return "UNKNOWN"
	}
	return c
}

// Fill is a confirmed execution. Fills are the only input that may mutate
// positions and exposure.
type Fill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	Account    string          `json:"account"`
	Strategy   string          `json:"strategy,omitempty"`
	Asset      string          `json:"asset"`
	AssetClass string          `json:"asset_class"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  time.Time       `json:"ts"`
}

// SignedQty is positive for buys and negative for sells.
func (f Fill) SignedQty() decimal.Decimal {
	if f.Side == SideSell {
		return f.Qty.Neg()
	}
	return f.Qty
}

// Notional is the signed dollar value of the fill.
func (f Fill) Notional() decimal.Decimal {
	return f.SignedQty().Mul(f.Price)
}
