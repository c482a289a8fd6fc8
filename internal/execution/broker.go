package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/metrics"
	"github.com/signalops/signalops/internal/trade"
)

// OrderRequest is an order handed to a broker after risk approval.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Account       string          `json:"account"`
	Strategy      string          `json:"strategy,omitempty"`
	Asset         string          `json:"asset"`
	AssetClass    string          `json:"asset_class"`
	Side          trade.Side      `json:"side"`
	Type          trade.OrderType `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
}

// Status is the broker-reported outcome.
type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
	StatusPending  Status = "PENDING"
)

// ExecutionResult is returned by every broker. Fill is set only when
// Status is FILLED.
type ExecutionResult struct {
	OrderID        string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Status         Status          `json:"status"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Timestamp      time.Time       `json:"timestamp"`
	Reason         string          `json:"reason,omitempty"`
	Fill           *trade.Fill     `json:"-"`
}

// Broker is the execution capability set. The risk gate and synthesizer
// never see which implementation is active.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionResult, error)
	BuyingPower(ctx context.Context) (decimal.Decimal, error)
}

// QuoteSource prices market orders.
type QuoteSource interface {
	Quote(ctx context.Context, asset string) (decimal.Decimal, error)
}

// MetricQuoteSource reads the live price from a metric provider.
type MetricQuoteSource struct {
	Provider metrics.Provider
	Metric   string
}

// NewMetricQuoteSource quotes from the "price" metric of p.
func NewMetricQuoteSource(p metrics.Provider) *MetricQuoteSource {
	return &MetricQuoteSource{Provider: p, Metric: "price"}
}

func (q *MetricQuoteSource) Quote(ctx context.Context, asset string) (decimal.Decimal, error) {
	v, err := q.Provider.Resolve(ctx, asset, q.Metric)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", asset, err)
	}
	price := decimal.NewFromFloat(v)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s: non-positive price %s", asset, price)
	}
	return price, nil
}

// Mode selects a broker implementation.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// NewBroker builds the broker for mode. Live venue connectivity is not
// part of this service.
func NewBroker(mode string, paper PaperConfig, quotes QuoteSource) (Broker, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(mode))) {
	case "", ModePaper:
		return NewPaperBroker(paper, quotes), nil
	case ModeLive:
		return nil, fmt.Errorf("broker mode %q: no live venue adapter is configured", mode)
	default:
		return nil, fmt.Errorf("unknown broker mode %q", mode)
	}
}
