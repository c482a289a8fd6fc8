package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/trade"
)

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	// SlippageBps is applied to market fills only; limit orders fill at
	// exactly the limit price.
	SlippageBps float64
	// BuyingPower is the starting cash balance.
	BuyingPower decimal.Decimal
	// FeeBps is charged on notional.
	FeeBps float64
}

// PaperBroker fills orders immediately. Limit orders fill at the limit
// price; market orders fill at a live quote. If no quote can be obtained
// the order is rejected: a paper fill is never priced from made-up data.
//
// Thread-safe: all shared state is guarded by mu.
type PaperBroker struct {
	mu          sync.Mutex
	cfg         PaperConfig
	quotes      QuoteSource
	buyingPower decimal.Decimal
	orders      map[string]*Order          // client order id -> order
	results     map[string]ExecutionResult // client order id -> result, for idempotency
	fills       []trade.Fill
	nextOrderID atomic.Int64
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker. quotes may be nil, in which case
// every market order is rejected.
func NewPaperBroker(cfg PaperConfig, quotes QuoteSource) *PaperBroker {
	pb := &PaperBroker{
		cfg:         cfg,
		quotes:      quotes,
		buyingPower: cfg.BuyingPower,
		orders:      make(map[string]*Order),
		results:     make(map[string]ExecutionResult),
	}
	pb.nextOrderID.Store(1)
	log.Info().
		Float64("slippage_bps", cfg.SlippageBps).
		Str("buying_power", cfg.BuyingPower.String()).
		Msg("Paper broker initialized")
	return pb
}

func (pb *PaperBroker) Name() string { return "paper" }

func (pb *PaperBroker) BuyingPower(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.buyingPower, nil
}

// PlaceOrder executes req. Business rejections come back as a REJECTED
// result with a nil error. Resubmitting a client order id returns the
// original result.
func (pb *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecutionResult{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	// Quote outside the lock; the provider may be slow.
	var quote decimal.Decimal
	var quoteErr error
	if req.Type == trade.OrderMarket {
		if pb.quotes == nil {
			quoteErr = fmt.Errorf("no quote source configured")
		} else {
			quote, quoteErr = pb.quotes.Quote(ctx, req.Asset)
		}
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	if prev, seen := pb.results[req.ClientOrderID]; seen {
		log.Warn().Str("client_order_id", req.ClientOrderID).Msg("Paper broker: duplicate order, returning original result")
		return prev, nil
	}

	order := NewOrder(req)
	pb.orders[req.ClientOrderID] = order
	brokerID := fmt.Sprintf("PAPER-%d", pb.nextOrderID.Add(1)-1)
	order.BrokerOrderID = brokerID

	result := ExecutionResult{
		OrderID:       req.ClientOrderID,
		BrokerOrderID: brokerID,
		Timestamp:     time.Now().UTC(),
	}
	reject := func(reason string) (ExecutionResult, error) {
		if err := order.Transition(EventReject, reason); err != nil {
			return ExecutionResult{}, fmt.Errorf("paper broker reject transition: %w", err)
		}
		result.Status = StatusRejected
		result.Reason = reason
		result.FilledPrice = decimal.Zero
		result.FilledQuantity = decimal.Zero
		pb.results[req.ClientOrderID] = result
		log.Warn().
			Str("client_order_id", req.ClientOrderID).
			Str("asset", req.Asset).
			Str("reason", reason).
			Msg("Paper broker: order rejected")
		return result, nil
	}

	if !req.Quantity.IsPositive() {
		return reject(fmt.Sprintf("invalid quantity %s", req.Quantity))
	}
	if err := order.Transition(EventSubmit, nil); err != nil {
		return ExecutionResult{}, fmt.Errorf("paper broker submit transition: %w", err)
	}

	var price decimal.Decimal
	switch req.Type {
	case trade.OrderLimit:
		if !req.LimitPrice.IsPositive() {
			return reject("limit order without a positive limit price")
		}
		price = req.LimitPrice
	case trade.OrderMarket:
		if quoteErr != nil {
			return reject(fmt.Sprintf("cannot price market order: %v", quoteErr))
		}
		price = pb.applySlippage(quote, req.Side)
	default:
		return reject(fmt.Sprintf("unsupported order type %q", req.Type))
	}

	notional := price.Mul(req.Quantity)
	fee := notional.Mul(decimal.NewFromFloat(pb.cfg.FeeBps)).Div(decimal.NewFromInt(10000))
	if req.Side == trade.SideBuy {
		cost := notional.Add(fee)
		if cost.GreaterThan(pb.buyingPower) {
			return reject(fmt.Sprintf("insufficient buying power: need %s, have %s",
				cost.StringFixed(2), pb.buyingPower.StringFixed(2)))
		}
		pb.buyingPower = pb.buyingPower.Sub(cost)
	} else {
		pb.buyingPower = pb.buyingPower.Add(notional.Sub(fee))
	}

	if err := order.Transition(EventFill, &FillData{Qty: req.Quantity, Price: price}); err != nil {
		return ExecutionResult{}, fmt.Errorf("paper broker fill transition: %w", err)
	}

	fill := trade.Fill{
		FillID:     uuid.NewString(),
		OrderID:    req.ClientOrderID,
		Account:    req.Account,
		Strategy:   req.Strategy,
		Asset:      req.Asset,
		AssetClass: trade.NormalizeAssetClass(req.AssetClass),
		Side:       req.Side,
		Qty:        req.Quantity,
		Price:      price,
		Fee:        fee,
		Timestamp:  result.Timestamp,
	}
	pb.fills = append(pb.fills, fill)

	result.Status = StatusFilled
	result.FilledPrice = price
	result.FilledQuantity = req.Quantity
	result.Fill = &fill
	pb.results[req.ClientOrderID] = result

	log.Info().
		Str("client_order_id", req.ClientOrderID).
		Str("broker_order_id", brokerID).
		Str("asset", req.Asset).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Quantity.String()).
		Str("price", price.String()).
		Msg("Paper broker: order filled")
	return result, nil
}

// applySlippage moves the price against the taker: buys pay more, sells
// receive less.
func (pb *PaperBroker) applySlippage(price decimal.Decimal, side trade.Side) decimal.Decimal {
	if pb.cfg.SlippageBps == 0 {
		return price
	}
	factor := decimal.NewFromFloat(pb.cfg.SlippageBps).Div(decimal.NewFromInt(10000))
	if side == trade.SideSell {
		return price.Mul(decimal.NewFromInt(1).Sub(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Add(factor))
}

// GetOrder returns an order by client order id.
func (pb *PaperBroker) GetOrder(clientOrderID string) (*Order, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[clientOrderID]
	return o, ok
}

// Fills returns a copy of all fills.
func (pb *PaperBroker) Fills() []trade.Fill {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]trade.Fill, len(pb.fills))
	copy(out, pb.fills)
	return out
}
