package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/trade"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderCreated   OrderState = "CREATED"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderPending   OrderState = "PENDING"
	OrderFilled    OrderState = "FILLED"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// OrderEvent triggers a state transition.
type OrderEvent string

const (
	EventSubmit OrderEvent = "SUBMIT"
	EventAccept OrderEvent = "ACCEPT"
	EventFill   OrderEvent = "FILL"
	EventReject OrderEvent = "REJECT"
	EventCancel OrderEvent = "CANCEL"
)

type transition struct {
	from  OrderState
	event OrderEvent
}

// transitions is the authoritative table. Terminal states have no edges.
var transitions = map[transition]OrderState{
	{OrderCreated, EventSubmit}:   OrderSubmitted,
	{OrderCreated, EventReject}:   OrderRejected,
	{OrderSubmitted, EventAccept}: OrderPending,
	{OrderSubmitted, EventFill}:   OrderFilled,
	{OrderSubmitted, EventReject}: OrderRejected,
	{OrderPending, EventFill}:     OrderFilled,
	{OrderPending, EventReject}:   OrderRejected,
	{OrderPending, EventCancel}:   OrderCancelled,
}

// Order tracks one order through the state machine. Safe for concurrent use.
type Order struct {
	mu sync.Mutex

	ClientOrderID string
	BrokerOrderID string
	Account       string
	Strategy      string
	Asset         string
	AssetClass    string
	Side          trade.Side
	Type          trade.OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	FilledQty     decimal.Decimal
	FillPrice     decimal.Decimal
	State         OrderState
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   time.Time
}

// NewOrder creates an order in CREATED.
func NewOrder(req OrderRequest) *Order {
	now := time.Now()
	return &Order{
		ClientOrderID: req.ClientOrderID,
		Account:       req.Account,
		Strategy:      req.Strategy,
		Asset:         req.Asset,
		AssetClass:    req.AssetClass,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Quantity,
		LimitPrice:    req.LimitPrice,
		FilledQty:     decimal.Zero,
		FillPrice:     decimal.Zero,
		State:         OrderCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FillData carries the execution details for EventFill.
type FillData struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// Transition advances the order. data is *FillData for EventFill and a
// reason string for EventReject; nil otherwise.
func (o *Order) Transition(event OrderEvent, data interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.State
	next, ok := transitions[transition{from: o.State, event: event}]
	if !ok {
		return fmt.Errorf("invalid transition: state=%s event=%s", o.State, event)
	}

	switch event {
	case EventFill:
		fd, ok := data.(*FillData)
		if !ok || fd == nil {
			return fmt.Errorf("event %s requires *FillData, got %T", event, data)
		}
		if !fd.Qty.IsPositive() || !fd.Price.IsPositive() {
			return fmt.Errorf("fill qty and price must be positive, got qty=%s price=%s", fd.Qty, fd.Price)
		}
		if fd.Qty.GreaterThan(o.Qty) {
			return fmt.Errorf("fill would exceed order qty: fill=%s > order=%s", fd.Qty, o.Qty)
		}
		o.FilledQty = fd.Qty
		o.FillPrice = fd.Price
	case EventReject:
		if reason, ok := data.(string); ok {
			o.Reason = reason
		}
	}

	now := time.Now()
	o.State = next
	o.UpdatedAt = now
	if o.isTerminalLocked() {
		o.CompletedAt = now
	}

	log.Debug().
		Str("client_order_id", o.ClientOrderID).
		Str("asset", o.Asset).
		Str("prev_state", string(prev)).
		Str("event", string(event)).
		Str("new_state", string(o.State)).
		Msg("Order state transition")
	return nil
}

// IsTerminal reports FILLED, REJECTED or CANCELLED.
func (o *Order) IsTerminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isTerminalLocked()
}

func (o *Order) isTerminalLocked() bool {
	switch o.State {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// GetState returns the current state.
func (o *Order) GetState() OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.State
}
