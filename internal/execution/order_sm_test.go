package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalops/signalops/internal/trade"
)

func makeRequest(id string, side trade.Side, typ trade.OrderType, qty, price float64) OrderRequest {
	return OrderRequest{
		ClientOrderID: id,
		Account:       "acct",
		Strategy:      "rsi-dip",
		Asset:         "AAPL",
		AssetClass:    "EQUITY",
		Side:          side,
		Type:          typ,
		Quantity:      decimal.NewFromFloat(qty),
		LimitPrice:    decimal.NewFromFloat(price),
	}
}

func TestOrder_SubmitAndFill(t *testing.T) {
	o := NewOrder(makeRequest("o-1", trade.SideBuy, trade.OrderLimit, 10, 150))
	assert.Equal(t, OrderCreated, o.GetState())

	require.NoError(t, o.Transition(EventSubmit, nil))
	require.NoError(t, o.Transition(EventFill, &FillData{Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(150)}))

	assert.Equal(t, OrderFilled, o.GetState())
	assert.True(t, o.IsTerminal())
	assert.False(t, o.CompletedAt.IsZero())
	assert.True(t, o.FillPrice.Equal(decimal.NewFromInt(150)))
}

func TestOrder_PendingThenCancel(t *testing.T) {
	o := NewOrder(makeRequest("o-2", trade.SideBuy, trade.OrderLimit, 10, 150))
	require.NoError(t, o.Transition(EventSubmit, nil))
	require.NoError(t, o.Transition(EventAccept, nil))
	assert.Equal(t, OrderPending, o.GetState())
	assert.False(t, o.IsTerminal())

	require.NoError(t, o.Transition(EventCancel, nil))
	assert.Equal(t, OrderCancelled, o.GetState())
}

func TestOrder_TerminalStatesAreFinal(t *testing.T) {
	o := NewOrder(makeRequest("o-3", trade.SideBuy, trade.OrderMarket, 1, 0))
	require.NoError(t, o.Transition(EventSubmit, nil))
	require.NoError(t, o.Transition(EventReject, "no quote"))
	assert.Equal(t, "no quote", o.Reason)

	for _, ev := range []OrderEvent{EventSubmit, EventAccept, EventFill, EventReject, EventCancel} {
		assert.Error(t, o.Transition(ev, &FillData{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)}), ev)
	}
	assert.Equal(t, OrderRejected, o.GetState())
}

func TestOrder_FillValidation(t *testing.T) {
	o := NewOrder(makeRequest("o-4", trade.SideBuy, trade.OrderLimit, 10, 150))
	require.NoError(t, o.Transition(EventSubmit, nil))

	assert.Error(t, o.Transition(EventFill, nil))
	assert.Error(t, o.Transition(EventFill, &FillData{Qty: decimal.NewFromInt(11), Price: decimal.NewFromInt(150)}))
	assert.Error(t, o.Transition(EventFill, &FillData{Qty: decimal.NewFromInt(10), Price: decimal.Zero}))
	assert.Equal(t, OrderSubmitted, o.GetState())
}

func TestOrder_InvalidTransition(t *testing.T) {
	o := NewOrder(makeRequest("o-5", trade.SideBuy, trade.OrderLimit, 10, 150))
	err := o.Transition(EventFill, &FillData{Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)})
	assert.ErrorContains(t, err, "invalid transition")
}
