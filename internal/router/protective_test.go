package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/clock"
	"riskguard/internal/model"
)

type errOrders struct{}

func (errOrders) GetOpenOrders(context.Context, string) ([]model.Order, error) {
	return nil, errors.New("gateway down")
}

func TestRefreshClassifiesWorkingOrders(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	stop := stopOrder("O-stop", "20990.00")
	tp := marketOrder("O-tp")
	tp.Type = model.OrderLimit
	filled := stopOrder("O-old", "20980.00")
	filled.Status = model.StatusFilled
	other := marketOrder("O-other")
	other.ContractID = "CON.F.US.MES.H26"

	src := &fakeOrders{orders: []model.Order{stop, tp, filled, other}}
	pc := NewProtectiveCache(src, clk, 5*time.Second)

	state, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.True(t, state.HasStopLoss())
	assert.Equal(t, "O-stop", state.StopLoss.OrderID)
	require.NotNil(t, state.TakeProfit)
	assert.Equal(t, "O-tp", state.TakeProfit.OrderID)
	assert.Equal(t, int64(1), pc.RefreshCount())

	// Second lookup inside the TTL hits the cache.
	_, ok = pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.Equal(t, int64(1), pc.RefreshCount())
	assert.Equal(t, 1, src.calls)
}

func TestRefreshFailureReportsUnknown(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	pc := NewProtectiveCache(errOrders{}, clk, 5*time.Second)

	_, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	assert.False(t, ok, "a failed refresh must not pretend the position is protected")
}

func TestNilSourceOnlyKnowsOrderEvents(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	pc := NewProtectiveCache(nil, clk, 5*time.Second)

	_, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	assert.False(t, ok)

	pc.UpdateFromOrderPlaced(stopOrder("O-stop", "20990.00"))
	state, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.True(t, state.HasStopLoss())
	assert.Equal(t, int64(0), pc.RefreshCount())
}

func TestUpdateFromOrderPlacedIgnoresMarketOrders(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	pc := NewProtectiveCache(nil, clk, 5*time.Second)

	pc.UpdateFromOrderPlaced(marketOrder("O-mkt"))
	_, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	assert.False(t, ok, "market orders are not protective")
}

func TestRemoveStopLossKeepsTakeProfit(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	pc := NewProtectiveCache(nil, clk, 5*time.Second)

	pc.UpdateFromOrderPlaced(stopOrder("O-stop", "20990.00"))
	tp := marketOrder("O-tp")
	tp.Type = model.OrderLimit
	pc.UpdateFromOrderPlaced(tp)

	pc.RemoveStopLoss("CON.F.US.MNQ.Z25")
	state, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.False(t, state.HasStopLoss())
	assert.NotNil(t, state.TakeProfit)

	pc.RemoveTakeProfit("CON.F.US.MNQ.Z25")
	state, _ = pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	assert.Nil(t, state.TakeProfit)
}

func TestInvalidateForOrderClearsMatchingLeg(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	pc := NewProtectiveCache(nil, clk, 5*time.Second)

	pc.UpdateFromOrderPlaced(stopOrder("O-stop", "20990.00"))
	pc.InvalidateForOrder("O-stop")

	state, ok := pc.Get("ACC-001", "CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.False(t, state.HasStopLoss())

	assert.NotPanics(t, func() { pc.InvalidateForOrder("unknown-order") })
}
