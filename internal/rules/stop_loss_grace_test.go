package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

func graceRule() *NoStopLossGrace {
	return NewNoStopLossGrace(config.NoStopLossGraceConfig{Enabled: true, Grace: "60s"})
}

func stopOrderEvent(f *fixture, orderID, contract, stop string) events.Event {
	sp := dec(stop)
	return events.NewOrderEvent(events.OrderPlaced, "test", model.Order{
		OrderID:    orderID,
		AccountID:  "ACC-001",
		ContractID: contract,
		SymbolRoot: "MNQ",
		Type:       model.OrderStop,
		Side:       model.SideSell,
		Size:       2,
		StopPrice:  &sp,
		Status:     model.StatusWorking,
	}, f.clk.Now())
}

func TestGraceTimerArmsOnOpen(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	assert.Nil(t, r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps))
	assert.True(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"))

	rem, ok := f.wheel.GetRemainingTime("no_stop_loss_grace_CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.Equal(t, time.Minute, rem)
}

func TestGraceExpiryClosesPosition(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)

	f.clk.Advance(time.Minute + time.Second)
	f.wheel.Tick()

	require.Len(t, f.triggered, 1)
	v := f.triggered[0]
	assert.Equal(t, "no_stop_loss_grace", v.Rule)
	assert.Equal(t, events.ActionClosePosition, v.Action)
	assert.Equal(t, "CON.F.US.MNQ.Z25", v.ContractID)
	assert.Contains(t, v.Message, "1m0s grace")
}

func TestStopPlacementCancelsGrace(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)
	r.Evaluate(stopOrderEvent(f, "O-stop", "CON.F.US.MNQ.Z25", "20990.00"), f.deps)

	assert.False(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"))

	f.clk.Advance(2 * time.Minute)
	f.wheel.Tick()
	assert.Empty(t, f.triggered)
}

func TestLimitOrderDoesNotSatisfyGrace(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)

	lp := dec("21010.00")
	limitEv := events.NewOrderEvent(events.OrderPlaced, "test", model.Order{
		OrderID:    "O-tp",
		AccountID:  "ACC-001",
		ContractID: "CON.F.US.MNQ.Z25",
		Type:       model.OrderLimit,
		Side:       model.SideSell,
		LimitPrice: &lp,
		Status:     model.StatusWorking,
	}, f.clk.Now())
	r.Evaluate(limitEv, f.deps)

	assert.True(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"),
		"a take-profit is not a stop; the grace keeps running")
}

func TestPositionCloseCancelsGrace(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)

	closeEv := f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 0, "21000.00")
	closeEv.Type = events.PositionClosed
	r.Evaluate(closeEv, f.deps)

	assert.False(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"))
}

func TestGraceSkippedWhenStopAlreadyRests(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	// A bracket entry placed its stop before the position event arrived.
	f.prot.stops["CON.F.US.MNQ.Z25"] = "O-stop"
	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)

	assert.False(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"))
}

func TestGraceTimersPerContract(t *testing.T) {
	f := newFixture(t)
	r := graceRule()

	r.Evaluate(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"), f.deps)
	r.Evaluate(f.openPosition("CON.F.US.MES.H26", "MES", 1, "5000.00"), f.deps)

	// Protecting one contract leaves the other's grace running.
	r.Evaluate(stopOrderEvent(f, "O-stop", "CON.F.US.MNQ.Z25", "20990.00"), f.deps)
	assert.False(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MNQ.Z25"))
	assert.True(t, f.wheel.HasTimer("no_stop_loss_grace_CON.F.US.MES.H26"))
}
