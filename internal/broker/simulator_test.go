package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/clock"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

func newSim(t *testing.T) *Simulator {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	sim := NewSimulator("ACC-001", clk)
	t.Cleanup(sim.Stop)
	return sim
}

func drain(sim *Simulator) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sim.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSimulatorEchoesMutations(t *testing.T) {
	sim := newSim(t)
	ctx := context.Background()

	sim.InjectPositionOpened(model.Position{
		AccountID: "ACC-001", ContractID: "CON.F.US.MNQ.Z25",
		SymbolRoot: "MNQ", Size: 2, AvgEntryPrice: decimal.NewFromInt(21000),
	})
	require.NoError(t, sim.ClosePosition(ctx, "ACC-001", "CON.F.US.MNQ.Z25"))

	evs := drain(sim)
	require.Len(t, evs, 2)
	assert.Equal(t, events.PositionOpened, evs[0].Type)
	assert.Equal(t, events.PositionClosed, evs[1].Type)
	assert.Equal(t, int64(0), evs[1].Position.Size, "the close echo reports size zero")
}

func TestSimulatorDupFactorReplaysEvents(t *testing.T) {
	sim := newSim(t)
	sim.DupFactor = 3

	sim.InjectQuote("mnq", decimal.NewFromInt(21000))

	evs := drain(sim)
	require.Len(t, evs, 3, "each event replays once per subscribed instrument")
	for _, ev := range evs {
		assert.Equal(t, "MNQ", ev.Quote.Symbol)
	}
}

func TestSimulatorBracketPlacesBothLegs(t *testing.T) {
	sim := newSim(t)
	ctx := context.Background()

	stopID, err := sim.PlaceBracketOrder(ctx, "ACC-001", "CON.F.US.MNQ.Z25",
		model.SideSell, 2, decimal.RequireFromString("20997.50"), decimal.RequireFromString("21005.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, stopID)

	orders, err := sim.GetOpenOrders(ctx, "ACC-001")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestSimulatorCloseUnknownPositionFails(t *testing.T) {
	sim := newSim(t)

	err := sim.ClosePosition(context.Background(), "ACC-001", "CON.F.US.MNQ.Z25")
	assert.Error(t, err)
	assert.Equal(t, []string{"CON.F.US.MNQ.Z25"}, sim.ClosedContracts(), "the attempt is still recorded")
}
