package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/model"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testSpecs() map[string]model.ContractSpec {
	return map[string]model.ContractSpec{
		"MNQ": {SymbolRoot: "MNQ", TickSize: dec("0.25"), TickValue: dec("0.50")},
		"MES": {SymbolRoot: "MES", TickSize: dec("0.25"), TickValue: dec("1.25")},
	}
}

func longMNQ(size int64, entry string) model.Position {
	return model.Position{
		ContractID:    "CON.F.US.MNQ.Z25",
		SymbolRoot:    "MNQ",
		AccountID:     "ACC-001",
		Size:          size,
		AvgEntryPrice: dec(entry),
		OpenedAt:      time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestGetUnrealizedLong(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(2, "21000.00"))
	c.UpdateQuote("MNQ", dec("21010.00"))

	// 10 points = 40 ticks; 40 × $0.50 × 2 contracts = $40.
	pnl, ok := c.GetUnrealized("CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.True(t, pnl.Equal(dec("40.00")), "got %s", pnl)
}

func TestGetUnrealizedShort(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(-3, "21000.00"))
	c.UpdateQuote("MNQ", dec("21012.50"))

	// Price moved against the short: 50 ticks × $0.50 × (−3) = −$75.
	pnl, ok := c.GetUnrealized("CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.True(t, pnl.Equal(dec("-75.00")), "got %s", pnl)
}

func TestGetUnrealizedMissingPieces(t *testing.T) {
	c := NewCalculator(testSpecs())

	_, ok := c.GetUnrealized("CON.F.US.MNQ.Z25")
	assert.False(t, ok, "no position")

	c.UpdatePosition(longMNQ(1, "21000.00"))
	_, ok = c.GetUnrealized("CON.F.US.MNQ.Z25")
	assert.False(t, ok, "no quote yet")

	// Unknown geometry: position and quote exist but the symbol has no spec.
	c.UpdatePosition(model.Position{
		ContractID: "CON.F.US.RTY.Z25", SymbolRoot: "RTY",
		AccountID: "ACC-001", Size: 1, AvgEntryPrice: dec("2200.00"),
	})
	c.UpdateQuote("RTY", dec("2210.00"))
	_, ok = c.GetUnrealized("CON.F.US.RTY.Z25")
	assert.False(t, ok, "unknown tick geometry is unpriceable")
}

func TestCalculateRealizedPnL(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(2, "21000.00"))

	// Exit 21018.75: 75 ticks × $0.50 × 2 = $75.
	pnl, ok := c.CalculateRealizedPnL("CON.F.US.MNQ.Z25", dec("21018.75"))
	require.True(t, ok)
	assert.True(t, pnl.Equal(dec("75.00")), "got %s", pnl)

	_, ok = c.CalculateRealizedPnL("CON.F.US.MES.H26", dec("5000.00"))
	assert.False(t, ok, "untracked contract")
}

func TestUpdatePositionZeroSizeRemoves(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(2, "21000.00"))
	c.UpdatePosition(longMNQ(0, "21000.00"))

	_, ok := c.Position("CON.F.US.MNQ.Z25")
	assert.False(t, ok)
	assert.Empty(t, c.Positions())
}

func TestTotalAbsSize(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(2, "21000.00"))
	c.UpdatePosition(model.Position{
		ContractID: "CON.F.US.MES.H26", SymbolRoot: "MES",
		AccountID: "ACC-001", Size: -3, AvgEntryPrice: dec("5000.00"),
	})
	c.UpdatePosition(model.Position{
		ContractID: "CON.F.US.MES.M26", SymbolRoot: "MES",
		AccountID: "ACC-002", Size: 5, AvgEntryPrice: dec("5000.00"),
	})

	assert.Equal(t, int64(5), c.TotalAbsSize("ACC-001"), "longs and shorts both count")
	assert.Equal(t, int64(5), c.TotalAbsSize("ACC-002"))
	assert.Equal(t, int64(0), c.TotalAbsSize("ACC-003"))
}

func TestRemovePosition(t *testing.T) {
	c := NewCalculator(testSpecs())
	c.UpdatePosition(longMNQ(2, "21000.00"))
	c.RemovePosition("CON.F.US.MNQ.Z25")
	assert.Equal(t, int64(0), c.TotalAbsSize("ACC-001"))
}
