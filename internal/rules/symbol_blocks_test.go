package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

func TestSymbolBlocksCancelsBlockedOrder(t *testing.T) {
	f := newFixture(t)
	r := NewSymbolBlocks(config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"ES", "NQ"}})

	ev := events.NewOrderEvent(events.OrderPlaced, "test", model.Order{
		OrderID:    "O-1",
		AccountID:  "ACC-001",
		ContractID: "CON.F.US.ES.H26",
		SymbolRoot: "ES",
		Type:       model.OrderMarket,
		Side:       model.SideBuy,
		Size:       1,
	}, f.clk.Now())

	v := r.Evaluate(ev, f.deps)
	require.NotNil(t, v)
	assert.Equal(t, events.ActionCancelOrder, v.Action)
	assert.Equal(t, "O-1", v.OrderID)
	assert.Contains(t, v.Message, "blocked symbol ES")
}

func TestSymbolBlocksClosesBlockedPosition(t *testing.T) {
	f := newFixture(t)
	r := NewSymbolBlocks(config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"ES"}})

	ev := f.openPosition("CON.F.US.ES.H26", "ES", 1, "5000.00")
	v := r.Evaluate(ev, f.deps)
	require.NotNil(t, v)
	assert.Equal(t, events.ActionClosePosition, v.Action)
}

func TestSymbolBlocksExactMatchOnly(t *testing.T) {
	f := newFixture(t)
	r := NewSymbolBlocks(config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"ES"}})

	// MES must not match the bare "ES" pattern.
	ev := f.openPosition("CON.F.US.MES.H26", "MES", 1, "5000.00")
	assert.Nil(t, r.Evaluate(ev, f.deps))
}

func TestSymbolBlocksGlobPattern(t *testing.T) {
	f := newFixture(t)
	r := NewSymbolBlocks(config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"M*"}})

	ev := f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 1, "21000.00")
	require.NotNil(t, r.Evaluate(ev, f.deps), "M* blocks every micro")

	ev = f.openPosition("CON.F.US.ES.H26", "ES", 1, "5000.00")
	assert.Nil(t, r.Evaluate(ev, f.deps))
}

func TestSymbolBlocksCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	r := NewSymbolBlocks(config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"es"}})

	ev := f.openPosition("CON.F.US.ES.H26", "ES", 1, "5000.00")
	require.NotNil(t, r.Evaluate(ev, f.deps))
}

func TestAuthLossGuardAlerts(t *testing.T) {
	f := newFixture(t)
	r := NewAuthLossGuard()

	ev := events.NewConnectionEvent(events.SDKDisconnected, "stream", "ACC-001", "read: EOF", f.clk.Now())
	v := r.Evaluate(ev, f.deps)
	require.NotNil(t, v)
	assert.Equal(t, events.ActionAlertOnly, v.Action)
	assert.False(t, v.Action.MutatesBroker())
	assert.Contains(t, v.Message, "disconnected")
	assert.Contains(t, v.Message, "read: EOF")

	ev = events.NewConnectionEvent(events.AuthFailed, "stream", "ACC-001", "", f.clk.Now())
	v = r.Evaluate(ev, f.deps)
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "authentication failed")

	assert.Nil(t, r.Evaluate(f.quote("MNQ", "21000.00"), f.deps))
}
