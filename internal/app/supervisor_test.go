package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/model"
	"riskguard/internal/storage"
)

const testTimers = `
daily_reset:
  enabled: true
  time: "17:00"
  timezone: America/New_York
lockout_durations:
  hard_lockout:
    daily_realized_loss: until_reset
`

const testAccounts = `
monitored_account:
  account_id: ACC-001
`

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "riskguard.db")
	risk := []byte(
		// sqlite lives in the temp dir so parallel runs never collide
		"general:\n  instruments: [MNQ]\n  timezone: America/New_York\n" +
			"  contract_specs:\n    MNQ: {tick_size: 0.25, tick_value: 0.50}\n" +
			"storage:\n  database_url: sqlite://" + dbPath + "\n" +
			"rules:\n  max_contracts:\n    enabled: true\n    limit: 5\n" +
			"  daily_realized_loss:\n    enabled: true\n    limit: -500.0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "risk_config.yaml"), risk, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timers_config.yaml"), []byte(testTimers), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "accounts.yaml"), []byte(testAccounts), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	return cfg
}

func TestSupervisorDryRunLifecycle(t *testing.T) {
	cfg := loadTestConfig(t)

	sup, err := New(cfg, Options{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, sup.Simulator(), "dry run wires the simulated gateway")

	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	st := sup.Status()
	assert.Equal(t, 2, st.RulesLoaded)
	assert.Equal(t, 2, sup.Engine().Rules())

	// The simulator echoed SDK_CONNECTED on start; once the dispatcher has
	// worked through it the supervisor reports connected.
	require.Eventually(t, func() bool {
		return sup.Status().Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisorProcessesSimulatedEvents(t *testing.T) {
	cfg := loadTestConfig(t)

	sup, err := New(cfg, Options{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	sup.Simulator().InjectQuote("MNQ", decimal.NewFromInt(21000))

	require.Eventually(t, func() bool {
		return sup.Status().EventsSeen >= 1
	}, 2*time.Second, 10*time.Millisecond, "an injected quote flows through router and bus")
}

func TestSupervisorStopIdempotent(t *testing.T) {
	cfg := loadTestConfig(t)

	sup, err := New(cfg, Options{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	sup.Stop()
	sup.Stop()
}

func TestSupervisorAccountOverride(t *testing.T) {
	cfg := loadTestConfig(t)

	sup, err := New(cfg, Options{DryRun: true, AccountID: "ACC-099"})
	require.NoError(t, err)
	assert.Equal(t, "ACC-099", sup.primaryAccount())
}

func TestSupervisorStartsWithInheritedSessionTrades(t *testing.T) {
	cfg := loadTestConfig(t)

	// A previous run left today's trades behind.
	seed, err := storage.New(cfg.Risk.Storage.DatabaseURL)
	require.NoError(t, err)
	pnl := decimal.RequireFromString("-40.00")
	_, err = seed.AddTrade(model.Trade{
		TradeID:     "T-prev-1",
		AccountID:   "ACC-001",
		ContractID:  "CON.F.US.MNQ.Z25",
		Symbol:      "MNQ",
		Side:        model.SideSell,
		Quantity:    2,
		Price:       decimal.RequireFromString("20990.00"),
		RealizedPnL: &pnl,
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	sup, err := New(cfg, Options{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()), "startup reports inherited session context and proceeds")
	sup.Stop()
}
