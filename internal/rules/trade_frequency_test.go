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

func freqConfig() config.TradeFrequencyConfig {
	return config.TradeFrequencyConfig{
		Enabled:   true,
		PerMinute: 3,
		Cooldowns: config.FrequencyCools{Minute: "2m"},
	}
}

func (f *fixture) seedTrades(n int, spacing time.Duration) {
	now := f.clk.Now()
	for i := 0; i < n; i++ {
		f.history.trades = append(f.history.trades, model.Trade{
			TradeID:   string(rune('A' + i)),
			AccountID: "ACC-001",
			Timestamp: now.Add(-time.Duration(n-1-i) * spacing),
		})
	}
}

func TestTradeFrequencyAtLimit(t *testing.T) {
	f := newFixture(t)
	r := NewTradeFrequency(freqConfig())

	// 3 trades in the minute, limit 3: the 3rd is fine.
	f.seedTrades(3, 10*time.Second)
	assert.Nil(t, r.Evaluate(f.closedTrade("-10.00"), f.deps))
}

func TestTradeFrequencyFourthTradeBreaches(t *testing.T) {
	f := newFixture(t)
	r := NewTradeFrequency(freqConfig())

	f.seedTrades(4, 10*time.Second)
	v := r.Evaluate(f.closedTrade("-10.00"), f.deps)
	require.NotNil(t, v)
	assert.Equal(t, events.ActionCooldown, v.Action)
	assert.Equal(t, 2*time.Minute, v.Cooldown)
	assert.False(t, v.Lockout, "cooldown category, not a hard lockout")
	assert.Contains(t, v.Message, "4 trades this minute")
}

func TestTradeFrequencyOldTradesAgeOut(t *testing.T) {
	f := newFixture(t)
	r := NewTradeFrequency(freqConfig())

	// 4 trades but spread 30 s apart: only 3 fall inside the rolling minute.
	f.seedTrades(4, 30*time.Second)
	assert.Nil(t, r.Evaluate(f.closedTrade("-10.00"), f.deps))
}

func TestTradeFrequencySkipsWhileLockedOut(t *testing.T) {
	f := newFixture(t)
	r := NewTradeFrequency(freqConfig())
	f.seedTrades(10, time.Second)

	exp := f.clk.Now().Add(2 * time.Minute)
	require.NoError(t, f.deps.Lockouts.SetLockout(model.Lockout{
		AccountID: "ACC-001", RuleID: "trade_frequency",
		Reason: "minute window exceeded", ExpiresAt: &exp, UnlockCondition: "2m0s",
	}))

	assert.Nil(t, r.Evaluate(f.closedTrade("-10.00"), f.deps),
		"trades landing behind an active cooldown must not restart it")
}

func TestTradeFrequencyHourWindow(t *testing.T) {
	f := newFixture(t)
	cfg := config.TradeFrequencyConfig{
		Enabled: true,
		PerHour: 5,
		Cooldowns: config.FrequencyCools{
			Hour: "15m",
		},
	}
	r := NewTradeFrequency(cfg)

	f.seedTrades(6, 5*time.Minute)
	v := r.Evaluate(f.closedTrade("-10.00"), f.deps)
	require.NotNil(t, v)
	assert.Equal(t, 15*time.Minute, v.Cooldown)
	assert.Contains(t, v.Message, "hour")
}

func TestTradeFrequencySessionWindow(t *testing.T) {
	f := newFixture(t)
	cfg := config.TradeFrequencyConfig{
		Enabled:    true,
		PerSession: 100,
		Cooldowns:  config.FrequencyCools{Session: "1h"},
	}
	r := NewTradeFrequency(cfg)

	f.history.sessionCount = 100
	assert.Nil(t, r.Evaluate(f.closedTrade("-10.00"), f.deps))

	f.history.sessionCount = 101
	v := r.Evaluate(f.closedTrade("-10.00"), f.deps)
	require.NotNil(t, v)
	assert.Equal(t, time.Hour, v.Cooldown)
	assert.Contains(t, v.Message, "session")
}

func TestTradeFrequencyDefaultCooldown(t *testing.T) {
	f := newFixture(t)
	cfg := freqConfig()
	cfg.Cooldowns.Minute = ""
	r := NewTradeFrequency(cfg)

	f.seedTrades(4, time.Second)
	v := r.Evaluate(f.closedTrade("-10.00"), f.deps)
	require.NotNil(t, v)
	assert.Equal(t, time.Minute, v.Cooldown)
}

func TestTradeFrequencyIgnoresNonTradeEvents(t *testing.T) {
	f := newFixture(t)
	r := NewTradeFrequency(freqConfig())
	f.seedTrades(10, time.Second)

	assert.Nil(t, r.Evaluate(f.quote("MNQ", "21000.00"), f.deps))
}
