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

func tierConfig(flatten bool) config.CooldownAfterLossConfig {
	return config.CooldownAfterLossConfig{
		Enabled: true,
		Flatten: flatten,
		Tiers: []config.CooldownTier{
			{LossAmount: -100, Duration: "2m"},
			{LossAmount: -200, Duration: "5m"},
			{LossAmount: -400, Duration: "15m"},
		},
	}
}

func TestCooldownTierSelection(t *testing.T) {
	cases := []struct {
		loss string
		want time.Duration
	}{
		{"-100.00", 2 * time.Minute},  // exactly the first tier
		{"-150.00", 2 * time.Minute},  // between tiers lands on the shallower one
		{"-250.00", 5 * time.Minute},  // past −200, short of −400
		{"-400.00", 15 * time.Minute}, // exactly the deepest tier
		{"-999.00", 15 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.loss, func(t *testing.T) {
			f := newFixture(t)
			r := NewCooldownAfterLoss(tierConfig(false))

			v := r.Evaluate(f.closedTrade(tc.loss), f.deps)
			require.NotNil(t, v)
			assert.Equal(t, tc.want, v.Cooldown)
			assert.Equal(t, events.ActionCooldown, v.Action)
		})
	}
}

func TestCooldownSmallLossBelowAllTiers(t *testing.T) {
	f := newFixture(t)
	r := NewCooldownAfterLoss(tierConfig(false))

	assert.Nil(t, r.Evaluate(f.closedTrade("-99.99"), f.deps))
	assert.Nil(t, r.Evaluate(f.closedTrade("50.00"), f.deps), "winners never cool down")
}

func TestCooldownFlattenOption(t *testing.T) {
	f := newFixture(t)
	r := NewCooldownAfterLoss(tierConfig(true))

	v := r.Evaluate(f.closedTrade("-250.00"), f.deps)
	require.NotNil(t, v)
	assert.Equal(t, events.ActionFlatten, v.Action)
	assert.Equal(t, 5*time.Minute, v.Cooldown)
}

func TestCooldownDoesNotRestartItself(t *testing.T) {
	f := newFixture(t)
	r := NewCooldownAfterLoss(tierConfig(false))

	// An active cooldown timer for this rule suppresses re-triggering.
	f.wheel.StartTimer("cooldown_after_loss_ACC-001", 5*time.Minute, func() {})
	assert.Nil(t, r.Evaluate(f.closedTrade("-300.00"), f.deps))
}

func TestCooldownSkipsWhileLockedOut(t *testing.T) {
	f := newFixture(t)
	r := NewCooldownAfterLoss(tierConfig(false))

	exp := f.clk.Now().Add(time.Hour)
	require.NoError(t, f.deps.Lockouts.SetLockout(model.Lockout{
		AccountID: "ACC-001", RuleID: "daily_realized_loss",
		Reason: "daily loss limit hit", ExpiresAt: &exp, UnlockCondition: "until_reset",
	}))

	assert.Nil(t, r.Evaluate(f.closedTrade("-300.00"), f.deps))
}

func TestCooldownTriggersOnEnrichedClose(t *testing.T) {
	f := newFixture(t)
	r := NewCooldownAfterLoss(tierConfig(false))

	ev := f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 0, "21000.00")
	ev.Type = events.PositionClosed
	ev.RealizedPnL = decPtr("-120.00")

	v := r.Evaluate(ev, f.deps)
	require.NotNil(t, v)
	assert.Equal(t, 2*time.Minute, v.Cooldown)
}
