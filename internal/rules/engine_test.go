package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/events"
	"riskguard/internal/model"
)

// stubRule returns a fixed violation (or nil) and counts evaluations.
type stubRule struct {
	id        string
	violation *events.Violation
	evals     int
	panicking bool
}

func (s *stubRule) ID() string   { return s.id }
func (s *stubRule) Name() string { return s.id }
func (s *stubRule) Evaluate(ev events.Event, d *Deps) *events.Violation {
	s.evals++
	if s.panicking {
		panic("rule blew up")
	}
	return s.violation
}

// recordingExecutor captures the batches handed to enforcement.
type recordingExecutor struct {
	batches [][]events.Violation
}

func (r *recordingExecutor) Execute(batch []events.Violation) {
	r.batches = append(r.batches, batch)
}

func newEngineFixture(t *testing.T) (*fixture, *Engine, *recordingExecutor, *[]events.Event) {
	t.Helper()
	f := newFixture(t)
	exec := &recordingExecutor{}
	var published []events.Event
	e := NewEngine(f.deps, exec, func(ev events.Event) { published = append(published, ev) })
	return f, e, exec, &published
}

func TestEngineIgnoresItsOwnOutput(t *testing.T) {
	f, e, _, _ := newEngineFixture(t)
	r := &stubRule{id: "probe"}
	e.Register(r)

	for _, typ := range []events.Type{
		events.RuleViolated, events.EnforcementAction,
		events.LockoutSet, events.LockoutCleared, events.DailyReset,
	} {
		e.HandleEvent(events.Event{Type: typ, Timestamp: f.clk.Now()})
	}
	assert.Equal(t, 0, r.evals, "engine output must never loop back through the rules")

	e.HandleEvent(f.quote("MNQ", "21000.00"))
	assert.Equal(t, 1, r.evals)
}

func TestEnginePublishesViolationAndExecutes(t *testing.T) {
	f, e, exec, published := newEngineFixture(t)
	e.Register(&stubRule{id: "probe", violation: &events.Violation{
		Rule:      "probe",
		AccountID: "ACC-001",
		Action:    events.ActionClosePosition,
		Message:   "test breach",
	}})

	e.HandleEvent(f.quote("MNQ", "21000.00"))

	require.Len(t, *published, 1)
	assert.Equal(t, events.RuleViolated, (*published)[0].Type)
	require.NotNil(t, (*published)[0].Violation)
	assert.Equal(t, "probe", (*published)[0].Violation.Rule)

	require.Len(t, exec.batches, 1)
	require.Len(t, exec.batches[0], 1)
	assert.Equal(t, events.ActionClosePosition, exec.batches[0][0].Action)
	assert.Equal(t, int64(1), e.ViolationCount())
}

func TestEngineBatchesMultipleViolations(t *testing.T) {
	f, e, exec, _ := newEngineFixture(t)
	e.Register(&stubRule{id: "a", violation: &events.Violation{Rule: "a", AccountID: "ACC-001", Action: events.ActionClosePosition}})
	e.Register(&stubRule{id: "b", violation: &events.Violation{Rule: "b", AccountID: "ACC-001", Action: events.ActionFlatten}})

	e.HandleEvent(f.quote("MNQ", "21000.00"))

	require.Len(t, exec.batches, 1, "one event yields one executor batch")
	require.Len(t, exec.batches[0], 2)
	assert.Equal(t, "a", exec.batches[0][0].Rule, "batch preserves registration order")
	assert.Equal(t, "b", exec.batches[0][1].Rule)
}

func TestEnginePanicIsolation(t *testing.T) {
	f, e, exec, _ := newEngineFixture(t)
	e.Register(&stubRule{id: "bad", panicking: true})
	good := &stubRule{id: "good", violation: &events.Violation{Rule: "good", AccountID: "ACC-001", Action: events.ActionClosePosition}}
	e.Register(good)

	assert.NotPanics(t, func() { e.HandleEvent(f.quote("MNQ", "21000.00")) })
	assert.Equal(t, 1, good.evals, "rules after the panicking one still run")
	require.Len(t, exec.batches, 1)
	assert.Equal(t, "good", exec.batches[0][0].Rule)
}

func TestCooldownViolationBecomesDurationLockout(t *testing.T) {
	f, e, _, _ := newEngineFixture(t)
	e.Register(&stubRule{id: "trade_frequency", violation: &events.Violation{
		Rule:      "trade_frequency",
		AccountID: "ACC-001",
		Action:    events.ActionCooldown,
		Cooldown:  2 * time.Minute,
		Message:   "minute window exceeded",
	}})

	e.HandleEvent(f.quote("MNQ", "21000.00"))

	assert.True(t, f.deps.Lockouts.IsLockedOut("ACC-001"))
	info, ok := f.deps.Lockouts.GetLockoutInfo("ACC-001")
	require.True(t, ok)
	assert.Equal(t, "2m0s", info.UnlockCondition)
	require.NotNil(t, info.ExpiresAt)
	assert.Equal(t, f.clk.Now().Add(2*time.Minute), *info.ExpiresAt)

	// Cooldown timers are named rule_account so rules can see their own.
	assert.True(t, f.wheel.HasTimer("trade_frequency_ACC-001"))

	f.clk.Advance(2*time.Minute + time.Second)
	f.wheel.Tick()
	assert.False(t, f.deps.Lockouts.IsLockedOut("ACC-001"))
}

func TestHardLockoutExpiresAtNextReset(t *testing.T) {
	f, e, _, _ := newEngineFixture(t)
	next := f.deps.Tracker.NextReset(f.clk.Now())
	e.Register(&stubRule{id: "daily_realized_loss", violation: &events.Violation{
		Rule:       "daily_realized_loss",
		AccountID:  "ACC-001",
		Action:     events.ActionFlatten,
		Lockout:    true,
		NextUnlock: &next,
		Message:    "daily loss limit reached",
	}})

	e.HandleEvent(f.quote("MNQ", "21000.00"))

	info, ok := f.deps.Lockouts.GetLockoutInfo("ACC-001")
	require.True(t, ok)
	assert.Equal(t, "until_reset", info.UnlockCondition)
	require.NotNil(t, info.ExpiresAt)
	assert.Equal(t, next, *info.ExpiresAt)
	assert.True(t, f.wheel.HasTimer("lockout_ACC-001"))
}

func TestLockoutGuardClosesPositionsOpenedWhileLocked(t *testing.T) {
	f, e, exec, _ := newEngineFixture(t)

	exp := f.clk.Now().Add(time.Hour)
	require.NoError(t, f.deps.Lockouts.SetLockout(model.Lockout{
		AccountID:       "ACC-001",
		RuleID:          "daily_realized_loss",
		Reason:          "daily loss limit hit",
		ExpiresAt:       &exp,
		UnlockCondition: "until_reset",
	}))

	e.HandleEvent(f.openPosition("CON.F.US.MNQ.Z25", "MNQ", 2, "21000.00"))

	require.Len(t, exec.batches, 1)
	require.Len(t, exec.batches[0], 1)
	v := exec.batches[0][0]
	assert.Equal(t, "lockout_guard", v.Rule)
	assert.Equal(t, events.ActionClosePosition, v.Action)
	assert.Equal(t, "CON.F.US.MNQ.Z25", v.ContractID)
	assert.Contains(t, v.Message, "daily loss limit hit")
}

func TestTimerTriggeredViolationGoesThroughEngine(t *testing.T) {
	f, _, exec, published := newEngineFixture(t)

	// Deps.Trigger is rewired by NewEngine; firing it mimics a timer-driven
	// breach like the stop-loss grace expiry.
	f.deps.Trigger(events.Violation{
		Rule:       "no_stop_loss_grace",
		AccountID:  "ACC-001",
		ContractID: "CON.F.US.MNQ.Z25",
		Action:     events.ActionClosePosition,
		Message:    "grace expired",
	})

	require.Len(t, *published, 1)
	assert.Equal(t, events.RuleViolated, (*published)[0].Type)
	require.Len(t, exec.batches, 1)
	assert.Equal(t, "no_stop_loss_grace", exec.batches[0][0].Rule)
}
