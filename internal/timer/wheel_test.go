package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/clock"
)

func TestStartTimerFiresAfterDuration(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	fired := 0
	w.StartTimer("cooldown_ACC-001", 30*time.Second, func() { fired++ })

	clk.Advance(29 * time.Second)
	w.Tick()
	assert.Equal(t, 0, fired, "timer must not fire before its duration")
	assert.True(t, w.HasTimer("cooldown_ACC-001"))

	clk.Advance(1 * time.Second)
	w.Tick()
	assert.Equal(t, 1, fired)
	assert.False(t, w.HasTimer("cooldown_ACC-001"))
}

func TestStartTimerReplacesSameName(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	var got []string
	w.StartTimer("grace_MNQ", 10*time.Second, func() { got = append(got, "first") })
	w.StartTimer("grace_MNQ", 60*time.Second, func() { got = append(got, "second") })

	clk.Advance(15 * time.Second)
	w.Tick()
	assert.Empty(t, got, "replaced timer must not fire on the old schedule")

	clk.Advance(50 * time.Second)
	w.Tick()
	assert.Equal(t, []string{"second"}, got)
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	fired := false
	w.StartTimer("t1", time.Second, func() { fired = true })
	w.CancelTimer("t1")
	w.CancelTimer("t1")
	w.CancelTimer("never_existed")

	clk.Advance(2 * time.Second)
	w.Tick()
	assert.False(t, fired)
	assert.False(t, w.HasTimer("t1"))
}

func TestDueTimersFireInExpiryOrder(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	var order []string
	w.StartTimer("late", 3*time.Second, func() { order = append(order, "late") })
	w.StartTimer("early", 1*time.Second, func() { order = append(order, "early") })
	w.StartTimer("mid", 2*time.Second, func() { order = append(order, "mid") })

	clk.Advance(5 * time.Second)
	w.Tick()
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestGetRemainingTime(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	w.StartTimer("t", time.Minute, func() {})

	rem, ok := w.GetRemainingTime("t")
	require.True(t, ok)
	assert.Equal(t, time.Minute, rem)

	clk.Advance(40 * time.Second)
	rem, ok = w.GetRemainingTime("t")
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, rem)

	// Past-due but not yet ticked reports zero, never negative.
	clk.Advance(30 * time.Second)
	rem, ok = w.GetRemainingTime("t")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), rem)

	_, ok = w.GetRemainingTime("missing")
	assert.False(t, ok)
}

func TestTimerMeta(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	w.StartTimerMeta("no_stop_loss_grace_CON.F.US.MNQ.Z25", time.Minute, func() {},
		map[string]string{"account_id": "ACC-001", "contract_id": "CON.F.US.MNQ.Z25"})

	meta, ok := w.Meta("no_stop_loss_grace_CON.F.US.MNQ.Z25")
	require.True(t, ok)
	assert.Equal(t, "ACC-001", meta["account_id"])

	_, ok = w.Meta("missing")
	assert.False(t, ok)
}

func TestActiveTimersSorted(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	w.StartTimer("zulu", time.Minute, func() {})
	w.StartTimer("alpha", time.Minute, func() {})
	w.StartTimer("mike", time.Minute, func() {})

	assert.Equal(t, []string{"alpha", "mike", "zulu"}, w.ActiveTimers())
}

func TestCallbackPanicDoesNotKillWheel(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk)

	fired := false
	w.StartTimer("bad", time.Second, func() { panic("boom") })
	w.StartTimer("good", 2*time.Second, func() { fired = true })

	clk.Advance(3 * time.Second)
	assert.NotPanics(t, func() { w.Tick() })
	assert.True(t, fired)
}

func TestSubmitHookReceivesCallbacks(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))

	type queued struct {
		name string
		fn   func()
	}
	var q []queued
	w := NewWheel(clk, WithSubmit(func(name string, fn func()) {
		q = append(q, queued{name, fn})
	}))

	fired := false
	w.StartTimer("deferred", time.Second, func() { fired = true })

	clk.Advance(2 * time.Second)
	w.Tick()

	// The callback only runs when the submit hook decides to run it.
	require.Len(t, q, 1)
	assert.Equal(t, "deferred", q[0].name)
	assert.False(t, fired)
	q[0].fn()
	assert.True(t, fired)
}

func TestRunStopLifecycle(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	w := NewWheel(clk, WithTick(time.Millisecond))

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
