// Package rules holds the rule engine and the thirteen risk rules it runs.
// Each rule is a small state machine with one job: look at an event, decide
// whether its policy is breached, and say what to do about it. Rules never
// touch the gateway; enforcement goes through the executor the engine holds.
package rules

import (
	"time"

	"riskguard/internal/clock"
	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/lockout"
	"riskguard/internal/model"
	"riskguard/internal/pnl"
	"riskguard/internal/timer"
)

// Rule is the minimal contract every risk rule satisfies. Evaluate returns
// nil when the event is of no concern; a non-nil Violation is either a breach
// or an automation directive. Evaluate must return promptly and must not
// block on the gateway.
type Rule interface {
	ID() string
	Name() string
	Evaluate(ev events.Event, d *Deps) *events.Violation
}

// TradeHistory is the slice of the store the frequency rule counts from.
type TradeHistory interface {
	GetTradesInWindow(account string, now time.Time, window time.Duration) ([]model.Trade, error)
	GetSessionTradeCount(account string, dayStart time.Time) (int64, error)
}

// ProtectiveView is the slice of the router's protective-order cache rules
// consult: which stop / take-profit orders rest against a contract.
type ProtectiveView interface {
	Protection(accountID, contractID string) (stopOrderID, tpOrderID string, ok bool)
}

// Deps is the engine view handed to every rule: the live position map and
// prices, the P&L accumulators, the lockout and timer subsystems, and the
// trade history. Rules hold no references of their own; everything arrives
// per evaluation.
type Deps struct {
	Calc       *pnl.Calculator
	Tracker    *pnl.Tracker
	Lockouts   *lockout.Manager
	Wheel      *timer.Wheel
	History    TradeHistory
	Protective ProtectiveView
	Clk        clock.Clock
	Cfg        *config.Config

	// Trigger feeds a violation produced outside an event dispatch (a
	// timer expiry) back into the engine's violation path. Set by the
	// engine; safe to call from timer callbacks because those already run
	// on the dispatch goroutine.
	Trigger func(v events.Violation)
}

// Now returns the engine clock's current time.
func (d *Deps) Now() time.Time { return d.Clk.Now() }
