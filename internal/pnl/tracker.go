// Package pnl tracks realized P&L per account and trading day, and marks
// open positions to market using per-symbol tick geometry.
package pnl

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/clock"
)

// Store is the persistence slice the tracker needs.
type Store interface {
	AddRealizedPnL(account, day string, delta decimal.Decimal) (decimal.Decimal, error)
	GetDailyPnL(account, day string) (decimal.Decimal, error)
	EnsureDay(account, day string) error
}

// Tracker accumulates realized P&L per (account, trading day). The trading
// day is keyed by the date of its opening reset boundary, so crossing the
// boundary naturally starts a fresh accumulator without any mutable reset
// step; replaying the same boundary twice cannot double-reset.
type Tracker struct {
	store Store
	clk   clock.Clock

	loc       *time.Location
	resetHour int
	resetMin  int

	mu    sync.Mutex
	cache map[string]dayTotal
}

type dayTotal struct {
	day   string
	total decimal.Decimal
}

// NewTracker builds a tracker with the reset boundary at the given wall time
// in loc.
func NewTracker(store Store, clk clock.Clock, loc *time.Location, resetHour, resetMin int) *Tracker {
	return &Tracker{
		store:     store,
		clk:       clk,
		loc:       loc,
		resetHour: resetHour,
		resetMin:  resetMin,
		cache:     make(map[string]dayTotal),
	}
}

// TradingDay returns the day key ("YYYY-MM-DD") for the instant t: the date
// of the most recent reset boundary in the reset timezone.
func (tr *Tracker) TradingDay(t time.Time) string {
	local := t.In(tr.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), tr.resetHour, tr.resetMin, 0, 0, tr.loc)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary.Format("2006-01-02")
}

// DayStart returns the instant the current trading day began.
func (tr *Tracker) DayStart(t time.Time) time.Time {
	local := t.In(tr.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), tr.resetHour, tr.resetMin, 0, 0, tr.loc)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// NextReset returns the next boundary after t, for scheduled unlocks.
func (tr *Tracker) NextReset(t time.Time) time.Time {
	local := t.In(tr.loc)
	boundary := time.Date(local.Year(), local.Month(), local.Day(), tr.resetHour, tr.resetMin, 0, 0, tr.loc)
	if !local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}

// AddTradePnL folds a realized delta into the current day and returns the
// new cumulative total. Opening (half-turn) fills carry no realized P&L and
// never reach here.
func (tr *Tracker) AddTradePnL(account string, delta decimal.Decimal) (decimal.Decimal, error) {
	day := tr.TradingDay(tr.clk.Now())

	total, err := tr.store.AddRealizedPnL(account, day, delta)
	if err != nil {
		return decimal.Zero, err
	}

	tr.mu.Lock()
	prev, had := tr.cache[account]
	tr.cache[account] = dayTotal{day: day, total: total}
	tr.mu.Unlock()

	if had && prev.day != day {
		log.Info().
			Str("account", account).
			Str("day", day).
			Msg("📅 Trading day rolled over")
	}
	return total, nil
}

// GetDailyPnL returns the cumulative realized total for the current trading
// day, zero when the account has not traded yet today.
func (tr *Tracker) GetDailyPnL(account string) (decimal.Decimal, error) {
	day := tr.TradingDay(tr.clk.Now())

	tr.mu.Lock()
	if c, ok := tr.cache[account]; ok && c.day == day {
		total := c.total
		tr.mu.Unlock()
		return total, nil
	}
	tr.mu.Unlock()

	total, err := tr.store.GetDailyPnL(account, day)
	if err != nil {
		return decimal.Zero, err
	}
	tr.mu.Lock()
	tr.cache[account] = dayTotal{day: day, total: total}
	tr.mu.Unlock()
	return total, nil
}

// ResetDaily forces a fresh day row for the account. The day keying already
// makes boundary crossings implicit; this exists for the scheduled reset
// event and operator commands, and is idempotent.
func (tr *Tracker) ResetDaily(account string) error {
	day := tr.TradingDay(tr.clk.Now())
	if err := tr.store.EnsureDay(account, day); err != nil {
		return err
	}
	tr.mu.Lock()
	c, ok := tr.cache[account]
	if !ok || c.day != day {
		tr.cache[account] = dayTotal{day: day, total: decimal.Zero}
	}
	tr.mu.Unlock()
	return nil
}
