package rules

import (
	"fmt"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// SessionBlock (rule 009) forbids holding positions outside the configured
// session window. A breach flattens the account and locks it until the next
// session start, rolling over weekends and holidays when those are blocked.
// All arithmetic runs in the session timezone, so DST transitions come out
// right.
type SessionBlock struct {
	cfg      config.SessionBlockConfig
	loc      *time.Location
	holidays map[string]bool

	startHour, startMin int
	endHour, endMin     int
}

// NewSessionBlock builds rule 009 from the rule block plus the session-hours
// schedule in timers_config.yaml.
func NewSessionBlock(cfg config.SessionBlockConfig, hours config.SessionHoursConfig, loc *time.Location, holidays map[string]bool) *SessionBlock {
	r := &SessionBlock{cfg: cfg, loc: loc, holidays: holidays}
	r.startHour, r.startMin = mustWall(hours.Start, 9, 30)
	r.endHour, r.endMin = mustWall(hours.End, 16, 0)
	return r
}

func mustWall(s string, defH, defM int) (int, int) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return defH, defM
	}
	return t.Hour(), t.Minute()
}

func (r *SessionBlock) ID() string   { return "session_block_outside" }
func (r *SessionBlock) Name() string { return "SessionBlockOutside" }

func (r *SessionBlock) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if ev.Type != events.PositionOpened && ev.Type != events.PositionUpdated {
		return nil
	}

	now := d.Now().In(r.loc)
	outside, why := r.outside(now)
	if !outside {
		return nil
	}

	next := r.NextSessionStart(now)
	pos := ev.Position
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  ev.AccountID,
		Symbol:     pos.SymbolRoot,
		ContractID: pos.ContractID,
		Action:     events.ActionFlatten,
		Lockout:    true,
		NextUnlock: &next,
		Message:    why,
	}
}

// outside reports whether t falls outside the trading window, with a
// human-readable reason.
func (r *SessionBlock) outside(t time.Time) (bool, string) {
	day := t.Format("2006-01-02")
	hhmm := t.Format("15:04")
	tz := r.loc.String()

	if r.cfg.BlockWeekends && isWeekend(t) {
		return true, fmt.Sprintf("Trading outside session hours: %s is a %s", day, t.Weekday())
	}
	if r.cfg.RespectHolidays && r.holidays[day] {
		return true, fmt.Sprintf("Trading outside session hours: %s is a holiday", day)
	}

	minutes := t.Hour()*60 + t.Minute()
	start := r.startHour*60 + r.startMin
	end := r.endHour*60 + r.endMin
	switch {
	case minutes < start:
		return true, fmt.Sprintf("Trading outside session hours: %s %s is before session start (%02d:%02d)",
			hhmm, tz, r.startHour, r.startMin)
	case minutes >= end: // end is exclusive
		return true, fmt.Sprintf("Trading outside session hours: %s %s is at or after session end (%02d:%02d)",
			hhmm, tz, r.endHour, r.endMin)
	}
	return false, ""
}

// NextSessionStart finds the next session-start instant after t, skipping
// weekends and holidays when those are blocked.
func (r *SessionBlock) NextSessionStart(t time.Time) time.Time {
	local := t.In(r.loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), r.startHour, r.startMin, 0, 0, r.loc)
	if !local.Before(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for r.skipDay(candidate) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (r *SessionBlock) skipDay(t time.Time) bool {
	if r.cfg.BlockWeekends && isWeekend(t) {
		return true
	}
	if r.cfg.RespectHolidays && r.holidays[t.Format("2006-01-02")] {
		return true
	}
	return false
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
