package rules

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// TradeFrequency (rule 006) bounds how many trades an account may make per
// rolling minute, hour, and session. Breaching a window starts a cooldown
// lockout sized for that window; when several windows are breached at once
// the shortest wins (minute over hour over session).
type TradeFrequency struct {
	cfg config.TradeFrequencyConfig
}

// NewTradeFrequency builds rule 006.
func NewTradeFrequency(cfg config.TradeFrequencyConfig) *TradeFrequency {
	return &TradeFrequency{cfg: cfg}
}

func (r *TradeFrequency) ID() string   { return "trade_frequency" }
func (r *TradeFrequency) Name() string { return "TradeFrequencyLimit" }

// cooldownFor parses the configured cooldown for a window, with a one-minute
// default. Config validation already rejected unparsable values.
func cooldownFor(raw string) time.Duration {
	if raw == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return time.Minute
	}
	return d
}

func (r *TradeFrequency) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if ev.Type != events.TradeExecuted || ev.Trade == nil {
		return nil
	}
	account := ev.AccountID

	// A breach already in cooldown must not restart its own timer on the
	// trades that slip in behind it.
	if d.Lockouts.IsLockedOut(account) {
		return nil
	}

	now := d.Now()

	type window struct {
		label    string
		span     time.Duration
		limit    int
		cooldown string
	}
	windows := []window{
		{"minute", time.Minute, r.cfg.PerMinute, r.cfg.Cooldowns.Minute},
		{"hour", time.Hour, r.cfg.PerHour, r.cfg.Cooldowns.Hour},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		trades, err := d.History.GetTradesInWindow(account, now, w.span)
		if err != nil {
			log.Error().Err(err).
				Str("account", account).
				Str("window", w.label).
				Msg("Trade count read failed, skipping frequency check")
			return nil
		}
		if len(trades) > w.limit {
			return r.violation(account, w.label, len(trades), w.limit, cooldownFor(w.cooldown))
		}
	}

	if r.cfg.PerSession > 0 {
		count, err := d.History.GetSessionTradeCount(account, d.Tracker.DayStart(now))
		if err != nil {
			log.Error().Err(err).
				Str("account", account).
				Msg("Session trade count read failed, skipping frequency check")
			return nil
		}
		if count > int64(r.cfg.PerSession) {
			return r.violation(account, "session", int(count), r.cfg.PerSession, cooldownFor(r.cfg.Cooldowns.Session))
		}
	}
	return nil
}

func (r *TradeFrequency) violation(account, window string, count, limit int, cooldown time.Duration) *events.Violation {
	return &events.Violation{
		Rule:      r.ID(),
		Name:      r.Name(),
		AccountID: account,
		Action:    events.ActionCooldown,
		Cooldown:  cooldown,
		Message: fmt.Sprintf("Trade frequency limit exceeded: %d trades this %s (limit: %d), cooling down %s",
			count, window, limit, cooldown),
	}
}
