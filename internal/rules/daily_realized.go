package rules

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// Rules 003 and 013 bound the two sides of the same scalar: cumulative
// realized P&L for the trading day. Both are hard lockouts until the next
// daily reset, so they can never fire on the same day.

// realizedTrigger reports whether the event carries a realized P&L delta
// worth re-checking the daily total for.
func realizedTrigger(ev events.Event) bool {
	switch ev.Type {
	case events.TradeExecuted:
		return ev.Trade != nil && ev.Trade.RealizedPnL != nil
	case events.PositionClosed:
		return ev.RealizedPnL != nil
	}
	return false
}

// storeDownViolation is the fail-closed path for a daily-total read that
// errored even after the store's own retry. With the realized total unknown
// every limit on it is unverifiable, so the account is flattened; the
// violation repeats on every realized fill until the store answers again.
func storeDownViolation(rule, name, account string, err error) *events.Violation {
	log.Error().Err(err).
		Str("account", account).
		Str("rule", rule).
		Msg("🚨 Daily P&L unreadable, flattening as the safe default")
	return &events.Violation{
		Rule:      rule,
		Name:      name,
		AccountID: account,
		Action:    events.ActionFlatten,
		Message:   fmt.Sprintf("Daily P&L unreadable (%v), flattening as the safe default", err),
	}
}

// DailyRealizedLoss (rule 003) locks the account until the next daily reset
// once cumulative realized P&L falls to the limit.
type DailyRealizedLoss struct {
	limit decimal.Decimal
}

// NewDailyRealizedLoss builds rule 003. Limit is negative dollars.
func NewDailyRealizedLoss(cfg config.DailyLossConfig) *DailyRealizedLoss {
	return &DailyRealizedLoss{limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *DailyRealizedLoss) ID() string   { return "daily_realized_loss" }
func (r *DailyRealizedLoss) Name() string { return "DailyRealizedLoss" }

func (r *DailyRealizedLoss) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if !realizedTrigger(ev) {
		return nil
	}
	total, err := d.Tracker.GetDailyPnL(ev.AccountID)
	if err != nil {
		return storeDownViolation(r.ID(), r.Name(), ev.AccountID, err)
	}
	if total.GreaterThan(r.limit) {
		return nil
	}
	next := d.Tracker.NextReset(d.Now())
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  ev.AccountID,
		Action:     events.ActionFlatten,
		Lockout:    true,
		NextUnlock: &next,
		Message: fmt.Sprintf("Daily loss limit reached: $%s (limit: $%s)",
			total.StringFixed(2), r.limit.StringFixed(2)),
	}
}

// DailyRealizedProfit (rule 013) locks the account until the next daily
// reset once cumulative realized P&L reaches the target. Same mechanics as
// rule 003, opposite sign, friendlier message.
type DailyRealizedProfit struct {
	target decimal.Decimal
}

// NewDailyRealizedProfit builds rule 013. Target is positive dollars.
func NewDailyRealizedProfit(cfg config.DailyProfitConfig) *DailyRealizedProfit {
	return &DailyRealizedProfit{target: decimal.NewFromFloat(cfg.Target)}
}

func (r *DailyRealizedProfit) ID() string   { return "daily_realized_profit" }
func (r *DailyRealizedProfit) Name() string { return "DailyRealizedProfit" }

func (r *DailyRealizedProfit) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if !realizedTrigger(ev) {
		return nil
	}
	total, err := d.Tracker.GetDailyPnL(ev.AccountID)
	if err != nil {
		return storeDownViolation(r.ID(), r.Name(), ev.AccountID, err)
	}
	if total.LessThan(r.target) {
		return nil
	}
	next := d.Tracker.NextReset(d.Now())
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  ev.AccountID,
		Action:     events.ActionFlatten,
		Lockout:    true,
		NextUnlock: &next,
		Message: fmt.Sprintf("Daily profit target reached: $%s (target: $%s) — Good job!",
			total.StringFixed(2), r.target.StringFixed(2)),
	}
}
