package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// CooldownAfterLoss (rule 007) starts a cooldown scaled to how bad a single
// losing trade was: tiers pair a loss threshold with a duration, and the
// most-negative threshold the loss still reaches wins. Optionally flattens
// whatever is still open. Further losses during an active cooldown neither
// restart nor extend it.
type CooldownAfterLoss struct {
	tiers   []lossTier
	flatten bool
}

type lossTier struct {
	threshold decimal.Decimal
	duration  time.Duration
}

// NewCooldownAfterLoss builds rule 007. Tier durations were validated at
// config load.
func NewCooldownAfterLoss(cfg config.CooldownAfterLossConfig) *CooldownAfterLoss {
	tiers := make([]lossTier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		d, err := time.ParseDuration(t.Duration)
		if err != nil {
			continue
		}
		tiers = append(tiers, lossTier{
			threshold: decimal.NewFromFloat(t.LossAmount),
			duration:  d,
		})
	}
	// Most-negative first, so the first tier the loss reaches is the
	// deepest one it satisfies.
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].threshold.LessThan(tiers[j].threshold) })
	return &CooldownAfterLoss{tiers: tiers, flatten: cfg.Flatten}
}

func (r *CooldownAfterLoss) ID() string   { return "cooldown_after_loss" }
func (r *CooldownAfterLoss) Name() string { return "CooldownAfterLoss" }

func (r *CooldownAfterLoss) Evaluate(ev events.Event, d *Deps) *events.Violation {
	var realized *decimal.Decimal
	switch {
	case ev.Type == events.TradeExecuted && ev.Trade != nil:
		realized = ev.Trade.RealizedPnL
	case ev.Type == events.PositionClosed:
		realized = ev.RealizedPnL
	}
	if realized == nil {
		return nil
	}

	if d.Lockouts.IsLockedOut(ev.AccountID) || d.Wheel.HasTimer(r.ID()+"_"+ev.AccountID) {
		return nil
	}

	tier, ok := r.selectTier(*realized)
	if !ok {
		return nil
	}

	action := events.ActionCooldown
	if r.flatten {
		action = events.ActionFlatten
	}
	return &events.Violation{
		Rule:      r.ID(),
		Name:      r.Name(),
		AccountID: ev.AccountID,
		Symbol:    ev.Symbol(),
		Action:    action,
		Cooldown:  tier.duration,
		Message: fmt.Sprintf("Losing trade of $%s, cooling down %s (tier: $%s)",
			realized.StringFixed(2), tier.duration, tier.threshold.StringFixed(2)),
	}
}

// selectTier finds the deepest tier the loss still reaches: for tiers at
// -100/-200/-400 a -250 loss lands on -200.
func (r *CooldownAfterLoss) selectTier(loss decimal.Decimal) (lossTier, bool) {
	for _, t := range r.tiers {
		if loss.LessThanOrEqual(t.threshold) {
			return t, true
		}
	}
	return lossTier{}, false
}
