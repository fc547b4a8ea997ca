package rules

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// Rules 004 and 005 watch per-position unrealized P&L: 004 closes a position
// bleeding past the loss limit, 005 banks one that hit the profit target.
// Both are trade-by-trade; no lockout.

// markCandidates returns the positions whose mark-to-market the event may
// have moved: the event's own position, or on a quote tick every position in
// that symbol.
func markCandidates(ev events.Event, d *Deps) []model.Position {
	switch ev.Type {
	case events.PositionOpened, events.PositionUpdated:
		if ev.Position != nil {
			return []model.Position{*ev.Position}
		}
	case events.PnLUpdated:
		if ev.Quote == nil {
			return nil
		}
		var out []model.Position
		for _, p := range d.Calc.Positions() {
			if p.SymbolRoot == ev.Quote.Symbol {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// unrealizedFor marks one position, skipping symbols without tick geometry
// or a quote. Unknown symbols cannot be enforced on; that is logged, not
// guessed at.
func unrealizedFor(p model.Position, d *Deps) (decimal.Decimal, bool) {
	u, ok := d.Calc.GetUnrealized(p.ContractID)
	if !ok {
		if _, known := d.Calc.Spec(p.SymbolRoot); !known {
			log.Warn().
				Str("symbol", p.SymbolRoot).
				Str("contract", p.ContractID).
				Msg("⚠️ No tick geometry for symbol, skipping unrealized P&L rule")
		}
		return decimal.Zero, false
	}
	return u, true
}

// DailyUnrealizedLoss (rule 004) is the per-position stop: any open position
// whose unrealized P&L falls to the loss limit is closed.
type DailyUnrealizedLoss struct {
	limit decimal.Decimal
}

// NewDailyUnrealizedLoss builds rule 004. LossLimit is negative dollars.
func NewDailyUnrealizedLoss(cfg config.UnrealizedLossConfig) *DailyUnrealizedLoss {
	return &DailyUnrealizedLoss{limit: decimal.NewFromFloat(cfg.LossLimit)}
}

func (r *DailyUnrealizedLoss) ID() string   { return "daily_unrealized_loss" }
func (r *DailyUnrealizedLoss) Name() string { return "DailyUnrealizedLoss" }

func (r *DailyUnrealizedLoss) Evaluate(ev events.Event, d *Deps) *events.Violation {
	for _, p := range markCandidates(ev, d) {
		u, ok := unrealizedFor(p, d)
		if !ok || u.GreaterThan(r.limit) {
			continue
		}
		return &events.Violation{
			Rule:       r.ID(),
			Name:       r.Name(),
			AccountID:  p.AccountID,
			Symbol:     p.SymbolRoot,
			ContractID: p.ContractID,
			Action:     events.ActionClosePosition,
			Message: fmt.Sprintf("Unrealized loss limit hit on %s: $%s (limit: $%s)",
				p.SymbolRoot, u.StringFixed(2), r.limit.StringFixed(2)),
		}
	}
	return nil
}

// MaxUnrealizedProfit (rule 005) is the per-position take-profit: any open
// position whose unrealized P&L reaches the target is closed.
type MaxUnrealizedProfit struct {
	target decimal.Decimal
}

// NewMaxUnrealizedProfit builds rule 005. Target is positive dollars.
func NewMaxUnrealizedProfit(cfg config.UnrealizedProfitConfig) *MaxUnrealizedProfit {
	return &MaxUnrealizedProfit{target: decimal.NewFromFloat(cfg.Target)}
}

func (r *MaxUnrealizedProfit) ID() string   { return "max_unrealized_profit" }
func (r *MaxUnrealizedProfit) Name() string { return "MaxUnrealizedProfit" }

func (r *MaxUnrealizedProfit) Evaluate(ev events.Event, d *Deps) *events.Violation {
	for _, p := range markCandidates(ev, d) {
		u, ok := unrealizedFor(p, d)
		if !ok || u.LessThan(r.target) {
			continue
		}
		return &events.Violation{
			Rule:       r.ID(),
			Name:       r.Name(),
			AccountID:  p.AccountID,
			Symbol:     p.SymbolRoot,
			ContractID: p.ContractID,
			Action:     events.ActionClosePosition,
			Message: fmt.Sprintf("Unrealized profit target hit on %s: $%s (target: $%s)",
				p.SymbolRoot, u.StringFixed(2), r.target.StringFixed(2)),
		}
	}
	return nil
}
