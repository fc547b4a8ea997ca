package rules

import (
	"fmt"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// NoStopLossGrace (rule 008) gives every new position a grace period to get
// a protective stop. A timer starts on open; placing a stop-family order
// with a stop price cancels it, as does closing the position. If the grace
// runs out unprotected, the position is closed. LIMIT orders never satisfy
// the grace: they are potential take-profits, not stops.
type NoStopLossGrace struct {
	grace time.Duration
}

// NewNoStopLossGrace builds rule 008. The grace was validated at config
// load.
func NewNoStopLossGrace(cfg config.NoStopLossGraceConfig) *NoStopLossGrace {
	d, err := time.ParseDuration(cfg.Grace)
	if err != nil || d <= 0 {
		d = time.Minute
	}
	return &NoStopLossGrace{grace: d}
}

func (r *NoStopLossGrace) ID() string   { return "no_stop_loss_grace" }
func (r *NoStopLossGrace) Name() string { return "NoStopLossGrace" }

func (r *NoStopLossGrace) timerName(contractID string) string {
	return r.ID() + "_" + contractID
}

// Evaluate never returns a violation directly; breaches fire from the grace
// timer through d.Trigger.
func (r *NoStopLossGrace) Evaluate(ev events.Event, d *Deps) *events.Violation {
	switch ev.Type {
	case events.PositionOpened:
		r.armGrace(ev, d)
	case events.OrderPlaced:
		if ev.Order != nil && ev.Order.IsStopLoss() {
			d.Wheel.CancelTimer(r.timerName(ev.Order.ContractID))
		}
	case events.PositionClosed:
		if ev.Position != nil {
			d.Wheel.CancelTimer(r.timerName(ev.Position.ContractID))
		}
	}
	return nil
}

func (r *NoStopLossGrace) armGrace(ev events.Event, d *Deps) {
	pos := *ev.Position

	// A stop may already rest from a bracket placed with the entry.
	if d.Protective != nil {
		if stopID, _, ok := d.Protective.Protection(pos.AccountID, pos.ContractID); ok && stopID != "" {
			return
		}
	}

	trigger := d.Trigger
	grace := r.grace
	d.Wheel.StartTimerMeta(r.timerName(pos.ContractID), grace, func() {
		trigger(events.Violation{
			Rule:       r.ID(),
			Name:       r.Name(),
			AccountID:  pos.AccountID,
			Symbol:     pos.SymbolRoot,
			ContractID: pos.ContractID,
			Action:     events.ActionClosePosition,
			Message: fmt.Sprintf("No stop-loss placed on %s within %s grace, closing position",
				pos.SymbolRoot, grace),
		})
	}, map[string]string{"rule": r.ID(), "contract": pos.ContractID})
}
