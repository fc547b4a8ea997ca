package rules

import (
	"fmt"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// MaxContracts (rule 001) caps the total contracts held across every open
// position on the account. Trade-by-trade: the offending position is closed,
// no lockout.
type MaxContracts struct {
	cfg config.MaxContractsConfig
}

// NewMaxContracts builds rule 001.
func NewMaxContracts(cfg config.MaxContractsConfig) *MaxContracts {
	return &MaxContracts{cfg: cfg}
}

func (r *MaxContracts) ID() string   { return "max_contracts" }
func (r *MaxContracts) Name() string { return "MaxContracts" }

func (r *MaxContracts) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if ev.Type != events.PositionOpened && ev.Type != events.PositionUpdated {
		return nil
	}
	if r.cfg.PerInstrument {
		// Routed to the per-instrument rule instead.
		return nil
	}

	total := d.Calc.TotalAbsSize(ev.AccountID)
	if total <= r.cfg.Limit {
		return nil
	}

	pos := ev.Position
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  ev.AccountID,
		Symbol:     pos.SymbolRoot,
		ContractID: pos.ContractID,
		Action:     events.ActionClosePosition,
		Message: fmt.Sprintf("Max contracts exceeded: %d total across positions (limit: %d)",
			total, r.cfg.Limit),
	}
}
