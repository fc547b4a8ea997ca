package rules

import (
	"fmt"
	"strings"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// MaxContractsPerInstrument (rule 002) caps the contracts held per symbol
// root. Symbols without an explicit limit follow the configured
// unknown-symbol policy: block, allow with a default limit, or allow
// unlimited.
type MaxContractsPerInstrument struct {
	cfg     config.PerInstrumentConfig
	limits  map[string]int64
	unknown config.UnknownPolicy
}

// NewMaxContractsPerInstrument builds rule 002.
func NewMaxContractsPerInstrument(cfg config.PerInstrumentConfig) *MaxContractsPerInstrument {
	limits := make(map[string]int64, len(cfg.Limits))
	for sym, lim := range cfg.Limits {
		limits[strings.ToUpper(sym)] = lim
	}
	return &MaxContractsPerInstrument{
		cfg:     cfg,
		limits:  limits,
		unknown: config.ParseUnknownPolicy(cfg.UnknownSymbolPolicy),
	}
}

func (r *MaxContractsPerInstrument) ID() string   { return "max_contracts_per_instrument" }
func (r *MaxContractsPerInstrument) Name() string { return "MaxContractsPerInstrument" }

func (r *MaxContractsPerInstrument) Evaluate(ev events.Event, d *Deps) *events.Violation {
	if !ev.IsPositionEvent() || ev.Type == events.PositionClosed {
		return nil
	}
	pos := ev.Position
	sym := strings.ToUpper(pos.SymbolRoot)
	size := pos.AbsSize()

	limit, known := r.limits[sym]
	if !known {
		switch r.unknown.Mode {
		case "unlimited":
			return nil
		case "limit":
			limit = r.unknown.Limit
		default: // block
			return &events.Violation{
				Rule:       r.ID(),
				Name:       r.Name(),
				AccountID:  ev.AccountID,
				Symbol:     pos.SymbolRoot,
				ContractID: pos.ContractID,
				Action:     events.ActionClosePosition,
				Message:    fmt.Sprintf("Position on unlisted instrument %s (policy: block)", pos.SymbolRoot),
			}
		}
	}

	if size <= limit {
		return nil
	}
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  ev.AccountID,
		Symbol:     pos.SymbolRoot,
		ContractID: pos.ContractID,
		Action:     events.ActionClosePosition,
		Message: fmt.Sprintf("Max contracts for %s exceeded: %d (limit: %d)",
			pos.SymbolRoot, size, limit),
	}
}
