package rules

import (
	"fmt"
	"path"
	"strings"

	"riskguard/internal/config"
	"riskguard/internal/events"
)

// SymbolBlocks (rule 011) rejects trading on blocklisted symbols. Patterns
// are case-insensitive shell globs: "ES" blocks one symbol, "M*" blocks
// every micro. A blocked order is cancelled; a blocked position is closed.
type SymbolBlocks struct {
	patterns []string
}

// NewSymbolBlocks builds rule 011.
func NewSymbolBlocks(cfg config.SymbolBlocksConfig) *SymbolBlocks {
	patterns := make([]string, 0, len(cfg.Blocked))
	for _, p := range cfg.Blocked {
		patterns = append(patterns, strings.ToUpper(p))
	}
	return &SymbolBlocks{patterns: patterns}
}

func (r *SymbolBlocks) ID() string   { return "symbol_blocks" }
func (r *SymbolBlocks) Name() string { return "SymbolBlocks" }

// matches reports whether the symbol hits any blocklist pattern.
func (r *SymbolBlocks) matches(symbol string) (string, bool) {
	upper := strings.ToUpper(symbol)
	for _, p := range r.patterns {
		if ok, err := path.Match(p, upper); err == nil && ok {
			return p, true
		}
	}
	return "", false
}

func (r *SymbolBlocks) Evaluate(ev events.Event, d *Deps) *events.Violation {
	switch ev.Type {
	case events.OrderPlaced:
		o := ev.Order
		pattern, hit := r.matches(o.SymbolRoot)
		if !hit {
			return nil
		}
		return &events.Violation{
			Rule:       r.ID(),
			Name:       r.Name(),
			AccountID:  ev.AccountID,
			Symbol:     o.SymbolRoot,
			ContractID: o.ContractID,
			OrderID:    o.OrderID,
			Action:     events.ActionCancelOrder,
			Message:    fmt.Sprintf("Order on blocked symbol %s (pattern: %s)", o.SymbolRoot, pattern),
		}
	case events.PositionOpened, events.PositionUpdated:
		p := ev.Position
		pattern, hit := r.matches(p.SymbolRoot)
		if !hit {
			return nil
		}
		return &events.Violation{
			Rule:       r.ID(),
			Name:       r.Name(),
			AccountID:  ev.AccountID,
			Symbol:     p.SymbolRoot,
			ContractID: p.ContractID,
			Action:     events.ActionClosePosition,
			Message:    fmt.Sprintf("Position on blocked symbol %s (pattern: %s)", p.SymbolRoot, pattern),
		}
	}
	return nil
}
