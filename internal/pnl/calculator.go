package pnl

import (
	"sync"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

// Calculator marks open positions to market. It mirrors the live position
// map (fed by position events) and the last quote per symbol (fed by the
// price stream), and converts price distance into dollars through the
// per-symbol tick geometry:
//
//	pnl = (price − entry) / tick_size × tick_value × size
//
// with size signed, so shorts come out right without a side branch. Symbols
// missing from the geometry table are unpriceable: lookups return ok=false
// and the caller skips the rule for that symbol.
type Calculator struct {
	mu        sync.RWMutex
	positions map[string]model.Position  // contract id → position
	prices    map[string]decimal.Decimal // symbol root → last price
	specs     map[string]model.ContractSpec
}

// NewCalculator builds a calculator over the configured tick table.
func NewCalculator(specs map[string]model.ContractSpec) *Calculator {
	return &Calculator{
		positions: make(map[string]model.Position),
		prices:    make(map[string]decimal.Decimal),
		specs:     specs,
	}
}

// UpdatePosition records an opened or updated position.
func (c *Calculator) UpdatePosition(pos model.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos.Size == 0 {
		delete(c.positions, pos.ContractID)
		return
	}
	c.positions[pos.ContractID] = pos
}

// RemovePosition drops a closed position.
func (c *Calculator) RemovePosition(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, contractID)
}

// UpdateQuote records the latest price for a symbol root.
func (c *Calculator) UpdateQuote(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

// Position returns the tracked position for a contract.
func (c *Calculator) Position(contractID string) (model.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[contractID]
	return p, ok
}

// Positions returns a snapshot of the live position map.
func (c *Calculator) Positions() map[string]model.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.Position, len(c.positions))
	for k, v := range c.positions {
		out[k] = v
	}
	return out
}

// LastPrice returns the most recent quote for a symbol root.
func (c *Calculator) LastPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

// Spec returns the tick geometry for a symbol root.
func (c *Calculator) Spec(symbol string) (model.ContractSpec, bool) {
	sp, ok := c.specs[symbol]
	return sp, ok
}

// GetUnrealized marks the contract's position to the last quote. ok=false
// when the position, the quote, or the tick geometry is missing.
func (c *Calculator) GetUnrealized(contractID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	pos, havePos := c.positions[contractID]
	price, havePrice := c.prices[pos.SymbolRoot]
	c.mu.RUnlock()
	if !havePos || !havePrice {
		return decimal.Zero, false
	}
	return c.pnlAt(pos, price)
}

// CalculateRealizedPnL prices a close of the tracked position at exitPrice.
// ok=false when the position or tick geometry is unknown.
func (c *Calculator) CalculateRealizedPnL(contractID string, exitPrice decimal.Decimal) (decimal.Decimal, bool) {
	c.mu.RLock()
	pos, havePos := c.positions[contractID]
	c.mu.RUnlock()
	if !havePos {
		return decimal.Zero, false
	}
	return c.pnlAt(pos, exitPrice)
}

func (c *Calculator) pnlAt(pos model.Position, price decimal.Decimal) (decimal.Decimal, bool) {
	spec, ok := c.specs[pos.SymbolRoot]
	if !ok || spec.TickSize.IsZero() {
		return decimal.Zero, false
	}
	ticks := price.Sub(pos.AvgEntryPrice).Div(spec.TickSize)
	return ticks.Mul(spec.TickValue).Mul(decimal.NewFromInt(pos.Size)), true
}

// TotalAbsSize sums |size| across all live positions for an account.
func (c *Calculator) TotalAbsSize(account string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, p := range c.positions {
		if p.AccountID == account {
			total += p.AbsSize()
		}
	}
	return total
}
