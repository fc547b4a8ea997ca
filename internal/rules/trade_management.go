package rules

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// TradeManagement (rule 012) is automation, not enforcement: it brackets new
// positions with a stop and a take-profit at configured tick distances from
// entry, and trails the stop behind the best price seen. The trailing stop
// only ever tightens; an adjustment is emitted only when the new stop is
// strictly more favorable than the old one.
type TradeManagement struct {
	cfg config.TradeManagementConfig

	mu    sync.Mutex
	state map[string]*tmState // contract id → bracket state
}

type tmState struct {
	entry    decimal.Decimal
	extreme  decimal.Decimal
	lastStop decimal.Decimal
	hasStop  bool
	sign     int64
	size     int64
	symbol   string
}

// NewTradeManagement builds rule 012.
func NewTradeManagement(cfg config.TradeManagementConfig) *TradeManagement {
	return &TradeManagement{
		cfg:   cfg,
		state: make(map[string]*tmState),
	}
}

func (r *TradeManagement) ID() string   { return "trade_management" }
func (r *TradeManagement) Name() string { return "TradeManagement" }

func (r *TradeManagement) Evaluate(ev events.Event, d *Deps) *events.Violation {
	switch ev.Type {
	case events.PositionOpened:
		return r.onOpen(ev, d)
	case events.PositionUpdated, events.PnLUpdated:
		return r.onMove(ev, d)
	case events.PositionClosed:
		if ev.Position != nil {
			r.mu.Lock()
			delete(r.state, ev.Position.ContractID)
			r.mu.Unlock()
		}
	}
	return nil
}

// onOpen computes the bracket for a fresh position and emits the placement
// directive for whatever legs are enabled and not already resting.
func (r *TradeManagement) onOpen(ev events.Event, d *Deps) *events.Violation {
	pos := *ev.Position
	spec, ok := d.Calc.Spec(pos.SymbolRoot)
	if !ok {
		return nil
	}
	sign := decimal.NewFromInt(pos.Sign())

	var stop, target *decimal.Decimal
	if r.cfg.AutoStopLoss.Enabled {
		p := pos.AvgEntryPrice.Sub(sign.Mul(decimal.NewFromInt(r.cfg.AutoStopLoss.Distance)).Mul(spec.TickSize))
		stop = &p
	}
	if r.cfg.AutoTakeProfit.Enabled {
		p := pos.AvgEntryPrice.Add(sign.Mul(decimal.NewFromInt(r.cfg.AutoTakeProfit.Distance)).Mul(spec.TickSize))
		target = &p
	}

	// Legs already resting (a manually placed bracket) are left alone.
	if d.Protective != nil {
		if stopID, tpID, ok := d.Protective.Protection(pos.AccountID, pos.ContractID); ok {
			if stopID != "" {
				stop = nil
			}
			if tpID != "" {
				target = nil
			}
		}
	}
	if stop == nil && target == nil {
		return nil
	}

	st := &tmState{
		entry:   pos.AvgEntryPrice,
		extreme: pos.AvgEntryPrice,
		sign:    pos.Sign(),
		size:    pos.AbsSize(),
		symbol:  pos.SymbolRoot,
	}
	if stop != nil {
		st.lastStop = *stop
		st.hasStop = true
	}
	r.mu.Lock()
	r.state[pos.ContractID] = st
	r.mu.Unlock()

	action := events.ActionPlaceBracketOrder
	switch {
	case target == nil:
		action = events.ActionPlaceStopLoss
	case stop == nil:
		action = events.ActionPlaceTakeProfit
	}
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  pos.AccountID,
		Symbol:     pos.SymbolRoot,
		ContractID: pos.ContractID,
		Action:     action,
		Message:    fmt.Sprintf("Protecting %s position: %s", pos.SymbolRoot, describeBracket(stop, target)),
		Automation: &events.AutomationParams{
			ContractID:      pos.ContractID,
			Symbol:          pos.SymbolRoot,
			Side:            sideName(pos),
			Size:            pos.AbsSize(),
			StopPrice:       stop,
			TakeProfitPrice: target,
		},
	}
}

// onMove trails the stop behind the most favorable price seen since entry.
func (r *TradeManagement) onMove(ev events.Event, d *Deps) *events.Violation {
	if !r.cfg.Trailing.Enabled {
		return nil
	}

	var contractID, accountID string
	switch {
	case ev.Position != nil:
		contractID, accountID = ev.Position.ContractID, ev.Position.AccountID
	case ev.Quote != nil:
		contractID, accountID = r.contractFor(ev.Quote.Symbol), ev.AccountID
	}
	if contractID == "" {
		return nil
	}

	r.mu.Lock()
	st, tracked := r.state[contractID]
	r.mu.Unlock()
	if !tracked || !st.hasStop {
		return nil
	}
	pos, havePos := d.Calc.Position(contractID)
	if !havePos {
		return nil
	}
	if accountID == "" {
		accountID = pos.AccountID
	}
	price, havePrice := d.Calc.LastPrice(st.symbol)
	spec, haveSpec := d.Calc.Spec(st.symbol)
	if !havePrice || !haveSpec {
		return nil
	}

	sign := decimal.NewFromInt(st.sign)
	// Favorable means further from entry in the position's direction.
	if price.Sub(st.extreme).Mul(sign).LessThanOrEqual(decimal.Zero) {
		return nil
	}
	st.extreme = price

	newStop := st.extreme.Sub(sign.Mul(decimal.NewFromInt(r.cfg.Trailing.TrailTicks)).Mul(spec.TickSize))
	// Strictly more favorable only: a long's stop moves up, a short's down.
	if newStop.Sub(st.lastStop).Mul(sign).LessThanOrEqual(decimal.Zero) {
		return nil
	}
	st.lastStop = newStop

	var stopOrderID string
	if d.Protective != nil {
		if id, _, ok := d.Protective.Protection(accountID, contractID); ok {
			stopOrderID = id
		}
	}
	stop := newStop
	return &events.Violation{
		Rule:       r.ID(),
		Name:       r.Name(),
		AccountID:  accountID,
		Symbol:     st.symbol,
		ContractID: contractID,
		Action:     events.ActionAdjustTrailingStop,
		Message:    fmt.Sprintf("Trailing %s stop to %s", st.symbol, newStop.String()),
		Automation: &events.AutomationParams{
			ContractID: contractID,
			Symbol:     st.symbol,
			Side:       sideNameSign(st.sign),
			Size:       st.size,
			StopPrice:  &stop,
			OrderID:    stopOrderID,
		},
	}
}

// contractFor finds the tracked contract trading a symbol, if any.
func (r *TradeManagement) contractFor(symbol string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.state {
		if st.symbol == symbol {
			return id
		}
	}
	return ""
}

func sideName(p model.Position) string {
	return sideNameSign(p.Sign())
}

func sideNameSign(sign int64) string {
	if sign < 0 {
		return "short"
	}
	return "long"
}

func describeBracket(stop, target *decimal.Decimal) string {
	switch {
	case stop != nil && target != nil:
		return fmt.Sprintf("stop %s, target %s", stop.String(), target.String())
	case stop != nil:
		return fmt.Sprintf("stop %s", stop.String())
	default:
		return fmt.Sprintf("target %s", target.String())
	}
}
