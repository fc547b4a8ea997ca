// Package events defines the canonical internal events the engine runs on,
// the violation/action payloads rules emit, and the in-process bus plus the
// single-goroutine dispatcher that serializes rule evaluation with timer
// callbacks.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/model"
)

// Type tags an Event with its kind.
type Type string

const (
	// Gateway order lifecycle.
	OrderPlaced      Type = "ORDER_PLACED"
	OrderFilled      Type = "ORDER_FILLED"
	OrderPartialFill Type = "ORDER_PARTIAL_FILL"
	OrderCancelled   Type = "ORDER_CANCELLED"
	OrderRejected    Type = "ORDER_REJECTED"
	OrderModified    Type = "ORDER_MODIFIED"
	OrderExpired     Type = "ORDER_EXPIRED"

	// Gateway position lifecycle.
	PositionOpened  Type = "POSITION_OPENED"
	PositionUpdated Type = "POSITION_UPDATED"
	PositionClosed  Type = "POSITION_CLOSED"

	// Derived by the router.
	TradeExecuted Type = "TRADE_EXECUTED"
	PnLUpdated    Type = "PNL_UPDATED"

	// Gateway connection state.
	SDKConnected    Type = "SDK_CONNECTED"
	SDKDisconnected Type = "SDK_DISCONNECTED"
	AuthFailed      Type = "AUTH_FAILED"

	// Engine output.
	RuleViolated      Type = "RULE_VIOLATED"
	EnforcementAction Type = "ENFORCEMENT_ACTION"
	LockoutSet        Type = "LOCKOUT_SET"
	LockoutCleared    Type = "LOCKOUT_CLEARED"
	DailyReset        Type = "DAILY_RESET"
)

// CloseKind classifies how a position got closed, derived from the order
// correlator. Unknown closes default to manual.
type CloseKind string

const (
	CloseStopLoss   CloseKind = "stop_loss"
	CloseTakeProfit CloseKind = "take_profit"
	CloseManual     CloseKind = "manual"
)

// Event is the canonical internal event. Exactly one payload pointer is set
// per kind; Type says which. Keeping a single struct (instead of one type per
// kind) lets the dispatcher, dedup layer and rules share one channel without
// type assertions on every hop.
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string
	AccountID string

	Position *model.Position
	Order    *model.Order
	Trade    *model.Trade
	Quote    *model.Quote

	// Set on PositionClosed after correlation against the recent-fill cache.
	ExitPrice   *decimal.Decimal
	RealizedPnL *decimal.Decimal
	CloseKind   CloseKind

	// Set on RuleViolated / EnforcementAction.
	Violation *Violation
	Result    *ActionResult

	// Detail for connection events.
	Detail string
}

// EntityID returns the identifier of the entity the event concerns; paired
// with Type it forms the dedup key.
func (e *Event) EntityID() string {
	switch {
	case e.Order != nil:
		return e.Order.OrderID
	case e.Position != nil:
		return e.Position.ContractID
	case e.Trade != nil:
		return e.Trade.TradeID
	case e.Quote != nil:
		return e.Quote.Symbol
	}
	return e.AccountID
}

// Symbol returns the symbol root the event concerns, if any.
func (e *Event) Symbol() string {
	switch {
	case e.Position != nil:
		return e.Position.SymbolRoot
	case e.Order != nil:
		return e.Order.SymbolRoot
	case e.Trade != nil:
		return e.Trade.Symbol
	case e.Quote != nil:
		return e.Quote.Symbol
	}
	return ""
}

// ContractID returns the contract id the event concerns, if any.
func (e *Event) ContractID() string {
	switch {
	case e.Position != nil:
		return e.Position.ContractID
	case e.Order != nil:
		return e.Order.ContractID
	case e.Trade != nil:
		return e.Trade.ContractID
	}
	return ""
}

// IsPositionEvent reports whether the event is part of the position lifecycle.
func (e *Event) IsPositionEvent() bool {
	switch e.Type {
	case PositionOpened, PositionUpdated, PositionClosed:
		return true
	}
	return false
}

// IsOrderEvent reports whether the event is part of the order lifecycle.
func (e *Event) IsOrderEvent() bool {
	switch e.Type {
	case OrderPlaced, OrderFilled, OrderPartialFill, OrderCancelled,
		OrderRejected, OrderModified, OrderExpired:
		return true
	}
	return false
}

// NewPositionEvent builds one of the POSITION_* events.
func NewPositionEvent(t Type, source string, pos model.Position, at time.Time) Event {
	return Event{
		Type:      t,
		Timestamp: at,
		Source:    source,
		AccountID: pos.AccountID,
		Position:  &pos,
	}
}

// NewOrderEvent builds one of the ORDER_* events.
func NewOrderEvent(t Type, source string, ord model.Order, at time.Time) Event {
	return Event{
		Type:      t,
		Timestamp: at,
		Source:    source,
		AccountID: ord.AccountID,
		Order:     &ord,
	}
}

// NewTradeEvent builds a TRADE_EXECUTED event.
func NewTradeEvent(source string, tr model.Trade, at time.Time) Event {
	return Event{
		Type:      TradeExecuted,
		Timestamp: at,
		Source:    source,
		AccountID: tr.AccountID,
		Trade:     &tr,
	}
}

// NewQuoteEvent builds a PNL_UPDATED event from a price tick.
func NewQuoteEvent(source string, q model.Quote, at time.Time) Event {
	return Event{
		Type:      PnLUpdated,
		Timestamp: at,
		Source:    source,
		Quote:     &q,
	}
}

// NewConnectionEvent builds one of the SDK connection-state events.
func NewConnectionEvent(t Type, source, account, detail string, at time.Time) Event {
	return Event{
		Type:      t,
		Timestamp: at,
		Source:    source,
		AccountID: account,
		Detail:    detail,
	}
}
