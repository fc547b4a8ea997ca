// Package model holds the canonical data types shared across the risk
// engine: positions, orders, trades, lockouts and per-symbol contract
// specs. Raw broker payloads are converted into these types once, at the
// event-router boundary; nothing downstream touches SDK structures.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderMarket       OrderType = "MARKET"
	OrderLimit        OrderType = "LIMIT"
	OrderStop         OrderType = "STOP"
	OrderStopLimit    OrderType = "STOP_LIMIT"
	OrderTrailingStop OrderType = "TRAILING_STOP"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus tracks the broker-side order lifecycle.
// WORKING → FILLED | CANCELLED | REJECTED | EXPIRED; MODIFIED stays working.
type OrderStatus string

const (
	StatusWorking   OrderStatus = "WORKING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusModified  OrderStatus = "MODIFIED"
)

// Position is one open contract on an account. Size is signed: the sign is
// the side (positive long, negative short), the magnitude is contracts held.
// A position with Size == 0 must not appear in any live position map.
type Position struct {
	ContractID    string
	SymbolRoot    string
	AccountID     string
	Size          int64
	AvgEntryPrice decimal.Decimal
	OpenedAt      time.Time
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool { return p.Size > 0 }

// AbsSize returns the number of contracts regardless of side.
func (p Position) AbsSize() int64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Sign returns +1 for long positions and -1 for short ones.
func (p Position) Sign() int64 {
	if p.Size < 0 {
		return -1
	}
	return 1
}

// Order is one live broker order.
type Order struct {
	OrderID    string
	AccountID  string
	ContractID string
	SymbolRoot string
	Type       OrderType
	Side       OrderSide
	Size       int64
	StopPrice  *decimal.Decimal
	LimitPrice *decimal.Decimal
	Status     OrderStatus
	PlacedAt   time.Time
}

// IsStopType reports whether the order's type belongs to the stop family.
func (o Order) IsStopType() bool {
	switch o.Type {
	case OrderStop, OrderStopLimit, OrderTrailingStop:
		return true
	}
	return false
}

// IsStopLoss reports whether the order counts as a protective stop: a stop
// family type that actually carries a stop price. LIMIT orders never qualify,
// they are potential take-profits.
func (o Order) IsStopLoss() bool {
	return o.IsStopType() && o.StopPrice != nil
}

// Trade is one realized fill, persisted for frequency counting and audit.
// RealizedPnL is set only on fills that close (part of) a position.
type Trade struct {
	TradeID     string
	AccountID   string
	ContractID  string
	Symbol      string
	Side        OrderSide
	Quantity    int64
	Price       decimal.Decimal
	RealizedPnL *decimal.Decimal
	Timestamp   time.Time
}

// Lockout blocks an account from opening new positions. ExpiresAt == nil
// means a permanent lockout cleared only by operator action. For every
// account at most one lockout is active at a time.
type Lockout struct {
	AccountID       string
	RuleID          string
	Reason          string
	LockedAt        time.Time
	ExpiresAt       *time.Time
	UnlockCondition string
}

// Expired reports whether the lockout's expiry has passed at the given time.
// Permanent lockouts never expire.
func (l Lockout) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Quote is the latest traded/mark price for a symbol root.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// AccountInfo mirrors the gateway's account metadata.
type AccountInfo struct {
	ID       string
	Name     string
	Balance  decimal.Decimal
	CanTrade bool
}

// ContractSpec carries the per-symbol tick geometry used to convert price
// distance into dollars.
type ContractSpec struct {
	SymbolRoot string
	TickSize   decimal.Decimal
	TickValue  decimal.Decimal
}

// SymbolRootFromContract extracts the symbol root from a gateway contract id,
// e.g. "CON.F.US.MNQ.Z25" → "MNQ". Contract ids that don't follow the dotted
// gateway layout are returned unchanged so unknown symbols stay visible in
// logs and violations.
func SymbolRootFromContract(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 5 && parts[0] == "CON" {
		return parts[3]
	}
	if len(parts) == 1 {
		return contractID
	}
	// Fall back to the last alphabetic segment for the handful of legacy
	// id layouts the gateway still emits.
	best := contractID
	for _, p := range parts {
		if p != "" && isAlpha(p) {
			best = p
		}
	}
	return best
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || (r > 'Z' && r < 'a') || r > 'z' {
			return false
		}
	}
	return true
}
