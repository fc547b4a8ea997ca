// Package broker talks to the futures gateway: a REST client for account,
// position and order calls, a websocket stream for live events, a circuit
// breaker wrapper for flaky connectivity, and an in-memory simulator for
// dry runs.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"riskguard/internal/events"
	"riskguard/internal/model"
)

// Gateway is the order/position/account API surface the engine consumes.
// Every call carries a context; the executor applies its own deadlines.
type Gateway interface {
	// Account operations
	AccountInfo(ctx context.Context, accountID string) (model.AccountInfo, error)

	// Position operations
	GetAllPositions(ctx context.Context, accountID string) ([]model.Position, error)
	ClosePosition(ctx context.Context, accountID, contractID string) error
	CloseAllPositions(ctx context.Context, accountID string) error

	// Order operations
	PlaceLimitOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, limit decimal.Decimal) (string, error)
	PlaceStopOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop decimal.Decimal) (string, error)
	PlaceBracketOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop, target decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	GetOpenOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// Market data
	LastPrice(ctx context.Context, contractID string) (decimal.Decimal, error)
}

// Stream is the live event feed. Events arrive already converted to the
// canonical internal form but undeduplicated: the gateway re-emits
// account-level events once per instrument subscription, and the router is
// responsible for collapsing those.
type Stream interface {
	// Start connects and begins delivering events; it returns once the
	// initial connection attempt resolves.
	Start(ctx context.Context) error
	// Events is the delivery channel. Closed after Stop.
	Events() <-chan events.Event
	// Stop disconnects and closes the event channel.
	Stop()
}

// Compile-time interface checks for the three gateway implementations.
var (
	_ Gateway = (*ProjectXClient)(nil)
	_ Gateway = (*BreakerGateway)(nil)
	_ Gateway = (*Simulator)(nil)
	_ Stream  = (*EventStream)(nil)
	_ Stream  = (*Simulator)(nil)
)
