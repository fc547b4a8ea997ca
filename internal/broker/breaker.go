package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"riskguard/internal/model"
)

// BreakerGateway wraps a Gateway with a circuit breaker so a dead gateway
// fails fast instead of stacking up 5-second timeouts during enforcement.
type BreakerGateway struct {
	gw      Gateway
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures trip behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed when half-open
	Interval     time.Duration // counter reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum samples before tripping
	FailureRatio float64
}

// NewBreakerGateway wraps gw with default settings: trip at a 60% failure
// rate over at least 5 calls, stay open for 30 seconds.
func NewBreakerGateway(gw Gateway) *BreakerGateway {
	return NewBreakerGatewayWithSettings(gw, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerGatewayWithSettings wraps gw with explicit settings.
func NewBreakerGatewayWithSettings(gw Gateway, s BreakerSettings) *BreakerGateway {
	return &BreakerGateway{
		gw: gw,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "GatewayBreaker",
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests == 0 || counts.Requests < s.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("⚡ Gateway circuit breaker state changed")
			},
		}),
	}
}

// execBreaker funnels one gateway call through the breaker.
func execBreaker[T any](b *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := b.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (b *BreakerGateway) AccountInfo(ctx context.Context, accountID string) (model.AccountInfo, error) {
	return execBreaker(b.breaker, func() (model.AccountInfo, error) { return b.gw.AccountInfo(ctx, accountID) })
}

func (b *BreakerGateway) GetAllPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return execBreaker(b.breaker, func() ([]model.Position, error) { return b.gw.GetAllPositions(ctx, accountID) })
}

func (b *BreakerGateway) ClosePosition(ctx context.Context, accountID, contractID string) error {
	_, err := execBreaker(b.breaker, func() (struct{}, error) {
		return struct{}{}, b.gw.ClosePosition(ctx, accountID, contractID)
	})
	return err
}

func (b *BreakerGateway) CloseAllPositions(ctx context.Context, accountID string) error {
	_, err := execBreaker(b.breaker, func() (struct{}, error) {
		return struct{}{}, b.gw.CloseAllPositions(ctx, accountID)
	})
	return err
}

func (b *BreakerGateway) PlaceLimitOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, limit decimal.Decimal) (string, error) {
	return execBreaker(b.breaker, func() (string, error) {
		return b.gw.PlaceLimitOrder(ctx, accountID, contractID, side, size, limit)
	})
}

func (b *BreakerGateway) PlaceStopOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop decimal.Decimal) (string, error) {
	return execBreaker(b.breaker, func() (string, error) {
		return b.gw.PlaceStopOrder(ctx, accountID, contractID, side, size, stop)
	})
}

func (b *BreakerGateway) PlaceBracketOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop, target decimal.Decimal) (string, error) {
	return execBreaker(b.breaker, func() (string, error) {
		return b.gw.PlaceBracketOrder(ctx, accountID, contractID, side, size, stop, target)
	})
}

func (b *BreakerGateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	_, err := execBreaker(b.breaker, func() (struct{}, error) {
		return struct{}{}, b.gw.CancelOrder(ctx, accountID, orderID)
	})
	return err
}

func (b *BreakerGateway) GetOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return execBreaker(b.breaker, func() ([]model.Order, error) { return b.gw.GetOpenOrders(ctx, accountID) })
}

func (b *BreakerGateway) LastPrice(ctx context.Context, contractID string) (decimal.Decimal, error) {
	return execBreaker(b.breaker, func() (decimal.Decimal, error) { return b.gw.LastPrice(ctx, contractID) })
}
