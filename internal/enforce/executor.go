// Package enforce carries out the broker-mutating side of rule decisions.
// The executor is the only component that changes broker state: it closes
// positions, flattens accounts, cancels orders and places the protective
// orders the trade-management rule asks for. Failures are logged loudly and
// surfaced on the bus; nothing here retries or crashes.
package enforce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// Executor translates violations and automation directives into gateway
// calls. Every call carries the configured timeout; a timed-out call counts
// as a failed enforcement (alert and continue).
type Executor struct {
	gw      broker.Gateway
	timeout time.Duration
	publish func(events.Event)
	clk     clock.Clock
}

// NewExecutor wires the executor to its gateway and event sink.
func NewExecutor(gw broker.Gateway, timeout time.Duration, clk clock.Clock, publish func(events.Event)) *Executor {
	if publish == nil {
		publish = func(events.Event) {}
	}
	return &Executor{gw: gw, timeout: timeout, publish: publish, clk: clk}
}

// Execute carries out one event's violation batch in rule order. The batch
// is compacted first: a flatten for an account subsumes any close-position
// on the same account, so one rule firing close-all doesn't race another's
// single close.
func (e *Executor) Execute(batch []events.Violation) {
	for _, v := range Compact(batch) {
		if !v.Action.MutatesBroker() {
			continue
		}
		start := e.clk.Now()
		err := e.perform(v)
		result := events.ActionResult{
			Action:   v.Action,
			Success:  err == nil,
			Duration: e.clk.Now().Sub(start),
		}
		if err != nil {
			result.Error = err.Error()
			log.Error().Err(err).
				Str("rule", v.Rule).
				Str("action", string(v.Action)).
				Str("account", v.AccountID).
				Str("contract", v.ContractID).
				Msg("❌ Enforcement failed")
		} else {
			log.Info().
				Str("rule", v.Rule).
				Str("action", string(v.Action)).
				Str("account", v.AccountID).
				Msg("✅ Enforcement executed")
		}

		vCopy := v
		e.publish(events.Event{
			Type:      events.EnforcementAction,
			Timestamp: e.clk.Now(),
			Source:    "executor",
			AccountID: v.AccountID,
			Violation: &vCopy,
			Result:    &result,
		})
	}
}

// Compact drops actions subsumed by a whole-account flatten in the same
// batch, preserving order otherwise.
func Compact(batch []events.Violation) []events.Violation {
	flattened := make(map[string]bool)
	for _, v := range batch {
		if v.Action == events.ActionCloseAll || v.Action == events.ActionFlatten {
			flattened[v.AccountID] = true
		}
	}
	out := make([]events.Violation, 0, len(batch))
	seen := make(map[string]bool)
	for _, v := range batch {
		switch v.Action {
		case events.ActionClosePosition, events.ActionCancelOrder:
			if flattened[v.AccountID] {
				continue
			}
		case events.ActionCloseAll, events.ActionFlatten:
			// One flatten per account per batch is enough.
			if seen[v.AccountID] {
				continue
			}
			seen[v.AccountID] = true
		}
		out = append(out, v)
	}
	return out
}

func (e *Executor) perform(v events.Violation) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	switch v.Action {
	case events.ActionClosePosition:
		return e.gw.ClosePosition(ctx, v.AccountID, v.ContractID)

	case events.ActionCloseAll, events.ActionFlatten:
		return e.flatten(ctx, v.AccountID)

	case events.ActionCancelOrder:
		return e.gw.CancelOrder(ctx, v.AccountID, v.OrderID)

	case events.ActionPlaceStopLoss:
		a := v.Automation
		if a == nil || a.StopPrice == nil {
			return fmt.Errorf("place_stop_loss without stop price")
		}
		_, err := e.gw.PlaceStopOrder(ctx, v.AccountID, a.ContractID, closingSide(a.Side), a.Size, *a.StopPrice)
		return err

	case events.ActionPlaceTakeProfit:
		a := v.Automation
		if a == nil || a.TakeProfitPrice == nil {
			return fmt.Errorf("place_take_profit without target price")
		}
		_, err := e.gw.PlaceLimitOrder(ctx, v.AccountID, a.ContractID, closingSide(a.Side), a.Size, *a.TakeProfitPrice)
		return err

	case events.ActionPlaceBracketOrder:
		a := v.Automation
		if a == nil || a.StopPrice == nil || a.TakeProfitPrice == nil {
			return fmt.Errorf("place_bracket_order without both legs")
		}
		_, err := e.gw.PlaceBracketOrder(ctx, v.AccountID, a.ContractID, closingSide(a.Side), a.Size, *a.StopPrice, *a.TakeProfitPrice)
		return err

	case events.ActionAdjustTrailingStop:
		return e.adjustStop(ctx, v)
	}
	return fmt.Errorf("unknown enforcement action %q", v.Action)
}

// flatten closes every position and cancels every working order on the
// account.
func (e *Executor) flatten(ctx context.Context, accountID string) error {
	if err := e.gw.CloseAllPositions(ctx, accountID); err != nil {
		return fmt.Errorf("closing all positions: %w", err)
	}
	orders, err := e.gw.GetOpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("listing open orders: %w", err)
	}
	for _, o := range orders {
		if err := e.gw.CancelOrder(ctx, accountID, o.OrderID); err != nil {
			log.Error().Err(err).
				Str("order", o.OrderID).
				Msg("Failed to cancel order during flatten")
		}
	}
	return nil
}

// adjustStop replaces the resting stop with one at the new price. When the
// old order is unknown the new stop is placed anyway; an extra stop is safer
// than none.
func (e *Executor) adjustStop(ctx context.Context, v events.Violation) error {
	a := v.Automation
	if a == nil || a.StopPrice == nil {
		return fmt.Errorf("adjust_trailing_stop without stop price")
	}
	if a.OrderID != "" {
		if err := e.gw.CancelOrder(ctx, v.AccountID, a.OrderID); err != nil {
			log.Warn().Err(err).
				Str("order", a.OrderID).
				Msg("Could not cancel old stop before trailing adjust")
		}
	}
	_, err := e.gw.PlaceStopOrder(ctx, v.AccountID, a.ContractID, closingSide(a.Side), a.Size, *a.StopPrice)
	return err
}

// closingSide returns the order side that closes a position of the given
// side.
func closingSide(positionSide string) model.OrderSide {
	if positionSide == "short" {
		return model.SideBuy
	}
	return model.SideSell
}
