// Package router turns the raw gateway event feed into the canonical
// internal stream the rule engine runs on. It collapses the per-instrument
// duplicate emissions, keeps the protective-order and recent-fill caches,
// reconstructs realized P&L on position closes and enriches every event with
// symbol roots and classification before publishing.
package router

import (
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/clock"
	"riskguard/internal/events"
	"riskguard/internal/model"
	"riskguard/internal/pnl"
)

// Store is the persistence slice the router writes through: the trade log
// and the position snapshots.
type Store interface {
	AddTrade(t model.Trade) (bool, error)
	SetTradePnL(tradeID string, pnl decimal.Decimal) error
	SavePositionSnapshot(p model.Position) error
	DeletePositionSnapshot(contractID string) error
}

// Router ingests gateway events, dedups and enriches them, and publishes the
// canonical form. It exclusively owns the dedup cache, the protective-order
// cache and the order correlator.
type Router struct {
	publish func(events.Event)

	dedup      *gocache.Cache
	protective *ProtectiveCache
	correlator *Correlator

	calc    *pnl.Calculator
	tracker *pnl.Tracker
	store   Store
	clk     clock.Clock

	seen       atomic.Int64
	duplicates atomic.Int64
}

// New builds a router. publish is normally Dispatcher.Publish so everything
// downstream runs on the single dispatch goroutine.
func New(
	publish func(events.Event),
	protective *ProtectiveCache,
	correlator *Correlator,
	calc *pnl.Calculator,
	tracker *pnl.Tracker,
	store Store,
	clk clock.Clock,
	dedupTTL time.Duration,
) *Router {
	return &Router{
		publish:    publish,
		dedup:      gocache.New(dedupTTL, 2*dedupTTL),
		protective: protective,
		correlator: correlator,
		calc:       calc,
		tracker:    tracker,
		store:      store,
		clk:        clk,
	}
}

// Run consumes a stream channel until it closes. Call in its own goroutine.
func (r *Router) Run(in <-chan events.Event) {
	for ev := range in {
		r.Handle(ev)
	}
}

// Handle processes one raw gateway event: protective refresh (position
// events, pre-dedup), dedup, enrichment, publish.
func (r *Router) Handle(ev events.Event) {
	r.seen.Add(1)

	// The gateway re-emits position events once per instrument
	// subscription. The protective-order refresh must still run for the
	// duplicates so a stop placed between two emissions is seen.
	if ev.IsPositionEvent() && ev.Position != nil && r.protective != nil {
		r.protective.Get(ev.AccountID, ev.Position.ContractID)
	}

	if r.isDuplicate(ev) {
		r.duplicates.Add(1)
		log.Debug().
			Str("event", string(ev.Type)).
			Str("entity", ev.EntityID()).
			Msg("Duplicate event dropped")
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clk.Now()
	}

	switch ev.Type {
	case events.OrderPlaced:
		r.handleOrderPlaced(ev)
	case events.OrderFilled, events.OrderPartialFill:
		r.handleOrderFilled(ev)
	case events.OrderCancelled, events.OrderRejected, events.OrderExpired:
		r.handleOrderGone(ev)
	case events.OrderModified:
		r.handleOrderModified(ev)
	case events.PositionOpened, events.PositionUpdated:
		r.handlePositionLive(ev)
	case events.PositionClosed:
		r.handlePositionClosed(ev)
	case events.TradeExecuted:
		r.handleTradeExecuted(ev)
	case events.PnLUpdated:
		r.handleQuote(ev)
	default:
		r.publish(ev)
	}
}

// isDuplicate checks and arms the sliding dedup window for the event's
// (kind, entity) pair.
func (r *Router) isDuplicate(ev events.Event) bool {
	key := string(ev.Type) + "|" + ev.EntityID()
	_, dup := r.dedup.Get(key)
	// Re-set even on a hit: the TTL slides while the gateway keeps
	// repeating itself.
	r.dedup.SetDefault(key, struct{}{})
	return dup
}

func (r *Router) handleOrderPlaced(ev events.Event) {
	o := ev.Order
	r.fillSymbolRoot(o)
	if r.protective != nil {
		r.protective.UpdateFromOrderPlaced(*o)
	}
	r.publish(ev)
}

func (r *Router) handleOrderFilled(ev events.Event) {
	o := ev.Order
	r.fillSymbolRoot(o)
	o.Status = model.StatusFilled

	kind := r.classifyFill(*o)
	price := fillPrice(*o)
	tradeID := o.OrderID
	if ev.Type == events.OrderPartialFill {
		tradeID = o.OrderID + "@" + ev.Timestamp.UTC().Format("15:04:05.000")
	}
	if r.correlator != nil {
		r.correlator.RecordFill(o.ContractID, kind, price, o.Side, o.OrderID, tradeID)
	}
	if r.protective != nil && kind != events.CloseManual {
		// A filled protective order is no longer resting.
		r.protective.InvalidateForOrder(o.OrderID)
	}

	trade := model.Trade{
		TradeID:    tradeID,
		AccountID:  o.AccountID,
		ContractID: o.ContractID,
		Symbol:     o.SymbolRoot,
		Side:       o.Side,
		Quantity:   o.Size,
		Price:      price,
		Timestamp:  ev.Timestamp,
	}
	if r.store != nil {
		if _, err := r.store.AddTrade(trade); err != nil {
			log.Error().Err(err).Str("trade", trade.TradeID).Msg("Failed to persist fill")
		}
	}

	ev.CloseKind = kind
	r.publish(ev)
	r.publish(events.NewTradeEvent(ev.Source, trade, ev.Timestamp))
}

func (r *Router) handleOrderGone(ev events.Event) {
	o := ev.Order
	r.fillSymbolRoot(o)
	if r.protective != nil {
		r.protective.InvalidateForOrder(o.OrderID)
	}
	r.publish(ev)
}

func (r *Router) handleOrderModified(ev events.Event) {
	o := ev.Order
	r.fillSymbolRoot(o)
	// A modified order keeps working but its cached prices are stale.
	if r.protective != nil {
		r.protective.Invalidate(o.ContractID)
	}
	r.publish(ev)
}

func (r *Router) handlePositionLive(ev events.Event) {
	p := ev.Position
	if p.SymbolRoot == "" {
		p.SymbolRoot = model.SymbolRootFromContract(p.ContractID)
	}
	r.calc.UpdatePosition(*p)
	if r.store != nil {
		if err := r.store.SavePositionSnapshot(*p); err != nil {
			log.Error().Err(err).Str("contract", p.ContractID).Msg("Failed to snapshot position")
		}
	}
	r.publish(ev)
}

func (r *Router) handlePositionClosed(ev events.Event) {
	p := ev.Position
	if p.SymbolRoot == "" {
		p.SymbolRoot = model.SymbolRootFromContract(p.ContractID)
	}

	ev.CloseKind = events.CloseManual
	var fill FillRecord
	var haveFill bool
	if r.correlator != nil {
		fill, haveFill = r.correlator.Lookup(p.ContractID)
	}
	if haveFill {
		ev.CloseKind = fill.Kind
		price := fill.Price
		ev.ExitPrice = &price

		if realized, ok := r.calc.CalculateRealizedPnL(p.ContractID, price); ok {
			ev.RealizedPnL = &realized
			if _, err := r.tracker.AddTradePnL(p.AccountID, realized); err != nil {
				log.Error().Err(err).
					Str("account", p.AccountID).
					Msg("Failed to book realized P&L")
			}
			if r.store != nil && fill.TradeID != "" {
				if err := r.store.SetTradePnL(fill.TradeID, realized); err != nil {
					log.Error().Err(err).Str("trade", fill.TradeID).Msg("Failed to backfill trade P&L")
				}
			}
			log.Info().
				Str("contract", p.ContractID).
				Str("close", string(ev.CloseKind)).
				Str("realized", realized.StringFixed(2)).
				Msg("💰 Position closed")
		} else {
			log.Warn().
				Str("contract", p.ContractID).
				Str("symbol", p.SymbolRoot).
				Msg("⚠️ Cannot price close, unknown symbol or untracked position")
		}
	}

	r.calc.RemovePosition(p.ContractID)
	if r.protective != nil {
		r.protective.Invalidate(p.ContractID)
	}
	if r.store != nil {
		if err := r.store.DeletePositionSnapshot(p.ContractID); err != nil {
			log.Error().Err(err).Str("contract", p.ContractID).Msg("Failed to drop position snapshot")
		}
	}
	r.publish(ev)
}

// handleTradeExecuted covers trades injected directly (dry-run generator,
// legacy raw stream) rather than derived from an order fill.
func (r *Router) handleTradeExecuted(ev events.Event) {
	t := ev.Trade
	if t.Symbol == "" {
		t.Symbol = model.SymbolRootFromContract(t.ContractID)
	}
	if r.store != nil {
		if _, err := r.store.AddTrade(*t); err != nil {
			log.Error().Err(err).Str("trade", t.TradeID).Msg("Failed to persist trade")
		}
	}
	if t.RealizedPnL != nil {
		if _, err := r.tracker.AddTradePnL(t.AccountID, *t.RealizedPnL); err != nil {
			log.Error().Err(err).Str("account", t.AccountID).Msg("Failed to book realized P&L")
		}
	}
	r.publish(ev)
}

func (r *Router) handleQuote(ev events.Event) {
	q := ev.Quote
	q.Symbol = strings.ToUpper(q.Symbol)
	r.calc.UpdateQuote(q.Symbol, q.Price)
	r.publish(ev)
}

// classifyFill decides what kind of exit a fill represents by matching it
// against the cached protective orders.
func (r *Router) classifyFill(o model.Order) events.CloseKind {
	if o.IsStopLoss() {
		return events.CloseStopLoss
	}
	if o.Type == model.OrderLimit && r.protective != nil {
		if v, ok := r.protective.cache.Get(o.ContractID); ok {
			state := v.(ProtectiveState)
			if state.TakeProfit != nil && state.TakeProfit.OrderID == o.OrderID {
				return events.CloseTakeProfit
			}
		}
	}
	return events.CloseManual
}

func (r *Router) fillSymbolRoot(o *model.Order) {
	if o.SymbolRoot == "" {
		o.SymbolRoot = model.SymbolRootFromContract(o.ContractID)
	}
}

// fillPrice picks the traded price off an order: limit price for limit
// fills, stop price for stop fills.
func fillPrice(o model.Order) decimal.Decimal {
	switch {
	case o.Type == model.OrderLimit && o.LimitPrice != nil:
		return *o.LimitPrice
	case o.StopPrice != nil:
		return *o.StopPrice
	case o.LimitPrice != nil:
		return *o.LimitPrice
	}
	return decimal.Zero
}

// Stats reports how many events the router has seen and dropped as
// duplicates.
func (r *Router) Stats() (seen, duplicates int64) {
	return r.seen.Load(), r.duplicates.Load()
}

// Protective exposes the protective-order cache for the rules that consult
// it.
func (r *Router) Protective() *ProtectiveCache { return r.protective }
