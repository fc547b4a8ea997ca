package router

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"riskguard/internal/clock"
	"riskguard/internal/model"
)

// OrderSource is the slice of the gateway the protective cache refreshes
// from: just the open-order query.
type OrderSource interface {
	GetOpenOrders(ctx context.Context, accountID string) ([]model.Order, error)
}

// ProtectiveState is the cached view of the protective orders resting
// against one contract.
type ProtectiveState struct {
	StopLoss   *model.Order
	TakeProfit *model.Order
	CachedAt   time.Time
}

// HasStopLoss reports whether a protective stop is known for the contract.
func (ps ProtectiveState) HasStopLoss() bool { return ps.StopLoss != nil }

// ProtectiveCache caches stop-loss / take-profit orders per contract so
// position events don't trigger a gateway round trip every time. Entries
// expire after the TTL; Get refreshes stale entries from the gateway.
type ProtectiveCache struct {
	cache   *gocache.Cache
	source  OrderSource
	clk     clock.Clock
	timeout time.Duration

	refreshes atomic.Int64
}

// NewProtectiveCache builds the cache over the given order source. A nil
// source disables refresh; the cache then only knows what order events told
// it.
func NewProtectiveCache(source OrderSource, clk clock.Clock, ttl time.Duration) *ProtectiveCache {
	return &ProtectiveCache{
		cache:   gocache.New(ttl, 2*ttl),
		source:  source,
		clk:     clk,
		timeout: 5 * time.Second,
	}
}

// Get returns the protective state for a contract, refreshing from the
// gateway when the cached entry has expired.
func (pc *ProtectiveCache) Get(accountID, contractID string) (ProtectiveState, bool) {
	if v, ok := pc.cache.Get(contractID); ok {
		return v.(ProtectiveState), true
	}
	return pc.Refresh(accountID, contractID)
}

// Refresh queries the gateway for the contract's working orders and rebuilds
// the cache entry. Runs pre-dedup on position events so a silently placed
// protective order is noticed even when the event itself is a duplicate.
func (pc *ProtectiveCache) Refresh(accountID, contractID string) (ProtectiveState, bool) {
	if pc.source == nil {
		return ProtectiveState{}, false
	}
	pc.refreshes.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), pc.timeout)
	defer cancel()
	orders, err := pc.source.GetOpenOrders(ctx, accountID)
	if err != nil {
		log.Warn().Err(err).
			Str("contract", contractID).
			Msg("Protective order refresh failed")
		return ProtectiveState{}, false
	}

	state := ProtectiveState{CachedAt: pc.clk.Now()}
	for i := range orders {
		o := orders[i]
		if o.ContractID != contractID || o.Status != model.StatusWorking {
			continue
		}
		switch {
		case o.IsStopLoss():
			state.StopLoss = &o
		case o.Type == model.OrderLimit:
			// A working LIMIT against an open position is a potential
			// take-profit. Conservative: recorded, never promoted to a
			// stop.
			state.TakeProfit = &o
		}
	}
	pc.cache.SetDefault(contractID, state)
	return state, true
}

// UpdateFromOrderPlaced folds a freshly placed order into the cache without
// waiting for the next refresh.
func (pc *ProtectiveCache) UpdateFromOrderPlaced(o model.Order) {
	state := ProtectiveState{CachedAt: pc.clk.Now()}
	if v, ok := pc.cache.Get(o.ContractID); ok {
		state = v.(ProtectiveState)
	}
	switch {
	case o.IsStopLoss():
		ord := o
		state.StopLoss = &ord
	case o.Type == model.OrderLimit:
		ord := o
		state.TakeProfit = &ord
	default:
		return
	}
	pc.cache.SetDefault(o.ContractID, state)
}

// Invalidate drops the cache entry for a contract.
func (pc *ProtectiveCache) Invalidate(contractID string) {
	pc.cache.Delete(contractID)
}

// RemoveStopLoss clears the cached stop for a contract, keeping any
// take-profit.
func (pc *ProtectiveCache) RemoveStopLoss(contractID string) {
	if v, ok := pc.cache.Get(contractID); ok {
		state := v.(ProtectiveState)
		state.StopLoss = nil
		pc.cache.SetDefault(contractID, state)
	}
}

// RemoveTakeProfit clears the cached take-profit for a contract, keeping any
// stop.
func (pc *ProtectiveCache) RemoveTakeProfit(contractID string) {
	if v, ok := pc.cache.Get(contractID); ok {
		state := v.(ProtectiveState)
		state.TakeProfit = nil
		pc.cache.SetDefault(contractID, state)
	}
}

// InvalidateForOrder drops whichever cached protective order matches the
// given order id, across all contracts. Called on cancel/expire/reject.
func (pc *ProtectiveCache) InvalidateForOrder(orderID string) {
	for contractID, item := range pc.cache.Items() {
		state, ok := item.Object.(ProtectiveState)
		if !ok {
			continue
		}
		changed := false
		if state.StopLoss != nil && state.StopLoss.OrderID == orderID {
			state.StopLoss = nil
			changed = true
		}
		if state.TakeProfit != nil && state.TakeProfit.OrderID == orderID {
			state.TakeProfit = nil
			changed = true
		}
		if changed {
			pc.cache.SetDefault(contractID, state)
		}
	}
}

// Protection reports the resting protective order ids for a contract,
// refreshing from the gateway when stale. ok=false when nothing is known
// (no source and no cached entry).
func (pc *ProtectiveCache) Protection(accountID, contractID string) (stopOrderID, tpOrderID string, ok bool) {
	state, ok := pc.Get(accountID, contractID)
	if !ok {
		return "", "", false
	}
	if state.StopLoss != nil {
		stopOrderID = state.StopLoss.OrderID
	}
	if state.TakeProfit != nil {
		tpOrderID = state.TakeProfit.OrderID
	}
	return stopOrderID, tpOrderID, true
}

// RefreshCount reports how many gateway refreshes have run, for tests and
// heartbeat diagnostics.
func (pc *ProtectiveCache) RefreshCount() int64 { return pc.refreshes.Load() }
