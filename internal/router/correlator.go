package router

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"riskguard/internal/clock"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// FillRecord is the most recent fill seen on a contract, kept just long
// enough to classify the POSITION_CLOSED event that follows it. Position
// events carry the average entry price, not the exit, so the exit price has
// to come from here.
type FillRecord struct {
	Kind       events.CloseKind
	Price      decimal.Decimal
	Side       model.OrderSide
	OrderID    string
	TradeID    string
	RecordedAt time.Time
}

// Correlator is a short-lived contract→fill cache.
type Correlator struct {
	cache *gocache.Cache
	clk   clock.Clock
}

// NewCorrelator builds the correlator with the given TTL.
func NewCorrelator(clk clock.Clock, ttl time.Duration) *Correlator {
	return &Correlator{
		cache: gocache.New(ttl, 2*ttl),
		clk:   clk,
	}
}

// RecordFill remembers a fill against its contract. kind says what kind of
// order filled: a stop family order is a stop_loss exit, a limit against an
// open position is a take_profit, anything else is manual.
func (c *Correlator) RecordFill(contractID string, kind events.CloseKind, price decimal.Decimal, side model.OrderSide, orderID, tradeID string) {
	c.cache.SetDefault(contractID, FillRecord{
		Kind:       kind,
		Price:      price,
		Side:       side,
		OrderID:    orderID,
		TradeID:    tradeID,
		RecordedAt: c.clk.Now(),
	})
}

// Lookup returns the recent fill for a contract, ok=false when none is
// within the TTL.
func (c *Correlator) Lookup(contractID string) (FillRecord, bool) {
	v, ok := c.cache.Get(contractID)
	if !ok {
		return FillRecord{}, false
	}
	return v.(FillRecord), true
}
