package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/clock"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// Simulator is an in-memory Gateway plus Stream used for dry runs and tests.
// Gateway calls mutate local state and echo the events a real gateway would
// stream back. DupFactor > 1 replays each emitted event that many times,
// reproducing the per-instrument duplication quirk of the live feed.
type Simulator struct {
	mu        sync.Mutex
	clk       clock.Clock
	accountID string

	positions map[string]model.Position
	orders    map[string]model.Order
	prices    map[string]decimal.Decimal
	nextID    int

	DupFactor int

	closed    []string
	closedAll int
	cancelled []string

	out     chan events.Event
	stopped bool
}

// NewSimulator creates a simulator for one account.
func NewSimulator(accountID string, clk clock.Clock) *Simulator {
	return &Simulator{
		clk:       clk,
		accountID: accountID,
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.Order),
		prices:    make(map[string]decimal.Decimal),
		DupFactor: 1,
		out:       make(chan events.Event, streamBuffer),
	}
}

// Stream implementation

func (s *Simulator) Start(ctx context.Context) error {
	s.emit(events.NewConnectionEvent(events.SDKConnected, "simulator", s.accountID, "", s.clk.Now()))
	log.Info().Str("account", s.accountID).Msg("🧪 Simulated gateway started")
	return nil
}

func (s *Simulator) Events() <-chan events.Event { return s.out }

func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.out)
}

// emit replays the event DupFactor times, like the live per-instrument feed.
func (s *Simulator) emit(ev events.Event) {
	s.mu.Lock()
	n := s.DupFactor
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.out <- ev
	}
}

// Event injection for dry runs and tests

// InjectPositionOpened opens a position and streams POSITION_OPENED.
func (s *Simulator) InjectPositionOpened(pos model.Position) {
	s.mu.Lock()
	s.positions[pos.ContractID] = pos
	s.mu.Unlock()
	s.emit(events.NewPositionEvent(events.PositionOpened, "simulator", pos, s.clk.Now()))
}

// InjectPositionUpdated mutates a position and streams POSITION_UPDATED.
func (s *Simulator) InjectPositionUpdated(pos model.Position) {
	s.mu.Lock()
	s.positions[pos.ContractID] = pos
	s.mu.Unlock()
	s.emit(events.NewPositionEvent(events.PositionUpdated, "simulator", pos, s.clk.Now()))
}

// InjectOrderFilled streams ORDER_FILLED for a fill the test fabricates.
func (s *Simulator) InjectOrderFilled(ord model.Order) {
	s.emit(events.NewOrderEvent(events.OrderFilled, "simulator", ord, s.clk.Now()))
}

// InjectOrderPlaced records the order and streams ORDER_PLACED.
func (s *Simulator) InjectOrderPlaced(ord model.Order) {
	s.mu.Lock()
	s.orders[ord.OrderID] = ord
	s.mu.Unlock()
	s.emit(events.NewOrderEvent(events.OrderPlaced, "simulator", ord, s.clk.Now()))
}

// InjectQuote sets the last price and streams PNL_UPDATED.
func (s *Simulator) InjectQuote(symbol string, price decimal.Decimal) {
	sym := strings.ToUpper(symbol)
	s.mu.Lock()
	s.prices[sym] = price
	s.mu.Unlock()
	s.emit(events.NewQuoteEvent("simulator", model.Quote{Symbol: sym, Price: price, Time: s.clk.Now()}, s.clk.Now()))
}

// Gateway implementation

func (s *Simulator) AccountInfo(ctx context.Context, accountID string) (model.AccountInfo, error) {
	return model.AccountInfo{
		ID:       accountID,
		Name:     "simulated",
		Balance:  decimal.NewFromInt(50000),
		CanTrade: true,
	}, nil
}

func (s *Simulator) GetAllPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

// ClosePosition removes the position and streams POSITION_CLOSED, the same
// echo a real close produces.
func (s *Simulator) ClosePosition(ctx context.Context, accountID, contractID string) error {
	s.mu.Lock()
	pos, ok := s.positions[contractID]
	delete(s.positions, contractID)
	s.closed = append(s.closed, contractID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no open position on %s", contractID)
	}
	closedPos := pos
	closedPos.Size = 0
	s.emit(events.NewPositionEvent(events.PositionClosed, "simulator", closedPos, s.clk.Now()))
	return nil
}

func (s *Simulator) CloseAllPositions(ctx context.Context, accountID string) error {
	s.mu.Lock()
	var contracts []string
	for id, p := range s.positions {
		if p.AccountID == accountID {
			contracts = append(contracts, id)
		}
	}
	s.closedAll++
	s.mu.Unlock()

	for _, id := range contracts {
		_ = s.ClosePosition(ctx, accountID, id)
	}
	return nil
}

func (s *Simulator) newOrderID() string {
	s.nextID++
	return fmt.Sprintf("SIM-%06d", s.nextID)
}

func (s *Simulator) place(ord model.Order) (string, error) {
	s.mu.Lock()
	ord.OrderID = s.newOrderID()
	ord.Status = model.StatusWorking
	ord.PlacedAt = s.clk.Now()
	s.orders[ord.OrderID] = ord
	s.mu.Unlock()

	s.emit(events.NewOrderEvent(events.OrderPlaced, "simulator", ord, s.clk.Now()))
	return ord.OrderID, nil
}

func (s *Simulator) PlaceLimitOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, limit decimal.Decimal) (string, error) {
	return s.place(model.Order{
		AccountID:  accountID,
		ContractID: contractID,
		SymbolRoot: model.SymbolRootFromContract(contractID),
		Type:       model.OrderLimit,
		Side:       side,
		Size:       size,
		LimitPrice: &limit,
	})
}

func (s *Simulator) PlaceStopOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop decimal.Decimal) (string, error) {
	return s.place(model.Order{
		AccountID:  accountID,
		ContractID: contractID,
		SymbolRoot: model.SymbolRootFromContract(contractID),
		Type:       model.OrderStop,
		Side:       side,
		Size:       size,
		StopPrice:  &stop,
	})
}

func (s *Simulator) PlaceBracketOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop, target decimal.Decimal) (string, error) {
	stopID, err := s.PlaceStopOrder(ctx, accountID, contractID, side, size, stop)
	if err != nil {
		return "", err
	}
	if _, err := s.PlaceLimitOrder(ctx, accountID, contractID, side, size, target); err != nil {
		return "", err
	}
	return stopID, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, accountID, orderID string) error {
	s.mu.Lock()
	ord, ok := s.orders[orderID]
	delete(s.orders, orderID)
	s.cancelled = append(s.cancelled, orderID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no working order %s", orderID)
	}
	ord.Status = model.StatusCancelled
	s.emit(events.NewOrderEvent(events.OrderCancelled, "simulator", ord, s.clk.Now()))
	return nil
}

func (s *Simulator) GetOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Simulator) LastPrice(ctx context.Context, contractID string) (decimal.Decimal, error) {
	sym := model.SymbolRootFromContract(contractID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prices[sym]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("no price for %s", sym)
}

// Call recording for assertions

// ClosedContracts returns every contract id passed to ClosePosition.
func (s *Simulator) ClosedContracts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

// CloseAllCalls returns how many times CloseAllPositions ran.
func (s *Simulator) CloseAllCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAll
}

// CancelledOrders returns every order id passed to CancelOrder.
func (s *Simulator) CancelledOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// OpenOrdersSnapshot returns the current working orders without error
// plumbing, for test assertions.
func (s *Simulator) OpenOrdersSnapshot() []model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}
