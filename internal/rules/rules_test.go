package rules

// Shared fixtures for the rule tests: an in-memory Deps bundle with a manual
// clock, fake trade history and a fake protective-order view.

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"riskguard/internal/clock"
	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/lockout"
	"riskguard/internal/model"
	"riskguard/internal/pnl"
	"riskguard/internal/timer"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// memPnLStore backs the tracker in memory. Setting fail makes every read
// error, simulating a dead database.
type memPnLStore struct {
	totals map[string]decimal.Decimal
	fail   bool
}

func (s *memPnLStore) AddRealizedPnL(account, day string, delta decimal.Decimal) (decimal.Decimal, error) {
	key := account + "|" + day
	s.totals[key] = s.totals[key].Add(delta)
	return s.totals[key], nil
}

func (s *memPnLStore) GetDailyPnL(account, day string) (decimal.Decimal, error) {
	if s.fail {
		return decimal.Zero, assert.AnError
	}
	return s.totals[account+"|"+day], nil
}

func (s *memPnLStore) EnsureDay(account, day string) error { return nil }

// memLockStore backs the lockout manager in memory.
type memLockStore struct {
	active map[string]model.Lockout
}

func (s *memLockStore) SetLockout(l model.Lockout) error {
	s.active[l.AccountID] = l
	return nil
}

func (s *memLockStore) ClearLockout(account string) error {
	delete(s.active, account)
	return nil
}

func (s *memLockStore) LoadActiveLockouts() ([]model.Lockout, error) {
	out := make([]model.Lockout, 0, len(s.active))
	for _, l := range s.active {
		out = append(out, l)
	}
	return out, nil
}

// fakeHistory serves canned trade history.
type fakeHistory struct {
	trades       []model.Trade
	sessionCount int64
}

func (f *fakeHistory) GetTradesInWindow(account string, now time.Time, window time.Duration) ([]model.Trade, error) {
	var out []model.Trade
	cutoff := now.Add(-window)
	for _, t := range f.trades {
		if t.AccountID == account && !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeHistory) GetSessionTradeCount(account string, dayStart time.Time) (int64, error) {
	return f.sessionCount, nil
}

// fakeProtective reports canned protective-order state per contract.
type fakeProtective struct {
	stops map[string]string // contract id → stop order id
	tps   map[string]string
}

func newFakeProtective() *fakeProtective {
	return &fakeProtective{stops: map[string]string{}, tps: map[string]string{}}
}

func (f *fakeProtective) Protection(accountID, contractID string) (string, string, bool) {
	return f.stops[contractID], f.tps[contractID], true
}

type fixture struct {
	deps      *Deps
	clk       *clock.Manual
	wheel     *timer.Wheel
	history   *fakeHistory
	prot      *fakeProtective
	lockStore *memLockStore
	pnlStore  *memPnLStore
	triggered []events.Violation
}

func testConfig() *config.Config {
	return &config.Config{
		Timers: config.TimersConfig{
			DailyReset: config.DailyResetConfig{Enabled: true, Time: "17:00", Timezone: "UTC"},
			LockoutDurations: config.LockoutDurations{HardLockout: map[string]string{
				"daily_realized_loss":   "until_reset",
				"daily_realized_profit": "until_reset",
				"session_block_outside": "until_session_start",
			}},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)) // a Monday
	wheel := timer.NewWheel(clk)
	calc := pnl.NewCalculator(map[string]model.ContractSpec{
		"MNQ": {SymbolRoot: "MNQ", TickSize: dec("0.25"), TickValue: dec("0.50")},
		"MES": {SymbolRoot: "MES", TickSize: dec("0.25"), TickValue: dec("1.25")},
	})
	pnlStore := &memPnLStore{totals: map[string]decimal.Decimal{}}
	tracker := pnl.NewTracker(pnlStore, clk, time.UTC, 17, 0)
	lockStore := &memLockStore{active: map[string]model.Lockout{}}
	lockouts := lockout.NewManager(lockStore, wheel, clk, nil)
	history := &fakeHistory{}
	prot := newFakeProtective()

	f := &fixture{
		clk:       clk,
		wheel:     wheel,
		history:   history,
		prot:      prot,
		lockStore: lockStore,
		pnlStore:  pnlStore,
	}
	f.deps = &Deps{
		Calc:       calc,
		Tracker:    tracker,
		Lockouts:   lockouts,
		Wheel:      wheel,
		History:    history,
		Protective: prot,
		Clk:        clk,
		Cfg:        testConfig(),
		Trigger:    func(v events.Violation) { f.triggered = append(f.triggered, v) },
	}
	return f
}

func (f *fixture) openPosition(contract, symbol string, size int64, entry string) events.Event {
	pos := model.Position{
		ContractID:    contract,
		SymbolRoot:    symbol,
		AccountID:     "ACC-001",
		Size:          size,
		AvgEntryPrice: dec(entry),
		OpenedAt:      f.clk.Now(),
	}
	f.deps.Calc.UpdatePosition(pos)
	return events.NewPositionEvent(events.PositionOpened, "test", pos, f.clk.Now())
}

func (f *fixture) updatePosition(contract, symbol string, size int64, entry string) events.Event {
	ev := f.openPosition(contract, symbol, size, entry)
	ev.Type = events.PositionUpdated
	return ev
}

func (f *fixture) quote(symbol, price string) events.Event {
	f.deps.Calc.UpdateQuote(symbol, dec(price))
	return events.NewQuoteEvent("test", model.Quote{Symbol: symbol, Price: dec(price), Time: f.clk.Now()}, f.clk.Now())
}

func (f *fixture) closedTrade(pnl string) events.Event {
	return events.NewTradeEvent("test", model.Trade{
		TradeID:     "T-1",
		AccountID:   "ACC-001",
		ContractID:  "CON.F.US.MNQ.Z25",
		Symbol:      "MNQ",
		Side:        model.SideSell,
		Quantity:    1,
		Price:       dec("21000.00"),
		RealizedPnL: decPtr(pnl),
		Timestamp:   f.clk.Now(),
	}, f.clk.Now())
}

func (f *fixture) bookRealized(pnl string) {
	if _, err := f.deps.Tracker.AddTradePnL("ACC-001", dec(pnl)); err != nil {
		panic(err)
	}
}
