// Package storage is the embedded persistence layer: trades, lockouts,
// daily P&L and position snapshots. SQLite is the default; a postgres://
// URL switches drivers. All writes go through a single mutex so the engine
// never races itself into the database.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"riskguard/internal/model"
)

// Models

// TradeRow is one realized fill. TradeID is the idempotency key: replaying
// the same fill is a no-op.
type TradeRow struct {
	TradeID     string `gorm:"primaryKey"`
	AccountID   string `gorm:"index:idx_trades_account_ts"`
	ContractID  string
	Symbol      string
	Side        string
	Quantity    int64
	Price       decimal.Decimal  `gorm:"type:decimal(20,6)"`
	RealizedPnL *decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,2)"`
	Timestamp   time.Time        `gorm:"index:idx_trades_account_ts"`
	CreatedAt   time.Time
}

// LockoutRow is one lockout record. At most one row per account has
// Active=true; SetLockout enforces that inside a transaction.
type LockoutRow struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	AccountID       string `gorm:"index"`
	RuleID          string
	Reason          string
	LockedAt        time.Time
	ExpiresAt       *time.Time
	UnlockCondition string
	Active          bool `gorm:"index"`
	CreatedAt       time.Time
}

// DailyPnLRow accumulates realized P&L per (account, trading day).
type DailyPnLRow struct {
	AccountID     string          `gorm:"primaryKey"`
	TradingDay    string          `gorm:"primaryKey"` // "YYYY-MM-DD" in the reset timezone
	RealizedTotal decimal.Decimal `gorm:"type:decimal(20,2)"`
	UpdatedAt     time.Time
}

// PositionSnapshotRow mirrors the live position map so a crashed process can
// report what it was holding. Advisory only; the gateway remains the source
// of truth on reconnect.
type PositionSnapshotRow struct {
	ContractID    string `gorm:"primaryKey"`
	AccountID     string `gorm:"index"`
	SymbolRoot    string
	Size          int64
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// Store wraps the database with a single-writer lock. Readers run
// concurrently; every mutation holds mu.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// New opens (and migrates) the database behind url. sqlite://path is the
// embedded default; postgres:// DSNs switch drivers.
func New(url string) (*Store, error) {
	var db *gorm.DB
	var err error

	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		db, err = gorm.Open(postgres.Open(url), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	default:
		path := strings.TrimPrefix(url, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating db dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		log.Info().Str("path", path).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRow{}, &LockoutRow{}, &DailyPnLRow{}, &PositionSnapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Trade operations

// AddTrade persists one fill. Idempotent: a duplicate trade_id leaves the
// existing row untouched and returns inserted=false.
func (s *Store) AddTrade(t model.Trade) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := TradeRow{
		TradeID:     t.TradeID,
		AccountID:   t.AccountID,
		ContractID:  t.ContractID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Quantity:    t.Quantity,
		Price:       t.Price,
		RealizedPnL: t.RealizedPnL,
		Timestamp:   t.Timestamp.UTC(),
	}
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetTradePnL backfills the realized P&L on an already-persisted trade,
// used when the closing fill arrives before the position-close correlation.
func (s *Store) SetTradePnL(tradeID string, pnl decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&TradeRow{}).
		Where("trade_id = ?", tradeID).
		Update("realized_pnl", pnl).Error
}

// GetTradesInWindow returns the account's trades with timestamp ≥ now−window,
// oldest first.
func (s *Store) GetTradesInWindow(account string, now time.Time, window time.Duration) ([]model.Trade, error) {
	var rows []TradeRow
	cutoff := now.Add(-window).UTC()
	err := s.db.
		Where("account_id = ? AND timestamp >= ?", account, cutoff).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return tradesFromRows(rows), nil
}

// GetSessionTradeCount counts the account's trades since the trading-day
// boundary.
func (s *Store) GetSessionTradeCount(account string, dayStart time.Time) (int64, error) {
	var n int64
	err := s.db.Model(&TradeRow{}).
		Where("account_id = ? AND timestamp >= ?", account, dayStart.UTC()).
		Count(&n).Error
	return n, err
}

// GetTradesSince returns the account's trades since a boundary, oldest
// first. The supervisor reads the current trading day through it at startup
// to report the session context a restart inherited.
func (s *Store) GetTradesSince(account string, since time.Time) ([]model.Trade, error) {
	var rows []TradeRow
	err := s.db.
		Where("account_id = ? AND timestamp >= ?", account, since.UTC()).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return tradesFromRows(rows), nil
}

func tradesFromRows(rows []TradeRow) []model.Trade {
	out := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Trade{
			TradeID:     r.TradeID,
			AccountID:   r.AccountID,
			ContractID:  r.ContractID,
			Symbol:      r.Symbol,
			Side:        model.OrderSide(r.Side),
			Quantity:    r.Quantity,
			Price:       r.Price,
			RealizedPnL: r.RealizedPnL,
			Timestamp:   r.Timestamp,
		})
	}
	return out
}

// Lockout operations

// SetLockout deactivates any prior active row for the account and inserts a
// fresh active one, atomically.
func (s *Store) SetLockout(l model.Lockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&LockoutRow{}).
			Where("account_id = ? AND active = ?", l.AccountID, true).
			Update("active", false).Error; err != nil {
			return err
		}
		row := LockoutRow{
			AccountID:       l.AccountID,
			RuleID:          l.RuleID,
			Reason:          l.Reason,
			LockedAt:        l.LockedAt.UTC(),
			UnlockCondition: l.UnlockCondition,
			Active:          true,
		}
		if l.ExpiresAt != nil {
			t := l.ExpiresAt.UTC()
			row.ExpiresAt = &t
		}
		return tx.Create(&row).Error
	})
}

// ClearLockout marks the account's active row inactive. Idempotent.
func (s *Store) ClearLockout(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&LockoutRow{}).
		Where("account_id = ? AND active = ?", account, true).
		Update("active", false).Error
}

// LoadActiveLockouts returns every row still marked active.
func (s *Store) LoadActiveLockouts() ([]model.Lockout, error) {
	var rows []LockoutRow
	if err := s.db.Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Lockout, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Lockout{
			AccountID:       r.AccountID,
			RuleID:          r.RuleID,
			Reason:          r.Reason,
			LockedAt:        r.LockedAt,
			ExpiresAt:       r.ExpiresAt,
			UnlockCondition: r.UnlockCondition,
		})
	}
	return out, nil
}

// ActiveLockoutCount reports how many active rows the account has. Used by
// invariant checks in tests and the supervisor's startup diagnostics.
func (s *Store) ActiveLockoutCount(account string) (int64, error) {
	var n int64
	err := s.db.Model(&LockoutRow{}).
		Where("account_id = ? AND active = ?", account, true).
		Count(&n).Error
	return n, err
}

// Daily P&L operations

// AddRealizedPnL folds delta into the (account, day) accumulator and returns
// the new cumulative total.
func (s *Store) AddRealizedPnL(account, day string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total decimal.Decimal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyPnLRow
		err := tx.Where("account_id = ? AND trading_day = ?", account, day).First(&row).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			row = DailyPnLRow{AccountID: account, TradingDay: day, RealizedTotal: delta}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			row.RealizedTotal = row.RealizedTotal.Add(delta)
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		total = row.RealizedTotal
		return nil
	})
	return total, err
}

// GetDailyPnL returns the cumulative realized total for the day, zero when
// no row exists yet. A read error is retried once, immediately: this runs on
// the event dispatch path, so it must not pause, and a still-failing store
// escalates through the realized-limit rules instead of waiting here.
func (s *Store) GetDailyPnL(account, day string) (decimal.Decimal, error) {
	total, err := s.readDailyPnL(account, day)
	if err != nil {
		total, err = s.readDailyPnL(account, day)
	}
	return total, err
}

func (s *Store) readDailyPnL(account, day string) (decimal.Decimal, error) {
	var row DailyPnLRow
	err := s.db.Where("account_id = ? AND trading_day = ?", account, day).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return row.RealizedTotal, nil
}

// EnsureDay creates the day row if absent, making the reset boundary
// idempotent: crossing it twice still yields one fresh row.
func (s *Store) EnsureDay(account, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := DailyPnLRow{AccountID: account, TradingDay: day, RealizedTotal: decimal.Zero}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Position snapshot operations

// SavePositionSnapshot upserts the live view of one position.
func (s *Store) SavePositionSnapshot(p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := PositionSnapshotRow{
		ContractID:    p.ContractID,
		AccountID:     p.AccountID,
		SymbolRoot:    p.SymbolRoot,
		Size:          p.Size,
		AvgEntryPrice: p.AvgEntryPrice,
		OpenedAt:      p.OpenedAt.UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// DeletePositionSnapshot drops the snapshot after a close.
func (s *Store) DeletePositionSnapshot(contractID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(&PositionSnapshotRow{}, "contract_id = ?", contractID).Error
}

// LoadPositionSnapshots returns the snapshots for one account.
func (s *Store) LoadPositionSnapshots(account string) ([]model.Position, error) {
	var rows []PositionSnapshotRow
	if err := s.db.Where("account_id = ?", account).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Position{
			ContractID:    r.ContractID,
			AccountID:     r.AccountID,
			SymbolRoot:    r.SymbolRoot,
			Size:          r.Size,
			AvgEntryPrice: r.AvgEntryPrice,
			OpenedAt:      r.OpenedAt,
		})
	}
	return out, nil
}
