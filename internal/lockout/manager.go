// Package lockout tracks which accounts are blocked from trading. The
// in-memory map is authoritative for access checks; every change is written
// through to the store so lockouts survive restarts.
package lockout

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"riskguard/internal/clock"
	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
	"riskguard/internal/timer"
)

// Store is the slice of persistence the manager needs.
type Store interface {
	SetLockout(l model.Lockout) error
	ClearLockout(account string) error
	LoadActiveLockouts() ([]model.Lockout, error)
}

// Manager owns the account→lockout map. Reads are concurrent; only the
// manager itself writes.
type Manager struct {
	mu       sync.RWMutex
	lockouts map[string]model.Lockout

	store   Store
	wheel   *timer.Wheel
	clk     clock.Clock
	publish func(events.Event)
}

// NewManager wires the manager to its store, wheel and event sink.
func NewManager(store Store, wheel *timer.Wheel, clk clock.Clock, publish func(events.Event)) *Manager {
	if publish == nil {
		publish = func(events.Event) {}
	}
	return &Manager{
		lockouts: make(map[string]model.Lockout),
		store:    store,
		wheel:    wheel,
		clk:      clk,
		publish:  publish,
	}
}

// timerNameFor derives the auto-unlock timer name from the persisted row so
// a restart reschedules under the same name. Cooldown lockouts (plain
// duration tokens) are named by rule, e.g. "trade_frequency_ACC-001"; hard
// lockouts use "lockout_<account>".
func timerNameFor(l model.Lockout) string {
	spec, err := config.ParseUnlockSpec(l.UnlockCondition)
	if err == nil && spec.Kind == config.UnlockAfterDuration && l.RuleID != "" {
		return events.CooldownTimerName(l.RuleID, l.AccountID)
	}
	return "lockout_" + l.AccountID
}

// SetLockout persists and activates a lockout, replacing any prior one for
// the account. A lockout with an expiry gets an auto-unlock timer; one
// without is permanent until an operator clears it.
func (m *Manager) SetLockout(l model.Lockout) error {
	if l.LockedAt.IsZero() {
		l.LockedAt = m.clk.Now()
	}

	if err := m.store.SetLockout(l); err != nil {
		return fmt.Errorf("persisting lockout for %s: %w", l.AccountID, err)
	}

	m.mu.Lock()
	if prev, ok := m.lockouts[l.AccountID]; ok {
		m.wheel.CancelTimer(timerNameFor(prev))
	}
	m.lockouts[l.AccountID] = l
	m.mu.Unlock()

	if l.ExpiresAt != nil {
		m.scheduleUnlock(l)
	}

	evt := log.Warn().
		Str("account", l.AccountID).
		Str("rule", l.RuleID).
		Str("reason", l.Reason)
	if l.ExpiresAt != nil {
		evt = evt.Time("expires_at", *l.ExpiresAt)
	} else {
		evt = evt.Str("expires_at", "permanent")
	}
	evt.Msg("🔒 Account locked out")

	m.publish(events.Event{
		Type:      events.LockoutSet,
		Timestamp: m.clk.Now(),
		Source:    "lockout",
		AccountID: l.AccountID,
		Detail:    l.Reason,
	})
	return nil
}

func (m *Manager) scheduleUnlock(l model.Lockout) {
	d := l.ExpiresAt.Sub(m.clk.Now())
	if d < 0 {
		d = 0
	}
	account := l.AccountID
	m.wheel.StartTimerMeta(timerNameFor(l), d, func() {
		if err := m.ClearLockout(account); err != nil {
			log.Error().Err(err).Str("account", account).Msg("Auto-unlock failed")
		}
	}, map[string]string{"rule": l.RuleID, "account": account})
}

// IsLockedOut reports whether the account is currently blocked. An expired
// lockout reads as unlocked even before its timer has fired.
func (m *Manager) IsLockedOut(account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lockouts[account]
	if !ok {
		return false
	}
	return !l.Expired(m.clk.Now())
}

// GetLockoutInfo returns the active lockout, ok=false when the account is
// unlocked or the lockout has expired.
func (m *Manager) GetLockoutInfo(account string) (model.Lockout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lockouts[account]
	if !ok || l.Expired(m.clk.Now()) {
		return model.Lockout{}, false
	}
	return l, true
}

// ActiveLockouts lists every non-expired lockout, for diagnostics and the
// notifier.
func (m *Manager) ActiveLockouts() []model.Lockout {
	now := m.clk.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Lockout, 0, len(m.lockouts))
	for _, l := range m.lockouts {
		if !l.Expired(now) {
			out = append(out, l)
		}
	}
	return out
}

// ClearLockout unlocks the account, marks the row inactive and cancels any
// pending auto-unlock timer. Idempotent.
func (m *Manager) ClearLockout(account string) error {
	m.mu.Lock()
	prev, had := m.lockouts[account]
	delete(m.lockouts, account)
	m.mu.Unlock()

	if err := m.store.ClearLockout(account); err != nil {
		return fmt.Errorf("clearing lockout for %s: %w", account, err)
	}
	if !had {
		return nil
	}

	m.wheel.CancelTimer(timerNameFor(prev))
	log.Info().
		Str("account", account).
		Str("rule", prev.RuleID).
		Msg("🔓 Account lockout cleared")

	m.publish(events.Event{
		Type:      events.LockoutCleared,
		Timestamp: m.clk.Now(),
		Source:    "lockout",
		AccountID: account,
		Detail:    prev.RuleID,
	})
	return nil
}

// LoadFromDB restores lockouts after a restart: expired rows are marked
// inactive, live ones repopulate the map and get their unlock timers
// rescheduled. Returns how many were restored.
func (m *Manager) LoadFromDB() (int, error) {
	rows, err := m.store.LoadActiveLockouts()
	if err != nil {
		return 0, fmt.Errorf("loading lockouts: %w", err)
	}

	now := m.clk.Now()
	restored := 0
	for _, l := range rows {
		if l.Expired(now) {
			if err := m.store.ClearLockout(l.AccountID); err != nil {
				log.Error().Err(err).
					Str("account", l.AccountID).
					Msg("Failed to deactivate expired lockout row")
			}
			continue
		}
		m.mu.Lock()
		m.lockouts[l.AccountID] = l
		m.mu.Unlock()
		if l.ExpiresAt != nil {
			m.scheduleUnlock(l)
		}
		restored++
		remaining := "permanent"
		if l.ExpiresAt != nil {
			remaining = l.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		log.Info().
			Str("account", l.AccountID).
			Str("rule", l.RuleID).
			Str("remaining", remaining).
			Msg("🔒 Lockout restored from database")
	}
	return restored, nil
}
