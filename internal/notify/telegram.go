// Package notify pushes enforcement activity to operators. The telegram
// notifier consumes violation and enforcement events from the bus and
// answers a small command surface for checking on the engine from a phone.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"riskguard/internal/events"
	"riskguard/internal/lockout"
	"riskguard/internal/pnl"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Violation alerts & remote status commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Commands:
//   🛡️ /status    engine uptime, rules loaded, event counters
//   💰 /pnl       daily realized P&L per account
//   🔒 /lockouts  active lockouts with remaining time
//   📈 /positions open positions
//
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the snapshot the /status command reports. Filled by the
// supervisor.
type Status struct {
	Uptime       time.Duration
	RulesLoaded  int
	Connected    bool
	EventsSeen   int64
	Duplicates   int64
	ActiveTimers int
}

// Telegram is the notifier. Construct with NewTelegram, attach to the bus
// with Attach, then Start the command loop.
type Telegram struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	accounts []string
	lockouts *lockout.Manager
	tracker  *pnl.Tracker
	calc     *pnl.Calculator
	status   func() Status
}

// NewTelegram creates the notifier from a bot token and chat id.
func NewTelegram(token string, chatID int64, accounts []string, lockouts *lockout.Manager, tracker *pnl.Tracker, calc *pnl.Calculator, status func() Status) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	if status == nil {
		status = func() Status { return Status{} }
	}
	t := &Telegram{
		api:      api,
		chatID:   chatID,
		stopCh:   make(chan struct{}),
		accounts: accounts,
		lockouts: lockouts,
		tracker:  tracker,
		calc:     calc,
		status:   status,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return t, nil
}

// Attach subscribes the notifier to the engine's output events.
func (t *Telegram) Attach(bus *events.Bus) {
	bus.Subscribe(events.RuleViolated, "telegram", t.onViolation)
	bus.Subscribe(events.EnforcementAction, "telegram", t.onEnforcement)
	bus.Subscribe(events.LockoutSet, "telegram", t.onLockoutSet)
	bus.Subscribe(events.LockoutCleared, "telegram", t.onLockoutCleared)
}

// Start begins the command loop.
func (t *Telegram) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.commandLoop()
	log.Info().Msg("📱 Telegram notifier started")
}

// Stop halts the command loop.
func (t *Telegram) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.api.StopReceivingUpdates()
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send telegram message")
	}
}

// Event handlers

func (t *Telegram) onViolation(ev events.Event) {
	v := ev.Violation
	if v == nil {
		return
	}
	icon := "🚨"
	if v.Action == events.ActionAlertOnly {
		icon = "ℹ️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n%s", icon, v.Name, v.Message)
	if v.Symbol != "" {
		fmt.Fprintf(&b, "\nSymbol: %s", v.Symbol)
	}
	if v.Lockout || v.Cooldown > 0 {
		fmt.Fprintf(&b, "\nAccount %s locked", v.AccountID)
		if v.Cooldown > 0 {
			fmt.Fprintf(&b, " for %s", v.Cooldown)
		}
	}
	t.send(b.String())
}

func (t *Telegram) onEnforcement(ev events.Event) {
	if ev.Result == nil || ev.Violation == nil {
		return
	}
	if ev.Result.Success {
		t.send(fmt.Sprintf("✅ %s executed (%s, account %s)",
			ev.Result.Action, ev.Violation.Rule, ev.AccountID))
		return
	}
	t.send(fmt.Sprintf("❌ %s FAILED (%s, account %s)\n%s\nOperator action required.",
		ev.Result.Action, ev.Violation.Rule, ev.AccountID, ev.Result.Error))
}

func (t *Telegram) onLockoutSet(ev events.Event) {
	t.send(fmt.Sprintf("🔒 Account %s locked out\n%s", ev.AccountID, ev.Detail))
}

func (t *Telegram) onLockoutCleared(ev events.Event) {
	t.send(fmt.Sprintf("🔓 Account %s unlocked (%s)", ev.AccountID, ev.Detail))
}

// Command loop

func (t *Telegram) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-t.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				continue
			}
			t.handleCommand(update.Message.Command())
		}
	}
}

func (t *Telegram) handleCommand(cmd string) {
	switch cmd {
	case "status":
		t.send(t.statusText())
	case "pnl":
		t.send(t.pnlText())
	case "lockouts":
		t.send(t.lockoutsText())
	case "positions":
		t.send(t.positionsText())
	case "help", "start":
		t.send("🛡️ riskguard\n/status /pnl /lockouts /positions")
	}
}

func (t *Telegram) statusText() string {
	s := t.status()
	conn := "🔴 disconnected"
	if s.Connected {
		conn = "🟢 connected"
	}
	return fmt.Sprintf("🛡️ riskguard status\nGateway: %s\nUptime: %s\nRules loaded: %d\nEvents: %d (%d duplicates dropped)\nActive timers: %d",
		conn, s.Uptime.Round(time.Second), s.RulesLoaded, s.EventsSeen, s.Duplicates, s.ActiveTimers)
}

func (t *Telegram) pnlText() string {
	var b strings.Builder
	b.WriteString("💰 Daily realized P&L\n")
	for _, acc := range t.accounts {
		total, err := t.tracker.GetDailyPnL(acc)
		if err != nil {
			fmt.Fprintf(&b, "%s: read error\n", acc)
			continue
		}
		fmt.Fprintf(&b, "%s: $%s\n", acc, total.StringFixed(2))
	}
	return b.String()
}

func (t *Telegram) lockoutsText() string {
	active := t.lockouts.ActiveLockouts()
	if len(active) == 0 {
		return "🔓 No active lockouts"
	}
	var b strings.Builder
	b.WriteString("🔒 Active lockouts\n")
	for _, l := range active {
		remaining := "permanent"
		if l.ExpiresAt != nil {
			remaining = time.Until(*l.ExpiresAt).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "%s: %s (%s, %s left)\n", l.AccountID, l.RuleID, l.Reason, remaining)
	}
	return b.String()
}

func (t *Telegram) positionsText() string {
	positions := t.calc.Positions()
	if len(positions) == 0 {
		return "📭 No open positions"
	}
	var b strings.Builder
	b.WriteString("📈 Open positions\n")
	for _, p := range positions {
		side := "LONG"
		if !p.IsLong() {
			side = "SHORT"
		}
		line := fmt.Sprintf("%s %s ×%d @ %s", side, p.SymbolRoot, p.AbsSize(), p.AvgEntryPrice.String())
		if u, ok := t.calc.GetUnrealized(p.ContractID); ok {
			line += fmt.Sprintf(" (unrealized $%s)", u.StringFixed(2))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
