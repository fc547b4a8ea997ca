package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType is the enforcement a violation or automation directive asks for.
type ActionType string

const (
	ActionClosePosition      ActionType = "close_position"
	ActionCloseAll           ActionType = "close_all"
	ActionCancelOrder        ActionType = "cancel_order"
	ActionCooldown           ActionType = "cooldown"
	ActionFlatten            ActionType = "flatten"
	ActionPlaceStopLoss      ActionType = "place_stop_loss"
	ActionPlaceTakeProfit    ActionType = "place_take_profit"
	ActionPlaceBracketOrder  ActionType = "place_bracket_order"
	ActionAdjustTrailingStop ActionType = "adjust_trailing_stop"
	ActionAlertOnly          ActionType = "alert_only"
)

// MutatesBroker reports whether the action requires a gateway call.
func (a ActionType) MutatesBroker() bool {
	switch a {
	case ActionAlertOnly, ActionCooldown:
		return false
	}
	return true
}

// AutomationParams carries the order geometry for trade-management actions.
// Prices are absolute, already derived from entry/extreme and tick size.
type AutomationParams struct {
	ContractID      string
	Symbol          string
	Side            string // "long" or "short", the position side being protected
	Size            int64
	StopPrice       *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	OrderID         string // set for adjust_trailing_stop
}

// Violation is what a rule returns when its policy is breached, and doubles
// as the automation directive for trade-management rules. Every violation
// carries a human-readable Message; enforcement routing keys off Action and
// LockoutRequired.
type Violation struct {
	Rule       string // snake id, e.g. "trade_frequency"
	Name       string // display name, e.g. "TradeFrequencyLimit"
	AccountID  string
	Symbol     string
	ContractID string
	OrderID    string // set when Action targets one order
	Action     ActionType
	Lockout    bool
	Cooldown   time.Duration // > 0 for cooldown-category rules
	NextUnlock *time.Time    // set for hard lockouts with a scheduled unlock
	Message    string
	Automation *AutomationParams
}

// CooldownTimerName is the canonical auto-unlock timer name for a
// rule-scoped lockout, e.g. "trade_frequency_ACC-001". The lockout manager
// derives the same name from a persisted row so a restart reschedules the
// unlock under the name the rule expects.
func CooldownTimerName(rule, account string) string {
	return rule + "_" + account
}

// TimerName returns the canonical auto-unlock timer name for this violation's
// lockout.
func (v *Violation) TimerName() string {
	return CooldownTimerName(v.Rule, v.AccountID)
}

// ActionResult reports the outcome of one enforcement call.
type ActionResult struct {
	Action   ActionType
	Success  bool
	Error    string
	Duration time.Duration
}
