package rules

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"riskguard/internal/config"
	"riskguard/internal/events"
	"riskguard/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RULE ENGINE - Dispatches every event to the rule set, in registration order
// ═══════════════════════════════════════════════════════════════════════════════

// Executor carries out the broker-mutating side of a violation batch. The
// engine publishes RULE_VIOLATED itself; the executor owns the gateway calls
// and the ENFORCEMENT_ACTION results.
type Executor interface {
	Execute(batch []events.Violation)
}

// repeatedFailureThreshold is how many consecutive panics from one rule
// raise the escalated alert.
const repeatedFailureThreshold = 3

// Engine evaluates the registered rules against each event. Evaluation is
// serial: HandleEvent runs on the dispatch goroutine, so every rule sees a
// consistent snapshot of positions, prices and P&L for one event.
type Engine struct {
	deps     *Deps
	rules    []Rule
	executor Executor
	publish  func(events.Event)

	failures   map[string]int
	violations atomic.Int64
}

// NewEngine builds an engine over the shared dependencies. Register rules
// with Register; wire deps.Trigger before handing deps to rules that fire
// from timers.
func NewEngine(deps *Deps, executor Executor, publish func(events.Event)) *Engine {
	e := &Engine{
		deps:     deps,
		executor: executor,
		publish:  publish,
		failures: make(map[string]int),
	}
	deps.Trigger = e.processOne
	return e
}

// Register appends a rule. Evaluation order is registration order.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
	log.Info().Str("rule", r.ID()).Msg("📋 Rule registered")
}

// Rules returns the registered rule count, for startup diagnostics.
func (e *Engine) Rules() int { return len(e.rules) }

// ViolationCount reports how many violations have been processed.
func (e *Engine) ViolationCount() int64 { return e.violations.Load() }

// LoadRuleSet registers every enabled rule from the config, in the fixed
// 001..013 order.
func (e *Engine) LoadRuleSet(cfg *config.Config) {
	r := cfg.Risk.Rules
	if r.MaxContracts.Enabled {
		e.Register(NewMaxContracts(r.MaxContracts))
	}
	if r.MaxContractsPerInstrument.Enabled {
		e.Register(NewMaxContractsPerInstrument(r.MaxContractsPerInstrument))
	}
	if r.DailyRealizedLoss.Enabled {
		e.Register(NewDailyRealizedLoss(r.DailyRealizedLoss))
	}
	if r.DailyUnrealizedLoss.Enabled {
		e.Register(NewDailyUnrealizedLoss(r.DailyUnrealizedLoss))
	}
	if r.MaxUnrealizedProfit.Enabled {
		e.Register(NewMaxUnrealizedProfit(r.MaxUnrealizedProfit))
	}
	if r.TradeFrequencyLimit.Enabled {
		e.Register(NewTradeFrequency(r.TradeFrequencyLimit))
	}
	if r.CooldownAfterLoss.Enabled {
		e.Register(NewCooldownAfterLoss(r.CooldownAfterLoss))
	}
	if r.NoStopLossGrace.Enabled {
		e.Register(NewNoStopLossGrace(r.NoStopLossGrace))
	}
	if r.SessionBlockOutside.Enabled {
		e.Register(NewSessionBlock(r.SessionBlockOutside, cfg.Timers.SessionHours, cfg.SessionLocation(), cfg.Timers.HolidaySet()))
	}
	if r.AuthLossGuard.Enabled {
		e.Register(NewAuthLossGuard())
	}
	if r.SymbolBlocks.Enabled {
		e.Register(NewSymbolBlocks(r.SymbolBlocks))
	}
	if r.TradeManagement.Enabled {
		e.Register(NewTradeManagement(r.TradeManagement))
	}
	if r.DailyRealizedProfit.Enabled {
		e.Register(NewDailyRealizedProfit(r.DailyRealizedProfit))
	}
}

// HandleEvent runs the rule set against one event and carries out whatever
// the rules decided. Must run on the dispatch goroutine.
func (e *Engine) HandleEvent(ev events.Event) {
	switch ev.Type {
	case events.RuleViolated, events.EnforcementAction,
		events.LockoutSet, events.LockoutCleared, events.DailyReset:
		// Engine output; evaluating it again would loop.
		return
	}

	var batch []events.Violation

	if v := e.lockoutGuard(ev); v != nil {
		batch = append(batch, *v)
	}

	for _, r := range e.rules {
		if v := e.evaluate(r, ev); v != nil {
			batch = append(batch, *v)
		}
	}
	if len(batch) == 0 {
		return
	}

	for _, v := range batch {
		e.applyViolation(v)
	}
	if e.executor != nil {
		e.executor.Execute(batch)
	}
}

// lockoutGuard closes anything opened while the account is locked out. The
// lockout itself blocks nothing broker-side; this is where it bites.
func (e *Engine) lockoutGuard(ev events.Event) *events.Violation {
	if ev.Type != events.PositionOpened || ev.Position == nil {
		return nil
	}
	if !e.deps.Lockouts.IsLockedOut(ev.AccountID) {
		return nil
	}
	info, _ := e.deps.Lockouts.GetLockoutInfo(ev.AccountID)
	return &events.Violation{
		Rule:       "lockout_guard",
		Name:       "LockoutGuard",
		AccountID:  ev.AccountID,
		Symbol:     ev.Position.SymbolRoot,
		ContractID: ev.Position.ContractID,
		Action:     events.ActionClosePosition,
		Message:    "Position opened while locked out (" + info.Reason + ")",
	}
}

// evaluate runs one rule with panic containment. A panicking rule loses its
// say on this event only; repeated panics raise an escalated alert.
func (e *Engine) evaluate(r Rule, ev events.Event) (v *events.Violation) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			e.failures[r.ID()]++
			n := e.failures[r.ID()]
			log.Error().
				Str("rule", r.ID()).
				Str("event", string(ev.Type)).
				Int("consecutive", n).
				Interface("panic", rec).
				Msg("💥 Rule evaluation panicked")
			if n >= repeatedFailureThreshold {
				log.Error().
					Str("rule", r.ID()).
					Int("consecutive", n).
					Msg("🚨 Rule failing repeatedly, check its configuration")
			}
		}
	}()
	v = r.Evaluate(ev, e.deps)
	e.failures[r.ID()] = 0
	return v
}

// processOne is the out-of-band violation path used by timer-fired rules.
func (e *Engine) processOne(v events.Violation) {
	e.applyViolation(v)
	if e.executor != nil {
		e.executor.Execute([]events.Violation{v})
	}
}

// applyViolation publishes RULE_VIOLATED and applies any lockout the
// violation demands.
func (e *Engine) applyViolation(v events.Violation) {
	e.violations.Add(1)
	now := e.deps.Now()

	logEvent := log.Warn().
		Str("rule", v.Rule).
		Str("account", v.AccountID).
		Str("action", string(v.Action))
	if v.Symbol != "" {
		logEvent = logEvent.Str("symbol", v.Symbol)
	}
	if v.Action == events.ActionAlertOnly {
		logEvent = log.Info().Str("rule", v.Rule).Str("account", v.AccountID)
	}
	logEvent.Msg("🚨 " + v.Message)

	vCopy := v
	e.publish(events.Event{
		Type:      events.RuleViolated,
		Timestamp: now,
		Source:    "rule_engine",
		AccountID: v.AccountID,
		Violation: &vCopy,
	})

	if !v.Lockout && v.Cooldown <= 0 {
		return
	}
	l := e.lockoutFor(v, now)
	if err := e.deps.Lockouts.SetLockout(l); err != nil {
		log.Error().Err(err).
			Str("rule", v.Rule).
			Str("account", v.AccountID).
			Msg("Failed to set lockout")
	}
}

// lockoutFor translates a violation into its lockout row. Cooldowns carry
// their duration as the unlock condition; hard lockouts carry the configured
// token and the scheduled unlock instant the rule computed.
func (e *Engine) lockoutFor(v events.Violation, now time.Time) model.Lockout {
	l := model.Lockout{
		AccountID: v.AccountID,
		RuleID:    v.Rule,
		Reason:    v.Message,
		LockedAt:  now,
	}
	if v.Cooldown > 0 {
		exp := now.Add(v.Cooldown)
		l.ExpiresAt = &exp
		l.UnlockCondition = v.Cooldown.String()
		return l
	}

	spec := e.deps.Cfg.Timers.UnlockSpecFor(v.Rule)
	l.UnlockCondition = spec.Token
	switch {
	case v.NextUnlock != nil:
		l.ExpiresAt = v.NextUnlock
	case spec.Kind == config.UnlockAfterDuration:
		exp := now.Add(spec.Duration)
		l.ExpiresAt = &exp
	case spec.Kind == config.UnlockAtReset:
		exp := e.deps.Tracker.NextReset(now)
		l.ExpiresAt = &exp
	case spec.Kind == config.UnlockNever:
		// permanent: ExpiresAt stays nil
	}
	return l
}
