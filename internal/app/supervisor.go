// Package app owns the runtime lifecycle: construct every subsystem in
// dependency order, recover persisted state, connect the gateway last, and
// tear it all down in reverse. It also runs the heartbeat and the dry-run
// event generator.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"riskguard/internal/broker"
	"riskguard/internal/clock"
	"riskguard/internal/config"
	"riskguard/internal/enforce"
	"riskguard/internal/events"
	"riskguard/internal/lockout"
	"riskguard/internal/notify"
	"riskguard/internal/pnl"
	"riskguard/internal/router"
	"riskguard/internal/rules"
	"riskguard/internal/storage"
	"riskguard/internal/timer"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RUNTIME SUPERVISOR - Startup order, heartbeat, post-condition checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Startup: store → timer wheel → lockout recovery → P&L → bus/dispatcher →
// router (gateway subscriptions last) → rule set → heartbeat.
// Shutdown reverses.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrGatewayUnavailable wraps gateway login/connect failures so main can map
// them to exit code 3.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// Options tweak supervisor construction.
type Options struct {
	DryRun    bool
	AccountID string // overrides accounts.yaml selection
	Clock     clock.Clock
}

// Supervisor holds every subsystem and drives its lifecycle.
type Supervisor struct {
	cfg *config.Config
	clk clock.Clock

	store      *storage.Store
	wheel      *timer.Wheel
	lockouts   *lockout.Manager
	tracker    *pnl.Tracker
	calc       *pnl.Calculator
	bus        *events.Bus
	dispatcher *events.Dispatcher
	rtr        *router.Router
	engine     *rules.Engine
	executor   *enforce.Executor
	gateway    broker.Gateway
	stream     broker.Stream
	sim        *broker.Simulator
	telegram   *notify.Telegram

	accounts  []string
	dryRun    bool
	startedAt time.Time
	connected atomic.Bool

	group    *errgroup.Group
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs the full engine from config. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	accounts := cfg.Accounts.AccountIDs()
	if opts.AccountID != "" {
		accounts = []string{opts.AccountID}
	}

	s := &Supervisor{
		cfg:      cfg,
		clk:      clk,
		accounts: accounts,
		dryRun:   opts.DryRun,
		stopCh:   make(chan struct{}),
	}

	// Persistence first: everything downstream recovers from it.
	store, err := storage.New(cfg.Risk.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s.store = store

	s.bus = events.NewBus()
	s.dispatcher = events.NewDispatcher(s.bus)

	// Timer callbacks route through the dispatcher so they never
	// interleave with a half-processed event.
	s.wheel = timer.NewWheel(clk, timer.WithSubmit(s.dispatcher.Submit))

	s.lockouts = lockout.NewManager(store, s.wheel, clk, s.dispatcher.Publish)

	resetHour, resetMin := cfg.ResetWallClock()
	s.tracker = pnl.NewTracker(store, clk, cfg.ResetLocation(), resetHour, resetMin)
	s.calc = pnl.NewCalculator(cfg.ContractSpecs())

	if err := s.buildGateway(); err != nil {
		return nil, err
	}

	protective := router.NewProtectiveCache(s.gateway, clk, cfg.API.ProtectiveTTLDuration())
	correlator := router.NewCorrelator(clk, cfg.API.CorrelationTTLDuration())
	s.rtr = router.New(s.dispatcher.Publish, protective, correlator, s.calc, s.tracker, store, clk, cfg.API.DedupTTLDuration())

	s.executor = enforce.NewExecutor(s.gateway, cfg.API.TimeoutDuration(), clk, s.dispatcher.Publish)

	deps := &rules.Deps{
		Calc:       s.calc,
		Tracker:    s.tracker,
		Lockouts:   s.lockouts,
		Wheel:      s.wheel,
		History:    store,
		Protective: protective,
		Clk:        clk,
		Cfg:        cfg,
	}
	s.engine = rules.NewEngine(deps, s.executor, s.dispatcher.Publish)
	s.engine.LoadRuleSet(cfg)

	if tg := cfg.Risk.Notifications.Telegram; tg.Enabled {
		notifier, err := notify.NewTelegram(tg.BotToken, tg.ChatID, accounts, s.lockouts, s.tracker, s.calc, s.Status)
		if err != nil {
			// Notification is advisory; a bad token must not stop
			// enforcement.
			log.Error().Err(err).Msg("Telegram notifier unavailable, continuing without it")
		} else {
			s.telegram = notifier
		}
	}

	return s, nil
}

// buildGateway selects the simulator (dry run) or the live gateway behind a
// circuit breaker.
func (s *Supervisor) buildGateway() error {
	if s.dryRun {
		sim := broker.NewSimulator(s.primaryAccount(), s.clk)
		s.sim = sim
		s.gateway = sim
		s.stream = sim
		return nil
	}

	if err := s.cfg.Accounts.ValidateCredentials(); err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	creds := s.cfg.Accounts.TopstepX
	client := broker.NewProjectXClient(
		creds.APIURL,
		creds.Username,
		creds.APIKey,
		s.cfg.API.TimeoutDuration(),
		s.cfg.API.Retry.MaxAttempts,
		s.cfg.API.BackoffDuration(),
	)
	s.gateway = broker.NewBreakerGateway(client)
	s.stream = broker.NewEventStream(
		broker.WSURLFromAPI(creds.APIURL),
		s.primaryAccount(),
		s.cfg.Risk.General.Instruments,
		client.Bearer,
	)
	return nil
}

func (s *Supervisor) primaryAccount() string {
	if len(s.accounts) > 0 {
		return s.accounts[0]
	}
	return ""
}

// Start brings the engine up in dependency order and verifies the
// post-conditions. Returns once everything is running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startedAt = s.clk.Now()
	s.group, _ = errgroup.WithContext(ctx)

	// 1. Persistence is already open (construction); verify it answers.
	if _, err := s.store.LoadActiveLockouts(); err != nil {
		return fmt.Errorf("database check: %w", err)
	}

	// 2. Timer wheel.
	s.group.Go(func() error { s.wheel.Run(); return nil })

	// 3. Lockout recovery before any event can slip past a dead lockout.
	restored, err := s.lockouts.LoadFromDB()
	if err != nil {
		return fmt.Errorf("lockout recovery: %w", err)
	}

	// 4. P&L day rows for every guarded account.
	for _, acc := range s.accounts {
		if err := s.tracker.ResetDaily(acc); err != nil {
			log.Error().Err(err).Str("account", acc).Msg("Failed to ensure daily P&L row")
		}
	}
	s.reportLeftoverSnapshots()
	s.reportSessionContext()

	// 5. Dispatcher, then the engine and notifier subscriptions.
	s.bus.SubscribeAll("rule_engine", s.engine.HandleEvent)
	s.bus.Subscribe(events.SDKConnected, "supervisor", func(events.Event) { s.connected.Store(true) })
	s.bus.Subscribe(events.SDKDisconnected, "supervisor", func(events.Event) { s.connected.Store(false) })
	s.bus.Subscribe(events.AuthFailed, "supervisor", func(events.Event) { s.connected.Store(false) })
	if s.telegram != nil {
		s.telegram.Attach(s.bus)
		s.telegram.Start()
	}
	s.group.Go(func() error { s.dispatcher.Run(); return nil })

	// 6. Gateway stream last: no events until every consumer is wired.
	if err := s.stream.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	s.group.Go(func() error { s.rtr.Run(s.stream.Events()); return nil })

	// 7. Scheduled daily reset + heartbeat.
	if s.cfg.Timers.DailyReset.Enabled {
		s.scheduleDailyReset()
	}
	s.group.Go(func() error { s.heartbeatLoop(); return nil })

	if s.dryRun {
		s.group.Go(func() error { s.dryRunScript(); return nil })
	}

	// Post-condition diagnostics, one line each.
	log.Info().Bool("ok", true).Msg("✅ Post-condition: database connected")
	log.Info().Int("restored", restored).Msg("✅ Post-condition: lockouts recovered")
	log.Info().Int("rules", s.engine.Rules()).Msg("✅ Post-condition: rules loaded")
	log.Info().Bool("dry_run", s.dryRun).Msg("✅ Post-condition: gateway event subscriptions registered")
	log.Info().
		Strs("accounts", s.accounts).
		Msg("🛡️ Risk engine running")
	return nil
}

// Stop tears the engine down in reverse startup order.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.stream.Stop()
		if s.telegram != nil {
			s.telegram.Stop()
		}
		s.dispatcher.Stop()
		s.wheel.Stop()
		if s.group != nil {
			_ = s.group.Wait()
		}
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("Closing store")
		}
		log.Info().Msg("🛑 Risk engine stopped")
	})
}

// Engine exposes the rule engine, for tests and the dry-run script.
func (s *Supervisor) Engine() *rules.Engine { return s.engine }

// Simulator returns the dry-run gateway, nil in live mode.
func (s *Supervisor) Simulator() *broker.Simulator { return s.sim }

// Status snapshots the engine for the /status command and heartbeat.
func (s *Supervisor) Status() notify.Status {
	seen, dups := s.rtr.Stats()
	return notify.Status{
		Uptime:       s.clk.Now().Sub(s.startedAt),
		RulesLoaded:  s.engine.Rules(),
		Connected:    s.connected.Load(),
		EventsSeen:   seen,
		Duplicates:   dups,
		ActiveTimers: len(s.wheel.ActiveTimers()),
	}
}

// reportLeftoverSnapshots logs positions persisted by a previous run that
// never saw their close: evidence of a crash mid-session.
func (s *Supervisor) reportLeftoverSnapshots() {
	for _, acc := range s.accounts {
		snaps, err := s.store.LoadPositionSnapshots(acc)
		if err != nil {
			log.Error().Err(err).Str("account", acc).Msg("Failed to read position snapshots")
			continue
		}
		for _, p := range snaps {
			log.Warn().
				Str("account", acc).
				Str("contract", p.ContractID).
				Int64("size", p.Size).
				Msg("⚠️ Position snapshot from previous run, verify against gateway")
		}
	}
}

// reportSessionContext logs the trades the store already holds for the
// current trading day, so an operator restarting mid-session can see that
// frequency windows and realized totals carried over.
func (s *Supervisor) reportSessionContext() {
	dayStart := s.tracker.DayStart(s.clk.Now())
	for _, acc := range s.accounts {
		trades, err := s.store.GetTradesSince(acc, dayStart)
		if err != nil {
			log.Error().Err(err).Str("account", acc).Msg("Failed to read session trades")
			continue
		}
		if len(trades) == 0 {
			continue
		}
		realized := decimal.Zero
		for _, tr := range trades {
			if tr.RealizedPnL != nil {
				realized = realized.Add(*tr.RealizedPnL)
			}
		}
		log.Info().
			Str("account", acc).
			Int("trades", len(trades)).
			Str("realized", realized.StringFixed(2)).
			Msg("📊 Session context carried over from previous run")
	}
}

// scheduleDailyReset arms the reset timer for the next boundary; the
// callback resets every account and re-arms itself.
func (s *Supervisor) scheduleDailyReset() {
	next := s.tracker.NextReset(s.clk.Now())
	s.wheel.StartTimer("daily_reset", next.Sub(s.clk.Now()), func() {
		for _, acc := range s.accounts {
			if err := s.tracker.ResetDaily(acc); err != nil {
				log.Error().Err(err).Str("account", acc).Msg("Daily reset failed")
			}
			s.dispatcher.Publish(events.Event{
				Type:      events.DailyReset,
				Timestamp: s.clk.Now(),
				Source:    "supervisor",
				AccountID: acc,
			})
		}
		log.Info().Msg("📅 Daily P&L reset")
		s.scheduleDailyReset()
	})
}

// heartbeatLoop logs a one-line pulse with the engine counters.
func (s *Supervisor) heartbeatLoop() {
	interval := s.cfg.API.HeartbeatDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			st := s.Status()
			log.Info().
				Bool("connected", st.Connected).
				Int64("events", st.EventsSeen).
				Int64("duplicates", st.Duplicates).
				Int("timers", st.ActiveTimers).
				Int64("violations", s.engine.ViolationCount()).
				Msg("💓 Heartbeat")
		}
	}
}
