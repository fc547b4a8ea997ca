package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RiskConfig is the parsed risk_config.yaml.
type RiskConfig struct {
	General       GeneralConfig       `yaml:"general"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Rules         RulesConfig         `yaml:"rules"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Instruments   []string                    `yaml:"instruments"`
	Timezone      string                      `yaml:"timezone"`
	Logging       LoggingConfig               `yaml:"logging"`
	ContractSpecs map[string]ContractSpecYAML `yaml:"contract_specs"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// ContractSpecYAML is the per-symbol tick geometry as written in YAML.
type ContractSpecYAML struct {
	TickSize  float64 `yaml:"tick_size"`
	TickValue float64 `yaml:"tick_value"`
}

// StorageConfig points at the embedded database.
// URL accepts sqlite://path or postgres://dsn.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// NotificationsConfig configures the alert sinks.
type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds bot credentials; token normally arrives via ${VAR}
// interpolation.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// RulesConfig enumerates the thirteen rule blocks. Every block has at least
// Enabled; a disabled block is never validated beyond parse.
type RulesConfig struct {
	MaxContracts              MaxContractsConfig      `yaml:"max_contracts"`
	MaxContractsPerInstrument PerInstrumentConfig     `yaml:"max_contracts_per_instrument"`
	DailyRealizedLoss         DailyLossConfig         `yaml:"daily_realized_loss"`
	DailyUnrealizedLoss       UnrealizedLossConfig    `yaml:"daily_unrealized_loss"`
	MaxUnrealizedProfit       UnrealizedProfitConfig  `yaml:"max_unrealized_profit"`
	TradeFrequencyLimit       TradeFrequencyConfig    `yaml:"trade_frequency_limit"`
	CooldownAfterLoss         CooldownAfterLossConfig `yaml:"cooldown_after_loss"`
	NoStopLossGrace           NoStopLossGraceConfig   `yaml:"no_stop_loss_grace"`
	SessionBlockOutside       SessionBlockConfig      `yaml:"session_block_outside"`
	AuthLossGuard             AuthLossGuardConfig     `yaml:"auth_loss_guard"`
	SymbolBlocks              SymbolBlocksConfig      `yaml:"symbol_blocks"`
	TradeManagement           TradeManagementConfig   `yaml:"trade_management"`
	DailyRealizedProfit       DailyProfitConfig       `yaml:"daily_realized_profit"`
}

// MaxContractsConfig caps total contracts across all positions on an account.
type MaxContractsConfig struct {
	Enabled       bool  `yaml:"enabled"`
	Limit         int64 `yaml:"limit"`
	PerInstrument bool  `yaml:"per_instrument"`
}

// PerInstrumentConfig caps contracts per symbol root.
type PerInstrumentConfig struct {
	Enabled             bool             `yaml:"enabled"`
	Limits              map[string]int64 `yaml:"limits"`
	UnknownSymbolPolicy string           `yaml:"unknown_symbol_policy"` // block | allow_with_limit:N | allow_unlimited
}

// UnknownPolicy is the parsed unknown_symbol_policy.
type UnknownPolicy struct {
	Mode  string // "block", "limit", "unlimited"
	Limit int64  // set when Mode == "limit"
}

// ParseUnknownPolicy interprets the unknown_symbol_policy string. Malformed
// allow_with_limit values degrade to block with a warning so a typo tightens
// rather than loosens enforcement.
func ParseUnknownPolicy(s string) UnknownPolicy {
	switch {
	case s == "" || s == "block":
		return UnknownPolicy{Mode: "block"}
	case s == "allow_unlimited":
		return UnknownPolicy{Mode: "unlimited"}
	case strings.HasPrefix(s, "allow_with_limit:"):
		raw := strings.TrimPrefix(s, "allow_with_limit:")
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n <= 0 {
			log.Warn().
				Str("policy", s).
				Msg("⚠️ Malformed allow_with_limit value, treating unknown symbols as blocked")
			return UnknownPolicy{Mode: "block"}
		}
		return UnknownPolicy{Mode: "limit", Limit: n}
	default:
		log.Warn().
			Str("policy", s).
			Msg("⚠️ Unrecognized unknown_symbol_policy, treating unknown symbols as blocked")
		return UnknownPolicy{Mode: "block"}
	}
}

// DailyLossConfig locks the account when cumulative realized P&L falls to the
// limit. Limit is negative dollars.
type DailyLossConfig struct {
	Enabled bool    `yaml:"enabled"`
	Limit   float64 `yaml:"limit"`
}

// DailyProfitConfig locks the account when cumulative realized P&L reaches
// the target. Target is positive dollars.
type DailyProfitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Target  float64 `yaml:"target"`
}

// UnrealizedLossConfig closes any single position whose open P&L falls to
// LossLimit (negative dollars).
type UnrealizedLossConfig struct {
	Enabled   bool    `yaml:"enabled"`
	LossLimit float64 `yaml:"loss_limit"`
}

// UnrealizedProfitConfig closes any single position whose open P&L reaches
// Target (positive dollars).
type UnrealizedProfitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Target  float64 `yaml:"target"`
}

// TradeFrequencyConfig bounds trade counts per rolling window. A zero limit
// disables that window.
type TradeFrequencyConfig struct {
	Enabled    bool           `yaml:"enabled"`
	PerMinute  int            `yaml:"per_minute"`
	PerHour    int            `yaml:"per_hour"`
	PerSession int            `yaml:"per_session"`
	Cooldowns  FrequencyCools `yaml:"cooldowns"`
}

// FrequencyCools holds the cooldown applied per breached window.
type FrequencyCools struct {
	Minute  string `yaml:"minute"`
	Hour    string `yaml:"hour"`
	Session string `yaml:"session"`
}

// CooldownTier pairs a single-trade loss threshold with a cooldown length.
type CooldownTier struct {
	LossAmount float64 `yaml:"loss_amount"` // negative dollars
	Duration   string  `yaml:"duration"`
}

// CooldownAfterLossConfig starts a cooldown scaled to how bad the losing
// trade was.
type CooldownAfterLossConfig struct {
	Enabled bool           `yaml:"enabled"`
	Tiers   []CooldownTier `yaml:"tiers"`
	Flatten bool           `yaml:"flatten"`
}

// NoStopLossGraceConfig closes positions that go unprotected past the grace.
type NoStopLossGraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Grace   string `yaml:"grace"` // e.g. "60s"
}

// SessionBlockConfig flattens and locks when trading outside session hours.
// The hours themselves live in timers_config.yaml.
type SessionBlockConfig struct {
	Enabled         bool `yaml:"enabled"`
	BlockWeekends   bool `yaml:"block_weekends"`
	RespectHolidays bool `yaml:"respect_holidays"`
}

// AuthLossGuardConfig alerts on gateway connection loss; never enforces.
type AuthLossGuardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SymbolBlocksConfig rejects positions/orders on blocklisted symbols.
// Patterns are case-insensitive shell globs ("M*", "ES").
type SymbolBlocksConfig struct {
	Enabled bool     `yaml:"enabled"`
	Blocked []string `yaml:"blocked"`
}

// BracketLeg configures one side of the automatic bracket.
type BracketLeg struct {
	Enabled  bool  `yaml:"enabled"`
	Distance int64 `yaml:"distance"` // ticks from entry
}

// TrailingConfig configures trailing-stop maintenance.
type TrailingConfig struct {
	Enabled    bool  `yaml:"enabled"`
	TrailTicks int64 `yaml:"trail_ticks"`
}

// TradeManagementConfig drives the order-placement automation.
type TradeManagementConfig struct {
	Enabled        bool           `yaml:"enabled"`
	AutoStopLoss   BracketLeg     `yaml:"auto_stop_loss"`
	AutoTakeProfit BracketLeg     `yaml:"auto_take_profit"`
	Trailing       TrailingConfig `yaml:"trailing"`
}

// validate checks each enabled rule block and the hierarchy constraints that
// span blocks. Returns the first problem found.
func (r *RulesConfig) validate(instruments []string) error {
	if r.MaxContracts.Enabled {
		if r.MaxContracts.Limit <= 0 {
			return fmt.Errorf("rules.max_contracts.limit must be > 0")
		}
		if r.MaxContracts.PerInstrument && !r.MaxContractsPerInstrument.Enabled {
			return fmt.Errorf("rules.max_contracts.per_instrument requires rules.max_contracts_per_instrument.enabled")
		}
	}

	if r.MaxContractsPerInstrument.Enabled {
		known := make(map[string]bool, len(instruments))
		for _, s := range instruments {
			known[strings.ToUpper(s)] = true
		}
		for sym, lim := range r.MaxContractsPerInstrument.Limits {
			if lim <= 0 {
				return fmt.Errorf("rules.max_contracts_per_instrument.limits[%s] must be > 0", sym)
			}
			if !known[strings.ToUpper(sym)] {
				return fmt.Errorf("rules.max_contracts_per_instrument.limits[%s] not in general.instruments", sym)
			}
			if r.MaxContracts.Enabled && lim > r.MaxContracts.Limit {
				return fmt.Errorf("rules.max_contracts_per_instrument.limits[%s] (%d) exceeds account limit (%d)",
					sym, lim, r.MaxContracts.Limit)
			}
		}
	}

	if r.DailyRealizedLoss.Enabled && r.DailyRealizedLoss.Limit >= 0 {
		return fmt.Errorf("rules.daily_realized_loss.limit must be negative")
	}
	if r.DailyRealizedProfit.Enabled && r.DailyRealizedProfit.Target <= 0 {
		return fmt.Errorf("rules.daily_realized_profit.target must be positive")
	}
	if r.DailyUnrealizedLoss.Enabled && r.DailyUnrealizedLoss.LossLimit >= 0 {
		return fmt.Errorf("rules.daily_unrealized_loss.loss_limit must be negative")
	}
	if r.MaxUnrealizedProfit.Enabled && r.MaxUnrealizedProfit.Target <= 0 {
		return fmt.Errorf("rules.max_unrealized_profit.target must be positive")
	}

	if r.TradeFrequencyLimit.Enabled {
		f := r.TradeFrequencyLimit
		if f.PerMinute <= 0 && f.PerHour <= 0 && f.PerSession <= 0 {
			return fmt.Errorf("rules.trade_frequency_limit needs at least one window limit")
		}
		if f.PerMinute > 0 && f.PerHour > 0 && f.PerMinute*60 > f.PerHour {
			return fmt.Errorf("rules.trade_frequency_limit: per_minute×60 (%d) exceeds per_hour (%d)",
				f.PerMinute*60, f.PerHour)
		}
		if f.PerHour > 0 && f.PerSession > 0 && f.PerHour*8 > f.PerSession {
			return fmt.Errorf("rules.trade_frequency_limit: per_hour×8 (%d) exceeds per_session (%d)",
				f.PerHour*8, f.PerSession)
		}
		for name, d := range map[string]string{
			"minute":  f.Cooldowns.Minute,
			"hour":    f.Cooldowns.Hour,
			"session": f.Cooldowns.Session,
		} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("rules.trade_frequency_limit.cooldowns.%s: %w", name, err)
			}
		}
	}

	if r.CooldownAfterLoss.Enabled {
		if len(r.CooldownAfterLoss.Tiers) == 0 {
			return fmt.Errorf("rules.cooldown_after_loss.tiers must not be empty")
		}
		for i, t := range r.CooldownAfterLoss.Tiers {
			if t.LossAmount >= 0 {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].loss_amount must be negative", i)
			}
			if _, err := time.ParseDuration(t.Duration); err != nil {
				return fmt.Errorf("rules.cooldown_after_loss.tiers[%d].duration: %w", i, err)
			}
		}
	}

	if r.NoStopLossGrace.Enabled {
		d, err := time.ParseDuration(r.NoStopLossGrace.Grace)
		if err != nil {
			return fmt.Errorf("rules.no_stop_loss_grace.grace: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("rules.no_stop_loss_grace.grace must be > 0")
		}
	}

	if r.TradeManagement.Enabled {
		tm := r.TradeManagement
		if tm.AutoStopLoss.Enabled && tm.AutoStopLoss.Distance <= 0 {
			return fmt.Errorf("rules.trade_management.auto_stop_loss.distance must be > 0")
		}
		if tm.AutoTakeProfit.Enabled && tm.AutoTakeProfit.Distance <= 0 {
			return fmt.Errorf("rules.trade_management.auto_take_profit.distance must be > 0")
		}
		if tm.Trailing.Enabled && tm.Trailing.TrailTicks <= 0 {
			return fmt.Errorf("rules.trade_management.trailing.trail_ticks must be > 0")
		}
	}

	return nil
}
