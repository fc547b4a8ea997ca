// Package config loads and validates the four YAML files the engine runs
// from: risk_config.yaml (rules, instruments, storage, notifications),
// timers_config.yaml (reset/session/holiday schedule), accounts.yaml
// (gateway identity and monitored accounts) and the optional
// api_config.yaml (timeouts, retries, cache TTLs).
//
// ${VAR} placeholders are expanded from the process environment before
// parsing; unknown YAML keys are rejected so typos fail at startup rather
// than silently disabling a rule.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"riskguard/internal/model"
)

// Config aggregates the four files.
type Config struct {
	Risk     RiskConfig
	Timers   TimersConfig
	Accounts AccountsConfig
	API      APIConfig
}

// Load reads every config file under dir, expands env placeholders,
// validates each file and the cross-file invariants, and resolves
// credentials from the environment. Any error here is a startup blocker.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	if err := loadYAML(filepath.Join(dir, "risk_config.yaml"), &cfg.Risk, true); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "timers_config.yaml"), &cfg.Timers, true); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "accounts.yaml"), &cfg.Accounts, true); err != nil {
		return nil, err
	}
	if err := loadYAML(filepath.Join(dir, "api_config.yaml"), &cfg.API, false); err != nil {
		return nil, err
	}

	cfg.API.applyDefaults()
	cfg.Accounts.resolveCredentials()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML reads one file into out with strict field checking. A missing
// optional file leaves out at its zero value.
func loadYAML(path string, out any, required bool) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Validate checks every file plus the invariants that span files.
func (c *Config) Validate() error {
	if len(c.Risk.General.Instruments) == 0 {
		return fmt.Errorf("general.instruments must not be empty")
	}
	if c.Risk.General.Timezone == "" {
		c.Risk.General.Timezone = "America/New_York"
	}
	if _, err := time.LoadLocation(c.Risk.General.Timezone); err != nil {
		return fmt.Errorf("general.timezone: %w", err)
	}
	switch c.Risk.General.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.logging.level %q not one of debug/info/warn/error", c.Risk.General.Logging.Level)
	}

	for sym, sp := range c.Risk.General.ContractSpecs {
		if sp.TickSize <= 0 || sp.TickValue <= 0 {
			return fmt.Errorf("general.contract_specs[%s]: tick_size and tick_value must be > 0", sym)
		}
	}
	for _, sym := range c.Risk.General.Instruments {
		if _, ok := c.specFor(sym); !ok {
			return fmt.Errorf("general.instruments contains %s with no contract_specs entry", sym)
		}
	}

	if c.Risk.Storage.DatabaseURL == "" {
		c.Risk.Storage.DatabaseURL = "sqlite://riskguard.db"
	}

	if err := c.Risk.Rules.validate(c.Risk.General.Instruments); err != nil {
		return err
	}
	if err := c.Timers.validate(); err != nil {
		return err
	}
	if err := c.Accounts.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}

	// Cross-file: rules that schedule unlocks need the schedule they
	// reference to exist.
	if c.Risk.Rules.SessionBlockOutside.Enabled && !c.Timers.SessionHours.Enabled {
		return fmt.Errorf("rules.session_block_outside requires timers session_hours.enabled")
	}
	if c.Risk.Rules.SessionBlockOutside.RespectHolidays && !c.Timers.Holidays.Enabled {
		return fmt.Errorf("rules.session_block_outside.respect_holidays requires timers holidays.enabled")
	}
	if (c.Risk.Rules.DailyRealizedLoss.Enabled || c.Risk.Rules.DailyRealizedProfit.Enabled) &&
		!c.Timers.DailyReset.Enabled {
		return fmt.Errorf("daily realized loss/profit rules require timers daily_reset.enabled")
	}

	if c.Risk.Notifications.Telegram.Enabled {
		tg := c.Risk.Notifications.Telegram
		if tg.BotToken == "" || tg.ChatID == 0 {
			return fmt.Errorf("notifications.telegram requires bot_token and chat_id when enabled")
		}
	}

	return nil
}

func (c *Config) specFor(symbol string) (ContractSpecYAML, bool) {
	if sp, ok := c.Risk.General.ContractSpecs[symbol]; ok {
		return sp, true
	}
	upper := strings.ToUpper(symbol)
	for sym, sp := range c.Risk.General.ContractSpecs {
		if strings.ToUpper(sym) == upper {
			return sp, true
		}
	}
	return ContractSpecYAML{}, false
}

// ContractSpec returns the tick geometry for a symbol root, or ok=false for
// unknown symbols. Lookup is case-insensitive.
func (c *Config) ContractSpec(symbol string) (model.ContractSpec, bool) {
	sp, ok := c.specFor(symbol)
	if !ok {
		return model.ContractSpec{}, false
	}
	return model.ContractSpec{
		SymbolRoot: strings.ToUpper(symbol),
		TickSize:   decimal.NewFromFloat(sp.TickSize),
		TickValue:  decimal.NewFromFloat(sp.TickValue),
	}, true
}

// ContractSpecs returns the full symbol→geometry table.
func (c *Config) ContractSpecs() map[string]model.ContractSpec {
	out := make(map[string]model.ContractSpec, len(c.Risk.General.ContractSpecs))
	for sym, sp := range c.Risk.General.ContractSpecs {
		key := strings.ToUpper(sym)
		out[key] = model.ContractSpec{
			SymbolRoot: key,
			TickSize:   decimal.NewFromFloat(sp.TickSize),
			TickValue:  decimal.NewFromFloat(sp.TickValue),
		}
	}
	return out
}

// Location returns the engine's primary timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Risk.General.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResetLocation returns the daily-reset timezone, falling back to the
// general timezone when unset.
func (c *Config) ResetLocation() *time.Location {
	tz := c.Timers.DailyReset.Timezone
	if tz == "" {
		tz = c.Risk.General.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return c.Location()
	}
	return loc
}

// SessionLocation returns the session-hours timezone, falling back to the
// general timezone when unset.
func (c *Config) SessionLocation() *time.Location {
	tz := c.Timers.SessionHours.Timezone
	if tz == "" {
		tz = c.Risk.General.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return c.Location()
	}
	return loc
}

// ResetWallClock returns the configured daily-reset hour and minute.
func (c *Config) ResetWallClock() (hour, minute int) {
	h, m, err := parseWallClock(c.Timers.DailyReset.Time)
	if err != nil {
		return 17, 0
	}
	return h, m
}
