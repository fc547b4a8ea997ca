package config

import (
	"fmt"
	"time"
)

// TimersConfig is the parsed timers_config.yaml.
type TimersConfig struct {
	DailyReset       DailyResetConfig   `yaml:"daily_reset"`
	SessionHours     SessionHoursConfig `yaml:"session_hours"`
	Holidays         HolidaysConfig     `yaml:"holidays"`
	LockoutDurations LockoutDurations   `yaml:"lockout_durations"`
}

// DailyResetConfig defines the trading-day boundary.
type DailyResetConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Time     string `yaml:"time"` // "HH:MM"
	Timezone string `yaml:"timezone"`
}

// SessionHoursConfig defines the permitted trading window. End is exclusive.
type SessionHoursConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"` // "HH:MM"
	End      string `yaml:"end"`   // "HH:MM"
	Timezone string `yaml:"timezone"`
}

// HolidaysConfig lists non-trading dates as "YYYY-MM-DD".
type HolidaysConfig struct {
	Enabled bool     `yaml:"enabled"`
	List    []string `yaml:"list"`
}

// LockoutDurations maps hard-lockout rules to an unlock token:
// "until_reset", "until_session_start", "permanent", or a plain duration
// like "30m".
type LockoutDurations struct {
	HardLockout map[string]string `yaml:"hard_lockout"`
}

// UnlockKind says how a hard lockout's expiry is computed.
type UnlockKind int

const (
	UnlockAfterDuration UnlockKind = iota
	UnlockAtReset
	UnlockAtSessionStart
	UnlockNever
)

// UnlockSpec is a parsed unlock token.
type UnlockSpec struct {
	Kind     UnlockKind
	Duration time.Duration // set for UnlockAfterDuration
	Token    string        // original text, kept for persistence
}

// ParseUnlockSpec interprets one lockout_durations token.
func ParseUnlockSpec(token string) (UnlockSpec, error) {
	switch token {
	case "until_reset":
		return UnlockSpec{Kind: UnlockAtReset, Token: token}, nil
	case "until_session_start":
		return UnlockSpec{Kind: UnlockAtSessionStart, Token: token}, nil
	case "permanent":
		return UnlockSpec{Kind: UnlockNever, Token: token}, nil
	case "":
		return UnlockSpec{}, fmt.Errorf("empty unlock token")
	}
	d, err := time.ParseDuration(token)
	if err != nil {
		return UnlockSpec{}, fmt.Errorf("unlock token %q: %w", token, err)
	}
	if d <= 0 {
		return UnlockSpec{}, fmt.Errorf("unlock token %q: duration must be > 0", token)
	}
	return UnlockSpec{Kind: UnlockAfterDuration, Duration: d, Token: token}, nil
}

// parseWallClock parses "HH:MM" into hour and minute.
func parseWallClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("wall time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

// validate checks wall times, zones and unlock tokens, and the cross-file
// references from lockout tokens back to the reset/session blocks.
func (t *TimersConfig) validate() error {
	if t.DailyReset.Enabled {
		if _, _, err := parseWallClock(t.DailyReset.Time); err != nil {
			return fmt.Errorf("daily_reset.time: %w", err)
		}
		if _, err := time.LoadLocation(t.DailyReset.Timezone); err != nil {
			return fmt.Errorf("daily_reset.timezone: %w", err)
		}
	}

	if t.SessionHours.Enabled {
		sh, sm, err := parseWallClock(t.SessionHours.Start)
		if err != nil {
			return fmt.Errorf("session_hours.start: %w", err)
		}
		eh, em, err := parseWallClock(t.SessionHours.End)
		if err != nil {
			return fmt.Errorf("session_hours.end: %w", err)
		}
		if sh*60+sm >= eh*60+em {
			return fmt.Errorf("session_hours: start %s must be before end %s",
				t.SessionHours.Start, t.SessionHours.End)
		}
		if _, err := time.LoadLocation(t.SessionHours.Timezone); err != nil {
			return fmt.Errorf("session_hours.timezone: %w", err)
		}
	}

	if t.Holidays.Enabled {
		for _, d := range t.Holidays.List {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return fmt.Errorf("holidays.list entry %q: %w", d, err)
			}
		}
	}

	for rule, token := range t.LockoutDurations.HardLockout {
		spec, err := ParseUnlockSpec(token)
		if err != nil {
			return fmt.Errorf("lockout_durations.hard_lockout.%s: %w", rule, err)
		}
		switch spec.Kind {
		case UnlockAtReset:
			if !t.DailyReset.Enabled {
				return fmt.Errorf("lockout_durations.hard_lockout.%s uses until_reset but daily_reset is disabled", rule)
			}
		case UnlockAtSessionStart:
			if !t.SessionHours.Enabled {
				return fmt.Errorf("lockout_durations.hard_lockout.%s uses until_session_start but session_hours is disabled", rule)
			}
		}
	}

	return nil
}

// HolidaySet returns the configured holiday dates for O(1) lookup, keyed
// "YYYY-MM-DD".
func (t *TimersConfig) HolidaySet() map[string]bool {
	set := make(map[string]bool, len(t.Holidays.List))
	if !t.Holidays.Enabled {
		return set
	}
	for _, d := range t.Holidays.List {
		set[d] = true
	}
	return set
}

// UnlockSpecFor returns the parsed unlock token for a hard-lockout rule,
// falling back to until_reset when the rule has no explicit entry.
func (t *TimersConfig) UnlockSpecFor(ruleID string) UnlockSpec {
	if token, ok := t.LockoutDurations.HardLockout[ruleID]; ok {
		if spec, err := ParseUnlockSpec(token); err == nil {
			return spec
		}
	}
	return UnlockSpec{Kind: UnlockAtReset, Token: "until_reset"}
}
