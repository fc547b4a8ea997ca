package config

import (
	"fmt"
	"os"
)

// AccountsConfig is the parsed accounts.yaml.
type AccountsConfig struct {
	TopstepX         GatewayCredentials `yaml:"topstepx"`
	MonitoredAccount *MonitoredAccount  `yaml:"monitored_account"`
	Accounts         []AccountEntry     `yaml:"accounts"`
}

// GatewayCredentials carries the broker API identity. Username and APIKey
// normally arrive as ${VAR} placeholders and resolve to env vars; bare env
// vars are the fallback so the file can omit them entirely.
type GatewayCredentials struct {
	Username string `yaml:"username"`
	APIKey   string `yaml:"api_key"`
	APIURL   string `yaml:"api_url"`
}

// MonitoredAccount selects a single account to guard.
type MonitoredAccount struct {
	AccountID string `yaml:"account_id"`
}

// AccountEntry is one account in multi-account mode.
type AccountEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// resolveCredentials fills empty credential fields from the environment.
// Both the TOPSTEPX_ and PROJECT_X_ namings are accepted; credentials are
// never read from CLI arguments.
func (a *AccountsConfig) resolveCredentials() {
	if a.TopstepX.Username == "" {
		a.TopstepX.Username = firstEnv("TOPSTEPX_USERNAME", "PROJECT_X_USERNAME")
	}
	if a.TopstepX.APIKey == "" {
		a.TopstepX.APIKey = firstEnv("TOPSTEPX_API_KEY", "PROJECT_X_API_KEY")
	}
	if a.TopstepX.APIURL == "" {
		a.TopstepX.APIURL = "https://api.topstepx.com"
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// validate checks account selection; credential presence is checked
// separately because dry-run mode runs without a gateway login.
func (a *AccountsConfig) validate() error {
	if a.MonitoredAccount == nil && len(a.Accounts) == 0 {
		return fmt.Errorf("accounts.yaml must set monitored_account.account_id or a non-empty accounts list")
	}
	if a.MonitoredAccount != nil && a.MonitoredAccount.AccountID == "" {
		return fmt.Errorf("accounts.monitored_account.account_id must not be empty")
	}
	for i, acc := range a.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("accounts.accounts[%d].id must not be empty", i)
		}
	}
	return nil
}

// ValidateCredentials ensures the gateway identity is present. Called only
// when a live gateway connection is requested.
func (a *AccountsConfig) ValidateCredentials() error {
	if a.TopstepX.Username == "" {
		return fmt.Errorf("gateway username missing: set TOPSTEPX_USERNAME or PROJECT_X_USERNAME")
	}
	if a.TopstepX.APIKey == "" {
		return fmt.Errorf("gateway api key missing: set TOPSTEPX_API_KEY or PROJECT_X_API_KEY")
	}
	return nil
}

// AccountIDs returns every account the engine should guard.
func (a *AccountsConfig) AccountIDs() []string {
	if a.MonitoredAccount != nil {
		return []string{a.MonitoredAccount.AccountID}
	}
	ids := make([]string, 0, len(a.Accounts))
	for _, acc := range a.Accounts {
		ids = append(ids, acc.ID)
	}
	return ids
}

// Redact masks a secret for logging, keeping the first and last four
// characters. Short secrets are fully masked.
func Redact(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
