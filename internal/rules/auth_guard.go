package rules

import (
	"fmt"

	"riskguard/internal/events"
)

// AuthLossGuard (rule 010) raises an alert when the gateway connection state
// changes. Alert-only: a dropped connection means no events and therefore no
// false enforcement, so the right move is to tell a human, not to act.
type AuthLossGuard struct{}

// NewAuthLossGuard builds rule 010.
func NewAuthLossGuard() *AuthLossGuard { return &AuthLossGuard{} }

func (r *AuthLossGuard) ID() string   { return "auth_loss_guard" }
func (r *AuthLossGuard) Name() string { return "AuthLossGuard" }

func (r *AuthLossGuard) Evaluate(ev events.Event, d *Deps) *events.Violation {
	var msg string
	switch ev.Type {
	case events.SDKConnected:
		msg = "Gateway connected"
	case events.SDKDisconnected:
		msg = "Gateway disconnected, positions are unmanaged until reconnect"
	case events.AuthFailed:
		msg = "Gateway authentication failed"
	default:
		return nil
	}
	if ev.Detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, ev.Detail)
	}
	return &events.Violation{
		Rule:      r.ID(),
		Name:      r.Name(),
		AccountID: ev.AccountID,
		Action:    events.ActionAlertOnly,
		Message:   msg,
	}
}
