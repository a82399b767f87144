package events

import "time"

// Event enumerates topics published inside the router.
type Event string

const (
	EventModeSwitched     Event = "mode.switched"
	EventSecurity         Event = "security.invalid_context"
	EventAuditAppended    Event = "audit.appended"
	EventAuditWriteFailed Event = "audit.write_failed"
	EventProviderHealth   Event = "provider.health"
	EventOrderSettled     Event = "paper.order_settled"
	EventLedgerFault      Event = "paper.ledger_fault"
	EventAlert            Event = "alert"
)

// ModeSwitch is published after a new context replaces a session's previous one.
type ModeSwitch struct {
	SessionID string
	ActorID   string
	From      string // empty for a new session
	To        string
	At        time.Time
}

// HealthChange is published when a provider's status flips.
type HealthChange struct {
	ProviderID string
	From       string
	To         string
	Reason     string
	At         time.Time
}

// LedgerFault is published when a virtual account fails reconciliation.
type LedgerFault struct {
	AccountID string
	Reason    string
	At        time.Time
}

// Alert is a free-form operator notification.
type Alert struct {
	Severity string
	Title    string
	Message  string
	At       time.Time
}

// SecurityEvent is published when a request presents an invalid mode context.
type SecurityEvent struct {
	RequestID string
	Operation string
	Reason    string
	At        time.Time
}
