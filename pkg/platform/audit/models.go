package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance, such as
	// permission changes on the ledger.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and forensics:
	// denied actions, failed authentication, lost commit races.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational visibility.
	CategoryOperations EventCategory = "operations"
)

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is emitted from the ledger service and transport to capture actions the
// ledger itself does not record, chiefly rejected ones. Keep it transport-agnostic
// so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	Principal string // authenticated actor, empty for anonymous requests
	BatchID   string
	Action    string
	Decision  string // "denied", "rejected", "granted"
	Reason    string // error code or short explanation
	Severity  Severity
	IP        string
	UserAgent string
	RequestID string
}

type AuditEvent string

const (
	EventActionDenied      AuditEvent = "action_denied"
	EventCommitRejected    AuditEvent = "commit_rejected"
	EventAuthFailed        AuditEvent = "auth_failed"
	EventRoleChanged       AuditEvent = "role_changed"
	EventLedgerRebuilt     AuditEvent = "ledger_rebuilt"
	EventAdminBootstrapped AuditEvent = "admin_bootstrapped"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventRoleChanged:       CategoryCompliance,
	EventAdminBootstrapped: CategoryCompliance,

	EventActionDenied:   CategorySecurity,
	EventCommitRejected: CategorySecurity,
	EventAuthFailed:     CategorySecurity,

	EventLedgerRebuilt: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
