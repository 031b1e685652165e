package core

// TokenKind names one of the two credential slots the token service
// maintains.
type TokenKind string

const (
	// KindDelegated is the user-delegated credential acquired via the
	// resource-owner password flow.
	KindDelegated TokenKind = "delegated"

	// KindApplication is the tenant-wide credential acquired via the
	// client-credentials flow.
	KindApplication TokenKind = "application"
)

// OpClass classifies an outbound operation for credential selection.
type OpClass string

const (
	OpTaskRead            OpClass = "task.read"
	OpTaskWrite           OpClass = "task.write"
	OpTenantRead          OpClass = "tenant.read"
	OpUserRead            OpClass = "user.read"
	OpMail                OpClass = "mail"
	OpCalendar            OpClass = "calendar"
	OpSubscriptionGroup   OpClass = "subscription.group"
	OpSubscriptionChat    OpClass = "subscription.chat"
	OpSubscriptionChannel OpClass = "subscription.channel"
	OpSubscriptionUser    OpClass = "subscription.user"
)

// KindForOperation chooses the credential kind for an operation class.
// Tenant-wide reads and chat/channel subscriptions use the application
// credential; task, calendar, mail and per-user reads use the delegated
// credential; unknown classes default to delegated.
func KindForOperation(op OpClass) TokenKind {
	switch op {
	case OpTenantRead, OpSubscriptionChat, OpSubscriptionChannel:
		return KindApplication
	case OpTaskRead, OpTaskWrite, OpUserRead, OpMail, OpCalendar,
		OpSubscriptionGroup, OpSubscriptionUser:
		return KindDelegated
	default:
		return KindDelegated
	}
}
