/*
collaborators.go - Contracts for services the ledger consumes but does not own

KEY INTERFACES:
  ActivityLogger:  Audit trail of who did what (fire-and-forget)
  Notifier:        Delivers notifications to users (fire-and-forget)
  AntiReplayGuard: Validates the CSRF token carried on mutating calls

Notifications are not sent from inside workflow transactions. They are
written to the notifications outbox in the same transaction as the state
change and later drained to a Notifier (see Service.DrainNotifications).
*/
package ledger

import (
	"context"

	"go.uber.org/zap"
)

type ActivityLogger interface {
	Record(ctx context.Context, a Activity)
}

type Notifier interface {
	Notify(ctx context.Context, userID, title, message string) error
}

type AntiReplayGuard interface {
	Check(rc RequestContext) error
}

// =============================================================================
// DEFAULTS
// =============================================================================

// AllowAll accepts every token. For the CLI and tests.
type AllowAll struct{}

func (AllowAll) Check(RequestContext) error { return nil }

type logActivity struct{ log *zap.Logger }

// NewLogActivity writes activity records to a zap logger.
func NewLogActivity(log *zap.Logger) ActivityLogger {
	return &logActivity{log: log.Named("activity")}
}

func (l *logActivity) Record(_ context.Context, a Activity) {
	l.log.Info(a.Action,
		zap.String("user_id", a.UserID),
		zap.String("description", a.Description),
		zap.String("entity_type", a.EntityType),
		zap.String("entity_id", a.EntityID),
		zap.Time("at", a.At),
	)
}

type logNotifier struct{ log *zap.Logger }

// NewLogNotifier writes notifications to a zap logger instead of delivering them.
func NewLogNotifier(log *zap.Logger) Notifier {
	return &logNotifier{log: log.Named("notify")}
}

func (n *logNotifier) Notify(_ context.Context, userID, title, message string) error {
	n.log.Info(title, zap.String("user_id", userID), zap.String("message", message))
	return nil
}
