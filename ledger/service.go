package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultWorkers bounds bulk parallelism when Service.Workers is unset.
const DefaultWorkers = 4

// Service runs the ledger view and the verification workflow.
//
//	svc := ledger.NewService(store, store.Sources()...)
//	svc.Logger = logger
//	res, err := svc.Verify(ctx, rc, 42)
type Service struct {
	Store    TxStore
	Sources  []SourceAdapter
	Activity ActivityLogger
	Guard    AntiReplayGuard
	Logger   *zap.Logger

	// Now is the clock. Tests pin it.
	Now func() time.Time

	// Workers bounds bulk parallelism.
	Workers int

	// Currency is assumed for manual entries that name none.
	Currency string
}

func NewService(store TxStore, sources ...SourceAdapter) *Service {
	return &Service{
		Store:    store,
		Sources:  sources,
		Activity: NewLogActivity(zap.NewNop()),
		Guard:    AllowAll{},
		Logger:   zap.NewNop(),
		Now:      func() time.Time { return time.Now().UTC() },
		Workers:  DefaultWorkers,
		Currency: DefaultCurrency,
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) workers() int {
	if s.Workers < 1 {
		return DefaultWorkers
	}
	return s.Workers
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return DefaultCurrency
	}
	return s.Currency
}

func (s *Service) record(ctx context.Context, rc RequestContext, action, description, entityType string, entityID int64) {
	if s.Activity == nil {
		return
	}
	s.Activity.Record(ctx, Activity{
		UserID:      rc.Actor.ID,
		Action:      action,
		Description: description,
		EntityType:  entityType,
		EntityID:    fmt.Sprint(entityID),
		At:          s.now(),
	})
}

// =============================================================================
// ACCESS
// =============================================================================

// authorize admits admins carrying a valid anti-replay token, and the system actor.
func (s *Service) authorize(rc RequestContext) error {
	switch rc.Actor.Role {
	case RoleSystem:
		return nil
	case RoleAdmin:
	default:
		return fmt.Errorf("%w: role %q may not modify payments", ErrUnauthorized, rc.Actor.Role)
	}
	if rc.Actor.ID == "" {
		return fmt.Errorf("%w: missing actor", ErrUnauthorized)
	}
	if s.Guard != nil {
		if err := s.Guard.Check(rc); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return nil
}

// authorizeRead admits back-office roles.
func (s *Service) authorizeRead(rc RequestContext) error {
	switch rc.Actor.Role {
	case RoleAdmin, RoleStaff, RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: role %q may not read the ledger", ErrUnauthorized, rc.Actor.Role)
}

// =============================================================================
// READS
// =============================================================================

// FinancialStatus returns a student's position for one class. A classID of
// zero means the student's current class.
func (s *Service) FinancialStatus(ctx context.Context, rc RequestContext, studentID string, classID int64) (*FinancialStatus, error) {
	if err := s.authorizeRead(rc); err != nil {
		return nil, err
	}
	var fs *FinancialStatus
	err := s.Store.View(ctx, func(st Store) error {
		if classID == 0 {
			id, err := st.StudentClass(ctx, studentID)
			if err != nil {
				return Persist("student class", err)
			}
			classID = id
		}
		var err error
		fs, err = st.GetFinancialStatus(ctx, studentID, classID)
		return Persist("get financial status", err)
	})
	return fs, err
}

// IntegrityFaults lists status rows that are overpaid, show a negative paid
// amount, or whose balance does not equal totalFee - paidAmount.
func (s *Service) IntegrityFaults(ctx context.Context, rc RequestContext) ([]FinancialStatus, error) {
	if err := s.authorizeRead(rc); err != nil {
		return nil, err
	}
	var faults []FinancialStatus
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		faults, err = st.IntegrityFaults(ctx)
		return Persist("integrity faults", err)
	})
	return faults, err
}

// =============================================================================
// NOTIFICATION OUTBOX
// =============================================================================

// DrainNotifications delivers up to limit queued notifications. Delivery
// failures are logged and left queued. Returns the number delivered.
func (s *Service) DrainNotifications(ctx context.Context, n Notifier, limit int) (int, error) {
	var pending []Notification
	err := s.Store.View(ctx, func(st Store) error {
		var err error
		pending, err = st.PendingNotifications(ctx, limit)
		return Persist("pending notifications", err)
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, note := range pending {
		if err := n.Notify(ctx, note.UserID, note.Title, note.Message); err != nil {
			s.log().Warn("notification delivery failed",
				zap.Int64("notification_id", note.ID),
				zap.String("user_id", note.UserID),
				zap.Error(err))
			continue
		}
		err := s.Store.WithTx(ctx, func(st Store) error {
			return Persist("mark notification sent", st.MarkNotificationSent(ctx, note.ID, s.now()))
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
