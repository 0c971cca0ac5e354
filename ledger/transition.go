/*
transition.go - The one atomic state-change primitive

PURPOSE:
  Every mutating operation (verify, reject, cancel, manual-entry resolution,
  gateway bulk verify, refund) moves a row from one state to another through
  a Transition. The store applies it as a single conditional UPDATE:

    UPDATE <table> SET <field> = :to, ... WHERE id = :id AND <field> = :from

  There is no read-decide-write. When two admins race, the database picks
  the winner and the loser sees zero affected rows.

CLASSIFYING A LOSS:
  Zero affected rows is re-read and classified:
    - row missing                    -> ErrNotFound
    - row already in the target      -> ErrAlreadyProcessed
    - row in a terminal state        -> ErrAlreadyProcessed
    - row in some other state        -> *InvalidStateError

SEE ALSO:
  - store.go: Store.Transition / Store.TransitionState
  - verification.go, refund.go, bulk.go: callers
*/
package ledger

import (
	"context"
	"time"
)

// Resource names a table the transition primitive can update.
type Resource string

const (
	ResourceVerificationRequest Resource = "verification_request"
	ResourceManualEntry         Resource = "manual_entry"
	ResourceGatewayTransaction  Resource = "gateway_transaction"
	ResourceRegistrationFee     Resource = "registration_fee"
	ResourceCourseFee           Resource = "course_fee"
)

// ResourceFor maps a payment source onto its table.
func ResourceFor(s SourceType) Resource {
	return Resource(s)
}

// Field is the guarded column.
type Field string

const (
	FieldStatus   Field = "status"
	FieldVerified Field = "is_verified"
)

// Values of FieldVerified.
const (
	Unverified = "0"
	Verified   = "1"
)

// Transition is a conditional state change: From -> To on (Resource, ID, Field).
type Transition struct {
	Resource Resource
	ID       int64
	Field    Field
	From     string
	To       string

	// RequireStatus adds "AND status = ?" to the guard. Used when verifying a
	// payment record, which must also be completed.
	RequireStatus string

	By     string
	Reason string
	At     time.Time

	// Operation names the caller for error messages ("verify", "refund", ...).
	Operation string
}

// TransitionState is the current value of a guarded row.
type TransitionState struct {
	Value  string
	Status string
}

// apply runs t against s and classifies a lost race.
func apply(ctx context.Context, s Store, t Transition) error {
	n, err := s.Transition(ctx, t)
	if err != nil {
		return Persist("transition "+string(t.Resource), err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.TransitionState(ctx, t.Resource, t.Field, t.ID)
	if err != nil {
		return Persist("transition state", err)
	}
	return classify(t, cur)
}

func classify(t Transition, cur TransitionState) error {
	if cur.Value == t.To {
		return ErrAlreadyProcessed
	}
	if cur.Value == t.From {
		// The field matched, so the extra status guard is what failed.
		return &InvalidStateError{Resource: t.Resource, ID: t.ID, Status: cur.Status, Operation: t.Operation}
	}
	if terminal(t.Resource, t.Field, cur.Value) {
		return ErrAlreadyProcessed
	}
	return &InvalidStateError{Resource: t.Resource, ID: t.ID, Status: cur.Value, Operation: t.Operation}
}

// terminal reports whether value admits no further transition on the field.
func terminal(r Resource, f Field, value string) bool {
	switch {
	case f == FieldVerified:
		return value == Verified
	case r == ResourceVerificationRequest:
		return VerificationStatus(value).Terminal()
	case r == ResourceManualEntry:
		return ManualStatus(value) != ManualPending
	default:
		return PaymentStatus(value) == PaymentRefunded
	}
}
