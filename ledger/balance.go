/*
balance.go - Student financial status arithmetic

PURPOSE:
  A student's position for one class is three numbers:

    TotalFee   - what the class fee schedule says they owe
    PaidAmount - the sum of posted payments minus posted refunds
    Balance    - TotalFee - PaidAmount

  Balance is never stored independently of the other two: every mutation
  goes through Credit or Debit, which recompute it. A negative balance means
  the student paid more than the fee. It is not blocked, but it is a
  detectable integrity fault (see Service.IntegrityFaults).

SEE ALSO:
  - reconcile.go: Credit on posting
  - refund.go: Debit on refund
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewFinancialStatus opens a status row for a class with nothing paid.
func NewFinancialStatus(studentID string, classID int64, totalFee decimal.Decimal, at time.Time) FinancialStatus {
	return FinancialStatus{
		StudentID:  studentID,
		ClassID:    classID,
		TotalFee:   totalFee,
		PaidAmount: decimal.Zero,
		Balance:    totalFee,
		UpdatedAt:  at,
	}
}

// Credit records a payment.
func (fs FinancialStatus) Credit(amount decimal.Decimal, at time.Time) FinancialStatus {
	fs.PaidAmount = fs.PaidAmount.Add(amount)
	return fs.recompute(at)
}

// Debit records a refund.
func (fs FinancialStatus) Debit(amount decimal.Decimal, at time.Time) FinancialStatus {
	fs.PaidAmount = fs.PaidAmount.Sub(amount)
	return fs.recompute(at)
}

func (fs FinancialStatus) recompute(at time.Time) FinancialStatus {
	fs.Balance = fs.TotalFee.Sub(fs.PaidAmount)
	fs.UpdatedAt = at
	return fs
}

// Consistent reports whether Balance == TotalFee - PaidAmount exactly.
func (fs FinancialStatus) Consistent() bool {
	return fs.Balance.Equal(fs.TotalFee.Sub(fs.PaidAmount))
}

// Overpaid reports a negative balance.
func (fs FinancialStatus) Overpaid() bool {
	return fs.Balance.IsNegative()
}
