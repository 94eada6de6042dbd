/*
loan.go - Loan lifecycle

PURPOSE:
  Implements the state machine of a loan: issue, renew, return and mark lost.
  The status is never stored; it is derived from the loan's dates every time
  it is read so it can never drift from them.

STATE MACHINE:
  ┌────────┐  now > due   ┌─────────┐
  │ ACTIVE │ ───────────▶ │ OVERDUE │
  └────────┘   (derived)  └─────────┘
      │  ▲ renew               │
      │  └─────────────────────┤ renew (if fine paid)
      │                        │
      ├── return ──▶ RETURNED ◀┤
      └── lost ────▶ LOST ◀────┘

  RETURNED and LOST are terminal.

RENEWAL VALIDATION ORDER (first violation wins):
  1. renewals used >= MaxRenewals        → RenewalLimitError
  2. requested due <= current due        → ErrInvalidRenewalDate
  3. extension > RenewalWindowDays       → RenewalWindowError
  4. overdue with an unpaid fine         → OutstandingFineError (policy toggle)

SEE ALSO:
  - fine.go: Fine calculation used on return and renewal
  - desk/service.go: Persists the records produced here
*/
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanActive   LoanStatus = "ACTIVE"
	LoanOverdue  LoanStatus = "OVERDUE"
	LoanReturned LoanStatus = "RETURNED"
	LoanLost     LoanStatus = "LOST"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanOverdue, LoanReturned, LoanLost:
		return true
	}
	return false
}

// Loan records a book lent to a user for a bounded period.
type Loan struct {
	ID            LoanID
	BookID        BookID
	UserID        UserID
	LoanDate      time.Time
	DueDate       time.Time
	ReturnDate    *time.Time
	LostAt        *time.Time
	RenewalsCount int

	// FineAmount is the fine recorded on the loan. Zero means nothing has been billed.
	// On an open loan it is a floor: the fine keeps accruing above it.
	FineAmount Money
	FinePaid   Money
	// FineCarried is the fine accrued under earlier due dates, kept across renewals.
	FineCarried Money

	Notes string

	// Version is bumped by the store on every save (optimistic locking).
	Version int
}

// Status derives the loan's status at now.
func (l Loan) Status(now time.Time) LoanStatus {
	switch {
	case l.ReturnDate != nil:
		return LoanReturned
	case l.LostAt != nil:
		return LoanLost
	case IsOverdue(l.DueDate, now):
		return LoanOverdue
	default:
		return LoanActive
	}
}

// IsOpen reports whether the book is still out (ACTIVE or OVERDUE).
func (l Loan) IsOpen() bool { return l.ReturnDate == nil && l.LostAt == nil }

func (l Loan) DaysRemaining(now time.Time) int { return DaysRemaining(l.DueDate, now) }
func (l Loan) DaysOverdue(now time.Time) int {
	if !l.IsOpen() {
		if l.ReturnDate != nil {
			return DaysOverdue(l.DueDate, *l.ReturnDate)
		}
		return DaysOverdue(l.DueDate, *l.LostAt)
	}
	return DaysOverdue(l.DueDate, now)
}

func NewLoanID() LoanID { return LoanID(uuid.NewString()) }

// =============================================================================
// ISSUE
// =============================================================================

// IssueInput carries everything needed to lend a book.
type IssueInput struct {
	ID   LoanID // generated when empty
	User User
	Book Book

	// UserLoans are the user's existing loans, used for limit checks.
	UserLoans []Loan

	// DueDate overrides the policy's default loan period when set.
	DueDate *time.Time
	Notes   string
}

// IssueLoan creates a new ACTIVE loan.
func IssueLoan(in IssueInput, now time.Time, p Policy) (Loan, error) {
	if !in.User.Active {
		return Loan{}, ErrUserInactive
	}
	if !in.Book.IsAvailable() {
		return Loan{}, ErrBookUnavailable
	}

	open := 0
	for _, l := range in.UserLoans {
		if !l.IsOpen() {
			continue
		}
		if l.Status(now) == LoanOverdue {
			return Loan{}, ErrOverdueLoans
		}
		open++
	}
	if open >= p.MaxActiveLoans {
		return Loan{}, &LoanLimitError{Active: open, Max: p.MaxActiveLoans}
	}
	for _, l := range in.UserLoans {
		if l.IsOpen() && l.BookID == in.Book.ID {
			return Loan{}, ErrDuplicateLoan
		}
	}

	due := now.Add(p.LoanPeriod())
	if in.DueDate != nil {
		if !in.DueDate.After(now) {
			return Loan{}, ErrInvalidDueDate
		}
		due = *in.DueDate
	}

	id := in.ID
	if id == "" {
		id = NewLoanID()
	}
	zero := p.FinePerDay.Zero()
	return Loan{
		ID:         id,
		BookID:     in.Book.ID,
		UserID:     in.User.ID,
		LoanDate:   now,
		DueDate:    due,
		FineAmount: zero,
		FinePaid:   zero,
		Notes:      in.Notes,
	}, nil
}

// =============================================================================
// RENEW
// =============================================================================

// CanRenew runs the renewal checks that do not depend on a requested date.
// A nil result means a renewal within the window would be accepted.
func CanRenew(loan Loan, now time.Time, p Policy) error {
	if !loan.IsOpen() {
		return &InvalidStateError{Op: "renew", Status: string(loan.Status(now))}
	}
	if loan.RenewalsCount >= p.MaxRenewals {
		return &RenewalLimitError{Count: loan.RenewalsCount, Max: p.MaxRenewals}
	}
	return checkOutstandingFine(loan, now, p)
}

// RenewLoan moves the loan's due date to requested and counts the renewal.
func RenewLoan(loan Loan, requested time.Time, now time.Time, p Policy) (Loan, error) {
	if !loan.IsOpen() {
		return loan, &InvalidStateError{Op: "renew", Status: string(loan.Status(now))}
	}
	if loan.RenewalsCount >= p.MaxRenewals {
		return loan, &RenewalLimitError{Count: loan.RenewalsCount, Max: p.MaxRenewals}
	}
	if !requested.After(loan.DueDate) {
		return loan, ErrInvalidRenewalDate
	}
	if ext := DaysBetween(loan.DueDate, requested); ext > p.RenewalWindowDays {
		return loan, &RenewalWindowError{Days: ext, Max: p.RenewalWindowDays}
	}
	if err := checkOutstandingFine(loan, now, p); err != nil {
		return loan, err
	}

	renewed := loan
	renewed.FineCarried = p.Fine(loan, now)
	renewed.DueDate = requested
	renewed.RenewalsCount++
	return renewed, nil
}

// RenewLoanBy renews the loan by a number of days past its current due date.
func RenewLoanBy(loan Loan, days int, now time.Time, p Policy) (Loan, error) {
	return RenewLoan(loan, loan.DueDate.AddDate(0, 0, days), now, p)
}

func checkOutstandingFine(loan Loan, now time.Time, p Policy) error {
	if !p.BlockRenewalOnOutstandingFine || loan.Status(now) != LoanOverdue {
		return nil
	}
	if outstanding := OutstandingFine(loan, now, p); outstanding.IsPositive() {
		return &OutstandingFineError{Outstanding: outstanding}
	}
	return nil
}

// =============================================================================
// RETURN / LOST
// =============================================================================

// ReturnLoan closes the loan at now and records its final fine.
func ReturnLoan(loan Loan, now time.Time, p Policy) (Loan, error) {
	if !loan.IsOpen() {
		return loan, &InvalidStateError{Op: "return", Status: string(loan.Status(now))}
	}

	returned := loan
	returned.FineAmount = p.Fine(loan, now)
	at := now
	returned.ReturnDate = &at
	return returned, nil
}

// MarkLost closes the loan as lost. The accrued fine is recorded so it can
// still be collected.
func MarkLost(loan Loan, now time.Time, p Policy) (Loan, error) {
	if !loan.IsOpen() {
		return loan, &InvalidStateError{Op: "mark lost", Status: string(loan.Status(now))}
	}

	lost := loan
	lost.FineAmount = p.Fine(loan, now)
	at := now
	lost.LostAt = &at
	return lost, nil
}

// ApplyPayment records a payment against the loan's outstanding fine.
// An unreturned overdue loan is billed its fine accrued so far first. The fine
// keeps growing after that until the loan is closed.
func ApplyPayment(loan Loan, amount Money, now time.Time, p Policy) (Loan, error) {
	if !amount.IsPositive() {
		return loan, ErrInvalidPayment
	}
	outstanding := OutstandingFine(loan, now, p)
	if amount.GreaterThan(outstanding) {
		return loan, ErrInvalidPayment
	}

	paid := loan
	paid.FineAmount = p.Fine(loan, now)
	paid.FinePaid = loan.FinePaid.Add(amount)
	if paid.FinePaid.Currency == "" {
		paid.FinePaid.Currency = amount.Currency
	}
	return paid, nil
}
