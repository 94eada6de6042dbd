/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every rule returns one of these instead of panicking, so callers can show
  a specific message for each failure.

ERROR CATEGORIES:
  1. State errors - Operation on a record in an incompatible state
  2. Renewal errors - Renewal policy violations (one kind per rule)
  3. Reservation errors - Reservation limit and uniqueness violations
  4. Lending errors - Loan issuing preconditions
  5. Store errors - Persistence boundary failures

USAGE:
  Structured errors unwrap to their sentinel:

    var limitErr *circulation.RenewalLimitError
    if errors.As(err, &limitErr) {
        fmt.Printf("already renewed %d times", limitErr.Count)
    }
    if errors.Is(err, circulation.ErrRenewalLimitExceeded) { ... }

SEE ALSO:
  - loan.go, reservation.go: Return these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// record's current status (e.g. returning an already-returned loan).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrRenewalLimitExceeded is returned when a loan has used all renewals.
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")

	// ErrInvalidRenewalDate is returned when a renewal does not move the due date forward.
	ErrInvalidRenewalDate = errors.New("renewal date must be after the current due date")

	// ErrRenewalWindowExceeded is returned when a renewal extends further than the policy window.
	ErrRenewalWindowExceeded = errors.New("renewal window exceeded")

	// ErrOutstandingFine is returned when an overdue loan with an unpaid fine is renewed.
	ErrOutstandingFine = errors.New("outstanding fine must be paid before renewing")

	// ErrReservationLimit is returned when a user already holds the maximum active reservations.
	ErrReservationLimit = errors.New("reservation limit reached")

	// ErrBookAlreadyReserved is returned when the user already has a live reservation for the book.
	ErrBookAlreadyReserved = errors.New("book already reserved by user")

	// ErrInvalidPriority is returned for reservation priorities outside 1..3.
	ErrInvalidPriority = errors.New("priority must be between 1 (high) and 3 (low)")

	// ErrAlreadyBorrowed is returned when the user reserves a book they currently borrow.
	ErrAlreadyBorrowed = errors.New("book already borrowed by user")

	// ErrUserInactive is returned when an inactive user borrows or reserves.
	ErrUserInactive = errors.New("user is not active")

	// ErrBookUnavailable is returned when no copy of the book is available.
	ErrBookUnavailable = errors.New("no copies available")

	// ErrOverdueLoans is returned when a user with overdue loans borrows again.
	ErrOverdueLoans = errors.New("user has overdue loans")

	// ErrLoanLimit is returned when a user already holds the maximum active loans.
	ErrLoanLimit = errors.New("loan limit reached")

	// ErrDuplicateLoan is returned when the user already borrows the same book.
	ErrDuplicateLoan = errors.New("user already has an active loan of this book")

	// ErrInvalidDueDate is returned when an explicit due date is not in the future.
	ErrInvalidDueDate = errors.New("due date must be in the future")

	// ErrInvalidPolicy is returned when a policy value is out of range.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidPayment is returned for zero, negative or excessive payments.
	ErrInvalidPayment = errors.New("invalid payment amount")

	// ErrInvalidInput is returned for malformed records and requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownSortField is returned when a list is sorted by a field it does not support.
	ErrUnknownSortField = errors.New("unknown sort field")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when a fine transaction with the
	// same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError names the operation and the status that forbade it.
type InvalidStateError struct {
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: record is %s", e.Op, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

type RenewalLimitError struct {
	Count int
	Max   int
}

func (e *RenewalLimitError) Error() string {
	return fmt.Sprintf("renewal limit exceeded: %d of %d renewals used", e.Count, e.Max)
}

func (e *RenewalLimitError) Unwrap() error { return ErrRenewalLimitExceeded }

type RenewalWindowError struct {
	Days int
	Max  int
}

func (e *RenewalWindowError) Error() string {
	return fmt.Sprintf("renewal window exceeded: %d days requested, max %d", e.Days, e.Max)
}

func (e *RenewalWindowError) Unwrap() error { return ErrRenewalWindowExceeded }

type OutstandingFineError struct {
	Outstanding Money
}

func (e *OutstandingFineError) Error() string {
	return fmt.Sprintf("outstanding fine of %s must be paid before renewing", e.Outstanding)
}

func (e *OutstandingFineError) Unwrap() error { return ErrOutstandingFine }

type ReservationLimitError struct {
	Active int
	Max    int
}

func (e *ReservationLimitError) Error() string {
	return fmt.Sprintf("reservation limit reached: %d of %d active", e.Active, e.Max)
}

func (e *ReservationLimitError) Unwrap() error { return ErrReservationLimit }

type LoanLimitError struct {
	Active int
	Max    int
}

func (e *LoanLimitError) Error() string {
	return fmt.Sprintf("loan limit reached: %d of %d active", e.Active, e.Max)
}

func (e *LoanLimitError) Unwrap() error { return ErrLoanLimit }

// UnknownSortError names a sort field the list does not support.
type UnknownSortError struct {
	Field string
}

func (e *UnknownSortError) Error() string {
	return fmt.Sprintf("unknown sort field %q", e.Field)
}

func (e *UnknownSortError) Unwrap() error { return ErrUnknownSortField }

// PolicyError names the offending policy field.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid policy: %s %s", e.Field, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the error is a write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsClientError returns true if the error is a rule violation the caller can
// fix by changing the request.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidState,
		ErrRenewalLimitExceeded,
		ErrInvalidRenewalDate,
		ErrRenewalWindowExceeded,
		ErrOutstandingFine,
		ErrReservationLimit,
		ErrBookAlreadyReserved,
		ErrAlreadyBorrowed,
		ErrInvalidPriority,
		ErrUserInactive,
		ErrBookUnavailable,
		ErrOverdueLoans,
		ErrLoanLimit,
		ErrDuplicateLoan,
		ErrInvalidDueDate,
		ErrInvalidPolicy,
		ErrInvalidPayment,
		ErrUnknownSortField,
		ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
