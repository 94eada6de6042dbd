/*
policy.go - Circulation policy configuration

PURPOSE:
  Collects every tunable rule of the circulation engine in one value so
  nothing is hard-coded inside the rules. A Policy is passed explicitly to
  each operation; loading it from JSON is the factory package's job.

DEFAULTS:
  MaxRenewals:            3    renewals per loan
  RenewalWindowDays:      30   max days a single renewal may extend a loan
  FinePerDay:             5    currency units per overdue day
  MaxActiveReservations:  3    PENDING+ACTIVE reservations per user
  ReservationExpiryHours: 48   hours a reservation stays valid
  DefaultLoanDays:        15   loan period for a new loan
  AvgLoanDurationDays:    14   used to estimate when a book frees up
  MaxActiveLoans:         5    unreturned loans per user

TOGGLES:
  PreserveRecordedFines:
    Once a non-zero fine is recorded on a loan it is returned as-is instead
    of being recomputed from dates ("already billed" guard).

  BlockRenewalOnOutstandingFine:
    An overdue loan whose fine is not fully paid cannot be renewed.

SEE ALSO:
  - factory/policy.go: JSON policy parsing
  - fine.go, loan.go, reservation.go: Consume the policy
*/
package circulation

import "time"

// Policy defines the lending rules for a library.
type Policy struct {
	MaxRenewals            int
	RenewalWindowDays      int
	FinePerDay             Money
	MaxActiveReservations  int
	ReservationExpiryHours int
	DefaultLoanDays        int
	AvgLoanDurationDays    int
	MaxActiveLoans         int

	PreserveRecordedFines         bool
	BlockRenewalOnOutstandingFine bool
}

// DefaultPolicy returns the policy the library runs with out of the box.
func DefaultPolicy() Policy {
	return Policy{
		MaxRenewals:                   3,
		RenewalWindowDays:             30,
		FinePerDay:                    NewMoneyFromInt(5, CurrencyUSD),
		MaxActiveReservations:         3,
		ReservationExpiryHours:        48,
		DefaultLoanDays:               15,
		AvgLoanDurationDays:           14,
		MaxActiveLoans:                5,
		PreserveRecordedFines:         true,
		BlockRenewalOnOutstandingFine: true,
	}
}

// Validate checks every field is in range.
func (p Policy) Validate() error {
	switch {
	case p.MaxRenewals < 0:
		return &PolicyError{Field: "max_renewals", Reason: "must not be negative"}
	case p.RenewalWindowDays <= 0:
		return &PolicyError{Field: "renewal_window_days", Reason: "must be positive"}
	case p.FinePerDay.IsNegative():
		return &PolicyError{Field: "fine_per_day", Reason: "must not be negative"}
	case p.FinePerDay.Currency == "":
		return &PolicyError{Field: "currency", Reason: "is required"}
	case p.MaxActiveReservations <= 0:
		return &PolicyError{Field: "max_active_reservations", Reason: "must be positive"}
	case p.ReservationExpiryHours <= 0:
		return &PolicyError{Field: "reservation_expiry_hours", Reason: "must be positive"}
	case p.DefaultLoanDays <= 0:
		return &PolicyError{Field: "default_loan_days", Reason: "must be positive"}
	case p.AvgLoanDurationDays <= 0:
		return &PolicyError{Field: "avg_loan_duration_days", Reason: "must be positive"}
	case p.MaxActiveLoans <= 0:
		return &PolicyError{Field: "max_active_loans", Reason: "must be positive"}
	}
	return nil
}

func (p Policy) Currency() Currency { return p.FinePerDay.Currency }

func (p Policy) LoanPeriod() time.Duration        { return time.Duration(p.DefaultLoanDays) * Day }
func (p Policy) ReservationExpiry() time.Duration { return time.Duration(p.ReservationExpiryHours) * time.Hour }
