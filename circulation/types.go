/*
Package circulation provides the core circulation engine of the library.

PURPOSE:
  This package contains the business rules for lending books: how a loan's
  status is derived, when a loan may be renewed, how overdue fines accrue,
  how reservations queue and expire, and how list views filter, sort and
  paginate records. Every operation is a plain function over records; the
  package performs no I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal amount with a currency (fines, fine rates, payments)
  - Identifiers: Type-safe IDs for loans, reservations, books and users
  - Book / User: Read-only references consumed by the rules

DESIGN PRINCIPLES:
  1. Purity: Inputs in, new records out. Callers persist the result.
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derived state: Loan status is recomputed from dates on every read
  4. Injected time: Nothing reads the wall clock; `now` is always a parameter

USAGE:
  policy := circulation.DefaultPolicy()
  loan, err := circulation.IssueLoan(user, book, userLoans, now, policy)
  renewed, err := circulation.RenewLoan(loan, loan.DueDate.AddDate(0, 0, 14), now, policy)

SEE ALSO:
  - loan.go: Loan lifecycle
  - reservation.go: Reservation queue
  - query.go: List filtering, sorting and pagination
*/
package circulation

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

func NewMoney(value float64, currency Currency) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromInt(value int64, currency Currency) Money {
	return Money{Value: decimal.NewFromInt(value), Currency: currency}
}

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d, Currency: currency}, nil
}

func (m Money) Zero() Money                 { return Money{Value: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) MulInt(n int) Money          { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n))), Currency: m.Currency} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) Equal(o Money) bool          { return m.Value.Equal(o.Value) }
func (m Money) String() string              { return m.Value.StringFixed(2) + " " + string(m.Currency) }

// NonNegative clamps negative amounts to zero.
func (m Money) NonNegative() Money {
	if m.IsNegative() {
		return m.Zero()
	}
	return m
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type ReservationID string
type BookID string
type UserID string
type FineTransactionID string

// =============================================================================
// EXTERNAL REFERENCES - Book and User are owned elsewhere
// =============================================================================

// Book is the slice of the catalog record the circulation rules consume.
// The inventory counters are owned by whoever persists books; the rules only
// read them.
type Book struct {
	ID                  BookID
	Title               string
	Author              string
	ISBN                string
	TotalCopies         int
	AvailableCopies     int
	PendingReservations int
}

// IsAvailable reports whether at least one copy can be lent right now.
func (b Book) IsAvailable() bool { return b.AvailableCopies > 0 }

type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleLibrarian Role = "LIBRARIAN"
	RoleUser      Role = "USER"
)

// IsStaff reports whether the role may act on other users' records.
func (r Role) IsStaff() bool { return r == RoleAdmin || r == RoleLibrarian }

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleLibrarian, RoleUser:
		return true
	}
	return false
}

type User struct {
	ID     UserID
	Name   string
	Email  string
	Role   Role
	Active bool
}
