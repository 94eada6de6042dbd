/*
store.go - Persistence boundary for circulation records

PURPOSE:
  Defines the interface between the circulation rules and the database.
  The rules in this package never touch storage; the desk service loads
  records through these interfaces, runs a rule, and saves the result.

KEY INTERFACES:
  Store:      Books, users, loans and reservations
  FineStore:  Append-only fine transactions (see ledger.go)
  Repository: Store + FineStore, what a unit of work sees
  TxStore:    Repository with WithTx for atomic multi-record writes

OPTIMISTIC LOCKING:
  Loans and reservations carry a Version. SaveLoan and SaveReservation
  succeed only when the caller's Version matches the stored one (0 for a new
  record) and then bump it. A renewal racing a return on the same loan loses
  with ErrConcurrentModification instead of silently overwriting it.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - desk/service.go: The only caller that writes
*/
package circulation

import "context"

// LoanFilter narrows ListLoans. Zero fields do not filter.
type LoanFilter struct {
	UserID   UserID
	BookID   BookID
	OpenOnly bool
}

func (f LoanFilter) Matches(l Loan) bool {
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.BookID != "" && l.BookID != f.BookID {
		return false
	}
	if f.OpenOnly && !l.IsOpen() {
		return false
	}
	return true
}

// ReservationFilter narrows ListReservations. LiveOnly matches the stored
// status; callers apply DeriveStatus for expiry.
type ReservationFilter struct {
	UserID   UserID
	BookID   BookID
	LiveOnly bool
}

func (f ReservationFilter) Matches(r Reservation) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.BookID != "" && r.BookID != f.BookID {
		return false
	}
	if f.LiveOnly && !r.Status.IsLive() {
		return false
	}
	return true
}

// Store persists circulation records. Lists are returned in a stable order:
// books by title, users by name, loans and reservations by date.
type Store interface {
	SaveBook(ctx context.Context, book Book) error
	GetBook(ctx context.Context, id BookID) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)

	SaveUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id UserID) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// SaveLoan inserts or updates a loan, checking and bumping loan.Version.
	SaveLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id LoanID) (Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)

	// SaveReservation inserts or updates a reservation, checking and bumping r.Version.
	SaveReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
}

// FineStore persists fine transactions.
// IMPORTANT: append-only. Corrections are reversal transactions.
type FineStore interface {
	// AppendFine persists a transaction. Returns ErrDuplicateIdempotencyKey
	// if the key already exists.
	AppendFine(ctx context.Context, tx FineTransaction) error

	// FinesByUser returns the user's transactions ordered by EffectiveAt.
	FinesByUser(ctx context.Context, userID UserID) ([]FineTransaction, error)

	// FineExists checks if an idempotency key was already used.
	FineExists(ctx context.Context, idempotencyKey string) (bool, error)
}

type Repository interface {
	Store
	FineStore
}

// TxStore runs a unit of work atomically.
type TxStore interface {
	Repository

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through repo is rolled back.
	WithTx(ctx context.Context, fn func(repo Repository) error) error
}
