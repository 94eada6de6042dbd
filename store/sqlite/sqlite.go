/*
Package sqlite provides a SQLite-backed implementation of the circulation
persistence interfaces.

PURPOSE:
  Implements circulation.TxStore (books, users, loans, reservations and the
  fine ledger) on SQLite. The same SQL runs on PostgreSQL with minor dialect
  changes.

KEY TABLES:
  books:             Catalog slice with copy counters
  users:             Borrowers and staff
  loans:             One row per loan; status is derived, never stored
  reservations:      Queue entries with their last explicit status
  fine_transactions: Append-only fine ledger

OPTIMISTIC LOCKING:
  loans and reservations have a version column. Updates run as
  UPDATE ... WHERE id = ? AND version = ?; zero affected rows means someone
  else saved first and the caller gets ErrConcurrentModification.

APPEND-ONLY ENFORCEMENT:
  fine_transactions is never updated or deleted (Reset excepted).
  idempotency_key is UNIQUE, so a retried payment fails with
  ErrDuplicateIdempotencyKey even across processes.

STORAGE FORMATS:
  Money: decimal string + currency code (never REAL)
  Times: RFC3339Nano in UTC

USAGE:
  store, err := sqlite.New("./data/library.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := desk.NewService(store, circulation.SystemClock{}, policy, logger)

SEE ALSO:
  - circulation/store.go: Interface definitions
  - circulation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

// Store implements circulation.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ circulation.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		isbn TEXT,
		total_copies INTEGER NOT NULL DEFAULT 0,
		available_copies INTEGER NOT NULL DEFAULT 0,
		pending_reservations INTEGER NOT NULL DEFAULT 0,
		CHECK (available_copies >= 0 AND available_copies <= total_copies)
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		loan_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		lost_at TEXT,
		renewals_count INTEGER NOT NULL DEFAULT 0,
		fine_amount TEXT NOT NULL DEFAULT '0',
		fine_paid TEXT NOT NULL DEFAULT '0',
		fine_carried TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		notes TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id);
	CREATE INDEX IF NOT EXISTS idx_loans_book ON loans(book_id);

	-- Open loans (hot path for limits and the overdue sweep)
	CREATE INDEX IF NOT EXISTS idx_loans_open
		ON loans(user_id, due_date) WHERE return_date IS NULL AND lost_at IS NULL;

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		reservation_date TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		queue_position INTEGER NOT NULL DEFAULT 0,
		notified_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_book_status
		ON reservations(book_id, status);

	-- Fine ledger (append-only)
	CREATE TABLE IF NOT EXISTS fine_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		loan_id TEXT,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		reason TEXT,
		reverses_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fine_transactions_user_date
		ON fine_transactions(user_id, effective_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo runs every query against q. Store wraps it with locking; WithTx hands
// one bound to the open transaction to the callback.
type repo struct {
	q querier
}

// =============================================================================
// STORE (circulation.Repository interface)
// =============================================================================

func (s *Store) SaveBook(ctx context.Context, book circulation.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.SaveBook(ctx, book)
}

func (s *Store) GetBook(ctx context.Context, id circulation.BookID) (circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.GetBook(ctx, id)
}

func (s *Store) ListBooks(ctx context.Context) ([]circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.ListBooks(ctx)
}

func (s *Store) SaveUser(ctx context.Context, user circulation.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.SaveUser(ctx, user)
}

func (s *Store) GetUser(ctx context.Context, id circulation.UserID) (circulation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.GetUser(ctx, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]circulation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.ListUsers(ctx)
}

func (s *Store) SaveLoan(ctx context.Context, loan *circulation.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.SaveLoan(ctx, loan)
}

func (s *Store) GetLoan(ctx context.Context, id circulation.LoanID) (circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.GetLoan(ctx, id)
}

func (s *Store) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.ListLoans(ctx, filter)
}

func (s *Store) SaveReservation(ctx context.Context, r *circulation.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.SaveReservation(ctx, r)
}

func (s *Store) GetReservation(ctx context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.GetReservation(ctx, id)
}

func (s *Store) ListReservations(ctx context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.ListReservations(ctx, filter)
}

// AppendFine adds a transaction to the fine ledger.
func (s *Store) AppendFine(ctx context.Context, tx circulation.FineTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repo{s.db}.AppendFine(ctx, tx)
}

func (s *Store) FinesByUser(ctx context.Context, userID circulation.UserID) ([]circulation.FineTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.FinesByUser(ctx, userID)
}

func (s *Store) FineExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return repo{s.db}.FineExists(ctx, idempotencyKey)
}

// =============================================================================
// TRANSACTIONAL STORE (circulation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(repo{sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// BOOKS
// =============================================================================

func (r repo) SaveBook(ctx context.Context, b circulation.Book) error {
	query := `
		INSERT INTO books (id, title, author, isbn, total_copies, available_copies, pending_reservations)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			author = excluded.author,
			isbn = excluded.isbn,
			total_copies = excluded.total_copies,
			available_copies = excluded.available_copies,
			pending_reservations = excluded.pending_reservations
	`
	_, err := r.q.ExecContext(ctx, query,
		b.ID, b.Title, nullString(b.Author), nullString(b.ISBN),
		b.TotalCopies, b.AvailableCopies, b.PendingReservations,
	)
	if err != nil {
		return fmt.Errorf("failed to save book %s: %w", b.ID, err)
	}
	return nil
}

const bookColumns = `id, title, author, isbn, total_copies, available_copies, pending_reservations`

func (r repo) GetBook(ctx context.Context, id circulation.BookID) (circulation.Book, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Book{}, circulation.ErrNotFound
	}
	return b, err
}

func (r repo) ListBooks(ctx context.Context) ([]circulation.Book, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY title, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []circulation.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func scanBook(row scanner) (circulation.Book, error) {
	var b circulation.Book
	var author, isbn sql.NullString
	err := row.Scan(&b.ID, &b.Title, &author, &isbn, &b.TotalCopies, &b.AvailableCopies, &b.PendingReservations)
	b.Author = author.String
	b.ISBN = isbn.String
	return b, err
}

// =============================================================================
// USERS
// =============================================================================

func (r repo) SaveUser(ctx context.Context, u circulation.User) error {
	query := `
		INSERT INTO users (id, name, email, role, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			active = excluded.active
	`
	_, err := r.q.ExecContext(ctx, query, u.ID, u.Name, nullString(u.Email), u.Role, u.Active)
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

const userColumns = `id, name, email, role, active`

func (r repo) GetUser(ctx context.Context, id circulation.UserID) (circulation.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.User{}, circulation.ErrNotFound
	}
	return u, err
}

func (r repo) ListUsers(ctx context.Context) ([]circulation.User, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []circulation.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row scanner) (circulation.User, error) {
	var u circulation.User
	var email sql.NullString
	err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &u.Active)
	u.Email = email.String
	return u, err
}

// =============================================================================
// LOANS
// =============================================================================

// SaveLoan inserts a new loan (Version 0) or updates an existing one whose
// stored version still equals loan.Version.
func (r repo) SaveLoan(ctx context.Context, loan *circulation.Loan) error {
	currency := loan.FineAmount.Currency
	if currency == "" {
		currency = loan.FinePaid.Currency
	}

	var res sql.Result
	var err error
	if loan.Version == 0 {
		res, err = r.q.ExecContext(ctx, `
			INSERT INTO loans (id, book_id, user_id, loan_date, due_date, return_date, lost_at,
				renewals_count, fine_amount, fine_paid, fine_carried, currency, notes, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`,
			loan.ID, loan.BookID, loan.UserID,
			formatTime(loan.LoanDate), formatTime(loan.DueDate),
			formatTimePtr(loan.ReturnDate), formatTimePtr(loan.LostAt),
			loan.RenewalsCount, loan.FineAmount.Value.String(), loan.FinePaid.Value.String(),
			loan.FineCarried.Value.String(), currency, nullString(loan.Notes),
		)
	} else {
		res, err = r.q.ExecContext(ctx, `
			UPDATE loans SET
				due_date = ?, return_date = ?, lost_at = ?, renewals_count = ?,
				fine_amount = ?, fine_paid = ?, fine_carried = ?, currency = ?, notes = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`,
			formatTime(loan.DueDate), formatTimePtr(loan.ReturnDate), formatTimePtr(loan.LostAt),
			loan.RenewalsCount, loan.FineAmount.Value.String(), loan.FinePaid.Value.String(),
			loan.FineCarried.Value.String(), currency, nullString(loan.Notes),
			loan.ID, loan.Version,
		)
	}
	if err := versionedWriteResult(res, err); err != nil {
		return fmt.Errorf("save loan %s: %w", loan.ID, err)
	}
	loan.Version++
	return nil
}

const loanColumns = `id, book_id, user_id, loan_date, due_date, return_date, lost_at,
	renewals_count, fine_amount, fine_paid, fine_carried, currency, notes, version`

func (r repo) GetLoan(ctx context.Context, id circulation.LoanID) (circulation.Loan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	return l, err
}

func (r repo) ListLoans(ctx context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.BookID != "" {
		where = append(where, "book_id = ?")
		args = append(args, f.BookID)
	}
	if f.OpenOnly {
		where = append(where, "return_date IS NULL AND lost_at IS NULL")
	}

	query := `SELECT ` + loanColumns + ` FROM loans` + whereClause(where) + ` ORDER BY loan_date, id`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []circulation.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func scanLoan(row scanner) (circulation.Loan, error) {
	var l circulation.Loan
	var loanDate, dueDate, fineAmount, finePaid, fineCarried, currency string
	var returnDate, lostAt, notes sql.NullString
	if err := row.Scan(
		&l.ID, &l.BookID, &l.UserID, &loanDate, &dueDate, &returnDate, &lostAt,
		&l.RenewalsCount, &fineAmount, &finePaid, &fineCarried, &currency, &notes, &l.Version,
	); err != nil {
		return circulation.Loan{}, err
	}

	var err error
	if l.LoanDate, err = parseTime(loanDate); err != nil {
		return circulation.Loan{}, err
	}
	if l.DueDate, err = parseTime(dueDate); err != nil {
		return circulation.Loan{}, err
	}
	if l.ReturnDate, err = parseTimePtr(returnDate); err != nil {
		return circulation.Loan{}, err
	}
	if l.LostAt, err = parseTimePtr(lostAt); err != nil {
		return circulation.Loan{}, err
	}
	if l.FineAmount, err = parseMoney(fineAmount, currency); err != nil {
		return circulation.Loan{}, err
	}
	if l.FinePaid, err = parseMoney(finePaid, currency); err != nil {
		return circulation.Loan{}, err
	}
	if l.FineCarried, err = parseMoney(fineCarried, currency); err != nil {
		return circulation.Loan{}, err
	}
	l.Notes = notes.String
	return l, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (r repo) SaveReservation(ctx context.Context, res *circulation.Reservation) error {
	var result sql.Result
	var err error
	if res.Version == 0 {
		result, err = r.q.ExecContext(ctx, `
			INSERT INTO reservations (id, book_id, user_id, reservation_date, expiry_date,
				status, priority, queue_position, notified_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`,
			res.ID, res.BookID, res.UserID,
			formatTime(res.ReservationDate), formatTime(res.ExpiryDate),
			res.Status, res.Priority, res.QueuePosition, formatTimePtr(res.NotifiedAt),
		)
	} else {
		result, err = r.q.ExecContext(ctx, `
			UPDATE reservations SET
				expiry_date = ?, status = ?, priority = ?, queue_position = ?, notified_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`,
			formatTime(res.ExpiryDate), res.Status, res.Priority, res.QueuePosition,
			formatTimePtr(res.NotifiedAt),
			res.ID, res.Version,
		)
	}
	if err := versionedWriteResult(result, err); err != nil {
		return fmt.Errorf("save reservation %s: %w", res.ID, err)
	}
	res.Version++
	return nil
}

const reservationColumns = `id, book_id, user_id, reservation_date, expiry_date,
	status, priority, queue_position, notified_at, version`

func (r repo) GetReservation(ctx context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Reservation{}, circulation.ErrNotFound
	}
	return res, err
}

func (r repo) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.BookID != "" {
		where = append(where, "book_id = ?")
		args = append(args, f.BookID)
	}
	if f.LiveOnly {
		where = append(where, "status IN (?, ?)")
		args = append(args, circulation.ReservationPending, circulation.ReservationActive)
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations` + whereClause(where) +
		` ORDER BY reservation_date, id`
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []circulation.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanReservation(row scanner) (circulation.Reservation, error) {
	var res circulation.Reservation
	var reservationDate, expiryDate string
	var notifiedAt sql.NullString
	if err := row.Scan(
		&res.ID, &res.BookID, &res.UserID, &reservationDate, &expiryDate,
		&res.Status, &res.Priority, &res.QueuePosition, &notifiedAt, &res.Version,
	); err != nil {
		return circulation.Reservation{}, err
	}

	var err error
	if res.ReservationDate, err = parseTime(reservationDate); err != nil {
		return circulation.Reservation{}, err
	}
	if res.ExpiryDate, err = parseTime(expiryDate); err != nil {
		return circulation.Reservation{}, err
	}
	if res.NotifiedAt, err = parseTimePtr(notifiedAt); err != nil {
		return circulation.Reservation{}, err
	}
	return res, nil
}

// =============================================================================
// FINE LEDGER (circulation.FineStore interface)
// =============================================================================

func (r repo) AppendFine(ctx context.Context, tx circulation.FineTransaction) error {
	query := `
		INSERT INTO fine_transactions
		(id, user_id, loan_id, tx_type, amount, currency, effective_at, reason,
		 reverses_id, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, query,
		tx.ID, tx.UserID, nullString(string(tx.LoanID)), tx.Type,
		tx.Amount.Value.String(), tx.Amount.Currency,
		formatTime(tx.EffectiveAt), nullString(tx.Reason),
		nullString(string(tx.ReversesID)), nullString(tx.IdempotencyKey),
		nullString(string(tx.CreatedBy)),
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return circulation.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append fine transaction: %w", err)
	}
	return nil
}

func (r repo) FinesByUser(ctx context.Context, userID circulation.UserID) ([]circulation.FineTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, loan_id, tx_type, amount, currency, effective_at, reason,
			reverses_id, idempotency_key, created_by
		FROM fine_transactions
		WHERE user_id = ?
		ORDER BY effective_at, rowid
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []circulation.FineTransaction
	for rows.Next() {
		var tx circulation.FineTransaction
		var loanID, reason, reversesID, key, createdBy sql.NullString
		var amount, currency, effectiveAt string
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &loanID, &tx.Type, &amount, &currency, &effectiveAt,
			&reason, &reversesID, &key, &createdBy,
		); err != nil {
			return nil, err
		}
		if tx.Amount, err = parseMoney(amount, currency); err != nil {
			return nil, err
		}
		if tx.EffectiveAt, err = parseTime(effectiveAt); err != nil {
			return nil, err
		}
		tx.LoanID = circulation.LoanID(loanID.String)
		tx.Reason = reason.String
		tx.ReversesID = circulation.FineTransactionID(reversesID.String)
		tx.IdempotencyKey = key.String
		tx.CreatedBy = circulation.UserID(createdBy.String)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (r repo) FineExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fine_transactions WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"fine_transactions", "reservations", "loans", "users", "books"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// versionedWriteResult turns a write that touched no row into a version conflict.
func versionedWriteResult(res sql.Result, err error) error {
	if err != nil {
		if isUniqueConstraintError(err) {
			return circulation.ErrConcurrentModification
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return circulation.ErrConcurrentModification
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseMoney(value, currency string) (circulation.Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return circulation.Money{}, fmt.Errorf("invalid stored amount %q: %w", value, err)
	}
	return circulation.Money{Value: d, Currency: circulation.Currency(currency)}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
