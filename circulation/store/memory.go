// Package store provides in-memory circulation.Repository implementations.
package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

// state holds the records. Its methods do no locking; Memory and txView lock
// around them.
type state struct {
	books        map[circulation.BookID]circulation.Book
	users        map[circulation.UserID]circulation.User
	loans        map[circulation.LoanID]circulation.Loan
	reservations map[circulation.ReservationID]circulation.Reservation
	fines        map[circulation.UserID][]circulation.FineTransaction
	idempotency  map[string]bool
}

func newState() *state {
	return &state{
		books:        make(map[circulation.BookID]circulation.Book),
		users:        make(map[circulation.UserID]circulation.User),
		loans:        make(map[circulation.LoanID]circulation.Loan),
		reservations: make(map[circulation.ReservationID]circulation.Reservation),
		fines:        make(map[circulation.UserID][]circulation.FineTransaction),
		idempotency:  make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ circulation.Repository = (*Memory)(nil)

// Reset drops every record.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) SaveBook(_ context.Context, book circulation.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveBook(book)
}

func (m *Memory) GetBook(_ context.Context, id circulation.BookID) (circulation.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getBook(id)
}

func (m *Memory) ListBooks(_ context.Context) ([]circulation.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBooks(), nil
}

func (m *Memory) SaveUser(_ context.Context, user circulation.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveUser(user)
}

func (m *Memory) GetUser(_ context.Context, id circulation.UserID) (circulation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getUser(id)
}

func (m *Memory) ListUsers(_ context.Context) ([]circulation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listUsers(), nil
}

func (m *Memory) SaveLoan(_ context.Context, loan *circulation.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveLoan(loan)
}

func (m *Memory) GetLoan(_ context.Context, id circulation.LoanID) (circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getLoan(id)
}

func (m *Memory) ListLoans(_ context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listLoans(filter), nil
}

func (m *Memory) SaveReservation(_ context.Context, r *circulation.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveReservation(r)
}

func (m *Memory) GetReservation(_ context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getReservation(id)
}

func (m *Memory) ListReservations(_ context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listReservations(filter), nil
}

// AppendFine adds a fine transaction. Append-only.
func (m *Memory) AppendFine(_ context.Context, tx circulation.FineTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendFine(tx)
}

func (m *Memory) FinesByUser(_ context.Context, userID circulation.UserID) ([]circulation.FineTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.st.fines[userID]), nil
}

func (m *Memory) FineExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.idempotency[idempotencyKey], nil
}

// =============================================================================
// RECORD OPERATIONS (caller holds the lock)
// =============================================================================

func (s *state) saveBook(book circulation.Book) error {
	s.books[book.ID] = book
	return nil
}

func (s *state) getBook(id circulation.BookID) (circulation.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return circulation.Book{}, circulation.ErrNotFound
	}
	return b, nil
}

func (s *state) listBooks() []circulation.Book {
	out := make([]circulation.Book, 0, len(s.books))
	for _, v := range s.books {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b circulation.Book) int {
		return cmp.Or(strings.Compare(a.Title, b.Title), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

func (s *state) saveUser(user circulation.User) error {
	s.users[user.ID] = user
	return nil
}

func (s *state) getUser(id circulation.UserID) (circulation.User, error) {
	u, ok := s.users[id]
	if !ok {
		return circulation.User{}, circulation.ErrNotFound
	}
	return u, nil
}

func (s *state) listUsers() []circulation.User {
	out := make([]circulation.User, 0, len(s.users))
	for _, v := range s.users {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b circulation.User) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

func (s *state) saveLoan(loan *circulation.Loan) error {
	stored, exists := s.loans[loan.ID]
	if (exists && stored.Version != loan.Version) || (!exists && loan.Version != 0) {
		return circulation.ErrConcurrentModification
	}
	loan.Version++
	s.loans[loan.ID] = *loan
	return nil
}

func (s *state) getLoan(id circulation.LoanID) (circulation.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	return l, nil
}

func (s *state) listLoans(filter circulation.LoanFilter) []circulation.Loan {
	var out []circulation.Loan
	for _, l := range s.loans {
		if filter.Matches(l) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b circulation.Loan) int {
		return cmp.Or(a.LoanDate.Compare(b.LoanDate), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

func (s *state) saveReservation(r *circulation.Reservation) error {
	stored, exists := s.reservations[r.ID]
	if (exists && stored.Version != r.Version) || (!exists && r.Version != 0) {
		return circulation.ErrConcurrentModification
	}
	r.Version++
	s.reservations[r.ID] = *r
	return nil
}

func (s *state) getReservation(id circulation.ReservationID) (circulation.Reservation, error) {
	r, ok := s.reservations[id]
	if !ok {
		return circulation.Reservation{}, circulation.ErrNotFound
	}
	return r, nil
}

func (s *state) listReservations(filter circulation.ReservationFilter) []circulation.Reservation {
	var out []circulation.Reservation
	for _, r := range s.reservations {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b circulation.Reservation) int {
		return cmp.Or(a.ReservationDate.Compare(b.ReservationDate), strings.Compare(string(a.ID), string(b.ID)))
	})
	return out
}

func (s *state) appendFine(tx circulation.FineTransaction) error {
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] {
		return circulation.ErrDuplicateIdempotencyKey
	}
	txs := s.fines[tx.UserID]

	// Keep EffectiveAt order; equal times keep insertion order.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = slices.Insert(txs, i, tx)
	s.fines[tx.UserID] = txs

	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		books:        maps.Clone(s.books),
		users:        maps.Clone(s.users),
		loans:        maps.Clone(s.loans),
		reservations: maps.Clone(s.reservations),
		fines:        make(map[circulation.UserID][]circulation.FineTransaction, len(s.fines)),
		idempotency:  maps.Clone(s.idempotency),
	}
	for k, v := range s.fines {
		c.fines[k] = slices.Clone(v)
	}
	return c
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

var _ circulation.TxStore = (*TxMemory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized: the write lock is held for the whole of fn.
func (tm *TxMemory) WithTx(_ context.Context, fn func(circulation.Repository) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	if err := fn(&txView{st: tm.st}); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

// txView is the Repository handed to WithTx callbacks. It runs under the
// parent's write lock and must not be used after fn returns.
type txView struct {
	st *state
}

func (v *txView) SaveBook(_ context.Context, book circulation.Book) error { return v.st.saveBook(book) }
func (v *txView) GetBook(_ context.Context, id circulation.BookID) (circulation.Book, error) {
	return v.st.getBook(id)
}
func (v *txView) ListBooks(_ context.Context) ([]circulation.Book, error) { return v.st.listBooks(), nil }

func (v *txView) SaveUser(_ context.Context, user circulation.User) error { return v.st.saveUser(user) }
func (v *txView) GetUser(_ context.Context, id circulation.UserID) (circulation.User, error) {
	return v.st.getUser(id)
}
func (v *txView) ListUsers(_ context.Context) ([]circulation.User, error) { return v.st.listUsers(), nil }

func (v *txView) SaveLoan(_ context.Context, loan *circulation.Loan) error { return v.st.saveLoan(loan) }
func (v *txView) GetLoan(_ context.Context, id circulation.LoanID) (circulation.Loan, error) {
	return v.st.getLoan(id)
}
func (v *txView) ListLoans(_ context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	return v.st.listLoans(filter), nil
}

func (v *txView) SaveReservation(_ context.Context, r *circulation.Reservation) error {
	return v.st.saveReservation(r)
}
func (v *txView) GetReservation(_ context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	return v.st.getReservation(id)
}
func (v *txView) ListReservations(_ context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	return v.st.listReservations(filter), nil
}

func (v *txView) AppendFine(_ context.Context, tx circulation.FineTransaction) error {
	return v.st.appendFine(tx)
}
func (v *txView) FinesByUser(_ context.Context, userID circulation.UserID) ([]circulation.FineTransaction, error) {
	return slices.Clone(v.st.fines[userID]), nil
}
func (v *txView) FineExists(_ context.Context, idempotencyKey string) (bool, error) {
	return v.st.idempotency[idempotencyKey], nil
}
