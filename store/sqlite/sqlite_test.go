/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Round trips for books, users, loans and reservations
- Optimistic locking on loans and reservations
- Fine ledger idempotency
- Transaction rollback
*/
package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seed creates book-1 and user-1 so loans and reservations satisfy foreign keys.
func seed(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveBook(ctx, circulation.Book{
		ID: "book-1", Title: "Dune", Author: "Frank Herbert", TotalCopies: 2, AvailableCopies: 2,
	}))
	require.NoError(t, store.SaveUser(ctx, circulation.User{
		ID: "user-1", Name: "Alice", Email: "alice@example.com", Role: circulation.RoleUser, Active: true,
	}))
}

func usd(n int64) circulation.Money {
	return circulation.NewMoneyFromInt(n, circulation.CurrencyUSD)
}

func newLoan(id string) circulation.Loan {
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	return circulation.Loan{
		ID:         circulation.LoanID(id),
		BookID:     "book-1",
		UserID:     "user-1",
		LoanDate:   at,
		DueDate:    at.Add(15 * circulation.Day),
		FineAmount: usd(0),
		FinePaid:   usd(0),
	}
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestBook_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	book, err := store.GetBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, "Frank Herbert", book.Author)
	assert.Equal(t, 2, book.AvailableCopies)

	book.AvailableCopies = 1
	book.PendingReservations = 3
	require.NoError(t, store.SaveBook(ctx, book))

	got, err := store.GetBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)
	assert.Equal(t, 3, got.PendingReservations)

	_, err = store.GetBook(ctx, "missing")
	assert.True(t, circulation.IsNotFound(err))
}

func TestLoan_RoundTripKeepsMoneyAndTimes(t *testing.T) {
	// GIVEN: A returned loan with a fractional fine
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	l := newLoan("loan-1")
	ret := l.DueDate.Add(3 * circulation.Day)
	l.ReturnDate = &ret
	l.FineAmount = circulation.NewMoney(12.5, circulation.CurrencyUSD)
	l.FinePaid = usd(5)
	l.FineCarried = usd(10)
	l.Notes = "cover torn"

	// WHEN: Saving and reading back
	require.NoError(t, store.SaveLoan(ctx, &l))
	got, err := store.GetLoan(ctx, "loan-1")

	// THEN: Every field survives
	require.NoError(t, err)
	assert.True(t, got.LoanDate.Equal(l.LoanDate))
	assert.True(t, got.DueDate.Equal(l.DueDate))
	require.NotNil(t, got.ReturnDate)
	assert.True(t, got.ReturnDate.Equal(ret))
	assert.Nil(t, got.LostAt)
	assert.True(t, got.FineAmount.Equal(l.FineAmount), "got %s", got.FineAmount)
	assert.Equal(t, circulation.CurrencyUSD, got.FineAmount.Currency)
	assert.True(t, got.FinePaid.Equal(usd(5)))
	assert.True(t, got.FineCarried.Equal(usd(10)), "got %s", got.FineCarried)
	assert.Equal(t, "cover torn", got.Notes)
	assert.Equal(t, 1, got.Version)
}

func TestListLoans_Filters(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	open := newLoan("loan-open")
	closed := newLoan("loan-closed")
	ret := closed.DueDate
	closed.ReturnDate = &ret
	require.NoError(t, store.SaveLoan(ctx, &open))
	require.NoError(t, store.SaveLoan(ctx, &closed))

	all, err := store.ListLoans(ctx, circulation.LoanFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	openOnly, err := store.ListLoans(ctx, circulation.LoanFilter{UserID: "user-1", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, circulation.LoanID("loan-open"), openOnly[0].ID)
}

func TestReservation_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := circulation.Reservation{
		ID:              "res-1",
		BookID:          "book-1",
		UserID:          "user-1",
		ReservationDate: at,
		ExpiryDate:      at.Add(48 * time.Hour),
		Status:          circulation.ReservationPending,
		Priority:        circulation.PriorityHigh,
		QueuePosition:   1,
	}
	require.NoError(t, store.SaveReservation(ctx, &r))

	got, err := store.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationPending, got.Status)
	assert.Equal(t, circulation.PriorityHigh, got.Priority)
	assert.Equal(t, 1, got.QueuePosition)
	assert.Nil(t, got.NotifiedAt)

	live, err := store.ListReservations(ctx, circulation.ReservationFilter{BookID: "book-1", LiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

// =============================================================================
// OPTIMISTIC LOCKING
// =============================================================================

func TestSaveLoan_StaleVersion(t *testing.T) {
	// GIVEN: Two copies of the same loan
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	l := newLoan("loan-1")
	require.NoError(t, store.SaveLoan(ctx, &l))
	first, _ := store.GetLoan(ctx, "loan-1")
	second, _ := store.GetLoan(ctx, "loan-1")

	// WHEN: Both are saved
	first.RenewalsCount = 1
	require.NoError(t, store.SaveLoan(ctx, &first))
	second.Notes = "late write"
	err := store.SaveLoan(ctx, &second)

	// THEN: The late write is rejected
	assert.ErrorIs(t, err, circulation.ErrConcurrentModification)
	got, _ := store.GetLoan(ctx, "loan-1")
	assert.Equal(t, 2, got.Version)
	assert.Empty(t, got.Notes)
}

func TestSaveLoan_DuplicateInsert(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	a := newLoan("loan-1")
	b := newLoan("loan-1")
	require.NoError(t, store.SaveLoan(ctx, &a))

	err := store.SaveLoan(ctx, &b)

	assert.ErrorIs(t, err, circulation.ErrConcurrentModification)
}

// =============================================================================
// FINE LEDGER
// =============================================================================

func TestAppendFine_IdempotencyKeyIsUnique(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	tx := circulation.FineTransaction{
		ID:             "fine-1",
		UserID:         "user-1",
		LoanID:         "loan-1",
		Type:           circulation.FinePayment,
		Amount:         usd(-5),
		EffectiveAt:    time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
		IdempotencyKey: "pay-1",
	}
	require.NoError(t, store.AppendFine(ctx, tx))

	exists, err := store.FineExists(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, exists)

	retry := tx
	retry.ID = "fine-2"
	err = store.AppendFine(ctx, retry)
	assert.ErrorIs(t, err, circulation.ErrDuplicateIdempotencyKey)

	txs, err := store.FinesByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(usd(-5)))
	assert.Equal(t, circulation.FinePayment, txs[0].Type)
}

func TestFinesByUser_OrderedByEffectiveAt(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, day := range []int{5, 1, 3} {
		require.NoError(t, store.AppendFine(ctx, circulation.FineTransaction{
			ID:          circulation.FineTransactionID("fine-" + string(rune('a'+i))),
			UserID:      "user-1",
			Type:        circulation.FineAssessed,
			Amount:      usd(int64(day)),
			EffectiveAt: base.Add(time.Duration(day) * circulation.Day),
		}))
	}

	txs, err := store.FinesByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.True(t, txs[0].Amount.Equal(usd(1)))
	assert.True(t, txs[1].Amount.Equal(usd(3)))
	assert.True(t, txs[2].Amount.Equal(usd(5)))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A book with two copies
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	// WHEN: A transaction issues a loan and then fails
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(repo circulation.Repository) error {
		book, err := repo.GetBook(ctx, "book-1")
		if err != nil {
			return err
		}
		book.AvailableCopies--
		if err := repo.SaveBook(ctx, book); err != nil {
			return err
		}
		l := newLoan("loan-1")
		if err := repo.SaveLoan(ctx, &l); err != nil {
			return err
		}
		return boom
	})

	// THEN: Neither write is visible
	assert.ErrorIs(t, err, boom)
	book, err := store.GetBook(ctx, "book-1")
	require.NoError(t, err)
	assert.Equal(t, 2, book.AvailableCopies)
	_, err = store.GetLoan(ctx, "loan-1")
	assert.True(t, circulation.IsNotFound(err))
}

func TestWithTx_Commits(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(repo circulation.Repository) error {
		l := newLoan("loan-1")
		return repo.SaveLoan(ctx, &l)
	})

	require.NoError(t, err)
	_, err = store.GetLoan(ctx, "loan-1")
	assert.NoError(t, err)
}

func TestReset_ClearsEverything(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	l := newLoan("loan-1")
	require.NoError(t, store.SaveLoan(ctx, &l))

	require.NoError(t, store.Reset(ctx))

	books, err := store.ListBooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)
	loans, err := store.ListLoans(ctx, circulation.LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans)
}
