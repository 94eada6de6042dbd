/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the state it describes:
	- Books and users are created
	- Backdated loans carry the right derived status and fines
	- Reservation queues are numbered and counted on their books
	- The fine ledger matches the loans

The scenarios run against SQLite, so these double as integration tests for
the store.
*/
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/desk"
	"github.com/warp/circulation-engine/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &circulation.FixedClock{At: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := desk.NewService(st, clock, circulation.DefaultPolicy(), logger)
	return NewHandler(svc, st)
}

func loadScenario(t *testing.T, h *Handler, id string) {
	t.Helper()
	if err := h.LoadScenarioByID(context.Background(), id); err != nil {
		t.Fatalf("Failed to load %s scenario: %v", id, err)
	}
}

func loansOf(t *testing.T, h *Handler, userID string) []desk.LoanView {
	t.Helper()
	page, err := h.Service.ListLoans(context.Background(), desk.ListQuery{UserID: circulation.UserID(userID), PageSize: circulation.MaxPageSize})
	require.NoError(t, err)
	return page.Items
}

func TestScenario_QuietDesk(t *testing.T) {
	// GIVEN: The quiet desk scenario
	h := setupTestHandler(t)
	loadScenario(t, h, "quiet-desk")
	ctx := context.Background()

	// THEN: Nothing is overdue and alice has one returned loan
	report, err := h.Service.LoanReport(ctx, desk.ReportQuery{})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 0, report.ByStatus[circulation.LoanOverdue])
	assert.Equal(t, 1, report.ByStatus[circulation.LoanReturned])
	assert.True(t, report.FinesBilled.IsZero())

	// AND: Copies on the shelf reflect the open loans
	book, err := h.Store.GetBook(ctx, "b-go")
	require.NoError(t, err)
	assert.Equal(t, 2, book.AvailableCopies)

	// AND: Bob's loan due in twelve hours gets a reminder
	result, err := h.Service.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DueSoon)
	assert.Equal(t, 0, result.Overdue)
}

func TestScenario_OverdueFines(t *testing.T) {
	h := setupTestHandler(t)
	loadScenario(t, h, "overdue-fines")
	ctx := context.Background()

	// Carol: 4 days overdue, still accruing
	carol := loansOf(t, h, "u-carol")
	require.Len(t, carol, 1)
	assert.Equal(t, circulation.LoanOverdue, carol[0].Status)
	assert.Equal(t, 4, carol[0].DaysOverdue)
	assert.Equal(t, "20.00", carol[0].Fine.Value.StringFixed(2))
	assert.False(t, carol[0].CanRenew, "overdue with an unpaid fine")

	// Dave: 3 days late = $15, paid $5
	dave, err := h.Service.UserFines(ctx, "u-dave")
	require.NoError(t, err)
	assert.Len(t, dave.Transactions, 2)
	assert.Equal(t, "10.00", dave.Balance.Value.StringFixed(2))

	// Erin: lost 6 days after due = $30, copy retired
	erin := loansOf(t, h, "u-erin")
	require.Len(t, erin, 2)
	var lost desk.LoanView
	for _, v := range erin {
		if v.Status == circulation.LoanLost {
			lost = v
		}
	}
	assert.Equal(t, "30.00", lost.Fine.Value.StringFixed(2))
	book, err := h.Store.GetBook(ctx, "b-dragon")
	require.NoError(t, err)
	assert.Equal(t, 0, book.TotalCopies)
}

func TestScenario_ReservationQueue(t *testing.T) {
	h := setupTestHandler(t)
	loadScenario(t, h, "reservation-queue")
	ctx := context.Background()

	// GIVEN: Three users queued for DDIA, both copies out
	ddia, err := h.Store.GetBook(ctx, "b-ddia")
	require.NoError(t, err)
	assert.Equal(t, 0, ddia.AvailableCopies)
	assert.Equal(t, 3, ddia.PendingReservations)

	queue, err := h.Service.ListReservations(ctx, desk.ListQuery{Sort: "position", PageSize: circulation.MaxPageSize, Search: "Designing"})
	require.NoError(t, err)
	require.Equal(t, 3, queue.Total)
	assert.Equal(t, circulation.UserID("u-carol"), queue.Items[0].Reservation.UserID)
	assert.Equal(t, circulation.UserID("u-frank"), queue.Items[2].Reservation.UserID)

	// AND: Dave cannot queue twice for the same title
	_, err = h.Service.Reserve(ctx, desk.ReserveRequest{UserID: "u-dave", BookID: "b-ddia"})
	assert.ErrorIs(t, err, circulation.ErrBookAlreadyReserved)
	_, err = h.Service.Reserve(ctx, desk.ReserveRequest{UserID: "u-carol", BookID: "b-go"})
	assert.NoError(t, err)

	// WHEN: The sweep runs
	result, err := h.Service.Sweep(ctx)

	// THEN: Bob's stale SICP reservation is stored as expired
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	expired, err := h.Store.GetReservation(ctx, result.Expired[0])
	require.NoError(t, err)
	assert.Equal(t, circulation.UserID("u-bob"), expired.UserID)
	assert.Equal(t, circulation.ReservationExpired, expired.Status)
}

func TestScenario_ReservationLimit(t *testing.T) {
	h := setupTestHandler(t)
	loadScenario(t, h, "reservation-queue")
	ctx := context.Background()
	_, err := h.Service.AddBook(ctx, desk.NewBook{ID: "b-extra", Title: "Extra", Copies: 0})
	require.NoError(t, err)

	_, err = h.Service.Reserve(ctx, desk.ReserveRequest{UserID: "u-frank", BookID: "b-extra"})

	var limitErr *circulation.ReservationLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Active)
}

func TestScenario_RenewalLimits(t *testing.T) {
	h := setupTestHandler(t)
	loadScenario(t, h, "renewal-limits")
	ctx := context.Background()

	renew := func(userID string) error {
		loans := loansOf(t, h, userID)
		require.Len(t, loans, 1)
		_, err := h.Service.RenewLoan(ctx, loans[0].Loan.ID, desk.RenewRequest{Days: 7})
		return err
	}

	assert.ErrorIs(t, renew("u-alice"), circulation.ErrRenewalLimitExceeded)
	assert.ErrorIs(t, renew("u-bob"), circulation.ErrOutstandingFine)
	assert.NoError(t, renew("u-carol"))
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			h := setupTestHandler(t)
			loadScenario(t, h, sc.ID)

			// Loading twice replaces the data instead of failing on duplicates.
			loadScenario(t, h, sc.ID)

			books, err := h.Store.ListBooks(context.Background())
			require.NoError(t, err)
			assert.NotEmpty(t, books)
		})
	}
}

func TestScenario_HTTPLoadCurrentAndReset(t *testing.T) {
	h := setupTestHandler(t)
	s := &testServer{handler: h, router: NewRouter(h)}

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "overdue-fines"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "overdue-fines", decodeBody[ScenarioDTO](t, rec).ID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/books", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[PageDTO[BookDTO]](t, rec).Total)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null\n", rec.Body.String())
}
