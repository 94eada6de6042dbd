package circulation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func usd(n int64) circulation.Money {
	return circulation.NewMoneyFromInt(n, circulation.CurrencyUSD)
}

// loan builds an open loan of book-1 to user-1.
func loan(loanDate, due time.Time) circulation.Loan {
	return circulation.Loan{
		ID:         "loan-1",
		BookID:     "book-1",
		UserID:     "user-1",
		LoanDate:   loanDate,
		DueDate:    due,
		FineAmount: usd(0),
		FinePaid:   usd(0),
	}
}

func activeUser() circulation.User {
	return circulation.User{ID: "user-1", Name: "Alice", Role: circulation.RoleUser, Active: true}
}

func bookWith(available int) circulation.Book {
	return circulation.Book{ID: "book-1", Title: "Dune", TotalCopies: 2, AvailableCopies: available}
}

// =============================================================================
// DATE MATH
// =============================================================================

func TestDaysRemaining_RoundsPartialDaysUp(t *testing.T) {
	due := date(2024, time.January, 15)

	assert.Equal(t, 5, circulation.DaysRemaining(due, date(2024, time.January, 10)))
	assert.Equal(t, 1, circulation.DaysRemaining(due, due.Add(-time.Hour)))
	assert.Equal(t, 0, circulation.DaysRemaining(due, due))
	assert.Equal(t, -5, circulation.DaysRemaining(due, date(2024, time.January, 20)))
}

func TestDaysOverdue_NeverNegative(t *testing.T) {
	due := date(2024, time.January, 15)

	assert.Equal(t, 0, circulation.DaysOverdue(due, date(2024, time.January, 1)))
	assert.Equal(t, 0, circulation.DaysOverdue(due, due))
	assert.Equal(t, 5, circulation.DaysOverdue(due, date(2024, time.January, 20)))
	assert.Equal(t, 5, circulation.DaysOverdue(due, date(2024, time.January, 20).Add(6*time.Hour)),
		"a partial day past the due date does not count until it is complete")
}

func TestDaysBetween_IsSymmetric(t *testing.T) {
	a := date(2024, time.January, 15)
	b := date(2024, time.February, 20)

	assert.Equal(t, 36, circulation.DaysBetween(a, b))
	assert.Equal(t, 36, circulation.DaysBetween(b, a))
	assert.Equal(t, 1, circulation.DaysBetween(a, a.Add(time.Minute)))
}

// =============================================================================
// STATUS DERIVATION
// =============================================================================

func TestLoanStatus_DerivedFromDates(t *testing.T) {
	// GIVEN: A loan due 2024-01-15
	// WHEN: Its status is read at several instants, with and without a return
	// THEN: RETURNED iff returned; OVERDUE iff not returned and past due
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))

	instants := []time.Time{
		date(2024, time.January, 2),
		date(2024, time.January, 15),
		date(2024, time.January, 15).Add(time.Second),
		date(2024, time.March, 1),
	}
	for _, now := range instants {
		open := l
		wantOverdue := now.After(open.DueDate)
		assert.Equal(t, wantOverdue, open.Status(now) == circulation.LoanOverdue, "at %s", now)
		assert.NotEqual(t, circulation.LoanReturned, open.Status(now))

		returned := l
		ret := date(2024, time.January, 20)
		returned.ReturnDate = &ret
		assert.Equal(t, circulation.LoanReturned, returned.Status(now), "at %s", now)
	}
}

func TestLoanStatus_OverdueScenario(t *testing.T) {
	// GIVEN: loanDate=2024-01-01, dueDate=2024-01-15, no return
	// WHEN: now=2024-01-20
	// THEN: OVERDUE, 5 days overdue, fine 5*5=25
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 20)
	p := circulation.DefaultPolicy()

	assert.Equal(t, circulation.LoanOverdue, l.Status(now))
	assert.Equal(t, 5, l.DaysOverdue(now))
	assert.True(t, p.Fine(l, now).Equal(usd(25)), "got %s", p.Fine(l, now))
}

// =============================================================================
// ISSUE
// =============================================================================

func TestIssueLoan_DefaultPeriod(t *testing.T) {
	now := date(2024, time.January, 1)
	p := circulation.DefaultPolicy()

	l, err := circulation.IssueLoan(circulation.IssueInput{User: activeUser(), Book: bookWith(1)}, now, p)

	require.NoError(t, err)
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, now, l.LoanDate)
	assert.Equal(t, date(2024, time.January, 16), l.DueDate)
	assert.Equal(t, 0, l.RenewalsCount)
	assert.Equal(t, circulation.LoanActive, l.Status(now))
}

func TestIssueLoan_Rejections(t *testing.T) {
	now := date(2024, time.February, 1)
	p := circulation.DefaultPolicy()

	overdue := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	overdue.BookID = "book-2"

	sameBook := loan(now, now.Add(10*circulation.Day))

	var five []circulation.Loan
	for i := range 5 {
		l := loan(now, now.Add(10*circulation.Day))
		l.BookID = circulation.BookID("other-" + string(rune('a'+i)))
		five = append(five, l)
	}

	inactive := activeUser()
	inactive.Active = false
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		in   circulation.IssueInput
		want error
	}{
		{"inactive user", circulation.IssueInput{User: inactive, Book: bookWith(1)}, circulation.ErrUserInactive},
		{"no copies", circulation.IssueInput{User: activeUser(), Book: bookWith(0)}, circulation.ErrBookUnavailable},
		{"overdue loans", circulation.IssueInput{User: activeUser(), Book: bookWith(1), UserLoans: []circulation.Loan{overdue}}, circulation.ErrOverdueLoans},
		{"loan limit", circulation.IssueInput{User: activeUser(), Book: bookWith(1), UserLoans: five}, circulation.ErrLoanLimit},
		{"already borrowing", circulation.IssueInput{User: activeUser(), Book: bookWith(1), UserLoans: []circulation.Loan{sameBook}}, circulation.ErrDuplicateLoan},
		{"due date in the past", circulation.IssueInput{User: activeUser(), Book: bookWith(1), DueDate: &past}, circulation.ErrInvalidDueDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := circulation.IssueLoan(tt.in, now, p)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, circulation.IsClientError(err))
		})
	}
}

// =============================================================================
// RENEW
// =============================================================================

func TestRenewLoan_Success(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 10)

	renewed, err := circulation.RenewLoan(l, date(2024, time.January, 29), now, circulation.DefaultPolicy())

	require.NoError(t, err)
	assert.Equal(t, date(2024, time.January, 29), renewed.DueDate)
	assert.Equal(t, 1, renewed.RenewalsCount)
	assert.Equal(t, date(2024, time.January, 15), l.DueDate, "input loan is not modified")
}

func TestRenewLoan_LimitExceeded_LoanUnchanged(t *testing.T) {
	// GIVEN: A loan already renewed 3 times
	// WHEN: Renewing again
	// THEN: RenewalLimitExceeded and the loan comes back unchanged
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	l.RenewalsCount = 3

	got, err := circulation.RenewLoan(l, date(2024, time.January, 20), date(2024, time.January, 10), circulation.DefaultPolicy())

	require.ErrorIs(t, err, circulation.ErrRenewalLimitExceeded)
	var limitErr *circulation.RenewalLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Count)
	assert.Equal(t, l, got)
}

func TestRenewLoan_WindowExceeded(t *testing.T) {
	// GIVEN: dueDate=2024-01-15
	// WHEN: Requesting 2024-02-20 (36 days later)
	// THEN: RenewalWindowExceeded (36 > 30)
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))

	_, err := circulation.RenewLoan(l, date(2024, time.February, 20), date(2024, time.January, 10), circulation.DefaultPolicy())

	var windowErr *circulation.RenewalWindowError
	require.ErrorAs(t, err, &windowErr)
	assert.Equal(t, 36, windowErr.Days)
	assert.Equal(t, 30, windowErr.Max)
}

func TestRenewLoan_ValidationOrder(t *testing.T) {
	p := circulation.DefaultPolicy()
	now := date(2024, time.January, 10)

	t.Run("limit before date", func(t *testing.T) {
		l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
		l.RenewalsCount = 3
		_, err := circulation.RenewLoan(l, date(2024, time.January, 1), now, p)
		assert.ErrorIs(t, err, circulation.ErrRenewalLimitExceeded)
	})

	t.Run("date before window", func(t *testing.T) {
		l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
		_, err := circulation.RenewLoan(l, date(2024, time.January, 15), now, p)
		assert.ErrorIs(t, err, circulation.ErrInvalidRenewalDate)
	})

	t.Run("closed loan", func(t *testing.T) {
		l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
		ret := date(2024, time.January, 5)
		l.ReturnDate = &ret
		_, err := circulation.RenewLoan(l, date(2024, time.January, 20), now, p)
		var stateErr *circulation.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, "RETURNED", stateErr.Status)
	})
}

func TestRenewLoan_NeverExceedsMaxRenewals(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 10)

	for range 10 {
		renewed, err := circulation.RenewLoanBy(l, 7, now, p)
		if err != nil {
			assert.ErrorIs(t, err, circulation.ErrRenewalLimitExceeded)
			break
		}
		l = renewed
	}
	assert.Equal(t, p.MaxRenewals, l.RenewalsCount)
}

func TestRenewLoan_OutstandingFineToggle(t *testing.T) {
	// GIVEN: An overdue loan with an unpaid fine
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 18)
	requested := date(2024, time.January, 25)

	// WHEN: The policy blocks renewal on outstanding fines
	p := circulation.DefaultPolicy()
	_, err := circulation.RenewLoan(l, requested, now, p)

	// THEN: Renewal is refused with the outstanding amount
	var fineErr *circulation.OutstandingFineError
	require.ErrorAs(t, err, &fineErr)
	assert.True(t, fineErr.Outstanding.Equal(usd(15)))
	assert.ErrorIs(t, circulation.CanRenew(l, now, p), circulation.ErrOutstandingFine)

	// WHEN: The toggle is off
	p.BlockRenewalOnOutstandingFine = false
	renewed, err := circulation.RenewLoan(l, requested, now, p)

	// THEN: Renewal goes through
	require.NoError(t, err)
	assert.Equal(t, requested, renewed.DueDate)
}

func TestRenewLoan_PaidFineAllowsRenewal(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 18)
	p := circulation.DefaultPolicy()

	paid, err := circulation.ApplyPayment(l, usd(15), now, p)
	require.NoError(t, err)

	renewed, err := circulation.RenewLoan(paid, date(2024, time.January, 25), now, p)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalsCount)
}

// =============================================================================
// RETURN / LOST
// =============================================================================

func TestReturnLoan_RecordsFinalFine(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	p := circulation.DefaultPolicy()

	returned, err := circulation.ReturnLoan(l, date(2024, time.January, 18), p)

	require.NoError(t, err)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, circulation.LoanReturned, returned.Status(date(2024, time.February, 1)))
	assert.True(t, returned.FineAmount.Equal(usd(15)))
	assert.True(t, p.Fine(returned, date(2024, time.March, 1)).Equal(usd(15)), "fine stops at the return date")
}

func TestReturnLoan_OnTimeHasNoFine(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))

	returned, err := circulation.ReturnLoan(l, date(2024, time.January, 14), circulation.DefaultPolicy())

	require.NoError(t, err)
	assert.True(t, returned.FineAmount.IsZero())
}

func TestReturnLoan_TwiceIsInvalidState(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	returned, err := circulation.ReturnLoan(l, date(2024, time.January, 10), p)
	require.NoError(t, err)

	_, err = circulation.ReturnLoan(returned, date(2024, time.January, 11), p)

	assert.ErrorIs(t, err, circulation.ErrInvalidState)
}

func TestMarkLost_FreezesFineAndIsTerminal(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))

	lost, err := circulation.MarkLost(l, date(2024, time.January, 21), p)
	require.NoError(t, err)

	later := date(2024, time.March, 1)
	assert.Equal(t, circulation.LoanLost, lost.Status(later))
	assert.True(t, lost.FineAmount.Equal(usd(30)))
	assert.Equal(t, 6, lost.DaysOverdue(later))

	_, err = circulation.ReturnLoan(lost, later, p)
	assert.ErrorIs(t, err, circulation.ErrInvalidState)
	_, err = circulation.MarkLost(lost, later, p)
	assert.ErrorIs(t, err, circulation.ErrInvalidState)
	_, err = circulation.RenewLoanBy(lost, 7, later, p)
	assert.ErrorIs(t, err, circulation.ErrInvalidState)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestApplyPayment(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 19)

	t.Run("partial payment bills the accrued fine", func(t *testing.T) {
		paid, err := circulation.ApplyPayment(l, usd(5), now, p)
		require.NoError(t, err)
		assert.True(t, paid.FineAmount.Equal(usd(20)))
		assert.True(t, paid.FinePaid.Equal(usd(5)))
		assert.True(t, circulation.OutstandingFine(paid, now, p).Equal(usd(15)))
	})

	t.Run("overpayment rejected", func(t *testing.T) {
		_, err := circulation.ApplyPayment(l, usd(21), now, p)
		assert.ErrorIs(t, err, circulation.ErrInvalidPayment)
	})

	t.Run("non-positive rejected", func(t *testing.T) {
		_, err := circulation.ApplyPayment(l, usd(0), now, p)
		assert.ErrorIs(t, err, circulation.ErrInvalidPayment)
	})
}

func TestApplyPayment_LateReturnBillsEveryDay(t *testing.T) {
	// GIVEN: A loan two days overdue with $5 paid on Jan 17
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	paid, err := circulation.ApplyPayment(l, usd(5), date(2024, time.January, 17), p)
	require.NoError(t, err)

	// WHEN: The book comes back on Feb 4
	returned, err := circulation.ReturnLoan(paid, date(2024, time.February, 4), p)

	// THEN: All 20 overdue days are fined
	require.NoError(t, err)
	assert.True(t, returned.FineAmount.Equal(usd(100)), "got %s", returned.FineAmount)
	assert.True(t, circulation.OutstandingFine(returned, date(2024, time.March, 1), p).Equal(usd(95)))
}

func TestApplyPayment_RenewedLoanAccruesAgain(t *testing.T) {
	// GIVEN: A $10 fine paid in full on Jan 17 and the loan renewed to Jan 30
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	paidAt := date(2024, time.January, 17)
	paid, err := circulation.ApplyPayment(l, usd(10), paidAt, p)
	require.NoError(t, err)
	renewed, err := circulation.RenewLoan(paid, date(2024, time.January, 30), paidAt, p)
	require.NoError(t, err)
	assert.True(t, circulation.OutstandingFine(renewed, date(2024, time.January, 30), p).IsZero())

	// WHEN: The loan is still out on Mar 30, 60 days past the new due date
	now := date(2024, time.March, 30)

	// THEN: The new overdue days are owed on top of the paid fine
	assert.Equal(t, circulation.LoanOverdue, renewed.Status(now))
	assert.True(t, p.Fine(renewed, now).Equal(usd(310)), "got %s", p.Fine(renewed, now))
	assert.True(t, circulation.OutstandingFine(renewed, now, p).Equal(usd(300)))
	assert.ErrorIs(t, circulation.CanRenew(renewed, now, p), circulation.ErrOutstandingFine)

	returned, err := circulation.ReturnLoan(renewed, now, p)
	require.NoError(t, err)
	assert.True(t, returned.FineAmount.Equal(usd(310)), "got %s", returned.FineAmount)
}
