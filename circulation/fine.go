package circulation

import "time"

// CalculateFine returns the fine a loan owes at `now`.
//
// A fine already recorded on the loan (non-zero FineAmount) is returned
// unchanged. Otherwise the fine is zero unless the loan is overdue, and an
// overdue loan owes ratePerDay for every whole day between the due date and
// the earlier of its return date and now.
func CalculateFine(loan Loan, now time.Time, ratePerDay Money) Money {
	if !loan.FineAmount.Value.IsZero() {
		return loan.FineAmount
	}
	return accruedFine(loan, now, ratePerDay)
}

// accruedFine measures the fine from dates and the fine carried over from
// earlier due dates, ignoring any recorded amount.
func accruedFine(loan Loan, now time.Time, ratePerDay Money) Money {
	at := now
	switch {
	case loan.ReturnDate != nil:
		at = earliest(*loan.ReturnDate, now)
	case loan.LostAt != nil:
		at = earliest(*loan.LostAt, now)
	}
	fine := ratePerDay.Zero()
	if IsOverdue(loan.DueDate, at) {
		fine = ratePerDay.MulInt(DaysOverdue(loan.DueDate, at))
	}
	if !loan.FineCarried.Value.IsZero() {
		fine = fine.Add(loan.FineCarried)
	}
	return fine
}

// Fine applies the policy's rate and billing guard to a loan.
//
// A returned or lost loan keeps its recorded fine. An open loan owes the larger
// of its recorded fine and what has accrued, so billing part of a fine early
// never stops it from growing. With PreserveRecordedFines off, the fine is
// always recomputed from dates.
func (p Policy) Fine(loan Loan, now time.Time) Money {
	accrued := accruedFine(loan, now, p.FinePerDay)
	switch {
	case !p.PreserveRecordedFines:
		return accrued
	case !loan.IsOpen():
		return CalculateFine(loan, now, p.FinePerDay)
	case loan.FineAmount.GreaterThan(accrued):
		return loan.FineAmount
	default:
		return accrued
	}
}

// Unbilled is the part of an open loan's fine not yet recorded on it.
func (p Policy) Unbilled(loan Loan, now time.Time) Money {
	if !loan.IsOpen() {
		return p.FinePerDay.Zero()
	}
	return p.Fine(loan, now).Sub(loan.FineAmount).NonNegative()
}

// OutstandingFine is the part of the loan's fine that has not been paid.
func OutstandingFine(loan Loan, now time.Time, p Policy) Money {
	return p.Fine(loan, now).Sub(loan.FinePaid).NonNegative()
}
