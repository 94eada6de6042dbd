package circulation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/circulation-engine/circulation"
)

func TestCalculateFine_ZeroUnlessOverdue(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))

	assert.True(t, circulation.CalculateFine(l, date(2024, time.January, 10), usd(5)).IsZero())
	assert.True(t, circulation.CalculateFine(l, date(2024, time.January, 15), usd(5)).IsZero())
	assert.True(t, circulation.CalculateFine(l, date(2024, time.January, 17), usd(5)).Equal(usd(10)))
}

func TestCalculateFine_StopsAtReturnDate(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	ret := date(2024, time.January, 17)
	l.ReturnDate = &ret

	fine := circulation.CalculateFine(l, date(2024, time.February, 1), usd(5))

	assert.True(t, fine.Equal(usd(10)), "got %s", fine)
}

func TestCalculateFine_Idempotent(t *testing.T) {
	// GIVEN: An overdue loan
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	now := date(2024, time.January, 20)

	// WHEN: Calculating twice with the same inputs
	first := circulation.CalculateFine(l, now, usd(5))
	second := circulation.CalculateFine(l, now, usd(5))

	// THEN: Same result
	assert.True(t, first.Equal(second))
}

func TestCalculateFine_RecordedFineNeverRecomputed(t *testing.T) {
	// GIVEN: A loan with a recorded fine that differs from what the dates say
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	l.FineAmount = usd(7)

	// WHEN: Calculating long after
	fine := circulation.CalculateFine(l, date(2024, time.June, 1), usd(5))

	// THEN: The recorded fine comes back unchanged
	assert.True(t, fine.Equal(usd(7)))
}

func TestPolicyFine_PreserveRecordedFinesToggle(t *testing.T) {
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	ret := date(2024, time.January, 20)
	l.ReturnDate = &ret
	l.FineAmount = usd(7)
	now := date(2024, time.February, 1)

	p := circulation.DefaultPolicy()
	assert.True(t, p.Fine(l, now).Equal(usd(7)))

	p.PreserveRecordedFines = false
	assert.True(t, p.Fine(l, now).Equal(usd(25)), "fine is recomputed from dates")
}

func TestPolicyFine_OpenLoanRecordedFineIsFloor(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	l.FineAmount = usd(10)

	// Accrual below the billed amount keeps the billed amount.
	assert.True(t, p.Fine(l, date(2024, time.January, 16)).Equal(usd(10)))
	// Accrual above it wins.
	assert.True(t, p.Fine(l, date(2024, time.January, 20)).Equal(usd(25)))
	assert.True(t, p.Unbilled(l, date(2024, time.January, 20)).Equal(usd(15)))
}

func TestPolicyFine_CarriedFineAddsToNewAccrual(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 30))
	l.FineCarried = usd(10)

	assert.True(t, p.Fine(l, date(2024, time.January, 25)).Equal(usd(10)), "not overdue under the new due date")
	assert.True(t, p.Fine(l, date(2024, time.February, 2)).Equal(usd(25)))
}

func TestOutstandingFine_NeverNegative(t *testing.T) {
	p := circulation.DefaultPolicy()
	l := loan(date(2024, time.January, 1), date(2024, time.January, 15))
	l.FineAmount = usd(10)
	l.FinePaid = usd(12)

	assert.True(t, circulation.OutstandingFine(l, date(2024, time.January, 16), p).IsZero())
}
