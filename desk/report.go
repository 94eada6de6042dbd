package desk

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// ReportQuery scopes a report. Zero values mean unbounded.
// From is inclusive and To exclusive, both compared against the loan date.
type ReportQuery struct {
	UserID circulation.UserID
	From   time.Time
	To     time.Time
}

func (q ReportQuery) Validate() error {
	if !q.From.IsZero() && !q.To.IsZero() && !q.To.After(q.From) {
		return circulation.ErrInvalidInput
	}
	return nil
}

func (q ReportQuery) includes(l circulation.Loan) bool {
	if !q.From.IsZero() && l.LoanDate.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !l.LoanDate.Before(q.To) {
		return false
	}
	return true
}

// LoanReport is the circulation dashboard: loan counts by derived status,
// fine totals and the most borrowed titles.
type LoanReport struct {
	From  time.Time
	To    time.Time
	Total int

	ByStatus map[circulation.LoanStatus]int

	// FinesBilled sums the ledger assessments of the reported loans.
	FinesBilled circulation.Money
	// FinesAccruing is the fine building up on open loans, not yet billed.
	FinesAccruing    circulation.Money
	FinesPaid        circulation.Money
	FinesOutstanding circulation.Money

	Reservations map[circulation.ReservationStatus]int
	MostBorrowed []BookCount
}

type BookCount struct {
	BookID circulation.BookID
	Title  string
	Loans  int
}

const mostBorrowedLimit = 5

// LoanReport builds the report over the loans issued inside the query window.
func (s *Service) LoanReport(ctx context.Context, q ReportQuery) (LoanReport, error) {
	if err := q.Validate(); err != nil {
		return LoanReport{}, err
	}
	now := s.now()
	all, err := s.Store.ListLoans(ctx, circulation.LoanFilter{UserID: q.UserID})
	if err != nil {
		return LoanReport{}, err
	}
	reservations, err := s.Store.ListReservations(ctx, circulation.ReservationFilter{UserID: q.UserID})
	if err != nil {
		return LoanReport{}, err
	}
	books, _, err := s.lookups(ctx)
	if err != nil {
		return LoanReport{}, err
	}

	zero := s.Policy.FinePerDay.Zero()
	report := LoanReport{
		From:             q.From,
		To:               q.To,
		ByStatus:         make(map[circulation.LoanStatus]int),
		FinesBilled:      zero,
		FinesAccruing:    zero,
		FinesPaid:        zero,
		FinesOutstanding: zero,
		Reservations:     make(map[circulation.ReservationStatus]int),
	}

	inWindow := make(map[circulation.LoanID]bool)
	borrowers := make(map[circulation.UserID]bool)
	perBook := make(map[circulation.BookID]int)
	for _, l := range all {
		if !q.includes(l) {
			continue
		}
		inWindow[l.ID] = true
		borrowers[l.UserID] = true
		report.Total++
		report.ByStatus[l.Status(now)]++
		report.FinesAccruing = report.FinesAccruing.Add(s.Policy.Unbilled(l, now))
		report.FinesPaid = report.FinesPaid.Add(l.FinePaid)
		report.FinesOutstanding = report.FinesOutstanding.Add(circulation.OutstandingFine(l, now, s.Policy))
		perBook[l.BookID]++
	}

	ledger := circulation.NewFineLedger(s.Store)
	for userID := range borrowers {
		txs, err := ledger.Transactions(ctx, userID)
		if err != nil {
			return LoanReport{}, err
		}
		for _, tx := range txs {
			if tx.Type == circulation.FineAssessed && inWindow[tx.LoanID] {
				report.FinesBilled = report.FinesBilled.Add(tx.Amount)
			}
		}
	}

	for _, r := range reservations {
		if !q.From.IsZero() && r.ReservationDate.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !r.ReservationDate.Before(q.To) {
			continue
		}
		report.Reservations[r.EffectiveStatus(now)]++
	}

	for id, n := range perBook {
		report.MostBorrowed = append(report.MostBorrowed, BookCount{BookID: id, Title: books[id].Title, Loans: n})
	}
	slices.SortFunc(report.MostBorrowed, func(a, b BookCount) int {
		return cmp.Or(cmp.Compare(b.Loans, a.Loans), cmp.Compare(a.Title, b.Title), cmp.Compare(a.BookID, b.BookID))
	})
	if len(report.MostBorrowed) > mostBorrowedLimit {
		report.MostBorrowed = report.MostBorrowed[:mostBorrowedLimit]
	}
	return report, nil
}

// OverdueReport lists the loans that are out past their due date.
type OverdueReport struct {
	GeneratedAt time.Time
	// Loans are ordered most overdue first.
	Loans      []LoanView
	TotalFines circulation.Money
	ByUser     map[circulation.UserID]int
}

// OverdueReport collects every open overdue loan with its days overdue and fine.
func (s *Service) OverdueReport(ctx context.Context) (OverdueReport, error) {
	now := s.now()
	loans, err := s.Store.ListLoans(ctx, circulation.LoanFilter{OpenOnly: true})
	if err != nil {
		return OverdueReport{}, err
	}
	books, users, err := s.lookups(ctx)
	if err != nil {
		return OverdueReport{}, err
	}

	report := OverdueReport{
		GeneratedAt: now,
		TotalFines:  s.Policy.FinePerDay.Zero(),
		ByUser:      make(map[circulation.UserID]int),
	}
	for _, l := range loans {
		if l.Status(now) != circulation.LoanOverdue {
			continue
		}
		v := s.loanView(l, books, users, now)
		report.Loans = append(report.Loans, v)
		report.TotalFines = report.TotalFines.Add(v.Fine)
		report.ByUser[l.UserID]++
	}
	slices.SortStableFunc(report.Loans, func(a, b LoanView) int {
		return cmp.Or(cmp.Compare(b.DaysOverdue, a.DaysOverdue), cmp.Compare(a.Loan.ID, b.Loan.ID))
	})
	return report, nil
}
