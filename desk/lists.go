package desk

import (
	"context"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// ListQuery is what a list screen sends: free-text search, a status filter,
// one sort field and a page. Zero values mean "no filter", the list's default
// sort and the first page.
type ListQuery struct {
	Search   string
	Status   string
	Sort     string
	Desc     bool
	Page     int
	PageSize int

	// UserID restricts loans and reservations to one borrower.
	UserID circulation.UserID
}

// runList applies q to records through a ListView.
func runList[T any](cfg circulation.ListConfig[T], q ListQuery, records []T) (circulation.Page[T], error) {
	view := circulation.NewListView(cfg)
	view.SetFilter(circulation.Filter{Search: q.Search, Status: q.Status})
	if q.Sort != "" {
		if err := view.SetSort(circulation.Sort{Field: q.Sort, Desc: q.Desc}); err != nil {
			return circulation.Page[T]{}, err
		}
	}
	view.SetPageSize(q.PageSize)
	view.SetPage(q.Page)
	return view.Result(records), nil
}

// =============================================================================
// LOANS
// =============================================================================

// LoanView is a loan with the values a list row shows.
type LoanView struct {
	Loan          circulation.Loan
	BookTitle     string
	UserName      string
	Status        circulation.LoanStatus
	DaysRemaining int
	DaysOverdue   int
	Fine          circulation.Money
	Outstanding   circulation.Money
	CanRenew      bool
}

func (s *Service) loanView(l circulation.Loan, books map[circulation.BookID]circulation.Book, users map[circulation.UserID]circulation.User, now time.Time) LoanView {
	return LoanView{
		Loan:          l,
		BookTitle:     books[l.BookID].Title,
		UserName:      users[l.UserID].Name,
		Status:        l.Status(now),
		DaysRemaining: l.DaysRemaining(now),
		DaysOverdue:   l.DaysOverdue(now),
		Fine:          s.Policy.Fine(l, now),
		Outstanding:   circulation.OutstandingFine(l, now, s.Policy),
		CanRenew:      circulation.CanRenew(l, now, s.Policy) == nil,
	}
}

func LoanListConfig() circulation.ListConfig[LoanView] {
	return circulation.ListConfig[LoanView]{
		SearchFields: func(v LoanView) []string {
			return []string{string(v.Loan.ID), v.BookTitle, v.UserName, v.Loan.Notes}
		},
		StatusOf: func(v LoanView) string { return string(v.Status) },
		Sorts: map[string]circulation.Comparator[LoanView]{
			"loan_date": circulation.ByTime("loan_date", func(v LoanView) time.Time { return v.Loan.LoanDate }, false),
			"due_date":  circulation.ByTime("due_date", func(v LoanView) time.Time { return v.Loan.DueDate }, false),
			"book":      circulation.By("book", func(v LoanView) string { return v.BookTitle }, false),
			"user":      circulation.By("user", func(v LoanView) string { return v.UserName }, false),
			"status":    circulation.By("status", func(v LoanView) string { return string(v.Status) }, false),
			"renewals":  circulation.By("renewals", func(v LoanView) int { return v.Loan.RenewalsCount }, false),
			"fine": {
				Name:    "fine",
				Compare: func(a, b LoanView) int { return a.Fine.Value.Cmp(b.Fine.Value) },
			},
		},
		DefaultSort: circulation.Sort{Field: "loan_date", Desc: true},
	}
}

func (s *Service) ListLoans(ctx context.Context, q ListQuery) (circulation.Page[LoanView], error) {
	now := s.now()
	loans, err := s.Store.ListLoans(ctx, circulation.LoanFilter{UserID: q.UserID})
	if err != nil {
		return circulation.Page[LoanView]{}, err
	}
	books, users, err := s.lookups(ctx)
	if err != nil {
		return circulation.Page[LoanView]{}, err
	}

	views := make([]LoanView, len(loans))
	for i, l := range loans {
		views[i] = s.loanView(l, books, users, now)
	}
	return runList(LoanListConfig(), q, views)
}

// GetLoan returns one loan as a list row.
func (s *Service) GetLoan(ctx context.Context, id circulation.LoanID) (LoanView, error) {
	l, err := s.Store.GetLoan(ctx, id)
	if err != nil {
		return LoanView{}, err
	}
	books, users, err := s.lookups(ctx)
	if err != nil {
		return LoanView{}, err
	}
	return s.loanView(l, books, users, s.now()), nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReservationView struct {
	Reservation circulation.Reservation
	BookTitle   string
	UserName    string
	Status      circulation.ReservationStatus
}

func ReservationListConfig() circulation.ListConfig[ReservationView] {
	return circulation.ListConfig[ReservationView]{
		SearchFields: func(v ReservationView) []string {
			return []string{string(v.Reservation.ID), v.BookTitle, v.UserName}
		},
		StatusOf: func(v ReservationView) string { return string(v.Status) },
		Sorts: map[string]circulation.Comparator[ReservationView]{
			"reservation_date": circulation.ByTime("reservation_date", func(v ReservationView) time.Time { return v.Reservation.ReservationDate }, false),
			"expiry_date":      circulation.ByTime("expiry_date", func(v ReservationView) time.Time { return v.Reservation.ExpiryDate }, false),
			"priority":         circulation.By("priority", func(v ReservationView) int { return int(v.Reservation.Priority) }, false),
			"position":         circulation.By("position", func(v ReservationView) int { return v.Reservation.QueuePosition }, false),
			"book":             circulation.By("book", func(v ReservationView) string { return v.BookTitle }, false),
			"user":             circulation.By("user", func(v ReservationView) string { return v.UserName }, false),
			"status":           circulation.By("status", func(v ReservationView) string { return string(v.Status) }, false),
		},
		DefaultSort: circulation.Sort{Field: "reservation_date", Desc: true},
	}
}

func (s *Service) ListReservations(ctx context.Context, q ListQuery) (circulation.Page[ReservationView], error) {
	now := s.now()
	rs, err := s.Store.ListReservations(ctx, circulation.ReservationFilter{UserID: q.UserID})
	if err != nil {
		return circulation.Page[ReservationView]{}, err
	}
	books, users, err := s.lookups(ctx)
	if err != nil {
		return circulation.Page[ReservationView]{}, err
	}

	views := make([]ReservationView, len(rs))
	for i, r := range rs {
		views[i] = ReservationView{
			Reservation: r,
			BookTitle:   books[r.BookID].Title,
			UserName:    users[r.UserID].Name,
			Status:      r.EffectiveStatus(now),
		}
	}
	return runList(ReservationListConfig(), q, views)
}

// =============================================================================
// USERS AND BOOKS
// =============================================================================

func UserListConfig() circulation.ListConfig[circulation.User] {
	return circulation.ListConfig[circulation.User]{
		SearchFields: func(u circulation.User) []string { return []string{u.Name, u.Email, string(u.ID)} },
		StatusOf: func(u circulation.User) string {
			if u.Active {
				return "ACTIVE"
			}
			return "INACTIVE"
		},
		Sorts: map[string]circulation.Comparator[circulation.User]{
			"name":  circulation.By("name", func(u circulation.User) string { return u.Name }, false),
			"email": circulation.By("email", func(u circulation.User) string { return u.Email }, false),
			"role":  circulation.By("role", func(u circulation.User) string { return string(u.Role) }, false),
		},
		DefaultSort: circulation.Sort{Field: "name"},
	}
}

func (s *Service) ListUsers(ctx context.Context, q ListQuery) (circulation.Page[circulation.User], error) {
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return circulation.Page[circulation.User]{}, err
	}
	return runList(UserListConfig(), q, users)
}

func BookListConfig() circulation.ListConfig[circulation.Book] {
	return circulation.ListConfig[circulation.Book]{
		SearchFields: func(b circulation.Book) []string { return []string{b.Title, b.Author, b.ISBN} },
		StatusOf: func(b circulation.Book) string {
			if b.IsAvailable() {
				return "AVAILABLE"
			}
			return "UNAVAILABLE"
		},
		Sorts: map[string]circulation.Comparator[circulation.Book]{
			"title":     circulation.By("title", func(b circulation.Book) string { return b.Title }, false),
			"author":    circulation.By("author", func(b circulation.Book) string { return b.Author }, false),
			"available": circulation.By("available", func(b circulation.Book) int { return b.AvailableCopies }, false),
			"queue":     circulation.By("queue", func(b circulation.Book) int { return b.PendingReservations }, false),
		},
		DefaultSort: circulation.Sort{Field: "title"},
	}
}

func (s *Service) ListBooks(ctx context.Context, q ListQuery) (circulation.Page[circulation.Book], error) {
	books, err := s.Store.ListBooks(ctx)
	if err != nil {
		return circulation.Page[circulation.Book]{}, err
	}
	return runList(BookListConfig(), q, books)
}

func (s *Service) lookups(ctx context.Context) (map[circulation.BookID]circulation.Book, map[circulation.UserID]circulation.User, error) {
	books, err := s.Store.ListBooks(ctx)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}
	bm := make(map[circulation.BookID]circulation.Book, len(books))
	for _, b := range books {
		bm[b.ID] = b
	}
	um := make(map[circulation.UserID]circulation.User, len(users))
	for _, u := range users {
		um[u.ID] = u
	}
	return bm, um, nil
}
