/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	circulation data for demos. Each scenario creates books and users, then
	backdates loans, returns and reservations relative to the service clock
	so the derived statuses (overdue, expired) show up immediately.

AVAILABLE SCENARIOS:

	quiet-desk:        Small catalog, a few loans on time, one due tomorrow
	overdue-fines:     Overdue, late-returned and lost loans with fines
	reservation-queue: Fully lent title with a queue, one stale reservation
	renewal-limits:    Loans blocked from renewal for each reason

HOW SCENARIOS WORK:
 1. Reset the store
 2. Create books and users
 3. Issue loans in the past through the circulation rules
 4. Return, lose or reserve at backdated times
 5. Record fine assessments in the ledger

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-fines"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(seed)
 3. Add entry to scenarioLoaders

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the endpoints that read the seeded data
  - desk/service.go: the bookkeeping the seeder mirrors
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "quiet-desk",
		Name:        "Quiet Desk",
		Description: "Small catalog with a few loans on time and one due within a day",
		Category:    "loans",
	},
	{
		ID:          "overdue-fines",
		Name:        "Overdue Fines",
		Description: "An overdue loan accruing fines, a late return partly paid, and a lost book",
		Category:    "fines",
	},
	{
		ID:          "reservation-queue",
		Name:        "Reservation Queue",
		Description: "A fully lent title with three queued reservations and a stale one ready to expire",
		Category:    "reservations",
	},
	{
		ID:          "renewal-limits",
		Name:        "Renewal Limits",
		Description: "Loans that cannot be renewed: limit reached, fine outstanding, and one that can",
		Category:    "loans",
	},
}

var scenarioLoaders = map[string]func(*seeder){
	"quiet-desk":        loadQuietDeskScenario,
	"overdue-fines":     loadOverdueFinesScenario,
	"reservation-queue": loadReservationQueueScenario,
	"renewal-limits":    loadRenewalLimitsScenario,
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if _, known := scenarioLoaders[req.ScenarioID]; !known {
			writeError(w, http.StatusBadRequest, "unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenarioByID resets the store and seeds the named scenario in one
// transaction.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.currentScenario = ""

	err := h.Store.WithTx(ctx, func(repo circulation.Repository) error {
		seed := &seeder{ctx: ctx, repo: repo, policy: h.Service.Policy, now: h.Service.Clock.Now()}
		load(seed)
		return seed.err
	})
	if err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.currentScenario = id
	h.Service.Logger.Info("scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadQuietDeskScenario(s *seeder) {
	s.book("b-go", "The Go Programming Language", "Donovan & Kernighan", "978-0134190440", 3)
	s.book("b-sicp", "Structure and Interpretation of Computer Programs", "Abelson & Sussman", "978-0262510875", 2)
	s.book("b-taocp", "The Art of Computer Programming, Vol. 1", "Knuth", "978-0201896831", 1)
	s.book("b-pragprog", "The Pragmatic Programmer", "Hunt & Thomas", "978-0135957059", 2)
	s.book("b-clrs", "Introduction to Algorithms", "Cormen et al.", "978-0262046305", 4)
	s.book("b-ostep", "Operating Systems: Three Easy Pieces", "Arpaci-Dusseau", "978-1985086593", 2)

	s.user("u-admin", "Grace Admin", "admin@library.edu", circulation.RoleAdmin)
	s.user("u-lib", "Lena Librarian", "lena@library.edu", circulation.RoleLibrarian)
	s.user("u-alice", "Alice Student", "alice@uni.edu", circulation.RoleUser)
	s.user("u-bob", "Bob Student", "bob@uni.edu", circulation.RoleUser)

	s.loan("u-alice", "b-go", 3, 15)
	s.loan("u-alice", "b-sicp", 10, 15)
	s.loan("u-bob", "b-clrs", 2, 15)

	// Due in roughly twelve hours.
	s.loanAt("u-bob", "b-ostep", s.now.Add(-14*circulation.Day-12*time.Hour), s.now.Add(12*time.Hour))

	returned := s.loan("u-alice", "b-pragprog", 20, 15)
	s.returnLoan(returned, 8)
}

func loadOverdueFinesScenario(s *seeder) {
	s.book("b-ddia", "Designing Data-Intensive Applications", "Kleppmann", "978-1449373320", 2)
	s.book("b-sre", "Site Reliability Engineering", "Beyer et al.", "978-1491929124", 1)
	s.book("b-dragon", "Compilers: Principles, Techniques, and Tools", "Aho et al.", "978-0321486813", 1)
	s.book("b-tcpip", "TCP/IP Illustrated, Vol. 1", "Stevens", "978-0321336316", 1)

	s.user("u-lib", "Lena Librarian", "lena@library.edu", circulation.RoleLibrarian)
	s.user("u-carol", "Carol Late", "carol@uni.edu", circulation.RoleUser)
	s.user("u-dave", "Dave Returner", "dave@uni.edu", circulation.RoleUser)
	s.user("u-erin", "Erin Unlucky", "erin@uni.edu", circulation.RoleUser)

	// 19 days out on a 15 day loan: 4 days overdue, still accruing.
	s.loan("u-carol", "b-ddia", 19, 15)

	// Returned 3 days late, then paid part of the fine.
	late := s.loan("u-dave", "b-sre", 25, 15)
	late = s.returnLoan(late, 7)
	s.pay(late, circulation.NewMoneyFromInt(5, s.policy.Currency()), 6, "u-lib")

	// Lost 6 days after falling due.
	lost := s.loan("u-erin", "b-dragon", 30, 15)
	s.markLost(lost, 9)

	s.loan("u-erin", "b-tcpip", 2, 15)
}

func loadReservationQueueScenario(s *seeder) {
	s.book("b-ddia", "Designing Data-Intensive Applications", "Kleppmann", "978-1449373320", 2)
	s.book("b-sicp", "Structure and Interpretation of Computer Programs", "Abelson & Sussman", "978-0262510875", 1)
	s.book("b-go", "The Go Programming Language", "Donovan & Kernighan", "978-0134190440", 1)

	s.user("u-alice", "Alice Student", "alice@uni.edu", circulation.RoleUser)
	s.user("u-bob", "Bob Student", "bob@uni.edu", circulation.RoleUser)
	s.user("u-carol", "Carol Late", "carol@uni.edu", circulation.RoleUser)
	s.user("u-dave", "Dave Returner", "dave@uni.edu", circulation.RoleUser)
	s.user("u-frank", "Frank Faculty", "frank@uni.edu", circulation.RoleUser)

	s.loan("u-alice", "b-ddia", 5, 15)
	s.loan("u-bob", "b-ddia", 2, 15)

	s.reserve("u-carol", "b-ddia", 30, circulation.PriorityNormal)
	s.reserve("u-dave", "b-ddia", 20, circulation.PriorityNormal)
	s.reserve("u-frank", "b-ddia", 2, circulation.PriorityHigh)

	// Past its 48 hour window; the next sweep stores it as EXPIRED.
	s.loan("u-alice", "b-sicp", 4, 15)
	s.reserve("u-bob", "b-sicp", 60, circulation.PriorityNormal)

	// Frank reaches the reservation limit.
	s.loan("u-dave", "b-go", 1, 15)
	s.reserve("u-frank", "b-sicp", 1, circulation.PriorityLow)
	s.reserve("u-frank", "b-go", 1, circulation.PriorityNormal)
}

func loadRenewalLimitsScenario(s *seeder) {
	s.book("b-go", "The Go Programming Language", "Donovan & Kernighan", "978-0134190440", 2)
	s.book("b-clrs", "Introduction to Algorithms", "Cormen et al.", "978-0262046305", 2)
	s.book("b-ostep", "Operating Systems: Three Easy Pieces", "Arpaci-Dusseau", "978-1985086593", 2)

	s.user("u-alice", "Alice Student", "alice@uni.edu", circulation.RoleUser)
	s.user("u-bob", "Bob Student", "bob@uni.edu", circulation.RoleUser)
	s.user("u-carol", "Carol Late", "carol@uni.edu", circulation.RoleUser)

	// Renewed three times: no renewals left.
	maxed := s.loan("u-alice", "b-go", 40, 15)
	s.renewals(maxed, s.policy.MaxRenewals, s.now.Add(5*circulation.Day))

	// Overdue with an unpaid fine: blocked until paid.
	s.loan("u-bob", "b-clrs", 18, 15)

	// Renewable.
	s.loan("u-carol", "b-ostep", 6, 15)
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder writes backdated records through the circulation rules. The first
// error sticks and every later step is skipped.
type seeder struct {
	ctx    context.Context
	repo   circulation.Repository
	policy circulation.Policy
	now    time.Time
	err    error
}

func (s *seeder) daysAgo(days int) time.Time {
	return s.now.Add(-time.Duration(days) * circulation.Day)
}

func (s *seeder) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *seeder) book(id, title, author, isbn string, copies int) {
	if s.err != nil {
		return
	}
	s.fail(s.repo.SaveBook(s.ctx, circulation.Book{
		ID:              circulation.BookID(id),
		Title:           title,
		Author:          author,
		ISBN:            isbn,
		TotalCopies:     copies,
		AvailableCopies: copies,
	}))
}

func (s *seeder) user(id, name, email string, role circulation.Role) {
	if s.err != nil {
		return
	}
	s.fail(s.repo.SaveUser(s.ctx, circulation.User{
		ID:     circulation.UserID(id),
		Name:   name,
		Email:  email,
		Role:   role,
		Active: true,
	}))
}

// loan lends bookID to userID daysAgo days ago for loanDays days.
func (s *seeder) loan(userID, bookID string, daysAgo, loanDays int) circulation.Loan {
	at := s.daysAgo(daysAgo)
	return s.loanAt(userID, bookID, at, at.Add(time.Duration(loanDays)*circulation.Day))
}

func (s *seeder) loanAt(userID, bookID string, at, due time.Time) circulation.Loan {
	if s.err != nil {
		return circulation.Loan{}
	}
	user, err := s.repo.GetUser(s.ctx, circulation.UserID(userID))
	if err != nil {
		s.fail(err)
		return circulation.Loan{}
	}
	book, err := s.repo.GetBook(s.ctx, circulation.BookID(bookID))
	if err != nil {
		s.fail(err)
		return circulation.Loan{}
	}

	loan, err := circulation.IssueLoan(circulation.IssueInput{User: user, Book: book, DueDate: &due}, at, s.policy)
	if err != nil {
		s.fail(fmt.Errorf("issue %s to %s: %w", bookID, userID, err))
		return circulation.Loan{}
	}
	if err := s.repo.SaveLoan(s.ctx, &loan); err != nil {
		s.fail(err)
		return circulation.Loan{}
	}
	book.AvailableCopies--
	s.fail(s.repo.SaveBook(s.ctx, book))
	return loan
}

func (s *seeder) returnLoan(loan circulation.Loan, daysAgo int) circulation.Loan {
	if s.err != nil {
		return loan
	}
	returned, err := circulation.ReturnLoan(loan, s.daysAgo(daysAgo), s.policy)
	if err != nil {
		s.fail(err)
		return loan
	}
	if err := s.repo.SaveLoan(s.ctx, &returned); err != nil {
		s.fail(err)
		return loan
	}
	s.assess(returned)
	s.adjustBook(loan.BookID, func(b *circulation.Book) {
		b.AvailableCopies = min(b.TotalCopies, b.AvailableCopies+1)
	})
	return returned
}

func (s *seeder) markLost(loan circulation.Loan, daysAgo int) circulation.Loan {
	if s.err != nil {
		return loan
	}
	lost, err := circulation.MarkLost(loan, s.daysAgo(daysAgo), s.policy)
	if err != nil {
		s.fail(err)
		return loan
	}
	if err := s.repo.SaveLoan(s.ctx, &lost); err != nil {
		s.fail(err)
		return loan
	}
	s.assess(lost)
	s.adjustBook(loan.BookID, func(b *circulation.Book) {
		b.TotalCopies = max(0, b.TotalCopies-1)
	})
	return lost
}

func (s *seeder) pay(loan circulation.Loan, amount circulation.Money, daysAgo int, by string) {
	if s.err != nil {
		return
	}
	at := s.daysAgo(daysAgo)
	paid, err := circulation.ApplyPayment(loan, amount, at, s.policy)
	if err != nil {
		s.fail(err)
		return
	}
	if err := s.repo.SaveLoan(s.ctx, &paid); err != nil {
		s.fail(err)
		return
	}
	tx := circulation.Settlement(circulation.FinePayment, paid, amount, at, "", circulation.UserID(by))
	s.fail(circulation.NewFineLedger(s.repo).Append(s.ctx, tx))
}

// renewals records n renewals ending at due.
func (s *seeder) renewals(loan circulation.Loan, n int, due time.Time) {
	if s.err != nil {
		return
	}
	loan.RenewalsCount = n
	loan.DueDate = due
	s.fail(s.repo.SaveLoan(s.ctx, &loan))
}

func (s *seeder) reserve(userID, bookID string, hoursAgo int, priority circulation.Priority) {
	if s.err != nil {
		return
	}
	at := s.now.Add(-time.Duration(hoursAgo) * time.Hour)
	user, err := s.repo.GetUser(s.ctx, circulation.UserID(userID))
	if err != nil {
		s.fail(err)
		return
	}
	book, err := s.repo.GetBook(s.ctx, circulation.BookID(bookID))
	if err != nil {
		s.fail(err)
		return
	}
	existing, err := s.repo.ListReservations(s.ctx, circulation.ReservationFilter{UserID: user.ID})
	if err != nil {
		s.fail(err)
		return
	}
	loans, err := s.repo.ListLoans(s.ctx, circulation.LoanFilter{UserID: user.ID, OpenOnly: true})
	if err != nil {
		s.fail(err)
		return
	}

	r, err := circulation.CreateReservation(circulation.ReserveInput{
		User:             user,
		Book:             book,
		Priority:         priority,
		UserReservations: existing,
		UserLoans:        loans,
	}, at, s.policy)
	if err != nil {
		s.fail(fmt.Errorf("reserve %s for %s: %w", bookID, userID, err))
		return
	}
	if err := s.repo.SaveReservation(s.ctx, &r); err != nil {
		s.fail(err)
		return
	}
	book.PendingReservations++
	s.fail(s.repo.SaveBook(s.ctx, book))
}

func (s *seeder) assess(loan circulation.Loan) {
	if s.err != nil || !loan.FineAmount.IsPositive() {
		return
	}
	at := s.now
	if loan.ReturnDate != nil {
		at = *loan.ReturnDate
	} else if loan.LostAt != nil {
		at = *loan.LostAt
	}
	s.fail(circulation.NewFineLedger(s.repo).Append(s.ctx, circulation.AssessFine(loan, loan.FineAmount, at)))
}

func (s *seeder) adjustBook(id circulation.BookID, fn func(*circulation.Book)) {
	if s.err != nil {
		return
	}
	book, err := s.repo.GetBook(s.ctx, id)
	if err != nil {
		s.fail(err)
		return
	}
	fn(&book)
	s.fail(s.repo.SaveBook(s.ctx, book))
}
