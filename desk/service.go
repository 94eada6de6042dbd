/*
Package desk runs the circulation rules against a store.

PURPOSE:
  The circulation package decides; desk persists. Every operation here loads
  the records a rule needs inside one store transaction, calls the rule, and
  saves what it returns together with the side effects a library expects:
  book copy counters, the reservation queue and the fine ledger.

OPERATION FLOW:
  ┌──────────┐   WithTx   ┌───────────────┐  rule  ┌──────────────┐  save  ┌───────┐
  │ Handler  │ ─────────▶ │ load records  │ ─────▶ │ new records  │ ─────▶ │ Store │
  └──────────┘            └───────────────┘        └──────────────┘        └───────┘
                                  any error rolls the whole unit back

COPY BOOKKEEPING:
  issue  → AvailableCopies - 1
  return → AvailableCopies + 1
  lost   → TotalCopies - 1 (the copy was already out)
  PendingReservations counts PENDING reservations of the book.

FINE LEDGER:
  Every increase of a loan's recorded fine is assessed once per loan and
  total: a payment on an open loan bills what has accrued so far, return or
  loss bills the rest. Payments and waivers append their own negative
  transactions.

SEE ALSO:
  - sweep.go: Reservation expiry, queue notification, overdue reminders
  - lists.go: Filter/sort/page configurations for list screens
*/
package desk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/circulation-engine/circulation"
)

// Service sequences circulation rules against a TxStore.
type Service struct {
	Store    circulation.TxStore
	Clock    circulation.Clock
	Policy   circulation.Policy
	Notifier Notifier
	Logger   *slog.Logger
}

// NewService creates a service that notifies through the log.
func NewService(store circulation.TxStore, clock circulation.Clock, policy circulation.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:    store,
		Clock:    clock,
		Policy:   policy,
		Notifier: NewLogNotifier(logger),
		Logger:   logger,
	}
}

func (s *Service) now() time.Time { return s.Clock.Now() }

// =============================================================================
// CATALOG AND USERS
// =============================================================================

// NewBook describes a title entering the catalog.
type NewBook struct {
	ID     circulation.BookID
	Title  string
	Author string
	ISBN   string
	Copies int
}

// AddBook adds a title with all copies available.
func (s *Service) AddBook(ctx context.Context, in NewBook) (circulation.Book, error) {
	if strings.TrimSpace(in.Title) == "" {
		return circulation.Book{}, fmt.Errorf("%w: title is required", circulation.ErrInvalidInput)
	}
	if in.Copies < 0 {
		return circulation.Book{}, fmt.Errorf("%w: copies must not be negative", circulation.ErrInvalidInput)
	}
	id := in.ID
	if id == "" {
		id = circulation.BookID(uuid.NewString())
	}
	book := circulation.Book{
		ID:              id,
		Title:           in.Title,
		Author:          in.Author,
		ISBN:            in.ISBN,
		TotalCopies:     in.Copies,
		AvailableCopies: in.Copies,
	}
	if err := s.Store.SaveBook(ctx, book); err != nil {
		return circulation.Book{}, err
	}
	return book, nil
}

// RegisterUser adds a user. The role defaults to USER.
func (s *Service) RegisterUser(ctx context.Context, user circulation.User) (circulation.User, error) {
	if strings.TrimSpace(user.Name) == "" {
		return circulation.User{}, fmt.Errorf("%w: name is required", circulation.ErrInvalidInput)
	}
	if user.Role == "" {
		user.Role = circulation.RoleUser
	}
	if !user.Role.Valid() {
		return circulation.User{}, fmt.Errorf("%w: unknown role %q", circulation.ErrInvalidInput, user.Role)
	}
	if user.ID == "" {
		user.ID = circulation.UserID(uuid.NewString())
	}
	if err := s.Store.SaveUser(ctx, user); err != nil {
		return circulation.User{}, err
	}
	return user, nil
}

// Availability is a book with its availability estimate.
type Availability struct {
	Book     circulation.Book
	Estimate circulation.Estimate
}

func (s *Service) Availability(ctx context.Context, id circulation.BookID) (Availability, error) {
	book, err := s.Store.GetBook(ctx, id)
	if err != nil {
		return Availability{}, err
	}
	return Availability{
		Book:     book,
		Estimate: circulation.EstimateAvailability(book, s.Policy.AvgLoanDurationDays),
	}, nil
}

// =============================================================================
// LOANS
// =============================================================================

// IssueRequest asks to lend a book to a user.
type IssueRequest struct {
	UserID  circulation.UserID
	BookID  circulation.BookID
	DueDate *time.Time
	Notes   string
}

// IssueLoan lends a copy. A live reservation the user holds for the book is
// completed by the loan.
func (s *Service) IssueLoan(ctx context.Context, req IssueRequest) (circulation.Loan, error) {
	now := s.now()
	var loan circulation.Loan

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		user, err := repo.GetUser(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("user %s: %w", req.UserID, err)
		}
		book, err := repo.GetBook(ctx, req.BookID)
		if err != nil {
			return fmt.Errorf("book %s: %w", req.BookID, err)
		}
		userLoans, err := repo.ListLoans(ctx, circulation.LoanFilter{UserID: user.ID})
		if err != nil {
			return err
		}

		loan, err = circulation.IssueLoan(circulation.IssueInput{
			User:      user,
			Book:      book,
			UserLoans: userLoans,
			DueDate:   req.DueDate,
			Notes:     req.Notes,
		}, now, s.Policy)
		if err != nil {
			return err
		}
		if err := repo.SaveLoan(ctx, &loan); err != nil {
			return err
		}

		book.AvailableCopies--
		if err := s.completeReservation(ctx, repo, user.ID, &book, now); err != nil {
			return err
		}
		return repo.SaveBook(ctx, book)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.Logger.Info("loan issued",
		"loan_id", loan.ID, "user_id", loan.UserID, "book_id", loan.BookID,
		"due", loan.DueDate.Format(time.DateOnly))
	return loan, nil
}

// completeReservation closes the user's live reservation for book, if any.
func (s *Service) completeReservation(ctx context.Context, repo circulation.Repository, userID circulation.UserID, book *circulation.Book, now time.Time) error {
	reservations, err := repo.ListReservations(ctx, circulation.ReservationFilter{
		UserID: userID, BookID: book.ID, LiveOnly: true,
	})
	if err != nil {
		return err
	}
	for _, r := range reservations {
		if !r.EffectiveStatus(now).IsLive() {
			continue
		}
		wasPending := r.Status == circulation.ReservationPending
		done, err := circulation.CompleteReservation(r, now)
		if err != nil {
			return err
		}
		if err := repo.SaveReservation(ctx, &done); err != nil {
			return err
		}
		if wasPending {
			book.PendingReservations = max(0, book.PendingReservations-1)
			if err := renumber(ctx, repo, book.ID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// RenewRequest moves a loan's due date. Exactly one of DueDate and Days is used;
// DueDate wins when both are set.
type RenewRequest struct {
	DueDate *time.Time
	Days    int
}

func (s *Service) RenewLoan(ctx context.Context, id circulation.LoanID, req RenewRequest) (circulation.Loan, error) {
	now := s.now()
	var renewed circulation.Loan

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		loan, err := repo.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case req.DueDate != nil:
			renewed, err = circulation.RenewLoan(loan, *req.DueDate, now, s.Policy)
		case req.Days > 0:
			renewed, err = circulation.RenewLoanBy(loan, req.Days, now, s.Policy)
		default:
			return fmt.Errorf("%w: due_date or days is required", circulation.ErrInvalidInput)
		}
		if err != nil {
			return err
		}
		return repo.SaveLoan(ctx, &renewed)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.Logger.Info("loan renewed",
		"loan_id", renewed.ID, "renewals", renewed.RenewalsCount,
		"due", renewed.DueDate.Format(time.DateOnly))
	return renewed, nil
}

// ReturnResult is a returned loan and the reservation notified because a copy
// came back, if any.
type ReturnResult struct {
	Loan     circulation.Loan
	Notified *circulation.Reservation
}

func (s *Service) ReturnLoan(ctx context.Context, id circulation.LoanID) (ReturnResult, error) {
	now := s.now()
	var result ReturnResult
	var user circulation.User
	var book circulation.Book

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		loan, err := repo.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		returned, err := circulation.ReturnLoan(loan, now, s.Policy)
		if err != nil {
			return err
		}
		if err := repo.SaveLoan(ctx, &returned); err != nil {
			return err
		}
		result.Loan = returned

		if err := s.assess(ctx, repo, returned, loan.FineAmount, now); err != nil {
			return err
		}

		book, err = repo.GetBook(ctx, returned.BookID)
		if err != nil {
			return err
		}
		book.AvailableCopies = min(book.AvailableCopies+1, book.TotalCopies)

		next, err := s.activateNext(ctx, repo, &book, now)
		if err != nil {
			return err
		}
		if next != nil {
			result.Notified = next
			if user, err = repo.GetUser(ctx, next.UserID); err != nil {
				return err
			}
		}
		return repo.SaveBook(ctx, book)
	})
	if err != nil {
		return ReturnResult{}, err
	}

	s.Logger.Info("loan returned",
		"loan_id", result.Loan.ID, "fine", result.Loan.FineAmount.String(),
		"days_overdue", result.Loan.DaysOverdue(now))
	if result.Notified != nil {
		s.notifyReady(ctx, user, book, *result.Notified)
	}
	return result, nil
}

// MarkLost closes a loan whose copy will not come back.
func (s *Service) MarkLost(ctx context.Context, id circulation.LoanID) (circulation.Loan, error) {
	now := s.now()
	var lost circulation.Loan

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		loan, err := repo.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		lost, err = circulation.MarkLost(loan, now, s.Policy)
		if err != nil {
			return err
		}
		if err := repo.SaveLoan(ctx, &lost); err != nil {
			return err
		}
		if err := s.assess(ctx, repo, lost, loan.FineAmount, now); err != nil {
			return err
		}

		book, err := repo.GetBook(ctx, lost.BookID)
		if err != nil {
			return err
		}
		book.TotalCopies = max(0, book.TotalCopies-1)
		book.AvailableCopies = min(book.AvailableCopies, book.TotalCopies)
		return repo.SaveBook(ctx, book)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.Logger.Warn("loan marked lost", "loan_id", lost.ID, "book_id", lost.BookID, "fine", lost.FineAmount.String())
	return lost, nil
}

// assess records the growth of the loan's fine since prev in the ledger.
// The same loan and total is assessed only once.
func (s *Service) assess(ctx context.Context, repo circulation.Repository, loan circulation.Loan, prev circulation.Money, at time.Time) error {
	delta := loan.FineAmount.Sub(prev)
	if !delta.IsPositive() {
		return nil
	}
	tx := circulation.AssessFine(loan, delta, at)
	tx.IdempotencyKey = fmt.Sprintf("assess:%s:%s", loan.ID, loan.FineAmount.Value.String())
	err := circulation.NewFineLedger(repo).Append(ctx, tx)
	if circulation.IsConflict(err) {
		return nil
	}
	return err
}

// =============================================================================
// FINES
// =============================================================================

// Settlement pays or waives part of a loan's fine.
type Settlement struct {
	Amount         circulation.Money
	IdempotencyKey string
	By             circulation.UserID
	Reason         string
}

// PayFine records a payment against the loan's outstanding fine.
func (s *Service) PayFine(ctx context.Context, id circulation.LoanID, in Settlement) (circulation.Loan, error) {
	return s.settle(ctx, id, circulation.FinePayment, in)
}

// WaiveFine forgives part of the loan's outstanding fine.
func (s *Service) WaiveFine(ctx context.Context, id circulation.LoanID, in Settlement) (circulation.Loan, error) {
	return s.settle(ctx, id, circulation.FineWaiver, in)
}

func (s *Service) settle(ctx context.Context, id circulation.LoanID, kind circulation.FineTxType, in Settlement) (circulation.Loan, error) {
	now := s.now()
	if in.Amount.Currency == "" {
		in.Amount.Currency = s.Policy.Currency()
	}
	var paid circulation.Loan

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		ledger := circulation.NewFineLedger(repo)
		if in.IdempotencyKey != "" {
			exists, err := repo.FineExists(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if exists {
				return circulation.ErrDuplicateIdempotencyKey
			}
		}

		loan, err := repo.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		paid, err = circulation.ApplyPayment(loan, in.Amount, now, s.Policy)
		if err != nil {
			return err
		}
		if err := repo.SaveLoan(ctx, &paid); err != nil {
			return err
		}

		// An open overdue loan is billed by its first payment.
		if err := s.assess(ctx, repo, paid, loan.FineAmount, now); err != nil {
			return err
		}

		tx := circulation.Settlement(kind, paid, in.Amount, now, in.IdempotencyKey, in.By)
		tx.Reason = in.Reason
		return ledger.Append(ctx, tx)
	})
	if err != nil {
		return circulation.Loan{}, err
	}

	s.Logger.Info("fine settled",
		"loan_id", paid.ID, "type", kind, "amount", in.Amount.String(),
		"outstanding", circulation.OutstandingFine(paid, now, s.Policy).String())
	return paid, nil
}

// FineSummary is a user's fine history and balance.
type FineSummary struct {
	UserID       circulation.UserID
	Transactions []circulation.FineTransaction
	Balance      circulation.Money

	// Accruing is the fine building up on open overdue loans above what has
	// been billed so far.
	Accruing circulation.Money
}

func (s *Service) UserFines(ctx context.Context, userID circulation.UserID) (FineSummary, error) {
	now := s.now()
	if _, err := s.Store.GetUser(ctx, userID); err != nil {
		return FineSummary{}, err
	}
	ledger := circulation.NewFineLedger(s.Store)
	txs, err := ledger.Transactions(ctx, userID)
	if err != nil {
		return FineSummary{}, err
	}
	loans, err := s.Store.ListLoans(ctx, circulation.LoanFilter{UserID: userID, OpenOnly: true})
	if err != nil {
		return FineSummary{}, err
	}

	accruing := s.Policy.FinePerDay.Zero()
	for _, l := range loans {
		accruing = accruing.Add(s.Policy.Unbilled(l, now))
	}
	return FineSummary{
		UserID:       userID,
		Transactions: txs,
		Balance:      circulation.FineBalance(txs, now, s.Policy.Currency()),
		Accruing:     accruing,
	}, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReserveRequest struct {
	UserID   circulation.UserID
	BookID   circulation.BookID
	Priority circulation.Priority
}

// Reserve places the user at the back of the book's queue.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (circulation.Reservation, error) {
	now := s.now()
	var r circulation.Reservation

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		user, err := repo.GetUser(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("user %s: %w", req.UserID, err)
		}
		book, err := repo.GetBook(ctx, req.BookID)
		if err != nil {
			return fmt.Errorf("book %s: %w", req.BookID, err)
		}
		reservations, err := repo.ListReservations(ctx, circulation.ReservationFilter{UserID: user.ID})
		if err != nil {
			return err
		}
		loans, err := repo.ListLoans(ctx, circulation.LoanFilter{UserID: user.ID, OpenOnly: true})
		if err != nil {
			return err
		}

		r, err = circulation.CreateReservation(circulation.ReserveInput{
			User:             user,
			Book:             book,
			Priority:         req.Priority,
			UserReservations: reservations,
			UserLoans:        loans,
		}, now, s.Policy)
		if err != nil {
			return err
		}
		if err := repo.SaveReservation(ctx, &r); err != nil {
			return err
		}
		book.PendingReservations++
		return repo.SaveBook(ctx, book)
	})
	if err != nil {
		return circulation.Reservation{}, err
	}

	s.Logger.Info("reservation created",
		"reservation_id", r.ID, "user_id", r.UserID, "book_id", r.BookID, "position", r.QueuePosition)
	return r, nil
}

// CancelReservation cancels a live reservation and closes the gap in the queue.
func (s *Service) CancelReservation(ctx context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	now := s.now()
	var cancelled circulation.Reservation

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		r, err := repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		cancelled, err = circulation.CancelReservation(r, now)
		if err != nil {
			return err
		}
		if err := repo.SaveReservation(ctx, &cancelled); err != nil {
			return err
		}
		if r.Status != circulation.ReservationPending {
			return nil
		}
		if err := s.leaveQueue(ctx, repo, r.BookID); err != nil {
			return err
		}
		return renumber(ctx, repo, r.BookID, now)
	})
	if err != nil {
		return circulation.Reservation{}, err
	}

	s.Logger.Info("reservation cancelled", "reservation_id", cancelled.ID)
	return cancelled, nil
}

// ConfirmReservation tells a pending reservation's holder that a copy is ready.
func (s *Service) ConfirmReservation(ctx context.Context, id circulation.ReservationID) (circulation.Reservation, error) {
	now := s.now()
	var active circulation.Reservation
	var user circulation.User
	var book circulation.Book

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		r, err := repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if book, err = repo.GetBook(ctx, r.BookID); err != nil {
			return err
		}
		if active, err = s.activate(ctx, repo, r, &book, now); err != nil {
			return err
		}
		if user, err = repo.GetUser(ctx, r.UserID); err != nil {
			return err
		}
		return repo.SaveBook(ctx, book)
	})
	if err != nil {
		return circulation.Reservation{}, err
	}

	s.notifyReady(ctx, user, book, active)
	return active, nil
}

// Position is a reservation's live place in its book's queue.
type Position struct {
	Reservation circulation.Reservation
	Position    int // 0 when the reservation is no longer pending
	Estimate    circulation.Estimate
}

// QueuePosition counts the pending reservations ahead of id, so it stays
// correct even before the queue is renumbered.
func (s *Service) QueuePosition(ctx context.Context, id circulation.ReservationID) (Position, error) {
	now := s.now()
	r, err := s.Store.GetReservation(ctx, id)
	if err != nil {
		return Position{}, err
	}
	book, err := s.Store.GetBook(ctx, r.BookID)
	if err != nil {
		return Position{}, err
	}
	queue, err := s.Store.ListReservations(ctx, circulation.ReservationFilter{BookID: r.BookID, LiveOnly: true})
	if err != nil {
		return Position{}, err
	}

	pos := 0
	for i, q := range pendingQueue(queue, now) {
		if q.ID == r.ID {
			pos = i + 1
			break
		}
	}
	ahead := book
	ahead.PendingReservations = max(0, pos-1)
	return Position{
		Reservation: r,
		Position:    pos,
		Estimate:    circulation.EstimateAvailability(ahead, s.Policy.AvgLoanDurationDays),
	}, nil
}

// =============================================================================
// QUEUE HELPERS
// =============================================================================

// activate moves r to ACTIVE and takes it out of the pending queue.
func (s *Service) activate(ctx context.Context, repo circulation.Repository, r circulation.Reservation, book *circulation.Book, now time.Time) (circulation.Reservation, error) {
	active, err := circulation.ActivateReservation(r, *book, now, s.Policy)
	if err != nil {
		return r, err
	}
	if err := repo.SaveReservation(ctx, &active); err != nil {
		return r, err
	}
	book.PendingReservations = max(0, book.PendingReservations-1)
	if err := renumber(ctx, repo, book.ID, now); err != nil {
		return r, err
	}
	return active, nil
}

// activateNext activates the head of book's queue when a copy is free for it.
// Copies are promised to ACTIVE reservations first.
func (s *Service) activateNext(ctx context.Context, repo circulation.Repository, book *circulation.Book, now time.Time) (*circulation.Reservation, error) {
	if !book.IsAvailable() {
		return nil, nil
	}
	queue, err := repo.ListReservations(ctx, circulation.ReservationFilter{BookID: book.ID, LiveOnly: true})
	if err != nil {
		return nil, err
	}
	promised := 0
	for _, r := range queue {
		if r.EffectiveStatus(now) == circulation.ReservationActive {
			promised++
		}
	}
	if promised >= book.AvailableCopies {
		return nil, nil
	}
	next, ok := circulation.NextInQueue(queue, now)
	if !ok {
		return nil, nil
	}
	active, err := s.activate(ctx, repo, next, book, now)
	if err != nil {
		return nil, err
	}
	return &active, nil
}

func (s *Service) leaveQueue(ctx context.Context, repo circulation.Repository, bookID circulation.BookID) error {
	book, err := repo.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	book.PendingReservations = max(0, book.PendingReservations-1)
	return repo.SaveBook(ctx, book)
}

// renumber applies RenumberQueue to the book's live reservations.
func renumber(ctx context.Context, repo circulation.Repository, bookID circulation.BookID, now time.Time) error {
	queue, err := repo.ListReservations(ctx, circulation.ReservationFilter{BookID: bookID, LiveOnly: true})
	if err != nil {
		return err
	}
	for _, r := range circulation.RenumberQueue(queue, now) {
		if err := repo.SaveReservation(ctx, &r); err != nil {
			return err
		}
	}
	return nil
}

func pendingQueue(rs []circulation.Reservation, now time.Time) []circulation.Reservation {
	var out []circulation.Reservation
	for _, r := range rs {
		if r.EffectiveStatus(now) == circulation.ReservationPending {
			out = append(out, r)
		}
	}
	return out
}

func (s *Service) notifyReady(ctx context.Context, user circulation.User, book circulation.Book, r circulation.Reservation) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.ReservationReady(ctx, user, book, r); err != nil {
		s.Logger.Error("reservation notification failed", "reservation_id", r.ID, "error", err)
	}
}
