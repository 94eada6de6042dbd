/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the circulation desk via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to desk.Service.

ENDPOINTS:
  Books:
    GET    /api/books                      List books (q, status, sort, desc, page, page_size)
    POST   /api/books                      Add a title
    GET    /api/books/{id}                 Get book
    GET    /api/books/{id}/availability    Availability estimate

  Users:
    GET    /api/users                      List users
    POST   /api/users                      Register user
    GET    /api/users/{id}                 Get user
    GET    /api/users/{id}/fines           Fine ledger and balance

  Loans:
    GET    /api/loans                      List loans (+ user_id)
    POST   /api/loans                      Issue loan
    GET    /api/loans/{id}                 Get loan
    POST   /api/loans/{id}/renew           Renew
    POST   /api/loans/{id}/return          Return
    POST   /api/loans/{id}/lost            Mark lost
    POST   /api/loans/{id}/payments        Pay fine
    POST   /api/loans/{id}/waivers         Waive fine

  Reservations:
    GET    /api/reservations               List reservations (+ user_id)
    POST   /api/reservations               Reserve
    POST   /api/reservations/{id}/cancel   Cancel
    POST   /api/reservations/{id}/confirm  Notify the holder a copy is ready
    GET    /api/reservations/{id}/position Queue position and estimate

  Admin:
    GET    /api/reports/loans              Circulation report (+ user_id, from, to)
    GET    /api/reports/overdue            Open overdue loans with fines
    POST   /api/admin/sweep                Run the maintenance sweep now
    GET    /api/admin/sweep                Result of the last sweep
    GET    /api/policy                     Active policy

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: Malformed body or query parameter
  - 404: Record not found
  - 409: Conflict (stale version, duplicate idempotency key)
  - 422: Circulation rule rejected the request
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The acting user is passed explicitly in each request.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/desk"
	"github.com/warp/circulation-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the handlers need: transactional access plus a
// wipe for scenario loading.
type Store interface {
	circulation.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service       *desk.Service
	Store         Store
	PolicyFactory *factory.PolicyFactory

	// Sweeper, when set, records manual sweeps alongside scheduled ones.
	Sweeper *Sweeper

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around a desk service.
func NewHandler(svc *desk.Service, store Store) *Handler {
	return &Handler{
		Service:       svc,
		Store:         store,
		PolicyFactory: factory.NewPolicyFactory(),
	}
}

// =============================================================================
// BOOKS
// =============================================================================

func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	page, err := h.Service.ListBooks(r.Context(), q)
	if err != nil {
		h.respondError(w, "failed to list books", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toBookDTO))
}

func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if !decode(w, r, &req) {
		return
	}
	book, err := h.Service.AddBook(r.Context(), desk.NewBook{
		ID:     circulation.BookID(req.ID),
		Title:  req.Title,
		Author: req.Author,
		ISBN:   req.ISBN,
		Copies: req.Copies,
	})
	if err != nil {
		h.respondError(w, "failed to add book", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookDTO(book))
}

func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.Store.GetBook(r.Context(), circulation.BookID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "book not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(book))
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.Availability(r.Context(), circulation.BookID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "book not found", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{
		Book:         toBookDTO(a.Book),
		Available:    a.Book.IsAvailable(),
		Estimate:     a.Estimate.String(),
		EstimateKind: string(a.Estimate.Kind),
		EstimateDays: a.Estimate.Days,
	})
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	page, err := h.Service.ListUsers(r.Context(), q)
	if err != nil {
		h.respondError(w, "failed to list users", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toUserDTO))
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	user, err := h.Service.RegisterUser(r.Context(), circulation.User{
		ID:     circulation.UserID(req.ID),
		Name:   req.Name,
		Email:  req.Email,
		Role:   circulation.Role(strings.ToUpper(req.Role)),
		Active: active,
	})
	if err != nil {
		h.respondError(w, "failed to register user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), circulation.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "user not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (h *Handler) GetUserFines(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Service.UserFines(r.Context(), circulation.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "failed to load fines", err)
		return
	}
	txs := make([]FineTransactionDTO, len(summary.Transactions))
	for i, tx := range summary.Transactions {
		txs[i] = toFineTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, FineSummaryDTO{
		UserID:       string(summary.UserID),
		Balance:      formatMoney(summary.Balance),
		Accruing:     formatMoney(summary.Accruing),
		Currency:     string(summary.Balance.Currency),
		Transactions: txs,
	})
}

// =============================================================================
// LOANS
// =============================================================================

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	page, err := h.Service.ListLoans(r.Context(), q)
	if err != nil {
		h.respondError(w, "failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toLoanDTO))
}

func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req IssueLoanRequest
	if !decode(w, r, &req) {
		return
	}
	in := desk.IssueRequest{
		UserID: circulation.UserID(req.UserID),
		BookID: circulation.BookID(req.BookID),
		Notes:  req.Notes,
	}
	if req.DueDate != "" {
		due, err := parseTimeParam(req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date", err)
			return
		}
		in.DueDate = &due
	}

	loan, err := h.Service.IssueLoan(r.Context(), in)
	if err != nil {
		h.respondError(w, "failed to issue loan", err)
		return
	}
	h.writeLoan(w, r.Context(), http.StatusCreated, loan.ID)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	h.writeLoan(w, r.Context(), http.StatusOK, circulation.LoanID(chi.URLParam(r, "id")))
}

func (h *Handler) RenewLoan(w http.ResponseWriter, r *http.Request) {
	var req RenewLoanRequest
	if !decode(w, r, &req) {
		return
	}
	in := desk.RenewRequest{Days: req.Days}
	if req.DueDate != "" {
		due, err := parseTimeParam(req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date", err)
			return
		}
		in.DueDate = &due
	}

	loan, err := h.Service.RenewLoan(r.Context(), circulation.LoanID(chi.URLParam(r, "id")), in)
	if err != nil {
		h.respondError(w, "failed to renew loan", err)
		return
	}
	h.writeLoan(w, r.Context(), http.StatusOK, loan.ID)
}

func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	result, err := h.Service.ReturnLoan(ctx, circulation.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "failed to return loan", err)
		return
	}
	view, err := h.Service.GetLoan(ctx, result.Loan.ID)
	if err != nil {
		h.respondError(w, "failed to load loan", err)
		return
	}

	resp := ReturnLoanResponse{Loan: toLoanDTO(view)}
	if result.Notified != nil {
		dto := toReservationDTO(desk.ReservationView{
			Reservation: *result.Notified,
			BookTitle:   view.BookTitle,
			Status:      result.Notified.EffectiveStatus(h.Service.Clock.Now()),
		})
		resp.Notified = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) MarkLost(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.MarkLost(r.Context(), circulation.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "failed to mark loan lost", err)
		return
	}
	h.writeLoan(w, r.Context(), http.StatusOK, loan.ID)
}

func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Service.PayFine)
}

func (h *Handler) WaiveFine(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Service.WaiveFine)
}

type settleFunc func(context.Context, circulation.LoanID, desk.Settlement) (circulation.Loan, error)

// settle handles payments and waivers. The Idempotency-Key header wins over
// the body field.
func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn settleFunc) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := circulation.ParseMoney(req.Amount, h.Service.Policy.Currency())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}
	key := req.IdempotencyKey
	if hk := r.Header.Get("Idempotency-Key"); hk != "" {
		key = hk
	}

	loan, err := fn(r.Context(), circulation.LoanID(chi.URLParam(r, "id")), desk.Settlement{
		Amount:         amount,
		IdempotencyKey: key,
		By:             circulation.UserID(req.By),
		Reason:         req.Reason,
	})
	if err != nil {
		h.respondError(w, "failed to settle fine", err)
		return
	}
	h.writeLoan(w, r.Context(), http.StatusOK, loan.ID)
}

func (h *Handler) writeLoan(w http.ResponseWriter, ctx context.Context, status int, id circulation.LoanID) {
	view, err := h.Service.GetLoan(ctx, id)
	if err != nil {
		h.respondError(w, "loan not found", err)
		return
	}
	writeJSON(w, status, toLoanDTO(view))
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (h *Handler) ListReservations(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	page, err := h.Service.ListReservations(r.Context(), q)
	if err != nil {
		h.respondError(w, "failed to list reservations", err)
		return
	}
	writeJSON(w, http.StatusOK, toPageDTO(page, toReservationDTO))
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.Reserve(r.Context(), desk.ReserveRequest{
		UserID:   circulation.UserID(req.UserID),
		BookID:   circulation.BookID(req.BookID),
		Priority: circulation.Priority(req.Priority),
	})
	if err != nil {
		h.respondError(w, "failed to reserve", err)
		return
	}
	h.writeReservation(w, r.Context(), http.StatusCreated, res)
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.CancelReservation(r.Context(), circulation.ReservationID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "failed to cancel reservation", err)
		return
	}
	h.writeReservation(w, r.Context(), http.StatusOK, res)
}

func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.ConfirmReservation(r.Context(), circulation.ReservationID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "failed to confirm reservation", err)
		return
	}
	h.writeReservation(w, r.Context(), http.StatusOK, res)
}

func (h *Handler) GetQueuePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Service.QueuePosition(r.Context(), circulation.ReservationID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, "reservation not found", err)
		return
	}
	writeJSON(w, http.StatusOK, PositionDTO{
		ReservationID: string(pos.Reservation.ID),
		Status:        string(pos.Reservation.EffectiveStatus(h.Service.Clock.Now())),
		Position:      pos.Position,
		Estimate:      pos.Estimate.String(),
		EstimateDays:  pos.Estimate.Days,
	})
}

func (h *Handler) writeReservation(w http.ResponseWriter, ctx context.Context, status int, res circulation.Reservation) {
	view := desk.ReservationView{
		Reservation: res,
		Status:      res.EffectiveStatus(h.Service.Clock.Now()),
	}
	if book, err := h.Store.GetBook(ctx, res.BookID); err == nil {
		view.BookTitle = book.Title
	}
	if user, err := h.Store.GetUser(ctx, res.UserID); err == nil {
		view.UserName = user.Name
	}
	writeJSON(w, status, toReservationDTO(view))
}

// =============================================================================
// REPORTS AND ADMIN
// =============================================================================

func (h *Handler) GetLoanReport(w http.ResponseWriter, r *http.Request) {
	q, err := reportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	report, err := h.Service.LoanReport(r.Context(), q)
	if err != nil {
		h.respondError(w, "failed to build report", err)
		return
	}

	dto := LoanReportDTO{
		From:             formatTimeOrEmpty(report.From),
		To:               formatTimeOrEmpty(report.To),
		Total:            report.Total,
		ByStatus:         make(map[string]int, len(report.ByStatus)),
		Reservations:     make(map[string]int, len(report.Reservations)),
		FinesBilled:      formatMoney(report.FinesBilled),
		FinesAccruing:    formatMoney(report.FinesAccruing),
		FinesPaid:        formatMoney(report.FinesPaid),
		FinesOutstanding: formatMoney(report.FinesOutstanding),
		Currency:         string(report.FinesBilled.Currency),
		MostBorrowed:     make([]BookCountDTO, len(report.MostBorrowed)),
	}
	for status, n := range report.ByStatus {
		dto.ByStatus[string(status)] = n
	}
	for status, n := range report.Reservations {
		dto.Reservations[string(status)] = n
	}
	for i, bc := range report.MostBorrowed {
		dto.MostBorrowed[i] = BookCountDTO{BookID: string(bc.BookID), Title: bc.Title, Loans: bc.Loans}
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetOverdueReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.OverdueReport(r.Context())
	if err != nil {
		h.respondError(w, "failed to build report", err)
		return
	}

	dto := OverdueReportDTO{
		GeneratedAt: formatTime(report.GeneratedAt),
		Total:       len(report.Loans),
		TotalFines:  formatMoney(report.TotalFines),
		Currency:    string(report.TotalFines.Currency),
		Loans:       make([]LoanDTO, len(report.Loans)),
		ByUser:      make(map[string]int, len(report.ByUser)),
	}
	for i, v := range report.Loans {
		dto.Loans[i] = toLoanDTO(v)
	}
	for userID, n := range report.ByUser {
		dto.ByUser[string(userID)] = n
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var (
		result desk.SweepResult
		err    error
	)
	if h.Sweeper != nil {
		result, err = h.Sweeper.RunNow(r.Context())
	} else {
		result, err = h.Service.Sweep(r.Context())
	}
	if err != nil {
		h.respondError(w, "sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(result))
}

// GetLastSweep reports the most recent sweep run by the background sweeper.
func (h *Handler) GetLastSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "sweeper not running", nil)
		return
	}
	result, err := h.Sweeper.LastRun()
	if err != nil {
		h.respondError(w, "last sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResultDTO(result))
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(h.Service.Policy))
}

func toSweepResultDTO(result desk.SweepResult) SweepResultDTO {
	dto := SweepResultDTO{
		RanAt:    formatTime(result.RanAt),
		Expired:  make([]string, len(result.Expired)),
		Notified: make([]string, len(result.Notified)),
		DueSoon:  result.DueSoon,
		Overdue:  result.Overdue,
	}
	for i, id := range result.Expired {
		dto.Expired[i] = string(id)
	}
	for i, id := range result.Notified {
		dto.Notified[i] = string(id)
	}
	return dto
}

// =============================================================================
// HELPERS
// =============================================================================

// listQuery reads the common list parameters.
func listQuery(r *http.Request) (desk.ListQuery, error) {
	v := r.URL.Query()
	q := desk.ListQuery{
		Search: v.Get("q"),
		Status: v.Get("status"),
		Sort:   v.Get("sort"),
		UserID: circulation.UserID(v.Get("user_id")),
	}
	var err error
	if s := v.Get("desc"); s != "" {
		if q.Desc, err = strconv.ParseBool(s); err != nil {
			return q, fmt.Errorf("desc: %w", err)
		}
	}
	if s := v.Get("page"); s != "" {
		if q.Page, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("page: %w", err)
		}
	}
	if s := v.Get("page_size"); s != "" {
		if q.PageSize, err = strconv.Atoi(s); err != nil {
			return q, fmt.Errorf("page_size: %w", err)
		}
	}
	return q, nil
}

// reportQuery reads user_id and the from/to loan date window. A bare `to`
// date includes that whole day.
func reportQuery(r *http.Request) (desk.ReportQuery, error) {
	v := r.URL.Query()
	q := desk.ReportQuery{UserID: circulation.UserID(v.Get("user_id"))}
	var err error
	if s := v.Get("from"); s != "" {
		if q.From, err = parseTimeParam(s); err != nil {
			return q, fmt.Errorf("from: %w", err)
		}
	}
	if s := v.Get("to"); s != "" {
		if q.To, err = parseTimeParam(s); err != nil {
			return q, fmt.Errorf("to: %w", err)
		}
		if _, bare := time.Parse(time.DateOnly, s); bare == nil {
			q.To = q.To.Add(circulation.Day)
		}
	}
	if err := q.Validate(); err != nil {
		return q, fmt.Errorf("to must be after from: %w", err)
	}
	return q, nil
}

type validator interface {
	Validate() error
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst validator) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := dst.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

var errorCodes = []struct {
	target error
	code   string
}{
	{circulation.ErrNotFound, "not_found"},
	{circulation.ErrConcurrentModification, "concurrent_modification"},
	{circulation.ErrDuplicateIdempotencyKey, "duplicate_idempotency_key"},
	{circulation.ErrInvalidState, "invalid_state"},
	{circulation.ErrRenewalLimitExceeded, "renewal_limit_exceeded"},
	{circulation.ErrInvalidRenewalDate, "invalid_renewal_date"},
	{circulation.ErrRenewalWindowExceeded, "renewal_window_exceeded"},
	{circulation.ErrOutstandingFine, "outstanding_fine"},
	{circulation.ErrReservationLimit, "reservation_limit"},
	{circulation.ErrBookAlreadyReserved, "book_already_reserved"},
	{circulation.ErrAlreadyBorrowed, "already_borrowed"},
	{circulation.ErrInvalidPriority, "invalid_priority"},
	{circulation.ErrUserInactive, "user_inactive"},
	{circulation.ErrBookUnavailable, "book_unavailable"},
	{circulation.ErrOverdueLoans, "overdue_loans"},
	{circulation.ErrLoanLimit, "loan_limit"},
	{circulation.ErrDuplicateLoan, "duplicate_loan"},
	{circulation.ErrInvalidDueDate, "invalid_due_date"},
	{circulation.ErrInvalidPolicy, "invalid_policy"},
	{circulation.ErrInvalidPayment, "invalid_payment"},
	{circulation.ErrInvalidInput, "invalid_input"},
	{circulation.ErrUnknownSortField, "unknown_sort_field"},
}

func errorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			return ec.code
		}
	}
	return "internal"
}

// respondError maps a service error to its HTTP status.
func (h *Handler) respondError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case circulation.IsNotFound(err):
		status = http.StatusNotFound
	case circulation.IsConflict(err):
		status = http.StatusConflict
	case circulation.IsClientError(err):
		status = http.StatusUnprocessableEntity
	default:
		h.Service.Logger.Error(message, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: errorCode(err), Details: err.Error()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "bad_request"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
