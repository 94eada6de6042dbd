/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation records from the external API contract, allowing:
  - Field renaming without breaking clients
  - Derived values (status, days overdue, outstanding fine) on every read
  - Validation where external data enters the system

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Amounts are decimal strings with two places ("12.50") plus a currency
  field. Timestamps are RFC3339; request dates also accept YYYY-MM-DD.

VALIDATION:
  Request types have Validate(). Handlers call it before touching the
  service, so malformed input never reaches the circulation rules.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/desk"
)

// =============================================================================
// BOOKS AND USERS
// =============================================================================

type BookDTO struct {
	ID                  string `json:"id"`
	Title               string `json:"title"`
	Author              string `json:"author,omitempty"`
	ISBN                string `json:"isbn,omitempty"`
	TotalCopies         int    `json:"total_copies"`
	AvailableCopies     int    `json:"available_copies"`
	PendingReservations int    `json:"pending_reservations"`
}

type CreateBookRequest struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	Copies int    `json:"copies"`
}

func (r CreateBookRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if r.Copies < 0 {
		return fmt.Errorf("copies must not be negative")
	}
	return nil
}

// AvailabilityDTO answers "when can I borrow this?".
type AvailabilityDTO struct {
	Book         BookDTO `json:"book"`
	Available    bool    `json:"available"`
	Estimate     string  `json:"estimate"`
	EstimateKind string  `json:"estimate_kind"`
	EstimateDays int     `json:"estimate_days"`
}

type UserDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

type CreateUserRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Active *bool  `json:"active,omitempty"` // defaults to true
}

func (r CreateUserRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if r.Role != "" && !circulation.Role(strings.ToUpper(r.Role)).Valid() {
		return fmt.Errorf("role must be ADMIN, LIBRARIAN or USER")
	}
	return nil
}

// =============================================================================
// LOANS
// =============================================================================

type LoanDTO struct {
	ID            string  `json:"id"`
	BookID        string  `json:"book_id"`
	BookTitle     string  `json:"book_title,omitempty"`
	UserID        string  `json:"user_id"`
	UserName      string  `json:"user_name,omitempty"`
	LoanDate      string  `json:"loan_date"`
	DueDate       string  `json:"due_date"`
	ReturnDate    *string `json:"return_date,omitempty"`
	LostAt        *string `json:"lost_at,omitempty"`
	Status        string  `json:"status"`
	RenewalsCount int     `json:"renewals_count"`
	DaysRemaining int     `json:"days_remaining"`
	DaysOverdue   int     `json:"days_overdue"`
	FineAmount    string  `json:"fine_amount"`
	FinePaid      string  `json:"fine_paid"`
	Outstanding   string  `json:"outstanding"`
	Currency      string  `json:"currency"`
	CanRenew      bool    `json:"can_renew"`
	Notes         string  `json:"notes,omitempty"`
	Version       int     `json:"version"`
}

type IssueLoanRequest struct {
	UserID  string `json:"user_id"`
	BookID  string `json:"book_id"`
	DueDate string `json:"due_date,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (r IssueLoanRequest) Validate() error {
	if r.UserID == "" || r.BookID == "" {
		return fmt.Errorf("user_id and book_id are required")
	}
	return nil
}

// RenewLoanRequest takes either an explicit due date or a number of days.
type RenewLoanRequest struct {
	DueDate string `json:"due_date,omitempty"`
	Days    int    `json:"days,omitempty"`
}

func (r RenewLoanRequest) Validate() error {
	if r.DueDate == "" && r.Days <= 0 {
		return fmt.Errorf("due_date or a positive days is required")
	}
	return nil
}

type ReturnLoanResponse struct {
	Loan     LoanDTO         `json:"loan"`
	Notified *ReservationDTO `json:"notified_reservation,omitempty"`
}

// PaymentRequest pays or waives part of a loan's fine.
type PaymentRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	By             string `json:"by,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (r PaymentRequest) Validate() error {
	if strings.TrimSpace(r.Amount) == "" {
		return fmt.Errorf("amount is required")
	}
	return nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReservationDTO struct {
	ID              string  `json:"id"`
	BookID          string  `json:"book_id"`
	BookTitle       string  `json:"book_title,omitempty"`
	UserID          string  `json:"user_id"`
	UserName        string  `json:"user_name,omitempty"`
	ReservationDate string  `json:"reservation_date"`
	ExpiryDate      string  `json:"expiry_date"`
	Status          string  `json:"status"`
	Priority        int     `json:"priority"`
	QueuePosition   int     `json:"queue_position"`
	NotifiedAt      *string `json:"notified_at,omitempty"`
	Version         int     `json:"version"`
}

type CreateReservationRequest struct {
	UserID   string `json:"user_id"`
	BookID   string `json:"book_id"`
	Priority int    `json:"priority,omitempty"`
}

func (r CreateReservationRequest) Validate() error {
	if r.UserID == "" || r.BookID == "" {
		return fmt.Errorf("user_id and book_id are required")
	}
	if r.Priority != 0 && !circulation.Priority(r.Priority).Valid() {
		return fmt.Errorf("priority must be between 1 and 3")
	}
	return nil
}

type PositionDTO struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	Position      int    `json:"position"`
	Estimate      string `json:"estimate"`
	EstimateDays  int    `json:"estimate_days"`
}

// =============================================================================
// FINES, REPORTS, ADMIN
// =============================================================================

type FineTransactionDTO struct {
	ID          string `json:"id"`
	LoanID      string `json:"loan_id,omitempty"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	EffectiveAt string `json:"effective_at"`
	Reason      string `json:"reason,omitempty"`
	ReversesID  string `json:"reverses_id,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
}

type FineSummaryDTO struct {
	UserID       string               `json:"user_id"`
	Balance      string               `json:"balance"`
	Accruing     string               `json:"accruing"`
	Currency     string               `json:"currency"`
	Transactions []FineTransactionDTO `json:"transactions"`
}

type BookCountDTO struct {
	BookID string `json:"book_id"`
	Title  string `json:"title"`
	Loans  int    `json:"loans"`
}

type LoanReportDTO struct {
	From             string         `json:"from,omitempty"`
	To               string         `json:"to,omitempty"`
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	Reservations     map[string]int `json:"reservations"`
	FinesBilled      string         `json:"fines_billed"`
	FinesAccruing    string         `json:"fines_accruing"`
	FinesPaid        string         `json:"fines_paid"`
	FinesOutstanding string         `json:"fines_outstanding"`
	Currency         string         `json:"currency"`
	MostBorrowed     []BookCountDTO `json:"most_borrowed"`
}

type OverdueReportDTO struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	TotalFines  string         `json:"total_fines"`
	Currency    string         `json:"currency"`
	Loans       []LoanDTO      `json:"loans"`
	ByUser      map[string]int `json:"by_user"`
}

type SweepResultDTO struct {
	RanAt    string   `json:"ran_at"`
	Expired  []string `json:"expired"`
	Notified []string `json:"notified"`
	DueSoon  int      `json:"due_soon"`
	Overdue  int      `json:"overdue"`
}

// PageDTO wraps one page of a list.
type PageDTO[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookDTO(b circulation.Book) BookDTO {
	return BookDTO{
		ID:                  string(b.ID),
		Title:               b.Title,
		Author:              b.Author,
		ISBN:                b.ISBN,
		TotalCopies:         b.TotalCopies,
		AvailableCopies:     b.AvailableCopies,
		PendingReservations: b.PendingReservations,
	}
}

func toUserDTO(u circulation.User) UserDTO {
	return UserDTO{ID: string(u.ID), Name: u.Name, Email: u.Email, Role: string(u.Role), Active: u.Active}
}

func toLoanDTO(v desk.LoanView) LoanDTO {
	l := v.Loan
	return LoanDTO{
		ID:            string(l.ID),
		BookID:        string(l.BookID),
		BookTitle:     v.BookTitle,
		UserID:        string(l.UserID),
		UserName:      v.UserName,
		LoanDate:      formatTime(l.LoanDate),
		DueDate:       formatTime(l.DueDate),
		ReturnDate:    formatTimePtr(l.ReturnDate),
		LostAt:        formatTimePtr(l.LostAt),
		Status:        string(v.Status),
		RenewalsCount: l.RenewalsCount,
		DaysRemaining: v.DaysRemaining,
		DaysOverdue:   v.DaysOverdue,
		FineAmount:    formatMoney(v.Fine),
		FinePaid:      formatMoney(l.FinePaid),
		Outstanding:   formatMoney(v.Outstanding),
		Currency:      string(v.Fine.Currency),
		CanRenew:      v.CanRenew,
		Notes:         l.Notes,
		Version:       l.Version,
	}
}

func toReservationDTO(v desk.ReservationView) ReservationDTO {
	r := v.Reservation
	return ReservationDTO{
		ID:              string(r.ID),
		BookID:          string(r.BookID),
		BookTitle:       v.BookTitle,
		UserID:          string(r.UserID),
		UserName:        v.UserName,
		ReservationDate: formatTime(r.ReservationDate),
		ExpiryDate:      formatTime(r.ExpiryDate),
		Status:          string(v.Status),
		Priority:        int(r.Priority),
		QueuePosition:   r.QueuePosition,
		NotifiedAt:      formatTimePtr(r.NotifiedAt),
		Version:         r.Version,
	}
}

func toFineTransactionDTO(tx circulation.FineTransaction) FineTransactionDTO {
	return FineTransactionDTO{
		ID:          string(tx.ID),
		LoanID:      string(tx.LoanID),
		Type:        string(tx.Type),
		Amount:      formatMoney(tx.Amount),
		EffectiveAt: formatTime(tx.EffectiveAt),
		Reason:      tx.Reason,
		ReversesID:  string(tx.ReversesID),
		CreatedBy:   string(tx.CreatedBy),
	}
}

func toPageDTO[T, D any](p circulation.Page[T], conv func(T) D) PageDTO[D] {
	items := make([]D, len(p.Items))
	for i, item := range p.Items {
		items[i] = conv(item)
	}
	return PageDTO[D]{
		Items:      items,
		Total:      p.Total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: p.TotalPages,
	}
}

func formatMoney(m circulation.Money) string { return m.Value.StringFixed(2) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTimeParam accepts RFC3339 or a bare date (midnight UTC).
func parseTimeParam(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
