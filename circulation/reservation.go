/*
reservation.go - Reservation queue

PURPOSE:
  A reservation is a queued request to borrow a book that is out (or about
  to come back). This file holds the reservation state machine, the per-user
  reservation limit, queue positions and the availability estimate shown to
  a user before reserving.

STATE MACHINE:
  PENDING ── book available + notified ──▶ ACTIVE ── picked up ──▶ COMPLETED
     │                                       │
     ├──────────── cancel ──────────────────┼──▶ CANCELLED
     └──────── now > expiry (derived) ──────┴──▶ EXPIRED

  CANCELLED, EXPIRED and COMPLETED are terminal. Expiry is derived at read
  time; ExpireReservation only persists what DeriveStatus already reports.

QUEUE POSITION:
  Assigned once at creation as the book's pending count + 1. It is a
  snapshot: it changes only when RenumberQueue is applied after a
  reservation leaves the queue.

SEE ALSO:
  - loan.go: A completed reservation becomes a loan
  - api/scheduler.go: Persists expiry and notifies the head of each queue
*/
package circulation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCompleted ReservationStatus = "COMPLETED"
)

// IsLive reports whether the reservation still holds a place (PENDING or ACTIVE).
func (s ReservationStatus) IsLive() bool {
	return s == ReservationPending || s == ReservationActive
}

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationPending, ReservationActive, ReservationCancelled, ReservationExpired, ReservationCompleted:
		return true
	}
	return false
}

type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

type Reservation struct {
	ID              ReservationID
	BookID          BookID
	UserID          UserID
	ReservationDate time.Time
	ExpiryDate      time.Time
	Status          ReservationStatus
	Priority        Priority
	QueuePosition   int
	NotifiedAt      *time.Time
	Version         int
}

func NewReservationID() ReservationID { return ReservationID(uuid.NewString()) }

// DeriveStatus returns the reservation's effective status at now. A live
// reservation past its expiry date is EXPIRED; terminal statuses are never
// overridden.
func DeriveStatus(r Reservation, now time.Time) ReservationStatus {
	if r.Status.IsLive() && now.After(r.ExpiryDate) {
		return ReservationExpired
	}
	return r.Status
}

func (r Reservation) EffectiveStatus(now time.Time) ReservationStatus { return DeriveStatus(r, now) }

// QueuePosition returns the reservation's recorded position, or the position
// a new reservation for book would take.
func QueuePosition(r Reservation, book Book) int {
	if r.QueuePosition > 0 {
		return r.QueuePosition
	}
	return book.PendingReservations + 1
}

// =============================================================================
// AVAILABILITY ESTIMATE
// =============================================================================

type EstimateKind string

const (
	EstimateImmediate EstimateKind = "immediate"
	EstimateDays      EstimateKind = "days"
	EstimateWeeks     EstimateKind = "weeks"
	EstimateNotSoon   EstimateKind = "not_available_soon"
)

// Estimate is a coarse guess of when a book can be borrowed.
type Estimate struct {
	Kind EstimateKind
	Days int
	// Weeks is ceil(Days/7); set only for EstimateWeeks.
	Weeks int
}

func (e Estimate) String() string {
	switch e.Kind {
	case EstimateImmediate:
		return "immediate"
	case EstimateDays:
		return fmt.Sprintf("~%d days", e.Days)
	case EstimateWeeks:
		return fmt.Sprintf("~%d weeks", e.Weeks)
	default:
		return "not available soon"
	}
}

// EstimateAvailability guesses when book frees up, assuming every reservation
// ahead in the queue turns into one loan of avgLoanDays.
func EstimateAvailability(book Book, avgLoanDays int) Estimate {
	if book.IsAvailable() {
		return Estimate{Kind: EstimateImmediate}
	}
	days := book.PendingReservations * avgLoanDays
	switch {
	case days <= 7:
		return Estimate{Kind: EstimateDays, Days: days}
	case days <= 30:
		return Estimate{Kind: EstimateWeeks, Days: days, Weeks: (days + 6) / 7}
	default:
		return Estimate{Kind: EstimateNotSoon, Days: days}
	}
}

// =============================================================================
// LIMITS
// =============================================================================

// CountLive counts the user's reservations that are PENDING or ACTIVE at now.
func CountLive(userID UserID, reservations []Reservation, now time.Time) int {
	n := 0
	for _, r := range reservations {
		if r.UserID == userID && DeriveStatus(r, now).IsLive() {
			n++
		}
	}
	return n
}

// CanReserve reports whether the user holds fewer than limit live reservations.
func CanReserve(user User, reservations []Reservation, now time.Time, limit int) bool {
	return CountLive(user.ID, reservations, now) < limit
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// ReserveInput carries everything needed to place a reservation.
type ReserveInput struct {
	ID       ReservationID // generated when empty
	User     User
	Book     Book
	Priority Priority // PriorityNormal when zero

	// The user's existing reservations and loans.
	UserReservations []Reservation
	UserLoans        []Loan
}

// CreateReservation places a PENDING reservation at the back of the book's queue.
func CreateReservation(in ReserveInput, now time.Time, p Policy) (Reservation, error) {
	if !in.User.Active {
		return Reservation{}, ErrUserInactive
	}
	priority := in.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Reservation{}, ErrInvalidPriority
	}
	if !CanReserve(in.User, in.UserReservations, now, p.MaxActiveReservations) {
		return Reservation{}, &ReservationLimitError{
			Active: CountLive(in.User.ID, in.UserReservations, now),
			Max:    p.MaxActiveReservations,
		}
	}
	for _, r := range in.UserReservations {
		if r.UserID == in.User.ID && r.BookID == in.Book.ID && DeriveStatus(r, now).IsLive() {
			return Reservation{}, ErrBookAlreadyReserved
		}
	}
	for _, l := range in.UserLoans {
		if l.UserID == in.User.ID && l.BookID == in.Book.ID && l.IsOpen() {
			return Reservation{}, ErrAlreadyBorrowed
		}
	}

	id := in.ID
	if id == "" {
		id = NewReservationID()
	}
	return Reservation{
		ID:              id,
		BookID:          in.Book.ID,
		UserID:          in.User.ID,
		ReservationDate: now,
		ExpiryDate:      now.Add(p.ReservationExpiry()),
		Status:          ReservationPending,
		Priority:        priority,
		QueuePosition:   in.Book.PendingReservations + 1,
	}, nil
}

// ActivateReservation marks a pending reservation ready for pickup once a copy
// is available. The pickup window restarts from the notification.
func ActivateReservation(r Reservation, book Book, now time.Time, p Policy) (Reservation, error) {
	if st := DeriveStatus(r, now); st != ReservationPending {
		return r, &InvalidStateError{Op: "activate reservation", Status: string(st)}
	}
	if !book.IsAvailable() {
		return r, ErrBookUnavailable
	}
	active := r
	at := now
	active.Status = ReservationActive
	active.NotifiedAt = &at
	active.ExpiryDate = now.Add(p.ReservationExpiry())
	return active, nil
}

// CancelReservation cancels a live reservation.
func CancelReservation(r Reservation, now time.Time) (Reservation, error) {
	if st := DeriveStatus(r, now); !st.IsLive() {
		return r, &InvalidStateError{Op: "cancel reservation", Status: string(st)}
	}
	cancelled := r
	cancelled.Status = ReservationCancelled
	return cancelled, nil
}

// CompleteReservation marks a live reservation as converted into a loan.
func CompleteReservation(r Reservation, now time.Time) (Reservation, error) {
	if st := DeriveStatus(r, now); !st.IsLive() {
		return r, &InvalidStateError{Op: "complete reservation", Status: string(st)}
	}
	done := r
	done.Status = ReservationCompleted
	return done, nil
}

// ExpireReservation persists a derived expiry. The boolean is false when
// nothing changed.
func ExpireReservation(r Reservation, now time.Time) (Reservation, bool) {
	if r.Status == ReservationExpired || DeriveStatus(r, now) != ReservationExpired {
		return r, false
	}
	expired := r
	expired.Status = ReservationExpired
	return expired, true
}

// RenumberQueue assigns positions 1..n to the pending reservations of a single
// book in reservation order and returns only the ones whose position changed.
func RenumberQueue(reservations []Reservation, now time.Time) []Reservation {
	var pending []Reservation
	for _, r := range reservations {
		if DeriveStatus(r, now) == ReservationPending {
			pending = append(pending, r)
		}
	}
	slices.SortStableFunc(pending, func(a, b Reservation) int {
		if c := a.ReservationDate.Compare(b.ReservationDate); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})

	var changed []Reservation
	for i, r := range pending {
		if r.QueuePosition != i+1 {
			r.QueuePosition = i + 1
			changed = append(changed, r)
		}
	}
	return changed
}

// NextInQueue returns the pending reservation at the front of a book's queue.
func NextInQueue(reservations []Reservation, now time.Time) (Reservation, bool) {
	var next Reservation
	found := false
	for _, r := range reservations {
		if DeriveStatus(r, now) != ReservationPending {
			continue
		}
		if !found || queueLess(r, next) {
			next = r
			found = true
		}
	}
	return next, found
}

func queueLess(a, b Reservation) bool {
	if a.QueuePosition != b.QueuePosition {
		return a.QueuePosition < b.QueuePosition
	}
	return a.ReservationDate.Before(b.ReservationDate)
}
