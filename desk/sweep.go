package desk

import (
	"context"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	RanAt    time.Time
	Expired  []circulation.ReservationID
	Notified []circulation.ReservationID
	DueSoon  int
	Overdue  int
}

// Sweep persists reservation expiry, notifies the head of every queue that
// has a free copy, and sends due-soon and overdue reminders.
//
// Expiry is already visible on read through DeriveStatus; the sweep makes it
// permanent so the queues and counters catch up.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	result := SweepResult{RanAt: now}

	expired, err := s.ExpireReservations(ctx)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	notified, err := s.NotifyQueues(ctx)
	if err != nil {
		return result, err
	}
	result.Notified = notified

	result.DueSoon, result.Overdue, err = s.SendReminders(ctx)
	if err != nil {
		return result, err
	}

	s.Logger.Info("sweep complete",
		"expired", len(result.Expired), "notified", len(result.Notified),
		"due_soon", result.DueSoon, "overdue", result.Overdue)
	return result, nil
}

// ExpireReservations stores EXPIRED on every live reservation past its expiry
// date and renumbers the affected queues.
func (s *Service) ExpireReservations(ctx context.Context) ([]circulation.ReservationID, error) {
	now := s.now()
	var expired []circulation.ReservationID

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		live, err := repo.ListReservations(ctx, circulation.ReservationFilter{LiveOnly: true})
		if err != nil {
			return err
		}

		touched := make(map[circulation.BookID]int)
		for _, r := range live {
			updated, changed := circulation.ExpireReservation(r, now)
			if !changed {
				continue
			}
			if err := repo.SaveReservation(ctx, &updated); err != nil {
				return err
			}
			expired = append(expired, updated.ID)
			if r.Status == circulation.ReservationPending {
				touched[r.BookID]++
			} else if _, ok := touched[r.BookID]; !ok {
				touched[r.BookID] = 0
			}
		}

		for bookID, left := range touched {
			if left > 0 {
				book, err := repo.GetBook(ctx, bookID)
				if err != nil {
					return err
				}
				book.PendingReservations = max(0, book.PendingReservations-left)
				if err := repo.SaveBook(ctx, book); err != nil {
					return err
				}
			}
			if err := renumber(ctx, repo, bookID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range expired {
		s.Logger.Info("reservation expired", "reservation_id", id)
	}
	return expired, nil
}

// NotifyQueues activates queued reservations for books with free copies.
func (s *Service) NotifyQueues(ctx context.Context) ([]circulation.ReservationID, error) {
	now := s.now()
	var activated []circulation.Reservation

	err := s.Store.WithTx(ctx, func(repo circulation.Repository) error {
		books, err := repo.ListBooks(ctx)
		if err != nil {
			return err
		}
		for _, book := range books {
			if book.PendingReservations == 0 || !book.IsAvailable() {
				continue
			}
			dirty := false
			for {
				next, err := s.activateNext(ctx, repo, &book, now)
				if err != nil {
					return err
				}
				if next == nil {
					break
				}
				activated = append(activated, *next)
				dirty = true
			}
			if dirty {
				if err := repo.SaveBook(ctx, book); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]circulation.ReservationID, 0, len(activated))
	for _, r := range activated {
		ids = append(ids, r.ID)
		user, book, err := s.parties(ctx, r.UserID, r.BookID)
		if err != nil {
			s.Logger.Error("reservation notification skipped", "reservation_id", r.ID, "error", err)
			continue
		}
		s.notifyReady(ctx, user, book, r)
	}
	return ids, nil
}

// SendReminders notifies borrowers of loans due within a day and of overdue
// loans. It returns how many of each were sent.
func (s *Service) SendReminders(ctx context.Context) (dueSoon, overdue int, err error) {
	now := s.now()
	loans, err := s.Store.ListLoans(ctx, circulation.LoanFilter{OpenOnly: true})
	if err != nil {
		return 0, 0, err
	}

	for _, loan := range loans {
		left := loan.DueDate.Sub(now)
		isOverdue := loan.Status(now) == circulation.LoanOverdue
		if !isOverdue && (left <= 0 || left >= circulation.Day) {
			continue
		}

		user, book, err := s.parties(ctx, loan.UserID, loan.BookID)
		if err != nil {
			s.Logger.Error("loan reminder skipped", "loan_id", loan.ID, "error", err)
			continue
		}
		if s.Notifier == nil {
			continue
		}
		if isOverdue {
			err = s.Notifier.LoanOverdue(ctx, user, book, loan, s.Policy.Fine(loan, now))
			overdue++
		} else {
			err = s.Notifier.LoanDueSoon(ctx, user, book, loan)
			dueSoon++
		}
		if err != nil {
			s.Logger.Error("loan reminder failed", "loan_id", loan.ID, "error", err)
		}
	}
	return dueSoon, overdue, nil
}

func (s *Service) parties(ctx context.Context, userID circulation.UserID, bookID circulation.BookID) (circulation.User, circulation.Book, error) {
	user, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return circulation.User{}, circulation.Book{}, err
	}
	book, err := s.Store.GetBook(ctx, bookID)
	if err != nil {
		return circulation.User{}, circulation.Book{}, err
	}
	return user, book, nil
}
