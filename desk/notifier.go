package desk

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// Notifier tells users about their loans and reservations. Delivery (email,
// push) lives outside this package.
type Notifier interface {
	ReservationReady(ctx context.Context, user circulation.User, book circulation.Book, r circulation.Reservation) error
	LoanDueSoon(ctx context.Context, user circulation.User, book circulation.Book, loan circulation.Loan) error
	LoanOverdue(ctx context.Context, user circulation.User, book circulation.Book, loan circulation.Loan, fine circulation.Money) error
}

// LogNotifier writes notifications to a structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) ReservationReady(ctx context.Context, user circulation.User, book circulation.Book, r circulation.Reservation) error {
	n.Logger.InfoContext(ctx, "reservation ready for pickup",
		"user_id", user.ID, "email", user.Email, "book", book.Title,
		"reservation_id", r.ID, "pickup_by", r.ExpiryDate.Format(time.RFC3339))
	return nil
}

func (n *LogNotifier) LoanDueSoon(ctx context.Context, user circulation.User, book circulation.Book, loan circulation.Loan) error {
	n.Logger.InfoContext(ctx, "loan due soon",
		"user_id", user.ID, "email", user.Email, "book", book.Title,
		"loan_id", loan.ID, "due", loan.DueDate.Format(time.DateOnly))
	return nil
}

func (n *LogNotifier) LoanOverdue(ctx context.Context, user circulation.User, book circulation.Book, loan circulation.Loan, fine circulation.Money) error {
	n.Logger.WarnContext(ctx, "loan overdue",
		"user_id", user.ID, "email", user.Email, "book", book.Title,
		"loan_id", loan.ID, "due", loan.DueDate.Format(time.DateOnly), "fine", fine.String())
	return nil
}
