/*
ledger.go - Append-only fine ledger

PURPOSE:
  Loans carry the billed fine and the amount paid, which is enough to decide
  renewals. The ledger keeps the history behind those two numbers: every fine
  assessed, every payment, every waiver and every correction, per user.
  A user's outstanding balance is the sum of their transactions.

INVARIANTS:
  1. APPEND-ONLY: transactions are never updated or deleted
  2. SIGNED: assessed amounts are positive, payments and waivers negative,
     a reversal carries the opposite sign of what it reverses
  3. IDEMPOTENT: an idempotency key is accepted once

CORRECTIONS:
  A wrong assessment is not edited. Reverse(original) appends the opposite
  amount and both rows stay in the history.

EXAMPLE:
  Book returned 4 days late at 5 USD/day, user pays 12, librarian waives 8:
    assessed +20, payment -12, waiver -8  → balance 0

SEE ALSO:
  - store.go: FineStore persistence interface
  - desk/service.go: Appends transactions on return, loss and payment
*/
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type FineTxType string

const (
	FineAssessed FineTxType = "assessed"
	FinePayment  FineTxType = "payment"
	FineWaiver   FineTxType = "waiver"
	FineReversal FineTxType = "reversal"
)

func (t FineTxType) Valid() bool {
	switch t {
	case FineAssessed, FinePayment, FineWaiver, FineReversal:
		return true
	}
	return false
}

// FineTransaction is one immutable entry in a user's fine history.
type FineTransaction struct {
	ID          FineTransactionID
	UserID      UserID
	LoanID      LoanID
	Type        FineTxType
	Amount      Money // signed
	EffectiveAt time.Time
	Reason      string

	// ReversesID points at the reversed transaction for FineReversal.
	ReversesID FineTransactionID

	IdempotencyKey string
	CreatedBy      UserID
}

func NewFineTransactionID() FineTransactionID { return FineTransactionID(uuid.NewString()) }

// Validate checks the sign rules for the transaction type.
func (t FineTransaction) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown fine transaction type %q", ErrInvalidPayment, t.Type)
	}
	if t.UserID == "" {
		return fmt.Errorf("%w: fine transaction has no user", ErrInvalidPayment)
	}
	switch t.Type {
	case FineAssessed:
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: assessed fine must be positive", ErrInvalidPayment)
		}
	case FinePayment, FineWaiver:
		if !t.Amount.IsNegative() {
			return fmt.Errorf("%w: %s must be negative", ErrInvalidPayment, t.Type)
		}
	case FineReversal:
		if t.ReversesID == "" || t.Amount.IsZero() {
			return fmt.Errorf("%w: reversal needs a target and an amount", ErrInvalidPayment)
		}
	}
	return nil
}

// AssessFine builds the transaction billing a loan's fine.
// The key makes assessing the same loan twice a no-op.
func AssessFine(loan Loan, amount Money, at time.Time) FineTransaction {
	return FineTransaction{
		ID:             NewFineTransactionID(),
		UserID:         loan.UserID,
		LoanID:         loan.ID,
		Type:           FineAssessed,
		Amount:         amount,
		EffectiveAt:    at,
		Reason:         "overdue fine",
		IdempotencyKey: fmt.Sprintf("assess:%s:%s", loan.ID, amount.Value.String()),
	}
}

// Settlement builds a payment or waiver transaction for amount (positive).
func Settlement(kind FineTxType, loan Loan, amount Money, at time.Time, key string, by UserID) FineTransaction {
	if key == "" {
		key = string(kind) + ":" + uuid.NewString()
	}
	return FineTransaction{
		ID:             NewFineTransactionID(),
		UserID:         loan.UserID,
		LoanID:         loan.ID,
		Type:           kind,
		Amount:         amount.Neg(),
		EffectiveAt:    at,
		IdempotencyKey: key,
		CreatedBy:      by,
	}
}

// Reverse builds the correction for original.
func Reverse(original FineTransaction, at time.Time, reason string, by UserID) FineTransaction {
	return FineTransaction{
		ID:             NewFineTransactionID(),
		UserID:         original.UserID,
		LoanID:         original.LoanID,
		Type:           FineReversal,
		Amount:         original.Amount.Neg(),
		EffectiveAt:    at,
		Reason:         reason,
		ReversesID:     original.ID,
		IdempotencyKey: "reverse:" + string(original.ID),
		CreatedBy:      by,
	}
}

// FineBalance sums txs up to and including at.
func FineBalance(txs []FineTransaction, at time.Time, currency Currency) Money {
	balance := NewMoneyFromInt(0, currency)
	for _, tx := range txs {
		if tx.EffectiveAt.After(at) {
			continue
		}
		balance = balance.Add(tx.Amount)
	}
	return balance
}

// =============================================================================
// FINE LEDGER - FineStore with idempotency and validation
// =============================================================================

type FineLedger struct {
	Store FineStore
}

func NewFineLedger(store FineStore) *FineLedger {
	return &FineLedger{Store: store}
}

// Append validates and stores tx. A reused idempotency key returns
// ErrDuplicateIdempotencyKey.
func (l *FineLedger) Append(ctx context.Context, tx FineTransaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.FineExists(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendFine(ctx, tx)
}

func (l *FineLedger) Transactions(ctx context.Context, userID UserID) ([]FineTransaction, error) {
	return l.Store.FinesByUser(ctx, userID)
}

// Balance is what the user owes at `at`.
func (l *FineLedger) Balance(ctx context.Context, userID UserID, at time.Time, currency Currency) (Money, error) {
	txs, err := l.Store.FinesByUser(ctx, userID)
	if err != nil {
		return Money{}, err
	}
	return FineBalance(txs, at, currency), nil
}
