package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNegativeBalance   = errors.New("balance would become negative")
	ErrLockTimeout       = errors.New("account lock wait timed out")
)

type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

type Account struct {
	ID                    uint64
	Email                 string
	StripeCustomerID      string
	Plan                  string
	SubscriptionStatus    SubscriptionStatus
	SubscriptionStartedAt *time.Time
	PaymentFailures       int
	Balance               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// FailureStats counts active subscribers and how many of them carry a
// non-zero payment failure counter.
type FailureStats struct {
	Active  int
	Failing int
}

// Subscription is the billing state written when Stripe reports a change.
type Subscription struct {
	Plan      string
	Status    SubscriptionStatus
	StartedAt *time.Time
}

// Accounts is the account table. Methods taking a *sql.Tx must run inside
// the caller's unit of work; LockAndGetBalance must precede any balance
// change in that tx.
type Accounts interface {
	Get(ctx context.Context, accountID uint64) (*Account, error)
	GetBalance(ctx context.Context, accountID uint64) (int64, error)
	GetByStripeCustomer(ctx context.Context, tx *sql.Tx, customerID string) (*Account, error)

	LockAndGetBalance(ctx context.Context, tx *sql.Tx, accountID uint64) (int64, error)
	IncreaseBalance(ctx context.Context, tx *sql.Tx, accountID uint64, amount int64) (int64, error)
	DecreaseBalance(ctx context.Context, tx *sql.Tx, accountID uint64, amount int64) (int64, error)

	LockAccount(ctx context.Context, tx *sql.Tx, accountID uint64) (*Account, error)
	SetSubscription(ctx context.Context, tx *sql.Tx, accountID uint64, sub Subscription) error
	IncrementPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) (int, error)
	ResetPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) error

	ListActiveSubscribers(ctx context.Context) ([]Account, error)
	PaymentFailureStats(ctx context.Context) (FailureStats, error)
}
