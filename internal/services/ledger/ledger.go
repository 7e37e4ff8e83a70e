package ledger

import (
	"context"
	"errors"

	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

var (
	ErrInvalidAmount   = errors.New("amount must be a positive integer")
	ErrInvalidCategory = errors.New("category not allowed for this operation")
	// ErrContended means the account lock could not be taken in time. The
	// operation had no effect and may be retried.
	ErrContended       = errors.New("account contended, retry")
	ErrAccountNotFound = accounts.ErrAccountNotFound

	errInsufficient = errors.New("insufficient balance")
)

type CreditRequest struct {
	Amount      int64
	Category    entries.Category
	Description string
	Metadata    map[string]string
}

type DebitRequest struct {
	Amount      int64
	Category    entries.Category
	Description string
	Metadata    map[string]string
}

// Balance is the state of an account right after a mutation. Entry is the
// zero value when nothing was written.
type Balance struct {
	AccountID uint64
	Balance   int64
	Entry     entries.Entry
}

// Observer is told about committed mutations. It runs outside the
// transaction and must not fail the caller.
type Observer interface {
	EntryApplied(ctx context.Context, e entries.Entry)
	DebitRejected(ctx context.Context, accountID uint64, category entries.Category, amount int64)
	LockContended(ctx context.Context, accountID uint64)
}

type nopObserver struct{}

func (nopObserver) EntryApplied(context.Context, entries.Entry) {}

func (nopObserver) DebitRejected(context.Context, uint64, entries.Category, int64) {}

func (nopObserver) LockContended(context.Context, uint64) {}

type multiObserver []Observer

// MultiObserver fans every notification out to obs in order.
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) EntryApplied(ctx context.Context, e entries.Entry) {
	for _, o := range m {
		o.EntryApplied(ctx, e)
	}
}

func (m multiObserver) DebitRejected(ctx context.Context, accountID uint64, category entries.Category, amount int64) {
	for _, o := range m {
		o.DebitRejected(ctx, accountID, category, amount)
	}
}

func (m multiObserver) LockContended(ctx context.Context, accountID uint64) {
	for _, o := range m {
		o.LockContended(ctx, accountID)
	}
}

func creditAllowed(c entries.Category) bool {
	switch c {
	case entries.CategoryAllocation, entries.CategoryPurchase, entries.CategoryAdminGrant, entries.CategorySystem:
		return true
	default:
		return false
	}
}

func debitAllowed(c entries.Category) bool {
	switch c {
	case entries.CategoryUsage, entries.CategoryAdminDeduction, entries.CategoryRefund, entries.CategorySystem:
		return true
	default:
		return false
	}
}

func validate(amount int64, category entries.Category, allowed func(entries.Category) bool) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	if !allowed(category) {
		return ErrInvalidCategory
	}

	return nil
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
