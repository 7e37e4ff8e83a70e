package entries

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrDuplicateReference means an entry with the same external reference
	// (charge or invoice) already exists for that category.
	ErrDuplicateReference = errors.New("duplicate ledger reference")
)

type Category string

const (
	CategoryAllocation     Category = "allocation"
	CategoryPurchase       Category = "purchase"
	CategoryUsage          Category = "usage"
	CategoryAdminGrant     Category = "admin-grant"
	CategoryAdminDeduction Category = "admin-deduction"
	CategoryRefund         Category = "refund"
	CategorySystem         Category = "system"
)

// Metadata keys with storage-level meaning.
const (
	MetaChargeRef = "charge_ref"
	MetaInvoiceID = "invoice_id"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryAllocation, CategoryPurchase, CategoryUsage, CategoryAdminGrant,
		CategoryAdminDeduction, CategoryRefund, CategorySystem:
		return true
	default:
		return false
	}
}

// Entry is one immutable balance change. Amount is signed: positive for
// credits, negative for debits.
type Entry struct {
	ID           uuid.UUID
	Seq          int64
	AccountID    uint64
	Amount       int64
	Category     Category
	Description  string
	Metadata     map[string]string
	BalanceAfter int64
	CreatedAt    time.Time
}

// AccountSummary is the replay of one account's ledger next to its stored
// balance.
type AccountSummary struct {
	AccountID        uint64
	StoredBalance    int64
	EntrySum         int64
	EntryCount       int64
	LastBalanceAfter int64
}

// ChainBreak is an entry whose balance_after does not follow from the
// previous entry of the same account.
type ChainBreak struct {
	AccountID    uint64
	EntryID      uuid.UUID
	Seq          int64
	PrevBalance  int64
	Amount       int64
	BalanceAfter int64
}

type Entries interface {
	Insert(ctx context.Context, tx *sql.Tx, e *Entry) error
	ListByAccount(ctx context.Context, accountID uint64, limit int) ([]Entry, error)
	FindByChargeRef(ctx context.Context, tx *sql.Tx, category Category, chargeRef string) (*Entry, error)
	FindByInvoiceID(ctx context.Context, tx *sql.Tx, category Category, invoiceID string) (*Entry, error)

	LatestByCategory(ctx context.Context, category Category) (map[uint64]time.Time, error)
	Summaries(ctx context.Context) ([]AccountSummary, error)
	BrokenChains(ctx context.Context) ([]ChainBreak, error)
}
