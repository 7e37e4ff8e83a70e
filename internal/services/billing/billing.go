// Package billing turns payment-processor facts into ledger mutations and
// subscription state. Every mutating action runs inside the caller's
// transaction so it commits together with the processed-event record.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/fastprodman/creditledger/internal/services/ledger"
)

var ErrUnknownCharge = errors.New("no purchase recorded for charge")

type Ledger interface {
	CreditTx(ctx context.Context, tx *sql.Tx, accountID uint64, req ledger.CreditRequest) (ledger.Balance, error)
	DebitTx(ctx context.Context, tx *sql.Tx, accountID uint64, req ledger.DebitRequest) (ledger.Balance, bool, error)
}

type AccountStore interface {
	Get(ctx context.Context, accountID uint64) (*accounts.Account, error)
	LockAccount(ctx context.Context, tx *sql.Tx, accountID uint64) (*accounts.Account, error)
	SetSubscription(ctx context.Context, tx *sql.Tx, accountID uint64, sub accounts.Subscription) error
	IncrementPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) (int, error)
	ResetPaymentFailures(ctx context.Context, tx *sql.Tx, accountID uint64) error
}

type EntryFinder interface {
	FindByChargeRef(ctx context.Context, tx *sql.Tx, category entries.Category, chargeRef string) (*entries.Entry, error)
	FindByInvoiceID(ctx context.Context, tx *sql.Tx, category entries.Category, invoiceID string) (*entries.Entry, error)
}

// Counter is the daily statistics sink.
type Counter interface {
	Record(ctx context.Context, name string, by int64)
}

type Outcome string

const (
	Applied        Outcome = "applied"
	AlreadyApplied Outcome = "already_applied"
	Anomaly        Outcome = "anomaly"
)

// Result reports what an action did. Balance is the account balance after
// the action as seen under the row lock; AccountID is the account acted on.
type Result struct {
	Outcome   Outcome
	AccountID uint64
	Balance   int64
}

type Service struct {
	ledger   Ledger
	accounts AccountStore
	entries  EntryFinder
	plans    Catalog
	alerter  alerting.Alerter
	stats    Counter
	now      func() time.Time
	log      *slog.Logger
}

type Deps struct {
	Ledger   Ledger
	Accounts AccountStore
	Entries  EntryFinder
	Plans    Catalog
	Alerter  alerting.Alerter
	Stats    Counter
	Logger   *slog.Logger
}

func New(d Deps) *Service {
	s := &Service{
		ledger:   d.Ledger,
		accounts: d.Accounts,
		entries:  d.Entries,
		plans:    d.Plans,
		alerter:  d.Alerter,
		stats:    d.Stats,
		now:      time.Now,
		log:      d.Logger,
	}

	if s.alerter == nil {
		s.alerter = alerting.NewLogAlerter(nil)
	}
	if s.stats == nil {
		s.stats = nopCounter{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	return s
}

func (s *Service) Plans() Catalog {
	return s.plans
}

type nopCounter struct{}

func (nopCounter) Record(context.Context, string, int64) {}

// alert emits an anomaly. Delivery failures are logged and never fail the
// surrounding action.
func (s *Service) alert(ctx context.Context, a alerting.Alert) {
	a.At = s.now()

	err := s.alerter.Alert(ctx, a)
	if err != nil {
		s.log.ErrorContext(ctx, "alert delivery failed", "kind", string(a.Kind), "error", err)
	}
}
