package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/pgutils"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	pgaccounts "github.com/fastprodman/creditledger/internal/repos/accounts/postgres"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	pgentries "github.com/fastprodman/creditledger/internal/repos/entries/postgres"
)

// Service is the only sanctioned way to change a balance. Every mutation
// locks the one account row it touches, so different accounts proceed in
// parallel while operations on the same account serialize.
type Service struct {
	db          *sql.DB
	accounts    accounts.Accounts
	entries     entries.Entries
	lockTimeout time.Duration
	obs         Observer
	log         *slog.Logger
}

type Option func(*Service)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func New(db *sql.DB, opts ...Option) *Service {
	s := &Service{
		db:          db,
		accounts:    pgaccounts.New(db),
		entries:     pgentries.New(db),
		lockTimeout: 2 * time.Second,
		obs:         nopObserver{},
		log:         slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Credit adds req.Amount to the account and appends the matching entry in
// one transaction.
func (s *Service) Credit(ctx context.Context, accountID uint64, req CreditRequest) (Balance, error) {
	err := validate(req.Amount, req.Category, creditAllowed)
	if err != nil {
		return Balance{}, err
	}

	var out Balance

	err = pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		out, err = s.credit(ctx, tx, accountID, req)
		return err
	})
	if err != nil {
		return Balance{}, s.mapErr(ctx, "credit", accountID, err)
	}

	s.obs.EntryApplied(ctx, out.Entry)

	return out, nil
}

// Debit subtracts req.Amount when the locked balance covers it. An
// insufficient balance is reported as false with a nil error and leaves
// no trace.
func (s *Service) Debit(ctx context.Context, accountID uint64, req DebitRequest) (bool, error) {
	err := validate(req.Amount, req.Category, debitAllowed)
	if err != nil {
		return false, err
	}

	var out Balance

	err = pgutils.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			ok  bool
			err error
		)

		out, ok, err = s.debit(ctx, tx, accountID, req)
		if err != nil {
			return err
		}

		if !ok {
			return errInsufficient
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, errInsufficient) {
			s.obs.DebitRejected(ctx, accountID, req.Category, req.Amount)
			return false, nil
		}

		return false, s.mapErr(ctx, "debit", accountID, err)
	}

	s.obs.EntryApplied(ctx, out.Entry)

	return true, nil
}

// CreditTx is Credit joined to the caller's transaction. The caller owns
// commit and rollback.
func (s *Service) CreditTx(ctx context.Context, tx *sql.Tx, accountID uint64, req CreditRequest) (Balance, error) {
	err := validate(req.Amount, req.Category, creditAllowed)
	if err != nil {
		return Balance{}, err
	}

	out, err := s.credit(ctx, tx, accountID, req)
	if err != nil {
		return Balance{}, s.mapErr(ctx, "credit", accountID, err)
	}

	return out, nil
}

// DebitTx is Debit joined to the caller's transaction. On false nothing was
// written; the row lock stays held until the caller ends tx.
func (s *Service) DebitTx(ctx context.Context, tx *sql.Tx, accountID uint64, req DebitRequest) (Balance, bool, error) {
	err := validate(req.Amount, req.Category, debitAllowed)
	if err != nil {
		return Balance{}, false, err
	}

	out, ok, err := s.debit(ctx, tx, accountID, req)
	if err != nil {
		return Balance{}, false, s.mapErr(ctx, "debit", accountID, err)
	}

	return out, ok, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID uint64) (int64, error) {
	balance, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

// ListEntries returns the newest entries first. limit is clamped to
// [1, MaxListLimit]; zero or negative selects DefaultListLimit.
func (s *Service) ListEntries(ctx context.Context, accountID uint64, limit int) ([]entries.Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	_, err := s.accounts.GetBalance(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	list, err := s.entries.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return list, nil
}

// credit:
//
// 1) Bound the lock wait.
// 2) Lock the account row.
// 3) Increase the balance.
// 4) Append the entry with the new balance.
func (s *Service) credit(ctx context.Context, tx *sql.Tx, accountID uint64, req CreditRequest) (Balance, error) {
	_, err := s.lock(ctx, tx, accountID)
	if err != nil {
		return Balance{}, err
	}

	balance, err := s.accounts.IncreaseBalance(ctx, tx, accountID, req.Amount)
	if err != nil {
		return Balance{}, fmt.Errorf("increase balance: %w", err)
	}

	entry := entries.Entry{
		AccountID:    accountID,
		Amount:       req.Amount,
		Category:     req.Category,
		Description:  req.Description,
		Metadata:     copyMeta(req.Metadata),
		BalanceAfter: balance,
	}

	err = s.entries.Insert(ctx, tx, &entry)
	if err != nil {
		return Balance{}, fmt.Errorf("insert entry: %w", err)
	}

	return Balance{AccountID: accountID, Balance: balance, Entry: entry}, nil
}

// debit mirrors credit, deciding on the balance read under the lock.
func (s *Service) debit(ctx context.Context, tx *sql.Tx, accountID uint64, req DebitRequest) (Balance, bool, error) {
	current, err := s.lock(ctx, tx, accountID)
	if err != nil {
		return Balance{}, false, err
	}

	if current < req.Amount {
		return Balance{AccountID: accountID, Balance: current}, false, nil
	}

	balance, err := s.accounts.DecreaseBalance(ctx, tx, accountID, req.Amount)
	if err != nil {
		return Balance{}, false, fmt.Errorf("decrease balance: %w", err)
	}

	entry := entries.Entry{
		AccountID:    accountID,
		Amount:       -req.Amount,
		Category:     req.Category,
		Description:  req.Description,
		Metadata:     copyMeta(req.Metadata),
		BalanceAfter: balance,
	}

	err = s.entries.Insert(ctx, tx, &entry)
	if err != nil {
		return Balance{}, false, fmt.Errorf("insert entry: %w", err)
	}

	return Balance{AccountID: accountID, Balance: balance, Entry: entry}, true, nil
}

func (s *Service) lock(ctx context.Context, tx *sql.Tx, accountID uint64) (int64, error) {
	err := pgutils.SetLockTimeout(ctx, tx, s.lockTimeout)
	if err != nil {
		return 0, err
	}

	balance, err := s.accounts.LockAndGetBalance(ctx, tx, accountID)
	if err != nil {
		return 0, fmt.Errorf("lock account: %w", err)
	}

	return balance, nil
}

func (s *Service) mapErr(ctx context.Context, op string, accountID uint64, err error) error {
	switch {
	case errors.Is(err, accounts.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		s.obs.LockContended(ctx, accountID)
		s.log.WarnContext(ctx, "account lock contended",
			"op", op, "account_id", accountID, "error", err)

		return fmt.Errorf("%s account %d: %w", op, accountID, ErrContended)

	case errors.Is(err, accounts.ErrAccountNotFound):
		s.log.ErrorContext(ctx, "account vanished during mutation",
			"op", op, "account_id", accountID)

		return fmt.Errorf("%s account %d: %w", op, accountID, ErrAccountNotFound)

	default:
		return fmt.Errorf("%s account %d: %w", op, accountID, err)
	}
}
