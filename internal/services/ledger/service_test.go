package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	applied   []entries.Entry
	rejected  int
	contended int
}

func (o *recordingObserver) EntryApplied(_ context.Context, e entries.Entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, e)
}

func (o *recordingObserver) DebitRejected(context.Context, uint64, entries.Category, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
}

func (o *recordingObserver) LockContended(context.Context, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contended++
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, *recordingObserver) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	obs := &recordingObserver{}
	svc := New(db, WithLockTimeout(1500*time.Millisecond), WithObserver(obs))

	return svc, mock, obs
}

func expectLock(mock sqlmock.Sqlmock, accountID int64) *sqlmock.ExpectedQuery {
	mock.ExpectExec(regexp.QuoteMeta("set_config('lock_timeout', $1, true)")).
		WithArgs("1500ms").
		WillReturnResult(sqlmock.NewResult(0, 0))

	return mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(accountID)
}

func balanceRow(b int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"balance"}).AddRow(b)
}

func insertedRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now())
}

func TestCredit(t *testing.T) {
	t.Parallel()

	svc, mock, obs := newMockService(t)

	mock.ExpectBegin()
	expectLock(mock, 7).WillReturnRows(balanceRow(10))
	mock.ExpectQuery(regexp.QuoteMeta("SET balance = balance + $2")).
		WithArgs(int64(7), int64(5)).
		WillReturnRows(balanceRow(15))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs(sqlmock.AnyArg(), int64(7), int64(5), "purchase", "credit pack", `{"charge_ref":"pi_1"}`, int64(15)).
		WillReturnRows(insertedRow())
	mock.ExpectCommit()

	got, err := svc.Credit(t.Context(), 7, CreditRequest{
		Amount:      5,
		Category:    entries.CategoryPurchase,
		Description: "credit pack",
		Metadata:    map[string]string{entries.MetaChargeRef: "pi_1"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(15), got.Balance)
	assert.Equal(t, int64(5), got.Entry.Amount)
	assert.Equal(t, int64(15), got.Entry.BalanceAfter)
	assert.Len(t, obs.applied, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		amount       int64
		locked       int64
		wantOK       bool
		wantApplied  int
		wantRejected int
		expect       func(mock sqlmock.Sqlmock)
	}{
		{
			name:        "sufficient_balance",
			amount:      30,
			locked:      100,
			wantOK:      true,
			wantApplied: 1,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("AND balance >= $2")).
					WithArgs(int64(3), int64(30)).
					WillReturnRows(balanceRow(70))
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_entries")).
					WithArgs(sqlmock.AnyArg(), int64(3), int64(-30), "usage", "", `{}`, int64(70)).
					WillReturnRows(insertedRow())
				mock.ExpectCommit()
			},
		},
		{
			name:        "exact_balance",
			amount:      100,
			locked:      100,
			wantOK:      true,
			wantApplied: 1,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("AND balance >= $2")).
					WithArgs(int64(3), int64(100)).
					WillReturnRows(balanceRow(0))
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_entries")).
					WithArgs(sqlmock.AnyArg(), int64(3), int64(-100), "usage", "", `{}`, int64(0)).
					WillReturnRows(insertedRow())
				mock.ExpectCommit()
			},
		},
		{
			name:         "insufficient_balance_rolls_back",
			amount:       80,
			locked:       50,
			wantOK:       false,
			wantRejected: 1,
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectRollback()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, obs := newMockService(t)

			mock.ExpectBegin()
			expectLock(mock, 3).WillReturnRows(balanceRow(tt.locked))
			tt.expect(mock)

			ok, err := svc.Debit(t.Context(), 3, DebitRequest{Amount: tt.amount, Category: entries.CategoryUsage})
			require.NoError(t, err)

			assert.Equal(t, tt.wantOK, ok)
			assert.Len(t, obs.applied, tt.wantApplied)
			assert.Equal(t, tt.wantRejected, obs.rejected)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestValidationBeforeLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		call    func(s *Service) error
		wantErr error
	}{
		{
			name: "credit_zero",
			call: func(s *Service) error {
				_, err := s.Credit(context.Background(), 1, CreditRequest{Amount: 0, Category: entries.CategoryPurchase})
				return err
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "debit_negative",
			call: func(s *Service) error {
				_, err := s.Debit(context.Background(), 1, DebitRequest{Amount: -5, Category: entries.CategoryUsage})
				return err
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "credit_with_debit_category",
			call: func(s *Service) error {
				_, err := s.Credit(context.Background(), 1, CreditRequest{Amount: 5, Category: entries.CategoryRefund})
				return err
			},
			wantErr: ErrInvalidCategory,
		},
		{
			name: "debit_with_credit_category",
			call: func(s *Service) error {
				_, err := s.Debit(context.Background(), 1, DebitRequest{Amount: 5, Category: entries.CategoryAllocation})
				return err
			},
			wantErr: ErrInvalidCategory,
		},
		{
			name: "unknown_category",
			call: func(s *Service) error {
				_, err := s.Credit(context.Background(), 1, CreditRequest{Amount: 5, Category: "bonus"})
				return err
			},
			wantErr: ErrInvalidCategory,
		},
		{
			name: "debit_tx_zero",
			call: func(s *Service) error {
				_, _, err := s.DebitTx(context.Background(), nil, 1, DebitRequest{Amount: 0, Category: entries.CategorySystem})
				return err
			},
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, _ := newMockService(t)

			err := tt.call(svc)
			require.ErrorIs(t, err, tt.wantErr)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMutationFailuresRollBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		expect        func(mock sqlmock.Sqlmock)
		wantErr       error
		wantContended int
	}{
		{
			name: "lock_timeout_is_contended",
			expect: func(mock sqlmock.Sqlmock) {
				expectLock(mock, 9).WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
			},
			wantErr:       ErrContended,
			wantContended: 1,
		},
		{
			name: "missing_account",
			expect: func(mock sqlmock.Sqlmock) {
				expectLock(mock, 9).WillReturnRows(sqlmock.NewRows([]string{"balance"}))
			},
			wantErr: ErrAccountNotFound,
		},
		{
			name: "entry_insert_failure",
			expect: func(mock sqlmock.Sqlmock) {
				expectLock(mock, 9).WillReturnRows(balanceRow(0))
				mock.ExpectQuery(regexp.QuoteMeta("SET balance = balance + $2")).
					WillReturnRows(balanceRow(25))
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_entries")).
					WillReturnError(sql.ErrConnDone)
			},
			wantErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, obs := newMockService(t)

			mock.ExpectBegin()
			tt.expect(mock)
			mock.ExpectRollback()

			_, err := svc.Credit(t.Context(), 9, CreditRequest{Amount: 25, Category: entries.CategoryAdminGrant})
			require.ErrorIs(t, err, tt.wantErr)

			assert.Empty(t, obs.applied)
			assert.Equal(t, tt.wantContended, obs.contended)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDebitTx_InsufficientWritesNothing(t *testing.T) {
	t.Parallel()

	svc, mock, obs := newMockService(t)

	mock.ExpectBegin()
	expectLock(mock, 4).WillReturnRows(balanceRow(40))
	mock.ExpectRollback()

	tx, err := svc.db.Begin()
	require.NoError(t, err)

	got, ok, err := svc.DebitTx(t.Context(), tx, 4, DebitRequest{Amount: 100, Category: entries.CategoryRefund})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.False(t, ok)
	assert.Equal(t, int64(40), got.Balance)
	assert.Empty(t, obs.applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntries_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		want  int64
	}{
		{name: "default", limit: 0, want: DefaultListLimit},
		{name: "negative", limit: -3, want: DefaultListLimit},
		{name: "within_range", limit: 10, want: 10},
		{name: "capped", limit: 10_000, want: MaxListLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, _ := newMockService(t)

			mock.ExpectQuery(regexp.QuoteMeta("SELECT balance")).
				WithArgs(int64(2)).
				WillReturnRows(balanceRow(0))
			mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_entries")).
				WithArgs(int64(2), tt.want).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "seq", "account_id", "amount", "category", "description", "metadata", "balance_after", "created_at",
				}))

			list, err := svc.ListEntries(t.Context(), 2, tt.limit)
			require.NoError(t, err)
			assert.Empty(t, list)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestListEntries_UnknownAccount(t *testing.T) {
	t.Parallel()

	svc, mock, _ := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance")).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	_, err := svc.ListEntries(t.Context(), 404, 5)
	require.ErrorIs(t, err, ErrAccountNotFound)
}
