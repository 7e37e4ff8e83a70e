package billing

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/fastprodman/creditledger/internal/services/ledger"
	"github.com/google/uuid"
)

// fakeStore is an in-memory ledger, account table and entry index.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[uint64]*accounts.Account
	entries  []entries.Entry
	// trace lists lock and lookup calls in order.
	trace []string
}

func (s *fakeStore) note(call string) {
	s.mu.Lock()
	s.trace = append(s.trace, call)
	s.mu.Unlock()
}

func newFakeStore(accts ...accounts.Account) *fakeStore {
	s := &fakeStore{accounts: map[uint64]*accounts.Account{}}
	for i := range accts {
		a := accts[i]
		s.accounts[a.ID] = &a
	}
	return s
}

func (s *fakeStore) account(id uint64) (*accounts.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return a, nil
}

func (s *fakeStore) CreditTx(_ context.Context, _ *sql.Tx, id uint64, req ledger.CreditRequest) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return ledger.Balance{}, err
	}

	a.Balance += req.Amount
	e := entries.Entry{ID: uuid.New(), AccountID: id, Amount: req.Amount, Category: req.Category,
		Description: req.Description, Metadata: req.Metadata, BalanceAfter: a.Balance}
	s.entries = append(s.entries, e)

	return ledger.Balance{AccountID: id, Balance: a.Balance, Entry: e}, nil
}

func (s *fakeStore) DebitTx(_ context.Context, _ *sql.Tx, id uint64, req ledger.DebitRequest) (ledger.Balance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return ledger.Balance{}, false, err
	}

	if a.Balance < req.Amount {
		return ledger.Balance{AccountID: id, Balance: a.Balance}, false, nil
	}

	a.Balance -= req.Amount
	e := entries.Entry{ID: uuid.New(), AccountID: id, Amount: -req.Amount, Category: req.Category,
		Description: req.Description, Metadata: req.Metadata, BalanceAfter: a.Balance}
	s.entries = append(s.entries, e)

	return ledger.Balance{AccountID: id, Balance: a.Balance, Entry: e}, true, nil
}

func (s *fakeStore) Get(_ context.Context, id uint64) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) LockAccount(ctx context.Context, _ *sql.Tx, id uint64) (*accounts.Account, error) {
	s.note("lock")
	return s.Get(ctx, id)
}

func (s *fakeStore) SetSubscription(_ context.Context, _ *sql.Tx, id uint64, sub accounts.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.Plan = sub.Plan
	a.SubscriptionStatus = sub.Status
	if sub.StartedAt != nil {
		a.SubscriptionStartedAt = sub.StartedAt
	}
	return nil
}

func (s *fakeStore) IncrementPaymentFailures(_ context.Context, _ *sql.Tx, id uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return 0, err
	}
	a.PaymentFailures++
	if a.SubscriptionStatus == accounts.StatusActive {
		a.SubscriptionStatus = accounts.StatusPastDue
	}
	return a.PaymentFailures, nil
}

func (s *fakeStore) ResetPaymentFailures(_ context.Context, _ *sql.Tx, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.account(id)
	if err != nil {
		return err
	}
	a.PaymentFailures = 0
	return nil
}

func (s *fakeStore) find(category entries.Category, key, value string) (*entries.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Category == category && e.Metadata[key] == value {
			cp := e
			return &cp, nil
		}
	}
	return nil, entries.ErrEntryNotFound
}

func (s *fakeStore) FindByChargeRef(_ context.Context, _ *sql.Tx, category entries.Category, ref string) (*entries.Entry, error) {
	s.note("find " + string(category))
	return s.find(category, entries.MetaChargeRef, ref)
}

func (s *fakeStore) FindByInvoiceID(_ context.Context, _ *sql.Tx, category entries.Category, id string) (*entries.Entry, error) {
	return s.find(category, entries.MetaInvoiceID, id)
}

func (s *fakeStore) entriesOf(category entries.Category) []entries.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []entries.Entry
	for _, e := range s.entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

type recordingAlerter struct {
	alerts []alerting.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a alerting.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

type recordingCounter struct {
	counts map[string]int64
}

func (r *recordingCounter) Record(_ context.Context, name string, by int64) {
	if r.counts == nil {
		r.counts = map[string]int64{}
	}
	r.counts[name] += by
}

func testCatalog() Catalog {
	c, err := NewCatalog(
		Plan{Key: "starter", PriceID: "price_123", MonthlyCredits: 100},
		Plan{Key: "pro", PriceID: "price_456", MonthlyCredits: 1000},
	)
	if err != nil {
		panic(err)
	}
	return c
}

func newTestService(store *fakeStore) (*Service, *recordingAlerter, *recordingCounter) {
	al := &recordingAlerter{}
	ct := &recordingCounter{}

	svc := New(Deps{
		Ledger:   store,
		Accounts: store,
		Entries:  store,
		Plans:    testCatalog(),
		Alerter:  al,
		Stats:    ct,
	})
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	return svc, al, ct
}
