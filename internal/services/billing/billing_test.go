package billing

import (
	"context"
	"testing"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/alerting"
	"github.com/fastprodman/creditledger/internal/infra/dailystats"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/repos/entries"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_UnmarshalText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
		check   func(t *testing.T, c Catalog)
	}{
		{
			name: "two_plans",
			in:   "starter:price_123:100, pro:price_456:1000",
			check: func(t *testing.T, c Catalog) {
				p, ok := c.Get("pro")
				require.True(t, ok)
				assert.Equal(t, int64(1000), p.MonthlyCredits)

				byPrice, ok := c.ByPrice("price_123")
				require.True(t, ok)
				assert.Equal(t, "starter", byPrice.Key)

				plans := c.Plans()
				require.Len(t, plans, 2)
				assert.Equal(t, "starter", plans[0].Key)
			},
		},
		{
			name: "empty_is_no_plans",
			in:   "",
			check: func(t *testing.T, c Catalog) {
				assert.Empty(t, c.Plans())
			},
		},
		{name: "missing_field", in: "starter:100", wantErr: true},
		{name: "bad_credits", in: "starter:price_123:lots", wantErr: true},
		{name: "negative_credits", in: "starter:price_123:-1", wantErr: true},
		{name: "duplicate_key", in: "a:p1:1,a:p2:2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var c Catalog
			err := c.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestReverseCharge(t *testing.T) {
	t.Parallel()

	const charge = "pi_100"

	tests := []struct {
		name        string
		balance     int64
		reversal    Reversal
		preReversed bool
		wantOutcome Outcome
		wantBalance int64
		wantRefunds int
		wantAlert   alerting.Kind
		wantErr     error
	}{
		{
			name:        "balance_covers_reversal",
			balance:     150,
			reversal:    Reversal{ChargeRef: charge, Reason: ReasonRefund, AmountCharged: 1000, AmountReversed: 1000},
			wantOutcome: Applied,
			wantBalance: 50,
			wantRefunds: 1,
		},
		{
			name:        "balance_short_is_anomaly",
			balance:     40,
			reversal:    Reversal{ChargeRef: charge, Reason: ReasonRefund, AmountCharged: 1000, AmountReversed: 1000},
			wantOutcome: Anomaly,
			wantBalance: 40,
			wantAlert:   alerting.KindRefundShortfall,
		},
		{
			name:        "partial_refund_is_not_prorated",
			balance:     150,
			reversal:    Reversal{ChargeRef: charge, Reason: ReasonRefund, AmountCharged: 1000, AmountReversed: 400},
			wantOutcome: Anomaly,
			wantBalance: 150,
			wantAlert:   alerting.KindPartialRefund,
		},
		{
			name:        "dispute_reverses_in_full",
			balance:     100,
			reversal:    Reversal{ChargeRef: charge, Reason: ReasonDispute, AmountCharged: 1000, AmountReversed: 500},
			wantOutcome: Applied,
			wantBalance: 0,
			wantRefunds: 1,
		},
		{
			name:        "already_reversed",
			balance:     150,
			reversal:    Reversal{ChargeRef: charge, Reason: ReasonDispute},
			preReversed: true,
			wantOutcome: AlreadyApplied,
			wantBalance: 50,
			wantRefunds: 1,
		},
		{
			name:      "unknown_charge",
			balance:   150,
			reversal:  Reversal{ChargeRef: "pi_other", Reason: ReasonRefund},
			wantAlert: alerting.KindUnknownCharge,
			wantErr:   ErrUnknownCharge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			store := newFakeStore(accounts.Account{ID: 1})
			svc, al, ct := newTestService(store)

			// The purchase of 100 credits, then unrelated activity up to the
			// scenario balance.
			_, err := svc.Purchase(ctx, nil, 1, charge, 100)
			require.NoError(t, err)
			store.accounts[1].Balance = tt.balance

			if tt.preReversed {
				_, err = svc.ReverseCharge(ctx, nil, Reversal{ChargeRef: charge, Reason: ReasonRefund})
				require.NoError(t, err)
			}

			got, err := svc.ReverseCharge(ctx, nil, tt.reversal)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Len(t, al.alerts, 1)
				assert.Equal(t, tt.wantAlert, al.alerts[0].Kind)
				assert.Nil(t, al.alerts[0].AccountID)
				assert.Equal(t, tt.balance, store.accounts[1].Balance)
				assert.Empty(t, store.entriesOf(entries.CategoryRefund))
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantOutcome, got.Outcome)
			assert.Equal(t, tt.wantBalance, store.accounts[1].Balance)

			refunds := store.entriesOf(entries.CategoryRefund)
			require.Len(t, refunds, tt.wantRefunds)
			if tt.wantRefunds == 1 {
				assert.Equal(t, int64(-100), refunds[0].Amount)
				assert.Equal(t, charge, refunds[0].Metadata[entries.MetaChargeRef])
			}

			if tt.wantAlert == "" {
				assert.Empty(t, al.alerts)
				return
			}

			require.Len(t, al.alerts, 1)
			assert.Equal(t, tt.wantAlert, al.alerts[0].Kind)
			assert.Equal(t, uint64(1), *al.alerts[0].AccountID)
			assert.Equal(t, int64(1), ct.counts[dailystats.RefundAnomalies])
		})
	}
}

func TestPurchase_SameChargeCreditsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(accounts.Account{ID: 1})
	svc, _, _ := newTestService(store)

	first, err := svc.Purchase(ctx, nil, 1, "pi_50", 50)
	require.NoError(t, err)
	assert.Equal(t, Applied, first.Outcome)

	second, err := svc.Purchase(ctx, nil, 1, "pi_50", 50)
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, second.Outcome)

	assert.Equal(t, int64(50), store.accounts[1].Balance)
	assert.Len(t, store.entriesOf(entries.CategoryPurchase), 1)

	_, err = svc.Purchase(ctx, nil, 1, "", 50)
	require.Error(t, err)
}

func TestChargeLookupsRunUnderAccountLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(accounts.Account{ID: 1})
	svc, _, _ := newTestService(store)

	_, err := svc.Purchase(ctx, nil, 1, "pi_7", 70)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "find purchase"}, store.trace)

	store.trace = nil

	_, err = svc.ReverseCharge(ctx, nil, Reversal{ChargeRef: "pi_7", Reason: ReasonRefund})
	require.NoError(t, err)
	// The purchase entry is immutable and only names the account to lock;
	// the reversal lookup must see every committed reversal.
	assert.Equal(t, []string{"find purchase", "lock", "find refund"}, store.trace)
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	store := newFakeStore(accounts.Account{ID: 7, PaymentFailures: 2, SubscriptionStatus: accounts.StatusPastDue})
	svc, _, _ := newTestService(store)

	got, err := svc.Allocate(ctx, nil, 7, "in_1", "pro", start)
	require.NoError(t, err)
	assert.Equal(t, Applied, got.Outcome)
	assert.Equal(t, int64(1000), got.Balance)

	acct := store.accounts[7]
	assert.Equal(t, accounts.StatusActive, acct.SubscriptionStatus)
	assert.Equal(t, "pro", acct.Plan)
	assert.Zero(t, acct.PaymentFailures)
	require.NotNil(t, acct.SubscriptionStartedAt)
	assert.Equal(t, start, *acct.SubscriptionStartedAt)

	again, err := svc.Allocate(ctx, nil, 7, "in_1", "pro", start.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, again.Outcome)
	assert.Equal(t, int64(1000), store.accounts[7].Balance)
	assert.Equal(t, start, *store.accounts[7].SubscriptionStartedAt, "renewal keeps the original start")

	alloc := store.entriesOf(entries.CategoryAllocation)
	require.Len(t, alloc, 1)
	assert.Equal(t, "in_1", alloc[0].Metadata[entries.MetaInvoiceID])
	assert.Equal(t, "pro", alloc[0].Metadata["plan"])

	_, err = svc.Allocate(ctx, nil, 7, "in_2", "enterprise", start)
	require.ErrorIs(t, err, ErrUnknownPlan)

	_, err = svc.Allocate(ctx, nil, 99, "in_3", "pro", start)
	require.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

func TestPreviewPlanChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		plan      string
		balance   int64
		target    string
		wantLost  int64
		wantDown  bool
		wantError error
	}{
		{name: "downgrade_over_allocation", plan: "pro", balance: 700, target: "starter", wantLost: 600, wantDown: true},
		{name: "downgrade_under_allocation", plan: "pro", balance: 50, target: "starter", wantLost: 0, wantDown: true},
		{name: "upgrade", plan: "starter", balance: 700, target: "pro", wantLost: 0},
		{name: "same_plan", plan: "pro", balance: 5000, target: "pro", wantLost: 0},
		{name: "from_no_plan", plan: "", balance: 700, target: "starter", wantLost: 0},
		{name: "unknown_target", plan: "pro", balance: 10, target: "gold", wantError: ErrUnknownPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeStore(accounts.Account{ID: 3, Plan: tt.plan, Balance: tt.balance})
			svc, _, _ := newTestService(store)

			got, err := svc.PreviewPlanChange(context.Background(), 3, tt.target)
			if tt.wantError != nil {
				require.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantLost, got.CreditsLost)
			assert.Equal(t, tt.wantDown, got.Downgrade)
			assert.Equal(t, tt.balance, store.accounts[3].Balance, "preview must not mutate")
			assert.Empty(t, store.entries)
		})
	}

	svc, _, _ := newTestService(newFakeStore())
	_, err := svc.PreviewPlanChange(context.Background(), 404, "pro")
	require.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

func TestChangePlan_DowngradeAppliesPreviewedLoss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(accounts.Account{ID: 3, Plan: "pro", Balance: 700, SubscriptionStatus: accounts.StatusActive})
	svc, _, _ := newTestService(store)

	preview, err := svc.PreviewPlanChange(ctx, 3, "starter")
	require.NoError(t, err)

	got, err := svc.ChangePlan(ctx, nil, 3, "starter", "")
	require.NoError(t, err)

	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(700)-preview.CreditsLost, store.accounts[3].Balance)
	assert.Equal(t, "starter", store.accounts[3].Plan)
	assert.Equal(t, accounts.StatusActive, store.accounts[3].SubscriptionStatus)

	sys := store.entriesOf(entries.CategorySystem)
	require.Len(t, sys, 1)
	assert.Equal(t, int64(-600), sys[0].Amount)

	_, err = svc.ChangePlan(ctx, nil, 3, "pro", accounts.StatusActive)
	require.NoError(t, err)
	assert.Len(t, store.entriesOf(entries.CategorySystem), 1, "upgrade loses nothing")
}

func TestSubscriptionStateActions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newFakeStore(accounts.Account{ID: 5, Plan: "pro", SubscriptionStatus: accounts.StatusActive})
	svc, _, _ := newTestService(store)

	n, err := svc.RecordPaymentFailure(ctx, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, accounts.StatusPastDue, store.accounts[5].SubscriptionStatus)

	require.NoError(t, svc.CancelSubscription(ctx, nil, 5))
	assert.Equal(t, accounts.StatusCanceled, store.accounts[5].SubscriptionStatus)
	assert.Equal(t, "pro", store.accounts[5].Plan)

	_, err = svc.RecordPaymentFailure(ctx, nil, 6)
	require.ErrorIs(t, err, accounts.ErrAccountNotFound)
}
