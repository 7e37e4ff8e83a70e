package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fastprodman/creditledger/internal/infra/dailystats"
	"github.com/fastprodman/creditledger/internal/repos/accounts"
	"github.com/fastprodman/creditledger/internal/services/billing"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")

	errMalformed     = errors.New("malformed payload")
	errNoAccount     = errors.New("event does not identify an account")
	errNothingToDo   = errors.New("event carries no ledger effect")
	errUnhandledType = errors.New("unhandled event type")
)

const (
	MetaAccountID = "account_id"
	MetaCredits   = "credits"
	MetaPlan      = "plan"
)

type Billing interface {
	Allocate(ctx context.Context, tx *sql.Tx, accountID uint64, invoiceID, planKey string, periodStart time.Time) (billing.Result, error)
	Purchase(ctx context.Context, tx *sql.Tx, accountID uint64, chargeRef string, credits int64) (billing.Result, error)
	ReverseCharge(ctx context.Context, tx *sql.Tx, r billing.Reversal) (billing.Result, error)
	RecordPaymentFailure(ctx context.Context, tx *sql.Tx, accountID uint64) (int, error)
	ChangePlan(ctx context.Context, tx *sql.Tx, accountID uint64, planKey string, status accounts.SubscriptionStatus) (billing.Result, error)
	CancelSubscription(ctx context.Context, tx *sql.Tx, accountID uint64) error
	Plans() billing.Catalog
}

type CustomerResolver interface {
	GetByStripeCustomer(ctx context.Context, tx *sql.Tx, customerID string) (*accounts.Account, error)
}

type EventMetrics interface {
	WebhookEvent(eventType, outcome string)
}

type Counter interface {
	Record(ctx context.Context, name string, by int64)
}

// Processor verifies Stripe deliveries and routes them through the gate to
// billing actions.
type Processor struct {
	gate           Admitter
	billing        Billing
	customers      CustomerResolver
	secret         string
	creditsPerUnit decimal.Decimal
	metrics        EventMetrics
	stats          Counter
	log            *slog.Logger
}

type ProcessorConfig struct {
	Gate           Admitter
	Billing        Billing
	Customers      CustomerResolver
	Secret         string
	CreditsPerUnit decimal.Decimal
	Metrics        EventMetrics
	Stats          Counter
	Logger         *slog.Logger
}

func NewProcessor(c ProcessorConfig) *Processor {
	p := &Processor{
		gate:           c.Gate,
		billing:        c.Billing,
		customers:      c.Customers,
		secret:         c.Secret,
		creditsPerUnit: c.CreditsPerUnit,
		metrics:        c.Metrics,
		stats:          c.Stats,
		log:            c.Logger,
	}

	if p.metrics == nil {
		p.metrics = nopMetrics{}
	}
	if p.stats == nil {
		p.stats = nopCounter{}
	}
	if p.log == nil {
		p.log = slog.Default()
	}

	return p
}

type nopMetrics struct{}

func (nopMetrics) WebhookEvent(string, string) {}

type nopCounter struct{}

func (nopCounter) Record(context.Context, string, int64) {}

// Handle verifies the signature of payload and admits the event.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	p.stats.Record(ctx, dailystats.WebhooksReceived, 1)

	ev := Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Created > 0 {
		created := time.Unix(event.Created, 0).UTC()
		ev.CreatedAt = &created
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	outcome, err := p.gate.Admit(ctx, ev, p.effect(event.Type, raw))
	if err != nil {
		p.metrics.WebhookEvent(ev.Type, "failed")
		p.stats.Record(ctx, dailystats.WebhooksFailed, 1)
		p.log.ErrorContext(ctx, "webhook processing failed",
			"event_id", ev.ID, "type", ev.Type, "error", err)

		return "", fmt.Errorf("process %s: %w", ev.ID, err)
	}

	p.metrics.WebhookEvent(ev.Type, string(outcome))
	if outcome == OutcomeDuplicate {
		p.stats.Record(ctx, dailystats.WebhooksDeduped, 1)
	}

	return outcome, nil
}

// effect returns the business action for one event type. Expected
// rejections (unknown type, account or plan, malformed payload) become
// OutcomeIgnored so the event is recorded and not redelivered forever.
func (p *Processor) effect(eventType stripe.EventType, raw json.RawMessage) Effect {
	return func(ctx context.Context, tx *sql.Tx, ev *Event) (Outcome, error) {
		var err error

		switch eventType {
		case "invoice.paid":
			err = p.onInvoicePaid(ctx, tx, ev, raw)
		case "invoice.payment_failed":
			err = p.onInvoicePaymentFailed(ctx, tx, ev, raw)
		case "checkout.session.completed":
			err = p.onCheckoutCompleted(ctx, tx, ev, raw)
		case "charge.refunded":
			err = p.onChargeRefunded(ctx, tx, ev, raw)
		case "charge.dispute.created":
			err = p.onDisputeCreated(ctx, tx, ev, raw)
		case "customer.subscription.updated":
			err = p.onSubscriptionUpdated(ctx, tx, ev, raw)
		case "customer.subscription.deleted":
			err = p.onSubscriptionDeleted(ctx, tx, ev, raw)
		default:
			err = errUnhandledType
		}

		if err == nil {
			return OutcomeProcessed, nil
		}

		if isIgnorable(err) {
			ev.AccountID = nil
			p.log.WarnContext(ctx, "webhook event ignored",
				"event_id", ev.ID, "type", ev.Type, "reason", err.Error())

			return OutcomeIgnored, nil
		}

		return "", err
	}
}

func isIgnorable(err error) bool {
	return errors.Is(err, errMalformed) ||
		errors.Is(err, errNoAccount) ||
		errors.Is(err, errNothingToDo) ||
		errors.Is(err, errUnhandledType) ||
		errors.Is(err, accounts.ErrAccountNotFound) ||
		errors.Is(err, billing.ErrUnknownPlan) ||
		errors.Is(err, billing.ErrUnknownCharge)
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty object", errMalformed)
	}

	err := json.Unmarshal(raw, dst)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	return nil
}

// resolveAccount tries metadata account_id, then the checkout client
// reference, then the Stripe customer id.
func (p *Processor) resolveAccount(ctx context.Context, tx *sql.Tx, meta map[string]string, clientRef, customer string) (uint64, error) {
	for _, candidate := range []string{meta[MetaAccountID], clientRef} {
		if candidate == "" {
			continue
		}

		id, err := strconv.ParseUint(candidate, 10, 64)
		if err != nil || id == 0 {
			return 0, fmt.Errorf("%w: bad account reference %q", errMalformed, candidate)
		}

		return id, nil
	}

	if customer == "" {
		return 0, errNoAccount
	}

	acct, err := p.customers.GetByStripeCustomer(ctx, tx, customer)
	if err != nil {
		return 0, fmt.Errorf("resolve customer %s: %w", customer, err)
	}

	return acct.ID, nil
}

func (p *Processor) onInvoicePaid(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var in stripeInvoice
	err := decode(raw, &in)
	if err != nil {
		return err
	}

	meta := in.metadata()

	accountID, err := p.resolveAccount(ctx, tx, meta, "", in.Customer)
	if err != nil {
		return err
	}
	ev.AccountID = &accountID

	planKey := meta[MetaPlan]
	periodStart := in.PeriodStart

	for _, line := range in.Lines.Data {
		if planKey == "" {
			if plan, ok := p.billing.Plans().ByPrice(line.priceID()); ok {
				planKey = plan.Key
			}
		}
		if line.Period.Start > 0 {
			periodStart = line.Period.Start
		}
	}

	if planKey == "" {
		return fmt.Errorf("invoice %s: %w", in.ID, billing.ErrUnknownPlan)
	}

	start := time.Now().UTC()
	if periodStart > 0 {
		start = time.Unix(periodStart, 0).UTC()
	}

	_, err = p.billing.Allocate(ctx, tx, accountID, in.ID, planKey, start)
	if err != nil {
		return fmt.Errorf("allocate invoice %s: %w", in.ID, err)
	}

	return nil
}

func (p *Processor) onInvoicePaymentFailed(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var in stripeInvoice
	err := decode(raw, &in)
	if err != nil {
		return err
	}

	accountID, err := p.resolveAccount(ctx, tx, in.metadata(), "", in.Customer)
	if err != nil {
		return err
	}
	ev.AccountID = &accountID

	failures, err := p.billing.RecordPaymentFailure(ctx, tx, accountID)
	if err != nil {
		return err
	}

	p.log.InfoContext(ctx, "payment failed, prompting for a new payment method",
		"account_id", accountID, "invoice_id", in.ID, "failures", failures)

	return nil
}

func (p *Processor) onCheckoutCompleted(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var s stripeCheckoutSession
	err := decode(raw, &s)
	if err != nil {
		return err
	}

	if s.Mode != "payment" {
		return fmt.Errorf("%w: checkout mode %q", errNothingToDo, s.Mode)
	}
	if s.PaymentStatus != "" && s.PaymentStatus != "paid" {
		return fmt.Errorf("%w: payment status %q", errNothingToDo, s.PaymentStatus)
	}

	accountID, err := p.resolveAccount(ctx, tx, s.Metadata, s.ClientReference, s.Customer)
	if err != nil {
		return err
	}
	ev.AccountID = &accountID

	credits, err := p.purchasedCredits(s)
	if err != nil {
		return err
	}

	chargeRef := s.PaymentIntent
	if chargeRef == "" {
		chargeRef = s.ID
	}

	_, err = p.billing.Purchase(ctx, tx, accountID, chargeRef, credits)
	if err != nil {
		return fmt.Errorf("purchase %s: %w", chargeRef, err)
	}

	return nil
}

// purchasedCredits prefers an explicit credit count in metadata and falls
// back to converting the amount paid, rounding down.
func (p *Processor) purchasedCredits(s stripeCheckoutSession) (int64, error) {
	if raw := s.Metadata[MetaCredits]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: credits %q", errMalformed, raw)
		}

		return n, nil
	}

	credits := decimal.NewFromInt(s.AmountTotal).
		Mul(p.creditsPerUnit).
		Div(decimal.NewFromInt(100)).
		Floor()

	if !credits.IsPositive() {
		return 0, fmt.Errorf("%w: amount %d buys no credits", errNothingToDo, s.AmountTotal)
	}

	return credits.IntPart(), nil
}

func (p *Processor) onChargeRefunded(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var c stripeCharge
	err := decode(raw, &c)
	if err != nil {
		return err
	}

	res, err := p.billing.ReverseCharge(ctx, tx, billing.Reversal{
		ChargeRef:      firstNonEmpty(c.PaymentIntent, c.ID),
		Reason:         billing.ReasonRefund,
		AmountCharged:  c.Amount,
		AmountReversed: c.AmountRefunded,
	})
	if err != nil {
		return err
	}

	ev.AccountID = &res.AccountID

	return nil
}

func (p *Processor) onDisputeCreated(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var d stripeDispute
	err := decode(raw, &d)
	if err != nil {
		return err
	}

	res, err := p.billing.ReverseCharge(ctx, tx, billing.Reversal{
		ChargeRef:      firstNonEmpty(d.PaymentIntent, d.Charge),
		Reason:         billing.ReasonDispute,
		AmountReversed: d.Amount,
	})
	if err != nil {
		return err
	}

	ev.AccountID = &res.AccountID

	return nil
}

func (p *Processor) onSubscriptionUpdated(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var sub stripeSubscription
	err := decode(raw, &sub)
	if err != nil {
		return err
	}

	accountID, err := p.resolveAccount(ctx, tx, sub.Metadata, "", sub.Customer)
	if err != nil {
		return err
	}
	ev.AccountID = &accountID

	planKey := sub.Metadata[MetaPlan]
	for _, item := range sub.Items.Data {
		if planKey != "" {
			break
		}
		if plan, ok := p.billing.Plans().ByPrice(item.priceID()); ok {
			planKey = plan.Key
		}
	}

	if planKey == "" {
		return fmt.Errorf("subscription %s: %w", sub.ID, billing.ErrUnknownPlan)
	}

	_, err = p.billing.ChangePlan(ctx, tx, accountID, planKey, subscriptionStatus(sub.Status))
	if err != nil {
		return fmt.Errorf("change plan: %w", err)
	}

	return nil
}

func (p *Processor) onSubscriptionDeleted(ctx context.Context, tx *sql.Tx, ev *Event, raw json.RawMessage) error {
	var sub stripeSubscription
	err := decode(raw, &sub)
	if err != nil {
		return err
	}

	accountID, err := p.resolveAccount(ctx, tx, sub.Metadata, "", sub.Customer)
	if err != nil {
		return err
	}
	ev.AccountID = &accountID

	return p.billing.CancelSubscription(ctx, tx, accountID)
}

// subscriptionStatus maps Stripe's status onto ours. An empty result keeps
// the current status.
func subscriptionStatus(s string) accounts.SubscriptionStatus {
	switch s {
	case "active", "trialing":
		return accounts.StatusActive
	case "past_due", "unpaid":
		return accounts.StatusPastDue
	case "canceled", "incomplete_expired":
		return accounts.StatusCanceled
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
