package webhook

// Minimal views of the Stripe objects this service reads. Only the fields
// used for routing and crediting are decoded.

type stripePrice struct {
	ID string `json:"id"`
}

type stripeLineItem struct {
	Price   *stripePrice `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Metadata map[string]string `json:"metadata"`
}

func (l stripeLineItem) priceID() string {
	if l.Price != nil && l.Price.ID != "" {
		return l.Price.ID
	}
	if l.Pricing != nil && l.Pricing.PriceDetails != nil {
		return l.Pricing.PriceDetails.Price
	}
	return ""
}

type stripeInvoice struct {
	ID          string            `json:"id"`
	Customer    string            `json:"customer"`
	PeriodStart int64             `json:"period_start"`
	Metadata    map[string]string `json:"metadata"`
	Lines       struct {
		Data []stripeLineItem `json:"data"`
	} `json:"lines"`
	Parent *struct {
		SubscriptionDetails *struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// metadata merges invoice metadata over the subscription metadata Stripe
// copies onto the invoice parent.
func (in stripeInvoice) metadata() map[string]string {
	out := map[string]string{}
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		for k, v := range in.Parent.SubscriptionDetails.Metadata {
			out[k] = v
		}
	}
	for k, v := range in.Metadata {
		out[k] = v
	}
	return out
}

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentStatus   string            `json:"payment_status"`
	Customer        string            `json:"customer"`
	ClientReference string            `json:"client_reference_id"`
	PaymentIntent   string            `json:"payment_intent"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeDispute struct {
	ID            string            `json:"id"`
	Charge        string            `json:"charge"`
	PaymentIntent string            `json:"payment_intent"`
	Amount        int64             `json:"amount"`
	Reason        string            `json:"reason"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID        string            `json:"id"`
	Customer  string            `json:"customer"`
	Status    string            `json:"status"`
	StartDate int64             `json:"start_date"`
	Metadata  map[string]string `json:"metadata"`
	Items     struct {
		Data []stripeLineItem `json:"data"`
	} `json:"items"`
}
