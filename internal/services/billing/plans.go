package billing

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a recurring subscription tier.
type Plan struct {
	Key            string
	PriceID        string
	MonthlyCredits int64
}

// Catalog is the set of plans, loaded from a list of
// "key:stripe_price_id:monthly_credits" items separated by commas.
type Catalog struct {
	byKey   map[string]Plan
	byPrice map[string]Plan
}

func NewCatalog(plans ...Plan) (Catalog, error) {
	c := Catalog{
		byKey:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]Plan, len(plans)),
	}

	for _, p := range plans {
		if p.Key == "" {
			return Catalog{}, errors.New("plan key is empty")
		}
		if p.MonthlyCredits < 0 {
			return Catalog{}, fmt.Errorf("plan %q: monthly credits must not be negative", p.Key)
		}
		if _, dup := c.byKey[p.Key]; dup {
			return Catalog{}, fmt.Errorf("plan %q declared twice", p.Key)
		}

		c.byKey[p.Key] = p
		if p.PriceID != "" {
			c.byPrice[p.PriceID] = p
		}
	}

	return c, nil
}

func (c *Catalog) UnmarshalText(text []byte) error {
	var plans []Plan

	for _, item := range strings.Split(string(text), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return fmt.Errorf("plan %q: want key:price_id:credits", item)
		}

		credits, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("plan %q credits: %w", item, err)
		}

		plans = append(plans, Plan{
			Key:            strings.TrimSpace(parts[0]),
			PriceID:        strings.TrimSpace(parts[1]),
			MonthlyCredits: credits,
		})
	}

	parsed, err := NewCatalog(plans...)
	if err != nil {
		return err
	}

	*c = parsed

	return nil
}

func (c Catalog) Get(key string) (Plan, bool) {
	p, ok := c.byKey[key]
	return p, ok
}

func (c Catalog) ByPrice(priceID string) (Plan, bool) {
	p, ok := c.byPrice[priceID]
	return p, ok
}

// Plans returns all plans ordered by monthly credits.
func (c Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.byKey))
	for _, p := range c.byKey {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MonthlyCredits == out[j].MonthlyCredits {
			return out[i].Key < out[j].Key
		}
		return out[i].MonthlyCredits < out[j].MonthlyCredits
	})

	return out
}
