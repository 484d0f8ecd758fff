package plan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xraph/recur/types"
)

// ErrNotFound is returned by Catalog.Get for an unknown plan id.
var ErrNotFound = errors.New("recur: plan not found")

// Catalog is an ordered, read-only set of plans. It is safe for
// concurrent use because nothing mutates it after NewCatalog.
type Catalog struct {
	plans []Plan
	byID  map[string]int
}

// NewCatalog validates plans and returns a catalog that lists them in
// the order given.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make([]Plan, 0, len(plans)),
		byID:  make(map[string]int, len(plans)),
	}

	for _, p := range plans {
		if p.ID == "" {
			return nil, errors.New("plan: empty plan id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("plan: duplicate plan id %q", p.ID)
		}
		if p.BillingCycle == "" {
			p.BillingCycle = Monthly
		}
		if !p.BillingCycle.Valid() {
			return nil, fmt.Errorf("plan %q: unsupported billing cycle %q", p.ID, p.BillingCycle)
		}
		if p.Price.Amount < 0 {
			return nil, fmt.Errorf("plan %q: negative price", p.ID)
		}
		p.Price.Currency = strings.ToLower(p.Price.Currency)
		if p.Price.Currency == "" {
			p.Price.Currency = "usd"
		}
		if len(p.CyclePrices) > 0 {
			prices := make(map[BillingCycle]types.Money, len(p.CyclePrices))
			for cycle, m := range p.CyclePrices {
				if !cycle.Valid() {
					return nil, fmt.Errorf("plan %q: unsupported billing cycle %q", p.ID, cycle)
				}
				m.Currency = strings.ToLower(m.Currency)
				if m.Currency == "" {
					m.Currency = p.Price.Currency
				}
				prices[cycle] = m
			}
			p.CyclePrices = prices
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}

		c.byID[p.ID] = len(c.plans)
		c.plans = append(c.plans, p)
	}

	return c, nil
}

// List returns every plan in catalog order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Get returns the plan with the given id or ErrNotFound.
func (c *Catalog) Get(planID string) (Plan, error) {
	i, ok := c.byID[planID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrNotFound, planID)
	}
	return c.plans[i], nil
}

// Len returns the number of plans.
func (c *Catalog) Len() int { return len(c.plans) }

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalog parses a YAML document of the form:
//
//	plans:
//	  - id: pro
//	    display_name: Pro
//	    price: {amount: 2900, currency: usd}
//	    billing_cycle: monthly
//	    cycle_prices:
//	      yearly: {amount: 29000, currency: usd}
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("plan: decode catalog: %w", err)
	}
	return NewCatalog(f.Plans...)
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plan: open catalog: %w", err)
	}
	defer f.Close()

	return LoadCatalog(f)
}

// DefaultCatalog returns the built-in free/basic/pro/business/enterprise
// ladder.
func DefaultCatalog() *Catalog {
	yearly := func(cents int64) map[BillingCycle]types.Money {
		return map[BillingCycle]types.Money{Yearly: types.USD(cents)}
	}

	c, err := NewCatalog(
		Plan{ID: "free", DisplayName: "Free", Price: types.USD(0), BillingCycle: Monthly,
			Features: []string{"1 project", "community support"}},
		Plan{ID: "basic", DisplayName: "Basic", Price: types.USD(900), BillingCycle: Monthly,
			CyclePrices: yearly(9000), TrialDays: 14, Features: []string{"5 projects", "email support"}},
		Plan{ID: "pro", DisplayName: "Pro", Price: types.USD(2900), BillingCycle: Monthly,
			CyclePrices: yearly(29000), TrialDays: 14, Features: []string{"unlimited projects", "priority support"}},
		Plan{ID: "business", DisplayName: "Business", Price: types.USD(4900), BillingCycle: Monthly,
			CyclePrices: yearly(49000), Features: []string{"sso", "audit log"}},
		Plan{ID: "enterprise", DisplayName: "Enterprise", Price: types.USD(9900), BillingCycle: Monthly,
			CyclePrices: yearly(99000), Features: []string{"dedicated support", "custom contracts"}},
	)
	if err != nil {
		panic(err)
	}
	return c
}
