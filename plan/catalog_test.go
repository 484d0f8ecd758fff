package plan_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/types"
)

func TestCatalogOrderAndGet(t *testing.T) {
	c := plan.DefaultCatalog()

	want := []string{"free", "basic", "pro", "business", "enterprise"}
	got := c.List()
	if len(got) != len(want) {
		t.Fatalf("List: got %d plans, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.ID != want[i] {
			t.Errorf("List[%d]: got %q, want %q", i, p.ID, want[i])
		}
	}

	pro, err := c.Get("pro")
	if err != nil {
		t.Fatalf("Get(pro): %v", err)
	}
	if !pro.Price.Equal(types.USD(2900)) {
		t.Errorf("pro price: got %v", pro.Price)
	}

	if _, err := c.Get("platinum"); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("Get(platinum): got %v, want ErrNotFound", err)
	}
}

func TestCatalogListIsACopy(t *testing.T) {
	c := plan.DefaultCatalog()
	l := c.List()
	l[0].ID = "mutated"

	if _, err := c.Get("free"); err != nil {
		t.Fatalf("catalog changed through List result: %v", err)
	}
}

func TestNewCatalogRejects(t *testing.T) {
	tests := []struct {
		name  string
		plans []plan.Plan
	}{
		{"empty id", []plan.Plan{{ID: ""}}},
		{"duplicate", []plan.Plan{{ID: "pro"}, {ID: "pro"}}},
		{"bad cycle", []plan.Plan{{ID: "pro", BillingCycle: "weekly"}}},
		{"negative price", []plan.Plan{{ID: "pro", Price: types.USD(-1)}}},
		{"bad extra cycle", []plan.Plan{{ID: "pro", CyclePrices: map[plan.BillingCycle]types.Money{"daily": types.USD(1)}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := plan.NewCatalog(tt.plans...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPlanPricing(t *testing.T) {
	c := plan.DefaultCatalog()
	pro, _ := c.Get("pro")

	if m, ok := pro.PriceFor(plan.Yearly); !ok || m.Amount != 29000 {
		t.Errorf("PriceFor(yearly): got %v %v", m, ok)
	}
	if m, ok := pro.PriceFor(""); !ok || m.Amount != 2900 {
		t.Errorf("PriceFor(default): got %v %v", m, ok)
	}

	free, _ := c.Get("free")
	if !free.IsFree(plan.Monthly) {
		t.Error("free plan should be free on monthly")
	}
	if free.Supports(plan.Yearly) {
		t.Error("free plan is not offered yearly")
	}
}

func TestLoadCatalog(t *testing.T) {
	doc := `
plans:
  - id: starter
    display_name: Starter
    price: {amount: 0, currency: USD}
  - id: team
    display_name: Team
    price: {amount: 4900, currency: usd}
    billing_cycle: monthly
    cycle_prices:
      yearly: {amount: 49000}
    trial_days: 7
    features: [sso]
`
	c, err := plan.LoadCatalog(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len: got %d", c.Len())
	}

	starter, _ := c.Get("starter")
	if starter.BillingCycle != plan.Monthly || starter.Price.Currency != "usd" {
		t.Errorf("starter defaults not applied: %+v", starter)
	}

	team, _ := c.Get("team")
	if m, ok := team.PriceFor(plan.Yearly); !ok || !m.Equal(types.USD(49000)) {
		t.Errorf("team yearly: got %v %v", m, ok)
	}
	if team.TrialDays != 7 || len(team.Features) != 1 {
		t.Errorf("team trial/features not carried: %+v", team)
	}

	if _, err := plan.LoadCatalog(strings.NewReader("plans:\n  - id: x\n    colour: red\n")); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestPeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	if got := plan.Monthly.PeriodEnd(start); !got.Equal(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly: got %v", got)
	}
	if got := plan.Yearly.PeriodEnd(start); !got.Equal(time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("yearly: got %v", got)
	}
}
