package recur

import (
	"testing"
	"time"

	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
)

func TestLinearProrator(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.Add(30 * 24 * time.Hour),
	}

	tests := []struct {
		name     string
		from, to types.Money
		at       time.Time
		want     int64
	}{
		{"upgrade halfway", types.USD(2900), types.USD(9900), start.Add(15 * 24 * time.Hour), 3500},
		{"downgrade halfway", types.USD(9900), types.USD(2900), start.Add(15 * 24 * time.Hour), -3500},
		{"upgrade at start", types.USD(2900), types.USD(9900), start, 7000},
		{"after period end", types.USD(2900), types.USD(9900), start.Add(40 * 24 * time.Hour), 0},
		{"same price", types.USD(2900), types.USD(2900), start, 0},
		{"one third", types.USD(0), types.USD(100), start.Add(20 * 24 * time.Hour), 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LinearProrator{}.Prorate(tt.from, tt.to, sub, tt.at)
			if got.Amount != tt.want {
				t.Errorf("got %d, want %d", got.Amount, tt.want)
			}
		})
	}
}

func TestLinearProratorInverse(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
	}

	for _, offset := range []time.Duration{time.Hour, 7*time.Hour + 13*time.Second, 11 * 24 * time.Hour} {
		at := start.Add(offset)
		up := LinearProrator{}.Prorate(types.USD(2900), types.USD(9900), sub, at)
		down := LinearProrator{}.Prorate(types.USD(9900), types.USD(2900), sub, at)
		if up.Amount != -down.Amount {
			t.Errorf("offset %v: up %d, down %d", offset, up.Amount, down.Amount)
		}
	}
}

func TestNoProration(t *testing.T) {
	got := NoProration.Prorate(types.USD(100), types.USD(900), &subscription.Subscription{}, time.Now())
	if !got.IsZero() || got.Currency != "usd" {
		t.Errorf("got %v", got)
	}
}
