package pricing

import (
	"context"
	"time"

	"github.com/relaypilot/relaypilot/pkg/types"
)

// Entry is one raw tariff interval as returned by a provider, already in
// local time.
type Entry struct {
	Channel types.Channel `json:"channel,omitempty"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Minutes int           `json:"minutes"`
	// Price is in c/kWh.
	Price float64 `json:"price"`
}

// Tariff defines the interface for fetching wholesale tariff intervals.
type Tariff interface {
	// Authenticate resolves the account/site before fetching. Safe to call
	// repeatedly; implementations should cache.
	Authenticate(ctx context.Context) error

	// FetchPrices returns the current interval plus the next count intervals
	// at the given resolution (minutes).
	FetchPrices(ctx context.Context, resolutionMinutes, count int) ([]Entry, error)
}
