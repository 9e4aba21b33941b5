// Package exchange provides venue adapters for binary prediction markets.
package exchange

import (
	"context"
	"time"

	"prediction-trader/internal/models"
)

// Venue names used in market ids and trade rows.
const (
	VenuePolymarket = "polymarket"
	VenueKalshi     = "kalshi"
)

// Client is the adapter contract every venue implements. Market identifiers
// at this boundary are "{exchange}:{venue_id}" strings. Adapters without
// credentials degrade to empty listings rather than failing.
type Client interface {
	// Name returns the venue name.
	Name() string

	// ListMarkets returns tradeable binary markets passing the configured
	// volume and time-to-close filters.
	ListMarkets(ctx context.Context) ([]models.Market, error)

	// Price returns the current YES probability for a market.
	Price(ctx context.Context, marketID string) (float64, error)

	// PlaceOrder submits an order. In paper mode it returns a synthetic
	// filled order without touching the venue.
	PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*models.Order, error)

	// ListResolved returns markets resolved at or after since, with their
	// outcome when known.
	ListResolved(ctx context.Context, since time.Time) ([]models.Market, error)

	// Close releases any open connections.
	Close() error
}

func paperOrder(venue, marketID, side string, size, price float64) *models.Order {
	return &models.Order{
		OrderID:  "paper-" + venue + "-" + marketID + "-" + side,
		MarketID: marketID,
		Side:     side,
		Size:     size,
		Price:    price,
		Status:   "filled",
		IsPaper:  true,
		FilledAt: time.Now().UTC(),
	}
}
