// Package models defines the core data types shared across the trading agent.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Domain is one of the six fixed topic categories, ordered by historical
// LLM forecasting accuracy (descending).
type Domain string

const (
	DomainGeopolitics   Domain = "geopolitics"
	DomainPolitics      Domain = "politics"
	DomainTechnology    Domain = "technology"
	DomainEntertainment Domain = "entertainment"
	DomainFinance       Domain = "finance"
	DomainSports        Domain = "sports"
)

// DomainPriority lists all domains in descending accuracy order.
var DomainPriority = []Domain{
	DomainGeopolitics,
	DomainPolitics,
	DomainTechnology,
	DomainEntertainment,
	DomainFinance,
	DomainSports,
}

// NewsNoiseDomains are domains where news context degrades forecast accuracy.
var NewsNoiseDomains = map[Domain]bool{
	DomainEntertainment: true,
	DomainTechnology:    true,
}

// ValidDomain reports whether s is one of the six canonical domains.
func ValidDomain(s string) bool {
	switch Domain(strings.ToLower(s)) {
	case DomainGeopolitics, DomainPolitics, DomainTechnology,
		DomainEntertainment, DomainFinance, DomainSports:
		return true
	}
	return false
}

// Market is a binary prediction market on one of the venues.
// ID is "{exchange}:{venue_id}".
type Market struct {
	ID          string
	Exchange    string
	Question    string
	Domain      Domain // empty until classified
	URL         string
	MarketPrice float64 // YES probability, 0-1
	VolumeUSD   float64
	CloseTime   time.Time
	Resolved    bool
	Outcome     *int // 1=YES, 0=NO, nil=unknown
	DedupGroup  string
	UpdatedAt   time.Time
}

// MarketID builds the canonical "{exchange}:{venue_id}" identifier.
func MarketID(exchange, venueID string) string {
	return fmt.Sprintf("%s:%s", exchange, venueID)
}

// VenueID strips the exchange prefix from a canonical market id.
func VenueID(marketID string) string {
	if i := strings.IndexByte(marketID, ':'); i >= 0 {
		return marketID[i+1:]
	}
	return marketID
}

// Order is the result of submitting an order to an exchange.
type Order struct {
	OrderID  string
	MarketID string
	Side     string // "YES" | "NO"
	Size     float64
	Price    float64
	Status   string // "filled" | "open" | "cancelled"
	IsPaper  bool
	FilledAt time.Time
}
