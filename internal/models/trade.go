package models

import "time"

// Trade sides.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Trade is an executed position in a binary market. Rows are immutable;
// at most one trade exists per market (the executor prechecks).
type Trade struct {
	ID            int64
	MarketID      string
	ForecastID    int64
	Exchange      string
	Side          string // YES or NO
	SizeUnits     float64
	Price         float64 // entry price of the traded side, (0,1)
	KellyFraction float64 // bankroll fraction after clamping
	Edge          float64
	IsPaper       bool
	CreatedAt     time.Time
}

// Cost returns the cash committed by the trade.
func (t Trade) Cost() float64 {
	return t.SizeUnits * t.Price
}

// PortfolioState is the singleton bankroll row (id=1).
type PortfolioState struct {
	Cash       float64
	TotalValue float64
	UpdatedAt  time.Time
}
