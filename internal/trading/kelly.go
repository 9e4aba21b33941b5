package trading

import (
	"math"

	"prediction-trader/internal/models"
)

// KellyFraction computes the fraction of bankroll to commit to one side of
// a binary market.
//
// Full Kelly for a binary contract entered at price q with edge e is
// f* = e / (1 - q), where q is the entry price of the side taken: the
// market's YES price for a YES bet, 1 minus it for a NO bet. The result is
// scaled by the fractional multiplier and clamped to [0, maxPct].
// Degenerate quotes (side price outside (0,1)) size to zero.
func KellyFraction(edge, marketPrice float64, side string, fractional, maxPct float64) float64 {
	price := marketPrice
	if side == models.SideNo {
		price = 1.0 - marketPrice
	}
	if price <= 0 || price >= 1 {
		return 0.0
	}

	fullKelly := edge / (1.0 - price)
	fk := fullKelly * fractional
	if fk > maxPct {
		fk = maxPct
	}
	if fk < 0 {
		return 0.0
	}
	return fk
}

// SizeFromFraction converts a bankroll fraction into a contract count at
// the given fill price. Prediction-market venues quote whole-ish lots, so
// the count is rounded to two decimals with a floor of one contract.
func SizeFromFraction(fraction, bankroll, price float64) float64 {
	if price <= 0 {
		return 0.0
	}
	contracts := math.Round(bankroll*fraction/price*100) / 100
	if contracts < 1.0 {
		return 1.0
	}
	return contracts
}
