// Package trading implements the order decision core: edge calculation,
// fractional Kelly sizing, the pre-trade filter, order execution, and the
// virtual portfolio.
package trading

import (
	"fmt"

	"prediction-trader/internal/models"
)

// ComputeEdge returns the signed edge for a YES position. Positive means
// the ensemble thinks YES is underpriced; negative means NO is underpriced.
func ComputeEdge(ensembleProb, marketPrice float64) float64 {
	return ensembleProb - marketPrice
}

// BestSideAndEdge picks the side with positive edge and returns its
// magnitude. The YES and NO edges always have the same magnitude:
// NO edge = (1 - ensemble) - (1 - price) = -(ensemble - price).
func BestSideAndEdge(ensembleProb, marketPrice float64) (string, float64) {
	yesEdge := ComputeEdge(ensembleProb, marketPrice)
	if yesEdge >= 0 {
		return models.SideYes, yesEdge
	}
	return models.SideNo, -yesEdge
}

// IsTradeable runs the pre-trade filter and returns (false, reason) on the
// first check that fails. Checks run in order: position cap, minimum edge,
// confidence tier, domain weight.
func IsTradeable(ensembleProb, marketPrice float64, confidenceTier string, domainWeight, minEdge float64, maxOpenPositions, currentOpen int) (bool, string) {
	_, edge := BestSideAndEdge(ensembleProb, marketPrice)

	if currentOpen >= maxOpenPositions {
		return false, fmt.Sprintf("max open positions (%d) reached", maxOpenPositions)
	}
	if edge < minEdge {
		return false, fmt.Sprintf("edge %.3f < min %v", edge, minEdge)
	}
	if confidenceTier != models.TierHigh {
		return false, fmt.Sprintf("confidence tier is '%s' (need 'high')", confidenceTier)
	}
	if domainWeight < 0.5 {
		return false, fmt.Sprintf("domain weight %.2f < 0.5", domainWeight)
	}
	return true, ""
}
