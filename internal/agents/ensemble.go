package agents

import (
	"prediction-trader/internal/models"
)

// CalibrationKey identifies a (domain, model) calibration cell.
type CalibrationKey struct {
	Domain models.Domain
	Model  string
}

// EnsembleResult is the combined forecast across all models.
type EnsembleResult struct {
	Probability float64
	Entropy     float64
	Confidence  string
}

// Combine folds per-model forecasts into one ensemble probability. Each
// forecast is weighted by model_weight x domain_weight, both defaulting to
// 1.0 when no learned value exists. The combined entropy is the same
// weighted average over per-model entropies.
//
// No forecasts at all yields a maximally uncertain (0.5, 6.0, low). When
// every weight is zeroed out, the probability falls back to a plain average
// at entropy 5.0 so the result never earns a tradeable tier.
func Combine(forecasts []ModelForecast, modelWeights map[string]float64, calibration map[CalibrationKey]float64, domain models.Domain, threshold float64) EnsembleResult {
	if len(forecasts) == 0 {
		return EnsembleResult{Probability: 0.5, Entropy: 6.0, Confidence: models.TierLow}
	}

	var weightedSum, weightTotal, entropySum float64
	for _, f := range forecasts {
		mw, ok := modelWeights[f.Model]
		if !ok {
			mw = 1.0
		}
		dw, ok := calibration[CalibrationKey{Domain: domain, Model: f.Model}]
		if !ok {
			dw = 1.0
		}
		w := mw * dw
		if w <= 0 {
			continue
		}
		weightedSum += f.RawProbability * w
		entropySum += f.Entropy * w
		weightTotal += w
	}

	if weightTotal <= 0 {
		var sum float64
		for _, f := range forecasts {
			sum += f.RawProbability
		}
		return EnsembleResult{
			Probability: sum / float64(len(forecasts)),
			Entropy:     5.0,
			Confidence:  models.TierLow,
		}
	}

	entropy := entropySum / weightTotal
	return EnsembleResult{
		Probability: weightedSum / weightTotal,
		Entropy:     entropy,
		Confidence:  ConfidenceTier(entropy, threshold),
	}
}

// BuildCalibrationLookup converts calibration rows into the (domain, model)
// weight lookup Combine consumes.
func BuildCalibrationLookup(rows []models.CalibrationState) map[CalibrationKey]float64 {
	lookup := make(map[CalibrationKey]float64, len(rows))
	for _, row := range rows {
		lookup[CalibrationKey{Domain: row.Domain, Model: row.Model}] = row.DomainWeight
	}
	return lookup
}

// BuildDomainThresholds averages each domain's learned entropy thresholds
// across models. Domains with no learned threshold are absent; callers fall
// back to the configured default.
func BuildDomainThresholds(rows []models.CalibrationState) map[models.Domain]float64 {
	sums := make(map[models.Domain]float64)
	counts := make(map[models.Domain]int)
	for _, row := range rows {
		if row.EntropyThreshold == nil {
			continue
		}
		sums[row.Domain] += *row.EntropyThreshold
		counts[row.Domain]++
	}
	thresholds := make(map[models.Domain]float64, len(sums))
	for domain, sum := range sums {
		thresholds[domain] = sum / float64(counts[domain])
	}
	return thresholds
}
