package learning

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/agents"
	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

const thresholdWindow = 60 * 24 * time.Hour

// entropyPoint pairs a forecast's entropy with whether it turned out correct.
type entropyPoint struct {
	entropy float64
	correct bool
}

// ThresholdAdapter tunes the per-domain entropy threshold tau by measuring
// how well entropy separates correct from incorrect forecasts:
//
//	sep = P(correct | entropy < tau) - P(correct | entropy >= tau)
//
// Strong separation tightens tau, no separation widens it.
type ThresholdAdapter struct {
	store  store.DataStore
	cfg    config.LearningConfig
	logger zerolog.Logger
}

// NewThresholdAdapter creates a threshold adapter.
func NewThresholdAdapter(s store.DataStore, cfg config.LearningConfig, logger zerolog.Logger) *ThresholdAdapter {
	return &ThresholdAdapter{
		store:  s,
		cfg:    cfg,
		logger: logger.With().Str("component", "threshold_adapter").Logger(),
	}
}

// Run adapts every domain with enough recent outcomes and persists the new
// tau onto the domain's existing calibration rows. Returns the new
// per-domain thresholds.
func (a *ThresholdAdapter) Run(ctx context.Context) (map[models.Domain]float64, error) {
	since := time.Now().UTC().Add(-thresholdWindow)
	outcomes, err := a.store.GetOutcomesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	calibration, err := a.store.GetCalibration(ctx)
	if err != nil {
		return nil, err
	}
	current := agents.BuildDomainThresholds(calibration)

	forecastIDs := make([]int64, 0, len(outcomes))
	for _, o := range outcomes {
		forecastIDs = append(forecastIDs, o.ForecastID)
	}
	entropies, err := a.store.GetForecastEntropies(ctx, forecastIDs)
	if err != nil {
		return nil, err
	}

	byDomain := make(map[models.Domain][]entropyPoint)
	for _, o := range outcomes {
		entropy, ok := entropies[o.ForecastID]
		if !ok {
			continue
		}
		byDomain[o.Domain] = append(byDomain[o.Domain], entropyPoint{
			entropy: entropy,
			correct: o.Brier < a.cfg.CorrectBrierCutoff,
		})
	}

	adapted := make(map[models.Domain]float64)
	for domain, points := range byDomain {
		if len(points) < a.cfg.MinOutcomesForAdaptation {
			a.logger.Debug().
				Str("domain", string(domain)).
				Int("points", len(points)).
				Int("needed", a.cfg.MinOutcomesForAdaptation).
				Msg("too few outcomes for threshold adaptation")
			continue
		}

		tau, ok := current[domain]
		if !ok {
			tau = a.cfg.EntropyThresholdDefault
		}
		newTau := a.adapt(points, tau)
		adapted[domain] = newTau

		if err := a.store.UpdateDomainThreshold(ctx, domain, newTau); err != nil {
			return nil, err
		}
		a.logger.Info().
			Str("domain", string(domain)).
			Float64("old_tau", tau).
			Float64("new_tau", newTau).
			Msg("entropy threshold adapted")
	}
	return adapted, nil
}

func (a *ThresholdAdapter) adapt(points []entropyPoint, tau float64) float64 {
	var belowCorrect, belowN, aboveCorrect, aboveN int
	for _, p := range points {
		if p.entropy < tau {
			belowN++
			if p.correct {
				belowCorrect++
			}
		} else {
			aboveN++
			if p.correct {
				aboveCorrect++
			}
		}
	}
	if belowN == 0 || aboveN == 0 {
		return tau
	}

	pBelow := float64(belowCorrect) / float64(belowN)
	pAbove := float64(aboveCorrect) / float64(aboveN)
	separation := pBelow - pAbove

	switch {
	case separation > 0.10:
		// Entropy predicts correctness, tighten the high-confidence gate.
		return clampTau(tau-a.cfg.ThresholdStep, a.cfg.ThresholdMin, a.cfg.ThresholdMax)
	case separation < 0.05:
		// Entropy carries no signal here, be more permissive.
		return clampTau(tau+a.cfg.ThresholdStep, a.cfg.ThresholdMin, a.cfg.ThresholdMax)
	default:
		return tau
	}
}

func clampTau(tau, lo, hi float64) float64 {
	if tau < lo {
		return lo
	}
	if tau > hi {
		return hi
	}
	return tau
}
