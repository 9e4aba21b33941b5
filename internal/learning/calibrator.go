// Package learning closes the loop between resolved outcomes and future
// forecasts: per-domain calibration weights, ensemble model selection,
// entropy threshold adaptation, and the prompt A/B tournament.
package learning

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

// RandomBaselineBrier is the Brier score of always forecasting 0.5.
const RandomBaselineBrier = 0.25

const calibrationWindow = 90 * 24 * time.Hour

// A (domain, model) group needs this many resolved outcomes before its
// mean Brier is considered a reliable estimate.
const minGroupSamples = 3

// Calibrator updates per-(domain, model) weights from recent outcomes.
type Calibrator struct {
	store  store.DataStore
	cfg    config.LearningConfig
	logger zerolog.Logger
}

// NewCalibrator creates a domain calibrator.
func NewCalibrator(s store.DataStore, cfg config.LearningConfig, logger zerolog.Logger) *Calibrator {
	return &Calibrator{
		store:  s,
		cfg:    cfg,
		logger: logger.With().Str("component", "calibrator").Logger(),
	}
}

// Run recomputes rolling Brier per (domain, model) over the last 90 days and
// maps each onto a domain weight. Runs with fewer outcomes than the learning
// batch size are skipped entirely.
func (c *Calibrator) Run(ctx context.Context) error {
	since := time.Now().UTC().Add(-calibrationWindow)
	outcomes, err := c.store.GetOutcomesSince(ctx, since)
	if err != nil {
		return err
	}
	if len(outcomes) < c.cfg.BatchSize {
		c.logger.Info().
			Int("outcomes", len(outcomes)).
			Int("needed", c.cfg.BatchSize).
			Msg("too few outcomes, skipping calibration")
		return nil
	}

	type groupKey struct {
		domain models.Domain
		model  string
	}
	groups := make(map[groupKey][]float64)
	for _, o := range outcomes {
		k := groupKey{domain: o.Domain, model: o.Model}
		groups[k] = append(groups[k], o.Brier)
	}

	for k, briers := range groups {
		if len(briers) < minGroupSamples {
			continue
		}
		var sum float64
		for _, b := range briers {
			sum += b
		}
		meanBrier := sum / float64(len(briers))
		weight := BrierToWeight(meanBrier)

		err := c.store.UpsertCalibration(ctx, &models.CalibrationState{
			Domain:       k.domain,
			Model:        k.model,
			BrierScore:   meanBrier,
			NResolved:    len(briers),
			DomainWeight: weight,
		})
		if err != nil {
			return err
		}

		evt := c.logger.Info()
		if meanBrier > RandomBaselineBrier {
			evt = c.logger.Warn().Bool("worse_than_random", true)
		}
		evt.Str("domain", string(k.domain)).
			Str("model", k.model).
			Float64("brier", meanBrier).
			Int("n", len(briers)).
			Float64("weight", weight).
			Msg("calibration updated")
	}
	return nil
}

// DomainWeight returns the learned weight for a (domain, model) pair,
// defaulting to 1.0 when no calibration row exists yet.
func (c *Calibrator) DomainWeight(ctx context.Context, domain models.Domain, model string) (float64, error) {
	rows, err := c.store.GetCalibration(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		if r.Domain == domain && r.Model == model {
			return r.DomainWeight, nil
		}
	}
	return 1.0, nil
}

// BrierToWeight maps a mean Brier score onto a domain weight multiplier.
// Scores below 0.15 boost a domain, scores past the random baseline
// suppress it towards the trade filter floor.
func BrierToWeight(brier float64) float64 {
	switch {
	case brier < 0.15:
		return 1.5
	case brier < 0.20:
		return 1.2
	case brier < RandomBaselineBrier:
		return 1.0
	case brier < 0.28:
		return 0.7
	default:
		return 0.3
	}
}
