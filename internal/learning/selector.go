package learning

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

const selectionWindow = 30 * 24 * time.Hour

// Selector reranks the model roster by rolling 30-day Brier score. Models
// past the kill threshold drop to weight zero and leave the rotation.
type Selector struct {
	store  store.DataStore
	roster []config.ModelConfig
	cfg    config.LearningConfig
	logger zerolog.Logger
}

// NewSelector creates a model selector over the configured roster.
func NewSelector(s store.DataStore, roster []config.ModelConfig, cfg config.LearningConfig, logger zerolog.Logger) *Selector {
	return &Selector{
		store:  s,
		roster: roster,
		cfg:    cfg,
		logger: logger.With().Str("component", "selector").Logger(),
	}
}

// Run recomputes model weights and persists them. Surviving weights are
// normalised to sum to 1. Models with no resolved outcomes in the window
// keep their prior weight. Returns the new weight map.
func (s *Selector) Run(ctx context.Context) (map[string]float64, error) {
	since := time.Now().UTC().Add(-selectionWindow)
	outcomes, err := s.store.GetOutcomesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetModelWeights(ctx)
	if err != nil {
		return nil, err
	}

	modelBriers := make(map[string][]float64)
	for _, o := range outcomes {
		if o.Model != "" {
			modelBriers[o.Model] = append(modelBriers[o.Model], o.Brier)
		}
	}

	weights := make(map[string]float64, len(s.roster))
	rolling := make(map[string]*float64, len(s.roster))
	counts := make(map[string]int, len(s.roster))

	for _, cfg := range s.roster {
		briers := modelBriers[cfg.ID]
		if len(briers) == 0 {
			// No data yet, keep whatever weight the model had.
			w := cfg.Weight
			if prior, ok := existing[cfg.ID]; ok {
				w = prior.Weight
			}
			weights[cfg.ID] = w
			continue
		}

		var sum float64
		for _, b := range briers {
			sum += b
		}
		meanBrier := sum / float64(len(briers))
		rolling[cfg.ID] = &meanBrier
		counts[cfg.ID] = len(briers)

		if meanBrier > s.cfg.ModelKillBrier {
			s.logger.Warn().
				Str("model", cfg.ID).
				Float64("brier", meanBrier).
				Float64("kill_brier", s.cfg.ModelKillBrier).
				Msg("kill switch fired, removing model from rotation")
			weights[cfg.ID] = 0
			continue
		}

		// Brier to skill: 1 at a perfect score, 0 at the random baseline.
		skill := 1.0 - meanBrier/RandomBaselineBrier
		if skill < 0.01 {
			skill = 0.01
		}
		weights[cfg.ID] = skill
	}

	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total > 0 {
		for m, w := range weights {
			weights[m] = w / total
		}
	}

	for model, w := range weights {
		err := s.store.UpsertModelWeight(ctx, &models.ModelWeight{
			Model:        model,
			Weight:       w,
			RollingBrier: rolling[model],
			NResolved:    counts[model],
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("model", model).Float64("weight", w).Int("n", counts[model]).Msg("model weight updated")
	}
	return weights, nil
}

// CurrentWeights loads persisted model weights, falling back to roster
// defaults for models the selector has never scored.
func (s *Selector) CurrentWeights(ctx context.Context) (map[string]float64, error) {
	persisted, err := s.store.GetModelWeights(ctx)
	if err != nil {
		return nil, err
	}
	weights := make(map[string]float64, len(s.roster))
	for _, cfg := range s.roster {
		if w, ok := persisted[cfg.ID]; ok {
			weights[cfg.ID] = w.Weight
		} else {
			weights[cfg.ID] = cfg.Weight
		}
	}
	return weights, nil
}
