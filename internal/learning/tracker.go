package learning

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/exchange"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

// Tracker polls venues for newly resolved markets and writes one outcome
// row per stored forecast, closing the learning loop.
type Tracker struct {
	store    store.DataStore
	clients  []exchange.Client
	lookback time.Duration
	logger   zerolog.Logger
}

// NewTracker creates an outcome tracker over the given venue clients.
func NewTracker(s store.DataStore, clients []exchange.Client, lookback time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:    s,
		clients:  clients,
		lookback: lookback,
		logger:   logger.With().Str("component", "tracker").Logger(),
	}
}

// CheckResolutions polls every venue for markets resolved inside the
// lookback window, marks them resolved, and records a Brier-scored outcome
// for each forecast that was made on them. A failing venue is logged and
// contributes nothing. Returns the number of new outcomes recorded.
func (t *Tracker) CheckResolutions(ctx context.Context) (int, error) {
	since := time.Now().UTC().Add(-t.lookback)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		resolved []models.Market
	)
	for _, client := range t.clients {
		wg.Add(1)
		go func(client exchange.Client) {
			defer wg.Done()
			markets, err := client.ListResolved(ctx, since)
			if err != nil {
				t.logger.Error().Err(err).Str("venue", client.Name()).Msg("resolution check failed")
				return
			}
			mu.Lock()
			resolved = append(resolved, markets...)
			mu.Unlock()
		}(client)
	}
	wg.Wait()

	recorded := 0
	for _, market := range resolved {
		if market.Outcome == nil {
			continue
		}
		if err := t.store.MarkResolved(ctx, market.ID, *market.Outcome); err != nil {
			t.logger.Error().Err(err).Str("market_id", market.ID).Msg("failed to mark market resolved")
			continue
		}

		forecasts, err := t.store.GetForecasts(ctx, market.ID)
		if err != nil {
			t.logger.Error().Err(err).Str("market_id", market.ID).Msg("failed to load forecasts")
			continue
		}
		if len(forecasts) == 0 {
			continue
		}

		domain := market.Domain
		if stored, err := t.store.GetMarket(ctx, market.ID); err == nil && stored != nil {
			domain = stored.Domain
		}

		for _, f := range forecasts {
			diff := f.RawProbability - float64(*market.Outcome)
			outcome := &models.Outcome{
				MarketID:      market.ID,
				ForecastID:    f.ID,
				Domain:        domain,
				Model:         f.Model,
				PromptVersion: f.PromptVersion,
				PredictedProb: f.RawProbability,
				ActualOutcome: *market.Outcome,
				Brier:         diff * diff,
				ResolvedAt:    time.Now().UTC(),
			}
			if err := t.store.SaveOutcome(ctx, outcome); err != nil {
				t.logger.Error().Err(err).Str("market_id", market.ID).Msg("failed to save outcome")
				continue
			}
			recorded++
		}
	}

	if recorded > 0 {
		t.logger.Info().Int("outcomes", recorded).Msg("recorded new outcomes")
	}
	return recorded, nil
}
