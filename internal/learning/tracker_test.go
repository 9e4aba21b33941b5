package learning

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/exchange"
	"prediction-trader/internal/models"
)

type fakeVenue struct {
	name     string
	resolved []models.Market
	err      error
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) ListMarkets(ctx context.Context) ([]models.Market, error) { return nil, nil }

func (f *fakeVenue) Price(ctx context.Context, marketID string) (float64, error) { return 0.5, nil }

func (f *fakeVenue) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*models.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) ListResolved(ctx context.Context, since time.Time) ([]models.Market, error) {
	return f.resolved, f.err
}

func (f *fakeVenue) Close() error { return nil }

func TestTrackerRecordsOutcomePerForecast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	marketID := "polymarket:cond-1"
	err := s.UpsertMarket(ctx, &models.Market{
		ID:          marketID,
		Exchange:    "polymarket",
		Question:    "Will the incumbent win?",
		Domain:      models.DomainPolitics,
		MarketPrice: 0.4,
		VolumeUSD:   50000,
		CloseTime:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	_, err = s.SaveForecasts(ctx, []models.Forecast{
		{MarketID: marketID, Model: "m1", PromptVersion: "v1-baseline", RawProbability: 0.75, Entropy: 2.0, ConfidenceTier: models.TierHigh},
		{MarketID: marketID, Model: "m2", PromptVersion: "v1-baseline", RawProbability: 0.60, Entropy: 2.5, ConfidenceTier: models.TierHigh},
	})
	if err != nil {
		t.Fatalf("failed to seed forecasts: %v", err)
	}

	outcome := 1
	tr := NewTracker(s, []exchange.Client{&fakeVenue{
		name:     "polymarket",
		resolved: []models.Market{{ID: marketID, Exchange: "polymarket", Outcome: &outcome}},
	}}, 26*time.Hour, zerolog.Nop())
	n, err := tr.CheckResolutions(ctx)
	if err != nil {
		t.Fatalf("resolution check failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 outcomes recorded, got %d", n)
	}

	market, err := s.GetMarket(ctx, marketID)
	if err != nil {
		t.Fatalf("failed to read market: %v", err)
	}
	if !market.Resolved || market.Outcome == nil || *market.Outcome != 1 {
		t.Error("expected market marked resolved with outcome 1")
	}

	outcomes, err := s.GetOutcomesSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to read outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcome rows, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		want := (o.PredictedProb - 1) * (o.PredictedProb - 1)
		if math.Abs(o.Brier-want) > 1e-9 {
			t.Errorf("expected brier %.4f for prediction %.2f, got %.4f", want, o.PredictedProb, o.Brier)
		}
		if o.Domain != models.DomainPolitics {
			t.Errorf("expected outcome domain politics, got %s", o.Domain)
		}
	}
}

func TestTrackerToleratesVenueFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := NewTracker(s, []exchange.Client{
		&fakeVenue{name: "polymarket", err: errors.New("boom")},
		&fakeVenue{name: "kalshi"},
	}, 26*time.Hour, zerolog.Nop())
	n, err := tr.CheckResolutions(ctx)
	if err != nil {
		t.Fatalf("expected failing venue to be tolerated, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected no outcomes, got %d", n)
	}
}

func TestTrackerSkipsUnknownResolutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Resolved upstream but with no outcome yet: nothing to record.
	tr := NewTracker(s, []exchange.Client{&fakeVenue{
		name:     "kalshi",
		resolved: []models.Market{{ID: "kalshi:TICKER", Exchange: "kalshi"}},
	}}, 26*time.Hour, zerolog.Nop())
	n, err := tr.CheckResolutions(ctx)
	if err != nil {
		t.Fatalf("resolution check failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no outcomes for unresolved result, got %d", n)
	}
}
