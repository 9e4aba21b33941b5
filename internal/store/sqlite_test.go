package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"prediction-trader/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, 10000)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMarket(id string) *models.Market {
	return &models.Market{
		ID:          id,
		Exchange:    "polymarket",
		Question:    "Will the incumbent win the 2028 election?",
		Domain:      models.DomainPolitics,
		MarketPrice: 0.40,
		VolumeUSD:   50000,
		CloseTime:   time.Now().Add(30 * 24 * time.Hour).UTC(),
	}
}

func TestMarketUpsertPreservesDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMarket("polymarket:m1")
	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	// Second upsert with a new price but no domain must keep the old domain.
	update := testMarket("polymarket:m1")
	update.Domain = ""
	update.MarketPrice = 0.55
	if err := s.UpsertMarket(ctx, update); err != nil {
		t.Fatalf("UpsertMarket update: %v", err)
	}

	got, err := s.GetMarket(ctx, "polymarket:m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got == nil {
		t.Fatal("market not found after upsert")
	}
	if got.MarketPrice != 0.55 {
		t.Errorf("price = %v, want 0.55", got.MarketPrice)
	}
	if got.Domain != models.DomainPolitics {
		t.Errorf("domain = %q, want politics (earliest-set domain must survive)", got.Domain)
	}
}

func TestMarketUpsertPreservesDedupGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := testMarket("kalshi:k1")
	m.Exchange = "kalshi"
	m.DedupGroup = "polymarket:m1"
	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	update := testMarket("kalshi:k1")
	update.Exchange = "kalshi"
	update.DedupGroup = ""
	if err := s.UpsertMarket(ctx, update); err != nil {
		t.Fatalf("UpsertMarket update: %v", err)
	}

	got, err := s.GetMarket(ctx, "kalshi:k1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.DedupGroup != "polymarket:m1" {
		t.Errorf("dedup_group = %q, want polymarket:m1", got.DedupGroup)
	}
}

func TestGetMarketMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetMarket(context.Background(), "polymarket:absent")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing market, got %+v", got)
	}
}

func TestMarkResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMarket(ctx, testMarket("polymarket:m2")); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	if err := s.MarkResolved(ctx, "polymarket:m2", 1); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	got, _ := s.GetMarket(ctx, "polymarket:m2")
	if !got.Resolved {
		t.Error("market not resolved")
	}
	if got.Outcome == nil || *got.Outcome != 1 {
		t.Errorf("outcome = %v, want 1", got.Outcome)
	}

	active, err := s.GetActiveMarkets(ctx, "")
	if err != nil {
		t.Fatalf("GetActiveMarkets: %v", err)
	}
	for _, m := range active {
		if m.ID == "polymarket:m2" {
			t.Error("resolved market listed as active")
		}
	}

	if err := s.MarkResolved(ctx, "polymarket:absent", 0); err == nil {
		t.Error("expected error resolving missing market")
	}
}

func TestForecastRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMarket(ctx, testMarket("polymarket:m3")); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	forecasts := []models.Forecast{
		{MarketID: "polymarket:m3", Model: "claude-sonnet-4-6", PromptVersion: "v1-baseline",
			RawProbability: 0.75, Entropy: 2.0, EnsembleProbability: 0.7233,
			ConfidenceTier: models.TierHigh, ReasoningExcerpt: "strong polling lead", NewsUsed: true},
		{MarketID: "polymarket:m3", Model: "gpt-4.1", PromptVersion: "v1-baseline",
			RawProbability: 0.72, Entropy: 2.0, EnsembleProbability: 0.7233,
			ConfidenceTier: models.TierHigh, NewsUsed: true},
	}

	lastID, err := s.SaveForecasts(ctx, forecasts)
	if err != nil {
		t.Fatalf("SaveForecasts: %v", err)
	}
	if lastID == 0 {
		t.Fatal("expected nonzero last forecast id")
	}

	got, err := s.GetForecasts(ctx, "polymarket:m3")
	if err != nil {
		t.Fatalf("GetForecasts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d forecasts, want 2", len(got))
	}
	if got[0].Model != "claude-sonnet-4-6" || got[0].RawProbability != 0.75 {
		t.Errorf("first forecast mismatch: %+v", got[0])
	}
	if !got[0].NewsUsed {
		t.Error("news_used not persisted")
	}

	latest, err := s.GetLatestForecast(ctx, "polymarket:m3")
	if err != nil {
		t.Fatalf("GetLatestForecast: %v", err)
	}
	if latest.ID != lastID || latest.Model != "gpt-4.1" {
		t.Errorf("latest forecast = %+v, want id %d", latest, lastID)
	}

	entropies, err := s.GetForecastEntropies(ctx, []int64{got[0].ID, got[1].ID})
	if err != nil {
		t.Fatalf("GetForecastEntropies: %v", err)
	}
	if entropies[got[0].ID] != 2.0 {
		t.Errorf("entropy = %v, want 2.0", entropies[got[0].ID])
	}
}

func TestTradePositionQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMarket(ctx, testMarket("polymarket:m4")); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	has, err := s.HasPosition(ctx, "polymarket:m4")
	if err != nil {
		t.Fatalf("HasPosition: %v", err)
	}
	if has {
		t.Error("unexpected position before any trade")
	}

	trade := &models.Trade{
		MarketID: "polymarket:m4", Exchange: "polymarket", Side: models.SideYes,
		SizeUnits: 12.5, Price: 0.40, KellyFraction: 0.05, Edge: 0.32, IsPaper: true,
	}
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if trade.ID == 0 {
		t.Error("trade id not set on insert")
	}

	has, _ = s.HasPosition(ctx, "polymarket:m4")
	if !has {
		t.Error("position not found after trade")
	}

	count, err := s.CountOpenPositions(ctx)
	if err != nil {
		t.Fatalf("CountOpenPositions: %v", err)
	}
	if count != 1 {
		t.Errorf("open positions = %d, want 1", count)
	}

	// Resolution closes the position.
	if err := s.MarkResolved(ctx, "polymarket:m4", 1); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	count, _ = s.CountOpenPositions(ctx)
	if count != 0 {
		t.Errorf("open positions after resolution = %d, want 0", count)
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &models.Outcome{
		MarketID: "polymarket:m5", ForecastID: 1, Domain: models.DomainPolitics,
		Model: "gpt-4.1", PromptVersion: "v1-baseline",
		PredictedProb: 0.75, ActualOutcome: 1, Brier: 0.0625,
		ResolvedAt: time.Now().UTC(),
	}
	if err := s.SaveOutcome(ctx, o); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}

	got, err := s.GetOutcomesSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetOutcomesSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(got))
	}
	if got[0].Brier != 0.0625 || got[0].Domain != models.DomainPolitics {
		t.Errorf("outcome mismatch: %+v", got[0])
	}

	old, err := s.GetOutcomesSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetOutcomesSince future: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("expected no outcomes after future cutoff, got %d", len(old))
	}
}

func TestCalibrationThresholdSurvivesUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tau := 3.75
	if err := s.UpsertCalibration(ctx, &models.CalibrationState{
		Domain: models.DomainPolitics, Model: "gpt-4.1",
		BrierScore: 0.18, NResolved: 10, DomainWeight: 1.2, EntropyThreshold: &tau,
	}); err != nil {
		t.Fatalf("UpsertCalibration: %v", err)
	}

	// Calibrator run without a threshold must not clobber it.
	if err := s.UpsertCalibration(ctx, &models.CalibrationState{
		Domain: models.DomainPolitics, Model: "gpt-4.1",
		BrierScore: 0.22, NResolved: 15, DomainWeight: 1.0,
	}); err != nil {
		t.Fatalf("UpsertCalibration update: %v", err)
	}

	rows, err := s.GetCalibration(ctx)
	if err != nil {
		t.Fatalf("GetCalibration: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d calibration rows, want 1", len(rows))
	}
	if rows[0].BrierScore != 0.22 || rows[0].DomainWeight != 1.0 {
		t.Errorf("calibration not updated: %+v", rows[0])
	}
	if rows[0].EntropyThreshold == nil || *rows[0].EntropyThreshold != 3.75 {
		t.Errorf("entropy threshold lost on upsert: %+v", rows[0].EntropyThreshold)
	}
}

func TestUpdateDomainThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, model := range []string{"gpt-4.1", "deepseek-chat"} {
		if err := s.UpsertCalibration(ctx, &models.CalibrationState{
			Domain: models.DomainPolitics, Model: model, DomainWeight: 1.0,
		}); err != nil {
			t.Fatalf("UpsertCalibration: %v", err)
		}
	}
	if err := s.UpsertCalibration(ctx, &models.CalibrationState{
		Domain: models.DomainSports, Model: "gpt-4.1", DomainWeight: 1.0,
	}); err != nil {
		t.Fatalf("UpsertCalibration: %v", err)
	}

	if err := s.UpdateDomainThreshold(ctx, models.DomainPolitics, 3.75); err != nil {
		t.Fatalf("UpdateDomainThreshold: %v", err)
	}

	rows, _ := s.GetCalibration(ctx)
	for _, c := range rows {
		switch c.Domain {
		case models.DomainPolitics:
			if c.EntropyThreshold == nil || *c.EntropyThreshold != 3.75 {
				t.Errorf("politics/%s threshold = %v, want 3.75", c.Model, c.EntropyThreshold)
			}
		case models.DomainSports:
			if c.EntropyThreshold != nil {
				t.Errorf("sports threshold = %v, want nil", *c.EntropyThreshold)
			}
		}
	}
}

func TestModelWeightRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	brier := 0.19
	if err := s.UpsertModelWeight(ctx, &models.ModelWeight{
		Model: "gpt-4.1", Weight: 0.6, RollingBrier: &brier, NResolved: 30,
	}); err != nil {
		t.Fatalf("UpsertModelWeight: %v", err)
	}
	if err := s.UpsertModelWeight(ctx, &models.ModelWeight{
		Model: "gpt-4.1", Weight: 0.4, NResolved: 45,
	}); err != nil {
		t.Fatalf("UpsertModelWeight update: %v", err)
	}

	weights, err := s.GetModelWeights(ctx)
	if err != nil {
		t.Fatalf("GetModelWeights: %v", err)
	}
	w, ok := weights["gpt-4.1"]
	if !ok {
		t.Fatal("model weight not found")
	}
	if w.Weight != 0.4 || w.NResolved != 45 {
		t.Errorf("weight = %+v, want 0.4/45", w)
	}
	if w.RollingBrier != nil {
		t.Errorf("rolling brier = %v, want nil after update without one", *w.RollingBrier)
	}
}

func TestSeedPromptsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seeds := []models.PromptExperiment{
		{Version: "v1-baseline", Template: "Forecast {question} in {domain} given {news_context} at {market_price}.", Active: true},
		{Version: "v2-cot", Template: "Think step by step about {question} ({domain}); news: {news_context}; price {market_price}.", Active: true},
	}
	if err := s.SeedPrompts(ctx, seeds); err != nil {
		t.Fatalf("SeedPrompts: %v", err)
	}

	// A trial recorded between seed runs must survive re-seeding.
	updated := seeds[0]
	updated.NTrials = 7
	if err := s.SavePrompt(ctx, &updated); err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}
	if err := s.SeedPrompts(ctx, seeds); err != nil {
		t.Fatalf("SeedPrompts again: %v", err)
	}

	prompts, err := s.GetActivePrompts(ctx, "")
	if err != nil {
		t.Fatalf("GetActivePrompts: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("got %d global prompts, want 2", len(prompts))
	}
	for _, p := range prompts {
		if p.Version == "v1-baseline" && p.NTrials != 7 {
			t.Errorf("re-seeding clobbered trials: %+v", p)
		}
	}
}

func TestRetirePrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.PromptExperiment{
		Version: "v-evolved-abcd1234", Domain: models.DomainPolitics,
		Template: "{question} {domain} {news_context} {market_price}", Active: true,
	}
	if err := s.SavePrompt(ctx, p); err != nil {
		t.Fatalf("SavePrompt: %v", err)
	}

	if err := s.RetirePrompt(ctx, "v-evolved-abcd1234"); err != nil {
		t.Fatalf("RetirePrompt: %v", err)
	}

	prompts, _ := s.GetActivePrompts(ctx, models.DomainPolitics)
	if len(prompts) != 0 {
		t.Errorf("retired prompt still active: %+v", prompts)
	}

	if err := s.RetirePrompt(ctx, "v-missing"); err == nil {
		t.Error("expected error retiring unknown prompt")
	}
}

func TestPortfolioSeedAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.GetPortfolio(ctx)
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if p.Cash != 10000 || p.TotalValue != 10000 {
		t.Errorf("seeded portfolio = %+v, want 10000/10000", p)
	}

	if err := s.UpdatePortfolio(ctx, 9500, 10020); err != nil {
		t.Fatalf("UpdatePortfolio: %v", err)
	}
	p, _ = s.GetPortfolio(ctx)
	if p.Cash != 9500 || p.TotalValue != 10020 {
		t.Errorf("updated portfolio = %+v", p)
	}

	// Re-running schema init must not reset the bankroll.
	if err := s.initSchema(10000); err != nil {
		t.Fatalf("initSchema: %v", err)
	}
	p, _ = s.GetPortfolio(ctx)
	if p.Cash != 9500 {
		t.Errorf("re-init reset cash to %v", p.Cash)
	}
}

func TestLLMCostLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total, err := s.TotalLLMSpend(ctx)
	if err != nil {
		t.Fatalf("TotalLLMSpend: %v", err)
	}
	if total != 0 {
		t.Errorf("empty ledger spend = %v, want 0", total)
	}

	for _, c := range []models.LLMCost{
		{Model: "gpt-4.1", InputTokens: 500, OutputTokens: 100, CostUSD: 0.0018, CallType: "forecast"},
		{Model: "claude-haiku-4-5-20251001", InputTokens: 120, OutputTokens: 20, CostUSD: 0.0002, CallType: "classify"},
	} {
		cost := c
		if err := s.LogLLMCost(ctx, &cost); err != nil {
			t.Fatalf("LogLLMCost: %v", err)
		}
	}

	total, _ = s.TotalLLMSpend(ctx)
	if diff := total - 0.0020; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total spend = %v, want 0.0020", total)
	}
}

func TestGetUnforecastedMarkets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertMarket(ctx, testMarket("polymarket:m6")); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}
	if err := s.UpsertMarket(ctx, testMarket("polymarket:m7")); err != nil {
		t.Fatalf("UpsertMarket: %v", err)
	}

	if _, err := s.SaveForecasts(ctx, []models.Forecast{{
		MarketID: "polymarket:m6", Model: "gpt-4.1", RawProbability: 0.5,
		Entropy: 3.0, EnsembleProbability: 0.5, ConfidenceTier: models.TierMedium,
	}}); err != nil {
		t.Fatalf("SaveForecasts: %v", err)
	}

	markets, err := s.GetUnforecastedMarkets(ctx, 4*time.Hour)
	if err != nil {
		t.Fatalf("GetUnforecastedMarkets: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "polymarket:m7" {
		t.Errorf("unforecasted = %+v, want only polymarket:m7", markets)
	}
}
