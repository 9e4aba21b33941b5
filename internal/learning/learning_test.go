package learning

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

func testLearningConfig() config.LearningConfig {
	return config.LearningConfig{
		BatchSize:                10,
		EntropyThresholdDefault:  4.0,
		MinOutcomesForAdaptation: 20,
		ThresholdStep:            0.25,
		ThresholdMin:             1.0,
		ThresholdMax:             8.0,
		CorrectBrierCutoff:       0.20,
		ModelKillBrier:           0.28,
		TournamentMinTrials:      20,
		RetireBrierGap:           0.05,
		MaxVariantsPerDomain:     3,
	}
}

func newTestStore(t *testing.T) store.DataStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 10000)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedOutcomes inserts a market, one forecast per outcome, and the outcomes
// themselves, satisfying the foreign keys the real schema enforces.
func seedOutcomes(t *testing.T, s store.DataStore, domain models.Domain, model, promptVersion string, entropyBriers [][2]float64) {
	t.Helper()
	ctx := context.Background()

	marketID := "polymarket:seed-" + string(domain) + "-" + model + "-" + promptVersion
	err := s.UpsertMarket(ctx, &models.Market{
		ID:          marketID,
		Exchange:    "polymarket",
		Question:    "seed question",
		Domain:      domain,
		MarketPrice: 0.5,
		VolumeUSD:   50000,
		CloseTime:   time.Now().Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}

	for _, eb := range entropyBriers {
		entropy, brier := eb[0], eb[1]
		fid, err := s.SaveForecasts(ctx, []models.Forecast{{
			MarketID:       marketID,
			Model:          model,
			PromptVersion:  promptVersion,
			RawProbability: 0.7,
			Entropy:        entropy,
			ConfidenceTier: models.TierHigh,
		}})
		if err != nil {
			t.Fatalf("failed to seed forecast: %v", err)
		}
		err = s.SaveOutcome(ctx, &models.Outcome{
			MarketID:      marketID,
			ForecastID:    fid,
			Domain:        domain,
			Model:         model,
			PromptVersion: promptVersion,
			PredictedProb: 0.7,
			ActualOutcome: 1,
			Brier:         brier,
			ResolvedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to seed outcome: %v", err)
		}
	}
}

func repeat(entropy, brier float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		out[i] = [2]float64{entropy, brier}
	}
	return out
}

// ============================================================================
// Calibrator
// ============================================================================

func TestBrierToWeight(t *testing.T) {
	cases := []struct {
		brier float64
		want  float64
	}{
		{0.10, 1.5},
		{0.15, 1.2},
		{0.19, 1.2},
		{0.20, 1.0},
		{0.24, 1.0},
		{0.25, 0.7},
		{0.27, 0.7},
		{0.28, 0.3},
		{0.40, 0.3},
	}
	for _, tc := range cases {
		if got := BrierToWeight(tc.brier); got != tc.want {
			t.Errorf("BrierToWeight(%.2f) = %.2f, want %.2f", tc.brier, got, tc.want)
		}
	}
}

func TestCalibratorSkipsSmallBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v1-baseline", repeat(2.0, 0.10, 5))

	cal := NewCalibrator(s, testLearningConfig(), zerolog.Nop())
	if err := cal.Run(ctx); err != nil {
		t.Fatalf("calibration failed: %v", err)
	}

	rows, err := s.GetCalibration(ctx)
	if err != nil {
		t.Fatalf("failed to read calibration: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no calibration rows below batch size, got %d", len(rows))
	}
}

func TestCalibratorUpdatesDomainWeights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v1-baseline", repeat(2.0, 0.10, 8))
	seedOutcomes(t, s, models.DomainSports, "m1", "v1-baseline", repeat(2.0, 0.30, 8))

	cal := NewCalibrator(s, testLearningConfig(), zerolog.Nop())
	if err := cal.Run(ctx); err != nil {
		t.Fatalf("calibration failed: %v", err)
	}

	rows, err := s.GetCalibration(ctx)
	if err != nil {
		t.Fatalf("failed to read calibration: %v", err)
	}
	byDomain := make(map[models.Domain]models.CalibrationState)
	for _, r := range rows {
		byDomain[r.Domain] = r
	}

	if got := byDomain[models.DomainPolitics].DomainWeight; got != 1.5 {
		t.Errorf("expected politics weight 1.5 at Brier 0.10, got %.2f", got)
	}
	if got := byDomain[models.DomainSports].DomainWeight; got != 0.3 {
		t.Errorf("expected sports weight 0.3 at Brier 0.30, got %.2f", got)
	}
	if n := byDomain[models.DomainPolitics].NResolved; n != 8 {
		t.Errorf("expected n_resolved 8, got %d", n)
	}
}

// ============================================================================
// Selector
// ============================================================================

func testRoster() []config.ModelConfig {
	return []config.ModelConfig{
		{ID: "m1", Provider: "openai", Weight: 1.0, HasLogprobs: true},
		{ID: "m2", Provider: "openai", Weight: 1.0, HasLogprobs: true},
		{ID: "m3", Provider: "anthropic", Weight: 0.8},
	}
}

func TestSelectorKillSwitch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// m1 is a consistently bad model, m2 and m3 are solid.
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v1-baseline", repeat(2.0, 0.30, 20))
	seedOutcomes(t, s, models.DomainPolitics, "m2", "v1-baseline", repeat(2.0, 0.15, 20))
	seedOutcomes(t, s, models.DomainPolitics, "m3", "v1-baseline", repeat(2.0, 0.15, 20))

	sel := NewSelector(s, testRoster(), testLearningConfig(), zerolog.Nop())
	weights, err := sel.Run(ctx)
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}

	if weights["m1"] != 0 {
		t.Errorf("expected kill switch to zero m1, got %.4f", weights["m1"])
	}
	sum := weights["m2"] + weights["m3"]
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("expected surviving weights to sum to 1, got %.4f", sum)
	}
	if weights["m2"] != weights["m3"] {
		t.Errorf("models with equal Brier should end up with equal weight: %.4f vs %.4f",
			weights["m2"], weights["m3"])
	}

	persisted, err := s.GetModelWeights(ctx)
	if err != nil {
		t.Fatalf("failed to read weights: %v", err)
	}
	if persisted["m1"].Weight != 0 {
		t.Errorf("expected killed weight persisted as 0, got %.4f", persisted["m1"].Weight)
	}
	if persisted["m1"].RollingBrier == nil || *persisted["m1"].RollingBrier < 0.29 {
		t.Error("expected rolling brier persisted for killed model")
	}
}

func TestSelectorKeepsPriorWeightWithoutData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sel := NewSelector(s, testRoster(), testLearningConfig(), zerolog.Nop())
	weights, err := sel.Run(ctx)
	if err != nil {
		t.Fatalf("selection failed: %v", err)
	}

	// No outcomes at all: config defaults survive, normalised to sum 1.
	total := weights["m1"] + weights["m2"] + weights["m3"]
	if total < 0.999 || total > 1.001 {
		t.Errorf("expected weights to sum to 1, got %.4f", total)
	}
	if weights["m3"] >= weights["m1"] {
		t.Errorf("expected m3's lower default to persist through normalisation: %.4f vs %.4f",
			weights["m3"], weights["m1"])
	}
}

func TestSelectorCurrentWeightsFallsBackToDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sel := NewSelector(s, testRoster(), testLearningConfig(), zerolog.Nop())
	weights, err := sel.CurrentWeights(ctx)
	if err != nil {
		t.Fatalf("failed to load weights: %v", err)
	}
	if weights["m1"] != 1.0 || weights["m3"] != 0.8 {
		t.Errorf("expected roster defaults, got %v", weights)
	}
}

// ============================================================================
// Threshold adapter
// ============================================================================

func TestThresholdTightensOnStrongSeparation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := testLearningConfig()

	// Low-entropy forecasts are right 70% of the time, high-entropy only 50%.
	points := make([][2]float64, 0, 30)
	points = append(points, repeat(2.0, 0.10, 14)...) // below tau, correct
	points = append(points, repeat(2.0, 0.40, 6)...)  // below tau, incorrect
	points = append(points, repeat(6.0, 0.10, 5)...)  // above tau, correct
	points = append(points, repeat(6.0, 0.40, 5)...)  // above tau, incorrect
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v1-baseline", points)

	// Adaptation only writes tau onto existing calibration rows.
	if err := s.UpsertCalibration(ctx, &models.CalibrationState{
		Domain: models.DomainPolitics, Model: "m1", BrierScore: 0.2, NResolved: 30, DomainWeight: 1.0,
	}); err != nil {
		t.Fatalf("failed to seed calibration: %v", err)
	}

	adapter := NewThresholdAdapter(s, cfg, zerolog.Nop())
	adapted, err := adapter.Run(ctx)
	if err != nil {
		t.Fatalf("adaptation failed: %v", err)
	}

	got, ok := adapted[models.DomainPolitics]
	if !ok {
		t.Fatal("expected politics threshold to adapt")
	}
	if got != 3.75 {
		t.Errorf("expected tau tightened to 3.75, got %.2f", got)
	}

	rows, err := s.GetCalibration(ctx)
	if err != nil {
		t.Fatalf("failed to read calibration: %v", err)
	}
	for _, r := range rows {
		if r.Domain != models.DomainPolitics {
			continue
		}
		if r.EntropyThreshold == nil || *r.EntropyThreshold != 3.75 {
			t.Errorf("expected tau 3.75 persisted on %s/%s", r.Domain, r.Model)
		}
	}
}

func TestThresholdWidensWithoutSeparation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same accuracy on both sides of tau: entropy carries no signal.
	points := make([][2]float64, 0, 24)
	points = append(points, repeat(2.0, 0.10, 6)...)
	points = append(points, repeat(2.0, 0.40, 6)...)
	points = append(points, repeat(6.0, 0.10, 6)...)
	points = append(points, repeat(6.0, 0.40, 6)...)
	seedOutcomes(t, s, models.DomainFinance, "m1", "v1-baseline", points)

	if err := s.UpsertCalibration(ctx, &models.CalibrationState{
		Domain: models.DomainFinance, Model: "m1", BrierScore: 0.25, NResolved: 24, DomainWeight: 1.0,
	}); err != nil {
		t.Fatalf("failed to seed calibration: %v", err)
	}

	adapter := NewThresholdAdapter(s, testLearningConfig(), zerolog.Nop())
	adapted, err := adapter.Run(ctx)
	if err != nil {
		t.Fatalf("adaptation failed: %v", err)
	}
	if got := adapted[models.DomainFinance]; got != 4.25 {
		t.Errorf("expected tau widened to 4.25, got %.2f", got)
	}
}

func TestThresholdSkipsThinDomains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOutcomes(t, s, models.DomainSports, "m1", "v1-baseline", repeat(2.0, 0.10, 5))

	adapter := NewThresholdAdapter(s, testLearningConfig(), zerolog.Nop())
	adapted, err := adapter.Run(ctx)
	if err != nil {
		t.Fatalf("adaptation failed: %v", err)
	}
	if len(adapted) != 0 {
		t.Errorf("expected no adaptation below the minimum outcome count, got %v", adapted)
	}
}

func TestAdaptClampsAtBounds(t *testing.T) {
	cfg := testLearningConfig()
	adapter := NewThresholdAdapter(nil, cfg, zerolog.Nop())

	// Strong separation at the floor stays at the floor.
	points := []entropyPoint{}
	for i := 0; i < 10; i++ {
		points = append(points, entropyPoint{entropy: 0.5, correct: true})
		points = append(points, entropyPoint{entropy: 2.0, correct: false})
	}
	if got := adapter.adapt(points, 1.0); got != 1.0 {
		t.Errorf("expected tau clamped at 1.0, got %.2f", got)
	}

	// No separation at the ceiling stays at the ceiling.
	points = []entropyPoint{}
	for i := 0; i < 10; i++ {
		points = append(points, entropyPoint{entropy: 7.0, correct: true})
		points = append(points, entropyPoint{entropy: 8.5, correct: true})
	}
	if got := adapter.adapt(points, 8.0); got != 8.0 {
		t.Errorf("expected tau clamped at 8.0, got %.2f", got)
	}
}

// ============================================================================
// Prompt tournament
// ============================================================================

func TestTournamentRetiresUnderperformer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cfg := testLearningConfig()

	evolver := NewEvolver(s, nil, "gpt-4.1", cfg, zerolog.Nop())
	if err := evolver.Seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// v1-baseline wins at Brier 0.18, v2-cot trails at 0.30 over 25 trials.
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v1-baseline", repeat(2.0, 0.18, 25))
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v2-cot", repeat(2.0, 0.30, 25))

	if err := evolver.RunTournament(ctx, ""); err != nil {
		t.Fatalf("tournament failed: %v", err)
	}

	remaining, err := s.GetActivePrompts(ctx, "")
	if err != nil {
		t.Fatalf("failed to read prompts: %v", err)
	}
	versions := make(map[string]models.PromptExperiment)
	for _, p := range remaining {
		versions[p.Version] = p
	}
	if _, ok := versions["v2-cot"]; ok {
		t.Error("expected v2-cot retired at Brier gap > 0.05")
	}
	winner, ok := versions["v1-baseline"]
	if !ok {
		t.Fatal("expected v1-baseline to survive")
	}
	if winner.NTrials != 25 {
		t.Errorf("expected winner trials recorded as 25, got %d", winner.NTrials)
	}
	if winner.MeanBrier == nil || *winner.MeanBrier > 0.19 {
		t.Error("expected winner mean brier recorded near 0.18")
	}
}

func TestTournamentSkipsThinVariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evolver := NewEvolver(s, nil, "gpt-4.1", testLearningConfig(), zerolog.Nop())
	if err := evolver.Seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	seedOutcomes(t, s, models.DomainPolitics, "m1", "v2-cot", repeat(2.0, 0.40, 5))

	if err := evolver.RunTournament(ctx, ""); err != nil {
		t.Fatalf("tournament failed: %v", err)
	}

	remaining, err := s.GetActivePrompts(ctx, "")
	if err != nil {
		t.Fatalf("failed to read prompts: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("expected both seeds to survive below min trials, got %d", len(remaining))
	}
}

func TestActivePromptFallsBackToGlobal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evolver := NewEvolver(s, nil, "gpt-4.1", testLearningConfig(), zerolog.Nop())
	if err := evolver.Seed(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	version, template, err := evolver.ActivePrompt(ctx, models.DomainSports)
	if err != nil {
		t.Fatalf("failed to pick prompt: %v", err)
	}
	if version != "v1-baseline" && version != "v2-cot" {
		t.Errorf("expected a seeded global variant, got %s", version)
	}
	if template == "" {
		t.Error("expected a non-empty template")
	}
}

func TestActivePromptBuiltinFallback(t *testing.T) {
	s := newTestStore(t)
	evolver := NewEvolver(s, nil, "gpt-4.1", testLearningConfig(), zerolog.Nop())

	version, template, err := evolver.ActivePrompt(context.Background(), models.DomainPolitics)
	if err != nil {
		t.Fatalf("failed to pick prompt: %v", err)
	}
	if version != "v1-baseline" || template != PromptV1 {
		t.Errorf("expected builtin baseline with no seeded prompts, got %s", version)
	}
}

func TestPromptTemplatesCarryAllPlaceholders(t *testing.T) {
	for _, template := range []string{PromptV1, PromptV2} {
		for _, ph := range requiredPlaceholders {
			if !strings.Contains(template, ph) {
				t.Errorf("template missing placeholder %s", ph)
			}
		}
	}
}
