package config

import (
	"math"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Trading.Mode != "paper" {
		t.Errorf("mode = %q, want paper", cfg.Trading.Mode)
	}
	if math.Abs(cfg.Trading.MinEdge-0.05) > 1e-9 {
		t.Errorf("min_edge = %v, want 0.05", cfg.Trading.MinEdge)
	}
	if cfg.News.Provider != "tavily" {
		t.Errorf("news provider = %q, want tavily", cfg.News.Provider)
	}
	if len(cfg.LLM.Models) == 0 {
		t.Error("expected a default model roster")
	}
}

func TestLoadBareEnvNames(t *testing.T) {
	t.Setenv("MIN_EDGE", "0.08")
	t.Setenv("KELLY_FRACTION", "0.5")
	t.Setenv("MAX_POSITION_PCT", "0.10")
	t.Setenv("MAX_OPEN_POSITIONS", "7")
	t.Setenv("VIRTUAL_BANKROLL", "5000")
	t.Setenv("MIN_VOLUME_USD", "25000")
	t.Setenv("LEARNING_BATCH_SIZE", "15")
	t.Setenv("ENTROPY_THRESHOLD_DEFAULT", "3.0")
	t.Setenv("PROMPT_TOURNAMENT_MIN_TRIALS", "30")
	t.Setenv("MODEL_KILL_BRIER", "0.30")
	t.Setenv("NEWS_SEARCH_PROVIDER", "brave")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if math.Abs(cfg.Trading.MinEdge-0.08) > 1e-9 {
		t.Errorf("min_edge = %v, want 0.08", cfg.Trading.MinEdge)
	}
	if math.Abs(cfg.Trading.KellyFraction-0.5) > 1e-9 {
		t.Errorf("kelly_fraction = %v, want 0.5", cfg.Trading.KellyFraction)
	}
	if math.Abs(cfg.Trading.MaxPositionPct-0.10) > 1e-9 {
		t.Errorf("max_position_pct = %v, want 0.10", cfg.Trading.MaxPositionPct)
	}
	if cfg.Trading.MaxOpenPositions != 7 {
		t.Errorf("max_open_positions = %d, want 7", cfg.Trading.MaxOpenPositions)
	}
	if math.Abs(cfg.Trading.VirtualBankroll-5000) > 1e-9 {
		t.Errorf("virtual_bankroll = %v, want 5000", cfg.Trading.VirtualBankroll)
	}
	if math.Abs(cfg.Scan.MinVolumeUSD-25000) > 1e-9 {
		t.Errorf("min_volume_usd = %v, want 25000", cfg.Scan.MinVolumeUSD)
	}
	if cfg.Learning.BatchSize != 15 {
		t.Errorf("batch_size = %d, want 15", cfg.Learning.BatchSize)
	}
	if math.Abs(cfg.Learning.EntropyThresholdDefault-3.0) > 1e-9 {
		t.Errorf("entropy_threshold_default = %v, want 3.0", cfg.Learning.EntropyThresholdDefault)
	}
	if cfg.Learning.TournamentMinTrials != 30 {
		t.Errorf("tournament_min_trials = %d, want 30", cfg.Learning.TournamentMinTrials)
	}
	if math.Abs(cfg.Learning.ModelKillBrier-0.30) > 1e-9 {
		t.Errorf("model_kill_brier = %v, want 0.30", cfg.Learning.ModelKillBrier)
	}
	if cfg.News.Provider != "brave" {
		t.Errorf("news provider = %q, want brave", cfg.News.Provider)
	}
}

func TestPrefixedEnvWinsOverBareAlias(t *testing.T) {
	t.Setenv("TRADING_MIN_EDGE", "0.07")
	t.Setenv("MIN_EDGE", "0.09")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if math.Abs(cfg.Trading.MinEdge-0.07) > 1e-9 {
		t.Errorf("min_edge = %v, want prefixed 0.07", cfg.Trading.MinEdge)
	}
}

func TestPaperModeSwitch(t *testing.T) {
	t.Setenv("PAPER_MODE", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Trading.Mode != "live" || cfg.IsPaperMode() {
		t.Errorf("mode = %q, want live", cfg.Trading.Mode)
	}

	t.Setenv("PAPER_MODE", "true")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsPaperMode() {
		t.Errorf("mode = %q, want paper", cfg.Trading.Mode)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("TRADING_MODE", "margin")
	if _, err := Load(); err == nil {
		t.Error("expected validation failure for unknown trading mode")
	}
}
