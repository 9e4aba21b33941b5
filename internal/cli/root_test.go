package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

func testCLIConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Trading: config.TradingConfig{
			Mode:             "paper",
			MinEdge:          0.05,
			KellyFraction:    0.25,
			MaxPositionPct:   0.05,
			MaxOpenPositions: 20,
			VirtualBankroll:  10000,
		},
		LLM: config.LLMConfig{Concurrency: 3, Models: config.DefaultModels()},
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd(testCLIConfig(t), zerolog.Nop())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "prediction-trader v"+Version) {
		t.Errorf("version output = %q, want it to mention v%s", buf.String(), Version)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := NewRootCmd(testCLIConfig(t), zerolog.Nop())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version", "--json"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"version"`) {
		t.Errorf("json output = %q, want a version field", buf.String())
	}
}

func TestRootCommandFlags(t *testing.T) {
	cmd := NewRootCmd(testCLIConfig(t), zerolog.Nop())
	for _, name := range []string{"dry-run", "paper", "once"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}
	if cmd.PersistentFlags().Lookup("verbose") == nil {
		t.Error("missing flag --verbose")
	}
	if cmd.PersistentFlags().ShorthandLookup("v") == nil {
		t.Error("missing shorthand -v for --verbose")
	}
}

func TestStatusCommandRendersTables(t *testing.T) {
	ctx := context.Background()
	cfg := testCLIConfig(t)

	s, err := store.NewSQLiteStore(cfg.DBPath, cfg.Trading.VirtualBankroll)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.UpsertMarket(ctx, &models.Market{
		ID:          "polymarket:status",
		Exchange:    "polymarket",
		Question:    "status question",
		MarketPrice: 0.4,
		VolumeUSD:   50000,
	}); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	if err := s.SaveTrade(ctx, &models.Trade{
		MarketID: "polymarket:status", Exchange: "polymarket",
		Side: models.SideYes, SizeUnits: 100, Price: 0.4,
		KellyFraction: 0.05, Edge: 0.2, IsPaper: true,
	}); err != nil {
		t.Fatalf("failed to seed trade: %v", err)
	}
	s.Close()

	cmd := NewRootCmd(cfg, zerolog.Nop())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"status"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	got := buf.String()
	for _, want := range []string{"Portfolio", "Open positions", "polymarket:status", "YES"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output missing %q:\n%s", want, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q, want unchanged", got)
	}
	if got := truncate("a very long question indeed", 10); got != "a very lon..." {
		t.Errorf("truncate = %q", got)
	}
}
