package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"prediction-trader/internal/agent"
	"prediction-trader/internal/config"
	"prediction-trader/internal/exchange"
	"prediction-trader/internal/logging"
	"prediction-trader/internal/store"
)

// Version information
const Version = "0.1.0"

// Execute loads configuration, builds the root command, and runs it.
// It returns the process exit code.
func Execute() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger := logging.NewLoggerWithConfig(logging.LogConfig{
		Level:      cfg.Log.Level,
		Console:    true,
		FilePath:   cfg.Log.File,
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	})

	if err := NewRootCmd(cfg, logger).Execute(); err != nil {
		logger.Error().Err(err).Msg("command failed")
		return 1
	}
	return 0
}

// NewRootCmd creates the root command. The default invocation starts the
// scheduler loop until SIGINT/SIGTERM; the mode flags run one-shot paths.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	var (
		dryRun  bool
		paper   bool
		once    bool
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "prediction-trader",
		Short: "Autonomous trading agent for binary prediction markets",
		Long: `prediction-trader forecasts binary prediction markets on Polymarket and
Kalshi with an ensemble of LLM forecasters, sizes positions with fractional
Kelly, and learns from resolved outcomes: per-domain calibration, model
selection, entropy threshold adaptation, and a prompt A/B tournament.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logging.SetDebugLevel()
				logger = logger.Level(zerolog.DebugLevel)
			}
			if paper {
				cfg.Trading.Mode = "paper"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.DBPath, cfg.Trading.VirtualBankroll)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			out := NewOutput(cmd)
			ctx := cmd.Context()
			switch {
			case dryRun:
				return runDry(ctx, cfg, logger, out)
			case paper:
				return runPaper(ctx, cfg, st, logger, out)
			case once:
				return runOnce(ctx, cfg, st, logger)
			default:
				return runLoop(ctx, cfg, st, logger)
			}
		},
	}

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "connect to both venues and print 5 sample markets")
	rootCmd.Flags().BoolVar(&paper, "paper", false, "run the pipeline on one market and print the forecast")
	rootCmd.Flags().BoolVar(&once, "once", false, "run every job once, then exit")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStatusCmd(cfg, logger))

	return rootCmd
}

// runLoop starts the scheduler and blocks until SIGINT/SIGTERM.
func runLoop(ctx context.Context, cfg *config.Config, st store.DataStore, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core := agent.NewCore(cfg, st, logger)
	if err := core.LoadState(ctx); err != nil {
		return err
	}
	if err := core.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	core.Stop()
	return nil
}

// runDry lists a handful of markets from each venue without trading.
func runDry(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out *Output) error {
	clients := []exchange.Client{
		exchange.NewPolymarketClient(cfg.Exchanges.Polymarket, cfg.Scan, true, logger),
		exchange.NewKalshiClient(cfg.Exchanges.Kalshi, cfg.Scan, true, logger),
	}
	for _, client := range clients {
		out.Bold("=== %s (first 5) ===", client.Name())
		markets, err := client.ListMarkets(ctx)
		if err != nil {
			out.Error("  ERROR: %v", err)
			continue
		}
		if len(markets) > 5 {
			markets = markets[:5]
		}
		for _, m := range markets {
			out.Printf("  [%.1f%%] %s\n", m.MarketPrice*100, truncate(m.Question, 80))
		}
		if err := client.Close(); err != nil {
			logger.Warn().Err(err).Str("venue", client.Name()).Msg("failed to close client")
		}
	}
	return nil
}

// runPaper scans, runs the pipeline on the first market found, and prints
// the resulting forecast next to the portfolio.
func runPaper(ctx context.Context, cfg *config.Config, st store.DataStore, logger zerolog.Logger, out *Output) error {
	core := agent.NewCore(cfg, st, logger)
	if err := core.LoadState(ctx); err != nil {
		return err
	}
	core.ScanMarkets(ctx)

	markets, err := st.GetActiveMarkets(ctx, "")
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		out.Warning("No markets found. Check API credentials in .env")
		return nil
	}

	market := markets[0]
	out.Bold("=== Processing market ===")
	out.Printf("  Exchange:     %s\n", market.Exchange)
	out.Printf("  Question:     %s\n", market.Question)
	out.Printf("  Market price: %.1f%%\n", market.MarketPrice*100)

	if err := core.ProcessMarket(ctx, market); err != nil {
		return err
	}

	forecast, err := st.GetLatestForecast(ctx, market.ID)
	if err != nil {
		return err
	}
	if forecast != nil {
		out.Bold("=== Forecast ===")
		out.Printf("  Model:       %s\n", forecast.Model)
		out.Printf("  Probability: %.1f%%\n", forecast.EnsembleProbability*100)
		out.Printf("  Confidence:  %s\n", forecast.ConfidenceTier)
		out.Printf("  Entropy:     %.2f bits\n", forecast.Entropy)
		out.Printf("  Edge:        %+.1f%%\n", (forecast.EnsembleProbability-market.MarketPrice)*100)
		out.Printf("  Reasoning:   %s\n", truncate(forecast.ReasoningExcerpt, 200))
	}

	return printStatus(ctx, st, out)
}

// runOnce runs every job a single time then returns.
func runOnce(ctx context.Context, cfg *config.Config, st store.DataStore, logger zerolog.Logger) error {
	core := agent.NewCore(cfg, st, logger)
	if err := core.LoadState(ctx); err != nil {
		return err
	}
	core.ScanMarkets(ctx)
	core.UpdatePrices(ctx)
	core.CheckResolutions(ctx)
	core.RunForecasts(ctx)
	core.Stop()
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := NewOutput(cmd)
			if out.IsJSON() {
				out.JSON(map[string]string{"version": Version})
				return
			}
			out.Printf("prediction-trader v%s\n", Version)
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
