package cli

import (
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"prediction-trader/internal/config"
	"prediction-trader/internal/store"
	"prediction-trader/pkg/utils"
)

func newStatusCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show portfolio, open positions, and model weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(cfg.DBPath, cfg.Trading.VirtualBankroll)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()
			return printStatus(cmd.Context(), st, NewOutput(cmd))
		},
	}
}

// printStatus renders the portfolio snapshot, the open position table, and
// the current model weights.
func printStatus(ctx context.Context, st store.DataStore, out *Output) error {
	portfolio, err := st.GetPortfolio(ctx)
	if err != nil {
		return err
	}
	openCount, err := st.CountOpenPositions(ctx)
	if err != nil {
		return err
	}
	spend, err := st.TotalLLMSpend(ctx)
	if err != nil {
		return err
	}

	out.Bold("=== Portfolio ===")
	out.Printf("  Cash:           %s\n", utils.FormatUSD(portfolio.Cash))
	out.Printf("  Total value:    %s\n", utils.FormatUSD(portfolio.TotalValue))
	out.Printf("  Open positions: %d\n", openCount)
	out.Printf("  LLM spend:      $%.4f\n", spend)

	trades, err := st.GetOpenTrades(ctx)
	if err != nil {
		return err
	}
	if len(trades) > 0 {
		out.Bold("=== Open positions ===")
		table := tablewriter.NewWriter(out.writer)
		table.SetHeader([]string{"Market", "Side", "Size", "Price", "Edge", "Cost"})
		for _, t := range trades {
			table.Append([]string{
				t.MarketID,
				t.Side,
				fmt.Sprintf("%.2f", t.SizeUnits),
				utils.FormatProbability(t.Price),
				fmt.Sprintf("%+.3f", t.Edge),
				utils.FormatUSD(t.Cost()),
			})
		}
		table.Render()
	}

	weights, err := st.GetModelWeights(ctx)
	if err != nil {
		return err
	}
	if len(weights) > 0 {
		out.Bold("=== Model weights ===")
		table := tablewriter.NewWriter(out.writer)
		table.SetHeader([]string{"Model", "Weight", "Rolling Brier", "N"})
		for model, w := range weights {
			brier := "-"
			if w.RollingBrier != nil {
				brier = fmt.Sprintf("%.3f", *w.RollingBrier)
			}
			table.Append([]string{
				model,
				fmt.Sprintf("%.3f", w.Weight),
				brier,
				fmt.Sprintf("%d", w.NResolved),
			})
		}
		table.Render()
	}
	return nil
}
