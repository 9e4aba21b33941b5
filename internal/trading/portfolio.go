package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

// Portfolio tracks the virtual bankroll: paper cash plus the mark-to-market
// value of open positions.
type Portfolio struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewPortfolio wraps the store's singleton portfolio row.
func NewPortfolio(st store.DataStore, logger zerolog.Logger) *Portfolio {
	return &Portfolio{store: st, logger: logger.With().Str("component", "portfolio").Logger()}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash(ctx context.Context) (float64, error) {
	state, err := p.store.GetPortfolio(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load portfolio: %w", err)
	}
	return state.Cash, nil
}

// DeductCash removes amount from cash, flooring at zero, and returns the
// new balance.
func (p *Portfolio) DeductCash(ctx context.Context, amount float64) (float64, error) {
	state, err := p.store.GetPortfolio(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load portfolio: %w", err)
	}
	newCash := state.Cash - amount
	if newCash < 0 {
		newCash = 0
	}
	if err := p.store.UpdatePortfolio(ctx, newCash, state.TotalValue); err != nil {
		return 0, fmt.Errorf("failed to update portfolio: %w", err)
	}
	p.logger.Debug().Float64("deducted", amount).Float64("cash", newCash).Msg("cash deducted")
	return newCash, nil
}

// AddCash credits amount back to cash and returns the new balance.
func (p *Portfolio) AddCash(ctx context.Context, amount float64) (float64, error) {
	state, err := p.store.GetPortfolio(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load portfolio: %w", err)
	}
	newCash := state.Cash + amount
	if err := p.store.UpdatePortfolio(ctx, newCash, state.TotalValue); err != nil {
		return 0, fmt.Errorf("failed to update portfolio: %w", err)
	}
	return newCash, nil
}

// RecomputeTotalValue marks open paper positions to the latest quote and
// persists cash + open value as the portfolio's total. Positions on markets
// no longer in the active set are valued at their fill price.
func (p *Portfolio) RecomputeTotalValue(ctx context.Context) (float64, error) {
	state, err := p.store.GetPortfolio(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load portfolio: %w", err)
	}

	active, err := p.store.GetActiveMarkets(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list active markets: %w", err)
	}
	priceByID := make(map[string]float64, len(active))
	for _, m := range active {
		priceByID[m.ID] = m.MarketPrice
	}

	trades, err := p.store.GetOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open trades: %w", err)
	}

	var openValue float64
	for _, t := range trades {
		if !t.IsPaper {
			continue
		}
		price, ok := priceByID[t.MarketID]
		if !ok {
			price = t.Price
		}
		if t.Side == models.SideYes {
			openValue += t.SizeUnits * price
		} else {
			openValue += t.SizeUnits * (1.0 - price)
		}
	}

	total := state.Cash + openValue
	if err := p.store.UpdatePortfolio(ctx, state.Cash, total); err != nil {
		return 0, fmt.Errorf("failed to update portfolio: %w", err)
	}
	p.logger.Info().
		Float64("cash", state.Cash).
		Float64("open", openValue).
		Float64("total", total).
		Msg("portfolio revalued")
	return total, nil
}

// Summary logs the portfolio snapshot: cash, total value, open position
// count, and cumulative LLM spend.
func (p *Portfolio) Summary(ctx context.Context) error {
	state, err := p.store.GetPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("failed to load portfolio: %w", err)
	}
	openCount, err := p.store.CountOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to count open positions: %w", err)
	}
	spend, err := p.store.TotalLLMSpend(ctx)
	if err != nil {
		return fmt.Errorf("failed to total llm spend: %w", err)
	}
	p.logger.Info().
		Float64("cash", state.Cash).
		Float64("total_value", state.TotalValue).
		Int("open_positions", openCount).
		Float64("llm_spend", spend).
		Msg("portfolio summary")
	return nil
}
