package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/exchange"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
	"prediction-trader/pkg/utils"
)

// TradeIntent carries everything the executor needs to decide on one market.
type TradeIntent struct {
	Market         models.Market
	ForecastID     int64
	EnsembleProb   float64
	ConfidenceTier string
	DomainWeight   float64
}

// Executor evaluates trade intents, sizes positions, and either records a
// paper fill or routes the order to the venue.
type Executor struct {
	store     store.DataStore
	clients   map[string]exchange.Client
	portfolio *Portfolio
	cfg       config.TradingConfig
	logger    zerolog.Logger
}

// NewExecutor creates an executor routing live orders by exchange name.
func NewExecutor(st store.DataStore, clients []exchange.Client, pf *Portfolio, cfg config.TradingConfig, logger zerolog.Logger) *Executor {
	byName := make(map[string]exchange.Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	return &Executor{
		store:     st,
		clients:   byName,
		portfolio: pf,
		cfg:       cfg,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// MaybeTrade runs the pre-trade filter, sizes the position, and executes.
// It returns the recorded trade, or nil when any filter declines.
func (e *Executor) MaybeTrade(ctx context.Context, intent TradeIntent, paperMode bool) (*models.Trade, error) {
	market := intent.Market

	openCount, err := e.store.CountOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count open positions: %w", err)
	}

	side, edgeVal := BestSideAndEdge(intent.EnsembleProb, market.MarketPrice)
	tradeable, reason := IsTradeable(
		intent.EnsembleProb, market.MarketPrice,
		intent.ConfidenceTier, intent.DomainWeight,
		e.cfg.MinEdge, e.cfg.MaxOpenPositions, openCount,
	)
	if !tradeable {
		e.logger.Debug().Str("market_id", market.ID).Str("reason", reason).Msg("no trade")
		return nil, nil
	}

	held, err := e.store.HasPosition(ctx, market.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing position: %w", err)
	}
	if held {
		e.logger.Debug().Str("market_id", market.ID).Msg("already have position")
		return nil, nil
	}

	cash, err := e.portfolio.Cash(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cash balance: %w", err)
	}

	fillPrice := market.MarketPrice
	if side == models.SideNo {
		fillPrice = 1.0 - market.MarketPrice
	}
	frac := KellyFraction(edgeVal, market.MarketPrice, side, e.cfg.KellyFraction, e.cfg.MaxPositionPct)
	size := SizeFromFraction(frac, cash, fillPrice)
	if frac == 0 || size <= 0 {
		e.logger.Debug().Str("market_id", market.ID).Float64("price", market.MarketPrice).Msg("position sized to zero")
		return nil, nil
	}
	cost := size * fillPrice

	if cost > cash {
		e.logger.Warn().Float64("need", cost).Float64("have", cash).Msg("insufficient cash")
		return nil, nil
	}

	trade := &models.Trade{
		MarketID:      market.ID,
		ForecastID:    intent.ForecastID,
		Exchange:      market.Exchange,
		Side:          side,
		SizeUnits:     size,
		Price:         fillPrice,
		KellyFraction: frac,
		Edge:          edgeVal,
		IsPaper:       paperMode,
	}

	if !paperMode {
		client, ok := e.clients[market.Exchange]
		if !ok {
			return nil, fmt.Errorf("no exchange client for %s", market.Exchange)
		}
		if _, err := client.PlaceOrder(ctx, market.ID, side, size, fillPrice); err != nil {
			e.logger.Error().Err(err).Str("market_id", market.ID).Msg("live order failed")
			return nil, nil
		}
	}

	if err := e.store.SaveTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	if _, err := e.portfolio.DeductCash(ctx, cost); err != nil {
		return nil, fmt.Errorf("failed to deduct cash: %w", err)
	}

	kind := "LIVE"
	if paperMode {
		kind = "PAPER"
	}
	e.logger.Info().
		Str("exchange", market.Exchange).
		Str("side", side).
		Str("question", utils.Truncate(market.Question, 50)).
		Float64("price", fillPrice).
		Float64("edge", edgeVal).
		Float64("size", size).
		Float64("cost", cost).
		Msg(kind + " trade placed")
	return trade, nil
}
