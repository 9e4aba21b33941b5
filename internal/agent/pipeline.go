package agent

import (
	"context"
	"time"

	"prediction-trader/internal/agents"
	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/trading"
)

// Markets with a forecast newer than this are skipped by the forecast job.
const forecastMaxAge = 4 * time.Hour

// RunForecasts runs the full pipeline over every market without a recent
// forecast. Markets are processed sequentially; a failure on one market
// never blocks the rest.
func (c *Core) RunForecasts(ctx context.Context) {
	markets, err := c.store.GetUnforecastedMarkets(ctx, forecastMaxAge)
	if err != nil {
		c.logger.Error().Err(err).Msg("run_forecasts failed")
		return
	}
	if len(markets) == 0 {
		c.logger.Info().Msg("run_forecasts: no unforecasted markets")
		return
	}
	c.logger.Info().Int("markets", len(markets)).Msg("run_forecasts: processing")
	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		if err := c.ProcessMarket(ctx, m); err != nil {
			c.logger.Error().Err(err).Str("market_id", m.ID).Msg("pipeline failed")
		}
	}
}

// ProcessMarket runs the forecast pipeline for one market: classify an
// unset domain, fetch news, pick the active prompt, fan out to the model
// roster, combine, persist, and hand the result to the executor.
func (c *Core) ProcessMarket(ctx context.Context, market models.Market) error {
	if market.Domain == "" {
		domain, confidence := c.classifier.Classify(ctx, market.Question)
		if err := c.store.SetMarketDomain(ctx, market.ID, domain); err != nil {
			return err
		}
		market.Domain = domain
		c.logger.Debug().
			Str("market_id", market.ID).
			Str("domain", string(domain)).
			Float64("confidence", confidence).
			Msg("market classified")
	}

	news := c.news.GetContext(ctx, market.Question, market.Domain)

	promptVersion, promptTemplate, err := c.evolver.ActivePrompt(ctx, market.Domain)
	if err != nil {
		return err
	}

	modelWeights, err := c.selector.CurrentWeights(ctx)
	if err != nil {
		return err
	}
	calibration, err := c.store.GetCalibration(ctx)
	if err != nil {
		return err
	}
	calLookup := agents.BuildCalibrationLookup(calibration)
	thresholds := agents.BuildDomainThresholds(calibration)

	forecasts := c.forecaster.Forecast(ctx, market, news, promptTemplate, promptVersion, thresholds)
	if len(forecasts) == 0 {
		c.logger.Warn().Str("market_id", market.ID).Msg("no forecasts produced")
		return nil
	}

	tau, ok := thresholds[market.Domain]
	if !ok {
		tau = c.cfg.Learning.EntropyThresholdDefault
	}
	ens := agents.Combine(forecasts, modelWeights, calLookup, market.Domain, tau)

	rows := make([]models.Forecast, 0, len(forecasts))
	for _, f := range forecasts {
		rows = append(rows, models.Forecast{
			MarketID:            market.ID,
			Model:               f.Model,
			PromptVersion:       f.PromptVersion,
			RawProbability:      f.RawProbability,
			Entropy:             f.Entropy,
			EnsembleProbability: ens.Probability,
			ConfidenceTier:      ens.Confidence,
			ReasoningExcerpt:    f.Reasoning,
			NewsUsed:            f.NewsUsed,
		})
	}
	lastForecastID, err := c.store.SaveForecasts(ctx, rows)
	if err != nil {
		return err
	}

	domainWeight, err := c.calibrator.DomainWeight(ctx, market.Domain, primaryModel(modelWeights, c.cfg.LLM.Models))
	if err != nil {
		return err
	}

	trade, err := c.executor.MaybeTrade(ctx, trading.TradeIntent{
		Market:         market,
		ForecastID:     lastForecastID,
		EnsembleProb:   ens.Probability,
		ConfidenceTier: ens.Confidence,
		DomainWeight:   domainWeight,
	}, c.cfg.IsPaperMode())
	if err != nil {
		return err
	}

	evt := c.logger.Info().
		Str("market_id", market.ID).
		Str("domain", string(market.Domain)).
		Float64("prob", ens.Probability).
		Float64("entropy", ens.Entropy).
		Str("confidence", ens.Confidence).
		Float64("edge", ens.Probability-market.MarketPrice)
	if trade != nil {
		evt = evt.Int64("trade_id", trade.ID).Str("side", trade.Side)
	}
	evt.Msg("pipeline done")
	return nil
}

// primaryModel picks the model whose calibration row gates the trade
// filter: the first roster entry that still carries weight.
func primaryModel(weights map[string]float64, roster []config.ModelConfig) string {
	for _, m := range roster {
		if weights[m.ID] > 0 {
			return m.ID
		}
	}
	if len(roster) > 0 {
		return roster[0].ID
	}
	return ""
}
