package exchange

import (
	"context"
	"sync"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"github.com/rs/zerolog"

	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
	"prediction-trader/pkg/utils"
)

// Scanner discovers markets on every venue, deduplicates cross-listed ones
// and persists everything to the store.
type Scanner struct {
	store          store.DataStore
	clients        []Client
	dedupThreshold int
	logger         zerolog.Logger
}

// NewScanner builds a scanner over the given adapters.
func NewScanner(st store.DataStore, clients []Client, dedupThreshold int, logger zerolog.Logger) *Scanner {
	return &Scanner{
		store:          st,
		clients:        clients,
		dedupThreshold: dedupThreshold,
		logger:         logger.With().Str("component", "scanner").Logger(),
	}
}

// Scan lists markets from all venues in parallel, marks cross-venue
// duplicates and upserts the combined set. A failing venue contributes an
// empty list rather than aborting the sweep.
func (s *Scanner) Scan(ctx context.Context) ([]models.Market, error) {
	byVenue := make([][]models.Market, len(s.clients))

	var wg sync.WaitGroup
	for i, client := range s.clients {
		wg.Add(1)
		go func(i int, client Client) {
			defer wg.Done()
			markets, err := client.ListMarkets(ctx)
			if err != nil {
				s.logger.Error().Err(err).Str("venue", client.Name()).Msg("Venue scan failed")
				return
			}
			byVenue[i] = markets
		}(i, client)
	}
	wg.Wait()

	var all []models.Market
	for _, markets := range byVenue {
		all = append(all, markets...)
	}
	s.logger.Info().Int("total", len(all)).Msg("Raw markets scanned")

	groups := s.findDedupGroups(byVenue)
	for i := range all {
		if peer, ok := groups[all[i].ID]; ok {
			all[i].DedupGroup = peer
		}
	}

	if err := s.store.UpsertMarkets(ctx, all); err != nil {
		return all, err
	}

	s.logger.Info().Int("count", len(all)).Msg("Markets upserted")
	return all, nil
}

// findDedupGroups fuzzy-matches questions across venues. A pair scoring at
// or above the threshold is recorded in both directions.
func (s *Scanner) findDedupGroups(byVenue [][]models.Market) map[string]string {
	groups := make(map[string]string)

	for i := 0; i < len(byVenue); i++ {
		for _, left := range byVenue[i] {
			bestScore := 0
			bestMatch := ""
			leftNorm := utils.NormalizeQuestion(left.Question)

			for j := i + 1; j < len(byVenue); j++ {
				for _, right := range byVenue[j] {
					score := fuzzy.TokenSortRatio(leftNorm, utils.NormalizeQuestion(right.Question))
					if score > bestScore {
						bestScore = score
						bestMatch = right.ID
					}
				}
			}

			if bestScore >= s.dedupThreshold && bestMatch != "" {
				groups[left.ID] = bestMatch
				groups[bestMatch] = left.ID
				s.logger.Debug().Int("score", bestScore).
					Str("market", left.ID).Str("peer", bestMatch).Msg("Dedup match")
			}
		}
	}

	return groups
}

// RefreshPrices updates market_price for every active market. Per-market
// failures are swallowed at debug level.
func (s *Scanner) RefreshPrices(ctx context.Context) error {
	active, err := s.store.GetActiveMarkets(ctx, "")
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	clientsByVenue := make(map[string]Client, len(s.clients))
	for _, c := range s.clients {
		clientsByVenue[c.Name()] = c
	}

	refreshed := 0
	for _, m := range active {
		client, ok := clientsByVenue[m.Exchange]
		if !ok {
			continue
		}
		price, err := client.Price(ctx, m.ID)
		if err != nil {
			s.logger.Debug().Err(err).Str("market", m.ID).Msg("Price refresh failed")
			continue
		}
		if err := s.store.UpdateMarketPrice(ctx, m.ID, price); err != nil {
			s.logger.Debug().Err(err).Str("market", m.ID).Msg("Price update failed")
			continue
		}
		refreshed++
	}

	s.logger.Info().Int("count", refreshed).Msg("Prices refreshed")
	return nil
}
