package exchange

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

type fakeClient struct {
	name     string
	markets  []models.Market
	prices   map[string]float64
	listErr  error
	priceErr error
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) ListMarkets(ctx context.Context) ([]models.Market, error) {
	return f.markets, f.listErr
}

func (f *fakeClient) Price(ctx context.Context, marketID string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.prices[marketID], nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*models.Order, error) {
	return paperOrder(f.name, marketID, side, size, price), nil
}

func (f *fakeClient) ListResolved(ctx context.Context, since time.Time) ([]models.Market, error) {
	return nil, nil
}

func (f *fakeClient) Close() error { return nil }

func newScannerTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "scanner.db"), 10000)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func futureMarket(id, exchange, question string) models.Market {
	return models.Market{
		ID:          id,
		Exchange:    exchange,
		Question:    question,
		MarketPrice: 0.5,
		VolumeUSD:   25000,
		CloseTime:   time.Now().Add(100 * time.Hour).UTC(),
	}
}

func TestScanDedupsCrossVenueMarkets(t *testing.T) {
	st := newScannerTestStore(t)

	poly := &fakeClient{name: VenuePolymarket, markets: []models.Market{
		futureMarket("polymarket:abc", VenuePolymarket, "Will Candidate X win the 2028 US presidential election?"),
		futureMarket("polymarket:xyz", VenuePolymarket, "Will Bitcoin close above $200k this year?"),
	}}
	kalshi := &fakeClient{name: VenueKalshi, markets: []models.Market{
		futureMarket("kalshi:ELEC-28", VenueKalshi, "Will candidate X win the 2028 U.S. presidential election"),
		futureMarket("kalshi:RAIN-NYC", VenueKalshi, "Will it rain in NYC tomorrow?"),
	}}

	sc := NewScanner(st, []Client{poly, kalshi}, 85, zerolog.Nop())
	all, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("scanned %d markets, want 4", len(all))
	}

	ctx := context.Background()
	left, _ := st.GetMarket(ctx, "polymarket:abc")
	right, _ := st.GetMarket(ctx, "kalshi:ELEC-28")
	if left.DedupGroup != "kalshi:ELEC-28" {
		t.Errorf("poly dedup_group = %q, want kalshi:ELEC-28", left.DedupGroup)
	}
	if right.DedupGroup != "polymarket:abc" {
		t.Errorf("kalshi dedup_group = %q, want polymarket:abc", right.DedupGroup)
	}

	other, _ := st.GetMarket(ctx, "polymarket:xyz")
	if other.DedupGroup != "" {
		t.Errorf("unrelated market got dedup_group %q", other.DedupGroup)
	}
}

func TestScanToleratesVenueFailure(t *testing.T) {
	st := newScannerTestStore(t)

	poly := &fakeClient{name: VenuePolymarket, markets: []models.Market{
		futureMarket("polymarket:solo", VenuePolymarket, "Will the Fed cut rates in March?"),
	}}
	kalshi := &fakeClient{name: VenueKalshi, listErr: errors.New("connection refused")}

	sc := NewScanner(st, []Client{poly, kalshi}, 85, zerolog.Nop())
	all, err := sc.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(all) != 1 || all[0].ID != "polymarket:solo" {
		t.Errorf("scan with failing venue = %+v, want just polymarket:solo", all)
	}
}

func TestRefreshPrices(t *testing.T) {
	st := newScannerTestStore(t)
	ctx := context.Background()

	m1 := futureMarket("polymarket:p1", VenuePolymarket, "q1")
	m2 := futureMarket("kalshi:k1", VenueKalshi, "q2")
	if err := st.UpsertMarkets(ctx, []models.Market{m1, m2}); err != nil {
		t.Fatalf("UpsertMarkets: %v", err)
	}

	poly := &fakeClient{name: VenuePolymarket, prices: map[string]float64{"polymarket:p1": 0.62}}
	kalshi := &fakeClient{name: VenueKalshi, priceErr: errors.New("timeout")}

	sc := NewScanner(st, []Client{poly, kalshi}, 85, zerolog.Nop())
	if err := sc.RefreshPrices(ctx); err != nil {
		t.Fatalf("RefreshPrices: %v", err)
	}

	got, _ := st.GetMarket(ctx, "polymarket:p1")
	if got.MarketPrice != 0.62 {
		t.Errorf("refreshed price = %v, want 0.62", got.MarketPrice)
	}

	// The failing venue's market keeps its previous price.
	unchanged, _ := st.GetMarket(ctx, "kalshi:k1")
	if unchanged.MarketPrice != 0.5 {
		t.Errorf("price after failed refresh = %v, want 0.5", unchanged.MarketPrice)
	}
}

func TestKalshiYesPriceConversion(t *testing.T) {
	bid, ask := 38.0, 42.0
	m := kalshiMarket{YesBid: &bid, YesAsk: &ask}
	if p := m.yesPrice(); p != 0.40 {
		t.Errorf("yesPrice = %v, want 0.40", p)
	}

	cents := kalshiMarket{LastPrice: 55}
	if p := cents.yesPrice(); p != 0.55 {
		t.Errorf("yesPrice from cents = %v, want 0.55", p)
	}

	empty := kalshiMarket{}
	if p := empty.yesPrice(); p != 0.5 {
		t.Errorf("yesPrice with no quotes = %v, want 0.5", p)
	}
}
