package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/ohlcsync/internal/models"
)

func day(d int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}

func testBar(symbol string, ts time.Time, closePx string) models.Bar {
	return models.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      closePx,
		High:      closePx,
		Low:       closePx,
		Close:     closePx,
	}
}

func TestMemoryStoreLatestBar(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Initialize(ctx))

	// No bars yet: (nil, nil), not an error.
	latest, err := s.LatestBar(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, latest)

	bars := []models.Bar{
		testBar("BTCUSD", day(0), "100"),
		testBar("BTCUSD", day(2), "102"),
		testBar("BTCUSD", day(1), "101"),
	}
	require.NoError(t, s.AppendBars(ctx, bars))

	latest, err = s.LatestBar(ctx, "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, day(2), latest.Timestamp)
	assert.Equal(t, "102", latest.Close)
}

func TestMemoryStoreAppendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AppendBars(ctx, []models.Bar{testBar("BTCUSD", day(0), "100")}))

	err := s.AppendBars(ctx, []models.Bar{testBar("BTCUSD", day(0), "105")})
	require.Error(t, err)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "append", storageErr.Operation)

	// The failed batch must not have been partially applied.
	resp, err := s.QueryBars(ctx, QueryRequest{Symbol: "BTCUSD"})
	require.NoError(t, err)
	require.Len(t, resp.Bars, 1)
	assert.Equal(t, "100", resp.Bars[0].Close)
}

func TestMemoryStoreAppendRejectsDuplicateWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.AppendBars(ctx, []models.Bar{
		testBar("BTCUSD", day(0), "100"),
		testBar("BTCUSD", day(0), "101"),
	})
	require.Error(t, err)

	resp, err := s.QueryBars(ctx, QueryRequest{Symbol: "BTCUSD"})
	require.NoError(t, err)
	assert.Empty(t, resp.Bars)
}

func TestMemoryStoreAppendValidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	bad := testBar("BTCUSD", day(0), "100")
	bad.High = "50" // below open/close

	err := s.AppendBars(ctx, []models.Bar{bad})
	require.Error(t, err)
	var ve *models.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestMemoryStoreQueryBarsRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var bars []models.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, testBar("ETHUSD", day(i), "200"))
	}
	require.NoError(t, s.AppendBars(ctx, bars))

	resp, err := s.QueryBars(ctx, QueryRequest{
		Symbol: "ETHUSD",
		Start:  day(1),
		End:    day(4), // exclusive
	})
	require.NoError(t, err)
	require.Len(t, resp.Bars, 3)
	assert.Equal(t, day(1), resp.Bars[0].Timestamp)
	assert.Equal(t, day(3), resp.Bars[2].Timestamp)

	limited, err := s.QueryBars(ctx, QueryRequest{Symbol: "ETHUSD", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Bars, 2)
	assert.Equal(t, 5, limited.Total)
}

func TestMemoryStoreInstruments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetInstrument(ctx, "BTCUSD")
	require.ErrorIs(t, err, ErrInstrumentNotFound)

	instruments := []models.Instrument{
		{
			Symbol: "BTCUSD", BaseCurrency: "BTC", QuoteCurrency: "USD",
			Venue: "dydx", AssetClass: models.AssetClassCrypto,
			TimeZone: "Europe/London", OrderTime: "07:00", ForecastTime: "06:00",
			DataSource: "crypto-compare",
		},
		{
			Symbol: "NVDA", BaseCurrency: "NVDA", QuoteCurrency: "USD",
			Venue: "nasdaq", AssetClass: models.AssetClassStock,
			TimeZone: "America/New_York", OrderTime: "15:00", ForecastTime: "14:00",
			DataSource: "interactive-brokers",
		},
	}
	require.NoError(t, s.SeedInstruments(ctx, instruments))

	inst, err := s.GetInstrument(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "BTC", inst.BaseCurrency)

	// Re-seeding with a changed record keeps the stored row.
	changed := instruments[0]
	changed.Venue = "elsewhere"
	require.NoError(t, s.SeedInstruments(ctx, []models.Instrument{changed}))

	inst, err = s.GetInstrument(ctx, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "dydx", inst.Venue)

	all, err := s.ListInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BTCUSD", all[0].Symbol)
	assert.Equal(t, "NVDA", all[1].Symbol)
}
