package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/ohlcsync/internal/models"
)

func cryptoInstrument() models.Instrument {
	return models.Instrument{
		Symbol:        "BTCUSD",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		AssetClass:    models.AssetClassCrypto,
		DataSource:    SourceCryptoCompare,
	}
}

func utcDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// priceFor derives a deterministic positive price from the date so tests can
// verify stitched pages line up.
func priceFor(d time.Time) float64 {
	return float64(d.Sub(utcDate(2000, 1, 1)).Hours()/24) + 2
}

// histoDayTestServer serves histoday pages generated on the fly: limit+1
// points newest first ending at the toTs date, plus a blockchain listing
// whose BTC entry reports earliestFrom. Dates before zeroBefore get all-zero
// prices.
func histoDayTestServer(t *testing.T, earliestFrom, zeroBefore time.Time, calls *[]url.Values) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/data/v2/histoday", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		*calls = append(*calls, q)

		limit, err := strconv.Atoi(q.Get("limit"))
		require.NoError(t, err)
		toTs, err := strconv.ParseInt(q.Get("toTs"), 10, 64)
		require.NoError(t, err)

		toDate := time.Unix(toTs, 0).UTC()
		toDate = utcDate(toDate.Year(), toDate.Month(), toDate.Day())

		points := make([]map[string]interface{}, 0, limit+1)
		for i := 0; i <= limit; i++ {
			d := toDate.AddDate(0, 0, -i)
			px := priceFor(d)
			if !zeroBefore.IsZero() && d.Before(zeroBefore) {
				px = 0
			}
			point := map[string]interface{}{
				"time":       d.Unix(),
				"open":       px,
				"high":       px,
				"low":        px,
				"close":      px,
				"volumefrom": 10.0,
			}
			if px != 0 {
				point["high"] = px + 1
				point["low"] = px - 1
			}
			points = append(points, point)
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Response": "Success",
			"Data":     map[string]interface{}{"Data": points},
		})
	})
	mux.HandleFunc("/data/blockchain/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Data": map[string]interface{}{
				"BTC": map[string]interface{}{"data_available_from": earliestFrom.Unix()},
			},
		})
	})

	return httptest.NewServer(mux)
}

func TestCryptoCompareFetchBarsSinglePage(t *testing.T) {
	var calls []url.Values
	server := histoDayTestServer(t, time.Time{}, time.Time{}, &calls)
	defer server.Close()

	src := NewCryptoCompareSource(cryptoInstrument(), "test-key", nil,
		WithCryptoCompareBaseURL(server.URL))

	start := utcDate(2024, 3, 1)
	end := utcDate(2024, 3, 4)
	bars, err := src.FetchBars(context.Background(), Window{Start: &start, End: end})

	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, utcDate(2024, 3, 2), bars[0].Timestamp, "overlap day must be dropped")
	assert.Equal(t, end, bars[2].Timestamp)
	assert.Len(t, calls, 1)

	// Page boundary anchored at 06:00 UTC of the end date.
	toTs, err := strconv.ParseInt(calls[0].Get("toTs"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, pageAnchorHour, 0, 0, 0, time.UTC).Unix(), toTs)
	assert.Equal(t, "BTC", calls[0].Get("fsym"))
	assert.Equal(t, "USD", calls[0].Get("tsym"))
	assert.Equal(t, "test-key", calls[0].Get("api_key"))
}

func TestCryptoCompareFetchBarsPaginated(t *testing.T) {
	var calls []url.Values
	server := histoDayTestServer(t, time.Time{}, time.Time{}, &calls)
	defer server.Close()

	src := NewCryptoCompareSource(cryptoInstrument(), "", nil,
		WithCryptoCompareBaseURL(server.URL))

	end := utcDate(2024, 3, 1)
	start := end.AddDate(0, 0, -5000)
	bars, err := src.FetchBars(context.Background(), Window{Start: &start, End: end})

	require.NoError(t, err)
	require.Len(t, bars, 5000)
	assert.Len(t, calls, 3, "a 5000 day window needs three pages")

	// Stitched result is contiguous, ascending, and ends at the window end.
	for i, bar := range bars {
		expected := start.AddDate(0, 0, i+1)
		require.Equal(t, expected, bar.Timestamp, "gap at index %d", i)
	}
	assert.Equal(t, end, bars[len(bars)-1].Timestamp)

	// Prices across page seams match the generator, proving no point was
	// duplicated or lost during stitching.
	for _, bar := range bars {
		closePx, err := bar.CloseDecimal()
		require.NoError(t, err)
		px, _ := closePx.Float64()
		assert.Equal(t, priceFor(bar.Timestamp), px)
	}
}

func TestCryptoCompareFetchBarsFromScratch(t *testing.T) {
	earliest := utcDate(2024, 1, 1)
	firstTraded := utcDate(2024, 1, 4)

	var calls []url.Values
	server := histoDayTestServer(t, earliest, firstTraded, &calls)
	defer server.Close()

	src := NewCryptoCompareSource(cryptoInstrument(), "", nil,
		WithCryptoCompareBaseURL(server.URL))

	end := utcDate(2024, 1, 10)
	bars, err := src.FetchBars(context.Background(), Window{Start: nil, End: end})

	require.NoError(t, err)
	require.Len(t, bars, 7, "zero price genesis padding must be trimmed")
	assert.Equal(t, firstTraded, bars[0].Timestamp)
	assert.Equal(t, end, bars[len(bars)-1].Timestamp)

	for _, bar := range bars {
		require.NoError(t, bar.Validate())
	}
}

func TestCryptoCompareFetchBarsVendorError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Response": "Error",
			"Message":  "limit param is not valid",
		})
	}))
	defer server.Close()

	src := NewCryptoCompareSource(cryptoInstrument(), "", nil,
		WithCryptoCompareBaseURL(server.URL))

	start := utcDate(2024, 3, 1)
	_, err := src.FetchBars(context.Background(), Window{Start: &start, End: utcDate(2024, 3, 2)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit param is not valid")
}

func TestCryptoCompareFetchBarsInvalidWindow(t *testing.T) {
	src := NewCryptoCompareSource(cryptoInstrument(), "", nil)

	start := utcDate(2024, 3, 10)
	_, err := src.FetchBars(context.Background(), Window{Start: &start, End: utcDate(2024, 3, 1)})
	require.Error(t, err)

	_, err = src.FetchBars(context.Background(), Window{})
	require.Error(t, err)
}

func TestTrimZeroGenesis(t *testing.T) {
	zero := histoDayPoint{Time: utcDate(2024, 1, 1).Unix()}
	real := histoDayPoint{Time: utcDate(2024, 1, 2).Unix(), Open: 1, High: 2, Low: 1, Close: 1.5}

	assert.Len(t, trimZeroGenesis([]histoDayPoint{zero, zero, real}), 1)
	assert.Len(t, trimZeroGenesis([]histoDayPoint{real, zero}), 2, "only the leading run is trimmed")
	assert.Empty(t, trimZeroGenesis([]histoDayPoint{zero, zero}))
	assert.Empty(t, trimZeroGenesis(nil))
}
