package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradekit/ohlcsync/internal/models"
)

const (
	cryptoCompareBaseURL = "https://min-api.cryptocompare.com"

	// maxPageSize is the largest number of daily points the histoday endpoint
	// returns per request. A request for limit N yields N+1 points because the
	// vendor includes one extra point before the requested range.
	maxPageSize = 2000

	// pageAnchorHour pins each page boundary to 06:00 UTC of the to date.
	// Anchoring mid-morning keeps clock shifts around midnight from sliding
	// the boundary onto a neighboring day.
	pageAnchorHour = 6

	// cryptoCompareRateLimit caps request throughput well under the vendor's
	// free-tier allowance.
	cryptoCompareRateLimit = rate.Limit(5)
	cryptoCompareRateBurst = 5
)

// CryptoCompareSource fetches daily OHLC bars from the CryptoCompare REST
// API. Windows larger than one page are walked backward from the end date in
// 2000-point pages and stitched back together in chronological order.
type CryptoCompareSource struct {
	instrument models.Instrument
	apiKey     string
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// CryptoCompareOption configures a CryptoCompareSource.
type CryptoCompareOption func(*CryptoCompareSource)

// WithCryptoCompareBaseURL overrides the API base URL, primarily for tests.
func WithCryptoCompareBaseURL(baseURL string) CryptoCompareOption {
	return func(s *CryptoCompareSource) {
		s.baseURL = baseURL
	}
}

// WithCryptoCompareHTTPClient overrides the HTTP client.
func WithCryptoCompareHTTPClient(client *http.Client) CryptoCompareOption {
	return func(s *CryptoCompareSource) {
		s.client = client
	}
}

// NewCryptoCompareSource creates a source for the given instrument. The
// instrument's base and quote currencies become the fsym/tsym request
// parameters.
func NewCryptoCompareSource(instrument models.Instrument, apiKey string, logger *slog.Logger, opts ...CryptoCompareOption) *CryptoCompareSource {
	if logger == nil {
		logger = slog.Default()
	}

	s := &CryptoCompareSource{
		instrument: instrument,
		apiKey:     apiKey,
		baseURL:    cryptoCompareBaseURL,
		client:     &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(cryptoCompareRateLimit, cryptoCompareRateBurst),
		logger:     logger.With("source", "cryptocompare", "symbol", instrument.Symbol),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type histoDayResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		Data []histoDayPoint `json:"Data"`
	} `json:"Data"`
}

type histoDayPoint struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	VolumeFrom float64 `json:"volumefrom"`
}

func (p histoDayPoint) date() time.Time {
	t := time.Unix(p.Time, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (p histoDayPoint) isZeroOHLC() bool {
	return p.Open == 0 && p.High == 0 && p.Low == 0 && p.Close == 0
}

func (p histoDayPoint) toBar(symbol string) models.Bar {
	return models.Bar{
		Symbol:    symbol,
		Timestamp: p.date(),
		Open:      decimal.NewFromFloat(p.Open).String(),
		High:      decimal.NewFromFloat(p.High).String(),
		Low:       decimal.NewFromFloat(p.Low).String(),
		Close:     decimal.NewFromFloat(p.Close).String(),
		Volume:    decimal.NewFromFloat(p.VolumeFrom).String(),
	}
}

type blockchainListResponse struct {
	Data map[string]struct {
		DataAvailableFrom int64 `json:"data_available_from"`
	} `json:"Data"`
}

// FetchBars retrieves the bars covering the window. With a Start date the
// fetched range begins at that date and the overlap point is dropped before
// returning, so the result starts at the first missing day. With a nil Start
// the range begins at the instrument's earliest available date and the
// vendor's zero-price genesis padding is trimmed.
func (s *CryptoCompareSource) FetchBars(ctx context.Context, w Window) ([]models.Bar, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch window: %w", err)
	}

	fromScratch := w.Start == nil
	var startDate time.Time
	if fromScratch {
		earliest, err := s.earliestAvailable(ctx)
		if err != nil {
			return nil, err
		}
		if earliest.After(w.End) {
			return nil, nil
		}
		startDate = earliest
		s.logger.Info("fetching full history", "from", startDate.Format("2006-01-02"), "to", w.End.Format("2006-01-02"))
	} else {
		startDate = *w.Start
		s.logger.Debug("fetching window", "from", startDate.Format("2006-01-02"), "to", w.End.Format("2006-01-02"))
	}

	points, err := s.fetchRange(ctx, startDate, w.End)
	if err != nil {
		return nil, err
	}

	if fromScratch {
		points = trimZeroGenesis(points)
	} else if len(points) > 0 {
		// The first stitched point is the overlap day already in the store.
		points = points[1:]
	}

	bars := make([]models.Bar, 0, len(points))
	for _, p := range points {
		bars = append(bars, p.toBar(s.instrument.Symbol))
	}

	s.logger.Debug("fetch complete", "bars", len(bars), "pages", pageCount(len(points)))
	return bars, nil
}

// fetchRange walks backward from end in full pages until the stitched run
// reaches start, prepending each page. The vendor's one extra leading point
// per page makes consecutive pages abut exactly when the next to date is set
// to the day before the earliest returned point, so the stitched result is
// contiguous and covers [start, end].
func (s *CryptoCompareSource) fetchRange(ctx context.Context, start, end time.Time) ([]histoDayPoint, error) {
	var all []histoDayPoint
	to := end

	for {
		limit := daysBetween(start, to)
		if limit > maxPageSize {
			limit = maxPageSize
		}
		if limit < 1 {
			limit = 1
		}

		page, err := s.fetchPage(ctx, limit, to)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		all = append(page, all...)

		oldest := page[0].date()
		if !oldest.After(start) {
			break
		}
		to = oldest.AddDate(0, 0, -1)
	}

	return all, nil
}

// fetchPage requests a single histoday page of limit points ending at the
// given date. Points are returned oldest-first.
func (s *CryptoCompareSource) fetchPage(ctx context.Context, limit int, to time.Time) ([]histoDayPoint, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	anchor := time.Date(to.Year(), to.Month(), to.Day(), pageAnchorHour, 0, 0, 0, time.UTC)

	params := url.Values{}
	params.Set("fsym", s.instrument.BaseCurrency)
	params.Set("tsym", s.instrument.QuoteCurrency)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("toTs", strconv.FormatInt(anchor.Unix(), 10))
	if s.apiKey != "" {
		params.Set("api_key", s.apiKey)
	}

	endpoint := fmt.Sprintf("%s/data/v2/histoday?%s", s.baseURL, params.Encode())

	var resp histoDayResponse
	if err := getJSON(ctx, s.client, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("histoday request failed: %w", err)
	}
	if resp.Response == "Error" {
		return nil, fmt.Errorf("histoday request rejected: %s", resp.Message)
	}

	points := resp.Data.Data

	// Pages arrive newest first; flip to chronological order.
	if len(points) > 1 && points[0].Time > points[len(points)-1].Time {
		for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
			points[i], points[j] = points[j], points[i]
		}
	}

	return points, nil
}

// earliestAvailable resolves the first date the vendor has data for the
// instrument's base currency. Currencies missing from the listing fall back
// to BTC's inception, the oldest date the vendor covers.
func (s *CryptoCompareSource) earliestAvailable(ctx context.Context) (time.Time, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return time.Time{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	params := url.Values{}
	if s.apiKey != "" {
		params.Set("api_key", s.apiKey)
	}

	endpoint := fmt.Sprintf("%s/data/blockchain/list?%s", s.baseURL, params.Encode())

	var resp blockchainListResponse
	if err := getJSON(ctx, s.client, endpoint, &resp); err != nil {
		return time.Time{}, fmt.Errorf("blockchain list request failed: %w", err)
	}

	entry, ok := resp.Data[s.instrument.BaseCurrency]
	if !ok {
		entry, ok = resp.Data["BTC"]
		if !ok {
			return time.Time{}, fmt.Errorf("no availability data for %s", s.instrument.BaseCurrency)
		}
		s.logger.Warn("currency missing from availability listing, falling back to BTC",
			"currency", s.instrument.BaseCurrency)
	}

	t := time.Unix(entry.DataAvailableFrom, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// HealthCheck fetches a single recent point to verify the API responds.
func (s *CryptoCompareSource) HealthCheck(ctx context.Context) error {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if _, err := s.fetchPage(ctx, 1, today); err != nil {
		return fmt.Errorf("cryptocompare health check failed: %w", err)
	}
	return nil
}

// trimZeroGenesis drops the leading run of all-zero points the vendor pads
// before an instrument's first real trade.
func trimZeroGenesis(points []histoDayPoint) []histoDayPoint {
	for i, p := range points {
		if !p.isZeroOHLC() {
			return points[i:]
		}
	}
	return nil
}

func daysBetween(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}

func pageCount(points int) int {
	if points == 0 {
		return 0
	}
	return (points + maxPageSize - 1) / maxPageSize
}
