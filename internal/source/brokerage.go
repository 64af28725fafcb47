package source

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradekit/ohlcsync/internal/models"
	"github.com/tradekit/ohlcsync/internal/schedule"
)

const (
	// lookbackPeriod and barGranularity are fixed: the gateway's history
	// endpoint is always asked for five years of daily bars and the window
	// filter cuts the result down to the missing range.
	lookbackPeriod = "5y"
	barGranularity = "1d"

	// finalizationLag keeps the still-forming bar out of the results. The
	// upper window bound is the current time minus this lag.
	finalizationLag = 20 * time.Minute
)

// brokerageEpoch is the lower bound used when no bars are stored yet. The
// gateway's lookback never reaches this far back, so it admits everything.
var brokerageEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// BrokerageSource fetches daily bars through a brokerage REST gateway. Unlike
// the paginated vendor it has no range parameters: every fetch pulls the full
// fixed lookback and filters it to the window locally.
type BrokerageSource struct {
	instrument models.Instrument
	host       string
	gate       schedule.Gate
	client     *http.Client
	logger     *slog.Logger
	nowFn      func() time.Time

	conid string
}

// BrokerageOption configures a BrokerageSource.
type BrokerageOption func(*BrokerageSource)

// WithBrokerageHTTPClient overrides the HTTP client.
func WithBrokerageHTTPClient(client *http.Client) BrokerageOption {
	return func(s *BrokerageSource) {
		s.client = client
	}
}

// WithBrokerageNowFunc overrides the clock, primarily for tests.
func WithBrokerageNowFunc(fn func() time.Time) BrokerageOption {
	return func(s *BrokerageSource) {
		s.nowFn = fn
	}
}

// WithBrokerageGate installs a schedule gate consulted before each fetch. A
// nil gate means fetches always run.
func WithBrokerageGate(gate schedule.Gate) BrokerageOption {
	return func(s *BrokerageSource) {
		s.gate = gate
	}
}

// NewBrokerageSource creates a source talking to the gateway at host, e.g.
// "https://ibeam:5000". The gateway serves a self-signed certificate, so the
// default client skips verification.
func NewBrokerageSource(instrument models.Instrument, host string, logger *slog.Logger, opts ...BrokerageOption) *BrokerageSource {
	if logger == nil {
		logger = slog.Default()
	}

	s := &BrokerageSource{
		instrument: instrument,
		host:       host,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		logger: logger.With("source", "brokerage", "symbol", instrument.Symbol),
		nowFn:  time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type secdefSearchResult struct {
	Conid json.Number `json:"conid"`
}

type historyResponse struct {
	Data []historyPoint `json:"data"`
}

type historyPoint struct {
	Open   float64 `json:"o"`
	Close  float64 `json:"c"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Volume float64 `json:"v"`
	Time   int64   `json:"t"` // epoch milliseconds
}

func (p historyPoint) timestamp() time.Time {
	return time.UnixMilli(p.Time).UTC()
}

func (p historyPoint) toBar(symbol string) models.Bar {
	return models.Bar{
		Symbol:    symbol,
		Timestamp: p.timestamp(),
		Open:      decimal.NewFromFloat(p.Open).String(),
		High:      decimal.NewFromFloat(p.High).String(),
		Low:       decimal.NewFromFloat(p.Low).String(),
		Close:     decimal.NewFromFloat(p.Close).String(),
		Volume:    decimal.NewFromFloat(p.Volume).String(),
	}
}

// FetchBars pulls the fixed lookback from the gateway and keeps only bars
// strictly inside the window. The lower bound is the end of the Start date,
// so every bar of the Start day itself is excluded regardless of its intraday
// timestamp; the upper bound is the current time minus the finalization lag.
// An empty result means nothing new is available and is not an error.
func (s *BrokerageSource) FetchBars(ctx context.Context, w Window) ([]models.Bar, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch window: %w", err)
	}

	if s.gate != nil {
		allowed, err := s.gate.Allow(ctx, s.instrument, schedule.KindForecast)
		if err != nil {
			return nil, fmt.Errorf("schedule check failed: %w", err)
		}
		if !allowed {
			s.logger.Info("outside scheduled window, skipping fetch")
			return nil, nil
		}
	}

	conid, err := s.resolveConid(ctx)
	if err != nil {
		return nil, err
	}

	points, err := s.fetchHistory(ctx, conid)
	if err != nil {
		return nil, err
	}

	lower := brokerageEpoch
	if w.Start != nil {
		lower = endOfDay(*w.Start)
	}
	upper := s.nowFn().UTC().Add(-finalizationLag)

	kept := filterWindow(points, lower, upper)

	bars := make([]models.Bar, 0, len(kept))
	for _, p := range kept {
		bars = append(bars, p.toBar(s.instrument.Symbol))
	}

	s.logger.Debug("fetch complete", "fetched", len(points), "kept", len(bars))
	return bars, nil
}

// resolveConid looks up the gateway's numeric contract id for the
// instrument's symbol. The first search hit wins; the id is cached for the
// life of the source.
func (s *BrokerageSource) resolveConid(ctx context.Context) (string, error) {
	if s.conid != "" {
		return s.conid, nil
	}

	endpoint := fmt.Sprintf("%s/v1/api/iserver/secdef/search?symbol=%s", s.host, url.QueryEscape(s.instrument.Symbol))

	var results []secdefSearchResult
	if err := getJSON(ctx, s.client, endpoint, &results); err != nil {
		return "", fmt.Errorf("contract search failed: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("no contract found for symbol %s", s.instrument.Symbol)
	}

	s.conid = results[0].Conid.String()
	s.logger.Debug("resolved contract", "conid", s.conid)
	return s.conid, nil
}

func (s *BrokerageSource) fetchHistory(ctx context.Context, conid string) ([]historyPoint, error) {
	params := url.Values{}
	params.Set("conid", conid)
	params.Set("period", lookbackPeriod)
	params.Set("bar", barGranularity)

	endpoint := fmt.Sprintf("%s/v1/api/iserver/marketdata/history?%s", s.host, params.Encode())

	var resp historyResponse
	if err := getJSON(ctx, s.client, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}

	return resp.Data, nil
}

// HealthCheck tickles the gateway to verify it is up and authenticated.
func (s *BrokerageSource) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1/api/tickle", s.host)
	var resp map[string]interface{}
	if err := getJSON(ctx, s.client, endpoint, &resp); err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	return nil
}

// filterWindow keeps points with timestamps strictly between after and
// before.
func filterWindow(points []historyPoint, after, before time.Time) []historyPoint {
	kept := make([]historyPoint, 0, len(points))
	for _, p := range points {
		t := p.timestamp()
		if t.After(after) && t.Before(before) {
			kept = append(kept, p)
		}
	}
	return kept
}

// endOfDay returns the last instant of the given date.
func endOfDay(d time.Time) time.Time {
	return d.AddDate(0, 0, 1).Add(-time.Nanosecond)
}
