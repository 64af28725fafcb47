package source

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tradekit/ohlcsync/internal/models"
	"github.com/tradekit/ohlcsync/internal/schedule"
)

// Data source names recognized by the selector. Instruments carry one of
// these in their DataSource field.
const (
	SourceCryptoCompare      = "crypto-compare"
	SourceInteractiveBrokers = "interactive-brokers"
)

// SelectorConfig carries the credentials and endpoints the concrete sources
// need.
type SelectorConfig struct {
	// CryptoCompareAPIKey authenticates histoday requests. May be empty for
	// unauthenticated free-tier access.
	CryptoCompareAPIKey string

	// BrokerageHost is the gateway base URL, e.g. "https://ibeam:5000".
	BrokerageHost string

	// Gate, when non-nil, is consulted by the brokerage source before each
	// fetch.
	Gate schedule.Gate

	// HTTPClient overrides the sources' HTTP client, primarily for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Selector builds the concrete BarSource for an instrument's configured data
// source name.
type Selector struct {
	cfg    SelectorConfig
	logger *slog.Logger
}

// NewSelector creates a selector from the given configuration.
func NewSelector(cfg SelectorConfig) *Selector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{cfg: cfg, logger: logger}
}

// Select returns a source for the name, matched case-insensitively. An
// unrecognized name returns ErrUnknownSource; callers must treat that as a
// configuration fault, not skip the instrument.
func (s *Selector) Select(name string, instrument models.Instrument) (BarSource, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SourceCryptoCompare:
		opts := []CryptoCompareOption{}
		if s.cfg.HTTPClient != nil {
			opts = append(opts, WithCryptoCompareHTTPClient(s.cfg.HTTPClient))
		}
		return NewCryptoCompareSource(instrument, s.cfg.CryptoCompareAPIKey, s.logger, opts...), nil

	case SourceInteractiveBrokers:
		opts := []BrokerageOption{}
		if s.cfg.Gate != nil {
			opts = append(opts, WithBrokerageGate(s.cfg.Gate))
		}
		if s.cfg.HTTPClient != nil {
			opts = append(opts, WithBrokerageHTTPClient(s.cfg.HTTPClient))
		}
		return NewBrokerageSource(instrument, s.cfg.BrokerageHost, s.logger, opts...), nil

	default:
		return nil, fmt.Errorf("data source %q: %w", name, ErrUnknownSource)
	}
}
