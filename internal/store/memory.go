package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradekit/ohlcsync/internal/models"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It enforces
// the same natural-key uniqueness as the SQL backends so duplicate-window
// bugs surface identically.
type MemoryStore struct {
	mu sync.RWMutex

	// bars: map[symbol][timestamp] -> Bar
	bars map[string]map[time.Time]models.Bar

	instruments map[string]models.Instrument

	initialized bool
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:        make(map[string]map[time.Time]models.Bar),
		instruments: make(map[string]models.Instrument),
	}
}

// Initialize implements Manager.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("initialize", "", fmt.Errorf("store is closed"))
	}
	m.initialized = true
	return nil
}

// Close implements Manager.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck implements Manager.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// AppendBars implements BarAppender. The whole batch is rejected if any bar
// fails validation or collides with an existing (symbol, timestamp) key.
func (m *MemoryStore) AppendBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return NewAppendError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewAppendError("bars", fmt.Errorf("store is closed"))
	}

	// Pre-check the batch so a failed append leaves the store untouched.
	seen := make(map[string]map[time.Time]bool)
	for _, bar := range bars {
		key := bar.Timestamp.UTC()
		if existing, ok := m.bars[bar.Symbol]; ok {
			if _, dup := existing[key]; dup {
				return NewAppendError("bars", fmt.Errorf("duplicate natural key %s", bar.SymbolDate()))
			}
		}
		if seen[bar.Symbol] == nil {
			seen[bar.Symbol] = make(map[time.Time]bool)
		}
		if seen[bar.Symbol][key] {
			return NewAppendError("bars", fmt.Errorf("duplicate natural key %s within batch", bar.SymbolDate()))
		}
		seen[bar.Symbol][key] = true
	}

	for _, bar := range bars {
		if m.bars[bar.Symbol] == nil {
			m.bars[bar.Symbol] = make(map[time.Time]models.Bar)
		}
		m.bars[bar.Symbol][bar.Timestamp.UTC()] = bar
	}
	return nil
}

// LatestBar implements BarReader.
func (m *MemoryStore) LatestBar(ctx context.Context, symbol string) (*models.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbolBars, ok := m.bars[symbol]
	if !ok || len(symbolBars) == 0 {
		return nil, nil
	}

	var latest models.Bar
	var found bool
	for _, bar := range symbolBars {
		if !found || bar.Timestamp.After(latest.Timestamp) {
			latest = bar
			found = true
		}
	}
	return &latest, nil
}

// QueryBars implements BarReader.
func (m *MemoryStore) QueryBars(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Bar
	for _, bar := range m.bars[req.Symbol] {
		if !req.Start.IsZero() && bar.Timestamp.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && !bar.Timestamp.Before(req.End) {
			continue
		}
		result = append(result, bar)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	total := len(result)
	if req.Limit > 0 && len(result) > req.Limit {
		result = result[:req.Limit]
	}

	return &QueryResponse{Bars: result, Total: total}, nil
}

// GetInstrument implements InstrumentStore.
func (m *MemoryStore) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrInstrumentNotFound)
	}
	return &inst, nil
}

// ListInstruments implements InstrumentStore.
func (m *MemoryStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// SeedInstruments implements InstrumentStore. Existing symbols are skipped.
func (m *MemoryStore) SeedInstruments(ctx context.Context, instruments []models.Instrument) error {
	for i := range instruments {
		if err := instruments[i].Validate(); err != nil {
			return NewStorageError("seed", "instruments", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range instruments {
		if _, exists := m.instruments[inst.Symbol]; exists {
			continue
		}
		m.instruments[inst.Symbol] = inst
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
