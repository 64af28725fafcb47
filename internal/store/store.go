// Package store defines the persistence layer for the OHLC sync pipeline.
// The interfaces abstract over different relational backends (DuckDB,
// PostgreSQL, in-memory) while keeping the sync engine ignorant of SQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradekit/ohlcsync/internal/models"
)

// ErrInstrumentNotFound is returned when a symbol has not been seeded into
// the instrument registry.
var ErrInstrumentNotFound = errors.New("instrument not found")

// BarAppender persists bars. Bars are append-only; the sync engine never
// updates or deletes them.
type BarAppender interface {
	// AppendBars writes a batch of bars in a single operation. Every bar is
	// validated before the write. A duplicate natural key (symbol, timestamp)
	// fails the whole batch with a *StorageError: duplicates indicate a
	// window-computation bug upstream and must never be silently dropped.
	AppendBars(ctx context.Context, bars []models.Bar) error
}

// BarReader retrieves stored bars.
type BarReader interface {
	// LatestBar returns the most recent bar for a symbol, or (nil, nil) when
	// the symbol has no stored bars yet.
	LatestBar(ctx context.Context, symbol string) (*models.Bar, error)

	// QueryBars retrieves bars for a symbol filtered by the request's time
	// range, ordered by timestamp ascending.
	QueryBars(ctx context.Context, req QueryRequest) (*QueryResponse, error)
}

// InstrumentStore exposes the seeded instrument registry. Instruments are
// read-only to the sync engine; SeedInstruments is used only by the init
// runner and is idempotent.
type InstrumentStore interface {
	// GetInstrument returns the instrument for a symbol or an error wrapping
	// ErrInstrumentNotFound when the symbol is unknown.
	GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error)

	// ListInstruments returns all seeded instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]models.Instrument, error)

	// SeedInstruments inserts instruments that are not already present.
	// Existing symbols are left untouched.
	SeedInstruments(ctx context.Context, instruments []models.Instrument) error
}

// Manager handles storage lifecycle concerns.
type Manager interface {
	// Initialize creates the schema. Safe to call repeatedly.
	Initialize(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight query.
	HealthCheck(ctx context.Context) error
}

// Store combines every storage capability the pipeline needs.
type Store interface {
	BarAppender
	BarReader
	InstrumentStore
	Manager
}

// QueryRequest filters a bar query. Zero time values disable the
// corresponding bound.
type QueryRequest struct {
	Symbol string
	Start  time.Time // inclusive
	End    time.Time // exclusive
	Limit  int       // 0 = no limit
}

// QueryResponse carries the results of a bar query.
type QueryResponse struct {
	Bars  []models.Bar
	Total int
}

// StorageError wraps a failed storage operation with enough context to tell
// a duplicate-key logic error apart from an infrastructure failure.
type StorageError struct {
	Operation string // e.g. "append", "query", "initialize"
	Table     string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewAppendError creates a StorageError for append operations.
func NewAppendError(table string, err error) *StorageError {
	return &StorageError{Operation: "append", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}
