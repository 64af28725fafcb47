package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/ohlcsync/internal/store"
)

func TestDefaultInstrumentsAreValid(t *testing.T) {
	for _, instrument := range Default() {
		require.NoError(t, instrument.Validate(), "instrument %s", instrument.Symbol)
	}
}

func TestRunSeedsOnce(t *testing.T) {
	st := store.NewMemoryStore()

	require.NoError(t, Run(context.Background(), st, nil))

	instruments, err := st.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, instruments, len(Default()))

	// Re-running must not duplicate or overwrite.
	require.NoError(t, Run(context.Background(), st, nil))
	instruments, err = st.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, instruments, len(Default()))
}
