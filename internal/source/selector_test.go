package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorSelect(t *testing.T) {
	selector := NewSelector(SelectorConfig{
		CryptoCompareAPIKey: "key",
		BrokerageHost:       "https://ibeam:5000",
	})

	tests := []struct {
		name       string
		sourceName string
		wantType   interface{}
	}{
		{name: "crypto compare", sourceName: "crypto-compare", wantType: &CryptoCompareSource{}},
		{name: "interactive brokers", sourceName: "interactive-brokers", wantType: &BrokerageSource{}},
		{name: "case insensitive", sourceName: "Crypto-Compare", wantType: &CryptoCompareSource{}},
		{name: "surrounding whitespace", sourceName: " interactive-brokers ", wantType: &BrokerageSource{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := selector.Select(tt.sourceName, cryptoInstrument())
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, src)
		})
	}
}

func TestSelectorSelectUnknown(t *testing.T) {
	selector := NewSelector(SelectorConfig{})

	src, err := selector.Select("yahoo-finance", cryptoInstrument())

	require.Error(t, err)
	assert.Nil(t, src)
	assert.True(t, errors.Is(err, ErrUnknownSource))
	assert.Contains(t, err.Error(), "yahoo-finance")
}
