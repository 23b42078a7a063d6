package providers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finengine/internal/finengine/errs"
)

func TestChainFallsThroughToNextProvider(t *testing.T) {
	mem := NewInMemoryProvider(map[string]float64{"OVERRIDE": 5})
	driver := &DriverValueProvider{
		Entity: "e1", Scenario: "s1", Period: "2026-01",
		Lookup: func(entity, scenario, period, code string) (float64, string, bool, error) {
			if code == "REVENUE" {
				return 100, "USD", true, nil
			}
			return 0, "", false, nil
		},
	}
	chain := NewChain(mem, driver)

	v, err := chain.Resolve("OVERRIDE", 0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	v, err = chain.Resolve("REVENUE", 0)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestChainUnknownReference(t *testing.T) {
	chain := NewChain(NewInMemoryProvider(nil))
	_, err := chain.Resolve("NOPE", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnknownReference))
}

func TestTimeSeriesProviderResolvesHistoricalShift(t *testing.T) {
	p := &TimeSeriesProvider{
		History: []map[string]float64{
			{"CASH": 1000}, // t-1
			{"CASH": 900},  // t-2
		},
	}
	v, ok, err := p.Resolve("CASH", -1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1000.0, v)

	v, ok, err = p.Resolve("CASH", -2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 900.0, v)

	// Beyond available history with no opening balance, spec §9's zero
	// convention applies: the reference resolves to 0, not a miss.
	v, ok, err = p.Resolve("CASH", -3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestTimeSeriesProviderFallsBackToOpeningBalance(t *testing.T) {
	p := &TimeSeriesProvider{Opening: map[string]float64{"CASH": 1000000}}
	v, ok, err := p.Resolve("CASH", -1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1000000.0, v)
}

func TestTimeSeriesProviderFutureShiftIsMissingDependency(t *testing.T) {
	p := &TimeSeriesProvider{}
	_, _, err := p.Resolve("CASH", 1)
	require.Error(t, err)
}

func TestTimeSeriesProviderIgnoresZeroShift(t *testing.T) {
	p := &TimeSeriesProvider{History: []map[string]float64{{"CASH": 1000}}}
	_, ok, err := p.Resolve("CASH", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrossStatementProviderResolvesQualifiedReference(t *testing.T) {
	p := &CrossStatementProvider{
		Values: map[string]float64{"NET_INCOME": 40000},
	}
	v, ok, err := p.Resolve("pl:NET_INCOME", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40000.0, v)

	_, ok, err = p.Resolve("UNQUALIFIED", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = p.Resolve("notasection:X", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFXValueProviderResolvesReference(t *testing.T) {
	p := &FXValueProvider{
		Period: "2026-01",
		Rate: func(from, to, rateType, periodID string) (float64, bool, error) {
			assert.Equal(t, "USD", from)
			assert.Equal(t, "EUR", to)
			assert.Equal(t, "AVERAGE", rateType)
			return 0.92, true, nil
		},
	}
	v, ok, err := p.Resolve("FX_USD_EUR", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.92, v, 1e-9)
}

func TestFXValueProviderResolvesExplicitRateType(t *testing.T) {
	p := &FXValueProvider{
		Rate: func(from, to, rateType, periodID string) (float64, bool, error) {
			assert.Equal(t, "CLOSING", rateType)
			return 0.91, true, nil
		},
	}
	v, ok, err := p.Resolve("FX_USD_EUR_CLOSING", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.91, v, 1e-9)
}

func TestDriverValueProviderIgnoresShiftedReferences(t *testing.T) {
	p := &DriverValueProvider{
		Lookup: func(entity, scenario, period, code string) (float64, string, bool, error) {
			t.Fatal("should not be called for a shifted reference")
			return 0, "", false, nil
		},
	}
	_, ok, err := p.Resolve("REVENUE", -1)
	require.NoError(t, err)
	assert.False(t, ok)
}
