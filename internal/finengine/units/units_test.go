package units

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finengine/internal/finengine/errs"
)

func baseDefs() []Definition {
	return []Definition{
		{Code: "KG", Category: "mass", ConversionType: ConversionStatic, BaseUnitCode: "KG", ToBaseFactor: 1, FromBaseFactor: 1},
		{Code: "TONNE", Category: "mass", ConversionType: ConversionStatic, BaseUnitCode: "KG", ToBaseFactor: 1000, FromBaseFactor: 0.001},
		{Code: "USD", Category: "currency", ConversionType: ConversionFX, BaseUnitCode: "USD"},
		{Code: "EUR", Category: "currency", ConversionType: ConversionFX, BaseUnitCode: "USD"},
	}
}

func TestConvertIdentity(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	v, err := c.Convert(42, "USD", "USD", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestConvertStaticFactor(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	v, err := c.Convert(2, "TONNE", "KG", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, v)

	v, err = c.Convert(2000, "KG", "TONNE", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestConvertIncompatibleCategories(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	_, err := c.Convert(1, "KG", "USD", "2026-01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIncompatibleUnits))
}

func TestConvertUnknownUnit(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	_, err := c.Convert(1, "KG", "ZZZ", "2026-01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIncompatibleUnits))
}

type stubFX struct {
	rate float64
	ok   bool
	err  error
}

func (s stubFX) Rate(from, to, rateType, periodID string) (float64, bool, error) {
	return s.rate, s.ok, s.err
}

func TestConvertFXDelegation(t *testing.T) {
	c := NewConverter(baseDefs(), stubFX{rate: 0.92, ok: true})
	v, err := c.Convert(100, "USD", "EUR", "2026-01")
	require.NoError(t, err)
	assert.InDelta(t, 92.0, v, 1e-9)
}

func TestConvertFXMissingRate(t *testing.T) {
	c := NewConverter(baseDefs(), stubFX{ok: false})
	_, err := c.Convert(100, "USD", "EUR", "2026-01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMissingFXRate))
}

func TestConvertFXNoSource(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	_, err := c.Convert(100, "USD", "EUR", "2026-01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMissingFXRate))
}

func TestFXCacheIsReusedThenInvalidated(t *testing.T) {
	calls := 0
	fx := fxCounter{fn: func() (float64, bool, error) {
		calls++
		return 0.9, true, nil
	}}
	c := NewConverter(baseDefs(), fx)

	_, err := c.Convert(10, "USD", "EUR", "2026-01")
	require.NoError(t, err)
	_, err = c.Convert(10, "USD", "EUR", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c.InvalidatePeriod("2026-01")
	_, err = c.Convert(10, "USD", "EUR", "2026-01")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type fxCounter struct {
	fn func() (float64, bool, error)
}

func (f fxCounter) Rate(from, to, rateType, periodID string) (float64, bool, error) {
	return f.fn()
}

func TestLookupUnknownUnit(t *testing.T) {
	c := NewConverter(baseDefs(), nil)
	_, err := c.Lookup("ZZZ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnknownUnit))
}
