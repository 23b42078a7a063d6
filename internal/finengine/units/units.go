// Package units implements the engine's unit conversion contract: converting
// a value between unit codes, optionally delegating to an FX source when the
// two units are currency units linked only by an exchange rate. The cache
// shape mirrors internal/emissions/factors/registry.go's InMemoryRegistry
// (RWMutex-guarded map, lazily populated).
package units

import (
	"sync"

	"github.com/example/finengine/internal/finengine/errs"
)

// ConversionType distinguishes unit pairs convertible by a static factor
// from those requiring FX delegation.
type ConversionType string

const (
	ConversionStatic ConversionType = "static"
	ConversionFX     ConversionType = "fx"
)

// Definition describes one unit: its category (e.g. "currency", "mass",
// "energy"), its base unit within that category, and the static factors
// converting to/from that base unit. Currency units carry zero factors and
// rely on an FXSource instead.
type Definition struct {
	Code            string
	Category        string
	ConversionType  ConversionType
	BaseUnitCode    string
	ToBaseFactor    float64
	FromBaseFactor  float64
}

// FXSource resolves an exchange rate between two currency-like unit codes
// for a given period. RateType distinguishes e.g. "AVERAGE" from "CLOSING"
// rates where the store carries both.
type FXSource interface {
	Rate(from, to, rateType, periodID string) (float64, bool, error)
}

// Converter holds the set of known unit definitions and an optional FX
// source, caching static-factor lookups and FX lookups independently since
// FX rates are period-scoped and unit factors are not.
type Converter struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	fx          FXSource
	fxCache     map[fxCacheKey]float64
}

type fxCacheKey struct {
	from, to, rateType, period string
}

// NewConverter builds a Converter from a set of unit definitions and an
// optional FX source (nil disables FX-based conversion).
func NewConverter(defs []Definition, fx FXSource) *Converter {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Code] = d
	}
	return &Converter{
		definitions: m,
		fx:          fx,
		fxCache:     make(map[fxCacheKey]float64),
	}
}

// Define registers or replaces a single unit definition.
func (c *Converter) Define(d Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[d.Code] = d
}

// Convert converts value from unit `from` to unit `to`, at the given period
// (used only for FX-based conversions; static conversions ignore it). FX
// conversions use the "AVERAGE" rate type, the same default an FX_<FROM>_<TO>
// formula reference gets; use ConvertAt to select another rate type (e.g.
// "CLOSING").
//
// Conversion follows the chain: identity (from == to) -> same category via
// static factors through each unit's base -> FX delegation for currency
// pairs carrying no static factor.
func (c *Converter) Convert(value float64, from, to, periodID string) (float64, error) {
	return c.ConvertAt(value, from, to, "AVERAGE", periodID)
}

// ConvertAt is Convert with an explicit FX rate type, letting callers (e.g.
// FXValueProvider) request a closing or opening rate instead of the AVERAGE
// default through the same cache and definitions Convert uses.
func (c *Converter) ConvertAt(value float64, from, to, rateType, periodID string) (float64, error) {
	if from == to {
		return value, nil
	}

	c.mu.RLock()
	fromDef, fromOK := c.definitions[from]
	toDef, toOK := c.definitions[to]
	c.mu.RUnlock()

	if !fromOK {
		return 0, &errs.IncompatibleUnitsError{From: from, To: to}
	}
	if !toOK {
		return 0, &errs.IncompatibleUnitsError{From: from, To: to}
	}

	if fromDef.Category != toDef.Category {
		return 0, &errs.IncompatibleUnitsError{From: from, To: to}
	}

	if fromDef.ConversionType == ConversionFX || toDef.ConversionType == ConversionFX {
		return c.convertFX(value, from, to, rateType, periodID)
	}

	baseValue := value
	if fromDef.BaseUnitCode != "" && fromDef.BaseUnitCode != from {
		baseValue = value * fromDef.ToBaseFactor
	}

	if toDef.BaseUnitCode == "" || toDef.BaseUnitCode == to {
		return baseValue, nil
	}
	return baseValue * toDef.FromBaseFactor, nil
}

func (c *Converter) convertFX(value float64, from, to, rateType, periodID string) (float64, error) {
	if c.fx == nil {
		return 0, &errs.MissingFXRateError{From: from, To: to, RateType: rateType, Period: periodID}
	}

	key := fxCacheKey{from: from, to: to, rateType: rateType, period: periodID}

	c.mu.RLock()
	rate, cached := c.fxCache[key]
	c.mu.RUnlock()

	if !cached {
		r, ok, err := c.fx.Rate(from, to, rateType, periodID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, &errs.MissingFXRateError{From: from, To: to, RateType: rateType, Period: periodID}
		}
		rate = r
		c.mu.Lock()
		c.fxCache[key] = rate
		c.mu.Unlock()
	}

	return value * rate, nil
}

// InvalidatePeriod drops cached FX rates for a single period, used when a
// store-backed FX source's underlying rates change between runs.
func (c *Converter) InvalidatePeriod(periodID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.fxCache {
		if k.period == periodID {
			delete(c.fxCache, k)
		}
	}
}

// Lookup returns a unit's definition, implementing the UnknownUnit error
// contract for callers that need to validate a unit code exists before
// using it (e.g. the template loader).
func (c *Converter) Lookup(code string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.definitions[code]
	if !ok {
		return Definition{}, &errs.UnknownUnitError{Code: code}
	}
	return d, nil
}
