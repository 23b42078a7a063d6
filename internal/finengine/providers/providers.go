// Package providers implements the engine's value resolution chain: an
// ordered list of sources consulted in turn to resolve a formula reference,
// mirroring the teacher's dispatch-by-registered-handler pattern in
// internal/compliance/core/rules_engine.go (RulesEngine.mappers) generalized
// from a map keyed by framework to an ordered chain tried in sequence.
package providers

import (
	"strings"

	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/formula"
	"github.com/example/finengine/internal/finengine/units"
)

// Provider resolves a single reference if it owns that identifier. ok is
// false (with a nil error) when the provider has no opinion on name, so the
// chain can fall through to the next provider; an error return is always
// terminal.
type Provider interface {
	Resolve(name string, shift int) (value float64, ok bool, err error)
}

// Chain tries each Provider in order and implements formula.Resolver,
// returning UnknownReference if no provider in the chain claims the name.
type Chain struct {
	providers []Provider
}

// NewChain builds a Chain trying providers in the given order. Order
// matters: the first provider that claims a name wins, so put the most
// specific providers (e.g. InMemoryProvider over already-computed values)
// ahead of general-purpose ones (DriverValueProvider).
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Resolve implements formula.Resolver.
func (c *Chain) Resolve(name string, shift int) (float64, error) {
	for _, p := range c.providers {
		v, ok, err := p.Resolve(name, shift)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
	}
	return 0, &errs.UnknownReferenceError{Name: name}
}

var _ formula.Resolver = (*Chain)(nil)

// Prepend returns a new Chain that tries extra, in order, before c's own
// providers. Used by the engine to install InMemoryProvider and
// CrossStatementProvider (which need the in-progress period's live values
// map) ahead of the caller-supplied driver/time-series/FX chain.
func (c *Chain) Prepend(extra ...Provider) *Chain {
	combined := make([]Provider, 0, len(extra)+len(c.providers))
	combined = append(combined, extra...)
	combined = append(combined, c.providers...)
	return &Chain{providers: combined}
}

// InMemoryProvider resolves from a flat map of values keyed by identifier
// (no time dimension). The engine places one first in the chain over the
// period's live values map, so a reference to a line computed earlier in the
// period resolves to that value. It only answers references: a line's own
// formula is always evaluated, whatever the map holds for that line.
type InMemoryProvider struct {
	values map[string]float64
}

// NewInMemoryProvider wraps values; a nil map is treated as empty.
func NewInMemoryProvider(values map[string]float64) *InMemoryProvider {
	if values == nil {
		values = map[string]float64{}
	}
	return &InMemoryProvider{values: values}
}

func (p *InMemoryProvider) Set(name string, value float64) {
	p.values[name] = value
}

func (p *InMemoryProvider) Resolve(name string, shift int) (float64, bool, error) {
	if shift != 0 {
		return 0, false, nil
	}
	v, ok := p.values[name]
	return v, ok, nil
}

// DriverValueProvider resolves line item codes that are sourced directly
// from a scenario driver rather than computed by formula, for a single
// (entity, scenario, period) coordinate. shift != 0 always misses: drivers
// are supplied per period by the caller advancing the runner, not looked up
// historically through this provider.
//
// When Converter and LineUnits are set, a driver value whose declared unit
// differs from the line item's own declared unit is converted before it is
// returned (spec §4.1): the driver load path and FXValueProvider share the
// same Converter so a currency pair converts identically through either
// path.
type DriverValueProvider struct {
	Entity    string
	Scenario  string
	Period    string
	Lookup    func(entity, scenario, period, code string) (value float64, unitCode string, ok bool, err error)
	LineUnits map[string]string
	Converter *units.Converter
}

func (p *DriverValueProvider) Resolve(name string, shift int) (float64, bool, error) {
	if shift != 0 {
		return 0, false, nil
	}
	v, driverUnit, ok, err := p.Lookup(p.Entity, p.Scenario, p.Period, name)
	if err != nil || !ok {
		return 0, ok, err
	}
	if p.Converter == nil || driverUnit == "" {
		return v, true, nil
	}
	lineUnit := p.LineUnits[name]
	if lineUnit == "" || lineUnit == driverUnit {
		return v, true, nil
	}
	converted, err := p.Converter.Convert(v, driverUnit, lineUnit, p.Period)
	if err != nil {
		return 0, false, err
	}
	return converted, true, nil
}

// TimeSeriesProvider resolves time-shifted references (CODE[t-1], CODE[t+1])
// against a history of prior-period results, falling back to the
// user-supplied opening balance sheet at the run's boundary. k>0 (future
// values) always fails with a MissingDriverError, since nothing
// pre-computes them. History is keyed by period index relative to the
// period currently being evaluated: history[i] holds the values as of i
// periods before the current one.
type TimeSeriesProvider struct {
	History []map[string]float64
	Opening map[string]float64
}

func (p *TimeSeriesProvider) Resolve(name string, shift int) (float64, bool, error) {
	if shift == 0 {
		return 0, false, nil
	}
	if shift > 0 {
		return 0, false, &errs.MissingDriverError{Code: name}
	}
	idx := -shift - 1
	if idx >= 0 && idx < len(p.History) {
		if v, ok := p.History[idx][name]; ok {
			return v, true, nil
		}
	}
	// spec §9: opening-period references with no entry in the opening
	// balance sheet default to 0 rather than failing.
	if v, ok := p.Opening[name]; ok {
		return v, true, nil
	}
	return 0, true, nil
}

// sectionPrefixes are the cross-statement reference namespaces spec §4.1/§6
// define: ns:LINE resolves to the current period's already-computed value
// for LINE, since the whole template shares one DAG (spec §9) and the
// namespace is purely for human readability.
var sectionPrefixes = map[string]bool{"pl": true, "bs": true, "cf": true, "carbon": true}

// CrossStatementProvider resolves namespace-qualified references ("pl:X",
// "bs:X", "cf:X", "carbon:X") against Values, the same live map the current
// period's InMemoryProvider writes to, implementing spec §4.1's
// cross-statement dependency unification.
type CrossStatementProvider struct {
	Values map[string]float64
}

func (p *CrossStatementProvider) Resolve(name string, shift int) (float64, bool, error) {
	if shift != 0 {
		return 0, false, nil
	}
	ns, line, ok := splitNamespace(name)
	if !ok || !sectionPrefixes[ns] {
		return 0, false, nil
	}
	v, ok := p.Values[line]
	return v, ok, nil
}

func splitNamespace(name string) (ns, rest string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

// FXValueProvider resolves references of the form "FX_<FROM>_<TO>" or
// "FX_<FROM>_<TO>_<TYPE>" (TYPE defaulting to AVERAGE) to the rate of that
// type for Period, as returned by the Rate callback, letting formulas request
// an exchange rate as an ordinary identifier (spec §4.1, §6).
type FXValueProvider struct {
	Period string
	Rate   func(from, to, rateType, periodID string) (float64, bool, error)
}

func (p *FXValueProvider) Resolve(name string, shift int) (float64, bool, error) {
	if shift != 0 {
		return 0, false, nil
	}
	from, to, rateType, ok := parseFXName(name)
	if !ok {
		return 0, false, nil
	}
	v, ok, err := p.Rate(from, to, rateType, p.Period)
	if err != nil {
		return 0, false, err
	}
	return v, ok, nil
}

// parseFXName splits "FX_USD_EUR" or "FX_USD_EUR_CLOSING" into its from/to
// currency codes and rate type, defaulting the type to AVERAGE when absent.
func parseFXName(name string) (from, to, rateType string, ok bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 3 || parts[0] != "FX" {
		return "", "", "", false
	}
	switch len(parts) {
	case 3:
		return parts[1], parts[2], "AVERAGE", true
	case 4:
		return parts[1], parts[2], strings.ToUpper(parts[3]), true
	default:
		return "", "", "", false
	}
}
