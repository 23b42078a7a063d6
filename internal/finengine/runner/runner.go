// Package runner implements the multi-period runner (spec §4.7): stepping
// a template forward period by period, determining which scenario actions
// are active each period, deriving a mutated template via the actions
// package, running the engine, and carrying forward the history
// time-shifted references need.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/finengine/internal/finengine/actions"
	"github.com/example/finengine/internal/finengine/engine"
	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/formula"
	"github.com/example/finengine/internal/finengine/providers"
	"github.com/example/finengine/internal/finengine/store"
	"github.com/example/finengine/internal/finengine/template"
	"github.com/example/finengine/internal/finengine/units"
)

// Request bundles one multi-period run's parameters: a single entity,
// scenario, template, and the ordered list of period IDs to compute.
// Period IDs must already be in chronological order; the runner never
// reorders them.
type Request struct {
	Entity          string
	Scenario        string
	TemplateCode    string
	Periods         []string
	ValidationRules []engine.ValidationRule

	// OpeningBalances seeds TimeSeriesProvider for the first period's
	// X[t-1] references (spec §9); a line with no entry here and no prior
	// period defaults to 0.
	OpeningBalances map[string]float64
}

// Result is the runner's output: every period's engine output, keyed by
// period ID, plus the order they were computed in.
type Result struct {
	Periods []string
	Outputs map[string]*engine.PeriodOutput
}

// Runner steps a template through a sequence of periods, applying active
// scenario actions and persisting results via Store.
type Runner struct {
	store     store.Store
	engine    *engine.Engine
	converter *units.Converter
	logger    *slog.Logger
}

// New builds a Runner.
func New(st store.Store, eng *engine.Engine, converter *units.Converter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: st, engine: eng, converter: converter, logger: logger}
}

// Run executes req's periods in order. Cancellation via ctx is checked only
// between periods, never mid-period, so a single period's calculation
// always completes or fails atomically (spec §5).
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	baseTemplate, err := r.store.FetchTemplate(ctx, req.TemplateCode)
	if err != nil {
		return nil, fmt.Errorf("fetch template %q: %w", req.TemplateCode, err)
	}

	bindings, err := r.store.FetchScenarioActions(ctx, req.Scenario)
	if err != nil {
		return nil, fmt.Errorf("fetch scenario actions for %q: %w", req.Scenario, err)
	}

	result := &Result{Periods: append([]string{}, req.Periods...), Outputs: make(map[string]*engine.PeriodOutput, len(req.Periods))}

	// derivedCache memoizes the cloned-and-transformed template keyed by
	// base template, scenario, period, and the sorted set of currently
	// active action codes (spec §9's derived-template caching note): any of
	// those inputs can change the derived template.
	derivedCache := make(map[string]*template.Template)

	var history []map[string]float64 // history[0] = most recent prior period
	stickyActive := make(map[string]bool)

	for _, period := range req.Periods {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		drivers, err := r.store.FetchDrivers(ctx, req.Entity, req.Scenario, period)
		if err != nil {
			return result, fmt.Errorf("fetch drivers for period %q: %w", period, err)
		}

		active, err := r.activeBindings(bindings, period, history, stickyActive)
		if err != nil {
			return result, err
		}

		driverValues, driverLookup, err := indexDrivers(baseTemplate, drivers, r.converter, period)
		if err != nil {
			return result, fmt.Errorf("convert drivers for period %q: %w", period, err)
		}

		key := cacheKey(baseTemplate.Code, req.Scenario, period, active)
		derived, ok := derivedCache[key]
		if !ok {
			derivedCode := baseTemplate.Code
			if len(active) > 0 {
				derivedCode = derivedTemplateCode(baseTemplate.Code, req.Scenario, period, active)
			}
			derived, err = actions.ApplyAll(baseTemplate, derivedCode, active, driverValues)
			if err != nil {
				return result, err
			}
			derivedCache[key] = derived
		}

		chain := providers.NewChain(
			&providers.DriverValueProvider{
				Entity: req.Entity, Scenario: req.Scenario, Period: period, Lookup: driverLookup,
				LineUnits: lineUnitMap(baseTemplate), Converter: r.converter,
			},
			&providers.TimeSeriesProvider{History: history, Opening: req.OpeningBalances},
			&providers.FXValueProvider{Period: period, Rate: r.fxRate},
		)

		output, err := r.engine.RunPeriod(ctx, engine.PeriodInput{
			Entity: req.Entity, Scenario: req.Scenario, PeriodID: period,
			Template: derived, Providers: chain, ValidationRules: req.ValidationRules,
		})
		if err != nil {
			return result, fmt.Errorf("period %q: %w", period, err)
		}

		for code, value := range output.Values {
			li, lookupErr := derived.Lookup(code)
			unitCode := ""
			if lookupErr == nil {
				unitCode = li.UnitCode
			}
			if err := r.store.PersistPeriodResult(ctx, store.PeriodResult{
				Entity: req.Entity, Scenario: req.Scenario, PeriodID: period,
				TemplateCode: req.TemplateCode, LineItemCode: code, Value: value, UnitCode: unitCode,
			}); err != nil {
				return result, fmt.Errorf("persist result %s/%q: %w", code, period, err)
			}
		}

		result.Outputs[period] = output
		history = append([]map[string]float64{output.Values}, history...)
	}

	return result, nil
}

// fxRate backs FXValueProvider's callback. When the runner holds a
// Converter (spec §4.2: "both the driver load path and the FXValueProvider
// use the same converter"), the rate is read through it so the two paths
// share one cache and one FXSource; otherwise it falls back to querying the
// store directly, matching tests that build a Runner with a nil converter.
func (r *Runner) fxRate(from, to, rateType, periodID string) (float64, bool, error) {
	if r.converter != nil {
		rate, err := r.converter.ConvertAt(1.0, from, to, rateType, periodID)
		if err != nil {
			var missing *errs.MissingFXRateError
			if errors.As(err, &missing) {
				return 0, false, nil
			}
			return 0, false, err
		}
		return rate, true, nil
	}
	return r.store.FetchFX(context.Background(), from, to, rateType, periodID)
}

// derivedTemplateCode builds the deterministic cache key spec §4.7 step 3
// names for a derived template: base code, scenario, period, and the sorted
// active-action codes joined.
func derivedTemplateCode(baseCode, scenario, period string, active []store.ScenarioActionBinding) string {
	codes := make([]string, len(active))
	for i, b := range active {
		codes[i] = b.ActionCode
	}
	sort.Strings(codes)
	return fmt.Sprintf("%s_S%s_P%s_%s", baseCode, scenario, period, strings.Join(codes, "+"))
}

// indexDrivers resolves each driver-sourced line item's current period
// value. It returns two things consumers need independently: DriverValues,
// already converted into each line item's own declared unit for the action
// engine's eager multiply/add substitution (rewriteWithOperand bakes the
// value straight into that line item's formula), and a raw (value,
// unitCode) lookup for DriverValueProvider, which converts again against
// whatever line item the chain is resolving for — the same driver can back
// two line items declared in different units.
func indexDrivers(tpl *template.Template, drivers []store.Driver, converter *units.Converter, period string) (actions.DriverValues, func(entity, scenario, period, code string) (float64, string, bool, error), error) {
	byCode := make(map[string]store.Driver, len(drivers))
	for _, d := range drivers {
		byCode[d.Code] = d
	}

	values := actions.DriverValues{}
	rawByLineCode := make(map[string]store.Driver, len(drivers))
	for _, li := range tpl.LineItems() {
		if li.ValueSource != template.SourceDriver {
			continue
		}
		d, ok := byCode[li.DriverCode]
		if !ok {
			continue
		}
		rawByLineCode[li.Code] = d

		v := d.Value
		if converter != nil && d.UnitCode != "" && li.UnitCode != "" && d.UnitCode != li.UnitCode {
			converted, err := converter.Convert(d.Value, d.UnitCode, li.UnitCode, period)
			if err != nil {
				return nil, nil, fmt.Errorf("convert driver %q (%s) to line %q (%s): %w", d.Code, d.UnitCode, li.Code, li.UnitCode, err)
			}
			v = converted
		}
		values[li.Code] = v
	}

	lookup := func(entity, scenario, period, code string) (float64, string, bool, error) {
		d, ok := rawByLineCode[code]
		if !ok {
			return 0, "", false, nil
		}
		return d.Value, d.UnitCode, true, nil
	}

	return values, lookup, nil
}

// lineUnitMap indexes every line item's declared unit by its code, for
// DriverValueProvider to resolve the conversion target of whichever
// reference it is asked for.
func lineUnitMap(tpl *template.Template) map[string]string {
	items := tpl.LineItems()
	m := make(map[string]string, len(items))
	for _, li := range items {
		if li.UnitCode != "" {
			m[li.Code] = li.UnitCode
		}
	}
	return m
}

// activeBindings determines which scenario action bindings apply to the
// given period, evaluating timed windows and conditional triggers against
// the most recent prior period's values. Sticky conditional actions, once
// triggered, remain active for every subsequent period regardless of
// whether the condition still holds (hysteresis).
func (r *Runner) activeBindings(bindings []store.ScenarioActionBinding, period string, history []map[string]float64, stickyActive map[string]bool) ([]store.ScenarioActionBinding, error) {
	var active []store.ScenarioActionBinding
	for _, b := range bindings {
		isActive, err := r.isBindingActive(b, period, history, stickyActive)
		if err != nil {
			return nil, err
		}
		if isActive {
			active = append(active, b)
			if b.Sticky {
				stickyActive[b.ActionCode] = true
			}
		}
	}
	return active, nil
}

func (r *Runner) isBindingActive(b store.ScenarioActionBinding, period string, history []map[string]float64, stickyActive map[string]bool) (bool, error) {
	if b.Sticky && stickyActive[b.ActionCode] {
		return true, nil
	}

	switch b.TriggerType {
	case store.TriggerUnconditional:
		// spec §4.7 step 2: p >= start_period and (end_period is null or
		// p <= end_period).
		if b.StartPeriod != "" && period < b.StartPeriod {
			return false, nil
		}
		if b.EndPeriod != "" && period > b.EndPeriod {
			return false, nil
		}
		return true, nil

	case store.TriggerTimed:
		// spec §4.7 step 2: p == trigger_period, or when end_period is set,
		// trigger_period <= p <= end_period. StartPeriod holds trigger_period.
		if b.EndPeriod == "" {
			return period == b.StartPeriod, nil
		}
		return b.StartPeriod <= period && period <= b.EndPeriod, nil

	case store.TriggerConditional:
		if b.TriggerCondition == "" || len(history) == 0 {
			return false, nil
		}
		evaluator := formula.NewEvaluator(priorPeriodResolver{values: history[0]})
		v, err := evaluator.Eval(b.TriggerCondition)
		if err != nil {
			return false, err
		}
		return v != 0, nil

	default:
		return false, nil
	}
}

type priorPeriodResolver struct {
	values map[string]float64
}

func (r priorPeriodResolver) Resolve(name string, shift int) (float64, error) {
	if shift != 0 {
		return 0, fmt.Errorf("trigger conditions may only reference the prior period's values directly")
	}
	v, ok := r.values[name]
	if !ok {
		return 0, fmt.Errorf("trigger condition references unknown line item %q", name)
	}
	return v, nil
}

// cacheKey must include the base template, scenario id, period id, and
// sorted active-action set (spec §9's derived-template caching note):
// conditional actions can differ between scenarios with the same action
// set, and timed actions vary by period, so omitting either risks aliasing.
func cacheKey(baseCode, scenario, period string, bindings []store.ScenarioActionBinding) string {
	codes := make([]string, len(bindings))
	for i, b := range bindings {
		codes[i] = b.ActionCode
	}
	sort.Strings(codes)
	return baseCode + "|" + scenario + "|" + period + "|" + strings.Join(codes, ",")
}
