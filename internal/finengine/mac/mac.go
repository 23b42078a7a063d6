// Package mac implements the scenario generator and Marginal Abatement Cost
// curve computation (spec §4.9): enumerating action subsets combinatorially
// or diagonally, then measuring each action's actual emission reduction by
// executing the model rather than trusting its metadata estimate.
package mac

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/example/finengine/internal/finengine/actions"
	"github.com/example/finengine/internal/finengine/engine"
	"github.com/example/finengine/internal/finengine/providers"
	"github.com/example/finengine/internal/finengine/store"
	"github.com/example/finengine/internal/finengine/template"
	"github.com/example/finengine/internal/finengine/units"
)

// Configuration is one action-subset scenario the generator enumerates: its
// display name and the action codes active in it.
type Configuration struct {
	Name    string
	Actions []string
}

// GenerateCombinatorial emits 2^N configurations for N action codes: action j
// is active in configuration i iff bit j of i is set. Configuration 0 is
// named "Base"; every other configuration is named by joining its active
// codes, in index order, with "+".
func GenerateCombinatorial(actionCodes []string) []Configuration {
	n := len(actionCodes)
	total := 1 << n
	configs := make([]Configuration, total)
	for i := 0; i < total; i++ {
		var active []string
		for j, code := range actionCodes {
			if i&(1<<j) != 0 {
				active = append(active, code)
			}
		}
		configs[i] = Configuration{Name: configName(active), Actions: active}
	}
	return configs
}

// GenerateDiagonal emits N+1 configurations: a baseline with no actions, plus
// one configuration per action with only that action active — the shape MAC
// computation runs (spec §4.9's diagonal mode).
func GenerateDiagonal(actionCodes []string) []Configuration {
	configs := make([]Configuration, 0, len(actionCodes)+1)
	configs = append(configs, Configuration{Name: "Base"})
	for _, code := range actionCodes {
		configs = append(configs, Configuration{Name: code, Actions: []string{code}})
	}
	return configs
}

func configName(active []string) string {
	if len(active) == 0 {
		return "Base"
	}
	return strings.Join(active, "+")
}

// Point is one computed MAC curve entry (spec §3's MACPoint). Undefined is
// set when ActualReductionTCO2e is zero, per spec §4.9: mac_k has no defined
// value in that case rather than a division result.
type Point struct {
	ActionCode           string
	ActualReductionTCO2e float64
	AnnualizedCost       float64
	MarginalCostPerTCO2e float64
	CumulativeReduction  float64
	Undefined            bool
}

// Curve is the MAC curve spec §4.9 emits: points sorted ascending by
// MarginalCostPerTCO2e with a running cumulative reduction.
type Curve struct {
	Points []Point
}

// Request bundles what ComputeMACCurve needs to run the baseline and each
// single-action scenario for one period.
type Request struct {
	Entity            string
	Scenario          string
	TemplateCode      string
	Period            string
	EmissionsLineCode string

	// Actions is the management action catalog entries to compute points
	// for; their CapEx/OpExAnnual/AmortizationYears drive annualized_cost.
	Actions []store.ManagementAction

	// Bindings supplies each action's transformations, keyed by its code.
	// ComputeMACCurve forces every binding's trigger to unconditional,
	// start_period = Period, per spec §4.9's MAC special case, regardless of
	// how the action is actually bound in its originating scenario.
	Bindings map[string]store.ScenarioActionBinding

	// Converter is optional; when set, driver values are converted into
	// each line item's declared unit the same way the runner does (spec
	// §4.2), so MAC configurations see identical driver semantics to a
	// normal scenario run.
	Converter *units.Converter
}

// ComputeMACCurve runs the baseline and one single-action scenario per
// action concurrently (spec §5: scenarios are stateless and parallelizable),
// then derives each point from the actually measured emissions delta, never
// the action's metadata emission_reduction_annual, because transformations
// may have indirect effects the metadata cannot capture.
func ComputeMACCurve(ctx context.Context, st store.Store, eng *engine.Engine, req Request) (*Curve, error) {
	baseTemplate, err := st.FetchTemplate(ctx, req.TemplateCode)
	if err != nil {
		return nil, fmt.Errorf("fetch template %q: %w", req.TemplateCode, err)
	}
	drivers, err := st.FetchDrivers(ctx, req.Entity, req.Scenario, req.Period)
	if err != nil {
		return nil, fmt.Errorf("fetch drivers: %w", err)
	}
	driverValues, driverLookup, err := indexDrivers(baseTemplate, drivers, req.Converter, req.Period)
	if err != nil {
		return nil, fmt.Errorf("convert drivers: %w", err)
	}

	actionCodes := make([]string, len(req.Actions))
	costByCode := make(map[string]store.ManagementAction, len(req.Actions))
	for i, a := range req.Actions {
		actionCodes[i] = a.Code
		costByCode[a.Code] = a
	}

	configs := GenerateDiagonal(actionCodes)
	emissions := make([]float64, len(configs))

	g, gctx := errgroup.WithContext(ctx)
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			v, err := runConfiguration(gctx, eng, req, baseTemplate, driverValues, driverLookup, cfg)
			if err != nil {
				return fmt.Errorf("configuration %q: %w", cfg.Name, err)
			}
			emissions[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	baseline := emissions[0]
	points := make([]Point, len(actionCodes))
	for i, code := range actionCodes {
		withAction := emissions[i+1]
		actualReduction := baseline - withAction
		a := costByCode[code]
		annualizedCost := a.CapEx/a.AmortizationYears + a.OpExAnnual

		p := Point{ActionCode: code, ActualReductionTCO2e: actualReduction, AnnualizedCost: annualizedCost}
		if actualReduction != 0 {
			p.MarginalCostPerTCO2e = annualizedCost / actualReduction
		} else {
			p.Undefined = true
		}
		points[i] = p
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].MarginalCostPerTCO2e < points[j].MarginalCostPerTCO2e
	})

	var cumulative float64
	for i := range points {
		if points[i].ActualReductionTCO2e > 0 {
			cumulative += points[i].ActualReductionTCO2e
		}
		points[i].CumulativeReduction = cumulative
	}

	return &Curve{Points: points}, nil
}

func runConfiguration(
	ctx context.Context,
	eng *engine.Engine,
	req Request,
	baseTemplate *template.Template,
	driverValues actions.DriverValues,
	driverLookup func(entity, scenario, period, code string) (float64, string, bool, error),
	cfg Configuration,
) (float64, error) {
	bindings := make([]store.ScenarioActionBinding, 0, len(cfg.Actions))
	for _, code := range cfg.Actions {
		b, ok := req.Bindings[code]
		if !ok {
			return 0, fmt.Errorf("no binding registered for action %q", code)
		}
		b.TriggerType = store.TriggerUnconditional
		b.StartPeriod = req.Period
		b.EndPeriod = ""
		bindings = append(bindings, b)
	}

	derivedCode := baseTemplate.Code + "~mac~" + cfg.Name
	derived, err := actions.ApplyAll(baseTemplate, derivedCode, bindings, driverValues)
	if err != nil {
		return 0, err
	}

	chain := providers.NewChain(&providers.DriverValueProvider{
		Entity: req.Entity, Scenario: req.Scenario, Period: req.Period, Lookup: driverLookup,
		LineUnits: lineUnitMap(baseTemplate), Converter: req.Converter,
	})
	out, err := eng.RunPeriod(ctx, engine.PeriodInput{
		Entity: req.Entity, Scenario: req.Scenario, PeriodID: req.Period,
		Template: derived, Providers: chain,
	})
	if err != nil {
		return 0, err
	}
	return out.Values[req.EmissionsLineCode], nil
}

// indexDrivers mirrors runner.indexDrivers: it resolves each driver-sourced
// line item's current value once, converted into that line item's declared
// unit, for multiply/add transformations to substitute eagerly (see
// actions.DriverValues), and also returns a raw (value, unitCode) lookup
// for DriverValueProvider to convert per the line item it is asked for.
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

// lineUnitMap indexes every line item's declared unit by its code.
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
