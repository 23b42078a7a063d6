package mac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finengine/internal/finengine/engine"
	"github.com/example/finengine/internal/finengine/store"
	"github.com/example/finengine/internal/finengine/template"
)

func TestGenerateCombinatorialEmitsTwoToTheNUniqueConfigurations(t *testing.T) {
	configs := GenerateCombinatorial([]string{"A", "B", "C"})
	require.Len(t, configs, 8)

	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		key := c.Name
		assert.False(t, seen[key], "configuration name %q repeated", key)
		seen[key] = true
	}
	assert.Equal(t, "Base", configs[0].Name)
	assert.Empty(t, configs[0].Actions)
	assert.Equal(t, "A+B+C", configs[7].Name)
}

func TestGenerateCombinatorialNamesJoinActiveCodesByIndexOrder(t *testing.T) {
	configs := GenerateCombinatorial([]string{"A", "B"})
	byName := make(map[string][]string, len(configs))
	for _, c := range configs {
		byName[c.Name] = c.Actions
	}
	assert.Equal(t, []string{"A"}, byName["A"])
	assert.Equal(t, []string{"B"}, byName["B"])
	assert.Equal(t, []string{"A", "B"}, byName["A+B"])
}

func TestGenerateDiagonalEmitsNPlusOneConfigurations(t *testing.T) {
	configs := GenerateDiagonal([]string{"LED", "SOLAR", "INSULATION"})
	require.Len(t, configs, 4)
	assert.Equal(t, "Base", configs[0].Name)
	for i, code := range []string{"LED", "SOLAR", "INSULATION"} {
		assert.Equal(t, code, configs[i+1].Name)
		assert.Equal(t, []string{code}, configs[i+1].Actions)
	}
}

func carbonTemplate() *template.Template {
	return template.Load("carbon_template", "carbon", 1, []template.LineItem{
		{Code: "EMISSIONS", Section: template.SectionCarbon, ValueSource: template.SourceFormula, Formula: "100", UnitCode: "tCO2e"},
	})
}

// TestComputeMACCurveScenarioF reproduces spec §8 Scenario F: a baseline plus
// three single-action scenarios on one period, MAC_k = (capex_k/10 +
// opex_k)/(E0 - E_k), sorted ascending with negative MACs first.
func TestComputeMACCurveScenarioF(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveTemplate(context.Background(), carbonTemplate()))
	eng := engine.NewEngine(engine.Config{})

	req := Request{
		Entity: "e1", Scenario: "BAU", TemplateCode: "carbon_template", Period: "2026-01",
		EmissionsLineCode: "EMISSIONS",
		Actions: []store.ManagementAction{
			{Code: "A", IsMACRelevant: true, CapEx: 1000, OpExAnnual: 50, AmortizationYears: 10},
			{Code: "B", IsMACRelevant: true, CapEx: 2000, OpExAnnual: -100, AmortizationYears: 10},
			{Code: "C", IsMACRelevant: true, CapEx: 500, OpExAnnual: 10, AmortizationYears: 10},
		},
		Bindings: map[string]store.ScenarioActionBinding{
			"A": {ActionCode: "A", Transformations: []store.Transformation{{LineItemCode: "EMISSIONS", Op: store.OpCarbonFormulaOverride, Formula: "100 - 20"}}},
			"B": {ActionCode: "B", Transformations: []store.Transformation{{LineItemCode: "EMISSIONS", Op: store.OpCarbonFormulaOverride, Formula: "100 - 50"}}},
			"C": {ActionCode: "C", Transformations: []store.Transformation{{LineItemCode: "EMISSIONS", Op: store.OpCarbonFormulaOverride, Formula: "100 + 10"}}},
		},
	}

	curve, err := ComputeMACCurve(context.Background(), s, eng, req)
	require.NoError(t, err)
	require.Len(t, curve.Points, 3)

	// C increases emissions (reduction -10), MAC = 60/-10 = -6.0, sorts first.
	// B: annualized cost 2000/10-100=100, reduction 50, MAC=2.0.
	// A: annualized cost 1000/10+50=150, reduction 20, MAC=7.5.
	assert.Equal(t, "C", curve.Points[0].ActionCode)
	assert.InDelta(t, -6.0, curve.Points[0].MarginalCostPerTCO2e, 1e-9)
	assert.Equal(t, "B", curve.Points[1].ActionCode)
	assert.InDelta(t, 2.0, curve.Points[1].MarginalCostPerTCO2e, 1e-9)
	assert.Equal(t, "A", curve.Points[2].ActionCode)
	assert.InDelta(t, 7.5, curve.Points[2].MarginalCostPerTCO2e, 1e-9)

	for i := 1; i < len(curve.Points); i++ {
		assert.LessOrEqual(t, curve.Points[i-1].MarginalCostPerTCO2e, curve.Points[i].MarginalCostPerTCO2e)
	}

	// Cumulative reduction only accumulates positive-reduction points and is
	// non-decreasing across the sorted curve (spec §8 invariant 9).
	assert.InDelta(t, 0.0, curve.Points[0].CumulativeReduction, 1e-9)
	assert.InDelta(t, 50.0, curve.Points[1].CumulativeReduction, 1e-9)
	assert.InDelta(t, 70.0, curve.Points[2].CumulativeReduction, 1e-9)
}

func TestComputeMACCurveFlagsZeroReductionAsUndefined(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveTemplate(context.Background(), carbonTemplate()))
	eng := engine.NewEngine(engine.Config{})

	req := Request{
		Entity: "e1", Scenario: "BAU", TemplateCode: "carbon_template", Period: "2026-01",
		EmissionsLineCode: "EMISSIONS",
		Actions: []store.ManagementAction{
			{Code: "NOOP", CapEx: 1000, OpExAnnual: 0, AmortizationYears: 10},
		},
		Bindings: map[string]store.ScenarioActionBinding{
			"NOOP": {ActionCode: "NOOP", Transformations: []store.Transformation{{LineItemCode: "EMISSIONS", Op: store.OpCarbonFormulaOverride, Formula: "100"}}},
		},
	}

	curve, err := ComputeMACCurve(context.Background(), s, eng, req)
	require.NoError(t, err)
	require.Len(t, curve.Points, 1)
	assert.True(t, curve.Points[0].Undefined)
	assert.Equal(t, 0.0, curve.Points[0].MarginalCostPerTCO2e)
}
