// Package store defines the engine's persistence contract (spec §6's
// logical operations) and the record shapes that cross it, plus two
// implementations: an in-memory adapter for tests and single-process runs,
// and a PostgreSQL adapter built on jackc/pgx/v5, grounded on
// internal/emissions/factors/postgres_registry.go's registry-over-sql.DB
// shape.
package store

import (
	"context"

	"github.com/example/finengine/internal/finengine/template"
)

// Driver is a single scenario-period-scoped input value.
type Driver struct {
	Entity   string
	Scenario string
	PeriodID string
	Code     string
	Value    float64
	UnitCode string
}

// TriggerType controls when a scenario action binding is active for a given
// period.
type TriggerType string

const (
	TriggerUnconditional TriggerType = "unconditional"
	TriggerTimed         TriggerType = "timed"
	TriggerConditional   TriggerType = "conditional"
)

// TransformationOp names one of the action engine's supported mutation
// kinds (spec §4.8).
type TransformationOp string

const (
	OpFormulaOverride       TransformationOp = "formula_override"
	OpMultiply              TransformationOp = "multiply"
	OpAdd                   TransformationOp = "add"
	OpCarbonFormulaOverride TransformationOp = "carbon_formula_override"
)

// Transformation is one mutation a management action applies to a cloned
// template when active.
type Transformation struct {
	LineItemCode string           `json:"line_item_code"`
	Op           TransformationOp `json:"op"`
	Formula      string           `json:"formula,omitempty"`
	Operand      float64          `json:"operand,omitempty"`
}

// CostOverrides lets a scenario binding override a management action's
// default cost figures for that scenario only.
type CostOverrides struct {
	CapEx       *float64 `json:"capex,omitempty"`
	OpExAnnual  *float64 `json:"opex_annual,omitempty"`
}

// ScenarioActionBinding attaches a management action to a scenario with a
// trigger controlling which periods it is active for.
type ScenarioActionBinding struct {
	Scenario         string           `json:"scenario"`
	ActionCode       string           `json:"action_code"`
	TriggerType      TriggerType      `json:"trigger_type"`
	StartPeriod      string           `json:"start_period,omitempty"`
	EndPeriod        string           `json:"end_period,omitempty"`
	TriggerCondition string           `json:"trigger_condition,omitempty"`
	Sticky           bool             `json:"sticky"`
	Transformations  []Transformation `json:"transformations"`
	CostOverrides    *CostOverrides   `json:"cost_overrides,omitempty"`
}

// ManagementAction is a catalog entry describing a reusable intervention:
// its default cost profile and whether it participates in MAC curve
// computation.
type ManagementAction struct {
	Code                    string  `json:"code"`
	Category                string  `json:"category"`
	Description             string  `json:"description"`
	IsMACRelevant           bool    `json:"is_mac_relevant"`
	CapEx                   float64 `json:"capex"`
	OpExAnnual              float64 `json:"opex_annual"`
	EmissionReductionAnnual float64 `json:"emission_reduction_annual"`
	AmortizationYears       float64 `json:"amortization_years"`
}

// PeriodResult is one computed line item value for one period, the unit of
// output the runner persists after each period.
type PeriodResult struct {
	Entity        string
	Scenario      string
	PeriodID      string
	TemplateCode  string
	LineItemCode  string
	Value         float64
	UnitCode      string
}

// Store is the engine's persistence contract. Implementations must be safe
// for concurrent use by multiple scenario runs (spec §5).
type Store interface {
	// FetchTemplate loads a statement template by code.
	FetchTemplate(ctx context.Context, code string) (*template.Template, error)

	// SaveTemplate persists a statement template, overwriting any existing
	// version under the same code.
	SaveTemplate(ctx context.Context, tpl *template.Template) error

	// FetchDrivers loads every driver value for a given entity, scenario,
	// and period.
	FetchDrivers(ctx context.Context, entity, scenario, periodID string) ([]Driver, error)

	// FetchUnitDefinitions loads the full unit definition catalog.
	FetchUnitDefinitions(ctx context.Context) ([]UnitDefinition, error)

	// FetchFX resolves a single FX rate, returning ok=false if none exists.
	FetchFX(ctx context.Context, from, to, rateType, periodID string) (rate float64, ok bool, err error)

	// FetchScenarioActions loads every action binding attached to a
	// scenario.
	FetchScenarioActions(ctx context.Context, scenario string) ([]ScenarioActionBinding, error)

	// FetchManagementActions loads the management action catalog entries
	// for a set of codes.
	FetchManagementActions(ctx context.Context, codes []string) ([]ManagementAction, error)

	// PersistPeriodResult records one computed line item value.
	PersistPeriodResult(ctx context.Context, result PeriodResult) error
}

// UnitDefinition is the persisted shape of a unit conversion definition,
// convertible to units.Definition by the caller.
type UnitDefinition struct {
	Code           string
	Category       string
	ConversionType string
	BaseUnitCode   string
	ToBaseFactor   float64
	FromBaseFactor float64
}
