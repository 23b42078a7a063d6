package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/template"
)

// PostgresStore implements Store on top of database/sql using the
// jackc/pgx/v5/stdlib driver, following internal/db.DB's connection
// handling and internal/emissions/factors/postgres_registry.go's
// table-backed registry shape.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-connected *sql.DB. Callers obtain one
// via internal/db.Connect using the driver name "pgx".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FetchTemplate(ctx context.Context, code string) (*template.Template, error) {
	var (
		statementType string
		version       int
		rawItems      []byte
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT statement_type, version, line_items FROM statement_templates WHERE code = $1`, code)
	if err := row.Scan(&statementType, &version, &rawItems); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errs.UnknownReferenceError{Name: code}
		}
		return nil, fmt.Errorf("fetch template %q: %w", code, err)
	}

	var items []template.LineItem
	if err := json.Unmarshal(rawItems, &items); err != nil {
		return nil, fmt.Errorf("decode template %q: %w", code, err)
	}

	return template.Load(code, statementType, version, items), nil
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, tpl *template.Template) error {
	rawItems, err := json.Marshal(tpl.LineItems())
	if err != nil {
		return fmt.Errorf("encode template %q: %w", tpl.Code, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO statement_templates (code, statement_type, version, line_items, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (code) DO UPDATE SET
			statement_type = EXCLUDED.statement_type,
			version = EXCLUDED.version,
			line_items = EXCLUDED.line_items,
			updated_at = now()
	`, tpl.Code, tpl.StatementType, tpl.Version, rawItems)
	if err != nil {
		return fmt.Errorf("save template %q: %w", tpl.Code, err)
	}
	return nil
}

func (s *PostgresStore) FetchDrivers(ctx context.Context, entity, scenario, periodID string) ([]Driver, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT driver_code, value, unit_code FROM drivers
		WHERE entity = $1 AND scenario = $2 AND period_id = $3
	`, entity, scenario, periodID)
	if err != nil {
		return nil, fmt.Errorf("fetch drivers: %w", err)
	}
	defer rows.Close()

	var out []Driver
	for rows.Next() {
		d := Driver{Entity: entity, Scenario: scenario, PeriodID: periodID}
		if err := rows.Scan(&d.Code, &d.Value, &d.UnitCode); err != nil {
			return nil, fmt.Errorf("scan driver row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchUnitDefinitions(ctx context.Context) ([]UnitDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, category, conversion_type, base_unit_code, to_base_factor, from_base_factor
		FROM unit_definitions
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch unit definitions: %w", err)
	}
	defer rows.Close()

	var out []UnitDefinition
	for rows.Next() {
		var (
			d              UnitDefinition
			toBase, fromBase sql.NullFloat64
		)
		if err := rows.Scan(&d.Code, &d.Category, &d.ConversionType, &d.BaseUnitCode, &toBase, &fromBase); err != nil {
			return nil, fmt.Errorf("scan unit definition row: %w", err)
		}
		d.ToBaseFactor = toBase.Float64
		d.FromBaseFactor = fromBase.Float64
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchFX(ctx context.Context, from, to, rateType, periodID string) (float64, bool, error) {
	var rate float64
	row := s.db.QueryRowContext(ctx, `
		SELECT rate FROM fx_rates
		WHERE from_unit = $1 AND to_unit = $2 AND rate_type = $3 AND period_id = $4
	`, from, to, rateType, periodID)
	if err := row.Scan(&rate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("fetch fx rate: %w", err)
	}
	return rate, true, nil
}

func (s *PostgresStore) FetchScenarioActions(ctx context.Context, scenario string) ([]ScenarioActionBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_code, trigger_type, start_period, end_period, trigger_condition, sticky, transformations, cost_overrides
		FROM scenario_action_bindings WHERE scenario = $1
	`, scenario)
	if err != nil {
		return nil, fmt.Errorf("fetch scenario actions: %w", err)
	}
	defer rows.Close()

	var out []ScenarioActionBinding
	for rows.Next() {
		var (
			b                                    ScenarioActionBinding
			startPeriod, endPeriod, condition     sql.NullString
			rawTransformations, rawCostOverrides  []byte
		)
		b.Scenario = scenario
		if err := rows.Scan(&b.ActionCode, &b.TriggerType, &startPeriod, &endPeriod, &condition, &b.Sticky, &rawTransformations, &rawCostOverrides); err != nil {
			return nil, fmt.Errorf("scan scenario action row: %w", err)
		}
		b.StartPeriod = startPeriod.String
		b.EndPeriod = endPeriod.String
		b.TriggerCondition = condition.String

		if len(rawTransformations) > 0 {
			if err := json.Unmarshal(rawTransformations, &b.Transformations); err != nil {
				return nil, fmt.Errorf("decode transformations for %q: %w", b.ActionCode, err)
			}
		}
		if len(rawCostOverrides) > 0 {
			var co CostOverrides
			if err := json.Unmarshal(rawCostOverrides, &co); err != nil {
				return nil, fmt.Errorf("decode cost overrides for %q: %w", b.ActionCode, err)
			}
			b.CostOverrides = &co
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FetchManagementActions(ctx context.Context, codes []string) ([]ManagementAction, error) {
	out := make([]ManagementAction, 0, len(codes))
	for _, code := range codes {
		var a ManagementAction
		a.Code = code
		row := s.db.QueryRowContext(ctx, `
			SELECT category, description, is_mac_relevant, capex, opex_annual, emission_reduction_annual, amortization_years
			FROM management_actions WHERE code = $1
		`, code)
		if err := row.Scan(&a.Category, &a.Description, &a.IsMACRelevant, &a.CapEx, &a.OpExAnnual, &a.EmissionReductionAnnual, &a.AmortizationYears); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, &errs.UnknownReferenceError{Name: code}
			}
			return nil, fmt.Errorf("fetch management action %q: %w", code, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) PersistPeriodResult(ctx context.Context, result PeriodResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO period_results (entity, scenario, period_id, template_code, line_item_code, value, unit_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity, scenario, period_id, template_code, line_item_code) DO UPDATE SET
			value = EXCLUDED.value,
			unit_code = EXCLUDED.unit_code
	`, result.Entity, result.Scenario, result.PeriodID, result.TemplateCode, result.LineItemCode, result.Value, result.UnitCode)
	if err != nil {
		return fmt.Errorf("persist period result: %w", err)
	}
	return nil
}
