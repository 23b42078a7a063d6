// Package engine implements the unified per-period calculation engine
// (spec §4.6): given a template, a provider chain supplying driver and
// cross-statement values, and a set of validation rules, it computes every
// line item's value for one period in dependency order and runs validation
// before returning. Structured logging and timing follow
// internal/emissions/calculator.go's Engine.Calculate.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/formula"
	"github.com/example/finengine/internal/finengine/providers"
	"github.com/example/finengine/internal/finengine/template"
)

// ValidationRule checks an invariant over a period's fully computed line
// item values (spec §8's balance/subtotal invariants are expressed this
// way). Check returns ok=false and a human-readable detail on failure.
type ValidationRule struct {
	Code         string
	LineItemCode string
	Severity     string // "error" or "warning"
	Check        func(values map[string]float64) (ok bool, detail string)
}

// ValidationFinding records one failed validation rule.
type ValidationFinding struct {
	RuleCode     string
	LineItemCode string
	Detail       string
	Severity     string
}

// PeriodInput bundles everything RunPeriod needs for a single period of a
// single (entity, scenario) pair.
type PeriodInput struct {
	Entity          string
	Scenario        string
	PeriodID        string
	Template        *template.Template
	Providers       *providers.Chain
	ValidationRules []ValidationRule
}

// PeriodOutput is the result of computing one period: every line item's
// value plus any non-fatal validation warnings.
type PeriodOutput struct {
	Values       map[string]float64
	CalculatedAt time.Time
	DurationMS   int64
	Warnings     []ValidationFinding
}

// Config configures an Engine's observability surface.
type Config struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Engine computes period results. It is safe for concurrent use: RunPeriod
// holds no mutable state of its own beyond the metrics collectors, which
// are safe for concurrent Observe/Inc calls.
type Engine struct {
	logger        *slog.Logger
	calcDuration  prometheus.Histogram
	calcErrors    *prometheus.CounterVec
	periodsTotal  prometheus.Counter
}

// NewEngine builds an Engine, registering its collectors against
// cfg.Registry if non-nil.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger: logger,
		calcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "finengine",
			Subsystem: "engine",
			Name:      "period_duration_seconds",
			Help:      "Duration of a single period's line item calculation.",
			Buckets:   prometheus.DefBuckets,
		}),
		calcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finengine",
			Subsystem: "engine",
			Name:      "period_errors_total",
			Help:      "Count of period calculations that failed, by cause.",
		}, []string{"cause"}),
		periodsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finengine",
			Subsystem: "engine",
			Name:      "periods_total",
			Help:      "Count of periods successfully calculated.",
		}),
	}

	if cfg.Registry != nil {
		cfg.Registry.MustRegister(e.calcDuration, e.calcErrors, e.periodsTotal)
	}

	return e
}

// RunPeriod executes the 5-step per-period algorithm: resolve the
// template's calculation order, install the provider chain, evaluate every
// line item in order (driver-sourced lines resolve directly, formula-sourced
// lines evaluate against already-computed values plus the provider chain),
// run validation, and return the assembled output.
func (e *Engine) RunPeriod(ctx context.Context, in PeriodInput) (*PeriodOutput, error) {
	start := time.Now()
	logger := e.logger.With(
		"entity", in.Entity, "scenario", in.Scenario, "period", in.PeriodID,
		"template", in.Template.Code,
	)

	order, err := in.Template.CalculationOrder()
	if err != nil {
		e.recordError("calculation_order")
		return nil, err
	}

	values := make(map[string]float64, len(order))

	// Install the full provider chain for the context (spec §4.6 step 2):
	// InMemoryProvider and CrossStatementProvider both read the live values
	// map as it fills in, ahead of whatever driver/time-series/FX providers
	// the caller supplied.
	chain := in.Providers
	if chain == nil {
		chain = providers.NewChain()
	}
	chain = chain.Prepend(providers.NewInMemoryProvider(values), &providers.CrossStatementProvider{Values: values})

	resolver := &periodResolver{values: values, chain: chain}
	evaluator := formula.NewEvaluator(resolver)

	for idx, code := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		li, err := in.Template.Lookup(code)
		if err != nil {
			e.recordError("lookup")
			return nil, err
		}

		var value float64
		if li.ValueSource == template.SourceFormula {
			node, err := in.Template.ParsedFormula(code)
			if err != nil {
				e.recordError("parse")
				return nil, err
			}
			value, err = evaluator.EvalNode(node)
			if err != nil {
				e.recordError("eval")
				return nil, errs.NewEngineError(err, errs.DebugContext{
					LineCode:       code,
					CalcOrderIndex: idx,
					TemplateCode:   in.Template.Code,
					RecentResolved: evaluator.Trace(),
				})
			}
		} else {
			value, err = resolver.Resolve(code, 0)
			if err != nil {
				e.recordError("driver_resolve")
				return nil, errs.NewEngineError(err, errs.DebugContext{
					LineCode:       code,
					CalcOrderIndex: idx,
					TemplateCode:   in.Template.Code,
				})
			}
		}

		values[code] = value
	}

	var warnings []ValidationFinding
	for _, rule := range in.ValidationRules {
		ok, detail := rule.Check(values)
		if ok {
			continue
		}
		finding := ValidationFinding{RuleCode: rule.Code, LineItemCode: rule.LineItemCode, Detail: detail, Severity: rule.Severity}
		if rule.Severity == "error" {
			e.recordError("validation")
			return nil, &errs.ValidationFailureError{RuleCode: rule.Code, LineCode: rule.LineItemCode, Detail: detail, Severity: rule.Severity}
		}
		warnings = append(warnings, finding)
	}

	duration := time.Since(start)
	e.calcDuration.Observe(duration.Seconds())
	e.periodsTotal.Inc()
	logger.Debug("period calculated", "duration_ms", duration.Milliseconds(), "line_items", len(values))

	return &PeriodOutput{
		Values:       values,
		CalculatedAt: start,
		DurationMS:   duration.Milliseconds(),
		Warnings:     warnings,
	}, nil
}

func (e *Engine) recordError(cause string) {
	e.calcErrors.WithLabelValues(cause).Inc()
}

// periodResolver resolves a same-period reference from the values computed
// so far before delegating to the provider chain, so a formula's
// references to earlier-ordered line items see their just-computed value
// rather than a stale driver/default.
type periodResolver struct {
	values map[string]float64
	chain  *providers.Chain
}

func (r *periodResolver) Resolve(name string, shift int) (float64, error) {
	if shift == 0 {
		if v, ok := r.values[name]; ok {
			return v, nil
		}
	}
	if r.chain == nil {
		return 0, &errs.UnknownReferenceError{Name: name}
	}
	return r.chain.Resolve(name, shift)
}
