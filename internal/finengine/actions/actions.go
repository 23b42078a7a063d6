// Package actions implements the action engine (spec §4.8): applying a
// management action's transformations to a cloned statement template.
// Each transformation mutates one line item; transformations within a
// binding apply in declared order, and multiple active bindings apply in
// the order the runner determines them active, so later actions compose on
// top of earlier ones rather than overriding them outright.
package actions

import (
	"fmt"
	"strconv"

	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/store"
	"github.com/example/finengine/internal/finengine/template"
)

// DriverValues supplies the current period's resolved driver values, keyed
// by line item code, needed to eagerly substitute a literal when multiply
// or add targets a driver-sourced line (see rewriteWithOperand).
type DriverValues map[string]float64

// Apply clones tpl under the code "<tpl.Code>~<binding.ActionCode>" and
// applies every transformation in binding, in order, returning the mutated
// clone. The original template is never modified.
func Apply(tpl *template.Template, binding store.ScenarioActionBinding, drivers DriverValues) (*template.Template, error) {
	clone := tpl.Clone(tpl.Code + "~" + binding.ActionCode)
	for _, tr := range binding.Transformations {
		if err := applyOne(clone, binding.ActionCode, tr, drivers); err != nil {
			return nil, err
		}
	}
	return clone, nil
}

// ApplyAll clones tpl once under derivedCode and applies every active
// binding's transformations in sequence, the shape the runner uses each
// period (spec §4.7 step 3).
func ApplyAll(tpl *template.Template, derivedCode string, bindings []store.ScenarioActionBinding, drivers DriverValues) (*template.Template, error) {
	clone := tpl.Clone(derivedCode)
	for _, binding := range bindings {
		for _, tr := range binding.Transformations {
			if err := applyOne(clone, binding.ActionCode, tr, drivers); err != nil {
				return nil, err
			}
		}
	}
	return clone, nil
}

func applyOne(tpl *template.Template, actionCode string, tr store.Transformation, drivers DriverValues) error {
	switch tr.Op {
	case store.OpFormulaOverride:
		return applyFormulaOverride(tpl, actionCode, tr)
	case store.OpCarbonFormulaOverride:
		li, err := tpl.Lookup(tr.LineItemCode)
		if err != nil {
			return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: err.Error()}
		}
		if li.Section != template.SectionCarbon {
			return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: "carbon_formula_override is only permitted on carbon-section line items"}
		}
		return applyFormulaOverride(tpl, actionCode, tr)
	case store.OpMultiply:
		return rewriteWithOperand(tpl, actionCode, tr, "*", drivers)
	case store.OpAdd:
		return rewriteWithOperand(tpl, actionCode, tr, "+", drivers)
	default:
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: "unknown transformation op: " + string(tr.Op)}
	}
}

// applyFormulaOverride replaces a line item's formula outright, detaching
// it from any driver source. formula_override and carbon_formula_override
// share this implementation; applyOne first rejects carbon_formula_override
// on any line item whose Section is not carbon.
func applyFormulaOverride(tpl *template.Template, actionCode string, tr store.Transformation) error {
	if tr.Formula == "" {
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: "formula_override requires a formula"}
	}
	if err := tpl.UpdateFormula(tr.LineItemCode, tr.Formula); err != nil {
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: err.Error()}
	}
	return nil
}

// rewriteWithOperand implements multiply and add. A formula-sourced line's
// existing formula is wrapped in parentheses so operator precedence holds
// regardless of its contents. A driver-sourced line has no formula to wrap
// in place; rewriting it as a self-referencing formula ("CODE * 1.1") would
// make the line depend on itself and trip the calculation-order cycle
// detector, so instead the driver's current value is resolved eagerly from
// drivers and baked in as a numeric literal. This means multiply/add on a
// driver-sourced line freezes that period's driver value into the cloned
// template rather than tracking future changes to the underlying driver,
// which matches running one action engine pass per period.
func rewriteWithOperand(tpl *template.Template, actionCode string, tr store.Transformation, op string, drivers DriverValues) error {
	li, err := tpl.Lookup(tr.LineItemCode)
	if err != nil {
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: err.Error()}
	}

	var base string
	switch li.ValueSource {
	case template.SourceFormula:
		base = "(" + li.Formula + ")"
	case template.SourceDriver:
		v, ok := drivers[li.Code]
		if !ok {
			return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: "driver value required to apply " + string(tr.Op) + " eagerly"}
		}
		base = formatOperand(v)
	default:
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: "line item has no value source"}
	}

	newFormula := fmt.Sprintf("%s %s %s", base, op, formatOperand(tr.Operand))

	if err := tpl.UpdateFormula(tr.LineItemCode, newFormula); err != nil {
		return &errs.ActionApplicationError{ActionCode: actionCode, LineCode: tr.LineItemCode, Reason: err.Error()}
	}
	return nil
}

func formatOperand(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
