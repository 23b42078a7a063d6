// Package template implements the statement template model: an ordered set
// of line items, each either driver-sourced or formula-computed, with a
// cached calculation order derived from the formulas' cross-references via
// depgraph. The mutation methods are UpdateFormula, which every
// transformation in the actions package goes through, and ClearDriverSource.
package template

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/example/finengine/internal/finengine/depgraph"
	"github.com/example/finengine/internal/finengine/errs"
	"github.com/example/finengine/internal/finengine/formula"
)

// sectionNamespaces are the cross-statement reference prefixes spec §4.1/§9
// treat as syntactic sugar for an in-template reference, stripped before
// dependency extraction since the whole template shares one DAG.
var sectionNamespaces = map[string]bool{"pl": true, "bs": true, "cf": true, "carbon": true}

// Section tags a line item with the statement section it belongs to.
type Section string

const (
	SectionProfitAndLoss Section = "profit_and_loss"
	SectionBalanceSheet  Section = "balance_sheet"
	SectionCashFlow      Section = "cash_flow"
	SectionCarbon        Section = "carbon"
)

// ValueSource distinguishes a line item computed from a formula from one
// sourced directly from a scenario driver.
type ValueSource string

const (
	SourceFormula ValueSource = "formula"
	SourceDriver  ValueSource = "driver"
)

// LineItem is a single row of a statement template.
type LineItem struct {
	Code        string      `json:"code"`
	Label       string      `json:"label"`
	Section     Section     `json:"section"`
	ValueSource ValueSource `json:"value_source"`
	Formula     string      `json:"formula,omitempty"`
	DriverCode  string      `json:"driver_code,omitempty"`
	UnitCode    string      `json:"unit_code"`
}

// Template is an ordered, named set of line items. It caches the parsed
// formula AST and the resulting calculation order, both invalidated on any
// mutation.
type Template struct {
	Code          string
	StatementType string
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time

	mu        sync.RWMutex
	items     []LineItem
	byCode    map[string]int // code -> index into items
	parsed    map[string]formula.Node
	calcOrder []string
}

// Load constructs a Template from a flat slice of line items, the shape
// persisted by the store adapter.
func Load(code, statementType string, version int, items []LineItem) *Template {
	t := &Template{
		Code:          code,
		StatementType: statementType,
		Version:       version,
		items:         append([]LineItem{}, items...),
	}
	t.reindex()
	return t
}

func (t *Template) reindex() {
	t.byCode = make(map[string]int, len(t.items))
	for i, li := range t.items {
		t.byCode[li.Code] = i
	}
	t.invalidateLocked()
}

func (t *Template) invalidateLocked() {
	t.parsed = nil
	t.calcOrder = nil
}

// Clone produces a deep, independent copy of the template under newCode. The
// action engine clones the base template (under a deterministic derived
// code, spec §4.7 step 3) before applying a scenario's transformations so
// the original is never mutated in place.
func (t *Template) Clone(newCode string) *Template {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := append([]LineItem{}, t.items...)
	clone := Load(newCode, t.StatementType, t.Version, items)
	clone.CreatedAt = t.CreatedAt
	clone.UpdatedAt = t.UpdatedAt
	return clone
}

// Lookup returns the line item with the given code.
func (t *Template) Lookup(code string) (LineItem, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byCode[code]
	if !ok {
		return LineItem{}, &errs.UnknownReferenceError{Name: code}
	}
	return t.items[idx], nil
}

// LineItems returns a copy of the template's line items in declaration
// order.
func (t *Template) LineItems() []LineItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]LineItem{}, t.items...)
}

// UpdateFormula rewrites a line item's formula, switching its value source
// to formula if it was previously driver-sourced. Used by all four
// transformations: formula_override, carbon_formula_override, multiply and
// add.
func (t *Template) UpdateFormula(code, newFormula string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byCode[code]
	if !ok {
		return &errs.UnknownReferenceError{Name: code}
	}
	t.items[idx].Formula = newFormula
	t.items[idx].ValueSource = SourceFormula
	t.items[idx].DriverCode = ""
	t.invalidateLocked()
	return nil
}

// ClearDriverSource detaches a line item from its driver and makes it
// formula-sourced. A line with no formula of its own gets the constant
// formula "0" until a later UpdateFormula replaces it.
func (t *Template) ClearDriverSource(code string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byCode[code]
	if !ok {
		return &errs.UnknownReferenceError{Name: code}
	}
	t.items[idx].DriverCode = ""
	if t.items[idx].Formula == "" {
		t.items[idx].Formula = "0"
	}
	t.items[idx].ValueSource = SourceFormula
	t.invalidateLocked()
	return nil
}

// CalculationOrder returns the cached topological order of formula-sourced
// line items, computing and caching it on first use or after a mutation.
// Driver-sourced line items are included in the order (they have no
// dependencies of their own) so callers can iterate a single ordered list
// for the whole template.
func (t *Template) CalculationOrder() ([]string, error) {
	t.mu.RLock()
	if t.calcOrder != nil {
		order := t.calcOrder
		t.mu.RUnlock()
		return order, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calcOrder != nil {
		return t.calcOrder, nil
	}

	nodes := make([]depgraph.Node, 0, len(t.items))
	parsed := make(map[string]formula.Node, len(t.items))
	for _, li := range t.items {
		if li.ValueSource != SourceFormula || li.Formula == "" {
			nodes = append(nodes, depgraph.Node{Code: li.Code})
			continue
		}
		node, err := formula.Parse(li.Formula)
		if err != nil {
			return nil, err
		}
		parsed[li.Code] = node

		var deps []string
		for _, ref := range formula.Refs(node) {
			if ref.Shift != 0 {
				continue
			}
			deps = append(deps, stripSectionNamespace(ref.Name))
		}
		nodes = append(nodes, depgraph.Node{Code: li.Code, DependsOn: deps})
	}

	order, err := depgraph.TopoSort(nodes)
	if err != nil {
		return nil, err
	}

	t.parsed = parsed
	t.calcOrder = order
	return order, nil
}

// stripSectionNamespace strips a recognized cross-statement prefix
// (pl:, bs:, cf:, carbon:) from a reference name, per spec §4.4/§9: these
// are sugar resolving to the same in-template identifier and must not be
// treated as a distinct dependency.
func stripSectionNamespace(name string) string {
	ns, bare, ok := strings.Cut(name, ":")
	if ok && sectionNamespaces[ns] {
		return bare
	}
	return name
}

// ParsedFormula returns the cached parsed AST for a formula-sourced line
// item, populating the cache via CalculationOrder if necessary.
func (t *Template) ParsedFormula(code string) (formula.Node, error) {
	if _, err := t.CalculationOrder(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.parsed[code]
	if !ok {
		return nil, &errs.UnknownReferenceError{Name: code}
	}
	return node, nil
}

// MarshalJSON serializes the template's code, statement type, version and
// line items. The Postgres store adapter does not use it: it writes only the
// line item list to the statement_templates.line_items column.
func (t *Template) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(struct {
		Code          string     `json:"code"`
		StatementType string     `json:"statement_type"`
		Version       int        `json:"version"`
		LineItems     []LineItem `json:"line_items"`
	}{
		Code:          t.Code,
		StatementType: t.StatementType,
		Version:       t.Version,
		LineItems:     t.items,
	})
}
