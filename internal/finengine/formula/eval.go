package formula

import (
	"fmt"
	"math"

	"github.com/example/finengine/internal/finengine/errs"
)

// traceSize bounds the evaluator's ring buffer of recently resolved
// identifiers, surfaced on error via DebugContext.RecentResolved (spec §7).
const traceSize = 16

// Resolver supplies the value of a named reference, optionally shifted in
// time. shift is 0 for a same-period reference and negative/positive for
// CODE[t-1]/CODE[t+1]-style references. Implementations live in the
// providers package, which chains drivers, in-memory overrides, time series,
// cross-statement lookups, and FX.
type Resolver interface {
	Resolve(name string, shift int) (float64, error)
}

// Evaluator evaluates a parsed formula against a Resolver, tracking the
// trailing window of resolved identifiers for diagnostics.
type Evaluator struct {
	resolver      Resolver
	trace         []string
	taxStrategies map[string]TaxStrategy
}

// Option configures an Evaluator at construction.
type Option func(*Evaluator)

// WithTaxStrategies overrides the registry TAX_COMPUTE dispatches into,
// replacing the defaults entirely rather than merging.
func WithTaxStrategies(strategies map[string]TaxStrategy) Option {
	return func(e *Evaluator) { e.taxStrategies = strategies }
}

// NewEvaluator builds an Evaluator bound to resolver, using the default tax
// strategy registry unless overridden via WithTaxStrategies.
func NewEvaluator(resolver Resolver, opts ...Option) *Evaluator {
	e := &Evaluator{resolver: resolver, taxStrategies: defaultTaxStrategies}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trace returns the identifiers resolved during the most recent Eval call,
// oldest first, capped at traceSize entries.
func (e *Evaluator) Trace() []string {
	out := make([]string, len(e.trace))
	copy(out, e.trace)
	return out
}

// Eval parses and evaluates source in one step.
func (e *Evaluator) Eval(source string) (float64, error) {
	node, err := Parse(source)
	if err != nil {
		return 0, err
	}
	return e.EvalNode(node)
}

// EvalNode evaluates an already-parsed node.
func (e *Evaluator) EvalNode(node Node) (float64, error) {
	e.trace = e.trace[:0]
	state := &evalState{resolver: e.resolver, recordTrace: e.record, taxStrategies: e.taxStrategies}
	return node.eval(state)
}

func (e *Evaluator) record(name string) {
	e.trace = append(e.trace, name)
	if len(e.trace) > traceSize {
		e.trace = e.trace[len(e.trace)-traceSize:]
	}
}

type evalState struct {
	resolver      Resolver
	recordTrace   func(string)
	taxStrategies map[string]TaxStrategy
}

func (n *numberNode) eval(*evalState) (float64, error) {
	return n.value, nil
}

func (n *stringNode) eval(*evalState) (float64, error) {
	return 0, &errs.ParseError{Message: fmt.Sprintf("string literal %q used in arithmetic context", n.value)}
}

func (n *refNode) eval(s *evalState) (float64, error) {
	s.recordTrace(n.name)
	v, err := s.resolver.Resolve(n.name, n.shift)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (n *unaryNode) eval(s *evalState) (float64, error) {
	v, err := n.operand.eval(s)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case tokMinus:
		return -v, nil
	case tokNot:
		return boolFloat(!truthy(v)), nil
	default:
		return 0, fmt.Errorf("formula: unsupported unary operator")
	}
}

func (n *binaryNode) eval(s *evalState) (float64, error) {
	left, err := n.left.eval(s)
	if err != nil {
		return 0, err
	}

	// Short-circuit logical operators avoid resolving the right side's
	// references when they cannot affect the result.
	if n.op == tokAnd && !truthy(left) {
		return 0, nil
	}
	if n.op == tokOr && truthy(left) {
		return 1, nil
	}

	right, err := n.right.eval(s)
	if err != nil {
		return 0, err
	}

	switch n.op {
	case tokPlus:
		return left + right, nil
	case tokMinus:
		return left - right, nil
	case tokStar:
		return left * right, nil
	case tokSlash:
		if right == 0 {
			return 0, &errs.DivisionByZeroError{}
		}
		return left / right, nil
	case tokCaret:
		return math.Pow(left, right), nil
	case tokEQ:
		return boolFloat(left == right), nil
	case tokNEQ:
		return boolFloat(left != right), nil
	case tokLT:
		return boolFloat(left < right), nil
	case tokLTE:
		return boolFloat(left <= right), nil
	case tokGT:
		return boolFloat(left > right), nil
	case tokGTE:
		return boolFloat(left >= right), nil
	case tokAnd:
		return boolFloat(truthy(left) && truthy(right)), nil
	case tokOr:
		return boolFloat(truthy(left) || truthy(right)), nil
	default:
		return 0, fmt.Errorf("formula: unsupported binary operator")
	}
}

func (n *callNode) eval(s *evalState) (float64, error) {
	fn, ok := builtins[n.name]
	if !ok {
		return 0, &errs.ParseError{Message: "unknown function: " + n.name}
	}
	return fn(s, n.args)
}
