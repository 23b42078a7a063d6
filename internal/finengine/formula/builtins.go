package formula

import (
	"math"
	"strings"

	"github.com/example/finengine/internal/finengine/errs"
)

type builtinFunc func(s *evalState, args []Node) (float64, error)

var builtins = map[string]builtinFunc{
	"SUM":         biSum,
	"AVG":         biAvg,
	"MIN":         biMin,
	"MAX":         biMax,
	"ABS":         biAbs,
	"IF":          biIf,
	"TAX_COMPUTE": biTaxCompute,
}

func evalArgs(s *evalState, args []Node) ([]float64, error) {
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := a.eval(s)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func biSum(s *evalState, args []Node) (float64, error) {
	vals, err := evalArgs(s, args)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range vals {
		total += v
	}
	return total, nil
}

func biAvg(s *evalState, args []Node) (float64, error) {
	if len(args) == 0 {
		return 0, &errs.ParseError{Message: "AVG requires at least one argument"}
	}
	vals, err := evalArgs(s, args)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range vals {
		total += v
	}
	return total / float64(len(vals)), nil
}

func biMin(s *evalState, args []Node) (float64, error) {
	if len(args) == 0 {
		return 0, &errs.ParseError{Message: "MIN requires at least one argument"}
	}
	vals, err := evalArgs(s, args)
	if err != nil {
		return 0, err
	}
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

func biMax(s *evalState, args []Node) (float64, error) {
	if len(args) == 0 {
		return 0, &errs.ParseError{Message: "MAX requires at least one argument"}
	}
	vals, err := evalArgs(s, args)
	if err != nil {
		return 0, err
	}
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}

func biAbs(s *evalState, args []Node) (float64, error) {
	if len(args) != 1 {
		return 0, &errs.ParseError{Message: "ABS requires exactly one argument"}
	}
	v, err := args[0].eval(s)
	if err != nil {
		return 0, err
	}
	return math.Abs(v), nil
}

// biIf implements IF(condition, thenValue, elseValue). The else branch is
// only evaluated when the condition is falsy, consistent with spreadsheet
// formula semantics and letting IF guard a reference that may be absent on
// the taken branch (e.g. a driver only present before a transition period).
func biIf(s *evalState, args []Node) (float64, error) {
	if len(args) != 3 {
		return 0, &errs.ParseError{Message: "IF requires exactly three arguments"}
	}
	cond, err := args[0].eval(s)
	if err != nil {
		return 0, err
	}
	if truthy(cond) {
		return args[1].eval(s)
	}
	return args[2].eval(s)
}

// TaxStrategy computes tax due on base given the strategy's own numeric
// parameters (e.g. a flat rate, or alternating threshold/rate pairs for a
// bracketed strategy).
type TaxStrategy func(base float64, params []float64) float64

// defaultTaxStrategies are the strategies TAX_COMPUTE dispatches to unless
// an Evaluator overrides the registry via WithTaxStrategies.
var defaultTaxStrategies = map[string]TaxStrategy{
	"flat":        taxFlat,
	"progressive": taxProgressive,
}

// taxFlat applies a single rate to a positive base, flooring at zero so
// losses never produce negative tax.
func taxFlat(base float64, params []float64) float64 {
	if base <= 0 || len(params) < 1 {
		return 0
	}
	return base * params[0]
}

// taxProgressive applies marginal brackets given as ascending
// (threshold, rate) pairs: income above each threshold and below the next
// is taxed at that bracket's rate.
func taxProgressive(base float64, params []float64) float64 {
	if base <= 0 || len(params) < 2 {
		return 0
	}
	var tax float64
	for i := 0; i+1 < len(params); i += 2 {
		threshold, rate := params[i], params[i+1]
		if base <= threshold {
			continue
		}
		bracketTop := base
		if i+2 < len(params) && params[i+2] < bracketTop {
			bracketTop = params[i+2]
		}
		tax += (bracketTop - threshold) * rate
	}
	return tax
}

// biTaxCompute implements TAX_COMPUTE(base, strategy_name, params...),
// dispatching to a registered TaxStrategy (spec §4.3). strategy_name must be
// a string literal; the remaining arguments are evaluated as the strategy's
// numeric parameters.
func biTaxCompute(s *evalState, args []Node) (float64, error) {
	if len(args) < 2 {
		return 0, &errs.ParseError{Message: "TAX_COMPUTE requires a base and a strategy_name"}
	}
	base, err := args[0].eval(s)
	if err != nil {
		return 0, err
	}
	name, ok := args[1].(*stringNode)
	if !ok {
		return 0, &errs.ParseError{Message: "TAX_COMPUTE's second argument must be a quoted strategy name"}
	}
	strategy, ok := s.taxStrategies[strings.ToLower(name.value)]
	if !ok {
		return 0, &errs.ParseError{Message: "TAX_COMPUTE: unknown tax strategy " + name.value}
	}
	params, err := evalArgs(s, args[2:])
	if err != nil {
		return 0, err
	}
	return strategy(base, params), nil
}
