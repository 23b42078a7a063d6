package formula

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finengine/internal/finengine/errs"
)

type mapResolver map[string]float64

func (m mapResolver) Resolve(name string, shift int) (float64, error) {
	key := name
	if shift != 0 {
		key = name + shiftSuffix(shift)
	}
	v, ok := m[key]
	if !ok {
		return 0, &errs.UnknownReferenceError{Name: key}
	}
	return v, nil
}

func shiftSuffix(shift int) string {
	if shift < 0 {
		return "[t" + itoa(shift) + "]"
	}
	return "[t+" + itoa(shift) + "]"
}

func itoa(n int) string {
	if n < 0 {
		return "-" + itoa(-n)
	}
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func eval(t *testing.T, resolver Resolver, src string) float64 {
	t.Helper()
	e := NewEvaluator(resolver)
	v, err := e.Eval(src)
	require.NoError(t, err, "formula %q", src)
	return v
}

func TestArithmeticPrecedence(t *testing.T) {
	r := mapResolver{}
	assert.Equal(t, 14.0, eval(t, r, "2 + 3 * 4"))
	assert.Equal(t, 20.0, eval(t, r, "(2 + 3) * 4"))
	assert.Equal(t, 7.0, eval(t, r, "1 + 2 * 3"))
	assert.Equal(t, 512.0, eval(t, r, "2 ^ 3 ^ 2")) // right-associative: 2^(3^2)
}

func TestUnaryMinusBindsTighterThanPower(t *testing.T) {
	// Unary minus binds tighter than ^, so -2^2 parses as (-2)^2 = 4.
	r := mapResolver{}
	assert.Equal(t, 4.0, eval(t, r, "-2 ^ 2"))
	assert.Equal(t, 4.0, eval(t, r, "(-2) ^ 2"))
}

func TestDivision(t *testing.T) {
	r := mapResolver{}
	assert.Equal(t, 2.5, eval(t, r, "5 / 2"))
}

func TestDivisionByZero(t *testing.T) {
	e := NewEvaluator(mapResolver{})
	_, err := e.Eval("1 / 0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDivisionByZero))
}

func TestReferenceResolution(t *testing.T) {
	r := mapResolver{"REVENUE": 100, "COGS": 40}
	assert.Equal(t, 60.0, eval(t, r, "REVENUE - COGS"))
}

func TestTimeShiftedReference(t *testing.T) {
	r := mapResolver{"CASH[t-1]": 500}
	assert.Equal(t, 500.0, eval(t, r, "CASH[t-1]"))
}

func TestUnknownReference(t *testing.T) {
	e := NewEvaluator(mapResolver{})
	_, err := e.Eval("UNKNOWN_CODE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnknownReference))
}

func TestComparisonAndLogical(t *testing.T) {
	r := mapResolver{"REVENUE": 100}
	assert.Equal(t, 1.0, eval(t, r, "REVENUE > 50"))
	assert.Equal(t, 0.0, eval(t, r, "REVENUE < 50"))
	assert.Equal(t, 1.0, eval(t, r, "REVENUE > 50 AND REVENUE < 200"))
	assert.Equal(t, 0.0, eval(t, r, "REVENUE > 50 AND REVENUE < 90"))
	assert.Equal(t, 1.0, eval(t, r, "REVENUE < 50 OR REVENUE > 90"))
}

func TestIfBuiltinShortCircuitsBranch(t *testing.T) {
	r := mapResolver{"REVENUE": 100}
	assert.Equal(t, 1.0, eval(t, r, "IF(REVENUE > 50, 1, UNDEFINED_CODE)"))
	assert.Equal(t, 1.0, eval(t, r, "IF(REVENUE < 50, UNDEFINED_CODE, 1)"))
}

func TestAggregateBuiltins(t *testing.T) {
	r := mapResolver{}
	assert.Equal(t, 10.0, eval(t, r, "SUM(1,2,3,4)"))
	assert.Equal(t, 2.5, eval(t, r, "AVG(1,2,3,4)"))
	assert.Equal(t, 1.0, eval(t, r, "MIN(4,1,3)"))
	assert.Equal(t, 4.0, eval(t, r, "MAX(4,1,3)"))
	assert.Equal(t, 5.0, eval(t, r, "ABS(-5)"))
}

func TestTaxComputeFloorsAtZeroForLosses(t *testing.T) {
	r := mapResolver{}
	assert.Equal(t, 0.0, eval(t, r, `TAX_COMPUTE(-100, "flat", 0.25)`))
	assert.Equal(t, 25.0, eval(t, r, `TAX_COMPUTE(100, "flat", 0.25)`))
}

func TestTaxComputeProgressiveBrackets(t *testing.T) {
	r := mapResolver{}
	// 0-10000 @ 10%, 10000+ @ 20%: tax on 15000 = 1000 + 1000 = 2000.
	assert.Equal(t, 2000.0, eval(t, r, `TAX_COMPUTE(15000, "progressive", 0, 0.10, 10000, 0.20)`))
}

func TestTaxComputeUnknownStrategy(t *testing.T) {
	e := NewEvaluator(mapResolver{})
	_, err := e.Eval(`TAX_COMPUTE(100, "nonexistent")`)
	require.Error(t, err)
}

func TestTaxComputeRejectsNonStringStrategyArg(t *testing.T) {
	e := NewEvaluator(mapResolver{})
	_, err := e.Eval("TAX_COMPUTE(100, 0.25)")
	require.Error(t, err)
}

func TestIdentifierWithNamespacePrefix(t *testing.T) {
	r := mapResolver{"pl:NET_INCOME": 500}
	assert.Equal(t, 500.0, eval(t, r, "pl:NET_INCOME"))
}

func TestTimeShiftRequiresExplicitSign(t *testing.T) {
	_, err := Parse("CASH[t]")
	require.Error(t, err)
}

func TestStringLiteralOutsideDispatcherIsAnError(t *testing.T) {
	e := NewEvaluator(mapResolver{})
	_, err := e.Eval(`1 + "oops"`)
	require.Error(t, err)
}

func TestParseErrorOnMalformedFormula(t *testing.T) {
	_, err := Parse("1 + ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrParse))
}

func TestEvaluatorTraceRecordsResolvedIdentifiers(t *testing.T) {
	r := mapResolver{"REVENUE": 100, "COGS": 40}
	e := NewEvaluator(r)
	_, err := e.Eval("REVENUE - COGS")
	require.NoError(t, err)
	assert.Equal(t, []string{"REVENUE", "COGS"}, e.Trace())
}

func TestEvaluatorTraceCapsAtSixteen(t *testing.T) {
	r := mapResolver{}
	for i := 0; i < 20; i++ {
		r[string(rune('A'+i%26))] = float64(i)
	}
	var src string
	for i := 0; i < 20; i++ {
		if i > 0 {
			src += "+"
		}
		src += string(rune('A' + i%26))
	}
	e := NewEvaluator(r)
	_, err := e.Eval(src)
	require.NoError(t, err)
	assert.Len(t, e.Trace(), 16)
}
