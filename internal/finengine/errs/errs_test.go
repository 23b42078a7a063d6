package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredErrorsUnwrapToSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unknown reference", &UnknownReferenceError{Name: "FOO"}, ErrUnknownReference},
		{"missing driver", &MissingDriverError{Entity: "e1", Scenario: "s1", Period: "2026-01", Code: "REVENUE"}, ErrMissingDriver},
		{"incompatible units", &IncompatibleUnitsError{From: "USD", To: "KG"}, ErrIncompatibleUnits},
		{"unknown unit", &UnknownUnitError{Code: "ZZZ"}, ErrUnknownUnit},
		{"missing fx rate", &MissingFXRateError{From: "USD", To: "EUR", RateType: "spot", Period: "2026-01"}, ErrMissingFXRate},
		{"circular dependency", &CircularDependencyError{Codes: []string{"A", "B"}}, ErrCircularDependency},
		{"parse error", &ParseError{Position: 4, Message: "unexpected token"}, ErrParse},
		{"division by zero", &DivisionByZeroError{LineCode: "MARGIN"}, ErrDivisionByZero},
		{"validation failure", &ValidationFailureError{RuleCode: "BAL", LineCode: "CASH", Severity: "error"}, ErrValidationFailure},
		{"action application", &ActionApplicationError{ActionCode: "A1", LineCode: "OPEX"}, ErrActionApplication},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, errors.Is(tc.err, tc.want))
			assert.NotEmpty(t, tc.err.Error())
		})
	}
}

func TestEngineErrorWrapsDebugContext(t *testing.T) {
	cause := &UnknownReferenceError{Name: "FOO"}
	ctx := DebugContext{
		LineCode:       "NET_INCOME",
		CalcOrderIndex: 3,
		TemplateCode:   "income_statement",
		RecentResolved: []string{"REVENUE", "COGS"},
	}

	wrapped := NewEngineError(cause, ctx)

	require.ErrorIs(t, wrapped, ErrUnknownReference)
	assert.Contains(t, wrapped.Error(), "NET_INCOME")
	assert.Contains(t, wrapped.Error(), "income_statement")
}
