package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefsWalksWholeTree(t *testing.T) {
	node, err := Parse("REVENUE - COGS + IF(CASH[t-1] > 0, RATE, 0)")
	require.NoError(t, err)

	refs := Refs(node)

	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"REVENUE", "COGS", "CASH", "RATE"}, names)

	var cashShift int
	for _, r := range refs {
		if r.Name == "CASH" {
			cashShift = r.Shift
		}
	}
	assert.Equal(t, -1, cashShift)
}
