package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustVersion(t *testing.T, s string) Version {
	t.Helper()
	v, err := ParseVersion(s)
	require.NoError(t, err)
	return v
}

// TestResolveMostConstrainedFirst is a direct port of the solver scenario:
// A{1.0.0 depends: B>=1.0}, B{1.0.0, 1.5.0, 2.0.0},
// C{1.0.0 depends: B<2.0}, root depends on A and C.
// Expected: {A=1.0.0, B=1.5.0, C=1.0.0} — B is most constrained (two
// requirers) and 1.5.0 is the highest version satisfying both >=1.0 and <2.0.
func TestResolveMostConstrainedFirst(t *testing.T) {
	idx := Index{
		"A": {
			{Version: mustVersion(t, "1.0.0"), Dependencies: map[string]string{"B": ">=1.0.0"}},
		},
		"B": {
			{Version: mustVersion(t, "1.0.0")},
			{Version: mustVersion(t, "1.5.0")},
			{Version: mustVersion(t, "2.0.0")},
		},
		"C": {
			{Version: mustVersion(t, "1.0.0"), Dependencies: map[string]string{"B": "<2.0.0"}},
		},
	}

	res, conflict := Resolve([]Requirement{
		{Name: "A", Constraint: "*"},
		{Name: "C", Constraint: "*"},
	}, idx)
	require.Nil(t, conflict)
	require.NotNil(t, res)

	require.Equal(t, mustVersion(t, "1.0.0"), res.Chosen["A"])
	require.Equal(t, mustVersion(t, "1.5.0"), res.Chosen["B"])
	require.Equal(t, mustVersion(t, "1.0.0"), res.Chosen["C"])
}

func TestResolveMissingPackageIsConflict(t *testing.T) {
	idx := Index{}
	_, conflict := Resolve([]Requirement{{Name: "ghost", Constraint: "*"}}, idx)
	require.NotNil(t, conflict)
	require.Equal(t, "ghost", conflict.Package)
}

func TestResolveUnsatisfiableRangeIsConflict(t *testing.T) {
	idx := Index{
		"A": {
			{Version: mustVersion(t, "1.0.0"), Dependencies: map[string]string{"B": ">=2.0.0"}},
		},
		"B": {
			{Version: mustVersion(t, "1.0.0")},
		},
	}
	_, conflict := Resolve([]Requirement{{Name: "A", Constraint: "*"}}, idx)
	require.NotNil(t, conflict)
	require.Equal(t, "B", conflict.Package)
}

func TestResolveSingleExactVersion(t *testing.T) {
	idx := Index{
		"A": {
			{Version: mustVersion(t, "1.0.0")},
			{Version: mustVersion(t, "2.0.0")},
		},
	}
	res, conflict := Resolve([]Requirement{{Name: "A", Constraint: "=1.0.0"}}, idx)
	require.Nil(t, conflict)
	require.Equal(t, mustVersion(t, "1.0.0"), res.Chosen["A"])
}

func TestConstraintParsingAndMatching(t *testing.T) {
	c, err := ParseConstraint(">=1.2.0")
	require.NoError(t, err)
	require.True(t, c.Matches(mustVersion(t, "1.2.0")))
	require.True(t, c.Matches(mustVersion(t, "1.3.0")))
	require.False(t, c.Matches(mustVersion(t, "1.1.9")))

	any, err := ParseConstraint("")
	require.NoError(t, err)
	require.True(t, any.Matches(mustVersion(t, "0.0.0")))
}
