package assess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/wardend/internal/task"
)

func TestClampFactor(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"negative clamps to zero", -3, 0},
		{"zero stays zero", 0, 0},
		{"one stays one", 1, 1},
		{"two stays two", 2, 2},
		{"above max clamps to max", 7, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampFactor(tt.in))
		})
	}
}

func TestAggregate_Bounds(t *testing.T) {
	// Exhaustive sweep over factor combinations for a 5-factor set.
	// The result must stay in [1,10] for every combination, including
	// all-zero and all-max, and even for raw values outside [0,2].
	raw := []int{-1, 0, 1, 2, 5}
	for _, a := range raw {
		for _, b := range raw {
			for _, c := range raw {
				for _, d := range raw {
					for _, e := range raw {
						factors := []Factor{
							{Name: "a", Weight: a},
							{Name: "b", Weight: b},
							{Name: "c", Weight: c},
							{Name: "d", Weight: d},
							{Name: "e", Weight: e},
						}
						got := Aggregate(factors)
						require.GreaterOrEqual(t, got, ScoreMin)
						require.LessOrEqual(t, got, ScoreMax)
					}
				}
			}
		}
	}
}

func TestAggregate_AllZeroFloorsAtOne(t *testing.T) {
	factors := []Factor{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	assert.Equal(t, 1, Aggregate(factors))
}

func TestAggregate_AllMaxCapsAtTen(t *testing.T) {
	factors := make([]Factor, 6)
	for i := range factors {
		factors[i] = Factor{Name: "f", Weight: FactorMax}
	}
	assert.Equal(t, 10, Aggregate(factors))
}

func TestAssessor_Assess(t *testing.T) {
	a := NewAssessor(DefaultFactorSets())

	tk := task.New("repair", "fix race in session store")
	score, err := a.Assess(tk, Inputs{
		"defect-pattern-breadth":  1,
		"cross-component-span":    2,
		"concurrency-involvement": 2,
	})
	require.NoError(t, err)

	// external-integration missing, defaults to 0
	assert.Equal(t, 5, score.Value)
	require.Len(t, score.Factors, 4)
	assert.Equal(t, "defect-pattern-breadth", score.Factors[0].Name)
	assert.Equal(t, 0, score.Factors[3].Weight)
}

func TestAssessor_Assess_Deterministic(t *testing.T) {
	a := NewAssessor(DefaultFactorSets())
	tk := task.New("design", "new ingestion pipeline")
	in := Inputs{"component-count": 2, "integration-points": 1}

	first, err := a.Assess(tk, in)
	require.NoError(t, err)
	second, err := a.Assess(tk, in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAssessor_Assess_MissingDomain(t *testing.T) {
	a := NewAssessor(DefaultFactorSets())
	tk := task.New("", "no domain")

	_, err := a.Assess(tk, nil)
	assert.ErrorIs(t, err, task.ErrMissingDomain)
}

func TestAssessor_Assess_UnknownDomainScoresFloor(t *testing.T) {
	a := NewAssessor(DefaultFactorSets())
	tk := task.New("archaeology", "unknown domain")

	score, err := a.Assess(tk, Inputs{"anything": 2})
	require.NoError(t, err)
	assert.Equal(t, ScoreMin, score.Value)
	assert.Empty(t, score.Factors)
}
