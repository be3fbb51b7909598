package shape

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectShapeScenario(t *testing.T) {
	// Scenario 1: 10*rect(t/120): 10 live bots at t=10s, 0 at t=130s.
	expr, err := Compile("10*rect(t/120)")
	require.NoError(t, err)

	target, err := expr.Target(10)
	require.NoError(t, err)
	require.Equal(t, 10, target)

	target, err = expr.Target(130)
	require.NoError(t, err)
	require.Equal(t, 0, target)
}

func TestLogGrowthBound(t *testing.T) {
	// Scenario 2: live count never exceeds floor(2000*ln(1+t/1000)).
	expr, err := Compile("ln(1+t/1000)*(sin(t/10)+1)*1000")
	require.NoError(t, err)

	for _, tt := range []float64{0, 1, 100, 1000, 5000, 9999} {
		n, err := expr.Target(tt)
		require.NoError(t, err)
		bound := math.Floor(2000 * math.Log(1+tt/1000))
		require.LessOrEqual(t, float64(n), bound)
	}
}

func TestTargetFloorsAndClampsNegative(t *testing.T) {
	expr, err := Compile("t - 5")
	require.NoError(t, err)

	target, err := expr.Target(4.9)
	require.NoError(t, err)
	require.Equal(t, 0, target)

	target, err = expr.Target(7.9)
	require.NoError(t, err)
	require.Equal(t, 2, target)
}

func TestStepAndTri(t *testing.T) {
	expr, err := Compile("step(t)")
	require.NoError(t, err)
	v, _ := expr.Eval(-1)
	require.Equal(t, 0.0, v)
	v, _ = expr.Eval(0)
	require.Equal(t, 1.0, v)

	triExpr, err := Compile("tri(t)")
	require.NoError(t, err)
	v, _ = triExpr.Eval(0)
	require.Equal(t, 0.0, v)
	v, _ = triExpr.Eval(1)
	require.Equal(t, 1.0, v)
	v, _ = triExpr.Eval(2)
	require.Equal(t, 0.0, v)
}

func TestTrapzAndCostrapz(t *testing.T) {
	expr, err := Compile("trapz(t,4,2)")
	require.NoError(t, err)
	v, _ := expr.Eval(0)
	require.Equal(t, 1.0, v)
	v, _ = expr.Eval(2)
	require.InDelta(t, 0.0, v, 1e-9)

	cos, err := Compile("costrapz(t,4,2)")
	require.NoError(t, err)
	v, _ = cos.Eval(0)
	require.Equal(t, 0.0, v)
}

func TestCompileParseFailureIsFatalForModel(t *testing.T) {
	_, err := Compile("not a valid ( expression")
	require.Error(t, err)
}

func TestRoundTripEvaluationStability(t *testing.T) {
	// Round-trip property: evaluating the same compiled expression
	// repeatedly at t = 0, 1000, ..., 10000 is stable within 1e-9.
	expr, err := Compile("ln(1+t/1000)*(sin(t/10)+1)*1000")
	require.NoError(t, err)

	for tt := 0; tt <= 10000; tt += 1000 {
		a, err := expr.Eval(float64(tt))
		require.NoError(t, err)
		b, err := expr.Eval(float64(tt))
		require.NoError(t, err)
		require.InDelta(t, a, b, 1e-9)
	}
}
