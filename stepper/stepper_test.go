package stepper

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decay is dy/dt = -y.
func decay(x, f []float64) error {
	f[0] = -x[0]
	return nil
}

func TestStepAccuracy(t *testing.T) {
	for _, tc := range []struct {
		name string
		tol  float64
	}{
		{"euler", 5e-3},
		{"rk2", 2e-4},
		{"rk4", 1e-7},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.name)
			require.NoError(t, err)

			x := []float64{1, 0}
			next := make([]float64, 2)
			for range 10 {
				h, res, err := s.Step(decay, x, next, 0.01)
				require.NoError(t, err)
				require.Equal(t, OK, res)
				require.Equal(t, 0.01, h)
				x, next = next, x
			}
			assert.InDelta(t, math.Exp(-0.1), x[0], tc.tol)
			assert.InDelta(t, 0.1, x[1], 1e-12)
		})
	}
}

func TestStepOutOfDomain(t *testing.T) {
	// Field defined only for y < 1.05.
	f := func(x, f []float64) error {
		if x[0] >= 1.05 {
			return ErrOutOfDomain
		}
		f[0] = 1
		return nil
	}
	s := NewRK4()
	next := make([]float64, 2)

	// The midpoint stage leaves the field: next is that stage.
	h, res, err := s.Step(f, []float64{1, 0}, next, 0.2)
	require.NoError(t, err)
	assert.Equal(t, OutOfDomain, res)
	assert.InDelta(t, 1.1, next[0], 1e-12)
	assert.InDelta(t, 0.1, h, 1e-12)

	// Starting outside: next equals the start point.
	_, res, err = s.Step(f, []float64{2, 0}, next, 0.2)
	require.NoError(t, err)
	assert.Equal(t, OutOfDomain, res)
	assert.Equal(t, []float64{2, 0}, next)
}

func TestStepErrors(t *testing.T) {
	s := NewEuler()
	next := make([]float64, 2)

	_, res, err := s.Step(nil, []float64{1, 0}, next, 0.1)
	assert.Equal(t, NotInitialized, res)
	assert.ErrorIs(t, err, ErrNotInitialized)

	boom := errors.New("missing array")
	_, res, err = s.Step(func(x, f []float64) error { return boom }, []float64{1, 0}, next, 0.1)
	assert.Equal(t, UnexpectedValue, res)
	assert.ErrorIs(t, err, boom)

	_, res, err = s.Step(func(x, f []float64) error { f[0] = math.NaN(); return nil }, []float64{1, 0}, next, 0.1)
	assert.Equal(t, UnexpectedValue, res)
	assert.ErrorIs(t, err, ErrUnexpectedValue)

	_, err = New("verlet")
	assert.Error(t, err)
}

func TestCloneHasOwnScratch(t *testing.T) {
	a := NewRK4()
	b := a.Clone()
	assert.Equal(t, "rk4", b.Name())
	next := make([]float64, 2)
	_, _, err := a.Step(decay, []float64{1, 0}, next, 0.1)
	require.NoError(t, err)
	assert.Nil(t, b.(*RungeKutta).stage)
}
