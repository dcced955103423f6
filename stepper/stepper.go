// Package stepper provides fixed-step explicit integrators over flat state
// buffers. A state holds n integrated values followed by the time.
package stepper

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrOutOfDomain is returned by a Func when x lies outside the field.
var ErrOutOfDomain = errors.New("position is out of domain")

// ErrNotInitialized is returned when a stepper is used without a function.
var ErrNotInitialized = errors.New("stepper: not initialized")

// ErrUnexpectedValue is returned when a step produced a non-finite value.
var ErrUnexpectedValue = errors.New("stepper: unexpected value")

// Func evaluates the derivatives f (length len(x)-1) at state x, whose last
// entry is the time.
type Func func(x, f []float64) error

// Result is the outcome of a single step.
type Result int

const (
	OK Result = iota
	OutOfDomain
	NotInitialized
	UnexpectedValue
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case OutOfDomain:
		return "out-of-domain"
	case NotInitialized:
		return "not-initialized"
	case UnexpectedValue:
		return "unexpected-value"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Stepper advances x by h into next.
//
// When f reports ErrOutOfDomain at some stage the step returns OutOfDomain
// and next holds the state at which the evaluation failed, so a failure on
// the very first evaluation leaves next equal to x. Any other error from f
// is returned with UnexpectedValue.
type Stepper interface {
	Step(f Func, x, next []float64, h float64) (float64, Result, error)
	Name() string
	// Clone returns an independent stepper for use by another goroutine.
	Clone() Stepper
}

// New returns the stepper with the given name: euler, rk2 or rk4.
func New(name string) (Stepper, error) {
	switch strings.ToLower(name) {
	case "euler":
		return NewEuler(), nil
	case "rk2", "midpoint":
		return NewRK2(), nil
	case "rk4", "":
		return NewRK4(), nil
	}
	return nil, fmt.Errorf("stepper: unknown integrator %q", name)
}

// tableau is an explicit Runge-Kutta scheme.
type tableau struct {
	name string
	a    [][]float64
	b    []float64
	c    []float64
}

// RungeKutta is an explicit fixed-step integrator. It keeps scratch buffers
// and is not safe for concurrent use; give each worker its own instance.
type RungeKutta struct {
	tab   tableau
	k     [][]float64
	stage []float64
}

// NewEuler returns the forward Euler stepper.
func NewEuler() *RungeKutta {
	return &RungeKutta{tab: tableau{
		name: "euler",
		a:    [][]float64{{}},
		b:    []float64{1},
		c:    []float64{0},
	}}
}

// NewRK2 returns the explicit midpoint stepper.
func NewRK2() *RungeKutta {
	return &RungeKutta{tab: tableau{
		name: "rk2",
		a:    [][]float64{{}, {0.5}},
		b:    []float64{0, 1},
		c:    []float64{0, 0.5},
	}}
}

// NewRK4 returns the classic fourth-order Runge-Kutta stepper.
func NewRK4() *RungeKutta {
	return &RungeKutta{tab: tableau{
		name: "rk4",
		a:    [][]float64{{}, {0.5}, {0, 0.5}, {0, 0, 1}},
		b:    []float64{1.0 / 6, 1.0 / 3, 1.0 / 3, 1.0 / 6},
		c:    []float64{0, 0.5, 0.5, 1},
	}}
}

// Name implements Stepper.
func (rk *RungeKutta) Name() string { return rk.tab.name }

// Clone implements Stepper.
func (rk *RungeKutta) Clone() Stepper {
	return &RungeKutta{tab: rk.tab}
}

func (rk *RungeKutta) ensure(n int) {
	if len(rk.stage) == n+1 {
		return
	}
	rk.stage = make([]float64, n+1)
	rk.k = make([][]float64, len(rk.tab.b))
	for i := range rk.k {
		rk.k[i] = make([]float64, n)
	}
}

// Step implements Stepper.
func (rk *RungeKutta) Step(f Func, x, next []float64, h float64) (float64, Result, error) {
	if f == nil {
		return 0, NotInitialized, ErrNotInitialized
	}
	if len(x) < 2 || len(next) != len(x) {
		return 0, UnexpectedValue, fmt.Errorf("%w: state lengths %d and %d", ErrUnexpectedValue, len(x), len(next))
	}
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, UnexpectedValue, fmt.Errorf("%w: step %v", ErrUnexpectedValue, h)
	}

	n := len(x) - 1
	rk.ensure(n)
	t := x[n]

	for s := range rk.tab.b {
		copy(rk.stage[:n], x[:n])
		for j, a := range rk.tab.a[s] {
			if a != 0 {
				floats.AddScaled(rk.stage[:n], h*a, rk.k[j])
			}
		}
		rk.stage[n] = t + rk.tab.c[s]*h

		if err := f(rk.stage, rk.k[s]); err != nil {
			if errors.Is(err, ErrOutOfDomain) {
				copy(next, rk.stage)
				return rk.stage[n] - t, OutOfDomain, nil
			}
			return 0, UnexpectedValue, err
		}
		if !finite(rk.k[s]) {
			return 0, UnexpectedValue, fmt.Errorf("%w: non-finite derivative", ErrUnexpectedValue)
		}
	}

	copy(next[:n], x[:n])
	for s, b := range rk.tab.b {
		if b != 0 {
			floats.AddScaled(next[:n], h*b, rk.k[s])
		}
	}
	next[n] = t + h
	return h, OK, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
