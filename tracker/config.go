package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// CellLengthMode selects how the characteristic cell length of a step is
// estimated.
type CellLengthMode int

const (
	// LastCellLength uses the bounding diagonal of the cell of the last
	// field evaluation.
	LastCellLength CellLengthMode = iota
	// CurrentCellLength uses the bounding diagonal of the cell containing
	// the current position.
	CurrentCellLength
	// LastCellVelocityDirection projects the edges of the last cell on the
	// velocity direction and keeps the longest projection.
	LastCellVelocityDirection
	CurrentCellVelocityDirection
	// LastCellDivergenceTheorem estimates the cell length along the
	// velocity as twice the volume over the projected face area.
	LastCellDivergenceTheorem
	CurrentCellDivergenceTheorem
)

var cellLengthNames = [...]string{
	"last-cell-length",
	"cur-cell-length",
	"last-cell-vel-dir",
	"cur-cell-vel-dir",
	"last-cell-div-theo",
	"cur-cell-div-theo",
}

func (m CellLengthMode) String() string {
	if m >= 0 && int(m) < len(cellLengthNames) {
		return cellLengthNames[m]
	}
	return fmt.Sprintf("cell-length(%d)", int(m))
}

// ParseCellLengthMode parses a mode name as printed by String.
func ParseCellLengthMode(s string) (CellLengthMode, error) {
	for i, n := range cellLengthNames {
		if strings.EqualFold(s, n) {
			return CellLengthMode(i), nil
		}
	}
	return 0, fmt.Errorf("tracker: unknown cell length mode %q", s)
}

func (m CellLengthMode) lastCell() bool {
	return m == LastCellLength || m == LastCellVelocityDirection || m == LastCellDivergenceTheorem
}

// Config holds the integration parameters.
type Config struct {
	// StepFactor scales the cell length into the step length. StepFactorMin
	// and StepFactorMax clamp the step, and StepFactorMax also bounds the
	// accepted displacement under adaptive reintegration.
	StepFactor    float64
	StepFactorMin float64
	StepFactorMax float64

	CellLength CellLengthMode

	// MinimumVelocity floors |v| when computing the step time.
	MinimumVelocity float64

	// MaxSteps and MaxIntegrationTime bound each particle; zero or less
	// disables the limit.
	MaxSteps           int64
	MaxIntegrationTime float64

	AdaptiveReintegration bool

	// Workers is the number of goroutines integrating particles. Zero uses
	// GOMAXPROCS.
	Workers int

	PerfWindow int
}

// DefaultConfig returns the default integration parameters.
func DefaultConfig() Config {
	return Config{
		StepFactor:      1.0,
		StepFactorMin:   0.5,
		StepFactorMax:   1.5,
		CellLength:      LastCellLength,
		MinimumVelocity: 0.001,
		MaxSteps:        100,
		Workers:         1,
		PerfWindow:      256,
	}
}

var errConfig = errors.New("tracker: invalid config")

// Validate checks the step parameters.
func (c Config) Validate() error {
	switch {
	case c.StepFactor <= 0:
		return fmt.Errorf("%w: step factor %v must be positive", errConfig, c.StepFactor)
	case c.StepFactorMin < 0 || c.StepFactorMin > c.StepFactor:
		return fmt.Errorf("%w: step factor min %v outside [0, %v]", errConfig, c.StepFactorMin, c.StepFactor)
	case c.StepFactorMax < c.StepFactor:
		return fmt.Errorf("%w: step factor max %v below step factor %v", errConfig, c.StepFactorMax, c.StepFactor)
	case c.MinimumVelocity <= 0:
		return fmt.Errorf("%w: minimum velocity %v must be positive", errConfig, c.MinimumVelocity)
	case c.CellLength < 0 || int(c.CellLength) >= len(cellLengthNames):
		return fmt.Errorf("%w: %s", errConfig, c.CellLength)
	}
	return nil
}
