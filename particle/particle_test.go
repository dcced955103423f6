package particle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func seeded() *Particle {
	p := New(7, 3, 2, r3.Vec{X: 1, Y: 2, Z: 3}, r3.Vec{X: 4, Y: 5, Z: 6}, 2, 0.5)
	p.Schema = &SeedSchema{Names: []string{"ParticleDiameter"}, Components: []int{1}}
	p.SeedData = [][]float64{{0.01}}
	return p
}

func TestNew(t *testing.T) {
	p := seeded()
	assert.Equal(t, 9, p.NumberOfVariables())
	assert.Equal(t, 2, p.NumberOfUserVariables())
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.Position())
	assert.Equal(t, r3.Vec{X: 4, Y: 5, Z: 6}, p.Velocity())
	assert.Equal(t, p.Position(), p.PrevPosition())
	assert.Equal(t, 0.5, p.Time())
	assert.Equal(t, int64(-1), p.ParentID)
	assert.Equal(t, -1, p.LastCell.Dataset)
	assert.Equal(t, []float64{0.01}, p.SeedValue("ParticleDiameter"))
	assert.Nil(t, p.SeedValue("Missing"))
}

func TestMoveToNext(t *testing.T) {
	p := seeded()
	p.StepTime = 0.25
	p.SetNextPosition(r3.Vec{X: 2, Y: 2, Z: 3})
	p.SetNextVelocity(r3.Vec{X: 1})
	p.Next()[p.NumberOfVariables()-1] = 0.75

	p.MoveToNext()

	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.PrevPosition())
	assert.Equal(t, r3.Vec{X: 2, Y: 2, Z: 3}, p.Position())
	assert.Equal(t, r3.Vec{X: 1}, p.Velocity())
	assert.Equal(t, make([]float64, 9), p.Next())
	assert.Equal(t, int64(1), p.NumberOfSteps)
	assert.Equal(t, 0.5, p.PrevIntegrationTime)
	assert.Equal(t, 0.75, p.IntegrationTime)
	assert.LessOrEqual(t, p.Prev()[8], p.Current()[8])
}

func TestCloneIsDeep(t *testing.T) {
	p := seeded()
	p.LastCell.Weights = []float64{0.5, 0.5}
	c := p.Clone()
	require.Equal(t, p.ID, c.ID)

	c.SetPosition(r3.Vec{X: 9})
	c.LastCell.Weights[0] = 1
	c.SeedData[0][0] = 2

	assert.Equal(t, 1.0, p.Position().X)
	assert.Equal(t, 0.5, p.LastCell.Weights[0])
	assert.Equal(t, 0.01, p.SeedData[0][0])
	assert.Same(t, p.Schema, c.Schema)
}

func TestSpawn(t *testing.T) {
	p := seeded()
	p.NumberOfSteps = 4
	p.StepTime = 0.1
	p.SetNextPosition(r3.Vec{X: 5})
	p.Tracked = []float64{1}
	p.NextTracked = []float64{2}
	p.Termination = SurfBreak

	c := p.Spawn(100)
	assert.Equal(t, int64(100), c.ID)
	assert.Equal(t, p.ID, c.ParentID)
	assert.Equal(t, p.SeedID, c.SeedID)
	assert.Equal(t, int64(5), c.NumberOfSteps)
	assert.Equal(t, p.Position(), c.PrevPosition())
	assert.Equal(t, r3.Vec{X: 5}, c.Position())
	assert.Equal(t, make([]float64, 9), c.Next())
	assert.InDelta(t, 0.6, c.IntegrationTime, 1e-12)
	assert.Equal(t, []float64{1}, c.PrevTracked)
	assert.Equal(t, []float64{2}, c.Tracked)
	assert.Equal(t, NotTerminated, c.Termination)

	c.SetPosition(r3.Vec{X: 8})
	assert.Equal(t, 5.0, p.NextPosition().X, "child buffers are not shared with the parent")
}

func TestDisplacement(t *testing.T) {
	p := seeded()
	p.SetNextPosition(r3.Vec{X: 4, Y: 6, Z: 3})
	assert.InDelta(t, 5, p.Displacement(), 1e-12)
	assert.InDelta(t, r3.Norm(r3.Vec{X: 4, Y: 5, Z: 6}), p.VelocityMagnitude(), 1e-12)
}

func TestSchema(t *testing.T) {
	a := &SeedSchema{Names: []string{"A", "B"}, Components: []int{3, 1}}
	b := &SeedSchema{Names: []string{"A", "B"}, Components: []int{3, 1}}
	assert.True(t, a.Equal(b))
	assert.Equal(t, 4, a.TotalComponents())
	b.Components[1] = 2
	assert.False(t, a.Equal(b))
	var empty *SeedSchema
	assert.True(t, empty.Equal(&SeedSchema{}))
	assert.Equal(t, 1, a.Index("B"))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "surf-break", SurfBreak.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "bounce", InteractionBounce.String())
	assert.Equal(t, "termination(42)", Termination(42).String())
}
