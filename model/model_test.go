package model

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/particle"
)

// hexBox returns a single-hexahedron flow dataset spanning [lo,hi] with
// uniform flow arrays.
func hexBox(lo, hi r3.Vec, vel r3.Vec, density, viscosity float64) *mesh.Dataset {
	ds := &mesh.Dataset{Name: "flow"}
	for _, c := range [][3]bool{
		{false, false, false}, {true, false, false}, {true, true, false}, {false, true, false},
		{false, false, true}, {true, false, true}, {true, true, true}, {false, true, true},
	} {
		p := lo
		if c[0] {
			p.X = hi.X
		}
		if c[1] {
			p.Y = hi.Y
		}
		if c[2] {
			p.Z = hi.Z
		}
		ds.Points = append(ds.Points, p)
	}
	ds.AddCell(mesh.Hexahedron, 0, 1, 2, 3, 4, 5, 6, 7)

	v := mesh.NewArray("FlowVelocity", 3, 8)
	v.Fill(vel.X, vel.Y, vel.Z)
	rho := mesh.NewArray("FlowDensity", 1, 8)
	rho.Fill(density)
	mu := mesh.NewArray("FlowDynamicViscosity", 1, 8)
	mu.Fill(viscosity)
	ds.PointData.Add(v)
	ds.PointData.Add(rho)
	ds.PointData.Add(mu)
	return ds
}

// wall returns a quad surface in the plane x = at with the given surface type.
func wall(at float64, code int) *mesh.Dataset {
	ds := &mesh.Dataset{Name: "wall", Points: []r3.Vec{
		{X: at, Y: -1, Z: -1}, {X: at, Y: 3, Z: -1}, {X: at, Y: 3, Z: 3}, {X: at, Y: -1, Z: 3},
	}}
	ds.AddCell(mesh.Quad, 0, 1, 2, 3)
	st := mesh.NewArray("SurfaceType", 1, 1)
	st.Fill(float64(code))
	ds.CellData.Add(st)
	return ds
}

type counter struct{ next int64 }

func (c *counter) NextID() int64 {
	id := c.next
	c.next++
	return id
}

type sliceQueue struct {
	mu     sync.Mutex
	items  []*particle.Particle
	pushes int
}

func (q *sliceQueue) PushBatch(ps ...*particle.Particle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushes++
	q.items = append(q.items, ps...)
}

func newTestModel(t *testing.T, walls ...*mesh.Dataset) *Model {
	t.Helper()
	m := New(&Ballistic{}, Options{IDs: &counter{next: 100}})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{}, 1, 1), false, 0))
	for i, w := range walls {
		require.NoError(t, m.AddDataset(w, true, i))
	}
	return m
}

// stepping builds a particle stepping from cur to next with unit step time.
func stepping(cur, next, v r3.Vec) *particle.Particle {
	p := particle.New(1, 1, 0, cur, v, 0, 0)
	p.StepTime = 1
	p.SetNextPosition(next)
	p.SetNextVelocity(v)
	p.Next()[p.NumberOfVariables()-1] = 1
	return p
}

func TestMatidaAcceleration(t *testing.T) {
	m := New(NewMatida(), Options{})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: 19, Y: 19, Z: 19}, 11, 13.3), false, 0))

	p := particle.New(0, 0, 0, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{X: 17, Y: 17, Z: 17}, 0, 0)
	p.Schema = &particle.SeedSchema{Names: []string{"ParticleDiameter", "ParticleDensity"}, Components: []int{1, 1}}
	p.SeedData = [][]float64{{10}, {13}}

	f := make([]float64, 6)
	require.NoError(t, m.FunctionValues(p, p.Current(), f))

	rel := 2 * math.Sqrt(3)
	re := 11 * rel * 10 / 13.3
	cd := 1 + 0.15*math.Pow(re, 0.687)
	tau := 13 * 10 * 10 / (18 * 13.3)
	drag := 2 * cd / tau

	assert.InDelta(t, 17, f[0], 1e-12)
	assert.InDelta(t, drag, f[3], 1e-6)
	assert.InDelta(t, drag, f[4], 1e-6)
	assert.InDelta(t, drag-9.8*(1-11.0/13), f[5], 1e-6)
}

func TestMatidaInviscidHasNoDrag(t *testing.T) {
	a := MatidaAcceleration(r3.Vec{X: 5}, r3.Vec{}, 1, 0, 1, 2, StandardGravity)
	assert.Equal(t, 0.0, a.X)
	assert.InDelta(t, -4.9, a.Z, 1e-12)
	assert.True(t, math.IsInf(RelaxationTime(0, 1, 1), 1))
}

func TestMatidaZeroRelaxationTime(t *testing.T) {
	a := MatidaAcceleration(r3.Vec{X: 5, Y: -1}, r3.Vec{X: 1, Y: 2}, 1, 1e-3, 0, 2, StandardGravity)
	assert.True(t, math.IsInf(a.X, 1))
	assert.True(t, math.IsInf(a.Y, -1))
	assert.InDelta(t, -4.9, a.Z, 1e-12, "no drag where flow and particle agree")
	assert.Zero(t, RelaxationTime(1e-3, 0, 2))
}

func TestMatidaRejectsNonPhysicalParticles(t *testing.T) {
	m := New(NewMatida(), Options{})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{X: 1}, 1, 1e-3), false, 0))
	schema := &particle.SeedSchema{Names: []string{"ParticleDiameter", "ParticleDensity"}, Components: []int{1, 1}}
	f := make([]float64, 6)

	for name, tc := range map[string]struct {
		diameter, density float64
		slot              int
	}{
		"zero density":      {1e-5, 0, SlotParticleDensity},
		"negative diameter": {-1e-5, 1000, SlotParticleDiameter},
	} {
		t.Run(name, func(t *testing.T) {
			p := particle.New(0, 0, 0, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{}, 0, 0)
			p.Schema = schema
			p.SeedData = [][]float64{{tc.diameter}, {tc.density}}

			err := m.FunctionValues(p, p.Current(), f)
			assert.ErrorIs(t, err, ErrNonPositive)
			assert.True(t, IsConfigurationError(err))
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tc.slot, fe.Slot)
		})
	}

	p := particle.New(0, 0, 0, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{}, 0, 0)
	p.Schema = schema
	p.SeedData = [][]float64{{0}, {1000}}
	require.NoError(t, m.FunctionValues(p, p.Current(), f))
	assert.True(t, math.IsInf(f[3], 1), "zero diameter snaps to the flow")
	assert.Zero(t, f[4])
}

func TestFunctionValuesErrors(t *testing.T) {
	m := New(NewMatida(), Options{})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, 1, 1), false, 0))
	p := particle.New(0, 0, 0, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{}, 0, 0)
	f := make([]float64, 6)

	err := m.FunctionValues(p, p.Current(), f)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrMissingArray)

	x := []float64{5, 5, 5, 0, 0, 0, 0}
	assert.ErrorIs(t, m.FunctionValues(p, x, f), ErrOutOfDomain)

	m.SetInputArrayToProcess(SlotFlowVelocity, Binding{OwnerFlow, mesh.AssocPoint, "FlowDensity", 3})
	_, err = m.FlowOrSurfaceData(SlotFlowVelocity, m.Flow(0), 0, p.LastCell.Weights)
	assert.ErrorIs(t, err, ErrArrayShape)
}

func TestAddDatasetCopiesAndFailsOnEmpty(t *testing.T) {
	m := New(&Ballistic{}, Options{})
	ds := hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, 1, 1)
	require.NoError(t, m.AddDataset(ds, false, 0))
	ds.Points[0].X = -10
	assert.Zero(t, m.Flow(0).Points[0].X)
	assert.Equal(t, 8, m.MaxWeightsSize())

	err := m.AddDataset(&mesh.Dataset{Name: "empty"}, true, 0)
	assert.ErrorIs(t, err, mesh.ErrEmptyDataset)
	assert.Equal(t, 0, m.NumberOfSurfaces())
}

func TestFindInLocators(t *testing.T) {
	m := New(&Ballistic{}, Options{})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, 1, 1), false, 0))
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{X: 1}, r3.Vec{X: 2, Y: 1, Z: 1}, r3.Vec{}, 1, 1), false, 0))

	p := particle.New(0, 0, 0, r3.Vec{}, r3.Vec{}, 0, 0)
	x := r3.Vec{X: 1.5, Y: 0.5, Z: 0.5}
	loc, ok := m.FindInLocators(x, p)
	require.True(t, ok)
	assert.Equal(t, 1, loc.Dataset)
	assert.Equal(t, 1, p.LastCell.Dataset)

	again, ok := m.FindInLocators(x, p)
	require.True(t, ok)
	assert.Same(t, &loc.Weights[0], &again.Weights[0], "same position reuses cached weights")

	loc, ok = m.FindInLocators(r3.Vec{X: 0.2, Y: 0.5, Z: 0.5}, p)
	require.True(t, ok)
	assert.Equal(t, 0, loc.Dataset)

	_, ok = m.FindInLocators(r3.Vec{X: 3}, nil)
	assert.False(t, ok)
}

func TestFindInLocatorsSkipsGhostCells(t *testing.T) {
	m := New(&Ballistic{}, Options{})
	ghost := hexBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, 1, 1)
	ghost.Ghost = []uint8{mesh.DuplicateCell}
	require.NoError(t, m.AddDataset(ghost, false, 0))

	_, ok := m.FindInLocators(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, nil)
	assert.False(t, ok)
}

func TestSurfaceTerminate(t *testing.T) {
	m := newTestModel(t, wall(1, SurfaceTerminate))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	require.NotNil(t, out.Interaction)
	assert.Equal(t, particle.SurfTerminated, p.Termination)
	assert.Equal(t, particle.InteractionTerminated, out.Interaction.Particle.Interaction)
	assert.Equal(t, 0, out.Interaction.Surface)

	x := p.NextPosition().X
	assert.Less(t, x, 1.0, "landing point stays inside")
	assert.InDelta(t, 1, x, 1e-6)
	assert.InDelta(t, 0.5, p.StepTime, 1e-6)
	assert.InDelta(t, 0.5, p.NextTime(), 1e-6)
}

func TestSurfaceBounce(t *testing.T) {
	m := newTestModel(t, wall(1, SurfaceBounce))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1.5, Z: 1}, r3.Vec{X: 1, Y: 0.5})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	require.NotNil(t, out.Interaction)
	assert.Equal(t, particle.NotTerminated, p.Termination)
	assert.Equal(t, particle.InteractionBounce, p.Interaction)
	assert.InDelta(t, -1, p.NextVelocity().X, 1e-12)
	assert.InDelta(t, 0.5, p.NextVelocity().Y, 1e-12)
	assert.Equal(t, particle.SurfaceCache{Surface: 0, CellID: 0}, p.LastSurface)
}

func TestSurfaceBreakSpawnsTwoChildren(t *testing.T) {
	m := newTestModel(t, wall(1, SurfaceBreak))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 2, Z: 1}, r3.Vec{X: 1, Y: 1})
	p.ID = 7
	p.NumberOfSteps = 3
	q := &sliceQueue{}

	out, err := m.ComputeSurfaceInteraction(p, q)
	require.NoError(t, err)
	require.NotNil(t, out.Interaction)
	assert.Equal(t, particle.SurfBreak, p.Termination)
	assert.Equal(t, particle.InteractionBreak, out.Interaction.Particle.Interaction)

	require.Len(t, q.items, 2)
	assert.Equal(t, 1, q.pushes, "both children pushed in one batch")
	a, b := q.items[0], q.items[1]
	assert.NotEqual(t, a.ID, b.ID)
	for _, c := range q.items {
		assert.Equal(t, int64(7), c.ParentID)
		assert.Equal(t, int64(4), c.NumberOfSteps)
		assert.InDelta(t, math.Sqrt2, c.VelocityMagnitude(), 1e-12)
		assert.Less(t, c.Velocity().X, 0.0, "children leave the wall")
		assert.InDelta(t, p.NextPosition().X, c.Position().X, 1e-12)
	}
	assert.InDelta(t, -a.Velocity().Z, b.Velocity().Z, 1e-12)
	assert.NotZero(t, a.Velocity().Z)
}

func TestPassThroughTieFavorsPrimary(t *testing.T) {
	m := newTestModel(t, wall(1, SurfacePass), wall(1, SurfaceTerminate))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	assert.Empty(t, out.PassThrough)
	require.NotNil(t, out.Interaction)
	assert.Equal(t, 1, out.Interaction.Surface)
}

func TestPassThroughBeforePrimary(t *testing.T) {
	m := newTestModel(t, wall(0.8, SurfacePass), wall(1, SurfaceTerminate))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	require.Len(t, out.PassThrough, 1)
	pass := out.PassThrough[0]
	assert.Equal(t, 0, pass.Surface)
	assert.Equal(t, particle.InteractionPass, pass.Particle.Interaction)
	assert.InDelta(t, 0.8, pass.Particle.NextPosition().X, 1e-12)
	assert.Equal(t, particle.SurfTerminated, p.Termination)
}

func TestPassThroughOnlyLeavesParticleAlone(t *testing.T) {
	m := newTestModel(t, wall(1, SurfacePass))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	assert.Nil(t, out.Interaction)
	assert.Len(t, out.PassThrough, 1)
	assert.Equal(t, 1.5, p.NextPosition().X)
	assert.Equal(t, particle.NotTerminated, p.Termination)
}

func TestPerforationMirrorsStep(t *testing.T) {
	m := newTestModel(t, wall(1, SurfaceBounce))
	p := stepping(r3.Vec{X: 0.9, Y: 1, Z: 1}, r3.Vec{X: 1.1, Y: 1, Z: 1}, r3.Vec{X: 1})
	p.Prev()[0] = 1.2
	p.LastSurface = particle.SurfaceCache{Surface: 0, CellID: 0}

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Perforations)
	assert.Nil(t, out.Interaction)
	assert.InDelta(t, 0.7, p.NextPosition().X, 1e-12)
	assert.InDelta(t, -1, p.NextVelocity().X, 1e-12)
}

type userSurface struct {
	Ballistic
	codes []int
}

func (u *userSurface) InteractWithSurface(hit SurfaceHit, _ Queue) (bool, error) {
	u.codes = append(u.codes, hit.Code)
	hit.Particle.Interaction = particle.InteractionOther
	hit.Particle.UserFlag = int32(hit.Code)
	return true, nil
}

func TestUserSurfaceHook(t *testing.T) {
	phys := &userSurface{}
	m := New(phys, Options{})
	require.NoError(t, m.AddDataset(hexBox(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{}, 1, 1), false, 0))
	require.NoError(t, m.AddDataset(wall(1, 101), true, 3))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})

	out, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	require.NotNil(t, out.Interaction)
	assert.Equal(t, []int{101}, phys.codes)
	assert.Equal(t, 3, out.Interaction.Surface)
	assert.Equal(t, int32(101), p.UserFlag)
	assert.Equal(t, particle.NotTerminated, p.Termination)
}

func TestModelSurfaceDefaultsToTerminate(t *testing.T) {
	m := newTestModel(t, wall(1, SurfaceModel))
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})
	_, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	require.NoError(t, err)
	assert.Equal(t, particle.SurfTerminated, p.Termination)
}

func TestSurfaceTypeMissingIsConfigurationError(t *testing.T) {
	w := wall(1, SurfaceTerminate)
	w.CellData = mesh.Attributes{}
	m := newTestModel(t, w)
	p := stepping(r3.Vec{X: 0.5, Y: 1, Z: 1}, r3.Vec{X: 1.5, Y: 1, Z: 1}, r3.Vec{X: 1})
	_, err := m.ComputeSurfaceInteraction(p, &sliceQueue{})
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, SlotSurfaceType, fe.Slot)
}

func TestIntersectWithLineNonPlanarQuad(t *testing.T) {
	ds := &mesh.Dataset{Points: []r3.Vec{
		{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 0.5}, {X: 0, Y: 1, Z: 0},
	}}
	ds.AddCell(mesh.Quad, 0, 1, 2, 3)
	p1 := r3.Vec{X: 0.5, Y: 0.5, Z: -1}
	p2 := r3.Vec{X: 0.5, Y: 0.5, Z: 1}

	m := New(&Ballistic{}, Options{NonPlanarQuadSupport: true})
	tt, x, ok := m.IntersectWithLine(p1, p2, ds, 0)
	require.True(t, ok)
	assert.InDelta(t, 0.5625, tt, 1e-12)
	assert.InDelta(t, 0.125, x.Z, 1e-12)

	// Planar fan triangulation cuts the patch along its 0-2 diagonal.
	m.SetNonPlanarQuadSupport(false)
	tt, _, ok = m.IntersectWithLine(p1, p2, ds, 0)
	require.True(t, ok)
	assert.InDelta(t, 0.625, tt, 1e-9)

	_, _, ok = m.IntersectWithLine(p1, r3.Vec{X: 0.5, Y: 0.5, Z: -0.5}, ds, 0)
	assert.False(t, ok)
}

func TestInterpolateNext(t *testing.T) {
	m := New(&Ballistic{}, Options{Tolerance: 0.01})
	p := stepping(r3.Vec{}, r3.Vec{X: 2}, r3.Vec{X: 2})
	p.StepTime = 1

	m.InterpolateNext(p, 0.5, true)
	assert.InDelta(t, 0.99, p.NextPosition().X, 1e-12)
	assert.InDelta(t, 0.495, p.StepTime, 1e-12)

	q := stepping(r3.Vec{}, r3.Vec{X: 2}, r3.Vec{X: 2})
	m.InterpolateNext(q, 0, true)
	assert.Zero(t, q.NextPosition().X)
}
