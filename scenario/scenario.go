// Package scenario builds synthetic inputs for the tracer: a structured
// hexahedral flow block with flow arrays, planar or warped surface walls,
// and a line of seed points.
package scenario

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/mesh"
	"github.com/pthm-cable/driftline/model"
)

// Flow velocity profiles.
const (
	ProfileUniform = "uniform"
	ProfileShear   = "shear"
	ProfileNoisy   = "noisy"
)

// Config describes a scenario.
type Config struct {
	Min   [3]float64 `yaml:"min"`
	Max   [3]float64 `yaml:"max"`
	Cells [3]int     `yaml:"cells"`

	// Profile is uniform, or shear: the velocity grows linearly with z
	// from zero at Min.z to Velocity at Max.z, or noisy: Velocity plus a
	// smooth gradient-noise perturbation.
	Profile   string      `yaml:"profile"`
	Velocity  [3]float64  `yaml:"velocity"`
	Density   float64     `yaml:"density"`
	Viscosity float64     `yaml:"viscosity"`
	Noise     NoiseConfig `yaml:"noise"`

	Surfaces []SurfaceConfig `yaml:"surfaces"`
	Seeds    SeedConfig      `yaml:"seeds"`
}

// NoiseConfig shapes the noisy profile. Amplitude is relative to
// |Velocity|; Scale is the number of noise features per unit length.
type NoiseConfig struct {
	Amplitude float64 `yaml:"amplitude"`
	Scale     float64 `yaml:"scale"`
	Seed      uint64  `yaml:"seed"`
}

// SurfaceConfig is a wall across the block at x = X.
type SurfaceConfig struct {
	X    float64 `yaml:"x"`
	Type int     `yaml:"type"`
	// Lift moves one corner along x, making the quad non-planar.
	Lift float64 `yaml:"lift"`
}

// SeedConfig places Count seeds evenly on the segment From-To.
type SeedConfig struct {
	From     [3]float64 `yaml:"from"`
	To       [3]float64 `yaml:"to"`
	Count    int        `yaml:"count"`
	Velocity [3]float64 `yaml:"velocity"`
	Diameter float64    `yaml:"diameter"`
	Density  float64    `yaml:"density"`
}

var ErrInvalid = errors.New("scenario: invalid configuration")

// Validate checks the block and seed settings.
func (c Config) Validate() error {
	for i := range 3 {
		if c.Cells[i] < 1 {
			return fmt.Errorf("%w: cells[%d] = %d", ErrInvalid, i, c.Cells[i])
		}
		if c.Max[i] <= c.Min[i] {
			return fmt.Errorf("%w: empty extent on axis %d", ErrInvalid, i)
		}
	}
	switch c.Profile {
	case "", ProfileUniform, ProfileShear:
	case ProfileNoisy:
		if c.Noise.Scale <= 0 || c.Noise.Amplitude < 0 {
			return fmt.Errorf("%w: noise scale %g amplitude %g", ErrInvalid, c.Noise.Scale, c.Noise.Amplitude)
		}
	default:
		return fmt.Errorf("%w: profile %q", ErrInvalid, c.Profile)
	}
	if c.Seeds.Count < 0 {
		return fmt.Errorf("%w: negative seed count", ErrInvalid)
	}
	return nil
}

// Scenario is a ready-to-register set of datasets.
type Scenario struct {
	Config   Config
	Flow     *mesh.Dataset
	Surfaces []*mesh.Dataset
	Seeds    *mesh.Dataset
}

// Build creates the datasets described by cfg.
func Build(cfg Config) (*Scenario, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scenario{
		Config: cfg,
		Flow:   block(cfg, 0, cfg.Cells[0]),
		Seeds:  seedLine(cfg.Seeds),
	}
	for i, sc := range cfg.Surfaces {
		s.Surfaces = append(s.Surfaces, wall(cfg, sc, i))
	}
	return s, nil
}

// Model registers the flow and surfaces with a new model.
func (s *Scenario) Model(phys model.Physics, opts model.Options) (*model.Model, error) {
	m := model.New(phys, opts)
	if err := m.AddDataset(s.Flow, false, 0); err != nil {
		return nil, err
	}
	for i, w := range s.Surfaces {
		if err := m.AddDataset(w, true, i); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Partition splits the block into n slabs along x. Neighbouring slabs
// share their boundary plane. Every slab keeps all surfaces; each seed
// goes to the first slab containing it.
func (s *Scenario) Partition(n int) ([]*Scenario, error) {
	nx := s.Config.Cells[0]
	if n < 1 || n > nx {
		return nil, fmt.Errorf("%w: %d slabs for %d cells along x", ErrInvalid, n, nx)
	}
	parts := make([]*Scenario, n)
	bounds := make([][2]float64, n)
	for r := range n {
		lo, hi := r*nx/n, (r+1)*nx/n
		parts[r] = &Scenario{
			Config:   s.Config,
			Flow:     block(s.Config, lo, hi),
			Surfaces: s.Surfaces,
			Seeds:    &mesh.Dataset{Name: "seeds"},
		}
		bounds[r] = [2]float64{s.xAt(lo), s.xAt(hi)}
	}

	owner := make([]int, len(s.Seeds.Points))
	counts := make([]int, n)
	for i, x := range s.Seeds.Points {
		owner[i] = -1
		for r, b := range bounds {
			if x.X >= b[0] && x.X <= b[1] {
				owner[i] = r
				counts[r]++
				break
			}
		}
	}
	for r, part := range parts {
		for _, a := range s.Seeds.PointData.Arrays() {
			part.Seeds.PointData.Add(mesh.NewArray(a.Name, a.Components, counts[r]))
		}
	}
	next := make([]int, n)
	for i, r := range owner {
		if r < 0 {
			continue
		}
		part := parts[r]
		part.Seeds.Points = append(part.Seeds.Points, s.Seeds.Points[i])
		for _, a := range s.Seeds.PointData.Arrays() {
			part.Seeds.PointData.Get(a.Name).SetTuple(next[r], a.Tuple(i)...)
		}
		next[r]++
	}
	return parts, nil
}

func (s *Scenario) xAt(i int) float64 {
	c := s.Config
	return c.Min[0] + float64(i)*(c.Max[0]-c.Min[0])/float64(c.Cells[0])
}

// block builds the hexahedra of x cell columns [lo, hi).
func block(c Config, lo, hi int) *mesh.Dataset {
	ny, nz := c.Cells[1], c.Cells[2]
	xs := make([]float64, c.Cells[0]+1)
	ys := make([]float64, ny+1)
	zs := make([]float64, nz+1)
	floats.Span(xs, c.Min[0], c.Max[0])
	floats.Span(ys, c.Min[1], c.Max[1])
	floats.Span(zs, c.Min[2], c.Max[2])
	xs = xs[lo : hi+1]

	ds := &mesh.Dataset{Name: fmt.Sprintf("flow[%d:%d]", lo, hi)}
	id := func(i, j, k int) int { return (k*(ny+1)+j)*len(xs) + i }
	for _, z := range zs {
		for _, y := range ys {
			for _, x := range xs {
				ds.Points = append(ds.Points, r3.Vec{X: x, Y: y, Z: z})
			}
		}
	}
	for k := range nz {
		for j := range ny {
			for i := range len(xs) - 1 {
				ds.AddCell(mesh.Hexahedron,
					id(i, j, k), id(i+1, j, k), id(i+1, j+1, k), id(i, j+1, k),
					id(i, j, k+1), id(i+1, j, k+1), id(i+1, j+1, k+1), id(i, j+1, k+1))
			}
		}
	}

	n := len(ds.Points)
	vel := mesh.NewArray("FlowVelocity", 3, n)
	rho := mesh.NewArray("FlowDensity", 1, n)
	mu := mesh.NewArray("FlowDynamicViscosity", 1, n)
	u := r3.Vec{X: c.Velocity[0], Y: c.Velocity[1], Z: c.Velocity[2]}
	var field *lattice
	if c.Profile == ProfileNoisy {
		field = newLattice(c.Noise.Seed)
	}
	for i, p := range ds.Points {
		v := u
		switch c.Profile {
		case ProfileShear:
			v = r3.Scale((p.Z-c.Min[2])/(c.Max[2]-c.Min[2]), u)
		case ProfileNoisy:
			v = field.turbulence(p, c.Noise.Scale, c.Noise.Amplitude, u)
		}
		vel.SetTuple(i, v.X, v.Y, v.Z)
		rho.SetTuple(i, c.Density)
		mu.SetTuple(i, c.Viscosity)
	}
	ds.PointData.Add(vel)
	ds.PointData.Add(rho)
	ds.PointData.Add(mu)
	return ds
}

// wall is a single quad spanning the block cross-section with a margin.
func wall(c Config, sc SurfaceConfig, i int) *mesh.Dataset {
	my := 0.1 * (c.Max[1] - c.Min[1])
	mz := 0.1 * (c.Max[2] - c.Min[2])
	y0, y1 := c.Min[1]-my, c.Max[1]+my
	z0, z1 := c.Min[2]-mz, c.Max[2]+mz
	ds := &mesh.Dataset{Name: fmt.Sprintf("surface%d", i), Points: []r3.Vec{
		{X: sc.X, Y: y0, Z: z0},
		{X: sc.X, Y: y1, Z: z0},
		{X: sc.X + sc.Lift, Y: y1, Z: z1},
		{X: sc.X, Y: y0, Z: z1},
	}}
	ds.AddCell(mesh.Quad, 0, 1, 2, 3)
	st := mesh.NewArray("SurfaceType", 1, 1)
	st.Fill(float64(sc.Type))
	ds.CellData.Add(st)
	return ds
}

func seedLine(sc SeedConfig) *mesh.Dataset {
	ds := &mesh.Dataset{Name: "seeds"}
	n := sc.Count
	from := r3.Vec{X: sc.From[0], Y: sc.From[1], Z: sc.From[2]}
	to := r3.Vec{X: sc.To[0], Y: sc.To[1], Z: sc.To[2]}
	for i := range n {
		f := 0.5
		if n > 1 {
			f = float64(i) / float64(n-1)
		}
		ds.Points = append(ds.Points, r3.Add(from, r3.Scale(f, r3.Sub(to, from))))
	}
	vel := mesh.NewArray("InitialVelocity", 3, n)
	vel.Fill(sc.Velocity[0], sc.Velocity[1], sc.Velocity[2])
	dia := mesh.NewArray("ParticleDiameter", 1, n)
	dia.Fill(sc.Diameter)
	rho := mesh.NewArray("ParticleDensity", 1, n)
	rho.Fill(sc.Density)
	ds.PointData.Add(vel)
	ds.PointData.Add(dia)
	ds.PointData.Add(rho)
	return ds
}
