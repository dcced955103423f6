// Package output collects particle paths and surface interaction points.
//
// Paths and interactions are entities in an ark world. A path entity carries
// a Line (the particle identity and termination) and a Polyline (its points
// in integration order); an interaction entity carries a Contact. Records
// are keyed by particle id, so every path piece is self-consistent without
// any ordering across particles or ranks.
package output

import (
	"cmp"
	"slices"
	"sync"

	"github.com/mlange-42/ark/ecs"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/particle"
)

// Point is one recorded particle state.
type Point struct {
	StepNumber      int32
	Position        r3.Vec
	Velocity        r3.Vec
	IntegrationTime float64
}

// PointOf returns the current state of p as a path point.
func PointOf(p *particle.Particle) Point {
	return Point{
		StepNumber:      int32(p.NumberOfSteps),
		Position:        p.Position(),
		Velocity:        p.Velocity(),
		IntegrationTime: p.IntegrationTime,
	}
}

// NextPointOf returns the next state of p as a path point.
func NextPointOf(p *particle.Particle) Point {
	return Point{
		StepNumber:      int32(p.NumberOfSteps + 1),
		Position:        p.NextPosition(),
		Velocity:        p.NextVelocity(),
		IntegrationTime: p.IntegrationTime + p.StepTime,
	}
}

// PrevPointOf returns the previous state of p as a path point.
func PrevPointOf(p *particle.Particle) Point {
	return Point{
		StepNumber:      int32(max(p.NumberOfSteps-1, 0)),
		Position:        p.PrevPosition(),
		Velocity:        p.PrevVelocity(),
		IntegrationTime: p.PrevIntegrationTime,
	}
}

// Line is the per-path identity component.
type Line struct {
	ID          int64
	ParentID    int64
	SeedID      int64
	Termination particle.Termination
}

// Polyline holds the points of one path piece.
type Polyline struct {
	Points []Point
}

// Contact is an interaction point on a surface.
type Contact struct {
	Line
	Point
	Interaction particle.Interaction
	Surface     int
}

// Path is an exported copy of a path entity.
type Path struct {
	Line
	Points []Point
}

// Store holds the run output. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	world       *ecs.World
	paths       *ecs.Map2[Line, Polyline]
	contacts    *ecs.Map1[Contact]
	lineFilter  *ecs.Filter2[Line, Polyline]
	contactFilt *ecs.Filter1[Contact]
}

// NewStore creates an empty store.
func NewStore() *Store {
	world := ecs.NewWorld()
	return &Store{
		world:       world,
		paths:       ecs.NewMap2[Line, Polyline](world),
		contacts:    ecs.NewMap1[Contact](world),
		lineFilter:  ecs.NewFilter2[Line, Polyline](world),
		contactFilt: ecs.NewFilter1[Contact](world),
	}
}

func lineOf(p *particle.Particle) Line {
	return Line{
		ID:          p.ID,
		ParentID:    p.ParentID,
		SeedID:      p.SeedID,
		Termination: p.Termination,
	}
}

// AddPath stores a path piece for p with its current termination. Empty
// paths are ignored.
func (s *Store) AddPath(p *particle.Particle, pts []Point) {
	if len(pts) == 0 {
		return
	}
	line := lineOf(p)
	poly := Polyline{Points: slices.Clone(pts)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths.NewEntity(&line, &poly)
}

// AddInteraction stores an interaction point of p on the given surface.
func (s *Store) AddInteraction(surface int, p *particle.Particle, pt Point) {
	c := Contact{
		Line:        lineOf(p),
		Point:       pt,
		Interaction: p.Interaction,
		Surface:     surface,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts.NewEntity(&c)
}

// SetTermination overwrites the termination of every path piece of id and
// returns the number of pieces changed.
func (s *Store) SetTermination(id int64, t particle.Termination) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	query := s.lineFilter.Query()
	for query.Next() {
		line, _ := query.Get()
		if line.ID == id {
			line.Termination = t
			n++
		}
	}
	return n
}

// Lines returns copies of all path pieces ordered by particle id. Pieces of
// the same id keep their insertion order.
func (s *Store) Lines() []Path {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Path
	query := s.lineFilter.Query()
	for query.Next() {
		line, poly := query.Get()
		out = append(out, Path{Line: *line, Points: slices.Clone(poly.Points)})
	}
	slices.SortStableFunc(out, func(a, b Path) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Interactions returns the interaction points grouped by surface index.
func (s *Store) Interactions() map[int][]Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int][]Contact)
	query := s.contactFilt.Query()
	for query.Next() {
		c := query.Get()
		out[c.Surface] = append(out[c.Surface], *c)
	}
	for k := range out {
		slices.SortStableFunc(out[k], func(a, b Contact) int { return cmp.Compare(a.ID, b.ID) })
	}
	return out
}

// Terminations returns the termination of every particle id with a stored
// path. When an id has several pieces, a piece that did not end in a
// transfer wins.
func (s *Store) Terminations() map[int64]particle.Termination {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]particle.Termination)
	query := s.lineFilter.Query()
	for query.Next() {
		line, _ := query.Get()
		prev, seen := out[line.ID]
		if !seen || prev == particle.Transferred {
			out[line.ID] = line.Termination
		}
	}
	return out
}

// Len returns the number of path pieces and interaction points.
func (s *Store) Len() (paths, interactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.lineFilter.Query()
	for query.Next() {
		paths++
	}
	cq := s.contactFilt.Query()
	for cq.Next() {
		interactions++
	}
	return paths, interactions
}
