// Package mesh holds the read-only dataset types the tracer integrates
// through: points, cells, attribute arrays, and a cell locator.
package mesh

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/driftline/geom"
)

// ErrEmptyDataset is returned when building a locator over a dataset with no cells.
var ErrEmptyDataset = errors.New("mesh: dataset has no cells")

// DuplicateCell marks a ghost cell that is owned by another partition.
const DuplicateCell uint8 = 1

// Association says which entity an attribute array is attached to.
type Association uint8

const (
	AssocPoint Association = iota
	AssocCell
	AssocField
)

func (a Association) String() string {
	switch a {
	case AssocPoint:
		return "point"
	case AssocCell:
		return "cell"
	case AssocField:
		return "field"
	}
	return fmt.Sprintf("association(%d)", uint8(a))
}

// Array is a named tuple array of float64 values.
type Array struct {
	Name       string
	Components int
	Values     []float64
}

// NewArray allocates an array of n zeroed tuples.
func NewArray(name string, components, n int) *Array {
	return &Array{Name: name, Components: components, Values: make([]float64, components*n)}
}

// Len returns the number of tuples.
func (a *Array) Len() int {
	if a.Components == 0 {
		return 0
	}
	return len(a.Values) / a.Components
}

// Tuple returns the i-th tuple as a subslice of Values.
func (a *Array) Tuple(i int) []float64 {
	return a.Values[i*a.Components : (i+1)*a.Components]
}

// SetTuple copies v into the i-th tuple.
func (a *Array) SetTuple(i int, v ...float64) {
	copy(a.Tuple(i), v)
}

// Fill sets every tuple to v.
func (a *Array) Fill(v ...float64) {
	for i := 0; i < a.Len(); i++ {
		a.SetTuple(i, v...)
	}
}

func (a *Array) clone() *Array {
	return &Array{Name: a.Name, Components: a.Components, Values: append([]float64(nil), a.Values...)}
}

// Attributes is an ordered collection of arrays.
type Attributes struct {
	arrays []*Array
}

// Add appends or replaces an array by name.
func (at *Attributes) Add(a *Array) {
	for i, cur := range at.arrays {
		if cur.Name == a.Name {
			at.arrays[i] = a
			return
		}
	}
	at.arrays = append(at.arrays, a)
}

// Get returns the named array or nil.
func (at *Attributes) Get(name string) *Array {
	for _, a := range at.arrays {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Arrays returns the arrays in insertion order.
func (at *Attributes) Arrays() []*Array {
	return at.arrays
}

func (at *Attributes) clone() Attributes {
	out := Attributes{arrays: make([]*Array, len(at.arrays))}
	for i, a := range at.arrays {
		out.arrays[i] = a.clone()
	}
	return out
}

// Dataset is an unstructured mesh with attributes. Datasets handed to the
// integration model are copied so they are immutable from then on.
type Dataset struct {
	Name   string
	Points []r3.Vec
	Cells  []Cell

	PointData Attributes
	CellData  Attributes
	FieldData Attributes

	// Ghost holds per-cell ghost flags, or nil when the dataset has none.
	Ghost []uint8
}

// AddCell appends a cell and returns its id.
func (ds *Dataset) AddCell(t CellType, ids ...int) int {
	ds.Cells = append(ds.Cells, Cell{Type: t, PointIDs: ids})
	return len(ds.Cells) - 1
}

// Attributes returns the attribute set for an association.
func (ds *Dataset) Attributes(a Association) *Attributes {
	switch a {
	case AssocPoint:
		return &ds.PointData
	case AssocCell:
		return &ds.CellData
	default:
		return &ds.FieldData
	}
}

// CellPoints returns the coordinates of the points of cell id.
func (ds *Dataset) CellPoints(id int) []r3.Vec {
	c := ds.Cells[id]
	pts := make([]r3.Vec, len(c.PointIDs))
	for i, pid := range c.PointIDs {
		pts[i] = ds.Points[pid]
	}
	return pts
}

// IsDuplicate reports whether cell id is a ghost duplicate.
func (ds *Dataset) IsDuplicate(id int) bool {
	return ds.Ghost != nil && ds.Ghost[id]&DuplicateCell != 0
}

// Bounds returns the bounding box of all points.
func (ds *Dataset) Bounds() r3.Box {
	b := geom.EmptyBox()
	for _, p := range ds.Points {
		b = geom.Extend(b, p)
	}
	return b
}

// MaxCellSize returns the largest number of points in any cell, which is
// the size of the interpolation weights buffer the dataset needs.
func (ds *Dataset) MaxCellSize() int {
	n := 0
	for _, c := range ds.Cells {
		n = max(n, len(c.PointIDs))
	}
	return n
}

// Clone returns a deep copy.
func (ds *Dataset) Clone() *Dataset {
	out := &Dataset{
		Name:      ds.Name,
		Points:    append([]r3.Vec(nil), ds.Points...),
		Cells:     make([]Cell, len(ds.Cells)),
		PointData: ds.PointData.clone(),
		CellData:  ds.CellData.clone(),
		FieldData: ds.FieldData.clone(),
	}
	for i, c := range ds.Cells {
		out.Cells[i] = Cell{Type: c.Type, PointIDs: append([]int(nil), c.PointIDs...)}
	}
	if ds.Ghost != nil {
		out.Ghost = append([]uint8(nil), ds.Ghost...)
	}
	return out
}
