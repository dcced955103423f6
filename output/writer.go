package output

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gocarina/gocsv"
)

// PathRow is one path point in a paths CSV file.
type PathRow struct {
	ID              int64   `csv:"id"`
	ParentID        int64   `csv:"parent_id"`
	SeedID          int64   `csv:"seed_id"`
	Termination     int32   `csv:"termination"`
	StepNumber      int32   `csv:"step_number"`
	X               float64 `csv:"x"`
	Y               float64 `csv:"y"`
	Z               float64 `csv:"z"`
	VX              float64 `csv:"vx"`
	VY              float64 `csv:"vy"`
	VZ              float64 `csv:"vz"`
	IntegrationTime float64 `csv:"integration_time"`
}

// InteractionRow is one interaction point in an interactions CSV file.
type InteractionRow struct {
	Surface         int     `csv:"surface"`
	ID              int64   `csv:"id"`
	ParentID        int64   `csv:"parent_id"`
	SeedID          int64   `csv:"seed_id"`
	Termination     int32   `csv:"termination"`
	Interaction     int32   `csv:"interaction"`
	StepNumber      int32   `csv:"step_number"`
	X               float64 `csv:"x"`
	Y               float64 `csv:"y"`
	Z               float64 `csv:"z"`
	VX              float64 `csv:"vx"`
	VY              float64 `csv:"vy"`
	VZ              float64 `csv:"vz"`
	IntegrationTime float64 `csv:"integration_time"`
}

// PathRows flattens path pieces into CSV rows.
func PathRows(paths []Path) []PathRow {
	var rows []PathRow
	for _, p := range paths {
		for _, pt := range p.Points {
			rows = append(rows, PathRow{
				ID:              p.ID,
				ParentID:        p.ParentID,
				SeedID:          p.SeedID,
				Termination:     int32(p.Termination),
				StepNumber:      pt.StepNumber,
				X:               pt.Position.X,
				Y:               pt.Position.Y,
				Z:               pt.Position.Z,
				VX:              pt.Velocity.X,
				VY:              pt.Velocity.Y,
				VZ:              pt.Velocity.Z,
				IntegrationTime: pt.IntegrationTime,
			})
		}
	}
	return rows
}

// InteractionRows flattens interaction points into CSV rows, surfaces in
// ascending order.
func InteractionRows(bySurface map[int][]Contact) []InteractionRow {
	surfaces := make([]int, 0, len(bySurface))
	for s := range bySurface {
		surfaces = append(surfaces, s)
	}
	slices.Sort(surfaces)

	var rows []InteractionRow
	for _, s := range surfaces {
		for _, c := range bySurface[s] {
			rows = append(rows, InteractionRow{
				Surface:         s,
				ID:              c.ID,
				ParentID:        c.ParentID,
				SeedID:          c.SeedID,
				Termination:     int32(c.Termination),
				Interaction:     int32(c.Interaction),
				StepNumber:      c.StepNumber,
				X:               c.Position.X,
				Y:               c.Position.Y,
				Z:               c.Position.Z,
				VX:              c.Velocity.X,
				VY:              c.Velocity.Y,
				VZ:              c.Velocity.Z,
				IntegrationTime: c.IntegrationTime,
			})
		}
	}
	return rows
}

// YAMLWriter writes a configuration snapshot.
type YAMLWriter interface {
	WriteYAML(path string) error
}

// Writer exports run output as CSV files into a directory.
// A nil *Writer discards everything.
type Writer struct {
	dir string

	files         map[string]*os.File
	headerWritten map[string]bool
}

// NewWriter creates the output directory. It returns nil if dir is empty.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Writer{
		dir:           dir,
		files:         make(map[string]*os.File),
		headerWritten: make(map[string]bool),
	}, nil
}

// Dir returns the output directory path.
func (w *Writer) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// WriteConfig saves a configuration snapshot as config.yaml.
func (w *Writer) WriteConfig(cfg YAMLWriter) error {
	if w == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(w.dir, "config.yaml"))
}

// WriteStore writes the interactions of rank's store to
// interactions_rank<N>.csv and, when paths is set, its path points to
// paths_rank<N>.csv.
func (w *Writer) WriteStore(rank int, s *Store, paths bool) error {
	if w == nil {
		return nil
	}
	if paths {
		if err := w.Append(fmt.Sprintf("paths_rank%d.csv", rank), PathRows(s.Lines())); err != nil {
			return err
		}
	}
	return w.Append(fmt.Sprintf("interactions_rank%d.csv", rank), InteractionRows(s.Interactions()))
}

// Append writes rows (a slice of csv-tagged structs) to the named file,
// with a header on the first write only. Empty slices still create the
// file with its header.
func (w *Writer) Append(name string, rows any) error {
	if w == nil {
		return nil
	}
	f, ok := w.files[name]
	if !ok {
		var err error
		f, err = os.Create(filepath.Join(w.dir, name))
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		w.files[name] = f
	}

	if !w.headerWritten[name] {
		if err := gocsv.Marshal(rows, f); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		w.headerWritten[name] = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(rows, f); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Close closes all output files.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	var firstErr error
	for name, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
	}
	w.files = map[string]*os.File{}
	w.headerWritten = map[string]bool{}
	return firstErr
}
