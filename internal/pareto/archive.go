package pareto

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/go-cmp/cmp"
)

// Archive file names inside a study's samples directory.
const (
	FrontFile       = "pareto_front.csv"
	ObjectiveFile   = "objective_value.csv"
	BestFile        = "best_achieved_KPIS.csv"
	IterationColumn = "BISTRO Iteration"
)

// Archive persists the frontier, the objective history and the best KPI
// values reached so far as flat CSV files.
type Archive struct {
	Dir string
}

// Objective is one objective_value.csv row.
type Objective struct {
	Iteration int
	Score     float64
}

// LoadFront reads pareto_front.csv. A missing file yields an empty front
// with no names. Any malformed row is an error.
func (a *Archive) LoadFront() (*Front, error) {
	path := filepath.Join(a.Dir, FrontFile)
	rows, err := readAll(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Front{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read frontier: %w", err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] != IterationColumn {
		return nil, &FormatError{Path: path, Reason: "missing " + IterationColumn + " header"}
	}

	front := NewFront(rows[0][1:])
	for n, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			return nil, &FormatError{Path: path, Line: n + 2, Reason: fmt.Sprintf("expected %d columns, got %d", len(rows[0]), len(row))}
		}
		iter, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, &FormatError{Path: path, Line: n + 2, Reason: "invalid iteration " + strconv.Quote(row[0])}
		}
		values, err := parseFloats(row[1:])
		if err != nil {
			return nil, &FormatError{Path: path, Line: n + 2, Reason: err.Error()}
		}
		front.Points = append(front.Points, Point{Iteration: iter, Values: values})
	}
	return front, nil
}

// SaveFront rewrites pareto_front.csv atomically.
func (a *Archive) SaveFront(f *Front) error {
	rows := make([][]string, 0, len(f.Points)+1)
	rows = append(rows, append([]string{IterationColumn}, f.Names...))
	for _, p := range f.Points {
		rows = append(rows, append([]string{strconv.Itoa(p.Iteration)}, formatFloats(p.Values)...))
	}
	return a.writeAtomic(FrontFile, rows)
}

// AppendObjective appends one (iteration, score) row.
func (a *Archive) AppendObjective(iteration int, score float64) error {
	return a.appendRows(ObjectiveFile, nil, [][]string{{strconv.Itoa(iteration), formatFloat(score)}})
}

// LoadObjectives reads the objective history.
func (a *Archive) LoadObjectives() ([]Objective, error) {
	path := filepath.Join(a.Dir, ObjectiveFile)
	rows, err := readAll(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read objectives: %w", err)
	}

	out := make([]Objective, 0, len(rows))
	for n, row := range rows {
		if len(row) != 2 {
			return nil, &FormatError{Path: path, Line: n + 1, Reason: "expected 2 columns"}
		}
		iter, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, &FormatError{Path: path, Line: n + 1, Reason: "invalid iteration"}
		}
		score, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, &FormatError{Path: path, Line: n + 1, Reason: "invalid score"}
		}
		out = append(out, Objective{Iteration: iter, Score: score})
	}
	return out, nil
}

// AppendBest appends the column minima of the front to best_achieved_KPIS.csv.
// When the file is new it first writes the header and a BAU row recorded as
// iteration 1.
func (a *Archive) AppendBest(iteration int, f *Front, bau []float64) error {
	path := filepath.Join(a.Dir, BestFile)
	header := append([]string{IterationColumn}, f.Names...)

	var preamble [][]string
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if len(bau) != len(f.Names) {
			return fmt.Errorf("BAU has %d values, front has %d objectives", len(bau), len(f.Names))
		}
		preamble = [][]string{header, append([]string{"1"}, formatFloats(bau)...)}
	} else if err != nil {
		return fmt.Errorf("failed to stat best KPIs: %w", err)
	} else {
		existing, err := readHeader(path)
		if err != nil {
			return fmt.Errorf("failed to read best KPIs: %w", err)
		}
		if !cmp.Equal(existing, header) {
			return &FormatError{Path: path, Line: 1, Reason: "KPI columns do not match the frontier"}
		}
	}

	mins := f.Minima()
	if mins == nil {
		return a.appendRows(BestFile, preamble, nil)
	}
	row := append([]string{strconv.Itoa(iteration)}, formatFloats(mins)...)
	return a.appendRows(BestFile, preamble, [][]string{row})
}

func (a *Archive) writeAtomic(name string, rows [][]string) error {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	final := filepath.Join(a.Dir, name)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

func (a *Archive) appendRows(name string, preamble, rows [][]string) error {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(a.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(append(preamble, rows...)); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return f.Close()
}

func readAll(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return header, err
}

func parseFloats(cells []string) ([]float64, error) {
	out := make([]float64, len(cells))
	for i, c := range cells {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", c)
		}
		out[i] = v
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatFloats(vs []float64) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = formatFloat(v)
	}
	return out
}

// FormatError reports a malformed archive file.
type FormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed %s line %d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed %s: %s", e.Path, e.Reason)
}
