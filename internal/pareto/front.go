// Package pareto maintains a persistent non-dominated set of standardized
// KPI vectors and scores it by hypervolume.
package pareto

import (
	"fmt"
	"math"
)

// Dominates reports whether a dominates b when every objective is
// minimised: a is no worse on all objectives and strictly better on one.
func Dominates(a, b []float64) bool {
	strict := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			strict = true
		}
	}
	return strict
}

// Point is one frontier member with the iteration it was recorded at.
type Point struct {
	Iteration int
	Values    []float64
}

// Front is a non-dominated set over named objectives.
type Front struct {
	Names  []string
	Points []Point
}

// NewFront returns an empty front over the given objective names.
func NewFront(names []string) *Front {
	return &Front{Names: append([]string(nil), names...)}
}

// Insert adds the candidate unless an existing point dominates it, removing
// every point the candidate dominates. It reports whether the candidate was
// added. A candidate with a NaN or infinite objective is rejected, since no
// point could ever dominate it.
func (f *Front) Insert(candidate Point) (bool, error) {
	if len(candidate.Values) != len(f.Names) {
		return false, fmt.Errorf("candidate has %d objectives, front has %d", len(candidate.Values), len(f.Names))
	}
	for i, v := range candidate.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, fmt.Errorf("objective %s is not finite: %v", f.Names[i], v)
		}
	}

	for _, p := range f.Points {
		if Dominates(p.Values, candidate.Values) {
			return false, nil
		}
	}

	kept := f.Points[:0]
	for _, p := range f.Points {
		if !Dominates(candidate.Values, p.Values) {
			kept = append(kept, p)
		}
	}
	f.Points = append(kept, Point{
		Iteration: candidate.Iteration,
		Values:    append([]float64(nil), candidate.Values...),
	})
	return true, nil
}

// Vectors returns the objective vectors of all points.
func (f *Front) Vectors() [][]float64 {
	out := make([][]float64, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.Values
	}
	return out
}

// Minima returns the best value reached on each objective, or nil for an
// empty front.
func (f *Front) Minima() []float64 {
	if len(f.Points) == 0 {
		return nil
	}
	mins := append([]float64(nil), f.Points[0].Values...)
	for _, p := range f.Points[1:] {
		for i, v := range p.Values {
			mins[i] = min(mins[i], v)
		}
	}
	return mins
}

// Len returns the number of points.
func (f *Front) Len() int { return len(f.Points) }
