package pareto

import (
	"fmt"
	"sort"
)

// Hypervolume returns the volume dominated by points and bounded by ref, for
// minimisation. Points that are not strictly better than ref on every
// objective contribute nothing.
func Hypervolume(points [][]float64, ref []float64) (float64, error) {
	var inside [][]float64
	for i, p := range points {
		if len(p) != len(ref) {
			return 0, fmt.Errorf("point %d has %d objectives, reference has %d", i, len(p), len(ref))
		}
		if strictlyBelow(p, ref) {
			inside = append(inside, p)
		}
	}
	if len(ref) == 0 {
		return 0, nil
	}
	return wfg(nondominated(inside), ref), nil
}

// wfg computes the hypervolume of a mutually non-dominated set as the sum of
// each point's exclusive contribution.
func wfg(pts [][]float64, ref []float64) float64 {
	switch {
	case len(pts) == 0:
		return 0
	case len(ref) == 1:
		best := pts[0][0]
		for _, p := range pts[1:] {
			best = min(best, p[0])
		}
		return ref[0] - best
	case len(ref) == 2:
		return sweep2D(pts, ref)
	}

	// Ordering by the last objective keeps the limit sets small.
	last := len(ref) - 1
	sorted := append([][]float64(nil), pts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i][last] > sorted[j][last] })

	total := 0.0
	for k := range sorted {
		total += exclusive(sorted, k, ref)
	}
	return total
}

// exclusive is the volume dominated by pts[k] and by none of pts[k+1:].
func exclusive(pts [][]float64, k int, ref []float64) float64 {
	p := pts[k]
	limited := make([][]float64, 0, len(pts)-k-1)
	for _, q := range pts[k+1:] {
		l := make([]float64, len(p))
		for i := range p {
			l[i] = max(p[i], q[i])
		}
		limited = append(limited, l)
	}
	return inclusive(p, ref) - wfg(nondominated(limited), ref)
}

func inclusive(p, ref []float64) float64 {
	v := 1.0
	for i := range p {
		v *= ref[i] - p[i]
	}
	return v
}

// sweep2D computes the two-objective hypervolume by sorting on the first
// objective and accumulating rectangles.
func sweep2D(pts [][]float64, ref []float64) float64 {
	sorted := append([][]float64(nil), pts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	total := 0.0
	bound := ref[1]
	for _, p := range sorted {
		if p[1] >= bound {
			continue
		}
		total += (ref[0] - p[0]) * (bound - p[1])
		bound = p[1]
	}
	return total
}

// nondominated drops points that are weakly dominated by another point,
// keeping the first of any duplicates.
func nondominated(pts [][]float64) [][]float64 {
	out := make([][]float64, 0, len(pts))
	for i, p := range pts {
		keep := true
		for j, q := range pts {
			if i == j {
				continue
			}
			if Dominates(q, p) || (j < i && equal(p, q)) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	return out
}

func strictlyBelow(p, ref []float64) bool {
	for i := range p {
		if p[i] >= ref[i] {
			return false
		}
	}
	return true
}

func equal(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
