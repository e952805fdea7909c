package pareto

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/google/go-cmp/cmp"
)

func TestDominates(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want bool
	}{
		{"better everywhere", []float64{1, 1}, []float64{2, 2}, true},
		{"better on one", []float64{1, 2}, []float64{2, 2}, true},
		{"equal", []float64{2, 2}, []float64{2, 2}, false},
		{"trade-off", []float64{1, 3}, []float64{2, 2}, false},
		{"worse", []float64{3, 3}, []float64{2, 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dominates(tt.a, tt.b); got != tt.want {
				t.Errorf("Dominates(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFrontInsert(t *testing.T) {
	f := NewFront([]string{"a", "b"})

	mustInsert := func(iter int, v []float64, want bool) {
		t.Helper()
		added, err := f.Insert(Point{Iteration: iter, Values: v})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if added != want {
			t.Fatalf("Insert(%v) added = %v, want %v", v, added, want)
		}
	}

	mustInsert(1, []float64{2, 2}, true)
	mustInsert(2, []float64{1, 3}, true)
	mustInsert(3, []float64{3, 3}, false) // dominated by (2,2)
	mustInsert(4, []float64{2, 2}, true)  // equal points do not dominate each other
	if f.Len() != 3 {
		t.Fatalf("Expected 3 points, got %d", f.Len())
	}

	mustInsert(5, []float64{0.5, 1}, true)
	want := []Point{{Iteration: 5, Values: []float64{0.5, 1}}}
	if diff := cmp.Diff(want, f.Points); diff != "" {
		t.Errorf("Points mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.Insert(Point{Values: []float64{1}}); err == nil {
		t.Error("Expected dimension error")
	}
	if _, err := f.Insert(Point{Iteration: 6, Values: []float64{math.NaN(), 0}}); err == nil {
		t.Error("Expected error for a NaN objective")
	}
	if f.Len() != 1 {
		t.Errorf("Rejected point changed the front: %+v", f.Points)
	}
}

func TestFrontMinima(t *testing.T) {
	f := &Front{Names: []string{"a", "b"}, Points: []Point{
		{Values: []float64{1, 5}},
		{Values: []float64{3, 2}},
	}}
	if diff := cmp.Diff([]float64{1, 2}, f.Minima()); diff != "" {
		t.Errorf("Minima mismatch (-want +got):\n%s", diff)
	}
	if NewFront(nil).Minima() != nil {
		t.Error("Empty front should have no minima")
	}
}

func TestHypervolume(t *testing.T) {
	tests := []struct {
		name   string
		points [][]float64
		ref    []float64
		want   float64
	}{
		{"empty", nil, []float64{1, 1}, 0},
		{"1d", [][]float64{{3}, {1}}, []float64{4}, 3},
		{"2d single", [][]float64{{1, 2}}, []float64{5, 5}, 12},
		{"2d staircase", [][]float64{{1, 2}, {2, 1}}, []float64{5, 5}, 15},
		{"2d with dominated", [][]float64{{1, 2}, {2, 1}, {3, 3}}, []float64{5, 5}, 15},
		{"outside reference", [][]float64{{6, 1}, {1, 1}}, []float64{5, 5}, 16},
		{"on reference boundary", [][]float64{{5, 1}}, []float64{5, 5}, 0},
		{"3d pair", [][]float64{{1, 2, 3}, {2, 1, 3}}, []float64{4, 4, 4}, 8},
		{"3d triple", [][]float64{{1, 1, 3}, {1, 3, 1}, {3, 1, 1}}, []float64{4, 4, 4}, 19},
		{"3d duplicates", [][]float64{{1, 1, 1}, {1, 1, 1}}, []float64{2, 2, 2}, 1},
		{"4d unit", [][]float64{{0, 0, 0, 0}}, []float64{1, 2, 3, 4}, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hypervolume(tt.points, tt.ref)
			if err != nil {
				t.Fatalf("Hypervolume failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Hypervolume = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := Hypervolume([][]float64{{1}}, []float64{1, 1}); err == nil {
		t.Error("Expected dimension mismatch error")
	}
}

func TestArchiveFrontRoundTrip(t *testing.T) {
	a := &Archive{Dir: t.TempDir()}

	empty, err := a.LoadFront()
	if err != nil {
		t.Fatalf("LoadFront on missing file failed: %v", err)
	}
	if empty.Names != nil || empty.Len() != 0 {
		t.Errorf("Expected empty front, got %+v", empty)
	}

	f := NewFront([]string{"VMT", "busCrowding"})
	f.Points = []Point{{Iteration: 3, Values: []float64{-0.5, 1.25}}, {Iteration: 7, Values: []float64{1, -2}}}
	if err := a.SaveFront(f); err != nil {
		t.Fatalf("SaveFront failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(a.Dir, FrontFile))
	if err != nil {
		t.Fatalf("Failed to read front file: %v", err)
	}
	want := "BISTRO Iteration,VMT,busCrowding\n3,-0.5,1.25\n7,1,-2\n"
	if string(data) != want {
		t.Errorf("Front file = %q, want %q", data, want)
	}

	loaded, err := a.LoadFront()
	if err != nil {
		t.Fatalf("LoadFront failed: %v", err)
	}
	if diff := cmp.Diff(f, loaded); diff != "" {
		t.Errorf("Front mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveLoadFront_Malformed(t *testing.T) {
	tests := map[string]string{
		"no header":  "iter,VMT\n1,2\n",
		"short row":  "BISTRO Iteration,VMT,PM\n1,2\n",
		"bad value":  "BISTRO Iteration,VMT\n1,abc\n",
		"bad iter":   "BISTRO Iteration,VMT\nx,1\n",
		"empty file": "",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, FrontFile), []byte(content), 0644); err != nil {
				t.Fatalf("Failed to write front: %v", err)
			}
			_, err := (&Archive{Dir: dir}).LoadFront()
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("Expected FormatError, got %v", err)
			}
		})
	}
}

func TestHypervolumeScorer(t *testing.T) {
	dir := t.TempDir()
	s := &HypervolumeScorer{
		Archive: &Archive{Dir: dir},
		BAU:     kpi.Scores{"VMT": 1, "busCrowding": 1},
		Factor:  5,
	}

	steps := []struct {
		raw  kpi.Scores
		want float64
	}{
		{kpi.Scores{kpi.Iteration: 30, "VMT": 1, "busCrowding": 2}, -12},
		{kpi.Scores{kpi.Iteration: 30, "VMT": 2, "busCrowding": 1}, -15},
		{kpi.Scores{kpi.Iteration: 30, "VMT": 4, "busCrowding": 4}, -15},
		{kpi.Scores{kpi.Iteration: 30, "VMT": 0.5, "busCrowding": 0.5}, -20.25},
	}
	for i, step := range steps {
		got, err := s.Score(i+1, step.raw)
		if err != nil {
			t.Fatalf("Score %d failed: %v", i+1, err)
		}
		if math.Abs(got-step.want) > 1e-9 {
			t.Errorf("Score %d = %v, want %v", i+1, got, step.want)
		}
	}

	front, err := s.Archive.LoadFront()
	if err != nil {
		t.Fatalf("LoadFront failed: %v", err)
	}
	if diff := cmp.Diff([]Point{{Iteration: 4, Values: []float64{0.5, 0.5}}}, front.Points); diff != "" {
		t.Errorf("Front mismatch (-want +got):\n%s", diff)
	}

	objectives, err := s.Archive.LoadObjectives()
	if err != nil {
		t.Fatalf("LoadObjectives failed: %v", err)
	}
	if len(objectives) != 4 || objectives[3].Score != -20.25 {
		t.Errorf("Objectives = %+v", objectives)
	}

	best, err := os.ReadFile(filepath.Join(dir, BestFile))
	if err != nil {
		t.Fatalf("Failed to read best KPIs: %v", err)
	}
	wantBest := "BISTRO Iteration,VMT,busCrowding\n1,1,1\n1,1,2\n2,1,1\n3,1,1\n4,0.5,0.5\n"
	if string(best) != wantBest {
		t.Errorf("Best KPIs = %q, want %q", best, wantBest)
	}

	if _, err := s.Score(5, kpi.Scores{"VMT": 1}); err == nil {
		t.Error("Expected error when KPI set changes")
	}
}

func TestHypervolumeScorer_NonFiniteKPI(t *testing.T) {
	s := &HypervolumeScorer{
		Archive: &Archive{Dir: t.TempDir()},
		BAU:     kpi.Scores{"a": 1, "b": 1},
	}

	if _, err := s.Score(1, kpi.Scores{"a": math.NaN(), "b": 0}); err == nil {
		t.Fatal("Expected error for a NaN KPI")
	}
	if _, err := s.Score(2, kpi.Scores{"a": math.Inf(1), "b": 0}); err == nil {
		t.Fatal("Expected error for an infinite KPI")
	}

	loss, err := s.Score(3, kpi.Scores{"a": 0, "b": 0})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if math.IsNaN(loss) || loss != -25 {
		t.Errorf("Score = %v, want -25", loss)
	}

	front, err := s.Archive.LoadFront()
	if err != nil {
		t.Fatalf("LoadFront failed: %v", err)
	}
	if diff := cmp.Diff([]Point{{Iteration: 3, Values: []float64{0, 0}}}, front.Points); diff != "" {
		t.Errorf("Front mismatch (-want +got):\n%s", diff)
	}
}

func TestHypervolumeScorer_Concurrent(t *testing.T) {
	s := &HypervolumeScorer{
		Archive: &Archive{Dir: t.TempDir()},
		BAU:     kpi.Scores{"a": 10, "b": 10},
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := kpi.Scores{"a": float64(i), "b": float64(8 - i)}
			if _, err := s.Score(i+1, raw); err != nil {
				t.Errorf("Score failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	front, err := s.Archive.LoadFront()
	if err != nil {
		t.Fatalf("LoadFront failed: %v", err)
	}
	if front.Len() != 8 {
		t.Errorf("Expected 8 mutually non-dominated points, got %d", front.Len())
	}
	objectives, _ := s.Archive.LoadObjectives()
	if len(objectives) != 8 {
		t.Errorf("Expected 8 objective rows, got %d", len(objectives))
	}
}
