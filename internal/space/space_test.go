package space

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/google/go-cmp/cmp"
)

func TestRoundNearest(t *testing.T) {
	tests := []struct {
		x, a, want float64
	}{
		{1234, 500, 1000},
		{1250, 500, 1500},
		{2.13, 0.25, 2.25},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := RoundNearest(tt.x, tt.a); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundNearest(%v, %v) = %v, want %v", tt.x, tt.a, got, tt.want)
		}
	}
}

func TestParamQuantize(t *testing.T) {
	p := Param{Name: "ctoll0", Kind: QUniform, Low: 0, High: 3, Step: 0.5}

	if got := p.Quantize(1.2); got != 1.0 {
		t.Errorf("Quantize(1.2) = %v, want 1.0", got)
	}
	if got := p.Quantize(9); got != 3 {
		t.Errorf("Quantize(9) = %v, want clamped 3", got)
	}

	c := Param{Name: "mode", Kind: Choice, Choices: []float64{1, 5, 9}}
	if got := c.Quantize(6.5); got != 5 {
		t.Errorf("Choice Quantize(6.5) = %v, want 5", got)
	}
	if got := c.FromUnit(1); got != 9 {
		t.Errorf("Choice FromUnit(1) = %v, want 9", got)
	}
}

func TestParamValues(t *testing.T) {
	p := Param{Name: "x", Kind: QUniform, Low: 0, High: 2, Step: 0.5}
	want := []float64{0, 0.5, 1, 1.5, 2}
	if diff := cmp.Diff(want, p.Values()); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}

	i := Param{Name: "n", Kind: Int, Low: 1.5, High: 4}
	if diff := cmp.Diff([]float64{2, 3, 4}, i.Values()); diff != "" {
		t.Errorf("Int values mismatch (-want +got):\n%s", diff)
	}
}

func TestSpaceValidate(t *testing.T) {
	s := New(
		Param{Name: "a", Kind: Uniform, Low: 0, High: 1},
		Param{Name: "a", Kind: Uniform, Low: 0, High: 1},
	)
	if err := s.Validate(); err == nil {
		t.Error("Expected duplicate name error")
	}

	bad := New(Param{Name: "q", Kind: QUniform, Low: 0, High: 1})
	if err := bad.Validate(); err == nil {
		t.Error("Expected missing step error")
	}
}

func TestDecodeEncode(t *testing.T) {
	s := New(
		Param{Name: "x", Kind: QUniform, Low: 0, High: 10, Step: 1},
		Param{Name: "y", Kind: Uniform, Low: -1, High: 1},
	)

	p := s.Decode([]float64{0.34, 0.75})
	if p["x"] != 3 {
		t.Errorf("x = %v, want 3", p["x"])
	}
	if math.Abs(p["y"]-0.5) > 1e-12 {
		t.Errorf("y = %v, want 0.5", p["y"])
	}

	unit := s.Encode(p)
	back := s.Decode(unit)
	if diff := cmp.Diff(p, back); diff != "" {
		t.Errorf("Decode(Encode(p)) mismatch (-want +got):\n%s", diff)
	}
}

func TestParamsKey(t *testing.T) {
	a := Params{"b": 2, "a": 1.5}
	b := Params{"a": 1.5, "b": 2}
	if a.Key() != b.Key() {
		t.Errorf("Key should not depend on insertion order: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() != "a=1.5|b=2" {
		t.Errorf("Key = %q", a.Key())
	}
}

func TestIncreasingConstraint(t *testing.T) {
	s := New(
		Param{Name: "t0", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
		Param{Name: "t1", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
		Param{Name: "t2", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
	)
	inc := Increasing{Names: []string{"t0", "t1", "t2"}, Gap: 1000}
	s.Constrain(inc)

	p := Params{"t0": 2000, "t1": 1000, "t2": 4000}
	if inc.Satisfied(p) {
		t.Fatal("Expected violation")
	}
	s.Repair(p)
	if p["t1"] != 3000 || p["t2"] != 4000 {
		t.Errorf("Repair = %v", p)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		sample := s.Sample(rng)
		if !s.Feasible(sample) {
			t.Fatalf("Sample %d not increasing: %v", i, sample)
		}
	}
}

func TestIncreasingConstraint_RepairAtUpperBound(t *testing.T) {
	s := New(
		Param{Name: "t0", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
		Param{Name: "t1", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
		Param{Name: "t2", Kind: QUniform, Low: 0, High: 5000, Step: 1000},
	)
	s.Constrain(Increasing{Names: []string{"t0", "t1", "t2"}, Gap: 1000})

	tests := []struct {
		name string
		in   Params
		want Params
	}{
		{"previous at bound", Params{"t0": 1000, "t1": 5000, "t2": 5000}, Params{"t0": 1000, "t1": 4000, "t2": 5000}},
		{"all at bound", Params{"t0": 5000, "t1": 5000, "t2": 5000}, Params{"t0": 3000, "t1": 4000, "t2": 5000}},
		{"first at bound", Params{"t0": 5000, "t1": 0, "t2": 0}, Params{"t0": 3000, "t1": 4000, "t2": 5000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.in.Clone()
			s.Repair(p)
			if diff := cmp.Diff(tt.want, p); diff != "" {
				t.Errorf("Repair mismatch (-want +got):\n%s", diff)
			}
			if !s.Feasible(p) {
				t.Errorf("Repaired point infeasible: %v", p)
			}
		})
	}

	// Four levels cannot fit 1000 apart in [0, 2000].
	tight := New(
		Param{Name: "a", Kind: QUniform, Low: 0, High: 2000, Step: 1000},
		Param{Name: "b", Kind: QUniform, Low: 0, High: 2000, Step: 1000},
		Param{Name: "c", Kind: QUniform, Low: 0, High: 2000, Step: 1000},
		Param{Name: "d", Kind: QUniform, Low: 0, High: 2000, Step: 1000},
	)
	tight.Constrain(Increasing{Names: []string{"a", "b", "c", "d"}, Gap: 1000})
	p := Params{"a": 2000, "b": 2000, "c": 2000, "d": 2000}
	tight.Repair(p)
	if !errors.Is(tight.Check(p), ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible for %v", p)
	}
}

func TestNonIncreasingConstraint(t *testing.T) {
	s := New(
		Param{Name: "s0", Kind: QUniform, Low: 0, High: 6, Step: 0.5},
		Param{Name: "s1", Kind: QUniform, Low: 0, High: 6, Step: 0.5},
	)
	s.Constrain(NonIncreasing{Names: []string{"s0", "s1"}})

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		p := s.Sample(rng)
		if p["s1"] > p["s0"] {
			t.Fatalf("Sample %d increases: %v", i, p)
		}
	}

	p := s.Decode([]float64{0.1, 0.9})
	if p["s1"] > p["s0"] {
		t.Errorf("Decode did not repair: %v", p)
	}
}

func TestWithinDisk(t *testing.T) {
	s := New(
		Param{Name: "x", Kind: QUniform, Low: 0, High: 100, Step: 1},
		Param{Name: "y", Kind: QUniform, Low: 0, High: 100, Step: 1},
	)
	disk := WithinDisk{X: "x", Y: "y", CX: 50, CY: 50, R: 10}
	s.Constrain(disk)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		p := s.Sample(rng)
		if !disk.Satisfied(p) {
			t.Fatalf("Sample %d outside disk: %v", i, p)
		}
	}

	p := Params{"x": 90, "y": 50}
	s.Repair(p)
	if !disk.Satisfied(p) {
		t.Errorf("Repair left point outside disk: %v", p)
	}
	if p["x"] != 60 || p["y"] != 50 {
		t.Errorf("Repair = %v, want (60, 50)", p)
	}
}

func TestCheck(t *testing.T) {
	s := New(
		Param{Name: "a", Kind: QUniform, Low: 0, High: 2, Step: 1},
		Param{Name: "b", Kind: QUniform, Low: 0, High: 2, Step: 1},
	)
	s.Constrain(NonIncreasing{Names: []string{"a", "b"}})

	if err := s.Check(Params{"a": 2, "b": 1}); err != nil {
		t.Errorf("Check failed on feasible point: %v", err)
	}
	if err := s.Check(Params{"a": 1, "b": 2}); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible, got %v", err)
	}
	if err := s.Check(Params{"a": 1}); !errors.Is(err, ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible for missing parameter, got %v", err)
	}
}

func TestGrid(t *testing.T) {
	s := New(
		Param{Name: "a", Kind: QUniform, Low: 0, High: 2, Step: 1},
		Param{Name: "b", Kind: QUniform, Low: 0, High: 2, Step: 1},
	)
	s.Constrain(NonIncreasing{Names: []string{"a", "b"}})

	points, err := s.Grid(100)
	if err != nil {
		t.Fatalf("Grid failed: %v", err)
	}
	// 9 combinations, 3 of which have b > a
	if len(points) != 6 {
		t.Errorf("Expected 6 feasible points, got %d", len(points))
	}
	for _, p := range points {
		if p["b"] > p["a"] {
			t.Errorf("Infeasible point in grid: %v", p)
		}
	}

	if _, err := s.Grid(5); err == nil {
		t.Error("Expected error when grid exceeds limit")
	}
}

func TestCordonSpace(t *testing.T) {
	cfg := config.Default().Cordons
	cfg.Count = 2

	b := Bounds{MinX: cfg.MinX, MaxX: cfg.MaxX, MinY: cfg.MinY, MaxY: cfg.MaxY}
	s := CordonSpace(cfg, b)
	if s.Dim() != 8 {
		t.Fatalf("Expected 8 parameters, got %d", s.Dim())
	}

	cx, ok := s.Param("centerx1")
	if !ok {
		t.Fatal("centerx1 missing")
	}
	wantStep := (cfg.MaxX - cfg.MinX) / 50
	if math.Abs(cx.Step-wantStep) > 1e-9 {
		t.Errorf("centerx step = %v, want %v", cx.Step, wantStep)
	}
	toll, _ := s.Param("ctoll0")
	if toll.Step != 0.1 {
		t.Errorf("toll step = %v, want 0.1", toll.Step)
	}
}

func TestCordonSpaceWithCentroids(t *testing.T) {
	cfg := config.Default().Cordons
	cfg.Centers = [][2]float64{{680000, 4825000}}
	cfg.Radii = []float64{2000}

	s := CordonSpace(cfg, Bounds{MinX: cfg.MinX, MaxX: cfg.MaxX, MinY: cfg.MinY, MaxY: cfg.MaxY})
	if len(s.Constraints) != 1 {
		t.Fatalf("Expected disk constraint, got %d constraints", len(s.Constraints))
	}
	cx, _ := s.Param("centerx0")
	if cx.Low != 678000 || cx.High != 682000 {
		t.Errorf("centerx0 bounds = [%v, %v]", cx.Low, cx.High)
	}
}

func TestIncentiveSpace(t *testing.T) {
	cfg := config.IncentiveConfig{
		Modes:           [][]string{{"RIDE_HAIL_POOLED"}, {"WALK_TRANSIT", "DRIVE_TRANSIT"}},
		Levels:          3,
		MinIncomeThresh: 10000,
		MaxIncomeThresh: 80000,
		IncomeInterval:  5000,
		SubsidyRanges:   [][2]float64{{0, 6}, {0, 4}},
		SubsidyInterval: 0.5,
	}

	s := IncentiveSpace(cfg)
	if s.Dim() != 3+2*3 {
		t.Fatalf("Expected 9 parameters, got %d", s.Dim())
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		p := s.Sample(rng)
		if !s.Feasible(p) && p[IncomeName(1)] < cfg.MaxIncomeThresh {
			t.Fatalf("Infeasible sample: %v", p)
		}
		for g := 0; g < 2; g++ {
			if p[SubsidyName(g, 1)] > p[SubsidyName(g, 0)] {
				t.Fatalf("Subsidy increases with income: %v", p)
			}
		}
	}
}
