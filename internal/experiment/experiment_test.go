package experiment

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/bistroopt/internal/beam"
	"github.com/cwbudde/bistroopt/internal/beam/beamtest"
	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/opt"
	"github.com/cwbudde/bistroopt/internal/pareto"
	"github.com/cwbudde/bistroopt/internal/policy"
	"github.com/cwbudde/bistroopt/internal/space"
	"github.com/cwbudde/bistroopt/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	return beamtest.Config(t)
}

func TestEvaluate(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Delay: func(fare float64) float64 { return 10 * fare }}
	runLog := &RunLog{Dir: cfg.Output.ResultsPath}

	var trials []Trial
	collect := RecorderFunc(func(_ context.Context, t Trial) error {
		trials = append(trials, t)
		return nil
	})

	e, err := New(cfg, Options{JobID: "job", Simulator: sim, Recorders: []Recorder{runLog, collect}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.Space().Dim() != 1 {
		t.Fatalf("Expected a single fare parameter, got %d", e.Space().Dim())
	}

	params := space.Params{space.FareName(0): 1.5}
	loss, err := e.Evaluate(context.Background(), params)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if loss != 15 {
		t.Errorf("loss = %v, want 15", loss)
	}

	if len(trials) != 1 {
		t.Fatalf("Expected 1 recorded trial, got %d", len(trials))
	}
	tr := trials[0]
	if tr.Sample != 1 || tr.FolderID == "" || tr.Cached {
		t.Errorf("Unexpected trial: %+v", tr)
	}
	if tr.KPIs[kpi.VehicleDelay] != 15 {
		t.Errorf("KPIs = %v", tr.KPIs)
	}
	if tr.ModeChoices["car"] != 0.75 {
		t.Errorf("ModeChoices = %v", tr.ModeChoices)
	}

	// submission scores are copied next to the inputs
	if _, err := os.Stat(filepath.Join(tr.InputDir, "submissionScores.csv")); err != nil {
		t.Errorf("submissionScores.csv not copied: %v", err)
	}
	// cleaned output keeps the run directory but drops unlisted files
	runDir, err := beam.RunDir(tr.OutputDir, 2)
	if err != nil {
		t.Fatalf("RunDir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "outputPlans.xml.gz")); !os.IsNotExist(err) {
		t.Error("Output was not cleaned")
	}

	// identical parameters reuse the first result
	loss, err = e.Evaluate(context.Background(), space.Params{space.FareName(0): 1.5})
	if err != nil || loss != 15 {
		t.Fatalf("Cached Evaluate = %v, %v", loss, err)
	}
	if sim.Calls.Load() != 1 {
		t.Errorf("Simulator ran %d times, want 1", sim.Calls.Load())
	}
	if len(trials) != 2 || !trials[1].Cached {
		t.Errorf("Expected a cached trial to be recorded: %+v", trials)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Output.ResultsPath, RunLogFile))
	if err != nil {
		t.Fatalf("Failed to read run log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected header and one row, got:\n%s", data)
	}
	if !strings.HasPrefix(lines[0], "sample_num,run_time,weightedSum,input_path,output_path,folderID,fare0,") {
		t.Errorf("Unexpected run log header: %s", lines[0])
	}
}

func TestEvaluate_Failure(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Fail: func(fare float64) bool { return fare > 1 }}

	var failed int
	e, err := New(cfg, Options{Simulator: sim, Recorders: []Recorder{RecorderFunc(func(_ context.Context, t Trial) error {
		if t.Failed() {
			failed++
		}
		return nil
	})}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	params := space.Params{space.FareName(0): 2}
	for i := 0; i < 2; i++ {
		loss, err := e.Evaluate(context.Background(), params)
		if err == nil {
			t.Fatal("Expected simulator error")
		}
		if !math.IsInf(loss, 1) {
			t.Errorf("loss = %v, want +Inf", loss)
		}
	}
	// failures are not cached
	if sim.Calls.Load() != 2 || failed != 2 {
		t.Errorf("calls = %d, failed = %d", sim.Calls.Load(), failed)
	}
}

func TestEvaluate_BadLayout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulator.RunDirDepth = 3

	e, err := New(cfg, Options{Simulator: &beamtest.Simulator{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = e.Evaluate(context.Background(), space.Params{space.FareName(0): 1})
	var le *beam.LayoutError
	if !errors.As(err, &le) {
		t.Errorf("Expected LayoutError, got %v", err)
	}
}

func TestEvaluate_Canceled(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, Options{Simulator: &beamtest.Simulator{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Evaluate(ctx, space.Params{space.FareName(0): 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// waitUntil polls cond until it holds or five seconds pass.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEvaluate_SharedRunOutlivesCancelledCaller(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Block: make(chan struct{})}
	e, err := New(cfg, Options{Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	params := space.Params{space.FareName(0): 1}
	key := params.Key()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := e.Evaluate(ctx, params)
		first <- err
	}()
	waitUntil(t, "the simulator", func() bool { return sim.Calls.Load() == 1 })

	type result struct {
		loss float64
		err  error
	}
	second := make(chan result, 1)
	go func() {
		loss, err := e.Evaluate(context.Background(), params)
		second <- result{loss, err}
	}()
	waitUntil(t, "the second caller", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		r, ok := e.runs[key]
		return ok && r.waiters == 2
	})

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("First caller: expected context.Canceled, got %v", err)
	}

	close(sim.Block)
	res := <-second
	if res.err != nil {
		t.Fatalf("Second caller failed: %v", res.err)
	}
	if res.loss != 1 {
		t.Errorf("loss = %v, want 1", res.loss)
	}
	if sim.Calls.Load() != 1 {
		t.Errorf("Simulator ran %d times, want 1", sim.Calls.Load())
	}
}

func TestEvaluate_LastCallerCancelsRun(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Block: make(chan struct{})}
	e, err := New(cfg, Options{Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	params := space.Params{space.FareName(0): 0.5}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Evaluate(ctx, params)
		done <- err
	}()
	waitUntil(t, "the simulator", func() bool { return sim.Calls.Load() == 1 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if e.Samples() != 1 {
		t.Errorf("Samples = %d, want 1", e.Samples())
	}

	// The cancelled run is forgotten, so the next call starts over.
	close(sim.Block)
	loss, err := e.Evaluate(context.Background(), params)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if loss != 0.5 || sim.Calls.Load() != 2 {
		t.Errorf("loss = %v, calls = %d, want 0.5 and 2", loss, sim.Calls.Load())
	}
}

func TestEvaluate_Infeasible(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{}
	e, err := New(cfg, Options{Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e.Space().Constrain(space.Increasing{Names: []string{space.FareName(0), "ceiling"}, Gap: 1})

	_, err = e.Evaluate(context.Background(), space.Params{space.FareName(0): 2, "ceiling": 2})
	if !errors.Is(err, space.ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible, got %v", err)
	}
	if sim.Calls.Load() != 0 {
		t.Errorf("Simulator ran %d times for an infeasible point", sim.Calls.Load())
	}
}

func TestStudy(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Delay: func(fare float64) float64 { return (fare - 1) * (fare - 1) }}
	runLog := &RunLog{Dir: cfg.Output.ResultsPath}

	e, err := New(cfg, Options{JobID: "grid", Simulator: sim, Recorders: []Recorder{runLog}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	study := &Study{Experiment: e, Optimizer: &opt.Grid{Parallel: 2, MaxPoints: 100}, Budget: 10, RunLog: runLog}
	res, err := study.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.BestLoss != 0 || res.BestParams[space.FareName(0)] != 1 {
		t.Errorf("Best = %v (%v), want fare 1 with loss 0", res.BestParams, res.BestLoss)
	}
	if res.Evaluations != 5 {
		t.Errorf("Evaluations = %d, want 5", res.Evaluations)
	}

	f, err := os.Open(filepath.Join(cfg.Output.ResultsPath, TrialsFile))
	if err != nil {
		t.Fatalf("Failed to open trials: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Failed to read trials: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("Expected header and 5 rows, got %d", len(rows))
	}
	prev := math.Inf(-1)
	for _, row := range rows[1:] {
		v, _ := strconv.ParseFloat(row[2], 64)
		if v < prev {
			t.Errorf("trials.csv not sorted by loss: %v", rows)
		}
		prev = v
	}
}

func TestStudy_Converges(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fares[0].Max = 100
	sim := &beamtest.Simulator{Delay: func(float64) float64 { return 7 }}

	e, err := New(cfg, Options{Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	study := &Study{
		Experiment:  e,
		Optimizer:   &opt.Random{Seed: 1, Parallel: 1},
		Budget:      50,
		Convergence: NewConvergence(3, 0.01),
	}
	res, err := study.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Evaluations >= 50 {
		t.Errorf("Study did not stop early: %d evaluations", res.Evaluations)
	}
	if res.BestLoss != 7 {
		t.Errorf("BestLoss = %v, want 7", res.BestLoss)
	}
}

func TestScoreExisting(t *testing.T) {
	cfg := testConfig(t)
	sim := &beamtest.Simulator{Delay: func(float64) float64 { return 42 }}
	out := filepath.Join(t.TempDir(), "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(out, policy.MassTransitFaresFile), []byte("agencyId,routeId,age,amount\n217,1340,[0:120],1\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := sim.Run(context.Background(), beam.RunSpec{InputDir: out, OutputDir: filepath.Join(out, "run")}); err != nil {
		t.Fatalf("fake Run failed: %v", err)
	}

	e, err := New(cfg, Options{Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	loss, scores, err := e.ScoreExisting(filepath.Join(out, "run"))
	if err != nil {
		t.Fatalf("ScoreExisting failed: %v", err)
	}
	if loss != 42 || scores[kpi.VehicleDelay] != 42 {
		t.Errorf("ScoreExisting = %v, %v", loss, scores)
	}
	if sim.Calls.Load() != 1 {
		t.Errorf("ScoreExisting must not run the simulator")
	}
}

func TestHypervolumeScoring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scoring.Hypervolume = true
	archive := t.TempDir()

	sim := &beamtest.Simulator{Delay: func(fare float64) float64 { return fare }}
	e, err := New(cfg, Options{Simulator: sim, ArchiveDir: archive})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// BAU is VehicleDelay 4, TollRevenue 1, so the reference is (20, 5).
	loss, err := e.Evaluate(context.Background(), space.Params{space.FareName(0): 2})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if want := -(5.0 * 18.0); loss != want {
		t.Errorf("loss = %v, want %v", loss, want)
	}

	front, err := (&pareto.Archive{Dir: archive}).LoadFront()
	if err != nil {
		t.Fatalf("LoadFront failed: %v", err)
	}
	if front.Len() != 1 || front.Points[0].Iteration != 1 {
		t.Errorf("Unexpected front: %+v", front)
	}
}

func TestRecorders(t *testing.T) {
	cfg := testConfig(t)
	dataDir := t.TempDir()

	db, err := store.OpenTrialDB(filepath.Join(dataDir, "trials.db"))
	if err != nil {
		t.Fatalf("OpenTrialDB failed: %v", err)
	}
	defer db.Close()
	trace, err := store.NewTraceWriter(dataDir, "job", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	defer trace.Close()

	sim := &beamtest.Simulator{Fail: func(fare float64) bool { return fare == 2 }}
	e, err := New(cfg, Options{JobID: "job", Simulator: sim, Recorders: []Recorder{DBRecorder(db, "job"), TraceRecorder(trace)}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, fare := range []float64{1, 2, 0.5, 1} {
		e.Evaluate(context.Background(), space.Params{space.FareName(0): fare})
	}

	total, failed, err := db.Count(context.Background(), "job")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 3 || failed != 1 {
		t.Errorf("Count = (%d, %d), want (3, 1)", total, failed)
	}

	losses, err := db.Losses(context.Background(), "job")
	if err != nil {
		t.Fatalf("Losses failed: %v", err)
	}
	resumed, err := New(cfg, Options{JobID: "job", Simulator: sim})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	resumed.Preload(losses, total)
	if _, err := resumed.Evaluate(context.Background(), space.Params{space.FareName(0): 0.5}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if sim.Calls.Load() != 3 {
		t.Errorf("Preloaded evaluation should not run the simulator, calls = %d", sim.Calls.Load())
	}

	entries := readTraceEntries(t, dataDir, "job")
	if len(entries) != 4 {
		t.Fatalf("Expected 4 trace entries, got %d", len(entries))
	}
	if !entries[1].Failed || entries[1].BestLoss != 1 || entries[2].BestLoss != 0.5 {
		t.Errorf("Unexpected trace entries: %+v", entries)
	}
}

func readTraceEntries(t *testing.T, dir, jobID string) []store.TraceEntry {
	t.Helper()

	r, err := store.NewTraceReader(dir, jobID)
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer r.Close()
	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return entries
}

func TestConvergence(t *testing.T) {
	tests := []struct {
		name   string
		losses []float64
		stopAt int // index of the update that reports convergence, -1 for none
	}{
		{"improving", []float64{10, 9, 8, 7, 6}, -1},
		{"flat", []float64{10, 10, 10}, 2},
		{"negative hypervolume", []float64{-1, -2, -2.001, -2.002}, 3},
		{"failures are stale", []float64{math.Inf(1), math.Inf(1)}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConvergence(2, 0.01)
			got := -1
			for i, l := range tt.losses {
				if c.Update(l) {
					got = i
					break
				}
			}
			if got != tt.stopAt {
				t.Errorf("converged at %d, want %d", got, tt.stopAt)
			}
		})
	}

	if NewConvergence(0, 0.1).Update(1) {
		t.Error("Zero patience should disable convergence")
	}
}
