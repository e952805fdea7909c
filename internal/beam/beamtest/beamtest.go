// Package beamtest provides a stand-in for the BEAM container and a small
// fare-only study configuration for tests.
package beamtest

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/cwbudde/bistroopt/internal/beam"
	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/policy"
)

// RunDir is where Simulator places the run below the output directory.
var RunDir = filepath.Join("sioux_faux", "sioux_faux-15k__2024-01-01")

// Simulator reads the fare from the submission inputs and writes a
// BEAM-like output tree two levels deep whose vehicle delay is Delay(fare).
type Simulator struct {
	Calls atomic.Int64
	// Delay defaults to the fare itself.
	Delay func(fare float64) float64
	Fail  func(fare float64) bool
	// Block, when set, holds every run until it is closed or the context
	// ends.
	Block chan struct{}
}

// Run implements beam.Simulator.
func (s *Simulator) Run(ctx context.Context, spec beam.RunSpec) error {
	s.Calls.Add(1)
	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fare, err := ReadFare(filepath.Join(spec.InputDir, policy.MassTransitFaresFile))
	if err != nil {
		return err
	}
	if s.Fail != nil && s.Fail(fare) {
		return fmt.Errorf("container exited with status 1")
	}

	delay := fare
	if s.Delay != nil {
		delay = s.Delay(fare)
	}
	return WriteRun(filepath.Join(spec.OutputDir, RunDir), delay)
}

// WriteRun writes the output files of a finished run with the given
// vehicle delay to runDir.
func WriteRun(runDir string, delay float64) error {
	files := map[string]string{
		kpi.RawScoresPath: "Iteration,Congestion: average vehicle delay per passenger trip\n" +
			"30," + strconv.FormatFloat(delay, 'g', -1, 64) + "\n",
		kpi.SubmissionScoresPath: "Component Name,Weight,Raw Score,Standardized Score\n",
		kpi.ModeChoiceFile:       "iterations,car,walk_transit\n30,75,25\n",
		"outputPlans.xml.gz":     "plans",
	}
	for name, content := range files {
		path := filepath.Join(runDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return writeEvents(filepath.Join(runDir, kpi.EventsFile))
}

// writeEvents writes a gzipped events file without tolls.
func writeEvents(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(`<events version="1.0"><event time="1.0" type="PathTraversal" tollPaid="0"/></events>`)); err != nil {
		f.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFare returns the amount of the first MassTransitFares.csv row.
func ReadFare(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, err
	}
	if len(rows) < 2 {
		return 0, fmt.Errorf("no fares in %s", path)
	}
	return strconv.ParseFloat(rows[1][3], 64)
}

// Config returns a study searching a single fare in [0, 2] with step 0.5,
// scored by vehicle delay alone. All paths live below a fresh temporary
// directory.
func Config(t testing.TB) *config.Config {
	t.Helper()

	dir := t.TempDir()
	standards := filepath.Join(dir, "standards.csv")
	if err := os.WriteFile(standards, []byte(kpi.VehicleDelay+",0,1\n"), 0644); err != nil {
		t.Fatalf("Failed to write standards: %v", err)
	}
	weights := filepath.Join(dir, "scoringWeights.csv")
	if err := os.WriteFile(weights, []byte("Component Name,Weight\n"+kpi.VehicleDelay+",4\n"+kpi.TollRevenue+",1\n"), 0644); err != nil {
		t.Fatalf("Failed to write scoring weights: %v", err)
	}

	cfg := config.Default()
	cfg.Cordons.Count = 0
	cfg.Fares = []config.FareRange{{AgencyID: "217", RouteID: "1340", Age: "[0:120]", Min: 0, Max: 2, Step: 0.5}}
	cfg.Scoring.StandardsPath = standards
	cfg.Scoring.ScoringWeightsPath = weights
	cfg.Scoring.Weights = map[string]float64{kpi.VehicleDelay: 1}
	cfg.Output.ResultsPath = filepath.Join(dir, "results")
	cfg.Simulator.RunDirDepth = 2
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.DBPath = filepath.Join(dir, "data", "trials.db")
	return cfg
}

// ConfigFile saves cfg next to its results directory and returns the path.
func ConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()

	path := filepath.Join(filepath.Dir(cfg.Output.ResultsPath), "study.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}
	return path
}
