package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/bistroopt/internal/beam/beamtest"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/policy"
	"github.com/cwbudde/bistroopt/internal/space"
)

func writeParams(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write params: %v", err)
	}
	return path
}

// useConfig points --config at a saved fare study for the test.
func useConfig(t *testing.T) string {
	t.Helper()
	path := beamtest.ConfigFile(t, beamtest.Config(t))
	original := configPath
	configPath = path
	t.Cleanup(func() { configPath = original })
	return path
}

func TestReadParams(t *testing.T) {
	params, err := readParams(writeParams(t, "fare0: 1.5\nctoll0: 2\n"))
	if err != nil {
		t.Fatalf("readParams failed: %v", err)
	}
	if params["fare0"] != 1.5 || params["ctoll0"] != 2 {
		t.Errorf("Unexpected params: %v", params)
	}

	if _, err := readParams(writeParams(t, "fare0: [1, 2]\n")); err == nil {
		t.Error("Expected error for a non-numeric value")
	}
	if _, err := readParams(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestCheckParams(t *testing.T) {
	sp := space.New(
		space.Param{Name: "incomeThresh0", Kind: space.QUniform, Low: 0, High: 100, Step: 10},
		space.Param{Name: "incomeThresh1", Kind: space.QUniform, Low: 0, High: 100, Step: 10},
	)
	sp.Constrain(space.Increasing{Names: []string{"incomeThresh0", "incomeThresh1"}, Gap: 10})

	if err := checkParams(sp, space.Params{"incomeThresh0": 10, "incomeThresh1": 30}, false); err != nil {
		t.Errorf("Feasible point rejected: %v", err)
	}
	if err := checkParams(sp, space.Params{"incomeThresh0": 10}, true); err == nil {
		t.Error("Expected error for a missing parameter")
	}

	inverted := space.Params{"incomeThresh0": 50, "incomeThresh1": 20}
	if err := checkParams(sp, inverted, false); !errors.Is(err, space.ErrInfeasible) {
		t.Errorf("Expected ErrInfeasible, got %v", err)
	}
	if err := checkParams(sp, inverted, true); err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if inverted["incomeThresh1"] != 60 {
		t.Errorf("Repaired incomeThresh1 = %v, want 60", inverted["incomeThresh1"])
	}
}

func TestRunInputs(t *testing.T) {
	useConfig(t)

	out := filepath.Join(t.TempDir(), "inputs")
	paramsPath = writeParams(t, "fare0: 1.5\n")
	inputsOut = out
	repair = false

	if err := runInputs(nil, nil); err != nil {
		t.Fatalf("runInputs failed: %v", err)
	}

	fare, err := beamtest.ReadFare(filepath.Join(out, policy.MassTransitFaresFile))
	if err != nil {
		t.Fatalf("ReadFare failed: %v", err)
	}
	if fare != 1.5 {
		t.Errorf("Fare = %v, want 1.5", fare)
	}
}

func TestRunStandards(t *testing.T) {
	root := t.TempDir()
	var runs []string
	for i, delay := range []float64{2, 4} {
		dir := filepath.Join(root, "run", string(rune('a'+i)))
		if err := beamtest.WriteRun(dir, delay); err != nil {
			t.Fatalf("WriteRun failed: %v", err)
		}
		runs = append(runs, dir)
	}

	standardsOut = filepath.Join(root, "standards.csv")
	defer func() { standardsOut = "" }()

	if err := runStandards(nil, runs); err != nil {
		t.Fatalf("runStandards failed: %v", err)
	}

	standards, err := kpi.LoadStandards(standardsOut)
	if err != nil {
		t.Fatalf("LoadStandards failed: %v", err)
	}
	if got := standards[kpi.VehicleDelay].Mean; got != 3 {
		t.Errorf("Vehicle delay mean = %v, want 3", got)
	}
}

func TestRunFrontier_Empty(t *testing.T) {
	if err := runFrontier(nil, []string{t.TempDir()}); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	original := configPath
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { configPath = original }()

	if _, err := loadConfig(); err == nil {
		t.Error("Expected error for a missing config file")
	}
}
