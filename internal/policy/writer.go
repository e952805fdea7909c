package policy

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/samber/lo"
)

// Submission input file names read by BEAM from /submission-inputs.
const (
	RoadPricingFile         = "RoadPricing.csv"
	ModeIncentivesFile      = "ModeIncentives.csv"
	MassTransitFaresFile    = "MassTransitFares.csv"
	VehicleFleetMixFile     = "VehicleFleetMix.csv"
	FrequencyAdjustmentFile = "FrequencyAdjustment.csv"
)

// InputFiles lists every file a submission directory must contain.
var InputFiles = []string{
	FrequencyAdjustmentFile,
	ModeIncentivesFile,
	MassTransitFaresFile,
	RoadPricingFile,
	VehicleFleetMixFile,
}

// Writer renders plans into a BEAM submission-inputs directory.
type Writer struct {
	// Tolls converts cordons to link tolls. Nil means no network is loaded,
	// in which case the plan must not contain cordons.
	Tolls func([]Cordon) []LinkToll
	// BaseDir supplies files the plan leaves unset. Optional.
	BaseDir string
}

// Write creates dir and writes the five submission files. A file whose plan
// section is empty is copied from BaseDir when BaseDir has one, otherwise it
// is written with only its header.
func (w *Writer) Write(dir string, plan *Plan) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create input directory: %w", err)
	}

	if len(plan.Cordons) > 0 && w.Tolls == nil {
		return fmt.Errorf("plan has %d cordons but no network is loaded", len(plan.Cordons))
	}

	var tolls []LinkToll
	if len(plan.Cordons) > 0 {
		tolls = w.Tolls(plan.Cordons)
	}
	incentives, err := plan.IncentiveRows()
	if err != nil {
		return fmt.Errorf("failed to build incentives: %w", err)
	}

	files := []struct {
		name   string
		header []string
		rows   [][]string
		set    bool
	}{
		{RoadPricingFile, []string{"linkId", "toll", "timeRange"}, tollRecords(tolls), len(plan.Cordons) > 0},
		{ModeIncentivesFile, []string{"mode", "age", "income", "amount"}, incentiveRecords(incentives), len(plan.Incentives) > 0},
		{MassTransitFaresFile, []string{"agencyId", "routeId", "age", "amount"}, fareRecords(plan.Fares), len(plan.Fares) > 0},
		{VehicleFleetMixFile, []string{"agencyId", "routeId", "vehicleTypeId"}, fleetRecords(plan.FleetMix), len(plan.FleetMix) > 0},
		{FrequencyAdjustmentFile, []string{"route_id", "start_time", "end_time", "headway_secs", "exact_times"}, frequencyRecords(plan.Frequencies), len(plan.Frequencies) > 0},
	}

	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if !f.set && w.BaseDir != "" {
			copied, err := copyIfExists(filepath.Join(w.BaseDir, f.name), path)
			if err != nil {
				return fmt.Errorf("failed to copy base %s: %w", f.name, err)
			}
			if copied {
				continue
			}
		}
		if err := writeCSV(path, f.header, f.rows); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	slog.Debug("Wrote submission inputs", "dir", dir, "tolled_links", len(tolls), "incentives", len(incentives))
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyIfExists(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	return true, out.Close()
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tollRecords(tolls []LinkToll) [][]string {
	return lo.Map(tolls, func(t LinkToll, _ int) []string {
		return []string{t.LinkID, formatAmount(t.Toll), t.TimeRange}
	})
}

func incentiveRecords(rows []IncentiveRow) [][]string {
	return lo.Map(rows, func(r IncentiveRow, _ int) []string {
		return []string{r.Mode, r.Age, r.Income, formatAmount(r.Amount)}
	})
}

func fareRecords(fares []Fare) [][]string {
	return lo.Map(fares, func(f Fare, _ int) []string {
		return []string{f.AgencyID, f.RouteID, f.Age, formatAmount(f.Amount)}
	})
}

func fleetRecords(fleet []FleetAssignment) [][]string {
	return lo.Map(fleet, func(f FleetAssignment, _ int) []string {
		return []string{f.AgencyID, f.RouteID, f.VehicleTypeID}
	})
}

func frequencyRecords(freqs []FrequencyAdjustment) [][]string {
	return lo.Map(freqs, func(f FrequencyAdjustment, _ int) []string {
		return []string{
			f.RouteID,
			strconv.Itoa(f.StartTime),
			strconv.Itoa(f.EndTime),
			strconv.Itoa(f.HeadwaySecs),
			strconv.Itoa(f.ExactTimes),
		}
	})
}
