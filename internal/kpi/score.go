package kpi

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Standardize negates KPIs where larger is better, then maps every value to
// (v - mean) / std. Iteration is dropped.
func Standardize(raw Scores, standards Standards) Scores {
	out := make(Scores, len(raw))
	for name, v := range raw {
		if name == Iteration {
			continue
		}
		if higherIsBetter(name) {
			v = -v
		}
		st := standards.Get(name)
		out[name] = (v - st.Mean) / st.Std
	}
	return out
}

// LoadBAU reads business-as-usual values from a scoringWeights.csv file
// (first column KPI name, second column value). Names absent from the file
// default to 1.
func LoadBAU(path string, names []string) (Scores, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BAU weights: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	known := make(map[string]float64)
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read BAU weights: %w", err)
		}
		if first {
			// header row
			first = false
			continue
		}
		if len(row) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid BAU value for %s: %w", row[0], err)
		}
		known[strings.TrimSpace(row[0])] = v
	}

	bau := make(Scores, len(names))
	for _, name := range names {
		if v, ok := known[name]; ok {
			bau[name] = v
		} else {
			bau[name] = 1.0
		}
	}
	return bau, nil
}

// Profile is a named set of KPI weights.
type Profile map[string]float64

var profiles = map[string]Profile{
	"congestion":  {VehicleDelay: 0.333, GHG: 0.333, VMT: 0.333},
	"social":      {CostBurdenWork: 0.33, BusCrowding: 0.33, CostBurdenSecondary: 0.33},
	"cost_burden": {CostBurdenWork: 0.5, CostBurdenSecondary: 0.5},
	"vmt":         {VMT: 1},
	"aggregate":   aggregate(1.0/4, 1.0/4, -1.0/2),
	"agg0":        aggregate(1.0/4, 1.0/4, -1.0/2),
	"agg1":        aggregate(1.0/4, 1.0/4, -1.0/2),
	"agg2":        aggregate(1.0/3, 1.0/3, -1.0/3),
	"agg3":        aggregate(3.0/8, 3.0/8, -1.0/4),
	"agg4":        aggregate(2.0/5, 2.0/5, -1.0/5),
	"agg5":        aggregate(5.0/12, 5.0/12, -1.0/6),
	"agg6":        aggregate(2.0/10, 4.0/10, -4.0/10),
	"agg7":        aggregate(2.0/10, 5.0/10, -3.0/10),
	"agg8":        aggregate(2.0/10, 3.0/10, -5.0/10),

	"toll_revenue":          {TollRevenue: -1},
	"vehicle_delay":         {VehicleDelay: 1},
	"cost_burden_work":      {CostBurdenWork: 1},
	"cost_burden_secondary": {CostBurdenSecondary: 1},
	"bus_crowding":          {BusCrowding: 1},

	"pricing": {
		VehicleDelay:         1,
		CostBurdenWork:       1,
		BusCrowding:          1,
		CostBenefit:          -1,
		GHG:                  1,
		PM:                   1,
		VehicleMilesTraveled: 1,
	},
}

// aggregate blends congestion (scaled by c) and cost burden (scaled by b)
// with a toll revenue weight.
func aggregate(c, b, toll float64) Profile {
	return Profile{
		VehicleDelay:        c * 0.333,
		GHG:                 c * 0.333,
		VMT:                 c * 0.333,
		CostBurdenWork:      b * 0.5,
		CostBurdenSecondary: b * 0.5,
		TollRevenue:         toll,
	}
}

// LookupProfile returns a copy of a named weight profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown KPI profile %q (available: %s)", name, strings.Join(ProfileNames(), ", "))
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	names := lo.Keys(profiles)
	sort.Strings(names)
	return names
}

// WeightedScorer reduces raw KPIs to sum_k w_k (raw_k - mean_k) / std_k.
// Lower is better.
type WeightedScorer struct {
	Weights   Profile
	Standards Standards
}

// Score returns the weighted standardized sum. Every weighted KPI must be
// present in raw.
func (w *WeightedScorer) Score(raw Scores) (float64, error) {
	names := lo.Keys(w.Weights)
	sort.Strings(names)

	total := 0.0
	for _, name := range names {
		v, ok := raw[name]
		if !ok {
			return 0, &MissingKPIError{Name: name}
		}
		st := w.Standards.Get(name)
		total += w.Weights[name] * (v - st.Mean) / st.Std
	}
	return total, nil
}
