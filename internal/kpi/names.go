// Package kpi reads BEAM scoring outputs and turns them into standardized
// KPI vectors and weighted scores.
package kpi

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// KPI short names.
const (
	Iteration                     = "Iteration"
	DriveSecondaryAccessibility   = "driveSecondaryAccessibility"
	TransitSecondaryAccessibility = "transitSecondaryAccessibility"
	DriveWorkAccessibility        = "driveWorkAccessibility"
	TransitWorkAccessibility      = "transitWorkAccessibility"
	VehicleDelay                  = "averageVehicleDelayPerPassengerTrip"
	VehicleMilesTraveled          = "motorizedVehicleMilesTraveled_total"
	CostBurdenSecondary           = "averageTravelCostBurden_Secondary"
	CostBurdenWork                = "averageTravelCostBurden_Work"
	BusCrowding                   = "busCrowding"
	CostBenefit                   = "costBenefitAnalysis"
	GHG                           = "sustainability_GHG"
	PM                            = "sustainability_PM"
	TollRevenue                   = "TollRevenue"
	VMT                           = "VMT"
)

// rawScoreNames maps rawScores.csv column titles to KPI names.
var rawScoreNames = map[string]string{
	"Iteration": Iteration,

	"Accessibility: number of secondary locations accessible by car within 15 minutes":     DriveSecondaryAccessibility,
	"Accessibility: number of secondary locations accessible by transit within 15 minutes": TransitSecondaryAccessibility,
	"Accessibility: number of work locations accessible by car within 15 minutes":          DriveWorkAccessibility,
	"Accessibility: number of work locations accessible by transit within 15 minutes":      TransitWorkAccessibility,

	"Congestion: average vehicle delay per passenger trip": VehicleDelay,
	"Congestion: total vehicle miles traveled":             VehicleMilesTraveled,
	"Equity: average travel cost burden -  secondary":      CostBurdenSecondary,
	"Equity: average travel cost burden - work":            CostBurdenWork,
	"Level of service: average bus crowding experienced":   BusCrowding,
	"Level of service: costs and benefits":                 CostBenefit,

	"Sustainability: Total grams GHGe Emissions": GHG,
	"Sustainability: Total grams PM 2.5 Emitted": PM,

	"VMT": VMT,
}

// Translate returns the KPI name for a rawScores.csv column.
func Translate(column string) (string, bool) {
	name, ok := rawScoreNames[strings.TrimSpace(column)]
	return name, ok
}

// Scores maps KPI names to values.
type Scores map[string]float64

// Names returns the KPI names in sorted order, without Iteration.
func (s Scores) Names() []string {
	names := lo.Filter(lo.Keys(s), func(k string, _ int) bool { return k != Iteration })
	sort.Strings(names)
	return names
}

// Vector returns the values in the order of names.
func (s Scores) Vector(names []string) ([]float64, error) {
	v := make([]float64, len(names))
	for i, n := range names {
		val, ok := s[n]
		if !ok {
			return nil, &MissingKPIError{Name: n}
		}
		v[i] = val
	}
	return v, nil
}

// Clone returns a copy.
func (s Scores) Clone() Scores {
	c := make(Scores, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// higherIsBetter reports whether a KPI must be negated so that smaller
// standardized values are always better.
func higherIsBetter(name string) bool {
	return strings.Contains(name, "Accessibility") || name == CostBenefit
}

// MissingKPIError is returned when a score needs a KPI the run did not report.
type MissingKPIError struct {
	Name string
}

func (e *MissingKPIError) Error() string {
	return "missing KPI: " + e.Name
}

// Is reports whether target is a MissingKPIError.
func (e *MissingKPIError) Is(target error) bool {
	_, ok := target.(*MissingKPIError)
	return ok
}
