package policy

import (
	"fmt"

	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/space"
)

// Cordon is a circular per-mile road-pricing zone.
type Cordon struct {
	CenterX float64
	CenterY float64
	Radius  float64
	Toll    float64 // price per mile
}

// IncentiveGroup subsidises a set of modes with one amount per income level.
type IncentiveGroup struct {
	Modes   []string
	Amounts []float64
}

// Fare is one MassTransitFares.csv row.
type Fare struct {
	AgencyID string
	RouteID  string
	Age      string
	Amount   float64
}

// FleetAssignment is one VehicleFleetMix.csv row.
type FleetAssignment struct {
	AgencyID      string
	RouteID       string
	VehicleTypeID string
}

// FrequencyAdjustment is one FrequencyAdjustment.csv row.
type FrequencyAdjustment struct {
	RouteID     string
	StartTime   int
	EndTime     int
	HeadwaySecs int
	ExactTimes  int
}

// Plan is the full set of policy levers for one simulator run.
type Plan struct {
	Cordons          []Cordon
	IncomeThresholds []float64
	Incentives       []IncentiveGroup
	Fares            []Fare
	FleetMix         []FleetAssignment
	Frequencies      []FrequencyAdjustment
}

// FromParams decodes an optimizer point into a plan. Cordons are read until
// the first index with a missing component, income levels until the first
// missing threshold.
func FromParams(p space.Params, cfg *config.Config) (*Plan, error) {
	plan := &Plan{}

	for i := 0; ; i++ {
		x, okX := p[space.CenterXName(i)]
		y, okY := p[space.CenterYName(i)]
		r, okR := p[space.RadiusName(i)]
		toll, okT := p[space.TollName(i)]
		if !okX && !okY && !okR && !okT {
			break
		}
		if !(okX && okY && okR && okT) {
			return nil, fmt.Errorf("cordon %d is missing a parameter", i)
		}
		plan.Cordons = append(plan.Cordons, Cordon{CenterX: x, CenterY: y, Radius: r, Toll: toll})
	}

	for l := 0; ; l++ {
		v, ok := p[space.IncomeName(l)]
		if !ok {
			break
		}
		plan.IncomeThresholds = append(plan.IncomeThresholds, v)
	}

	for g, modes := range cfg.Incentives.Modes {
		group := IncentiveGroup{Modes: modes}
		for l := range plan.IncomeThresholds {
			v, ok := p[space.SubsidyName(g, l)]
			if !ok {
				return nil, fmt.Errorf("missing subsidy for mode group %d level %d", g, l)
			}
			group.Amounts = append(group.Amounts, v)
		}
		plan.Incentives = append(plan.Incentives, group)
	}

	for i, f := range cfg.Fares {
		v, ok := p[space.FareName(i)]
		if !ok {
			return nil, fmt.Errorf("missing fare parameter %d", i)
		}
		plan.Fares = append(plan.Fares, Fare{AgencyID: f.AgencyID, RouteID: f.RouteID, Age: f.Age, Amount: v})
	}

	for _, f := range cfg.Transit.FleetMix {
		plan.FleetMix = append(plan.FleetMix, FleetAssignment(f))
	}
	for _, f := range cfg.Transit.Frequencies {
		plan.Frequencies = append(plan.Frequencies, FrequencyAdjustment(f))
	}

	return plan, nil
}
