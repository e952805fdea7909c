package policy

import (
	"fmt"
	"strings"
)

// IncentiveAgeRange is the age bracket every incentive row applies to.
const IncentiveAgeRange = "[0:120]"

// incentiveModes maps optimizer mode names to BEAM mode identifiers.
var incentiveModes = map[string]string{
	"RIDE_HAIL_POOLED":  "ride_hail_pooled",
	"WALK_TRANSIT":      "walk_transit",
	"BIKE_TRANSIT":      "bike_transit",
	"RIDE_HAIL_TRANSIT": "ride_hail_transit",
	"DRIVE_TRANSIT":     "drive_transit",
}

// BeamMode returns the BEAM identifier for an incentive mode. Names that are
// already lowercase BEAM identifiers pass through.
func BeamMode(mode string) (string, error) {
	if m, ok := incentiveModes[mode]; ok {
		return m, nil
	}
	for _, m := range incentiveModes {
		if m == mode {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown incentive mode %q", mode)
}

// IncentiveRow is one ModeIncentives.csv row.
type IncentiveRow struct {
	Mode   string
	Age    string
	Income string
	Amount float64
}

// IncomeBands turns increasing thresholds into BEAM range strings. The first
// band starts at zero and each following band starts one above the previous
// threshold.
func IncomeBands(thresholds []float64) []string {
	bands := make([]string, len(thresholds))
	lb := 0.0
	for i, t := range thresholds {
		bands[i] = fmt.Sprintf("[%s:%s]", formatAmount(lb), formatAmount(t))
		lb = t + 1
	}
	return bands
}

// IncentiveRows expands the plan's mode groups into per-mode, per-level rows.
// Levels with a zero amount are omitted.
func (p *Plan) IncentiveRows() ([]IncentiveRow, error) {
	bands := IncomeBands(p.IncomeThresholds)

	var rows []IncentiveRow
	for _, group := range p.Incentives {
		if len(group.Amounts) > len(bands) {
			return nil, fmt.Errorf("mode group %s has %d amounts for %d income levels",
				strings.Join(group.Modes, "+"), len(group.Amounts), len(bands))
		}
		for _, mode := range group.Modes {
			beamMode, err := BeamMode(mode)
			if err != nil {
				return nil, err
			}
			for l, amount := range group.Amounts {
				if amount <= 0 {
					continue
				}
				rows = append(rows, IncentiveRow{
					Mode:   beamMode,
					Age:    IncentiveAgeRange,
					Income: bands[l],
					Amount: amount,
				})
			}
		}
	}
	return rows, nil
}
