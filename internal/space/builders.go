package space

import (
	"fmt"

	"github.com/cwbudde/bistroopt/internal/config"
)

// Parameter names shared with the policy converter and the run log.
func CenterXName(i int) string { return fmt.Sprintf("centerx%d", i) }
func CenterYName(i int) string { return fmt.Sprintf("centery%d", i) }
func RadiusName(i int) string { return fmt.Sprintf("cradius%d", i) }
func TollName(i int) string { return fmt.Sprintf("ctoll%d", i) }
func IncomeName(level int) string { return fmt.Sprintf("incomeThresh%d", level) }
func FareName(i int) string { return fmt.Sprintf("fare%d", i) }

// SubsidyName names the subsidy for mode group g at income level l.
func SubsidyName(g, l int) string {
	return fmt.Sprintf("subsidyVal_mode%d_level%d", g, l)
}

// Bounds is a planar bounding box in network coordinates.
type Bounds struct {
	MinX, MaxX, MinY, MaxY float64
}

// CordonSpace builds centre, radius and per-mile toll parameters for each
// cordon. When configured centroids are present, centres are constrained to
// a disk around them, otherwise they range over the bounds.
func CordonSpace(c config.CordonConfig, b Bounds) *Space {
	s := &Space{}
	if c.Count <= 0 {
		return s
	}

	div := float64(c.Divisions)
	if div <= 0 {
		div = 50
	}
	tollStep := c.TollStep
	if tollStep <= 0 {
		tollStep = 0.1
	}
	maxRadius := c.MaxRadius
	if maxRadius <= 0 {
		maxRadius = b.MaxY - b.MinY
	}

	for i := 0; i < c.Count; i++ {
		minX, maxX, minY, maxY := b.MinX, b.MaxX, b.MinY, b.MaxY
		if i < len(c.Centers) {
			cx, cy, r := c.Centers[i][0], c.Centers[i][1], c.Radii[i]
			minX, maxX = max(minX, cx-r), min(maxX, cx+r)
			minY, maxY = max(minY, cy-r), min(maxY, cy+r)
		}

		s.Add(
			Param{Name: CenterXName(i), Kind: QUniform, Low: minX, High: maxX, Step: stepOf(minX, maxX, div)},
			Param{Name: CenterYName(i), Kind: QUniform, Low: minY, High: maxY, Step: stepOf(minY, maxY, div)},
			Param{Name: RadiusName(i), Kind: QUniform, Low: c.MinRadius, High: maxRadius, Step: stepOf(c.MinRadius, maxRadius, div)},
			Param{Name: TollName(i), Kind: QUniform, Low: c.MinToll, High: c.MaxToll, Step: tollStep},
		)

		if i < len(c.Centers) {
			s.Constrain(WithinDisk{
				X: CenterXName(i), Y: CenterYName(i),
				CX: c.Centers[i][0], CY: c.Centers[i][1],
				R: c.Radii[i],
			})
		}
	}
	return s
}

// IncentiveSpace builds income thresholds per eligibility level and one
// subsidy amount per mode group and level. Thresholds must increase across
// levels and subsidies must not.
func IncentiveSpace(c config.IncentiveConfig) *Space {
	s := &Space{}
	if len(c.Modes) == 0 || c.Levels <= 0 {
		return s
	}

	incomeNames := make([]string, c.Levels)
	for l := 0; l < c.Levels; l++ {
		incomeNames[l] = IncomeName(l)
		s.Add(Param{
			Name: incomeNames[l],
			Kind: QUniform,
			Low:  c.MinIncomeThresh,
			High: c.MaxIncomeThresh,
			Step: c.IncomeInterval,
		})
	}
	s.Constrain(Increasing{Names: incomeNames, Gap: c.IncomeInterval})

	for g := range c.Modes {
		names := make([]string, c.Levels)
		for l := 0; l < c.Levels; l++ {
			names[l] = SubsidyName(g, l)
			s.Add(Param{
				Name: names[l],
				Kind: QUniform,
				Low:  c.SubsidyRanges[g][0],
				High: c.SubsidyRanges[g][1],
				Step: c.SubsidyInterval,
			})
		}
		s.Constrain(NonIncreasing{Names: names})
	}
	return s
}

// FareSpace builds one parameter per searchable transit fare.
func FareSpace(fares []config.FareRange) *Space {
	s := &Space{}
	for i, f := range fares {
		p := Param{Name: FareName(i), Kind: Uniform, Low: f.Min, High: f.Max}
		if f.Step > 0 {
			p.Kind = QUniform
			p.Step = f.Step
		}
		s.Add(p)
	}
	return s
}

// FromConfig assembles the full policy search space.
func FromConfig(cfg *config.Config, b Bounds) (*Space, error) {
	s := &Space{}
	s.Merge(CordonSpace(cfg.Cordons, b))
	s.Merge(IncentiveSpace(cfg.Incentives))
	s.Merge(FareSpace(cfg.Fares))

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("failed to build search space: %w", err)
	}
	return s, nil
}

func stepOf(low, high, div float64) float64 {
	if high <= low {
		return 1
	}
	return (high - low) / div
}
