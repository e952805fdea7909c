package space

import (
	"math"
	"math/rand"

	"github.com/samber/lo"
)

// Increasing requires each named parameter to exceed the previous one by at
// least Gap. Income thresholds of successive eligibility levels use it.
type Increasing struct {
	Names []string
	Gap   float64
}

// Repair raises each level to the previous level plus Gap. A level capped
// at its upper bound pushes the levels before it down instead. When the
// bounds leave no room for every gap the point stays infeasible and
// Satisfied reports it.
func (c Increasing) Repair(s *Space, p Params) {
	for i := 1; i < len(c.Names); i++ {
		if p[c.Names[i]] >= p[c.Names[i-1]]+c.Gap {
			continue
		}
		v := p[c.Names[i-1]] + c.Gap
		if param, ok := s.Param(c.Names[i]); ok && v > param.High {
			v = param.High
			c.lower(s, p, i, v)
		}
		p[c.Names[i]] = v
	}
}

// lower moves the levels before i down until each sits at least Gap below
// its successor, stopping at their lower bounds.
func (c Increasing) lower(s *Space, p Params, i int, next float64) {
	for j := i - 1; j >= 0; j-- {
		limit := next - c.Gap
		if p[c.Names[j]] <= limit {
			return
		}
		if param, ok := s.Param(c.Names[j]); ok {
			limit = math.Max(limit, param.Low)
		}
		p[c.Names[j]] = limit
		next = limit
	}
}

// Satisfied reports whether the levels are strictly increasing.
func (c Increasing) Satisfied(p Params) bool {
	for i := 1; i < len(c.Names); i++ {
		if p[c.Names[i]] < p[c.Names[i-1]]+c.Gap || p[c.Names[i]] <= p[c.Names[i-1]] {
			return false
		}
	}
	return true
}

// Resample draws each level uniformly from the lattice values above the
// previous level.
func (c Increasing) Resample(rng *rand.Rand, s *Space, p Params) {
	for i, name := range c.Names {
		param, ok := s.Param(name)
		if !ok {
			continue
		}
		vals := param.Values()
		if i > 0 {
			prev := p[c.Names[i-1]]
			vals = lo.Filter(vals, func(v float64, _ int) bool { return v > prev })
		}
		if len(vals) == 0 {
			continue // Repair takes over
		}
		p[name] = vals[rng.Intn(len(vals))]
	}
}

// NonIncreasing requires each named parameter to be at most the previous one.
// Subsidy amounts for higher income levels use it.
type NonIncreasing struct {
	Names []string
}

// Repair lowers each level to the previous level when needed.
func (c NonIncreasing) Repair(_ *Space, p Params) {
	for i := 1; i < len(c.Names); i++ {
		if p[c.Names[i]] > p[c.Names[i-1]] {
			p[c.Names[i]] = p[c.Names[i-1]]
		}
	}
}

// Satisfied reports whether the levels never increase.
func (c NonIncreasing) Satisfied(p Params) bool {
	for i := 1; i < len(c.Names); i++ {
		if p[c.Names[i]] > p[c.Names[i-1]] {
			return false
		}
	}
	return true
}

// Resample draws each level from the lattice values not above the previous
// level.
func (c NonIncreasing) Resample(rng *rand.Rand, s *Space, p Params) {
	for i, name := range c.Names {
		param, ok := s.Param(name)
		if !ok {
			continue
		}
		vals := param.Values()
		if i > 0 {
			prev := p[c.Names[i-1]]
			vals = lo.Filter(vals, func(v float64, _ int) bool { return v <= prev })
		}
		if len(vals) == 0 {
			continue
		}
		p[name] = vals[rng.Intn(len(vals))]
	}
}

// WithinDisk keeps the point (X, Y) inside a circle of radius R around
// (CX, CY).
type WithinDisk struct {
	X, Y   string
	CX, CY float64
	R      float64
}

// Repair projects points outside the disk back onto its boundary.
func (c WithinDisk) Repair(s *Space, p Params) {
	dx, dy := p[c.X]-c.CX, p[c.Y]-c.CY
	d := math.Hypot(dx, dy)
	if d <= c.R || d == 0 {
		return
	}
	scale := c.R / d
	x, y := c.CX+dx*scale, c.CY+dy*scale
	if param, ok := s.Param(c.X); ok {
		x = towards(param, x, c.CX)
	}
	if param, ok := s.Param(c.Y); ok {
		y = towards(param, y, c.CY)
	}
	p[c.X], p[c.Y] = x, y
}

// Satisfied reports whether the point lies in the disk. A small tolerance
// absorbs lattice rounding.
func (c WithinDisk) Satisfied(p Params) bool {
	return math.Hypot(p[c.X]-c.CX, p[c.Y]-c.CY) <= c.R*(1+1e-9)+1e-9
}

// Resample draws a point uniformly distributed over the disk area.
func (c WithinDisk) Resample(rng *rand.Rand, s *Space, p Params) {
	theta := rng.Float64() * 2 * math.Pi
	r := c.R * math.Sqrt(rng.Float64())
	x, y := c.CX+r*math.Cos(theta), c.CY+r*math.Sin(theta)
	if param, ok := s.Param(c.X); ok {
		x = towards(param, x, c.CX)
	}
	if param, ok := s.Param(c.Y); ok {
		y = towards(param, y, c.CY)
	}
	p[c.X], p[c.Y] = x, y
}

// towards quantizes v and, if rounding pushed it away from the centre,
// steps one quantum back towards it.
func towards(param Param, v, centre float64) float64 {
	q := param.Quantize(v)
	if param.Kind != QUniform || param.Step <= 0 {
		return q
	}
	if math.Abs(q-centre) > math.Abs(v-centre) {
		if q > centre {
			q -= param.Step
		} else {
			q += param.Step
		}
	}
	return q
}
