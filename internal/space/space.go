package space

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Kind is the distribution family of a parameter.
type Kind string

const (
	Uniform  Kind = "uniform"
	QUniform Kind = "quniform"
	Int      Kind = "int"
	Choice   Kind = "choice"
)

// ErrInfeasible is returned when a point violates a constraint.
var ErrInfeasible = errors.New("point violates search space constraints")

// Param is one searchable dimension.
type Param struct {
	Name    string
	Kind    Kind
	Low     float64
	High    float64
	Step    float64   // quantum for QUniform
	Choices []float64 // values for Choice
}

// Quantize snaps v onto the parameter's lattice and bounds.
func (p Param) Quantize(v float64) float64 {
	switch p.Kind {
	case QUniform:
		if p.Step > 0 {
			v = RoundNearest(v, p.Step)
		}
	case Int:
		v = math.Round(v)
	case Choice:
		return nearest(p.Choices, v)
	}
	return lo.Clamp(v, p.Low, p.High)
}

// FromUnit maps u in [0,1] onto the parameter range.
func (p Param) FromUnit(u float64) float64 {
	u = lo.Clamp(u, 0, 1)
	if p.Kind == Choice {
		if len(p.Choices) == 0 {
			return 0
		}
		idx := int(u * float64(len(p.Choices)))
		if idx >= len(p.Choices) {
			idx = len(p.Choices) - 1
		}
		return p.Choices[idx]
	}
	return p.Quantize(p.Low + u*(p.High-p.Low))
}

// Values enumerates the lattice points of the parameter. Uniform parameters
// without a step are split into gridDivisions intervals.
func (p Param) Values() []float64 {
	const gridDivisions = 10

	switch p.Kind {
	case Choice:
		return append([]float64(nil), p.Choices...)
	case Int:
		var vals []float64
		for v := math.Ceil(p.Low); v <= p.High; v++ {
			vals = append(vals, v)
		}
		return vals
	}

	step := p.Step
	if step <= 0 {
		step = (p.High - p.Low) / gridDivisions
	}
	if step <= 0 {
		return []float64{p.Low}
	}

	var vals []float64
	n := int(math.Floor((p.High-p.Low)/step + 1e-9))
	for i := 0; i <= n; i++ {
		vals = append(vals, p.Low+float64(i)*step)
	}
	return vals
}

// Validate checks the parameter definition.
func (p Param) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}
	switch p.Kind {
	case Uniform, Int:
	case QUniform:
		if p.Step <= 0 {
			return fmt.Errorf("parameter %s: quniform step must be positive", p.Name)
		}
	case Choice:
		if len(p.Choices) == 0 {
			return fmt.Errorf("parameter %s: choice needs at least one value", p.Name)
		}
		return nil
	default:
		return fmt.Errorf("parameter %s: unknown kind %q", p.Name, p.Kind)
	}
	if p.High < p.Low {
		return fmt.Errorf("parameter %s: high %g below low %g", p.Name, p.High, p.Low)
	}
	return nil
}

// Params is a concrete point in a search space.
type Params map[string]float64

// Clone returns a copy of the point.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := lo.Keys(p)
	sort.Strings(names)
	return names
}

// Key is a canonical string form used to memoise evaluations.
func (p Params) Key() string {
	var b strings.Builder
	for i, name := range p.Names() {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p[name], 'g', 12, 64))
	}
	return b.String()
}

// Constraint couples several parameters.
type Constraint interface {
	// Repair moves p onto the feasible set in place.
	Repair(s *Space, p Params)
	// Satisfied reports whether p is feasible.
	Satisfied(p Params) bool
}

// Resampler is implemented by constraints that know how to draw feasible
// values directly instead of relying on Repair.
type Resampler interface {
	Resample(rng *rand.Rand, s *Space, p Params)
}

// Space is an ordered set of parameters plus coupling constraints.
type Space struct {
	Params      []Param
	Constraints []Constraint
}

// New creates a space from the given parameters.
func New(params ...Param) *Space {
	return &Space{Params: params}
}

// Add appends parameters.
func (s *Space) Add(params ...Param) {
	s.Params = append(s.Params, params...)
}

// Constrain appends constraints.
func (s *Space) Constrain(cs ...Constraint) {
	s.Constraints = append(s.Constraints, cs...)
}

// Merge appends another space's parameters and constraints.
func (s *Space) Merge(other *Space) {
	if other == nil {
		return
	}
	s.Params = append(s.Params, other.Params...)
	s.Constraints = append(s.Constraints, other.Constraints...)
}

// Dim returns the number of parameters.
func (s *Space) Dim() int {
	return len(s.Params)
}

// Param looks a parameter up by name.
func (s *Space) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Validate checks all parameters and name uniqueness.
func (s *Space) Validate() error {
	if len(s.Params) == 0 {
		return fmt.Errorf("search space is empty")
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Decode maps a point of the unit cube onto a feasible parameter set.
func (s *Space) Decode(unit []float64) Params {
	p := make(Params, len(s.Params))
	for i, param := range s.Params {
		var u float64
		if i < len(unit) {
			u = unit[i]
		}
		p[param.Name] = param.FromUnit(u)
	}
	s.Repair(p)
	return p
}

// Encode maps a parameter set back onto the unit cube.
func (s *Space) Encode(p Params) []float64 {
	unit := make([]float64, len(s.Params))
	for i, param := range s.Params {
		v := p[param.Name]
		if param.Kind == Choice {
			idx := lo.IndexOf(param.Choices, v)
			if idx >= 0 && len(param.Choices) > 0 {
				unit[i] = (float64(idx) + 0.5) / float64(len(param.Choices))
			}
			continue
		}
		if param.High > param.Low {
			unit[i] = lo.Clamp((v-param.Low)/(param.High-param.Low), 0, 1)
		}
	}
	return unit
}

// Sample draws a random feasible point.
func (s *Space) Sample(rng *rand.Rand) Params {
	p := make(Params, len(s.Params))
	for _, param := range s.Params {
		p[param.Name] = param.FromUnit(rng.Float64())
	}
	for _, c := range s.Constraints {
		if r, ok := c.(Resampler); ok {
			r.Resample(rng, s, p)
		}
	}
	s.Repair(p)
	return p
}

// Repair projects p onto every constraint.
func (s *Space) Repair(p Params) {
	for _, c := range s.Constraints {
		c.Repair(s, p)
	}
}

// Feasible reports whether p satisfies every constraint.
func (s *Space) Feasible(p Params) bool {
	for _, c := range s.Constraints {
		if !c.Satisfied(p) {
			return false
		}
	}
	return true
}

// Check returns ErrInfeasible when p lacks a parameter of the space or
// violates a constraint.
func (s *Space) Check(p Params) error {
	for _, param := range s.Params {
		if _, ok := p[param.Name]; !ok {
			return fmt.Errorf("missing parameter %s: %w", param.Name, ErrInfeasible)
		}
	}
	if !s.Feasible(p) {
		return fmt.Errorf("%s: %w", p.Key(), ErrInfeasible)
	}
	return nil
}

// Grid enumerates the cartesian product of all parameter lattices, dropping
// infeasible points. It refuses to build grids larger than maxPoints.
func (s *Space) Grid(maxPoints int) ([]Params, error) {
	axes := make([][]float64, len(s.Params))
	total := 1
	for i, param := range s.Params {
		axes[i] = param.Values()
		if len(axes[i]) == 0 {
			return nil, fmt.Errorf("parameter %s has no grid values", param.Name)
		}
		total *= len(axes[i])
		if maxPoints > 0 && total > maxPoints {
			return nil, fmt.Errorf("grid exceeds %d points", maxPoints)
		}
	}

	points := make([]Params, 0, total)
	idx := make([]int, len(axes))
	for {
		p := make(Params, len(s.Params))
		for i, param := range s.Params {
			p[param.Name] = axes[i][idx[i]]
		}
		if s.Feasible(p) {
			points = append(points, p)
		}

		// Odometer increment
		k := len(idx) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < len(axes[k]) {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			break
		}
	}
	return points, nil
}

// RoundNearest rounds x to the nearest multiple of a.
func RoundNearest(x, a float64) float64 {
	if a == 0 {
		return x
	}
	return math.Round(x/a) * a
}

func nearest(choices []float64, v float64) float64 {
	if len(choices) == 0 {
		return v
	}
	best := choices[0]
	for _, c := range choices[1:] {
		if math.Abs(c-v) < math.Abs(best-v) {
			best = c
		}
	}
	return best
}
