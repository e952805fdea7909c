package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"

	"github.com/cwbudde/bistroopt/internal/space"
)

// Mayfly runs the mayfly metaheuristic on the unit cube of the space.
type Mayfly struct {
	Seed    int64
	PopSize int
}

// minMayflyPop is the smallest population the library accepts.
const minMayflyPop = 20

// Optimize implements Optimizer. Each iteration costs roughly two
// evaluations per mayfly, so the iteration count is derived from budget.
func (m *Mayfly) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("mayfly needs a positive budget")
	}
	if sp.Dim() == 0 {
		return nil, fmt.Errorf("mayfly needs at least one parameter")
	}

	pop := max(minMayflyPop, m.PopSize)
	ev := newEvaluator(ctx, obj, budget)

	cfg := mayfly.NewDefaultConfig()
	cfg.ObjectiveFunc = ev.unit(sp)
	cfg.ProblemSize = sp.Dim()
	cfg.MaxIterations = max(1, budget/(2*pop))
	cfg.NPop = pop
	cfg.NPopF = pop
	// NC/2 parent pairs are drawn from both populations.
	cfg.NC = 2 * pop
	cfg.NM = max(1, int(math.Round(0.05*float64(pop))))
	cfg.LowerBound = 0
	cfg.UpperBound = 1
	cfg.Rand = rand.New(rand.NewSource(m.Seed))

	if _, err := runMayfly(cfg); err != nil && !ev.exhausted() && ctx.Err() == nil {
		return nil, err
	}
	return ev.result()
}

func runMayfly(cfg *mayfly.Config) (_ *mayfly.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()
	return mayfly.Optimize(cfg)
}
