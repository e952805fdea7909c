package opt

import (
	"context"
	"fmt"
	"math/rand"

	eaopt "github.com/MaxHalford/eaopt"

	"github.com/cwbudde/bistroopt/internal/space"
)

// DiffEvo runs eaopt differential evolution on the unit cube of the space.
type DiffEvo struct {
	Seed     int64
	PopSize  int
	Parallel bool
}

// Optimize implements Optimizer.
func (d *DiffEvo) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	if budget <= 0 || sp.Dim() == 0 {
		return nil, fmt.Errorf("differential evolution needs a positive budget and parameters")
	}

	agents := max(4, d.PopSize)
	steps := max(1, budget/agents-1)
	ev := newEvaluator(ctx, obj, budget)

	de, err := eaopt.NewDiffEvo(uint(agents), uint(steps), 0, 1, 0.5, 0.2, d.Parallel, rand.New(rand.NewSource(d.Seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to create differential evolution: %w", err)
	}
	if _, _, err := de.Minimize(ev.unit(sp), uint(sp.Dim())); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("differential evolution failed: %w", err)
	}
	return ev.result()
}

// OES runs eaopt's natural evolution strategy starting from the centre of
// the unit cube.
type OES struct {
	Seed     int64
	PopSize  int
	Parallel bool
}

// Optimize implements Optimizer.
func (o *OES) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	if budget <= 0 || sp.Dim() == 0 {
		return nil, fmt.Errorf("evolution strategy needs a positive budget and parameters")
	}

	points := max(2, o.PopSize)
	steps := max(1, budget/points-1)
	ev := newEvaluator(ctx, obj, budget)

	es, err := eaopt.NewOES(uint(points), uint(steps), 0.2, 0.05, o.Parallel, rand.New(rand.NewSource(o.Seed)))
	if err != nil {
		return nil, fmt.Errorf("failed to create evolution strategy: %w", err)
	}

	start := make([]float64, sp.Dim())
	for i := range start {
		start[i] = 0.5
	}
	if _, _, err := es.Minimize(ev.unit(sp), start); err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("evolution strategy failed: %w", err)
	}
	return ev.result()
}
