package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/sourcegraph/conc/pool"

	"github.com/cwbudde/bistroopt/internal/space"
)

// Random draws constraint-aware samples and evaluates them on a bounded
// worker pool.
type Random struct {
	Seed     int64
	Parallel int
}

// Optimize implements Optimizer.
func (r *Random) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("random search needs a positive budget")
	}

	rng := rand.New(rand.NewSource(r.Seed))
	points := make([]space.Params, budget)
	for i := range points {
		points[i] = sp.Sample(rng)
	}
	return evaluateAll(ctx, points, obj, r.Parallel)
}

// Grid evaluates the feasible points of the quantised lattice in order.
type Grid struct {
	Parallel  int
	MaxPoints int
}

// Optimize implements Optimizer. With a positive budget only the first
// budget grid points are evaluated.
func (g *Grid) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	points, err := sp.Grid(g.MaxPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to build grid: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("grid has no feasible points")
	}
	if budget > 0 && budget < len(points) {
		slog.Warn("Grid truncated to budget", "grid_points", len(points), "budget", budget)
		points = points[:budget]
	}
	return evaluateAll(ctx, points, obj, g.Parallel)
}

func evaluateAll(ctx context.Context, points []space.Params, obj Objective, parallel int) (*Result, error) {
	ev := newEvaluator(ctx, obj, len(points))

	p := pool.New().WithMaxGoroutines(max(1, parallel)).WithContext(ctx)
	for _, params := range points {
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) error {
			_, err := ev.eval(params)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}
	// context errors are reported by result
	_ = p.Wait()
	return ev.result()
}
