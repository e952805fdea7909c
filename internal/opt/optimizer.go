// Package opt adapts black-box optimizers to policy search spaces.
package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/cwbudde/bistroopt/internal/space"
)

// Objective evaluates one parameter set and returns its loss. Lower is
// better. An error marks a failed evaluation; the search continues unless
// the context has ended.
type Objective func(ctx context.Context, p space.Params) (float64, error)

// Optimizer searches a space for the parameter set with the lowest loss,
// spending at most budget objective evaluations.
type Optimizer interface {
	Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error)
}

// Result summarises a finished search.
type Result struct {
	BestParams  space.Params
	BestLoss    float64
	Evaluations int
	Failures    int
}

// Options configures the strategies built by New.
type Options struct {
	Seed          int64
	Parallel      int
	StartupTrials int
	PopSize       int
	GridMaxPoints int
	StudyName     string
}

// worstLoss is fed to numeric optimizers for failed or skipped evaluations.
const worstLoss = math.MaxFloat64

var errBudgetSpent = errors.New("evaluation budget spent")

var factories = map[string]func(Options) Optimizer{
	"tpe": func(o Options) Optimizer {
		return &TPE{Seed: o.Seed, Parallel: o.Parallel, StartupTrials: o.StartupTrials, StudyName: o.StudyName}
	},
	"random":  func(o Options) Optimizer { return &Random{Seed: o.Seed, Parallel: o.Parallel} },
	"grid":    func(o Options) Optimizer { return &Grid{Parallel: o.Parallel, MaxPoints: o.GridMaxPoints} },
	"mayfly":  func(o Options) Optimizer { return &Mayfly{Seed: o.Seed, PopSize: o.PopSize} },
	"diffevo": func(o Options) Optimizer { return &DiffEvo{Seed: o.Seed, PopSize: o.PopSize, Parallel: o.Parallel > 1} },
	"oes":     func(o Options) Optimizer { return &OES{Seed: o.Seed, PopSize: o.PopSize, Parallel: o.Parallel > 1} },
}

// New returns the named strategy.
func New(name string, o Options) (Optimizer, error) {
	f, ok := factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return f(o), nil
}

// Names lists the available strategies.
func Names() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// evaluator enforces the budget and tracks the best result. It is safe for
// concurrent use.
type evaluator struct {
	ctx    context.Context
	obj    Objective
	budget int

	mu       sync.Mutex
	started  int
	finished int
	failures int
	best     space.Params
	bestLoss float64
}

func newEvaluator(ctx context.Context, obj Objective, budget int) *evaluator {
	return &evaluator{ctx: ctx, obj: obj, budget: budget, bestLoss: math.Inf(1)}
}

// eval runs the objective once. It returns errBudgetSpent without
// evaluating when the budget is used up, and the context error once the
// context has ended.
func (e *evaluator) eval(p space.Params) (float64, error) {
	if err := e.ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.budget > 0 && e.started >= e.budget {
		e.mu.Unlock()
		return 0, errBudgetSpent
	}
	e.started++
	e.mu.Unlock()

	loss, err := e.obj(e.ctx, p)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished++
	if err != nil || math.IsNaN(loss) {
		e.failures++
		if err == nil {
			err = fmt.Errorf("objective returned NaN")
		}
		return math.Inf(1), err
	}
	if loss < e.bestLoss || e.best == nil {
		e.bestLoss = loss
		e.best = p.Clone()
	}
	return loss, nil
}

// unit adapts eval to optimizers working on the unit cube.
func (e *evaluator) unit(sp *space.Space) func([]float64) float64 {
	return func(x []float64) float64 {
		loss, err := e.eval(sp.Decode(x))
		if err != nil {
			return worstLoss
		}
		return loss
	}
}

func (e *evaluator) exhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget > 0 && e.started >= e.budget
}

// result returns the outcome, or the context error when the search was
// interrupted.
func (e *evaluator) result() (*Result, error) {
	e.mu.Lock()
	res := &Result{
		BestParams:  e.best,
		BestLoss:    e.bestLoss,
		Evaluations: e.finished,
		Failures:    e.failures,
	}
	e.mu.Unlock()

	if err := e.ctx.Err(); err != nil {
		return res, err
	}
	if res.BestParams == nil {
		return res, fmt.Errorf("no successful evaluations out of %d", res.Evaluations)
	}
	return res, nil
}
