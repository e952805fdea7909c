package experiment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/bistroopt/internal/opt"
	"github.com/cwbudde/bistroopt/internal/space"
)

var errConverged = errors.New("study converged")

// Study drives an optimizer over an experiment.
type Study struct {
	Experiment *Experiment
	Optimizer  opt.Optimizer
	Budget     int
	// Convergence, when set, ends the study early.
	Convergence *Convergence
	// RunLog, when set, gets trials.csv written once the study ends.
	RunLog *RunLog
}

// Run searches until the budget is spent, the study converges or ctx ends.
// A converged study returns its result without error.
func (s *Study) Run(ctx context.Context) (*opt.Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var mu sync.Mutex
	objective := func(ctx context.Context, p space.Params) (float64, error) {
		loss, err := s.Experiment.Evaluate(ctx, p)
		if s.Convergence != nil && ctx.Err() == nil {
			mu.Lock()
			done := s.Convergence.Update(loss)
			mu.Unlock()
			if done {
				cancel(errConverged)
			}
		}
		return loss, err
	}

	slog.Info("Starting study", "job_id", s.Experiment.jobID, "budget", s.Budget, "parameters", s.Experiment.Space().Dim())
	start := time.Now()
	res, err := s.Optimizer.Optimize(ctx, s.Experiment.Space(), objective, s.Budget)
	if err != nil && errors.Is(context.Cause(ctx), errConverged) && res != nil && res.BestParams != nil {
		err = nil
	}

	if s.RunLog != nil {
		if werr := s.RunLog.WriteSorted(); werr != nil {
			slog.Warn("Failed to write sorted trials", "error", werr)
		}
	}
	if err != nil {
		return res, err
	}

	slog.Info("Study finished",
		"job_id", s.Experiment.jobID,
		"best_loss", res.BestLoss,
		"evaluations", res.Evaluations,
		"failures", res.Failures,
		"elapsed", time.Since(start).Round(time.Second).String(),
	)
	return res, nil
}
