package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/bistroopt/internal/space"
)

// TPE runs a goptuna study with the Tree-structured Parzen Estimator
// sampler. Proposals are repaired onto the space constraints before they
// are evaluated.
type TPE struct {
	Seed          int64
	Parallel      int
	StartupTrials int
	StudyName     string
}

// Optimize implements Optimizer.
func (t *TPE) Optimize(ctx context.Context, sp *space.Space, obj Objective, budget int) (*Result, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("tpe needs a positive budget")
	}

	samplerOpts := []tpe.SamplerOption{tpe.SamplerOptionSeed(t.Seed)}
	if t.StartupTrials > 0 {
		samplerOpts = append(samplerOpts, tpe.SamplerOptionNumberOfStartupTrials(t.StartupTrials))
	}
	name := t.StudyName
	if name == "" {
		name = "bistro"
	}

	study, err := goptuna.CreateStudy(
		name,
		goptuna.StudyOptionSampler(tpe.NewSampler(samplerOpts...)),
		goptuna.StudyOptionSetDirection(goptuna.StudyDirectionMinimize),
		goptuna.StudyOptionIgnoreError(true),
		goptuna.StudyOptionLogger(slog.Default()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create study: %w", err)
	}

	ev := newEvaluator(ctx, obj, budget)
	objective := func(trial goptuna.Trial) (float64, error) {
		p, err := suggest(trial, sp)
		if err != nil {
			return 0, err
		}
		sp.Repair(p)
		return ev.eval(p)
	}

	workers := max(1, t.Parallel)
	eg, egCtx := errgroup.WithContext(ctx)
	study.WithContext(egCtx)
	for w := 0; w < workers; w++ {
		n := budget / workers
		if w < budget%workers {
			n++
		}
		if n == 0 {
			continue
		}
		eg.Go(func() error {
			err := study.Optimize(objective, n)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("tpe study failed: %w", err)
	}

	if v, err := study.GetBestValue(); err == nil {
		slog.Debug("TPE study finished", "study", name, "best_value", v)
	}
	return ev.result()
}

// suggest draws one value per parameter from the trial.
func suggest(trial goptuna.Trial, sp *space.Space) (space.Params, error) {
	p := make(space.Params, sp.Dim())
	for _, param := range sp.Params {
		var (
			v   float64
			err error
		)
		switch param.Kind {
		case space.Uniform:
			v, err = trial.SuggestFloat(param.Name, param.Low, param.High)
		case space.QUniform:
			v, err = trial.SuggestDiscreteFloat(param.Name, param.Low, param.High, param.Step)
		case space.Int:
			var i int
			i, err = trial.SuggestInt(param.Name, int(param.Low), int(param.High))
			v = float64(i)
		case space.Choice:
			choices := make([]string, len(param.Choices))
			for i, c := range param.Choices {
				choices[i] = strconv.FormatFloat(c, 'g', -1, 64)
			}
			var s string
			s, err = trial.SuggestCategorical(param.Name, choices)
			if err == nil {
				v, err = strconv.ParseFloat(s, 64)
			}
		default:
			err = fmt.Errorf("unsupported parameter kind %v", param.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to suggest %s: %w", param.Name, err)
		}
		p[param.Name] = param.Quantize(v)
	}
	return p, nil
}
