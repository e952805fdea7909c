// Package experiment runs policy evaluations end to end: it writes the
// submission inputs for a parameter set, runs the simulator, reads the KPIs
// and reduces them to a loss.
package experiment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cwbudde/bistroopt/internal/beam"
	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/network"
	"github.com/cwbudde/bistroopt/internal/policy"
	"github.com/cwbudde/bistroopt/internal/space"
)

// Directories below the results path.
const (
	InputsDir = "submission-inputs"
	OutputDir = "output"
)

// Options overrides the components New would otherwise build from the
// config.
type Options struct {
	JobID string
	// Simulator defaults to a DockerSimulator.
	Simulator beam.Simulator
	// Scorer defaults to NewScorer(cfg, ArchiveDir).
	Scorer Scorer
	// ArchiveDir holds the hypervolume archive. Defaults to the results
	// path.
	ArchiveDir string
	// Network is loaded from the configured path when cordons are searched
	// and it is nil.
	Network   *network.Network
	Recorders []Recorder
}

// Experiment evaluates parameter sets. It is safe for concurrent use;
// identical parameter sets are evaluated once.
type Experiment struct {
	cfg       *config.Config
	jobID     string
	space     *space.Space
	writer    *policy.Writer
	sim       beam.Simulator
	scorer    Scorer
	keep      beam.KeepList
	recorders []Recorder

	flight singleflight.Group
	runs   map[string]*sharedRun

	mu       sync.Mutex
	cache    map[string]float64
	samples  int
	bestLoss float64
}

// New wires an experiment from cfg.
func New(cfg *config.Config, o Options) (*Experiment, error) {
	net := o.Network
	if net == nil && cfg.Cordons.Count > 0 {
		var err error
		if net, err = network.Load(cfg.Output.NetworkPath); err != nil {
			return nil, err
		}
	}

	bounds := space.Bounds{MinX: cfg.Cordons.MinX, MaxX: cfg.Cordons.MaxX, MinY: cfg.Cordons.MinY, MaxY: cfg.Cordons.MaxY}
	if net != nil && bounds.MinX == bounds.MaxX {
		b := net.Bound()
		bounds = space.Bounds{MinX: b.Min[0], MaxX: b.Max[0], MinY: b.Min[1], MaxY: b.Max[1]}
	}
	sp, err := space.FromConfig(cfg, bounds)
	if err != nil {
		return nil, err
	}

	writer := &policy.Writer{BaseDir: cfg.Output.BaseInputsDir}
	if net != nil {
		writer.Tolls = func(c []policy.Cordon) []policy.LinkToll { return policy.CordonTolls(net, c) }
	}

	keep := beam.NewKeepList(beam.DefaultKeepFiles...)
	if cfg.Output.KeepFilesPath != "" {
		if keep, err = beam.LoadKeepFiles(cfg.Output.KeepFilesPath, cfg.Simulator.LastIteration); err != nil {
			return nil, err
		}
	}

	if o.ArchiveDir == "" {
		o.ArchiveDir = cfg.Output.ResultsPath
	}
	scorer := o.Scorer
	if scorer == nil {
		if scorer, err = NewScorer(cfg, o.ArchiveDir); err != nil {
			return nil, err
		}
	}

	sim := o.Simulator
	if sim == nil {
		sim = beam.NewDockerSimulator(cfg)
	}

	return &Experiment{
		cfg:       cfg,
		jobID:     o.JobID,
		space:     sp,
		writer:    writer,
		sim:       sim,
		scorer:    scorer,
		keep:      keep,
		recorders: o.Recorders,
		cache:     make(map[string]float64),
		runs:      make(map[string]*sharedRun),
		bestLoss:  math.Inf(1),
	}, nil
}

// Space returns the search space built from the config.
func (e *Experiment) Space() *space.Space {
	return e.space
}

// Preload seeds the cache with losses of earlier evaluations, keyed by
// space.Params.Key, and continues sample numbering after them.
func (e *Experiment) Preload(losses map[string]float64, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range losses {
		e.cache[k] = v
		if v < e.bestLoss {
			e.bestLoss = v
		}
	}
	e.samples = max(e.samples, samples)
}

// Samples returns the number of simulator runs started so far.
func (e *Experiment) Samples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Evaluate returns the loss of params, running the simulator unless the
// same parameter set was evaluated before. A failed run returns +Inf and
// the error. Infeasible parameter sets are rejected without a run.
//
// Concurrent calls for the same parameter set share one run. A caller whose
// ctx ends stops waiting; the run itself is cancelled only once no caller
// waits for it.
func (e *Experiment) Evaluate(ctx context.Context, params space.Params) (float64, error) {
	if !e.space.Feasible(params) {
		slog.Warn("Rejecting infeasible parameter set", "job_id", e.jobID, "params", params.Key())
		return math.Inf(1), fmt.Errorf("%s: %w", params.Key(), space.ErrInfeasible)
	}
	key := params.Key()

	e.mu.Lock()
	loss, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		slog.Info("Reusing cached evaluation", "job_id", e.jobID, "loss", loss)
		e.record(ctx, Trial{Params: params.Clone(), Loss: loss, Cached: true, Finished: time.Now()})
		return loss, nil
	}

	if err := ctx.Err(); err != nil {
		return math.Inf(1), err
	}

	runCtx := e.join(key)
	ch := e.flight.DoChan(key, func() (any, error) {
		return e.run(runCtx, params.Clone())
	})

	select {
	case res := <-ch:
		e.leave(key)
		if res.Err != nil {
			return math.Inf(1), res.Err
		}
		return res.Val.(float64), nil
	case <-ctx.Done():
		if e.leave(key) {
			// Nobody else waits for the run; let it wind down before
			// returning so it cannot record after its caller is gone.
			<-ch
		}
		return math.Inf(1), ctx.Err()
	}
}

// sharedRun is the context of a run and the number of callers waiting for
// it.
type sharedRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers a caller for key and returns the context the run of key
// executes under.
func (e *Experiment) join(key string) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		r = &sharedRun{ctx: ctx, cancel: cancel}
		e.runs[key] = r
	}
	r.waiters++
	return r.ctx
}

// leave drops a caller of key and reports whether it was the last one.
// The last caller cancels the run, and later callers start a fresh one.
func (e *Experiment) leave(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.runs[key]
	r.waiters--
	if r.waiters > 0 {
		return false
	}
	r.cancel()
	delete(e.runs, key)
	e.flight.Forget(key)
	return true
}

func (e *Experiment) run(ctx context.Context, params space.Params) (float64, error) {
	e.mu.Lock()
	e.samples++
	sample := e.samples
	e.mu.Unlock()

	folderID := uuid.NewString()
	results := e.cfg.Output.ResultsPath
	t := Trial{
		Sample:    sample,
		FolderID:  folderID,
		InputDir:  filepath.Join(results, InputsDir, folderID),
		OutputDir: filepath.Join(results, OutputDir, folderID),
		Params:    params,
		Loss:      math.Inf(1),
	}

	slog.Info("Starting evaluation", "job_id", e.jobID, "sample", sample, "folder_id", folderID)
	start := time.Now()
	scores, modes, err := e.simulate(ctx, &t)
	t.RunTime = time.Since(start)
	t.Finished = time.Now()

	if err != nil {
		if ctx.Err() != nil {
			return math.Inf(1), ctx.Err()
		}
		t.Err = err
		slog.Error("Evaluation failed", "job_id", e.jobID, "sample", sample, "folder_id", folderID, "error", err)
		e.record(ctx, t)
		return math.Inf(1), err
	}

	t.KPIs = scores
	t.ModeChoices = modes
	t.Loss, t.Err = e.scorer.Score(sample, scores)
	if t.Err != nil {
		t.Loss = math.Inf(1)
		slog.Error("Scoring failed", "job_id", e.jobID, "sample", sample, "error", t.Err)
		e.record(ctx, t)
		return math.Inf(1), fmt.Errorf("failed to score sample %d: %w", sample, t.Err)
	}

	e.mu.Lock()
	e.cache[params.Key()] = t.Loss
	e.mu.Unlock()

	slog.Info("Evaluation complete", "job_id", e.jobID, "sample", sample, "folder_id", folderID,
		"loss", t.Loss, "run_time", t.RunTime.Round(time.Second).String())
	e.record(ctx, t)
	return t.Loss, nil
}

// simulate writes the inputs, runs the simulator and collects the outputs
// of one trial.
func (e *Experiment) simulate(ctx context.Context, t *Trial) (kpi.Scores, map[string]float64, error) {
	if err := e.WriteInputs(t.InputDir, t.Params); err != nil {
		return nil, nil, err
	}

	if err := e.sim.Run(ctx, beam.RunSpec{ID: t.FolderID, InputDir: t.InputDir, OutputDir: t.OutputDir}); err != nil {
		return nil, nil, err
	}

	runDir, scores, err := e.collect(t.OutputDir)
	if err != nil {
		return nil, nil, err
	}

	modes, err := kpi.ReadModeChoices(runDir)
	if err != nil {
		slog.Warn("Failed to read mode choices", "run_dir", runDir, "error", err)
	}

	src := filepath.Join(runDir, kpi.SubmissionScoresPath)
	if err := copyFile(src, filepath.Join(t.InputDir, filepath.Base(src))); err != nil {
		slog.Warn("Failed to copy submission scores", "src", src, "error", err)
	}

	if e.cfg.Output.Clean {
		if err := beam.CleanOutput(runDir, e.keep, e.cfg.Simulator.LastIteration); err != nil {
			slog.Warn("Failed to clean output", "run_dir", runDir, "error", err)
		}
	}
	return scores, modes, nil
}

// WriteInputs writes the submission input files for params to dir without
// running the simulator.
func (e *Experiment) WriteInputs(dir string, params space.Params) error {
	plan, err := policy.FromParams(params, e.cfg)
	if err != nil {
		return err
	}
	return e.writer.Write(dir, plan)
}

// collect locates the run directory below outputDir and reads its raw
// scores.
func (e *Experiment) collect(outputDir string) (string, kpi.Scores, error) {
	runDir, err := beam.RunDir(outputDir, e.cfg.Simulator.RunDirDepth)
	if err != nil {
		return "", nil, err
	}
	if err := beam.EnsureEvents(runDir, e.cfg.Simulator.LastIteration); err != nil {
		slog.Warn("No events file for toll revenue", "run_dir", runDir, "error", err)
	}
	scores, err := kpi.ReadRawScores(runDir)
	if err != nil {
		return "", nil, err
	}
	return runDir, scores, nil
}

// ScoreExisting scores the output of a finished simulator run without
// launching the simulator.
func (e *Experiment) ScoreExisting(outputDir string) (float64, kpi.Scores, error) {
	_, scores, err := e.collect(outputDir)
	if err != nil {
		return 0, nil, err
	}

	e.mu.Lock()
	e.samples++
	sample := e.samples
	e.mu.Unlock()

	loss, err := e.scorer.Score(sample, scores)
	if err != nil {
		return 0, scores, fmt.Errorf("failed to score %s: %w", outputDir, err)
	}
	return loss, scores, nil
}

func (e *Experiment) record(ctx context.Context, t Trial) {
	e.mu.Lock()
	if t.Loss < e.bestLoss {
		e.bestLoss = t.Loss
	}
	t.BestLoss = e.bestLoss
	e.mu.Unlock()

	for _, r := range e.recorders {
		if err := r.Record(ctx, t); err != nil {
			slog.Warn("Failed to record trial", "job_id", e.jobID, "sample", t.Sample, "error", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
