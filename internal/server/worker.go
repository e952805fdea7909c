package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cwbudde/bistroopt/internal/beam"
	"github.com/cwbudde/bistroopt/internal/config"
	"github.com/cwbudde/bistroopt/internal/experiment"
	"github.com/cwbudde/bistroopt/internal/metrics"
	"github.com/cwbudde/bistroopt/internal/opt"
	"github.com/cwbudde/bistroopt/internal/store"
)

const defaultProgressInterval = 500 * time.Millisecond

// Options holds the resources shared by all jobs.
type Options struct {
	// DataDir holds checkpoints, traces and per-job run logs.
	DataDir string
	// Trials, when set, records every simulator run and lets resumed jobs
	// skip parameter sets that were already scored.
	Trials  *store.TrialDB
	Metrics *metrics.Collector
	// Simulator defaults to launching BEAM in Docker.
	Simulator beam.Simulator
	// ProgressInterval throttles progress events. Defaults to 500ms.
	ProgressInterval time.Duration
}

// Runner executes the studies registered with a JobManager.
type Runner struct {
	store            store.Store
	dataDir          string
	trials           *store.TrialDB
	metrics          *metrics.Collector
	simulator        beam.Simulator
	progressInterval time.Duration
}

// NewRunner creates a runner storing job state below o.DataDir.
func NewRunner(o Options) (*Runner, error) {
	fs, err := store.NewFSStore(o.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}
	interval := o.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	return &Runner{
		store:            fs,
		dataDir:          o.DataDir,
		trials:           o.Trials,
		metrics:          o.Metrics,
		simulator:        o.Simulator,
		progressInterval: interval,
	}, nil
}

// Store returns the checkpoint store.
func (r *Runner) Store() store.Store {
	return r.store
}

// ResolveJobConfig loads the settings file named by jc and applies the job
// overrides to it. Job fields left unset are filled from the file, so the
// returned JobConfig describes the study that will actually run.
func ResolveJobConfig(jc JobConfig) (JobConfig, *config.Config, error) {
	if jc.ConfigPath == "" {
		return jc, nil, errors.New("configPath is required")
	}
	cfg, err := config.Load(jc.ConfigPath)
	if err != nil {
		return jc, nil, err
	}

	if jc.Algorithm != "" {
		cfg.Search.Algorithm = jc.Algorithm
	}
	jc.Algorithm = cfg.Search.Algorithm
	if jc.Evaluations > 0 {
		cfg.Search.Evaluations = jc.Evaluations
	}
	jc.Evaluations = cfg.Search.Evaluations
	if jc.Seed != 0 {
		cfg.Search.Seed = jc.Seed
	}
	jc.Seed = cfg.Search.Seed
	if jc.Hypervolume {
		cfg.Scoring.Hypervolume = true
	}
	jc.Hypervolume = cfg.Scoring.Hypervolume
	// Custom weights in the file win over the file's own profile. Only a
	// different profile on the job replaces them, so a resolved JobConfig
	// resolves to the same study again.
	if jc.Profile != "" && jc.Profile != cfg.Scoring.Profile {
		cfg.Scoring.Profile = jc.Profile
		cfg.Scoring.Weights = nil
	}
	jc.Profile = cfg.Scoring.Profile

	if jc.Evaluations <= 0 {
		return jc, nil, fmt.Errorf("evaluations must be positive, got %d", jc.Evaluations)
	}
	if _, err := opt.New(jc.Algorithm, opt.Options{}); err != nil {
		return jc, nil, err
	}
	if jc.CheckpointInterval < 0 {
		return jc, nil, fmt.Errorf("checkpointInterval cannot be negative")
	}
	return jc, cfg, nil
}

func optimizerOptions(cfg *config.Config) opt.Options {
	return opt.Options{
		Seed:          cfg.Search.Seed,
		Parallel:      cfg.Search.Parallel,
		StartupTrials: cfg.Search.StartupTrials,
		PopSize:       cfg.Search.PopSize,
		GridMaxPoints: cfg.Search.GridMaxPoints,
		StudyName:     cfg.Search.StudyName,
	}
}

// Run executes a study job until its budget is spent, it converges or ctx
// ends. A checkpoint is saved when the job stops, and periodically when the
// job has a checkpoint interval.
func (r *Runner) Run(ctx context.Context, jm *JobManager, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.JobStarted()
		defer r.metrics.JobFinished()
	}

	slog.Info("Starting job", "job_id", jobID, "config", job.Config.ConfigPath,
		"algorithm", job.Config.Algorithm, "evaluations", job.Config.Evaluations, "resumed", job.Resumed)

	study, cleanup, err := r.prepare(ctx, jm, job)
	if err != nil {
		markJobFailed(jm, jobID, err)
		broadcastState(jm, jobID)
		return err
	}
	defer cleanup()

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		broadcastState(jm, jobID)
		return ctx.Err()
	default:
	}

	if study.Budget <= 0 {
		slog.Info("Budget already spent", "job_id", jobID)
		markJobCompleted(jm, jobID)
		broadcastState(jm, jobID)
		return nil
	}

	start := time.Now()
	done := make(chan struct{})
	var wg conc.WaitGroup
	wg.Go(func() { monitorProgress(ctx, jm, jobID, start, r.progressInterval, done) })
	if job.Config.CheckpointInterval > 0 {
		interval := time.Duration(job.Config.CheckpointInterval) * time.Second
		wg.Go(func() { monitorCheckpoints(ctx, jm, r.store, jobID, interval, done) })
	}

	_, err = study.Run(ctx)
	close(done)
	wg.Wait()

	if cerr := saveCheckpoint(jm, r.store, jobID); cerr != nil {
		slog.Error("Failed to save checkpoint", "job_id", jobID, "error", cerr)
	}

	switch {
	case ctx.Err() != nil:
		markJobCancelled(jm, jobID)
		broadcastState(jm, jobID)
		return ctx.Err()
	case err != nil:
		markJobFailed(jm, jobID, err)
		broadcastState(jm, jobID)
		return err
	}

	markJobCompleted(jm, jobID)
	final, _ := jm.GetJob(jobID)
	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", time.Since(start).Round(time.Second).String(),
		"best_loss", final.BestLoss,
		"evaluations", final.Evaluations,
		"failures", final.Failures,
		"cached", final.Cached,
	)
	broadcastState(jm, jobID)
	return nil
}

// prepare wires the experiment and optimizer of a job. cleanup closes the
// job's trace.
func (r *Runner) prepare(ctx context.Context, jm *JobManager, job *Job) (*experiment.Study, func(), error) {
	_, cfg, err := ResolveJobConfig(job.Config)
	if err != nil {
		return nil, nil, err
	}

	jobDir := r.store.JobDir(job.ID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	resume := jm.resumeCheckpoint(job.ID)

	trace, err := store.NewTraceWriter(r.dataDir, job.ID, resume != nil)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := trace.Close(); err != nil {
			slog.Warn("Failed to close trace", "job_id", job.ID, "error", err)
		}
	}

	runLog := &experiment.RunLog{Dir: jobDir}
	recorders := []experiment.Recorder{runLog, experiment.TraceRecorder(trace), progressRecorder(jm, job.ID)}
	if r.trials != nil {
		recorders = append(recorders, experiment.DBRecorder(r.trials, job.ID))
	}
	if r.metrics != nil {
		recorders = append(recorders, experiment.MetricsRecorder(r.metrics, job.ID))
	}

	exp, err := experiment.New(cfg, experiment.Options{
		JobID:      job.ID,
		Simulator:  r.simulator,
		ArchiveDir: jobDir,
		Recorders:  recorders,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	budget := job.Config.Evaluations
	if resume != nil {
		// Cached hits spent optimizer budget too.
		budget = max(0, job.Config.Evaluations-resume.Spent())
		// A fresh seed keeps the optimizer from replaying the points the
		// first run already proposed.
		cfg.Search.Seed += int64(resume.Spent())

		losses := map[string]float64{}
		if r.trials != nil {
			if losses, err = r.trials.Losses(ctx, job.ID); err != nil {
				slog.Warn("Failed to load earlier trials", "job_id", job.ID, "error", err)
				losses = map[string]float64{}
			}
		}
		exp.Preload(losses, resume.Evaluations)
		slog.Info("Resuming job", "job_id", job.ID, "spent", resume.Spent(), "remaining", budget, "cached", len(losses))
	}

	optimizer, err := opt.New(cfg.Search.Algorithm, optimizerOptions(cfg))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	study := &experiment.Study{
		Experiment:  exp,
		Optimizer:   optimizer,
		Budget:      budget,
		Convergence: experiment.NewConvergence(cfg.Search.Patience, cfg.Search.Threshold),
		RunLog:      runLog,
	}
	return study, cleanup, nil
}

// progressRecorder folds every trial into the job's counters and best
// result.
func progressRecorder(jm *JobManager, jobID string) experiment.Recorder {
	return experiment.RecorderFunc(func(_ context.Context, t experiment.Trial) error {
		return jm.UpdateJob(jobID, func(j *Job) {
			if t.Cached {
				j.Cached++
				return
			}
			j.Evaluations++
			if t.Failed() {
				j.Failures++
				return
			}
			if !j.HasResult() || t.Loss < j.BestLoss {
				j.BestLoss = t.Loss
				j.BestParams = maps.Clone(t.Params)
			}
		})
	})
}

// monitorProgress periodically broadcasts progress events during optimization
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, startTime time.Time, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(newProgressEvent(job, time.Since(startTime)))
		}
	}
}

func broadcastState(jm *JobManager, jobID string) {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return
	}
	jm.broadcaster.Broadcast(newProgressEvent(job, job.elapsed()))
}

func markJobCompleted(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.EndTime = &endTime
	})
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
}

// monitorCheckpoints periodically saves checkpoints during optimization
func monitorCheckpoints(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string, interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(jm, checkpointStore, jobID); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			}
		}
	}
}

// saveCheckpoint saves a checkpoint for the given job
func saveCheckpoint(jm *JobManager, checkpointStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if job.Evaluations == 0 {
		slog.Debug("Skipping checkpoint, no evaluations yet", "job_id", jobID)
		return nil
	}

	bestLoss := job.BestLoss
	if !job.HasResult() {
		bestLoss = 0
	}
	checkpoint := store.NewCheckpoint(jobID, job.BestParams, bestLoss, job.Evaluations, job.Failures, job.Config)
	checkpoint.Cached = job.Cached

	if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	slog.Info("Checkpoint saved",
		"job_id", jobID,
		"evaluations", job.Evaluations,
		"cached", job.Cached,
		"best_loss", bestLoss,
	)
	return nil
}
