package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/bistroopt/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether a job in this state will not change again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// ErrJobFinished is returned when cancelling a job that already ended.
var ErrJobFinished = errors.New("job already finished")

// Job is one optimization study run by the server.
type Job struct {
	ID     string    `json:"id"`
	State  JobState  `json:"state"`
	Config JobConfig `json:"config"`
	// BestParams is empty until an evaluation succeeds; BestLoss is
	// meaningless until then.
	BestParams  map[string]float64 `json:"bestParams,omitempty"`
	BestLoss    float64            `json:"bestLoss"`
	Evaluations int                `json:"evaluations"`
	Failures    int                `json:"failures"`
	Cached      int                `json:"cached"`
	Resumed     bool               `json:"resumed,omitempty"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     *time.Time         `json:"endTime,omitempty"`
	Error       string             `json:"error,omitempty"`

	cancel context.CancelFunc
	resume *store.Checkpoint
}

// HasResult reports whether at least one evaluation succeeded.
func (j *Job) HasResult() bool {
	return len(j.BestParams) > 0
}

func (j *Job) snapshot() *Job {
	c := *j
	c.BestParams = maps.Clone(j.BestParams)
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	return &c
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.snapshot()
}

// ResumeJob registers a pending job that continues from a checkpoint under
// the checkpoint's job id. config must be compatible with the checkpoint;
// its Evaluations is the total budget including the evaluations already
// spent.
func (jm *JobManager) ResumeJob(cp *store.Checkpoint, config JobConfig) (*Job, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := cp.IsCompatible(config); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.jobs[cp.JobID]; ok && !existing.State.Terminal() {
		return nil, fmt.Errorf("job %s is still %s", cp.JobID, existing.State)
	}

	job := &Job{
		ID:          cp.JobID,
		State:       StatePending,
		Config:      config,
		BestParams:  maps.Clone(cp.BestParams),
		BestLoss:    cp.BestLoss,
		Evaluations: cp.Evaluations,
		Failures:    cp.Failures,
		Cached:      cp.Cached,
		Resumed:     true,
		StartTime:   time.Now(),
		resume:      cp,
	}
	jm.jobs[job.ID] = job
	jm.broadcaster.CleanupJob(job.ID)
	return job.snapshot(), nil
}

// GetJob returns a copy of the job with the given id.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.snapshot(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.snapshot())
		}
	}
	return runningJobs
}

// CancelJob stops a pending or running job. The worker marks the job
// cancelled once the running evaluations have stopped.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State.Terminal() {
		return ErrJobFinished
	}
	if job.cancel == nil {
		return fmt.Errorf("job %s has no worker", id)
	}
	job.cancel()
	return nil
}

func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job, ok := jm.jobs[id]; ok {
		job.cancel = cancel
	}
}

func (jm *JobManager) resumeCheckpoint(id string) *store.Checkpoint {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if job, ok := jm.jobs[id]; ok {
		return job.resume
	}
	return nil
}
