package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/bistroopt/internal/store"
)

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager()

	config := JobConfig{
		ConfigPath:  "study.yaml",
		Algorithm:   "tpe",
		Evaluations: 50,
		Seed:        42,
	}

	job := jm.CreateJob(config)

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}

	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}

	if job.Config.ConfigPath != "study.yaml" {
		t.Errorf("Config not set correctly")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{ConfigPath: "study.yaml"})

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}

	if retrieved.ID != job.ID {
		t.Error("Retrieved wrong job")
	}

	_, exists = jm.GetJob("nonexistent")
	if exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestJobManager_GetJobReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{ConfigPath: "study.yaml"})

	jm.UpdateJob(job.ID, func(j *Job) {
		j.BestParams = map[string]float64{"fare0": 1.5}
	})

	snap, _ := jm.GetJob(job.ID)
	snap.BestParams["fare0"] = 99
	snap.State = StateFailed

	again, _ := jm.GetJob(job.ID)
	if again.BestParams["fare0"] != 1.5 {
		t.Errorf("Mutating a snapshot changed the job: %v", again.BestParams)
	}
	if again.State != StatePending {
		t.Errorf("State = %s, want pending", again.State)
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()

	if len(jm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	first := jm.CreateJob(JobConfig{ConfigPath: "a.yaml"})
	second := jm.CreateJob(JobConfig{ConfigPath: "b.yaml"})
	jm.UpdateJob(first.ID, func(j *Job) { j.StartTime = time.Now().Add(-time.Hour) })

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Errorf("Jobs not ordered by start time: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{ConfigPath: "study.yaml"})

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Evaluations = 10
		j.BestLoss = 123.45
	})

	if err != nil {
		t.Errorf("Update should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning {
		t.Error("State should be updated")
	}
	if updated.Evaluations != 10 {
		t.Error("Evaluations should be updated")
	}
	if updated.BestLoss != 123.45 {
		t.Error("BestLoss should be updated")
	}
	if len(jm.GetRunningJobs()) != 1 {
		t.Error("Expected one running job")
	}

	err = jm.UpdateJob("nonexistent", func(j *Job) {})
	if err == nil {
		t.Error("Update of nonexistent job should fail")
	}
}

func TestJobManager_ThreadSafety(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{ConfigPath: "study.yaml"})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			jm.UpdateJob(job.ID, func(j *Job) {
				j.Evaluations++
				time.Sleep(1 * time.Millisecond)
			})
			jm.ListJobs()
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	updated, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should still exist after concurrent updates")
	}
	if updated.Evaluations != 10 {
		t.Errorf("Evaluations = %d, want 10", updated.Evaluations)
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{ConfigPath: "study.yaml"})

	if err := jm.CancelJob(job.ID); err == nil {
		t.Error("Cancelling a job without a worker should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jm.setCancel(job.ID, cancel)

	if err := jm.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if ctx.Err() == nil {
		t.Error("Worker context should be cancelled")
	}

	markJobCancelled(jm, job.ID)
	if err := jm.CancelJob(job.ID); !errors.Is(err, ErrJobFinished) {
		t.Errorf("Expected ErrJobFinished, got %v", err)
	}
	if err := jm.CancelJob("nonexistent"); err == nil {
		t.Error("Cancelling a nonexistent job should fail")
	}
}

func TestJobManager_ResumeJob(t *testing.T) {
	config := JobConfig{ConfigPath: "study.yaml", Algorithm: "tpe", Evaluations: 20}
	cp := store.NewCheckpoint("job-1", map[string]float64{"fare0": 0.5}, 1.25, 8, 1, config)

	jm := NewJobManager()
	job, err := jm.ResumeJob(cp, config)
	if err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	if job.ID != "job-1" || !job.Resumed {
		t.Errorf("Unexpected job: %+v", job)
	}
	if job.Evaluations != 8 || job.Failures != 1 || job.BestLoss != 1.25 {
		t.Errorf("Progress not restored: %+v", job)
	}
	if jm.resumeCheckpoint("job-1") != cp {
		t.Error("Checkpoint not attached to job")
	}

	if _, err := jm.ResumeJob(cp, config); err == nil {
		t.Error("Resuming a job that is still pending should fail")
	}

	other := config
	other.Algorithm = "random"
	jm2 := NewJobManager()
	if _, err := jm2.ResumeJob(cp, other); !errors.Is(err, &store.CompatibilityError{}) {
		t.Errorf("Expected CompatibilityError, got %v", err)
	}

	bad := *cp
	bad.JobID = ""
	if _, err := jm2.ResumeJob(&bad, config); !errors.Is(err, &store.ValidationError{}) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}
