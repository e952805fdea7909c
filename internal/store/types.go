package store

import (
	"fmt"
	"math"
	"time"
)

// JobConfig is the study configuration copied into a checkpoint. It mirrors
// the fields of server.JobConfig that decide whether a study can resume.
type JobConfig struct {
	ConfigPath  string `json:"configPath"`
	Algorithm   string `json:"algorithm"`
	Evaluations int    `json:"evaluations"`
	Seed        int64  `json:"seed"`
	Hypervolume bool   `json:"hypervolume"`
	Profile     string `json:"profile,omitempty"`
	// CheckpointInterval is in seconds; 0 disables periodic checkpoints.
	CheckpointInterval int `json:"checkpointInterval,omitempty"`
}

// Checkpoint is the persisted state of a study.
//
// Only the best parameter set and the evaluation count are saved. The
// optimizer's internal state (TPE history, mayfly population) is rebuilt on
// resume; evaluated parameter sets are recovered from the trial database so
// the simulator is not rerun for points that were already scored.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// BestParams is the parameter set with the lowest loss so far. It is
	// empty when no evaluation has succeeded yet.
	BestParams map[string]float64 `json:"bestParams"`

	// BestLoss is the loss of BestParams. Hypervolume studies report negative
	// losses.
	BestLoss float64 `json:"bestLoss"`

	// Evaluations counts finished simulator runs, failed ones included.
	Evaluations int `json:"evaluations"`
	Failures    int `json:"failures"`
	// Cached counts optimizer calls answered from earlier results. They
	// spend budget without running the simulator.
	Cached int `json:"cached,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Config JobConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint.
type CheckpointInfo struct {
	JobID       string    `json:"jobId"`
	BestLoss    float64   `json:"bestLoss"`
	Evaluations int       `json:"evaluations"`
	Budget      int       `json:"budget"`
	Timestamp   time.Time `json:"timestamp"`
	Algorithm   string    `json:"algorithm"`
	ConfigPath  string    `json:"configPath"`
}

// NewCheckpoint creates a checkpoint from study state.
func NewCheckpoint(jobID string, bestParams map[string]float64, bestLoss float64, evaluations, failures int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:       jobID,
		BestParams:  bestParams,
		BestLoss:    bestLoss,
		Evaluations: evaluations,
		Failures:    failures,
		Timestamp:   time.Now(),
		Config:      config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:       c.JobID,
		BestLoss:    c.BestLoss,
		Evaluations: c.Evaluations,
		Budget:      c.Config.Evaluations,
		Timestamp:   c.Timestamp,
		Algorithm:   c.Config.Algorithm,
		ConfigPath:  c.Config.ConfigPath,
	}
}

// Spent returns the number of optimizer calls charged to the budget.
func (c *Checkpoint) Spent() int {
	return c.Evaluations + c.Cached
}

// Remaining returns the number of evaluations left in the budget.
func (c *Checkpoint) Remaining() int {
	return max(0, c.Config.Evaluations-c.Spent())
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if c.Evaluations < 0 {
		return &ValidationError{Field: "Evaluations", Reason: "cannot be negative"}
	}
	if c.Cached < 0 {
		return &ValidationError{Field: "Cached", Reason: "cannot be negative"}
	}
	if c.Failures < 0 || c.Failures > c.Evaluations {
		return &ValidationError{Field: "Failures", Reason: fmt.Sprintf("must be between 0 and %d", c.Evaluations)}
	}
	if c.Evaluations > c.Failures && len(c.BestParams) == 0 {
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty after a successful evaluation"}
	}
	if len(c.BestParams) > 0 && (math.IsNaN(c.BestLoss) || math.IsInf(c.BestLoss, 0)) {
		return &ValidationError{Field: "BestLoss", Reason: "must be finite"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.ConfigPath == "" {
		return &ValidationError{Field: "Config.ConfigPath", Reason: "cannot be empty"}
	}
	if c.Config.Algorithm == "" {
		return &ValidationError{Field: "Config.Algorithm", Reason: "cannot be empty"}
	}
	if c.Config.Evaluations <= 0 {
		return &ValidationError{Field: "Config.Evaluations", Reason: "must be positive"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.ConfigPath != config.ConfigPath {
		return &CompatibilityError{
			Field:    "ConfigPath",
			Expected: c.Config.ConfigPath,
			Actual:   config.ConfigPath,
		}
	}
	if c.Config.Algorithm != config.Algorithm {
		return &CompatibilityError{
			Field:    "Algorithm",
			Expected: c.Config.Algorithm,
			Actual:   config.Algorithm,
		}
	}
	if c.Config.Hypervolume != config.Hypervolume {
		return &CompatibilityError{
			Field:    "Hypervolume",
			Expected: fmt.Sprintf("%t", c.Config.Hypervolume),
			Actual:   fmt.Sprintf("%t", config.Hypervolume),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

func (e *CompatibilityError) Is(target error) bool {
	_, ok := target.(*CompatibilityError)
	return ok
}
