package store

// Store persists study checkpoints. Implementations must be safe for
// concurrent use.
//
// Load and Delete return an error matching ErrNotFound when the job has no
// checkpoint.
type Store interface {
	// SaveCheckpoint atomically saves (or overwrites) the checkpoint of a job.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint of a job.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all checkpoints, newest first.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the job directory: checkpoint.json,
	// trace.jsonl and the per-job frontier and run logs.
	DeleteCheckpoint(jobID string) error

	// JobDir returns the directory holding a job's artifacts.
	JobDir(jobID string) string
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
