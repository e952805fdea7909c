package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Trial is one evaluated parameter set.
type Trial struct {
	JobID      string
	Evaluation int
	FolderID   string
	ParamsKey  string
	Params     map[string]float64
	// Loss is +Inf for failed runs.
	Loss      float64
	Failed    bool
	KPIs      map[string]float64
	RunTime   time.Duration
	CreatedAt time.Time
}

// TrialDB records trials in SQLite so studies can be inspected and resumed
// without rerunning the simulator.
type TrialDB struct {
	db   *sql.DB
	path string
}

const trialSchema = `
CREATE TABLE IF NOT EXISTS trials (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	evaluation  INTEGER NOT NULL,
	folder_id   TEXT NOT NULL,
	params_key  TEXT NOT NULL,
	params      TEXT NOT NULL,
	loss        REAL,
	failed      INTEGER NOT NULL DEFAULT 0,
	kpis        TEXT NOT NULL DEFAULT '{}',
	run_seconds REAL NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trials_job ON trials(job_id, evaluation);
CREATE INDEX IF NOT EXISTS idx_trials_key ON trials(job_id, params_key);
`

// OpenTrialDB opens (and if needed creates) the trial database at path.
func OpenTrialDB(path string) (*TrialDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial database: %w", err)
	}
	// single writer; WAL lets the server read while a study records
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(trialSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create trial schema: %w", err)
	}

	return &TrialDB{db: db, path: path}, nil
}

// Path returns the database file.
func (t *TrialDB) Path() string {
	return t.path
}

// Close closes the database.
func (t *TrialDB) Close() error {
	return t.db.Close()
}

// Record inserts a trial.
func (t *TrialDB) Record(ctx context.Context, trial Trial) error {
	params, err := json.Marshal(trial.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	kpis := []byte("{}")
	if len(trial.KPIs) > 0 {
		if kpis, err = json.Marshal(trial.KPIs); err != nil {
			return fmt.Errorf("failed to encode KPIs: %w", err)
		}
	}

	var loss sql.NullFloat64
	if !trial.Failed && !math.IsInf(trial.Loss, 0) && !math.IsNaN(trial.Loss) {
		loss = sql.NullFloat64{Float64: trial.Loss, Valid: true}
	}
	failed := 0
	if trial.Failed {
		failed = 1
	}
	created := trial.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = t.db.ExecContext(ctx,
		`INSERT INTO trials (job_id, evaluation, folder_id, params_key, params, loss, failed, kpis, run_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trial.JobID, trial.Evaluation, trial.FolderID, trial.ParamsKey, string(params),
		loss, failed, string(kpis), trial.RunTime.Seconds(), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record trial: %w", err)
	}
	return nil
}

// List returns the trials of a job in evaluation order. A limit <= 0
// returns all of them.
func (t *TrialDB) List(ctx context.Context, jobID string, limit int) ([]Trial, error) {
	query := `SELECT job_id, evaluation, folder_id, params_key, params, loss, failed, kpis, run_seconds, created_at
		FROM trials WHERE job_id = ? ORDER BY evaluation, id`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return t.query(ctx, query, args...)
}

// Best returns the successful trial with the lowest loss. It returns a
// NotFoundError when the job has none.
func (t *TrialDB) Best(ctx context.Context, jobID string) (*Trial, error) {
	trials, err := t.query(ctx,
		`SELECT job_id, evaluation, folder_id, params_key, params, loss, failed, kpis, run_seconds, created_at
		 FROM trials WHERE job_id = ? AND loss IS NOT NULL ORDER BY loss, evaluation LIMIT 1`, jobID)
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, &NotFoundError{JobID: jobID}
	}
	return &trials[0], nil
}

// Count returns the number of recorded trials and how many of them failed.
func (t *TrialDB) Count(ctx context.Context, jobID string) (total, failed int, err error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM trials WHERE job_id = ?`, jobID)
	if err := row.Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count trials: %w", err)
	}
	return total, failed, nil
}

// Losses maps the params key of every successful trial of a job to its
// loss.
func (t *TrialDB) Losses(ctx context.Context, jobID string) (map[string]float64, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT params_key, loss FROM trials WHERE job_id = ? AND loss IS NOT NULL ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query losses: %w", err)
	}
	defer rows.Close()

	losses := make(map[string]float64)
	for rows.Next() {
		var (
			key  string
			loss float64
		)
		if err := rows.Scan(&key, &loss); err != nil {
			return nil, fmt.Errorf("failed to scan loss: %w", err)
		}
		losses[key] = loss
	}
	return losses, rows.Err()
}

func (t *TrialDB) query(ctx context.Context, query string, args ...any) ([]Trial, error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		var (
			trial        Trial
			params, kpis string
			loss         sql.NullFloat64
			seconds      float64
			created      string
		)
		if err := rows.Scan(&trial.JobID, &trial.Evaluation, &trial.FolderID, &trial.ParamsKey,
			&params, &loss, &trial.Failed, &kpis, &seconds, &created); err != nil {
			return nil, fmt.Errorf("failed to scan trial: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &trial.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of trial %d: %w", trial.Evaluation, err)
		}
		if err := json.Unmarshal([]byte(kpis), &trial.KPIs); err != nil {
			return nil, fmt.Errorf("failed to decode KPIs of trial %d: %w", trial.Evaluation, err)
		}
		trial.Loss = math.Inf(1)
		if loss.Valid {
			trial.Loss = loss.Float64
		}
		trial.RunTime = time.Duration(seconds * float64(time.Second))
		trial.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		trials = append(trials, trial)
	}
	return trials, rows.Err()
}
