package experiment

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/cwbudde/bistroopt/internal/kpi"
	"github.com/cwbudde/bistroopt/internal/metrics"
	"github.com/cwbudde/bistroopt/internal/space"
	"github.com/cwbudde/bistroopt/internal/store"
)

// Trial is the outcome of one evaluation.
type Trial struct {
	Sample    int
	FolderID  string
	InputDir  string
	OutputDir string
	Params    space.Params
	// Loss is +Inf when the run failed.
	Loss        float64
	BestLoss    float64
	Err         error
	KPIs        kpi.Scores
	ModeChoices map[string]float64
	RunTime     time.Duration
	Cached      bool
	Finished    time.Time
}

// Failed reports whether the run produced no loss.
func (t Trial) Failed() bool {
	return t.Err != nil || math.IsInf(t.Loss, 1)
}

// Recorder receives every trial.
type Recorder interface {
	Record(ctx context.Context, t Trial) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, t Trial) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, t Trial) error { return f(ctx, t) }

// DBRecorder stores trials in the SQLite trial database.
func DBRecorder(db *store.TrialDB, jobID string) Recorder {
	return RecorderFunc(func(ctx context.Context, t Trial) error {
		if t.Cached {
			return nil
		}
		return db.Record(ctx, store.Trial{
			JobID:      jobID,
			Evaluation: t.Sample,
			FolderID:   t.FolderID,
			ParamsKey:  t.Params.Key(),
			Params:     t.Params,
			Loss:       t.Loss,
			Failed:     t.Failed(),
			KPIs:       t.KPIs,
			RunTime:    t.RunTime,
			CreatedAt:  t.Finished,
		})
	})
}

// TraceRecorder appends trials to a JSONL trace and flushes after each one.
func TraceRecorder(w *store.TraceWriter) Recorder {
	return RecorderFunc(func(_ context.Context, t Trial) error {
		entry := store.TraceEntry{
			Evaluation: t.Sample,
			FolderID:   t.FolderID,
			Loss:       t.Loss,
			BestLoss:   t.BestLoss,
			Failed:     t.Failed(),
			Timestamp:  t.Finished,
		}
		if !t.Cached {
			entry.Params = t.Params
		}
		if err := w.Write(entry); err != nil {
			return err
		}
		return w.Flush()
	})
}

// MetricsRecorder feeds trials to a Prometheus collector.
func MetricsRecorder(c *metrics.Collector, jobID string) Recorder {
	return RecorderFunc(func(_ context.Context, t Trial) error {
		c.ObserveTrial(jobID, t.Failed(), t.Cached, t.RunTime, t.BestLoss)
		return nil
	})
}

// Run log file names.
const (
	RunLogFile = "runLog.csv"
	TrialsFile = "trials.csv"
)

// RunLog appends one row per simulator run to runLog.csv. The column set is
// fixed by the first row; later rows leave unknown columns empty.
type RunLog struct {
	Dir string

	mu     sync.Mutex
	header []string
	rows   []runRow
}

type runRow struct {
	loss   float64
	record []string
}

var runLogPrefix = []string{"sample_num", "run_time", "weightedSum", "input_path", "output_path", "folderID"}

// Record implements Recorder. Cached trials are not logged again.
func (r *RunLog) Record(_ context.Context, t Trial) error {
	if t.Cached {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.Dir, RunLogFile)
	if r.header == nil {
		header, err := existingHeader(path)
		if err != nil {
			return err
		}
		if header == nil {
			header = append(append([]string{}, runLogPrefix...), sortedKeys(t.Params)...)
			header = append(header, sortedKeys(t.KPIs)...)
			header = append(header, sortedKeys(t.ModeChoices)...)
			if err := os.MkdirAll(r.Dir, 0755); err != nil {
				return fmt.Errorf("failed to create run log directory: %w", err)
			}
			if err := appendCSV(path, [][]string{header}); err != nil {
				return err
			}
		}
		r.header = header
	}

	values := map[string]string{
		"sample_num":  strconv.Itoa(t.Sample),
		"run_time":    strconv.FormatFloat(t.RunTime.Seconds(), 'f', 1, 64),
		"weightedSum": formatLoss(t.Loss),
		"input_path":  t.InputDir,
		"output_path": t.OutputDir,
		"folderID":    t.FolderID,
	}
	for _, m := range []map[string]float64{t.Params, t.KPIs, t.ModeChoices} {
		for k, v := range m {
			values[k] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	record := lo.Map(r.header, func(col string, _ int) string { return values[col] })

	if err := appendCSV(path, [][]string{record}); err != nil {
		return err
	}
	r.rows = append(r.rows, runRow{loss: t.Loss, record: record})
	return nil
}

// WriteSorted writes trials.csv with the rows logged by this RunLog sorted
// by ascending loss. Failed runs come last.
func (r *RunLog) WriteSorted() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.header == nil {
		return nil
	}
	rows := append([]runRow{}, r.rows...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].loss < rows[j].loss })

	records := [][]string{r.header}
	for _, row := range rows {
		records = append(records, row.record)
	}

	path := filepath.Join(r.Dir, TrialsFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func existingHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read run log header: %w", err)
	}
	return header, nil
}

func appendCSV(path string, records [][]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

func sortedKeys[M ~map[string]float64](m M) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func formatLoss(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
