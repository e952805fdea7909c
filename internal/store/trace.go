package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceFile is the trace name inside a job directory.
const TraceFile = "trace.jsonl"

// TraceEntry is one line of trace.jsonl, written after every evaluation.
type TraceEntry struct {
	Evaluation int       `json:"evaluation"`
	FolderID   string    `json:"folderId,omitempty"`
	Loss       float64   `json:"loss"`
	BestLoss   float64   `json:"bestLoss"`
	Failed     bool      `json:"failed,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Params is omitted for cached evaluations.
	Params map[string]float64 `json:"params,omitempty"`
}

// TraceWriter appends entries to a job's trace. Writes are buffered and
// safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter opens <baseDir>/jobs/<jobID>/trace.jsonl, truncating it
// unless append is set.
func NewTraceWriter(baseDir, jobID string, append bool) (*TraceWriter, error) {
	dir := jobDir(baseDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	path := filepath.Join(dir, TraceFile)
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one entry. Infinite losses of failed runs are stored as
// null since JSON has no representation for them.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(traceLine(entry))
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// jsonEntry mirrors TraceEntry with nullable losses.
type jsonEntry struct {
	Evaluation int                `json:"evaluation"`
	FolderID   string             `json:"folderId,omitempty"`
	Loss       *float64           `json:"loss"`
	BestLoss   *float64           `json:"bestLoss"`
	Failed     bool               `json:"failed,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Params     map[string]float64 `json:"params,omitempty"`
}

func traceLine(e TraceEntry) jsonEntry {
	return jsonEntry{
		Evaluation: e.Evaluation,
		FolderID:   e.FolderID,
		Loss:       finite(e.Loss),
		BestLoss:   finite(e.BestLoss),
		Failed:     e.Failed,
		Timestamp:  e.Timestamp,
		Params:     e.Params,
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orInf(p *float64) float64 {
	if p == nil {
		return math.Inf(1)
	}
	return *p
}

// TraceReader reads a job's trace.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of a job. It returns a NotFoundError when
// the job has no trace.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	file, err := os.Open(filepath.Join(jobDir(baseDir, jobID), TraceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF at the end of the trace. Null
// losses are read back as +Inf.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var line jsonEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &line); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &TraceEntry{
		Evaluation: line.Evaluation,
		FolderID:   line.FolderID,
		Loss:       orInf(line.Loss),
		BestLoss:   orInf(line.BestLoss),
		Failed:     line.Failed,
		Timestamp:  line.Timestamp,
		Params:     line.Params,
	}, nil
}

// ReadAll reads all remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// DeleteTrace removes the trace of a job. A missing trace is not an error.
func DeleteTrace(baseDir, jobID string) error {
	err := os.Remove(filepath.Join(jobDir(baseDir, jobID), TraceFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete trace file: %w", err)
	}
	return nil
}
