// Package server runs optimization studies in the background and exposes
// them over HTTP: a JSON API, an SSE progress stream, a dashboard and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/cwbudde/bistroopt/internal/metrics"
	"github.com/cwbudde/bistroopt/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	runner     *Runner
	trials     *store.TrialDB
	metrics    *metrics.Collector
	addr       string
	server     *http.Server

	// jobs is the parent context of every worker; Shutdown cancels it.
	jobs       context.Context
	cancelJobs context.CancelFunc
	workers    conc.WaitGroup
}

// NewServer creates a new HTTP server
func NewServer(addr string, o Options) (*Server, error) {
	runner, err := NewRunner(o)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		jobManager: NewJobManager(),
		runner:     runner,
		trials:     o.Trials,
		metrics:    o.Metrics,
		addr:       addr,
		jobs:       ctx,
		cancelJobs: cancel,
	}, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Register UI routes
	mux.HandleFunc("/", s.handleIndex)

	// Register API routes
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	// Wrap with middleware
	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs, waits for their workers to save a final
// checkpoint and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.cancelJobs()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("workers still running: %w", ctx.Err()))
	}
	return err
}

// startJob launches the worker of a registered job.
func (s *Server) startJob(jobID string) {
	ctx, cancel := context.WithCancel(s.jobs)
	s.jobManager.setCancel(jobID, cancel)
	s.workers.Go(func() {
		defer cancel()
		if err := s.runner.Run(ctx, s.jobManager, jobID); err != nil {
			slog.Debug("Worker finished with error", "job_id", jobID, "error", err)
		}
	})
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse job ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	case "trials":
		s.handleListTrials(w, r, jobID)
	case "checkpoint":
		s.handleGetCheckpoint(w, r, jobID)
	case "cancel":
		s.requirePost(w, r, func() { s.handleCancelJob(w, r, jobID) })
	case "resume":
		s.requirePost(w, r, func() { s.handleResumeJob(w, r, jobID) })
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next()
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var config JobConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	config, _, err := ResolveJobConfig(config)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid job: %v", err), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)
	s.startJob(job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// handleResumeJob handles POST /api/v1/jobs/:id/resume. An optional body
// {"evaluations": n} extends the total budget.
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	cp, err := s.runner.Store().LoadCheckpoint(jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Checkpoint not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load checkpoint: %v", err), http.StatusInternalServerError)
		return
	}

	var body struct {
		Evaluations int `json:"evaluations"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	config := cp.Config
	if body.Evaluations > 0 {
		config.Evaluations = body.Evaluations
	}
	config, _, err = ResolveJobConfig(config)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid job: %v", err), http.StatusBadRequest)
		return
	}

	job, err := s.jobManager.ResumeJob(cp, config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.startJob(job.ID)

	writeJSON(w, http.StatusAccepted, job)
}

// handleCancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err := s.jobManager.CancelJob(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	slog.Info("Job cancellation requested", "job_id", jobID)
	w.WriteHeader(http.StatusAccepted)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	elapsed := job.elapsed()
	event := newProgressEvent(job, elapsed)

	response := map[string]interface{}{
		"id":          job.ID,
		"state":       job.State,
		"config":      job.Config,
		"bestParams":  job.BestParams,
		"bestLoss":    event.BestLoss,
		"evaluations": job.Evaluations,
		"failures":    job.Failures,
		"cached":      job.Cached,
		"resumed":     job.Resumed,
		"elapsed":     elapsed.Seconds(),
		"runsPerHour": event.RunsPerHour,
		"startTime":   job.StartTime,
		"endTime":     job.EndTime,
		"error":       job.Error,
	}

	writeJSON(w, http.StatusOK, response)
}

// trialView is the JSON form of a recorded trial.
type trialView struct {
	Evaluation int                `json:"evaluation"`
	FolderID   string             `json:"folderId"`
	Params     map[string]float64 `json:"params"`
	Loss       *float64           `json:"loss"`
	Failed     bool               `json:"failed"`
	KPIs       map[string]float64 `json:"kpis,omitempty"`
	RunSeconds float64            `json:"runSeconds"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// handleListTrials handles GET /api/v1/jobs/:id/trials?limit=n
func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.trials == nil {
		http.Error(w, "Trial database not configured", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	trials, err := s.trials.List(r.Context(), jobID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list trials: %v", err), http.StatusInternalServerError)
		return
	}

	views := make([]trialView, 0, len(trials))
	for _, t := range trials {
		v := trialView{
			Evaluation: t.Evaluation,
			FolderID:   t.FolderID,
			Params:     t.Params,
			Failed:     t.Failed,
			KPIs:       t.KPIs,
			RunSeconds: t.RunTime.Seconds(),
			CreatedAt:  t.CreatedAt,
		}
		if !t.Failed && !math.IsInf(t.Loss, 0) && !math.IsNaN(t.Loss) {
			loss := t.Loss
			v.Loss = &loss
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetCheckpoint handles GET /api/v1/jobs/:id/checkpoint
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request, jobID string) {
	cp, err := s.runner.Store().LoadCheckpoint(jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Checkpoint not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to load checkpoint: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
