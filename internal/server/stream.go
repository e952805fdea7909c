package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is one progress update of a job.
type ProgressEvent struct {
	JobID string `json:"jobId"`
	// Seq numbers broadcast events per job, starting at 1. Snapshots sent
	// when a stream opens carry 0.
	Seq         int      `json:"seq,omitempty"`
	State       JobState `json:"state"`
	Evaluations int      `json:"evaluations"`
	Budget      int      `json:"budget"`
	Failures    int      `json:"failures"`
	Cached      int      `json:"cached"`
	// BestLoss is only set once an evaluation has succeeded.
	BestLoss *float64 `json:"bestLoss,omitempty"`
	// RunsPerHour is the simulator throughput since the job started.
	RunsPerHour float64   `json:"runsPerHour"`
	Timestamp   time.Time `json:"timestamp"`
}

func newProgressEvent(job *Job, elapsed time.Duration) ProgressEvent {
	event := ProgressEvent{
		JobID:       job.ID,
		State:       job.State,
		Evaluations: job.Evaluations,
		Budget:      job.Config.Evaluations,
		Failures:    job.Failures,
		Cached:      job.Cached,
		Timestamp:   time.Now(),
	}
	if job.HasResult() {
		best := job.BestLoss
		event.BestLoss = &best
	}
	if h := elapsed.Hours(); h > 0 {
		event.RunsPerHour = float64(job.Evaluations) / h
	}
	return event
}

func (j *Job) elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// subscriberBuffer bounds how far a slow SSE client may fall behind before
// events are dropped for it.
const subscriberBuffer = 10

// EventBroadcaster fans progress events of each job out to its SSE
// subscribers and remembers the last event so late subscribers start from
// the current state.
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan ProgressEvent]struct{}
	lastEvent map[string]ProgressEvent
	seq       map[string]int
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]struct{}),
		lastEvent: make(map[string]ProgressEvent),
		seq:       make(map[string]int),
	}
}

// Subscribe registers a client for a job's events. The last broadcast
// event, if any, is queued immediately.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	set := eb.clients[jobID]
	if set == nil {
		set = make(map[chan ProgressEvent]struct{})
		eb.clients[jobID] = set
	}
	set[ch] = struct{}{}

	if last, ok := eb.lastEvent[jobID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "total_clients", len(set))
	return ch
}

// Unsubscribe removes a client and closes its channel. Channels already
// closed by CleanupJob are left alone.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	set := eb.clients[jobID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(eb.clients, jobID)
	}

	slog.Debug("SSE client unsubscribed", "job_id", jobID)
}

// Broadcast numbers the event within its job and sends it to every
// subscriber that has room for it.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.seq[event.JobID]++
	event.Seq = eb.seq[event.JobID]
	eb.lastEvent[event.JobID] = event

	dropped := 0
	for ch := range eb.clients[event.JobID] {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("SSE clients too slow, dropped event", "job_id", event.JobID, "seq", event.Seq, "clients", dropped)
	}
}

// CleanupJob closes all subscriber channels of a job and forgets its
// events.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[jobID] {
		close(ch)
	}
	delete(eb.clients, jobID)
	delete(eb.lastEvent, jobID)
	delete(eb.seq, jobID)
	slog.Debug("Cleaned up SSE resources", "job_id", jobID)
}

func (eb *EventBroadcaster) subscribers(jobID string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.clients[jobID])
}

// keepAliveInterval is how often an idle stream sends an SSE comment.
var keepAliveInterval = 30 * time.Second

// handleJobStream handles GET /api/v1/jobs/:id/stream. The stream starts
// with the job's current state and ends after its terminal event.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	send := func(event ProgressEvent) bool {
		if err := writeSSEEvent(w, event); err != nil {
			slog.Error("Failed to write SSE event", "job_id", jobID, "error", err)
			return false
		}
		flusher.Flush()
		return !event.State.Terminal()
	}

	if !send(newProgressEvent(job, job.elapsed())) {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "job_id", jobID)
			return
		case event, ok := <-events:
			if !ok || !send(event) {
				return
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one named SSE event. Terminal events are named after
// the final state so clients can stop listening without parsing the data.
func writeSSEEvent(w io.Writer, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	name := "progress"
	if event.State.Terminal() {
		name = string(event.State)
	}
	if event.Seq > 0 {
		_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, name, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	}
	return err
}
