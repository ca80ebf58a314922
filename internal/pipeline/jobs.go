package pipeline

import (
	"sync"
	"time"
)

// JobStatus is the lifecycle of a server-side analysis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job tracks one document analysis owned by the HTTP service. Mutable
// state is mutex-guarded; handlers read it through Snapshot. The event
// buffer collects run progress for the status endpoint.
type Job struct {
	mu sync.Mutex

	ID       string
	Filename string

	status    JobStatus
	runID     string
	createdAt time.Time
	updatedAt time.Time

	result    *Result
	artifacts []string
	errMsg    string

	events   *BufferSink
	fileData []byte
}

// NewJob registers a queued job for an uploaded file. The raw bytes stay
// on the job until the worker picks it up.
func NewJob(id, filename string, data []byte) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		Filename:  filename,
		status:    JobQueued,
		createdAt: now,
		updatedAt: now,
		events:    &BufferSink{},
		fileData:  data,
	}
}

// Events returns the sink collecting this job's run events.
func (j *Job) Events() *BufferSink {
	return j.events
}

// FileData returns the uploaded bytes and drops the job's reference so the
// upload is not retained after processing starts.
func (j *Job) FileData() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	data := j.fileData
	j.fileData = nil
	return data
}

// SetRunning marks the job picked up by a worker under the given run ID.
func (j *Job) SetRunning(runID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobRunning
	j.runID = runID
	j.updatedAt = time.Now()
}

// SetResult records a finished run and the artifact paths written for it.
func (j *Job) SetResult(res *Result, artifacts []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobCompleted
	j.setResultLocked(res)
	j.artifacts = artifacts
	j.updatedAt = time.Now()
}

// SetFailed records a terminal error. The partial result, when present,
// keeps the outcome manifest reachable from the status endpoint.
func (j *Job) SetFailed(res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobFailed
	j.setResultLocked(res)
	j.errMsg = err.Error()
	j.updatedAt = time.Now()
}

// SetCancelled records a run stopped between chunks.
func (j *Job) SetCancelled(res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobCancelled
	j.setResultLocked(res)
	j.errMsg = err.Error()
	j.updatedAt = time.Now()
}

// setResultLocked stores the result and adopts its run ID. The runner
// mints the ID, so the job only learns it when the run hands back a
// result. Callers hold j.mu.
func (j *Job) setResultLocked(res *Result) {
	j.result = res
	if res != nil && res.RunID != "" {
		j.runID = res.RunID
	}
}

// JobSnapshot is a read-only, JSON-safe copy of job state. The merged
// record itself is an artifact, not part of the snapshot.
type JobSnapshot struct {
	ID        string         `json:"job_id"`
	Filename  string         `json:"filename"`
	Status    JobStatus      `json:"status"`
	RunID     string         `json:"run_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Error     string         `json:"error,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Stats     *RunStats      `json:"stats,omitempty"`
	Chunks    []ChunkOutcome `json:"chunks,omitempty"`
	Events    []Event        `json:"events,omitempty"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		ID:        j.ID,
		Filename:  j.Filename,
		Status:    j.status,
		RunID:     j.runID,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
		Error:     j.errMsg,
		Artifacts: j.artifacts,
		Events:    j.events.Events(),
	}
	if j.result != nil {
		stats := j.result.Stats
		snap.Stats = &stats
		snap.Chunks = j.result.Outcomes
	}
	return snap
}

func (j *Job) updated() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.updatedAt
}

// Store is a thread-safe in-memory job registry with TTL eviction.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *Store) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *Store) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes jobs idle for longer than the TTL and reports how many
// were evicted.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, job := range s.jobs {
		if now.Sub(job.updated()) > s.ttl {
			delete(s.jobs, id)
			evicted++
		}
	}
	return evicted
}
