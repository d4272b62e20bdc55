package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/tessera/internal/profiler"
)

type jobRecord struct {
	job    Job
	cancel context.CancelFunc
}

// JobStore keeps every profile job of the server's lifetime in memory.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*jobRecord),
	}
}

func (s *JobStore) Create(device string, req profiler.Request, background bool, now time.Time) Job {
	job := Job{
		ID:         newJobID(),
		Object:     "profile_job",
		Status:     JobQueued,
		Device:     device,
		Background: background,
		Request:    req,
		CreatedAt:  now.Unix(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = &jobRecord{job: job}
	s.mu.Unlock()
	return job
}

func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// List returns every job, oldest first.
func (s *JobStore) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec.job)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Job) int {
		if a.CreatedAt != b.CreatedAt {
			return int(a.CreatedAt - b.CreatedAt)
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Start moves a queued job to in_progress and records how to cancel it. It
// returns false when the job was cancelled or deleted while queued.
func (s *JobStore) Start(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != JobQueued {
		return false
	}
	rec.job.Status = JobInProgress
	rec.cancel = cancel
	return true
}

// Finish records the outcome of a started job. A job cancelled while running
// keeps its cancelled status but still gets the partial report.
func (s *JobStore) Finish(id string, rep *profiler.Report, err error, now time.Time) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	rec.cancel = nil
	rec.job.Report = rep
	if rec.job.Status != JobCancelled {
		rec.job.Status = JobCompleted
		if err != nil {
			_, typ := statusOf(err)
			rec.job.Status = JobFailed
			rec.job.Error = &ResponseError{Message: err.Error(), Type: typ}
		}
	}
	completedAt := now.Unix()
	rec.job.CompletedAt = &completedAt
	return rec.job, true
}

// Cancel stops a queued or running job. Terminal jobs are returned unchanged.
func (s *JobStore) Cancel(id string, now time.Time) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	if rec.job.Status.Terminal() {
		return rec.job, true
	}
	rec.job.Status = JobCancelled
	completedAt := now.Unix()
	rec.job.CompletedAt = &completedAt
	if rec.cancel != nil {
		rec.cancel()
	}
	return rec.job, true
}

// Delete forgets a job, cancelling it first if it is still running.
func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return false
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	delete(s.jobs, id)
	return true
}

func newJobID() string {
	return "job_" + uuid.NewString()
}
