package api

import (
	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/internal/version"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type DeviceList struct {
	Object string           `json:"object"`
	Data   []gpu.Properties `json:"data"`
	Host   gpu.HostInfo     `json:"host"`
}

type InstanceList struct {
	Object string             `json:"object"`
	Family string             `json:"family,omitempty"`
	Data   []instance.Summary `json:"data"`
}

type VersionResponse struct {
	version.Info
	Devices []string `json:"devices"`
}

// JobStatus follows a job from submission to a terminal state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CreateJobRequest is the body of POST /v1/profile. The profile request is
// inlined, so a body reads {"device": "gfx90a", "family": "gemm", "m": 1024, ...}.
type CreateJobRequest struct {
	Device     string `json:"device,omitempty"`
	Background *bool  `json:"background,omitempty"`
	Warmup     *int   `json:"warmup,omitempty"`
	Repeat     *int   `json:"repeat,omitempty"`
	profiler.Request
}

type Job struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	Status      JobStatus        `json:"status"`
	Device      string           `json:"device"`
	Background  bool             `json:"background"`
	Request     profiler.Request `json:"request"`
	CreatedAt   int64            `json:"created_at"`
	CompletedAt *int64           `json:"completed_at,omitempty"`
	Report      *profiler.Report `json:"report,omitempty"`
	Error       *ResponseError   `json:"error,omitempty"`
}

type JobList struct {
	Object string `json:"object"`
	Data   []Job  `json:"data"`
}
