package api

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/internal/profiler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	now := time.Unix(1700000000, 0)
	req := profiler.Request{Family: "gemm", M: 1, N: 1, K: 1}

	job := s.Create("gfx908", req, true, now)
	assert.Equal(t, JobQueued, job.Status)
	assert.Contains(t, job.ID, "job_")

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Start(job.ID, cancel))
	assert.False(t, s.Start(job.ID, cancel), "a job starts once")

	got, ok := s.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobInProgress, got.Status)

	rep := &profiler.Report{Best: "gemm_x"}
	done, ok := s.Finish(job.ID, rep, nil, now.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, JobCompleted, done.Status)
	assert.Equal(t, "gemm_x", done.Report.Best)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, now.Unix()+1, *done.CompletedAt)
	assert.NoError(t, ctx.Err())

	// terminal jobs do not change on cancel
	c, ok := s.Cancel(job.ID, now)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, c.Status)
}

func TestJobStoreCancelRunning(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	now := time.Now()
	job := s.Create("gfx90a", profiler.Request{Family: "softmax"}, true, now)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, s.Start(job.ID, cancel))

	c, ok := s.Cancel(job.ID, now)
	require.True(t, ok)
	assert.Equal(t, JobCancelled, c.Status)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	done, _ := s.Finish(job.ID, &profiler.Report{}, context.Canceled, now)
	assert.Equal(t, JobCancelled, done.Status, "cancellation wins over the run error")
	assert.Nil(t, done.Error)
}

func TestJobStoreCancelQueued(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	job := s.Create("gfx90a", profiler.Request{Family: "gemm"}, true, time.Now())
	_, ok := s.Cancel(job.ID, time.Now())
	require.True(t, ok)
	assert.False(t, s.Start(job.ID, func() {}), "cancelled jobs never start")
}

func TestJobStoreFailure(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	job := s.Create("gfx90a", profiler.Request{Family: "gemm"}, false, time.Now())
	require.True(t, s.Start(job.ID, func() {}))
	done, _ := s.Finish(job.ID, nil, errors.Wrap(profiler.ErrBadRequest, "gemm sizes"), time.Now())
	assert.Equal(t, JobFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, "invalid_request_error", done.Error.Type)
}

func TestJobStoreListAndDelete(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	base := time.Unix(1700000000, 0)
	first := s.Create("gfx908", profiler.Request{Family: "gemm"}, false, base)
	second := s.Create("gfx908", profiler.Request{Family: "gemm"}, false, base.Add(time.Minute))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	assert.True(t, s.Delete(first.ID))
	assert.False(t, s.Delete(first.ID))
	assert.Len(t, s.List(), 1)
}

func TestDevicePoolSerializesJobs(t *testing.T) {
	t.Parallel()

	p := NewDevicePool()
	defer p.Close()

	dev, release, err := p.Acquire(context.Background(), "mi100")
	require.NoError(t, err)
	assert.Equal(t, "gfx908", dev.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = p.Acquire(ctx, "gfx908")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "device is busy")

	release()
	again, release2, err := p.Acquire(context.Background(), "gfx908")
	require.NoError(t, err)
	assert.Same(t, dev, again)
	release2()

	_, _, err = p.Acquire(context.Background(), "gfx0000")
	assert.Error(t, err)
}
