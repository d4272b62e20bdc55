// Package api serves the profiler over HTTP: device and instance listings,
// and profile jobs that run synchronously or in the background.
package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/internal/version"
	"github.com/samcharles93/tessera/pkg/gpu"
	"github.com/samcharles93/tessera/pkg/instance"
)

type Options struct {
	Table   *instance.Table
	Devices *DevicePool
	Store   *JobStore
	// Device runs jobs that do not name one.
	Device string
	// Stream is the timing setup for every job; requests may override the
	// warmup and repeat counts.
	Stream gpu.StreamConfig
	Log    logger.Logger
}

type Server struct {
	opts  Options
	clock func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Table == nil {
		opts.Table = instance.Default()
	}
	if opts.Devices == nil {
		opts.Devices = NewDevicePool()
	}
	if opts.Store == nil {
		opts.Store = NewJobStore()
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Stream.RepeatIters <= 0 {
		opts.Stream.RepeatIters = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		opts:  opts,
		clock: time.Now,
		ctx:   ctx,
		stop:  stop,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/version", s.handleVersion)

	e.GET("/v1/devices", s.handleDevices)
	e.GET("/v1/devices/:name", s.handleDevice)
	e.GET("/v1/instances", s.handleInstances)

	// Profile jobs
	e.POST("/v1/profile", s.handleCreateJob)
	e.GET("/v1/profile", s.handleListJobs)
	e.GET("/v1/profile/:id", s.handleGetJob)
	e.DELETE("/v1/profile/:id", s.handleDeleteJob)
	e.POST("/v1/profile/:id/cancel", s.handleCancelJob)
}

// Close cancels background jobs, waits for them and closes the devices.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
	s.opts.Devices.Close()
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(c *echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Info: version.Resolve(), Devices: gpu.Names()})
}

func (s *Server) handleDevices(c *echo.Context) error {
	return c.JSON(http.StatusOK, DeviceList{Object: "list", Data: gpu.All(), Host: gpu.Host()})
}

func (s *Server) handleDevice(c *echo.Context) error {
	props, err := gpu.Lookup(c.Param("name"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, props)
}

func (s *Server) handleInstances(c *echo.Context) error {
	family := c.QueryParam("family")
	if family != "" && !slices.Contains(s.opts.Table.Families(), family) {
		return writeBadRequest(c, "unknown family "+family+" (expected one of "+strings.Join(s.opts.Table.Families(), ", ")+")")
	}
	return c.JSON(http.StatusOK, InstanceList{Object: "list", Family: family, Data: s.opts.Table.Summaries(family)})
}

func (s *Server) handleCreateJob(c *echo.Context) error {
	req, err := decodeJSON[CreateJobRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.Family == "" {
		return writeBadRequest(c, "family is required")
	}
	device := req.Device
	if device == "" {
		device = s.opts.Device
	}
	if device, err = gpu.Normalize(device); err != nil {
		return writeErr(c, err)
	}
	sc := s.opts.Stream
	if req.Warmup != nil {
		if *req.Warmup < 0 {
			return writeBadRequest(c, "warmup must not be negative")
		}
		sc.WarmupIters = *req.Warmup
	}
	if req.Repeat != nil {
		if *req.Repeat < 1 {
			return writeBadRequest(c, "repeat must be at least 1")
		}
		sc.RepeatIters = *req.Repeat
	}

	background := boolOr(req.Background, false)
	job := s.opts.Store.Create(device, req.Request, background, s.clock())
	if background {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.run(s.ctx, job.ID, sc)
		}()
		return c.JSON(http.StatusAccepted, job)
	}

	if err := s.run(c.Request().Context(), job.ID, sc); errors.Is(err, profiler.ErrBadRequest) || errors.Is(err, gpu.ErrUnknownDevice) {
		s.opts.Store.Delete(job.ID)
		return writeErr(c, err)
	}
	job, _ = s.opts.Store.Get(job.ID)
	return c.JSON(http.StatusOK, job)
}

// run executes a stored job and records its outcome.
func (s *Server) run(ctx context.Context, id string, sc gpu.StreamConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.opts.Store.Start(id, cancel) {
		return nil
	}
	job, _ := s.opts.Store.Get(id)
	log := s.opts.Log.With("job", id, "family", job.Request.Family, "device", job.Device)

	dev, release, err := s.opts.Devices.Acquire(ctx, job.Device)
	if err != nil {
		s.opts.Store.Finish(id, nil, err, s.clock())
		return err
	}
	defer release()

	log.Info("profile job started", "problem", job.Request.Problem())
	rep, err := profiler.Execute(ctx, dev, s.opts.Table, job.Request, profiler.Options{Stream: sc, Log: log})
	done, _ := s.opts.Store.Finish(id, rep, err, s.clock())
	if err != nil {
		log.Warn("profile job failed", "status", done.Status, "error", err)
		return err
	}
	log.Info("profile job finished", "best", rep.Best, "elapsed", rep.Elapsed)
	return nil
}

func (s *Server) handleListJobs(c *echo.Context) error {
	return c.JSON(http.StatusOK, JobList{Object: "list", Data: s.opts.Store.List()})
}

// handleGetJob returns the job as JSON, or its report as a text table with
// ?format=table.
func (s *Server) handleGetJob(c *echo.Context) error {
	job, ok := s.opts.Store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "job not found")
	}
	if c.QueryParam("format") == "table" {
		if job.Report == nil {
			return c.String(http.StatusOK, string(job.Status)+"\n")
		}
		return c.String(http.StatusOK, job.Report.Summary()+"\n"+job.Report.Table()+"\n")
	}
	if !queryBool(c, "runs", true) && job.Report != nil {
		rep := *job.Report
		rep.Runs = nil
		job.Report = &rep
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *echo.Context) error {
	id := c.Param("id")
	if !s.opts.Store.Delete(id) {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "profile_job.deleted",
		"deleted": true,
	})
}

func (s *Server) handleCancelJob(c *echo.Context) error {
	job, ok := s.opts.Store.Cancel(c.Param("id"), s.clock())
	if !ok {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}
