package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/alert"
	"github.com/sentinelai/sentinel/internal/metrics"
	"github.com/sentinelai/sentinel/internal/pipeline"
	"github.com/sentinelai/sentinel/internal/store"
)

// PipelineRunner is the pipeline capability the scheduler drives.
// Satisfied by *pipeline.Service.
type PipelineRunner interface {
	ExecuteEndpoint(ctx context.Context, endpointID uuid.UUID, tenantID *uuid.UUID) (*pipeline.Result, error)
}

// AlertDispatcher receives committed results. Satisfied by *alert.Dispatcher.
type AlertDispatcher interface {
	MaybeAlert(ctx context.Context, res *pipeline.Result) alert.Outcome
}

// SyncResult reports the outcome of one job-set reconciliation.
type SyncResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// JobStatus describes one scheduled monitor for the admin API.
type JobStatus struct {
	JobID           string `json:"job_id"`
	EndpointID      string `json:"endpoint_id"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Running bool        `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

type jobEntry struct {
	cronID   cron.EntryID
	interval time.Duration
}

// Scheduler maintains one periodic monitoring job per endpoint. Each job is
// keyed "monitor_<endpoint id>"; a job never overlaps itself, and a buffered
// semaphore caps process-wide concurrency.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	store   store.Store
	runner  PipelineRunner
	alerts  AlertDispatcher
	sem     chan struct{}
	entries map[uuid.UUID]jobEntry
	enabled bool
	running bool
	log     *zap.Logger
}

// New builds a scheduler. maxConcurrent below 1 falls back to 5.
func New(st store.Store, runner PipelineRunner, alerts AlertDispatcher, enabled bool, maxConcurrent int, log *zap.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}
	logger := log.Named("scheduler")
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(&zapPrintf{logger})),
	))
	return &Scheduler{
		cron:    c,
		store:   st,
		runner:  runner,
		alerts:  alerts,
		sem:     make(chan struct{}, maxConcurrent),
		entries: make(map[uuid.UUID]jobEntry),
		enabled: enabled,
		log:     logger,
	}
}

// Start transitions to Running with an empty job set. Disabled schedulers
// stay stopped and report it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		s.log.Info("scheduler disabled by configuration")
		return nil
	}
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", zap.Int("max_concurrent", cap(s.sem)))
	return nil
}

// Stop cancels pending firings immediately. In-flight ticks are abandoned;
// a graceful variant would wait on the context returned by cron.Stop, which
// this deployment deliberately does not.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.log.Info("scheduler stopped")
}

// SyncJobs reconciles the scheduled job set with the endpoints table: jobs
// for vanished endpoints are removed, changed intervals rescheduled, and new
// endpoints added. Calling it twice without repository changes is a no-op.
func (s *Scheduler) SyncJobs(ctx context.Context) (SyncResult, error) {
	endpoints, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list endpoints: %w", err)
	}

	desired := make(map[uuid.UUID]*store.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		desired[ep.ID] = ep
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult

	for id, entry := range s.entries {
		if _, keep := desired[id]; !keep {
			s.cron.Remove(entry.cronID)
			delete(s.entries, id)
			res.Removed++
			s.log.Info("monitor removed", zap.String("job_id", jobID(id)))
		}
	}

	for id, ep := range desired {
		interval := time.Duration(ep.IntervalSeconds) * time.Second
		entry, exists := s.entries[id]
		switch {
		case !exists:
			s.schedule(ep, interval)
			res.Added++
			s.log.Info("monitor added",
				zap.String("job_id", jobID(id)),
				zap.Duration("interval", interval))
		case entry.interval != interval:
			s.cron.Remove(entry.cronID)
			s.schedule(ep, interval)
			res.Updated++
			s.log.Info("monitor rescheduled",
				zap.String("job_id", jobID(id)),
				zap.Duration("interval", interval))
		}
	}

	res.Total = len(s.entries)
	metrics.SchedulerEndpoints.Set(float64(res.Total))
	return res, nil
}

// schedule registers a constant-delay job. Caller holds s.mu.
func (s *Scheduler) schedule(ep *store.Endpoint, interval time.Duration) {
	id := ep.ID
	cronID := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.tick(id)
	}))
	s.entries[id] = jobEntry{cronID: cronID, interval: interval}
}

// tick runs one pipeline execution. It never panics outward and never
// returns an error: the scheduler is the firewall between pipeline failures
// and process availability.
func (s *Scheduler) tick(endpointID uuid.UUID) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	metrics.SchedulerJobsActive.Inc()
	defer metrics.SchedulerJobsActive.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerJobsTotal.WithLabelValues("failed").Inc()
			s.log.Error("monitor tick panicked",
				zap.String("job_id", jobID(endpointID)),
				zap.Any("panic", r))
		}
	}()

	// Each tick gets a fresh context; ticks are independent of one another
	// and of the sync that scheduled them.
	ctx := context.Background()

	res, err := s.runner.ExecuteEndpoint(ctx, endpointID, nil)
	if err != nil {
		metrics.SchedulerJobsTotal.WithLabelValues("failed").Inc()
		s.log.Warn("monitor tick failed",
			zap.String("job_id", jobID(endpointID)),
			zap.Error(err))
		return
	}

	s.alerts.MaybeAlert(ctx, res)
	metrics.SchedulerJobsTotal.WithLabelValues("completed").Inc()
}

// Status returns a snapshot for the admin API.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Jobs: make([]JobStatus, 0, len(s.entries))}
	for id, entry := range s.entries {
		st.Jobs = append(st.Jobs, JobStatus{
			JobID:           jobID(id),
			EndpointID:      id.String(),
			IntervalSeconds: int(entry.interval / time.Second),
		})
	}
	return st
}

func jobID(endpointID uuid.UUID) string {
	return "monitor_" + endpointID.String()
}

// zapPrintf adapts a zap logger to cron's Printf-style logger.
type zapPrintf struct {
	log *zap.Logger
}

func (z *zapPrintf) Printf(format string, args ...any) {
	z.log.Sugar().Infof(format, args...)
}
