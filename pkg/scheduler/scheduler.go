// Package scheduler implements the Scheduler (C3): admission control,
// platform selection, dispatch, and per-platform concurrency bounding.
//
// The dispatcher loop and per-platform worker pools are goroutines over
// channels, generalized from a ticker-driven placement loop into
// platform/sub-task dispatch: a priority heap holds pending jobs, and a
// buffered channel per platform acts as a counting semaphore bounding
// concurrent adapter calls.
package scheduler

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Submit when the pending queue is at capacity.
var ErrQueueFull = errors.New("scheduler: pending queue is full")

// ErrNoPlatforms is returned by Submit when region resolution or explicit
// platform selection yields no eligible platform.
var ErrNoPlatforms = errors.New("scheduler: no eligible platforms for request")

// AdapterResult is what an Adapter's Search call produces.
type AdapterResult struct {
	Records []types.JobRecord
}

// Adapter is the capability interface standing in for an external platform
// scraper/API client. Workers invoke it under a per-attempt timeout.
type Adapter interface {
	Search(ctx context.Context, query, location string, limit int) (AdapterResult, error)
}

// Failure is the raw context a worker hands to the Error Engine on an
// adapter call failure. Classification into category/severity/action is the
// Error Engine's responsibility, not the Scheduler's.
type Failure struct {
	JobID    string
	Platform string
	Attempt  int
	Err      error
}

// ErrorHandler receives a raw sub-task failure. The Error Engine implements
// this; the Scheduler never decides classification or retry policy itself.
type ErrorHandler interface {
	Handle(ctx context.Context, f Failure)
}

// SubmitRequest is the intake payload for Submit.
type SubmitRequest struct {
	Query               string
	Location            string
	Region              string
	Platforms           []string
	Priority            int
	Deadline            time.Time
	UserTag             string
	IntegrityEnabled    bool
	AggregationStrategy types.AggregationStrategy
	RequiredPlatforms   []string
}

// Config bounds the Scheduler's admission control and dispatch behavior.
type Config struct {
	QueueCapacity      int
	MaxPlatformsPerJob int
	SemaphoreWait      time.Duration
	AdapterTimeout     time.Duration
}

// Scheduler dispatches job sub-tasks to platform adapters under per-platform
// concurrency bounds and a global priority queue.
type Scheduler struct {
	cfg      Config
	store    *taskstore.Store
	registry *registry.Registry
	logger   zerolog.Logger

	mu           sync.Mutex
	queue        jobQueue
	queuedCount  int
	semaphores   map[string]chan struct{}
	adapters     map[string]Adapter
	cancelFns    map[string]context.CancelFunc // "jobID/platform" -> cancel for that in-flight worker
	errorHandler ErrorHandler

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. Adapters maps platform name to the Adapter
// implementation used to fetch results for that platform; a sub-task for a
// registry platform with no adapter entry is dispatched and then failed with
// a "no adapter registered" error.
func New(cfg Config, store *taskstore.Store, reg *registry.Registry, adapters map[string]Adapter) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.MaxPlatformsPerJob <= 0 {
		cfg.MaxPlatformsPerJob = 5
	}
	if cfg.SemaphoreWait <= 0 {
		cfg.SemaphoreWait = 2 * time.Second
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}

	sems := make(map[string]chan struct{}, len(reg.AllPlatformNames()))
	for _, name := range reg.AllPlatformNames() {
		p, _ := reg.Platform(name)
		sems[name] = make(chan struct{}, p.MaxConcurrentRequests)
	}

	return &Scheduler{
		cfg:        cfg,
		store:      store,
		registry:   reg,
		logger:     log.WithComponent("scheduler"),
		semaphores: sems,
		adapters:   adapters,
		cancelFns:  make(map[string]context.CancelFunc),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// SetErrorHandler wires the Error Engine. Must be called before Start.
func (s *Scheduler) SetErrorHandler(h ErrorHandler) {
	s.errorHandler = h
}

// Start begins the dispatcher loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the dispatcher loop and waits for it to exit. In-flight workers
// are not waited on; cancel jobs first for a clean shutdown.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Submit resolves a region and platform set, creates the job in the Task
// Store, and pushes it onto the pending priority queue.
func (s *Scheduler) Submit(req SubmitRequest) (string, error) {
	region := req.Region
	if region == "" {
		region = s.registry.ResolveRegion(req.Query, req.Location)
	}

	platforms := req.Platforms
	if len(platforms) == 0 {
		candidates := s.registry.CandidatePlatforms(region)
		if len(candidates) == 0 {
			return "", ErrNoPlatforms
		}
		n := s.cfg.MaxPlatformsPerJob
		if n > len(candidates) {
			n = len(candidates)
		}
		for _, p := range candidates[:n] {
			platforms = append(platforms, p.Name)
		}
	}
	if len(platforms) == 0 {
		return "", ErrNoPlatforms
	}

	priority := req.Priority
	if priority < 1 || priority > 5 {
		priority = 3
	}

	jobID, err := s.store.CreateJob(taskstore.JobSpec{
		Query: req.Query, Location: req.Location, Region: region, Platforms: platforms,
		Priority: priority, Deadline: req.Deadline, UserTag: req.UserTag,
		IntegrityEnabled: req.IntegrityEnabled, AggregationStrategy: req.AggregationStrategy,
		RequiredPlatforms: req.RequiredPlatforms,
	})
	if err != nil {
		return "", fmt.Errorf("scheduler: create job: %w", err)
	}

	s.mu.Lock()
	if s.queuedCount >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	heap.Push(&s.queue, &pendingJob{jobID: jobID, priority: priority, submittedAt: time.Now()})
	s.queuedCount++
	s.mu.Unlock()

	metrics.JobSubmissionsTotal.Inc()
	metrics.JobQueueDepth.Set(float64(s.queuedCount))
	s.signalWake()

	return jobID, nil
}

// Cancel requests cancellation of a job: flips it and its in-flight
// sub-tasks terminal and cancels any running worker contexts.
func (s *Scheduler) Cancel(jobID string) error {
	s.CancelInFlight(jobID)
	return s.store.CancelJob(jobID)
}

// CancelInFlight cancels every one of a job's currently-running worker
// contexts (one per platform dispatched concurrently), without touching the
// Task Store. Used internally by Cancel and by the Error Engine when
// unwinding a job via rollback (which transitions the job to Failed itself,
// not Cancelled).
func (s *Scheduler) CancelInFlight(jobID string) {
	prefix := jobID + "/"
	s.mu.Lock()
	for key, cancel := range s.cancelFns {
		if strings.HasPrefix(key, prefix) {
			cancel()
			delete(s.cancelFns, key)
		}
	}
	s.mu.Unlock()
}

// Requeue pushes a job back onto the pending queue, used by the Error
// Engine after a retry or fallback transitions a sub-task back to Pending.
func (s *Scheduler) Requeue(jobID string, priority int) {
	s.mu.Lock()
	heap.Push(&s.queue, &pendingJob{jobID: jobID, priority: priority, submittedAt: time.Now()})
	s.queuedCount++
	s.mu.Unlock()
	s.signalWake()
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.dispatchReady()
		case <-ticker.C:
			s.dispatchReady()
		case <-s.stopCh:
			return
		}
	}
}

// dispatchReady drains the queue, attempting to dispatch every pending
// sub-task of each popped job. A job with sub-tasks still blocked on a full
// platform semaphore is pushed back for the next cycle.
func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		pj := heap.Pop(&s.queue).(*pendingJob)
		s.queuedCount--
		s.mu.Unlock()
		metrics.JobQueueDepth.Set(float64(s.queuedCount))

		requeue := s.dispatchJob(pj.jobID)
		if requeue {
			s.mu.Lock()
			heap.Push(&s.queue, pj)
			s.queuedCount++
			s.mu.Unlock()
			metrics.JobQueueDepth.Set(float64(s.queuedCount))
			return // avoid a tight loop re-popping the same stuck job
		}
	}
}

// dispatchJob tries to assign every still-pending sub-task of a job to a
// worker. It returns true if at least one sub-task remains pending because
// its platform semaphore was full (the caller should requeue the job).
func (s *Scheduler) dispatchJob(jobID string) bool {
	job, err := s.store.QueryJob(jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("dispatch: job lookup failed")
		return false
	}
	if job.Status.Terminal() {
		return false
	}

	tasks, err := s.store.ListPlatformTasks(jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("dispatch: list tasks failed")
		return false
	}

	anyBlocked := false
	for _, task := range tasks {
		if task.Status != types.PlatformTaskPending {
			continue
		}
		sem, ok := s.semaphores[task.Platform]
		if !ok {
			s.logger.Warn().Str("platform", task.Platform).Msg("dispatch: platform not in registry, skipping")
			continue
		}

		select {
		case sem <- struct{}{}:
			if err := s.store.TransitionSubTask(jobID, task.Platform, types.PlatformTaskPending, types.PlatformTaskAssigned, nil); err != nil {
				<-sem
				s.logger.Error().Err(err).Str("job_id", jobID).Str("platform", task.Platform).Msg("dispatch: assign transition failed")
				continue
			}
			s.wg.Add(1)
			go s.runWorker(jobID, task.Platform, job.Query, job.Location)
		default:
			// Platform at capacity: leave this sub-task Pending and requeue
			// the job rather than blocking the single dispatch loop.
			anyBlocked = true
		}
	}

	return anyBlocked
}

// runWorker executes one sub-task attempt end to end, guaranteeing semaphore
// release on every exit path.
func (s *Scheduler) runWorker(jobID, platform, query, location string) {
	defer s.wg.Done()
	defer func() { <-s.semaphores[platform] }()

	cancelKey := jobID + "/" + platform
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AdapterTimeout)
	s.mu.Lock()
	s.cancelFns[cancelKey] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancelFns, cancelKey)
		s.mu.Unlock()
	}()

	if err := s.store.TransitionSubTask(jobID, platform, types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("platform", platform).Msg("worker: processing transition failed")
		return
	}

	adapter, ok := s.adapters[platform]
	if !ok {
		s.failSubTask(ctx, jobID, platform, fmt.Errorf("no adapter registered for platform %q", platform))
		return
	}
	plat, _ := s.registry.Platform(platform)

	if plat != nil && plat.Limiter != nil {
		if err := plat.Limiter.Wait(ctx); err != nil {
			s.failSubTask(ctx, jobID, platform, fmt.Errorf("rate limit wait: %w", err))
			return
		}
	}

	timer := metrics.NewTimer()
	result, err := s.callAdapter(ctx, plat, adapter, query, location)
	timer.ObserveDurationVec(metrics.AdapterCallDuration, platform)

	if ctx.Err() != nil {
		_ = s.store.TransitionSubTask(jobID, platform, types.PlatformTaskProcessing, types.PlatformTaskCancelled, nil)
		metrics.SubTasksCompletedTotal.WithLabelValues(platform, "cancelled").Inc()
		return
	}

	if err != nil {
		s.failSubTask(ctx, jobID, platform, err)
		s.updateHealth(platform, false)
		return
	}

	if err := s.store.SaveResults(jobID, platform, result.Records); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("platform", platform).Msg("worker: save results failed")
	}

	hash := sha256.Sum256(mustJSON(result.Records))
	payload := map[string]any{
		"record_count": len(result.Records),
		"payload_ref":  jobID + "/" + platform,
		"payload_hash": hex.EncodeToString(hash[:]),
	}

	if err := s.store.TransitionSubTask(jobID, platform, types.PlatformTaskProcessing, types.PlatformTaskCompleted, payload); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("platform", platform).Msg("worker: completed transition failed")
		return
	}

	metrics.SubTasksCompletedTotal.WithLabelValues(platform, "completed").Inc()
	metrics.SchedulingLatency.Observe(timer.Duration().Seconds())
	s.updateHealth(platform, true)
}

// callAdapter runs the adapter call through the platform's circuit breaker,
// if one is configured, so repeated failures trip it and short-circuit
// further attempts until its own half-open probe succeeds again.
func (s *Scheduler) callAdapter(ctx context.Context, plat *registry.Platform, adapter Adapter, query, location string) (AdapterResult, error) {
	if plat == nil || plat.Breaker == nil {
		return adapter.Search(ctx, query, location, 50)
	}

	res, err := plat.Breaker.Execute(func() (any, error) {
		return adapter.Search(ctx, query, location, 50)
	})
	result, _ := res.(AdapterResult)
	return result, err
}

func (s *Scheduler) failSubTask(ctx context.Context, jobID, platform string, cause error) {
	task, err := s.store.GetPlatformTask(jobID, platform)
	attempt := 1
	if err == nil {
		attempt = task.Attempt
	}

	if err := s.store.TransitionSubTask(jobID, platform, types.PlatformTaskProcessing, types.PlatformTaskFailed, nil); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("platform", platform).Msg("worker: failed transition failed")
	}
	metrics.SubTasksCompletedTotal.WithLabelValues(platform, "failed").Inc()

	if s.errorHandler != nil {
		s.errorHandler.Handle(ctx, Failure{JobID: jobID, Platform: platform, Attempt: attempt, Err: cause})
	}
}

func (s *Scheduler) updateHealth(platform string, success bool) {
	h, err := s.store.GetPlatformHealth(platform)
	if err != nil {
		h = &types.PlatformHealth{Platform: platform, Status: types.PlatformIdle}
	}

	now := time.Now()
	if success {
		h.ConsecutiveFailures = 0
		h.LastSuccessAt = now
		h.Status = types.PlatformActive
	} else {
		h.ConsecutiveFailures++
		h.LastFailureAt = now
		h.Status = types.PlatformError
	}
	if p, ok := s.registry.Platform(platform); ok {
		h.Capacity = p.MaxConcurrentRequests
	}

	_ = s.store.UpdatePlatformHealth(h)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// pendingJob is one entry in the priority queue.
type pendingJob struct {
	jobID       string
	priority    int
	submittedAt time.Time
	index       int
}

// jobQueue is a container/heap.Interface ordered by (priority desc,
// submission time asc) — highest priority, earliest submitted, first out.
type jobQueue []*pendingJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].submittedAt.Before(q[j].submittedAt)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*pendingJob)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
