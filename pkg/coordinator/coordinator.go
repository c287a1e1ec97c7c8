// Package coordinator implements the Coordinator (C8): a thin façade that
// accepts job submissions over HTTP, exposes status/events/cancel/health,
// and wires the Scheduler, Task Store, Integrity Engine, and Notifier
// together by subscribing to the Sync Bus for terminal job events.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/health"
	"github.com/joborch/jobhub/pkg/integrity"
	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/syncbus"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CompletionNotifier is the Notifier capability used to announce a job's
// terminal outcome. Satisfied structurally by *notifier.Notifier.
type CompletionNotifier interface {
	Enqueue(msg types.NotificationMessage) error
}

// Coordinator is the process-level façade gluing the other components
// together behind an HTTP surface.
type Coordinator struct {
	cfg       config.APIConfig
	store     *taskstore.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	integrity *integrity.Engine
	notifier  CompletionNotifier
	bus       *syncbus.Bus
	logger    zerolog.Logger

	cache        *redis.Client
	cacheTTL     time.Duration
	probes       map[string]health.Checker
	probeCfg     health.Config
	probeMu      sync.Mutex
	probeStatus  map[string]*health.Status

	startedAt   time.Time
	activeJobs  atomic.Int64

	apiServer     *http.Server
	metricsServer *http.Server

	subID     string
	subEvents <-chan *types.SyncEvent
	stopCh    chan struct{}
}

// New builds a Coordinator. platforms supplies the configured
// health_check_url per platform (if any) used for the auxiliary
// reachability probes reported alongside each platform's rolling health.
func New(
	cfg config.APIConfig,
	redisCfg config.RedisConfig,
	store *taskstore.Store,
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	integrityEngine *integrity.Engine,
	ntf CompletionNotifier,
	bus *syncbus.Bus,
	platforms []config.PlatformConfig,
) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		store:     store,
		registry:  reg,
		scheduler: sched,
		integrity: integrityEngine,
		notifier:  ntf,
		bus:       bus,
		logger:      log.WithComponent("coordinator"),
		probes:      make(map[string]health.Checker),
		probeCfg:    health.DefaultConfig(),
		probeStatus: make(map[string]*health.Status),
		startedAt:   time.Now(),
		stopCh:      make(chan struct{}),
	}

	for _, p := range platforms {
		if p.HealthCheckURL != "" {
			c.probes[p.Name] = health.NewHTTPChecker(p.HealthCheckURL)
			c.probeStatus[p.Name] = health.NewStatus()
		}
	}

	if redisCfg.Enabled && redisCfg.Addr != "" {
		c.cache = redis.NewClient(&redis.Options{Addr: redisCfg.Addr, DialTimeout: 2 * time.Second})
		c.cacheTTL = redisCfg.TTL
		if c.cacheTTL <= 0 {
			c.cacheTTL = 30 * time.Second
		}
	}

	return c
}

// Start subscribes to terminal job events, then begins serving the API and
// metrics HTTP surfaces in background goroutines.
func (c *Coordinator) Start() error {
	c.subID, c.subEvents = c.bus.RegisterLocal(types.ClientKindAPI, "coordinator", []types.EventType{
		types.EventJobCreated, types.EventJobCompleted, types.EventJobFailed, types.EventJobCancelled,
	})
	go c.watchTerminalJobs()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", c.withMetrics("create_job", c.handleCreateJob))
	mux.HandleFunc("GET /jobs/{id}", c.withMetrics("get_job", c.handleGetJob))
	mux.HandleFunc("GET /jobs/{id}/events", c.withMetrics("job_events", c.handleJobEvents))
	mux.HandleFunc("POST /jobs/{id}/cancel", c.withMetrics("cancel_job", c.handleCancelJob))
	mux.HandleFunc("GET /health", c.withMetrics("health", c.handleHealth))
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) { c.bus.ServeWebSocket(w, r) })

	c.apiServer = &http.Server{Addr: c.cfg.ListenAddr, Handler: mux}
	go func() {
		if err := c.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("api server stopped unexpectedly")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	c.metricsServer = &http.Server{Addr: c.cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	c.logger.Info().Str("listen_addr", c.cfg.ListenAddr).Str("metrics_addr", c.cfg.MetricsAddr).Msg("coordinator started")
	return nil
}

// Stop unregisters from the Sync Bus and gracefully shuts down both HTTP
// servers.
func (c *Coordinator) Stop(ctx context.Context) error {
	close(c.stopCh)
	c.bus.Unregister(c.subID)

	var errs []error
	if c.apiServer != nil {
		if err := c.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// watchTerminalJobs drains the Sync Bus subscription: on job creation it
// bumps the active-job counter, and on any terminal outcome it runs the
// Integrity Engine (if enabled for the job) and enqueues a completion
// notification.
func (c *Coordinator) watchTerminalJobs() {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.subEvents:
			if !ok {
				return
			}
			c.handleSyncEvent(ev)
		}
	}
}

func (c *Coordinator) handleSyncEvent(ev *types.SyncEvent) {
	switch ev.Type {
	case types.EventJobCreated:
		c.activeJobs.Add(1)
	case types.EventJobCompleted, types.EventJobFailed, types.EventJobCancelled:
		c.activeJobs.Add(-1)
		c.invalidateCache(ev.JobID)
		c.onTerminal(ev)
	}
}

func (c *Coordinator) onTerminal(ev *types.SyncEvent) {
	job, err := c.store.QueryJob(ev.JobID)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("terminal job lookup failed")
		return
	}

	var report *types.IntegrityReport
	if ev.Type == types.EventJobCompleted && job.IntegrityEnabled {
		report, err = c.integrity.Run(ev.JobID)
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("integrity evaluation failed")
		}
	}

	if c.notifier == nil {
		return
	}
	subject, priority := completionNotice(ev.Type, report)
	if err := c.notifier.Enqueue(types.NotificationMessage{
		Channel: types.ChannelLog, Priority: priority, Subject: subject,
		Body: fmt.Sprintf("job %s: %s", ev.JobID, ev.Type), JobID: ev.JobID,
		Status: types.NotificationPending, ScheduledAt: time.Now(),
	}); err != nil {
		c.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("completion notification enqueue failed")
	}
}

// probeReachable runs the platform's reachability probe (if one is
// configured) and folds the result into its debounced Status, so a single
// slow or flaky response doesn't flip the reported state. ok is false when
// no probe is configured for platform.
func (c *Coordinator) probeReachable(ctx context.Context, platform string) (reachable, ok bool) {
	probe, ok := c.probes[platform]
	if !ok {
		return false, false
	}
	result := probe.Check(ctx)

	c.probeMu.Lock()
	status := c.probeStatus[platform]
	status.Update(result, c.probeCfg)
	reachable = status.Healthy
	c.probeMu.Unlock()

	return reachable, true
}

func completionNotice(eventType types.EventType, report *types.IntegrityReport) (string, types.NotificationPriority) {
	if eventType == types.EventJobFailed {
		return "Job failed", types.PriorityHigh
	}
	if eventType == types.EventJobCancelled {
		return "Job cancelled", types.PriorityLow
	}
	if report != nil && !report.Passed {
		return "Job completed, quality gate failed", types.PriorityMedium
	}
	return "Job completed", types.PriorityLow
}

func (c *Coordinator) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
