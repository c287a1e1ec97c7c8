// Package errorengine implements the Error Engine (C4): classifies worker
// failures, decides retry/fallback/escalate/rollback, and drains a delayed
// retry queue. The retry queue's min-heap-on-ready-time and ticker-driven
// drain loop are the same shape as a periodic reconciliation loop; delay
// math for the Exponential policy is delegated to cenkalti/backoff/v5
// instead of hand-rolled timer arithmetic.
package errorengine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/notifier"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Requeuer is the Scheduler capability the Error Engine depends on. Satisfied
// structurally by *scheduler.Scheduler; declared here so this package never
// imports the Scheduler's concrete type.
type Requeuer interface {
	Requeue(jobID string, priority int)
	CancelInFlight(jobID string)
}

// NotificationEnqueuer is the Notifier capability used for escalation and
// rollback alerts. Satisfied structurally by *notifier.Notifier.
type NotificationEnqueuer interface {
	Enqueue(msg types.NotificationMessage) error
}

type classification struct {
	severity    types.ErrorSeverity
	maxAttempts int
	action      types.RecoveryAction
}

var decisionTable = map[types.ErrorCategory]classification{
	types.ErrorCategoryNetwork:        {types.SeverityMedium, 3, types.ActionRetry},
	types.ErrorCategoryRateLimit:      {types.SeverityLow, 5, types.ActionRetry},
	types.ErrorCategoryTimeout:        {types.SeverityMedium, 3, types.ActionRetry},
	types.ErrorCategoryPlatform:       {types.SeverityMedium, 3, types.ActionRetry},
	types.ErrorCategoryParsing:        {types.SeverityMedium, 2, types.ActionRetry},
	types.ErrorCategoryResource:       {types.SeverityHigh, 2, types.ActionEscalate},
	types.ErrorCategoryAuthentication: {types.SeverityHigh, 1, types.ActionEscalate},
	types.ErrorCategoryValidation:     {types.SeverityLow, 1, types.ActionSkip},
	types.ErrorCategorySystem:         {types.SeverityCritical, 1, types.ActionAbort},
	types.ErrorCategoryUnknown:        {types.SeverityMedium, 2, types.ActionRetry},
}

// Engine classifies sub-task failures and drives retry/fallback/escalation.
type Engine struct {
	store    *taskstore.Store
	registry *registry.Registry
	requeuer Requeuer
	notifier NotificationEnqueuer
	logger   zerolog.Logger

	mu    sync.Mutex
	queue retryQueue

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Engine. The Requeuer is typically the running Scheduler.
func New(store *taskstore.Store, reg *registry.Registry, requeuer Requeuer) *Engine {
	return &Engine{
		store:    store,
		registry: reg,
		requeuer: requeuer,
		logger:   log.WithComponent("errorengine"),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// SetNotifier wires the Notifier for escalation/rollback alerts. Optional;
// escalation and rollback still update the Task Store without it.
func (e *Engine) SetNotifier(n NotificationEnqueuer) {
	e.notifier = n
}

// Start begins the retry-queue drain loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop halts the drain loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Handle classifies a raw sub-task failure and dispatches the resulting
// recovery action. It implements scheduler.ErrorHandler.
func (e *Engine) Handle(ctx context.Context, f scheduler.Failure) {
	category := classify(f.Err)
	cls, ok := decisionTable[category]
	if !ok {
		cls = decisionTable[types.ErrorCategoryUnknown]
	}

	severity := cls.severity
	if f.Attempt >= 2 {
		severity = promote(severity)
	}

	job, jobErr := e.store.QueryJob(f.JobID)
	critical := false
	if jobErr == nil {
		for _, p := range job.RequiredPlatforms {
			if p == f.Platform {
				critical = true
			}
		}
	}
	if critical {
		severity = types.SeverityCritical
	}

	rec := types.ErrorRecord{
		Category:    category,
		Severity:    severity,
		Code:        strings.ToUpper(string(category)),
		Message:     f.Err.Error(),
		Retryable:   cls.action == types.ActionRetry,
		CriticalJob: critical,
	}
	if err := e.store.RecordError(f.JobID, f.Platform, rec); err != nil {
		e.logger.Error().Err(err).Str("job_id", f.JobID).Str("platform", f.Platform).Msg("record error failed")
	}
	metrics.ErrorsTotal.WithLabelValues(string(category), string(severity)).Inc()

	action := cls.action
	exhausted := f.Attempt >= cls.maxAttempts
	switch {
	case critical && severity == types.SeverityCritical:
		action = types.ActionRollback
	case category == types.ErrorCategoryPlatform && exhausted:
		action = types.ActionFallback
	case action == types.ActionRetry && exhausted:
		action = types.ActionEscalate
	}

	priority := 3
	if job != nil {
		priority = job.Priority
	}

	switch action {
	case types.ActionRetry:
		e.scheduleRetry(f, category, priority)
	case types.ActionFallback:
		e.applyFallback(f, job, priority)
	case types.ActionEscalate:
		e.escalate(f, rec)
	case types.ActionSkip:
		e.logger.Info().Str("job_id", f.JobID).Str("platform", f.Platform).Msg("validation failure, skipping sub-task without retry")
	case types.ActionAbort, types.ActionRollback:
		e.rollback(f, rec)
	}
}

func (e *Engine) scheduleRetry(f scheduler.Failure, category types.ErrorCategory, priority int) {
	delay := computeDelay(category, f.Attempt)

	e.mu.Lock()
	heap.Push(&e.queue, &retryItem{jobID: f.JobID, platform: f.Platform, priority: priority, readyAt: time.Now().Add(delay)})
	depth := e.queue.Len()
	e.mu.Unlock()

	metrics.RetriesScheduledTotal.WithLabelValues(string(category)).Inc()
	metrics.RetryQueueDepth.Set(float64(depth))
	e.signalWake()
}

func (e *Engine) applyFallback(f scheduler.Failure, job *types.Job, priority int) {
	if job == nil {
		e.escalate(f, types.ErrorRecord{Category: types.ErrorCategoryPlatform, Severity: types.SeverityHigh})
		return
	}

	existing := make(map[string]bool)
	tasks, err := e.store.ListPlatformTasks(f.JobID)
	if err == nil {
		for _, t := range tasks {
			existing[t.Platform] = true
		}
	}

	var fallback string
	for _, candidate := range e.registry.CandidatePlatforms(job.Region) {
		if !existing[candidate.Name] {
			fallback = candidate.Name
			break
		}
	}
	if fallback == "" {
		e.escalate(f, types.ErrorRecord{Category: types.ErrorCategoryPlatform, Severity: types.SeverityHigh, Message: "no fallback platform available"})
		return
	}

	if err := e.store.AddFallbackSubTask(f.JobID, f.Platform, fallback); err != nil {
		e.logger.Error().Err(err).Str("job_id", f.JobID).Str("fallback", fallback).Msg("fallback substitution failed")
		return
	}
	metrics.FallbacksAppliedTotal.Inc()
	e.requeuer.Requeue(f.JobID, priority)
}

func (e *Engine) escalate(f scheduler.Failure, rec types.ErrorRecord) {
	reason := fmt.Sprintf("platform %s: %s failure (severity %s): %s", f.Platform, rec.Category, rec.Severity, rec.Message)
	if err := e.store.MarkNeedsAttention(f.JobID, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", f.JobID).Msg("mark needs attention failed")
	}
	metrics.EscalationsTotal.Inc()
	e.notify(f.JobID, rec.ID, "Job needs attention", reason, rec.Severity, types.PriorityHigh)
}

func (e *Engine) rollback(f scheduler.Failure, rec types.ErrorRecord) {
	e.requeuer.CancelInFlight(f.JobID)
	reason := fmt.Sprintf("platform %s: critical %s error, rolling back: %s", f.Platform, rec.Category, rec.Message)
	if err := e.store.Rollback(f.JobID, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", f.JobID).Msg("rollback failed")
	}
	e.notify(f.JobID, rec.ID, "Job rolled back", reason, types.SeverityCritical, types.PriorityCritical)
}

// notify enqueues one NotificationMessage per channel the given severity
// maps to, so a Critical rollback reaches email/Slack/webhook/log while a
// routine escalation only reaches the channels its severity warrants.
func (e *Engine) notify(jobID, errorID, subject, body string, severity types.ErrorSeverity, priority types.NotificationPriority) {
	if e.notifier == nil {
		return
	}
	for _, channel := range notifier.ChannelsForSeverity(severity) {
		msg := types.NotificationMessage{
			ID: uuid.New().String(), Channel: channel, Priority: priority,
			Subject: subject, Body: body, JobID: jobID, ErrorID: errorID,
			Status: types.NotificationPending, ScheduledAt: time.Now(),
		}
		if err := e.notifier.Enqueue(msg); err != nil {
			e.logger.Error().Err(err).Str("job_id", jobID).Str("channel", string(channel)).Msg("notification enqueue failed")
		}
	}
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.wake:
			e.drainReady()
		case <-ticker.C:
			e.drainReady()
		case <-e.stopCh:
			return
		}
	}
}

// drainReady pops and processes every retry item whose ready time has
// elapsed, requeuing the Scheduler for each.
func (e *Engine) drainReady() {
	now := time.Now()
	for {
		e.mu.Lock()
		if e.queue.Len() == 0 || e.queue[0].readyAt.After(now) {
			depth := e.queue.Len()
			e.mu.Unlock()
			metrics.RetryQueueDepth.Set(float64(depth))
			return
		}
		item := heap.Pop(&e.queue).(*retryItem)
		depth := e.queue.Len()
		e.mu.Unlock()
		metrics.RetryQueueDepth.Set(float64(depth))

		if err := e.store.TransitionSubTask(item.jobID, item.platform, types.PlatformTaskFailed, types.PlatformTaskPending, nil); err != nil {
			e.logger.Error().Err(err).Str("job_id", item.jobID).Str("platform", item.platform).Msg("retry transition failed")
			continue
		}
		e.requeuer.Requeue(item.jobID, item.priority)
	}
}

// classify pattern-matches an error's type and message tokens into a
// category, the way the registered Go error wrapping chain and conventional
// upstream HTTP/driver error strings actually present.
func classify(err error) types.ErrorCategory {
	if err == nil {
		return types.ErrorCategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorCategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return types.ErrorCategorySystem
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "rate limit", "too many requests"):
		return types.ErrorCategoryRateLimit
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key", "authentication"):
		return types.ErrorCategoryAuthentication
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return types.ErrorCategoryTimeout
	case containsAny(msg, "connection refused", "no such host", "dial tcp", "network is unreachable", "broken pipe", "eof"):
		return types.ErrorCategoryNetwork
	case containsAny(msg, "parse", "unmarshal", "malformed", "unexpected token", "invalid character"):
		return types.ErrorCategoryParsing
	case containsAny(msg, "validation", "missing required field", "invalid format", "schema"):
		return types.ErrorCategoryValidation
	case containsAny(msg, "out of memory", "no space left", "too many open files", "resource exhausted"):
		return types.ErrorCategoryResource
	case containsAny(msg, "502", "503", "bad gateway", "service unavailable", "upstream"):
		return types.ErrorCategoryPlatform
	case containsAny(msg, "panic", "nil pointer", "internal error", "fatal"):
		return types.ErrorCategorySystem
	default:
		return types.ErrorCategoryUnknown
	}
}

func containsAny(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func promote(s types.ErrorSeverity) types.ErrorSeverity {
	switch s {
	case types.SeverityLow:
		return types.SeverityMedium
	case types.SeverityMedium:
		return types.SeverityHigh
	default:
		return types.SeverityCritical
	}
}

// computeDelay implements the spec's delay policies: RateLimit gets a long
// linear delay, Parsing a short fixed delay, everything else exponential
// backoff, all with multiplicative jitter uniform in [0.8, 1.2].
func computeDelay(category types.ErrorCategory, attempt int) time.Duration {
	var base time.Duration
	switch category {
	case types.ErrorCategoryRateLimit:
		base = time.Duration(attempt) * 30 * time.Second
		if base > 5*time.Minute {
			base = 5 * time.Minute
		}
	case types.ErrorCategoryParsing:
		base = 2 * time.Second
	default:
		base = exponentialDelay(time.Second, 30*time.Second, 2.0, attempt)
	}
	return applyJitter(base)
}

// exponentialDelay computes the nth exponential backoff interval using
// backoff.ExponentialBackOff's own interval math, with its built-in jitter
// disabled so the caller applies the spec's own jitter policy.
func exponentialDelay(initial, maxDelay time.Duration, factor float64, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = factor
	b.MaxInterval = maxDelay
	b.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = maxDelay
	}
	return d
}

func applyJitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}

// retryItem is one pending retry in the delay queue.
type retryItem struct {
	jobID    string
	platform string
	priority int
	readyAt  time.Time
	index    int
}

// retryQueue is a container/heap.Interface min-heap on (ready-at, priority).
type retryQueue []*retryItem

func (q retryQueue) Len() int { return len(q) }

func (q retryQueue) Less(i, j int) bool {
	if !q[i].readyAt.Equal(q[j].readyAt) {
		return q[i].readyAt.Before(q[j].readyAt)
	}
	return q[i].priority > q[j].priority
}

func (q retryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *retryQueue) Push(x any) {
	item := x.(*retryItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
