// Package taskstore implements the Task Store: the single source of truth
// for Job, PlatformTask, Event, PlatformHealth, IntegrityReport, and
// NotificationMessage rows. Every mutation goes through an exported method
// on Store; no other package holds a raw reference to another's internal
// state. The event log is authoritative — derived rows may be rebuilt by
// replaying it.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs          = []byte("jobs")
	bucketPlatformTasks = []byte("platform_tasks")
	bucketEvents        = []byte("events")
	bucketPlatformHealth = []byte("platform_health")
	bucketIntegrityReports = []byte("integrity_reports")
	bucketNotifications = []byte("notification_messages")
	bucketResults       = []byte("platform_results")
)

// ErrConflict is returned by TransitionSubTask when the current status does
// not match the caller's expected "from" status, or the job is terminal.
var ErrConflict = errors.New("taskstore: compare-and-swap conflict")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("taskstore: not found")

// JobSpec is the input to CreateJob.
type JobSpec struct {
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

// SyncPublisher is the Sync Bus capability the Task Store uses to mirror its
// durable event log onto the live channel. Satisfied structurally by
// *syncbus.Bus. Optional: the event log itself never depends on it.
type SyncPublisher interface {
	Publish(ev *types.SyncEvent) error
}

// Store is the BoltDB-backed Task Store.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
	pub    SyncPublisher
}

// Open opens (creating if absent) a BoltDB file at path and ensures every
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("taskstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketJobs, bucketPlatformTasks, bucketEvents,
			bucketPlatformHealth, bucketIntegrityReports, bucketNotifications,
			bucketResults,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: log.WithComponent("taskstore")}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSyncPublisher wires the Sync Bus. Job-level lifecycle events (created,
// completed/failed/cancelled, needs-attention) are mirrored onto it after
// their owning transaction commits; the event log bucket remains the
// authoritative record regardless of whether a publisher is wired.
func (s *Store) SetSyncPublisher(pub SyncPublisher) {
	s.pub = pub
}

// publish mirrors ev onto the Sync Bus, if one is wired. Best-effort: a
// publish failure (e.g. a full ingest queue) never rolls back the
// already-committed Task Store write.
func (s *Store) publish(ev *types.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(&types.SyncEvent{
		Type: ev.Type, JobID: ev.JobID, Platform: ev.Platform,
		Data: ev.Payload, Timestamp: ev.Timestamp,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", ev.JobID).Str("event_type", string(ev.Type)).Msg("sync bus publish failed")
	}
}

func taskKey(jobID, platform string) []byte {
	return []byte(jobID + "/" + platform)
}

// eventKey orders events within a job by a monotonic, zero-padded sequence
// so bucket iteration yields total order without a secondary index.
func eventKey(jobID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", jobID, seq))
}

// CreateJob inserts a Job and one Pending PlatformTask per requested
// platform, and emits JobCreated plus one SubTaskCreated event per platform,
// all in a single atomic transaction.
func (s *Store) CreateJob(spec JobSpec) (string, error) {
	if len(spec.Platforms) == 0 {
		return "", fmt.Errorf("taskstore: CreateJob requires at least one platform")
	}

	jobID := uuid.New().String()
	now := time.Now()

	job := &types.Job{
		ID:                  jobID,
		Query:               spec.Query,
		Location:            spec.Location,
		Region:              spec.Region,
		RequestedPlatforms:  spec.Platforms,
		Priority:            spec.Priority,
		SubmittedAt:         now,
		Deadline:            spec.Deadline,
		UserTag:             spec.UserTag,
		Status:              types.JobStatusPending,
		IntegrityEnabled:    spec.IntegrityEnabled,
		AggregationStrategy: spec.AggregationStrategy,
		RequiredPlatforms:   spec.RequiredPlatforms,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		if err := putJSON(jobs, []byte(jobID), job); err != nil {
			return err
		}

		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		if err := appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Type: types.EventJobCreated,
			Timestamp: now, ToStatus: string(types.JobStatusPending),
		}, seq); err != nil {
			return err
		}
		seq++

		for _, platform := range spec.Platforms {
			task := &types.PlatformTask{
				ID: uuid.New().String(), JobID: jobID, Platform: platform,
				Status: types.PlatformTaskPending, Attempt: 0,
				CreatedAt: now, UpdatedAt: now,
			}
			if err := putJSON(tasks, taskKey(jobID, platform), task); err != nil {
				return err
			}
			if err := appendEvent(events, &types.Event{
				ID: uuid.New().String(), JobID: jobID, Platform: platform,
				Type: types.EventSubTaskCreated, Timestamp: now,
				ToStatus: string(types.PlatformTaskPending),
			}, seq); err != nil {
				return err
			}
			seq++
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	s.publish(&types.Event{JobID: jobID, Type: types.EventJobCreated, Timestamp: now, ToStatus: string(types.JobStatusPending)})
	return jobID, nil
}

// TransitionSubTask compares the stored status of (jobID, platform) against
// from and, if it matches and the job is not terminal, writes to. On a
// successful transition to Processing it bumps Attempt and StartedAt; on a
// terminal transition it stamps CompletedAt/Duration. It then recomputes the
// job's aggregated status and, the moment that aggregation first reaches a
// terminal value, emits and mirrors the matching job-level event
// (CompleteJob only attaches an integrity report afterward; it does not
// re-derive or re-announce the terminal transition itself).
func (s *Store) TransitionSubTask(jobID, platform string, from, to types.PlatformTaskStatus, payload map[string]any) error {
	now := time.Now()
	var jobTerminalStatus types.JobStatus

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is terminal (%s)", ErrConflict, jobID, job.Status)
		}

		var task types.PlatformTask
		if err := getJSON(tasks, taskKey(jobID, platform), &task); err != nil {
			return err
		}
		if task.Status != from {
			return fmt.Errorf("%w: (job=%s platform=%s) expected %s, found %s", ErrConflict, jobID, platform, from, task.Status)
		}

		task.Status = to
		task.UpdatedAt = now
		switch to {
		case types.PlatformTaskAssigned:
			// no-op beyond status/updated_at
		case types.PlatformTaskProcessing:
			task.Attempt++
			task.StartedAt = now
		case types.PlatformTaskPending:
			// retry: attempt is bumped on the next Processing transition
		case types.PlatformTaskCompleted, types.PlatformTaskFailed, types.PlatformTaskCancelled:
			task.CompletedAt = now
			if !task.StartedAt.IsZero() {
				task.Duration = now.Sub(task.StartedAt)
			}
			if payload != nil {
				if rc, ok := payload["record_count"].(int); ok {
					task.RecordCount = rc
				}
				if ref, ok := payload["payload_ref"].(string); ok {
					task.PayloadRef = ref
				}
				if hash, ok := payload["payload_hash"].(string); ok {
					task.PayloadHash = hash
				}
			}
		}

		if err := putJSON(tasks, taskKey(jobID, platform), &task); err != nil {
			return err
		}

		eventType := subTaskEventType(to)
		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		if err := appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Platform: platform,
			Type: eventType, Timestamp: now, Attempt: task.Attempt,
			FromStatus: string(from), ToStatus: string(to), Payload: payload,
		}, seq); err != nil {
			return err
		}

		allTasks, err := listTasksForJob(tasks, jobID)
		if err != nil {
			return err
		}
		newStatus := aggregateJobStatus(allTasks)
		if newStatus != job.Status {
			job.Status = newStatus
			job.UpdatedAt = now
			if err := putJSON(jobs, []byte(jobID), &job); err != nil {
				return err
			}
			if newStatus.Terminal() {
				jobTerminalStatus = newStatus
				seq++
				if err := appendEvent(events, &types.Event{
					ID: uuid.New().String(), JobID: jobID, Type: jobEventTypeForStatus(newStatus),
					Timestamp: now, ToStatus: string(newStatus),
				}, seq); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}
	if jobTerminalStatus != "" {
		s.publish(&types.Event{JobID: jobID, Type: jobEventTypeForStatus(jobTerminalStatus), Timestamp: now, ToStatus: string(jobTerminalStatus)})
	}
	return nil
}

// jobEventTypeForStatus maps a newly-reached terminal JobStatus to the event
// type TransitionSubTask announces when its own aggregation crosses into it.
func jobEventTypeForStatus(status types.JobStatus) types.EventType {
	switch status {
	case types.JobStatusFailed:
		return types.EventJobFailed
	case types.JobStatusCancelled:
		return types.EventJobCancelled
	default:
		return types.EventJobCompleted
	}
}

func subTaskEventType(status types.PlatformTaskStatus) types.EventType {
	switch status {
	case types.PlatformTaskAssigned:
		return types.EventSubTaskStarted
	case types.PlatformTaskProcessing:
		return types.EventSubTaskProgress
	case types.PlatformTaskCompleted:
		return types.EventSubTaskCompleted
	case types.PlatformTaskFailed:
		return types.EventSubTaskFailed
	case types.PlatformTaskPending:
		return types.EventRetryScheduled
	default:
		return types.EventSubTaskProgress
	}
}

// aggregateJobStatus implements spec's aggregated job-status rule.
func aggregateJobStatus(tasks []types.PlatformTask) types.JobStatus {
	if len(tasks) == 0 {
		return types.JobStatusPending
	}

	var completed, failed, terminal int
	for _, t := range tasks {
		if t.Status.Terminal() {
			terminal++
		}
		switch t.Status {
		case types.PlatformTaskCompleted:
			completed++
		case types.PlatformTaskFailed:
			failed++
		}
	}

	if terminal < len(tasks) {
		return types.JobStatusProcessing
	}
	if failed == len(tasks) {
		return types.JobStatusFailed
	}
	if completed > 0 {
		return types.JobStatusCompleted
	}
	return types.JobStatusCancelled
}

// RecordError attaches an error record to the current PlatformTask attempt
// and emits ErrorOccurred.
func (s *Store) RecordError(jobID, platform string, rec types.ErrorRecord) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		var task types.PlatformTask
		if err := getJSON(tasks, taskKey(jobID, platform), &task); err != nil {
			return err
		}
		rec.ID = uuid.New().String()
		rec.JobID = jobID
		rec.Platform = platform
		rec.Attempt = task.Attempt
		rec.OccurredAt = now
		task.LastError = &rec
		task.UpdatedAt = now
		if err := putJSON(tasks, taskKey(jobID, platform), &task); err != nil {
			return err
		}

		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		return appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Platform: platform,
			Type: types.EventErrorOccurred, Timestamp: now, Attempt: rec.Attempt,
			Payload: map[string]any{"category": string(rec.Category), "severity": string(rec.Severity), "message": rec.Message},
		}, seq)
	})
}

// CompleteJob idempotently marks a job terminal, attaching an integrity
// report when one is supplied. A job may already have reached status via
// TransitionSubTask's own aggregation (which announces the transition
// itself); CompleteJob still attaches the report in that case, it just
// skips re-announcing a transition that already happened. It rejects a job
// that is terminal under a *different* status as a genuine conflict.
func (s *Store) CompleteJob(jobID string, status types.JobStatus, report *types.IntegrityReport) error {
	if !status.Terminal() {
		return fmt.Errorf("taskstore: CompleteJob requires a terminal status, got %s", status)
	}
	now := time.Now()
	transitioned := false
	reportAttached := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)
		reports := tx.Bucket(bucketIntegrityReports)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		if job.Status.Terminal() && job.Status != status {
			return fmt.Errorf("%w: job %s already terminal as %s", ErrConflict, jobID, job.Status)
		}

		var seq uint64
		if job.Status != status {
			allTasks, err := listTasksForJob(tasks, jobID)
			if err != nil {
				return err
			}
			for _, t := range allTasks {
				if !t.Status.Terminal() {
					return fmt.Errorf("taskstore: CompleteJob(%s): sub-task %s not terminal (%s)", jobID, t.Platform, t.Status)
				}
			}

			job.Status = status
			job.UpdatedAt = now
			if err := putJSON(jobs, []byte(jobID), &job); err != nil {
				return err
			}

			var err2 error
			seq, err2 = nextEventSeq(tx, jobID)
			if err2 != nil {
				return err2
			}
			if err := appendEvent(events, &types.Event{
				ID: uuid.New().String(), JobID: jobID, Type: jobEventTypeForStatus(status), Timestamp: now,
				ToStatus: string(status),
			}, seq); err != nil {
				return err
			}
			transitioned = true
		}

		if report != nil && reports.Get([]byte(jobID)) == nil {
			report.JobID = jobID
			report.GeneratedAt = now
			if err := putJSON(reports, []byte(jobID), report); err != nil {
				return err
			}

			if seq == 0 {
				var err2 error
				seq, err2 = nextEventSeq(tx, jobID)
				if err2 != nil {
					return err2
				}
			} else {
				seq++
			}
			if err := appendEvent(events, &types.Event{
				ID: uuid.New().String(), JobID: jobID, Type: types.EventIntegrityReportReady,
				Timestamp: now, Payload: map[string]any{"passed": report.Passed},
			}, seq); err != nil {
				return err
			}
			reportAttached = true
		}

		return nil
	})
	if err != nil {
		return err
	}

	if transitioned {
		s.publish(&types.Event{JobID: jobID, Type: jobEventTypeForStatus(status), Timestamp: now, ToStatus: string(status)})
	}
	if reportAttached {
		s.publish(&types.Event{JobID: jobID, Type: types.EventIntegrityReportReady, Timestamp: now, Payload: map[string]any{"passed": report.Passed}})
	}
	return nil
}

// CancelJob flips a job and all its non-terminal sub-tasks to Cancelled.
func (s *Store) CancelJob(jobID string) error {
	now := time.Now()
	cancelled := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil // idempotent
		}
		cancelled = true

		allTasks, err := listTasksForJob(tasks, jobID)
		if err != nil {
			return err
		}
		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		for _, t := range allTasks {
			if t.Status.Terminal() {
				continue
			}
			from := t.Status
			t.Status = types.PlatformTaskCancelled
			t.CompletedAt = now
			t.UpdatedAt = now
			if err := putJSON(tasks, taskKey(jobID, t.Platform), &t); err != nil {
				return err
			}
			if err := appendEvent(events, &types.Event{
				ID: uuid.New().String(), JobID: jobID, Platform: t.Platform,
				Type: types.EventSubTaskFailed, Timestamp: now,
				FromStatus: string(from), ToStatus: string(types.PlatformTaskCancelled),
			}, seq); err != nil {
				return err
			}
			seq++
		}

		job.Status = types.JobStatusCancelled
		job.UpdatedAt = now
		if err := putJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		return appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Type: types.EventJobCancelled,
			Timestamp: now, ToStatus: string(types.JobStatusCancelled),
		}, seq)
	})
	if err != nil {
		return err
	}
	if cancelled {
		s.publish(&types.Event{JobID: jobID, Type: types.EventJobCancelled, Timestamp: now, ToStatus: string(types.JobStatusCancelled)})
	}
	return nil
}

// AddFallbackSubTask creates a new Pending PlatformTask for fallbackPlatform
// on an otherwise non-terminal job, recording a FallbackApplied event against
// the platform that exhausted its attempts.
func (s *Store) AddFallbackSubTask(jobID, failedPlatform, fallbackPlatform string) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return fmt.Errorf("%w: job %s is terminal (%s)", ErrConflict, jobID, job.Status)
		}

		task := &types.PlatformTask{
			ID: uuid.New().String(), JobID: jobID, Platform: fallbackPlatform,
			Status: types.PlatformTaskPending, Attempt: 0, CreatedAt: now, UpdatedAt: now,
		}
		if err := putJSON(tasks, taskKey(jobID, fallbackPlatform), task); err != nil {
			return err
		}

		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		if err := appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Platform: failedPlatform,
			Type: types.EventFallbackApplied, Timestamp: now,
			Payload: map[string]any{"fallback_platform": fallbackPlatform},
		}, seq); err != nil {
			return err
		}
		seq++
		if err := appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Platform: fallbackPlatform,
			Type: types.EventSubTaskCreated, Timestamp: now, ToStatus: string(types.PlatformTaskPending),
		}, seq); err != nil {
			return err
		}

		allTasks, err := listTasksForJob(tasks, jobID)
		if err != nil {
			return err
		}
		if newStatus := aggregateJobStatus(allTasks); newStatus != job.Status {
			job.Status = newStatus
			job.UpdatedAt = now
			return putJSON(jobs, []byte(jobID), &job)
		}
		return nil
	})
}

// Rollback unwinds a job mid-run on a critical, unrecoverable error: every
// non-terminal sub-task is cancelled, every sub-task's stored payload is
// marked hidden (never deleted), and the job is transitioned to Failed with
// reason attached. A no-op if the job is already terminal.
func (s *Store) Rollback(jobID, reason string) error {
	now := time.Now()
	rolledBack := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		tasks := tx.Bucket(bucketPlatformTasks)
		events := tx.Bucket(bucketEvents)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}
		rolledBack = true

		allTasks, err := listTasksForJob(tasks, jobID)
		if err != nil {
			return err
		}
		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		for _, t := range allTasks {
			t.PayloadHidden = true
			if !t.Status.Terminal() {
				from := t.Status
				t.Status = types.PlatformTaskCancelled
				t.CompletedAt = now
				if err := appendEvent(events, &types.Event{
					ID: uuid.New().String(), JobID: jobID, Platform: t.Platform,
					Type: types.EventSubTaskFailed, Timestamp: now,
					FromStatus: string(from), ToStatus: string(types.PlatformTaskCancelled),
				}, seq); err != nil {
					return err
				}
				seq++
			}
			t.UpdatedAt = now
			if err := putJSON(tasks, taskKey(jobID, t.Platform), &t); err != nil {
				return err
			}
		}

		job.Status = types.JobStatusFailed
		job.AttentionReason = reason
		job.UpdatedAt = now
		if err := putJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		return appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Type: types.EventJobFailed, Timestamp: now,
			ToStatus: string(types.JobStatusFailed), Payload: map[string]any{"reason": reason, "rolled_back": true},
		}, seq)
	})
	if err != nil {
		return err
	}
	if rolledBack {
		s.publish(&types.Event{
			JobID: jobID, Type: types.EventJobFailed, Timestamp: now,
			ToStatus: string(types.JobStatusFailed), Payload: map[string]any{"reason": reason, "rolled_back": true},
		})
	}
	return nil
}

// MarkNeedsAttention sets a job's manual-intervention flag and emits
// NeedsAttention, without otherwise changing the job's status.
func (s *Store) MarkNeedsAttention(jobID, reason string) error {
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		events := tx.Bucket(bucketEvents)

		var job types.Job
		if err := getJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}
		job.RequiresAttention = true
		job.AttentionReason = reason
		job.UpdatedAt = now
		if err := putJSON(jobs, []byte(jobID), &job); err != nil {
			return err
		}

		seq, err := nextEventSeq(tx, jobID)
		if err != nil {
			return err
		}
		return appendEvent(events, &types.Event{
			ID: uuid.New().String(), JobID: jobID, Type: types.EventNeedsAttention, Timestamp: now,
			Payload: map[string]any{"reason": reason},
		}, seq)
	})
	if err != nil {
		return err
	}
	s.publish(&types.Event{JobID: jobID, Type: types.EventNeedsAttention, Timestamp: now, Payload: map[string]any{"reason": reason}})
	return nil
}

// QueryJob returns the current Job row.
func (s *Store) QueryJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketJobs), []byte(jobID), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListPlatformTasks returns every PlatformTask row owned by a job.
func (s *Store) ListPlatformTasks(jobID string) ([]types.PlatformTask, error) {
	var tasks []types.PlatformTask
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tasks, err = listTasksForJob(tx.Bucket(bucketPlatformTasks), jobID)
		return err
	})
	return tasks, err
}

// GetPlatformTask returns a single (job, platform) row.
func (s *Store) GetPlatformTask(jobID, platform string) (*types.PlatformTask, error) {
	var task types.PlatformTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPlatformTasks), taskKey(jobID, platform), &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// QueryEvents returns a job's event slice starting after cursor (an event
// ID, or empty for the start), up to limit events, plus the cursor to pass
// on the next call (empty when exhausted).
func (s *Store) QueryEvents(jobID, cursor string, limit int) ([]types.Event, string, error) {
	if limit <= 0 {
		limit = 100
	}

	var all []types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			all = append(all, ev)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	start := 0
	if cursor != "" {
		for i, ev := range all {
			if ev.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(all) {
		return nil, "", nil
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// UpdatePlatformHealth upserts a platform's rolling health snapshot.
func (s *Store) UpdatePlatformHealth(h *types.PlatformHealth) error {
	h.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPlatformHealth), []byte(h.Platform), h)
	})
}

// GetPlatformHealth returns a platform's current health snapshot.
func (s *Store) GetPlatformHealth(platform string) (*types.PlatformHealth, error) {
	var h types.PlatformHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPlatformHealth), []byte(platform), &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListPlatformHealth returns every known platform's health snapshot.
func (s *Store) ListPlatformHealth() ([]types.PlatformHealth, error) {
	var out []types.PlatformHealth
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlatformHealth)
		return b.ForEach(func(k, v []byte) error {
			var h types.PlatformHealth
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, h)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, err
}

// SaveNotification upserts a NotificationMessage row.
func (s *Store) SaveNotification(msg *types.NotificationMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNotifications), []byte(msg.ID), msg)
	})
}

// SaveResults stores the raw normalized records one platform produced for a
// job's current attempt. The Integrity Engine loads these back per platform.
func (s *Store) SaveResults(jobID, platform string, records []types.JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketResults), taskKey(jobID, platform), records)
	})
}

// GetResults returns one platform's stored records for a job.
func (s *Store) GetResults(jobID, platform string) ([]types.JobRecord, error) {
	var records []types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(taskKey(jobID, platform))
		if data == nil {
			return nil // no results recorded (e.g. a failed sub-task)
		}
		return json.Unmarshal(data, &records)
	})
	return records, err
}

// ListAllResults returns every platform's stored records for a job, keyed by
// platform name.
func (s *Store) ListAllResults(jobID string) (map[string][]types.JobRecord, error) {
	out := make(map[string][]types.JobRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		c := b.Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			platform := string(k[len(prefix):])
			var records []types.JobRecord
			if err := json.Unmarshal(v, &records); err != nil {
				return err
			}
			out[platform] = records
		}
		return nil
	})
	return out, err
}

// GetIntegrityReport returns a job's terminal integrity report, if any.
func (s *Store) GetIntegrityReport(jobID string) (*types.IntegrityReport, error) {
	var report types.IntegrityReport
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketIntegrityReports), []byte(jobID), &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func listTasksForJob(b *bolt.Bucket, jobID string) ([]types.PlatformTask, error) {
	var tasks []types.PlatformTask
	c := b.Cursor()
	prefix := []byte(jobID + "/")
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var t types.PlatformTask
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func appendEvent(b *bolt.Bucket, ev *types.Event, seq uint64) error {
	return putJSON(b, eventKey(ev.JobID, seq), ev)
}

// nextEventSeq scans the highest existing sequence number for a job within
// the current transaction so multiple events appended in one call get
// strictly increasing keys.
func nextEventSeq(tx *bolt.Tx, jobID string) (uint64, error) {
	b := tx.Bucket(bucketEvents)
	c := b.Cursor()
	prefix := []byte(jobID + "/")
	var last uint64
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		last++
	}
	return last, nil
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%w: key %s", ErrNotFound, key)
	}
	return json.Unmarshal(data, v)
}
