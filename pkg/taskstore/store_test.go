package taskstore

import (
	"path/filepath"
	"testing"

	"github.com/joborch/jobhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobhub.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateJob_InsertsJobAndSubTasks(t *testing.T) {
	s := newTestStore(t)

	jobID, err := s.CreateJob(JobSpec{Query: "go developer", Platforms: []string{"indeed", "reed"}, Priority: 3})
	require.NoError(t, err)

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)

	tasks, err := s.ListPlatformTasks(jobID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, types.PlatformTaskPending, task.Status)
	}

	events, _, err := s.QueryEvents(jobID, "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 3) // JobCreated + 2x SubTaskCreated
}

func TestTransitionSubTask_CASRejectsStaleFrom(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	err = s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil)
	require.ErrorIs(t, err, ErrConflict)

	err = s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil)
	require.NoError(t, err)
}

func TestTransitionSubTask_AggregatesJobStatus(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed", "reed"}})
	require.NoError(t, err)

	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, job.Status)

	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, map[string]any{"record_count": 5}))
	require.NoError(t, s.TransitionSubTask(jobID, "reed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "reed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "reed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	job, err = s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status) // at least one Completed

	task, err := s.GetPlatformTask(jobID, "indeed")
	require.NoError(t, err)
	assert.Equal(t, 5, task.RecordCount)
	assert.Equal(t, 1, task.Attempt)
}

func TestTransitionSubTask_RejectsOnTerminalJob(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))

	err = s.TransitionSubTask(jobID, "indeed", types.PlatformTaskCompleted, types.PlatformTaskPending, nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCancelJob_CancelsNonTerminalSubTasks(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed", "reed"}})
	require.NoError(t, err)

	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.CancelJob(jobID))

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)

	tasks, err := s.ListPlatformTasks(jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.PlatformTaskCancelled, task.Status)
	}

	// Idempotent.
	require.NoError(t, s.CancelJob(jobID))
}

func TestCompleteJob_RejectsWhenSubTasksNotTerminal(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	err = s.CompleteJob(jobID, types.JobStatusCompleted, nil)
	require.Error(t, err)
}

func TestCompleteJob_PersistsIntegrityReport(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))

	report := &types.IntegrityReport{Passed: true}
	require.NoError(t, s.CompleteJob(jobID, types.JobStatusCompleted, report))

	got, err := s.GetIntegrityReport(jobID)
	require.NoError(t, err)
	assert.True(t, got.Passed)
	assert.Equal(t, jobID, got.JobID)

	// Idempotent re-call with the same status.
	require.NoError(t, s.CompleteJob(jobID, types.JobStatusCompleted, nil))
}

func TestCompleteJob_AttachesReportWhenTransitionSubTaskAlreadyWentTerminal(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobStatusCompleted, job.Status, "aggregation should have already flipped the job terminal")

	report := &types.IntegrityReport{Passed: false}
	require.NoError(t, s.CompleteJob(jobID, types.JobStatusCompleted, report))

	got, err := s.GetIntegrityReport(jobID)
	require.NoError(t, err)
	assert.False(t, got.Passed)

	// A second call with a report must not overwrite the first or re-append
	// the ready event.
	require.NoError(t, s.CompleteJob(jobID, types.JobStatusCompleted, &types.IntegrityReport{Passed: true}))
	got2, err := s.GetIntegrityReport(jobID)
	require.NoError(t, err)
	assert.False(t, got2.Passed, "first persisted report must not be overwritten by a later idempotent call")
}

func TestQueryEvents_Pagination(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed", "reed", "glassdoor"}})
	require.NoError(t, err)

	page1, cursor1, err := s.QueryEvents(jobID, "", 2)
	require.NoError(t, err)
	assert.Len(t, page1, 2)
	assert.NotEmpty(t, cursor1)

	page2, cursor2, err := s.QueryEvents(jobID, cursor1, 2)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.Empty(t, cursor2)
}

func TestRecordError_AttachesToTask(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	require.NoError(t, s.RecordError(jobID, "indeed", types.ErrorRecord{
		Category: types.ErrorCategoryNetwork, Severity: types.SeverityMedium, Message: "dial tcp: timeout",
	}))

	task, err := s.GetPlatformTask(jobID, "indeed")
	require.NoError(t, err)
	require.NotNil(t, task.LastError)
	assert.Equal(t, types.ErrorCategoryNetwork, task.LastError.Category)
}

func TestAddFallbackSubTask_CreatesPendingTask(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	require.NoError(t, s.AddFallbackSubTask(jobID, "indeed", "reed"))

	task, err := s.GetPlatformTask(jobID, "reed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformTaskPending, task.Status)

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, job.Status)
}

func TestRollback_CancelsSubTasksAndHidesPayload(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed", "reed"}})
	require.NoError(t, err)
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "reed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))

	require.NoError(t, s.Rollback(jobID, "critical system error"))

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, "critical system error", job.AttentionReason)

	indeed, err := s.GetPlatformTask(jobID, "indeed")
	require.NoError(t, err)
	assert.True(t, indeed.PayloadHidden)
	assert.Equal(t, types.PlatformTaskCompleted, indeed.Status) // already terminal, not overwritten

	reed, err := s.GetPlatformTask(jobID, "reed")
	require.NoError(t, err)
	assert.True(t, reed.PayloadHidden)
	assert.Equal(t, types.PlatformTaskCancelled, reed.Status)

	// Idempotent on an already-terminal job.
	require.NoError(t, s.Rollback(jobID, "ignored"))
}

func TestMarkNeedsAttention_SetsFlagAndEmitsEvent(t *testing.T) {
	s := newTestStore(t)
	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	require.NoError(t, s.MarkNeedsAttention(jobID, "authentication failure, no retry"))

	job, err := s.QueryJob(jobID)
	require.NoError(t, err)
	assert.True(t, job.RequiresAttention)
	assert.Equal(t, "authentication failure, no retry", job.AttentionReason)

	events, _, err := s.QueryEvents(jobID, "", 10)
	require.NoError(t, err)
	var sawNeedsAttention bool
	for _, ev := range events {
		if ev.Type == types.EventNeedsAttention {
			sawNeedsAttention = true
		}
	}
	assert.True(t, sawNeedsAttention)
}

type fakePublisher struct {
	events []*types.SyncEvent
}

func (f *fakePublisher) Publish(ev *types.SyncEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func TestSyncPublisher_MirrorsJobLevelEventsOnly(t *testing.T) {
	s := newTestStore(t)
	pub := &fakePublisher{}
	s.SetSyncPublisher(pub)

	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, s.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))
	require.NoError(t, s.CompleteJob(jobID, types.JobStatusCompleted, &types.IntegrityReport{Passed: true}))

	var sawJobCreated, sawJobCompleted, sawIntegrityReady bool
	for _, ev := range pub.events {
		switch ev.Type {
		case types.EventJobCreated:
			sawJobCreated = true
		case types.EventJobCompleted:
			sawJobCompleted = true
		case types.EventIntegrityReportReady:
			sawIntegrityReady = true
		case types.EventSubTaskCreated, types.EventSubTaskFailed:
			t.Fatalf("sub-task event %s should not be mirrored to the sync bus", ev.Type)
		}
	}
	assert.True(t, sawJobCreated)
	assert.True(t, sawJobCompleted)
	assert.True(t, sawIntegrityReady)

	// Sub-task transitions stay in the durable event log only (TransitionSubTask
	// publishes just the job-level event when the job turns terminal);
	// MarkNeedsAttention is job-level and is mirrored.
	before := len(pub.events)
	require.NoError(t, s.MarkNeedsAttention(jobID, "manual review"))
	assert.Greater(t, len(pub.events), before)
}

func TestCancelJob_IdempotentCallDoesNotRepublish(t *testing.T) {
	s := newTestStore(t)
	pub := &fakePublisher{}
	s.SetSyncPublisher(pub)

	jobID, err := s.CreateJob(JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(jobID))

	count := len(pub.events)
	require.NoError(t, s.CancelJob(jobID))
	assert.Equal(t, count, len(pub.events), "idempotent cancel on an already-terminal job must not republish")
}

func TestPlatformHealth_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdatePlatformHealth(&types.PlatformHealth{Platform: "indeed", Status: types.PlatformActive, Capacity: 4}))

	h, err := s.GetPlatformHealth("indeed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformActive, h.Status)

	all, err := s.ListPlatformHealth()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
