package errorengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequeuer struct {
	mu          sync.Mutex
	requeued    []string
	cancelled   []string
	requeueSig  chan struct{}
}

func newFakeRequeuer() *fakeRequeuer {
	return &fakeRequeuer{requeueSig: make(chan struct{}, 16)}
}

func (r *fakeRequeuer) Requeue(jobID string, priority int) {
	r.mu.Lock()
	r.requeued = append(r.requeued, jobID)
	r.mu.Unlock()
	r.requeueSig <- struct{}{}
}

func (r *fakeRequeuer) CancelInFlight(jobID string) {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, jobID)
	r.mu.Unlock()
}

func (r *fakeRequeuer) waitForRequeue(t *testing.T) {
	t.Helper()
	select {
	case <-r.requeueSig:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeue")
	}
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []types.NotificationMessage
}

func (n *fakeNotifier) Enqueue(msg types.NotificationMessage) error {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	n.mu.Unlock()
	return nil
}

func testStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(filepath.Join(t.TempDir(), "jobhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&config.Config{
		Platforms: []config.PlatformConfig{
			{Name: "indeed", Regions: []string{"us"}, MaxConcurrentRequests: 1, RateLimitPerMinute: 60},
			{Name: "reed", Regions: []string{"us"}, MaxConcurrentRequests: 1, RateLimitPerMinute: 60},
		},
		Regions: []config.RegionConfig{{Name: "us", Keywords: []string{"usa"}, Priority: 1}},
	})
	require.NoError(t, err)
	return reg
}

func setupJob(t *testing.T, store *taskstore.Store, platforms []string) string {
	t.Helper()
	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Location: "USA", Region: "us", Platforms: platforms, Priority: 3})
	require.NoError(t, err)
	for _, p := range platforms {
		require.NoError(t, store.TransitionSubTask(jobID, p, types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
		require.NoError(t, store.TransitionSubTask(jobID, p, types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	}
	return jobID
}

func TestHandle_NetworkErrorSchedulesRetry(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID := setupJob(t, store, []string{"indeed"})
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	engine := New(store, reg, requeuer)
	engine.Start()
	defer engine.Stop()

	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 1, Err: errors.New("dial tcp: connection refused")})

	requeuer.waitForRequeue(t)

	task, err := store.GetPlatformTask(jobID, "indeed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformTaskPending, task.Status)
	require.NotNil(t, task.LastError)
	assert.Equal(t, types.ErrorCategoryNetwork, task.LastError.Category)
}

func TestHandle_ValidationErrorSkipsWithoutRetry(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID := setupJob(t, store, []string{"indeed"})
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	engine := New(store, reg, requeuer)

	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 1, Err: errors.New("missing required field: company")})

	task, err := store.GetPlatformTask(jobID, "indeed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformTaskFailed, task.Status) // left failed, not requeued

	requeuer.mu.Lock()
	defer requeuer.mu.Unlock()
	assert.Empty(t, requeuer.requeued)
}

func TestHandle_AuthenticationErrorEscalates(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID := setupJob(t, store, []string{"indeed"})
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	notifier := &fakeNotifier{}
	engine := New(store, reg, requeuer)
	engine.SetNotifier(notifier)

	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 1, Err: errors.New("401 unauthorized")})

	job, err := store.QueryJob(jobID)
	require.NoError(t, err)
	assert.True(t, job.RequiresAttention)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.messages, 3) // High severity: email, slack, log
}

func TestHandle_PlatformErrorExhaustedAppliesFallback(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID := setupJob(t, store, []string{"indeed"})
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	engine := New(store, reg, requeuer)

	// Attempt 3 == max attempts for Platform category: exhausted, falls back.
	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 3, Err: errors.New("503 service unavailable")})

	task, err := store.GetPlatformTask(jobID, "reed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformTaskPending, task.Status)

	requeuer.mu.Lock()
	defer requeuer.mu.Unlock()
	assert.Contains(t, requeuer.requeued, jobID)
}

func TestHandle_SystemErrorRollsBackJob(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID := setupJob(t, store, []string{"indeed", "reed"})
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	notifier := &fakeNotifier{}
	engine := New(store, reg, requeuer)
	engine.SetNotifier(notifier)

	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 1, Err: errors.New("internal error: nil pointer dereference")})

	job, err := store.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)

	reedTask, err := store.GetPlatformTask(jobID, "reed")
	require.NoError(t, err)
	assert.Equal(t, types.PlatformTaskCancelled, reedTask.Status)
	assert.True(t, reedTask.PayloadHidden)

	requeuer.mu.Lock()
	defer requeuer.mu.Unlock()
	assert.Contains(t, requeuer.cancelled, jobID)
}

func TestHandle_RequiredPlatformFailureEscalatesSeverity(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Platforms: []string{"indeed", "reed"}, RequiredPlatforms: []string{"indeed"}})
	require.NoError(t, err)
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))

	requeuer := newFakeRequeuer()
	engine := New(store, reg, requeuer)

	engine.Handle(context.Background(), scheduler.Failure{JobID: jobID, Platform: "indeed", Attempt: 1, Err: errors.New("dial tcp: connection refused")})

	job, err := store.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status) // rolled back: required platform lost
}

func TestComputeDelay_RateLimitIsLongerThanNetwork(t *testing.T) {
	networkDelay := computeDelay(types.ErrorCategoryNetwork, 1)
	rateLimitDelay := computeDelay(types.ErrorCategoryRateLimit, 2)
	assert.Greater(t, rateLimitDelay, networkDelay/2) // jitter makes exact comparison unsafe; sanity check only
}

func TestClassify_TokenMatching(t *testing.T) {
	assert.Equal(t, types.ErrorCategoryRateLimit, classify(errors.New("429 too many requests")))
	assert.Equal(t, types.ErrorCategoryAuthentication, classify(errors.New("403 forbidden")))
	assert.Equal(t, types.ErrorCategoryParsing, classify(errors.New("failed to unmarshal response")))
	assert.Equal(t, types.ErrorCategoryUnknown, classify(errors.New("something odd happened")))
}
