package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/integrity"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/syncbus"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	records []types.JobRecord
}

func (a *fakeAdapter) Search(ctx context.Context, query, location string, limit int) (scheduler.AdapterResult, error) {
	return scheduler.AdapterResult{Records: a.records}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []types.NotificationMessage
	signal   chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{signal: make(chan struct{}, 16)}
}

func (n *fakeNotifier) Enqueue(msg types.NotificationMessage) error {
	n.mu.Lock()
	n.messages = append(n.messages, msg)
	n.mu.Unlock()
	n.signal <- struct{}{}
	return nil
}

func (n *fakeNotifier) waitForOne(t *testing.T) {
	t.Helper()
	select {
	case <-n.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a completion notification")
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&config.Config{
		Platforms: []config.PlatformConfig{
			{Name: "indeed", Regions: []string{"us"}, MaxConcurrentRequests: 2, RateLimitPerMinute: 60, ReliabilityPrior: 0.9},
		},
		Regions: []config.RegionConfig{{Name: "us", Keywords: []string{"usa", "remote"}, Priority: 1}},
	})
	require.NoError(t, err)
	return reg
}

func testStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(filepath.Join(t.TempDir(), "jobhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testCoordinator wires a full set of live components (store, registry,
// scheduler, integrity engine, sync bus) with a fake adapter and fake
// notifier, mirroring cmd/jobhub's construction order without opening any
// network listeners.
func testCoordinator(t *testing.T, notifier *fakeNotifier) (*Coordinator, *taskstore.Store) {
	t.Helper()
	store := testStore(t)
	reg := testRegistry(t)
	bus := syncbus.New(config.SyncBusConfig{QueueCapacity: 100, BatchSize: 10, BatchTimeout: 10 * time.Millisecond})
	bus.Start()
	t.Cleanup(bus.Stop)
	store.SetSyncPublisher(bus)

	sched := scheduler.New(scheduler.Config{SemaphoreWait: 10 * time.Millisecond, AdapterTimeout: time.Second}, store, reg,
		map[string]scheduler.Adapter{"indeed": &fakeAdapter{records: []types.JobRecord{{Title: "Engineer", Company: "Acme"}}}})
	sched.Start()
	t.Cleanup(sched.Stop)

	integrityEngine := integrity.New(store, reg, config.IntegrityConfig{
		MinPlatformCoverage: 0.5, MinOverallQuality: 0, MaxDuplicateRate: 1, CompletenessThreshold: 0,
	})

	var ntf CompletionNotifier
	if notifier != nil {
		ntf = notifier
	}

	c := New(config.APIConfig{ListenAddr: ":0", MetricsAddr: ":0"}, config.RedisConfig{}, store, reg, sched, integrityEngine, ntf, bus, nil)
	c.subID, c.subEvents = bus.RegisterLocal(types.ClientKindAPI, "test-coordinator", []types.EventType{
		types.EventJobCreated, types.EventJobCompleted, types.EventJobFailed, types.EventJobCancelled,
	})
	go c.watchTerminalJobs()
	t.Cleanup(func() { close(c.stopCh) })

	return c, store
}

func TestHandleCreateJob_AcceptsValidRequest(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	body, _ := json.Marshal(createJobRequest{Query: "go developer", Location: "Remote USA"})
	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	c.handleCreateJob(w, req)

	require.Equal(t, 202, w.Code)
	var resp createJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Contains(t, resp.AcceptedPlatforms, "indeed")
}

func TestHandleCreateJob_RejectsEmptyQuery(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	body, _ := json.Marshal(createJobRequest{Location: "Remote USA"})
	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	c.handleCreateJob(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestHandleCreateJob_RejectsWhenNoEligiblePlatform(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	body, _ := json.Marshal(createJobRequest{Query: "go developer", Location: "Berlin"})
	req := httptest.NewRequest("POST", "/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	c.handleCreateJob(w, req)

	assert.Equal(t, 422, w.Code)
}

func TestHandleGetJob_ReportsProgressAndIntegrityWhenTerminal(t *testing.T) {
	c, store := testCoordinator(t, nil)

	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Platforms: []string{"indeed"}, IntegrityEnabled: true})
	require.NoError(t, err)
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))
	require.NoError(t, store.CompleteJob(jobID, types.JobStatusCompleted, &types.IntegrityReport{Passed: true}))

	req := httptest.NewRequest("GET", "/jobs/"+jobID, nil)
	req.SetPathValue("id", jobID)
	w := httptest.NewRecorder()

	c.handleGetJob(w, req)

	require.Equal(t, 200, w.Code)
	var resp jobStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.JobStatusCompleted, resp.Status)
	assert.Equal(t, 1, resp.Progress.Completed)
	require.NotNil(t, resp.Integrity)
	assert.True(t, resp.Integrity.Passed)
}

func TestHandleGetJob_UnknownJobReturnsNotFound(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	req := httptest.NewRequest("GET", "/jobs/does-not-exist", nil)
	req.SetPathValue("id", "does-not-exist")
	w := httptest.NewRecorder()

	c.handleGetJob(w, req)

	assert.Equal(t, 404, w.Code)
}

func TestHandleJobEvents_Paginates(t *testing.T) {
	c, store := testCoordinator(t, nil)

	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/jobs/"+jobID+"/events?limit=1", nil)
	req.SetPathValue("id", jobID)
	w := httptest.NewRecorder()

	c.handleJobEvents(w, req)

	require.Equal(t, 200, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	events := resp["events"].([]any)
	assert.Len(t, events, 1)
	assert.NotEmpty(t, resp["cursor"])
}

func TestHandleCancelJob_IsIdempotent(t *testing.T) {
	c, store := testCoordinator(t, nil)

	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Platforms: []string{"indeed"}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/jobs/"+jobID+"/cancel", nil)
		req.SetPathValue("id", jobID)
		w := httptest.NewRecorder()
		c.handleCancelJob(w, req)
		require.Equal(t, 200, w.Code)
	}

	job, err := store.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, job.Status)
}

func TestHandleHealth_ReportsActiveJobsAndPlatformStatus(t *testing.T) {
	c, store := testCoordinator(t, nil)
	require.NoError(t, store.UpdatePlatformHealth(&types.PlatformHealth{Platform: "indeed", Status: types.PlatformActive, Capacity: 2}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	c.handleHealth(w, req)

	require.Equal(t, 200, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Contains(t, resp.PerPlatform, "indeed")
}

func TestSyncEventDriven_CompletionRunsIntegrityAndNotifies(t *testing.T) {
	notifier := newFakeNotifier()
	c, store := testCoordinator(t, notifier)

	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "q", Platforms: []string{"indeed"}, IntegrityEnabled: true})
	require.NoError(t, err)
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))

	notifier.waitForOne(t)

	report, err := store.GetIntegrityReport(jobID)
	require.NoError(t, err)
	assert.NotNil(t, report)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, jobID, notifier.messages[0].JobID)
}
