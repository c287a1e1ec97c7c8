package integrity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
			{
				Name: "indeed", Regions: []string{"us"}, MaxConcurrentRequests: 1, RateLimitPerMinute: 60,
				RequiredFields: []string{"title", "company", "location"},
				OptionalFields: []string{"date_posted", "job_url"},
				RegionPriority: map[string]int{"us": 1},
			},
			{
				Name: "reed", Regions: []string{"us"}, MaxConcurrentRequests: 1, RateLimitPerMinute: 60,
				RequiredFields: []string{"title", "company", "location"},
				OptionalFields: []string{"date_posted", "job_url"},
				RegionPriority: map[string]int{"us": 2},
			},
		},
		Regions: []config.RegionConfig{{Name: "us", Keywords: []string{"usa"}, Priority: 1}},
	})
	require.NoError(t, err)
	return reg
}

func completeJobWithResults(t *testing.T, store *taskstore.Store, platforms []string, results map[string][]types.JobRecord, spec taskstore.JobSpec) string {
	t.Helper()
	spec.Platforms = platforms
	jobID, err := store.CreateJob(spec)
	require.NoError(t, err)
	for _, p := range platforms {
		require.NoError(t, store.TransitionSubTask(jobID, p, types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
		require.NoError(t, store.TransitionSubTask(jobID, p, types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
		require.NoError(t, store.TransitionSubTask(jobID, p, types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))
		require.NoError(t, store.SaveResults(jobID, p, results[p]))
	}
	return jobID
}

func TestEvaluate_ComputesPerPlatformMetrics(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.5, MaxDuplicateRate: 0.5, CompletenessThreshold: 0.5})

	results := map[string][]types.JobRecord{
		"indeed": {
			{Title: "Go Engineer", Company: "Acme", Location: "Remote", DatePosted: "2026-07-01"},
			{Title: "Go Engineer", Company: "Acme", Location: "Remote", DatePosted: "2026-07-01"}, // exact duplicate within platform
		},
		"reed": {
			{Title: "Go Engineer", Company: "Acme", Location: "Remote", DatePosted: "2026-07-01"},
		},
	}

	jobID := completeJobWithResults(t, store, []string{"indeed", "reed"}, results, taskstore.JobSpec{Query: "go"})

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)

	assert.Len(t, report.Platforms, 2)
	assert.Equal(t, 1.0, report.PlatformCoverage)

	for _, s := range report.Platforms {
		if s.Platform == "indeed" {
			assert.Equal(t, 1, s.Duplicates)
			assert.Equal(t, 2, s.Total)
		}
	}

	// Same signature on both platforms: one cross-platform duplicate group.
	require.Len(t, report.CrossPlatformDups, 1)
	assert.ElementsMatch(t, []string{"indeed", "reed"}, report.CrossPlatformDups[0].Sources)
	assert.InDelta(t, 1.0, report.CrossPlatformDups[0].Similarity, 0.01)
}

func TestEvaluate_MissingPlatformLowersCoverageAndFlags(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.9, MinOverallQuality: 0.5})

	jobID, err := store.CreateJob(taskstore.JobSpec{Query: "go", Platforms: []string{"indeed", "reed"}})
	require.NoError(t, err)
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "indeed", types.PlatformTaskProcessing, types.PlatformTaskCompleted, nil))
	require.NoError(t, store.SaveResults(jobID, "indeed", []types.JobRecord{{Title: "Go Engineer", Company: "Acme", Location: "Remote"}}))
	require.NoError(t, store.TransitionSubTask(jobID, "reed", types.PlatformTaskPending, types.PlatformTaskAssigned, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "reed", types.PlatformTaskAssigned, types.PlatformTaskProcessing, nil))
	require.NoError(t, store.TransitionSubTask(jobID, "reed", types.PlatformTaskProcessing, types.PlatformTaskFailed, nil))
	require.NoError(t, store.CancelJob(jobID))

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)

	assert.Less(t, report.PlatformCoverage, 1.0)
	assert.Contains(t, report.FailedPlatforms, "reed")
	assert.NotEmpty(t, report.Issues)
	assert.Contains(t, report.Recommendations, `platform "reed" produced no results`)
}

func TestEvaluate_DeduplicateSmartKeepsHighestQuality(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.0})

	results := map[string][]types.JobRecord{
		"indeed": {{Title: "Go Engineer", Company: "Acme", Location: "Remote"}}, // missing date_posted/job_url -> lower completeness
		"reed":   {{Title: "Go Engineer", Company: "Acme", Location: "Remote", DatePosted: "2026-07-01", JobURL: "https://reed.example/1"}},
	}

	jobID := completeJobWithResults(t, store, []string{"indeed", "reed"}, results, taskstore.JobSpec{
		Query: "go", AggregationStrategy: types.AggregationDeduplicateSmart,
	})

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)

	require.Len(t, report.AggregatedRecords, 1)
	assert.Equal(t, "reed", report.AggregatedRecords[0].SourcePlatform)
	assert.Equal(t, "1", report.AggregatedRecords[0].Extra["duplicate_count"])
}

func TestEvaluate_PriorityBasedPrefersConfiguredOrder(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.0})

	results := map[string][]types.JobRecord{
		"indeed": {{Title: "Go Engineer", Company: "Acme", Location: "Remote"}},
		"reed":   {{Title: "Go Engineer", Company: "Acme", Location: "Remote"}},
	}

	jobID := completeJobWithResults(t, store, []string{"indeed", "reed"}, results, taskstore.JobSpec{
		Query: "go", Region: "us", AggregationStrategy: types.AggregationPriorityBased,
	})

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)

	require.Len(t, report.AggregatedRecords, 1)
	assert.Equal(t, "indeed", report.AggregatedRecords[0].SourcePlatform) // priority 1 beats priority 2
}

func TestEvaluate_ConsensusBasedMergesFields(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.0})

	results := map[string][]types.JobRecord{
		"indeed": {{Title: "Go Engineer", Company: "Acme", Location: "Remote", Description: "short"}},
		"reed":   {{Title: "Go Engineer", Company: "Acme", Location: "Remote", Description: "a much longer description"}},
	}

	jobID := completeJobWithResults(t, store, []string{"indeed", "reed"}, results, taskstore.JobSpec{
		Query: "go", AggregationStrategy: types.AggregationConsensusBased,
	})

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)

	require.Len(t, report.AggregatedRecords, 1)
	assert.Equal(t, "a much longer description", report.AggregatedRecords[0].Description)
	assert.Equal(t, "2", report.AggregatedRecords[0].Extra["consensus_count"])
}

func TestEvaluate_TemporalConsistencyWarnsOnStaleRecords(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.0})

	old := time.Now().Add(-400 * 24 * time.Hour).Format("2006-01-02")
	results := map[string][]types.JobRecord{
		"indeed": {{Title: "Go Engineer", Company: "Acme", Location: "Remote", DatePosted: old}},
	}

	jobID := completeJobWithResults(t, store, []string{"indeed"}, results, taskstore.JobSpec{Query: "go"})

	report, err := engine.Evaluate(jobID)
	require.NoError(t, err)
	assert.NotEmpty(t, report.Warnings)
}

func TestRun_PersistsReportAndCompletesJob(t *testing.T) {
	store := testStore(t)
	reg := testRegistry(t)
	engine := New(store, reg, config.IntegrityConfig{MinPlatformCoverage: 0.5, MinOverallQuality: 0.0})

	results := map[string][]types.JobRecord{
		"indeed": {{Title: "Go Engineer", Company: "Acme", Location: "Remote"}},
	}
	jobID := completeJobWithResults(t, store, []string{"indeed"}, results, taskstore.JobSpec{Query: "go"})

	report, err := engine.Run(jobID)
	require.NoError(t, err)
	assert.True(t, report.Passed)

	job, err := store.QueryJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)

	got, err := store.GetIntegrityReport(jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, got.JobID)
}
