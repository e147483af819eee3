package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/internal/model"
	"github.com/driveline-ai/driveline/internal/storage"
	"github.com/driveline-ai/driveline/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	return m.Run()
}

func newProgress(t *testing.T) *model.ResearchProgress {
	t.Helper()
	p := model.NewResearchProgress(uuid.New().String(), "rough idle after warm restart", nil)
	p.AddSubtask("vehicle_systems", "Research vehicle systems")
	p.AddSubtask("compliance", "Check recalls and compliance")
	return p
}

func TestCreateAndGetProgress(t *testing.T) {
	ctx := context.Background()
	p := newProgress(t)

	require.NoError(t, testDB.CreateProgress(ctx, p))

	got, err := testDB.GetProgress(ctx, p.ResearchID)
	require.NoError(t, err)
	assert.Equal(t, p.ResearchID, got.ResearchID)
	assert.Equal(t, model.ResearchStatusPending, got.Status)
	assert.Len(t, got.Subtasks, 2)
	assert.Len(t, got.Logs, 1)
	assert.Equal(t, "Research task created", got.Logs[0].Message)
}

func TestCreateProgressDuplicate(t *testing.T) {
	ctx := context.Background()
	p := newProgress(t)

	require.NoError(t, testDB.CreateProgress(ctx, p))
	err := testDB.CreateProgress(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestGetProgressNotFound(t *testing.T) {
	_, err := testDB.GetProgress(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMutateProgress(t *testing.T) {
	ctx := context.Background()
	p := newProgress(t)
	require.NoError(t, testDB.CreateProgress(ctx, p))

	done := model.SubtaskStatusCompleted
	mutated, err := testDB.MutateProgress(ctx, p.ResearchID, func(p *model.ResearchProgress) error {
		p.UpdateSubtaskProgress("vehicle_systems", model.NewSubtaskProgress(3, 3), &done)
		p.AddLog("Vehicle systems research complete", "vehicle_systems", model.LogLevelInfo)
		p.UpdateOverallStatus()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResearchStatusInProgress, mutated.Status)
	assert.Equal(t, 50, mutated.OverallProgress)

	// The mutation is durable.
	got, err := testDB.GetProgress(ctx, p.ResearchID)
	require.NoError(t, err)
	st := got.Subtask("vehicle_systems")
	require.NotNil(t, st)
	assert.Equal(t, model.SubtaskStatusCompleted, st.Status)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, "Vehicle systems research complete", got.Logs[len(got.Logs)-1].Message)
}

func TestMutateProgressNotFound(t *testing.T) {
	_, err := testDB.MutateProgress(context.Background(), "no-such-run", func(*model.ResearchProgress) error {
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMutateProgressPublishesNotification(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := newProgress(t)
	require.NoError(t, testDB.CreateProgress(ctx, p))
	require.NoError(t, testDB.Listen(ctx, storage.ChannelProgress))

	_, err := testDB.MutateProgress(ctx, p.ResearchID, func(p *model.ResearchProgress) error {
		p.Status = model.ResearchStatusInProgress
		return nil
	})
	require.NoError(t, err)

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelProgress, channel)
	assert.Contains(t, payload, p.ResearchID)
	assert.Contains(t, payload, "in_progress")
}

func TestListProgress(t *testing.T) {
	ctx := context.Background()

	user := "list-user-" + uuid.New().String()
	for i := 0; i < 3; i++ {
		p := model.NewResearchProgress(uuid.New().String(), fmt.Sprintf("list query %d", i), &user)
		require.NoError(t, testDB.CreateProgress(ctx, p))
		time.Sleep(5 * time.Millisecond) // distinct created_at for ordering
	}

	summaries, err := testDB.ListProgress(ctx, model.ProgressFilter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	// Newest first.
	assert.Equal(t, "list query 2", summaries[0].Query)

	limited, err := testDB.ListProgress(ctx, model.ProgressFilter{UserID: &user, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	completed := model.ResearchStatusCompleted
	none, err := testDB.ListProgress(ctx, model.ProgressFilter{UserID: &user, Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func newResult(researchID, query string) *model.ResearchResult {
	return &model.ResearchResult{
		ResearchID: researchID,
		Query:      query,
		Result:     map[string]any{"synthesis": "inspect the purge valve", "summary": "purge valve stuck open"},
		Sources:    []string{"https://oem.example/tsb/19-002"},
		Metadata:   model.NewResultMetadata(nil),
		Status:     model.ResultStatusCompleted,
	}
}

func TestSaveAndFindResult(t *testing.T) {
	ctx := context.Background()
	researchID := uuid.New().String()
	r := newResult(researchID, "evap code p0441")

	require.NoError(t, testDB.SaveResult(ctx, r))
	require.NotEqual(t, uuid.Nil, r.ID)

	byUUID, err := testDB.FindResultByID(ctx, r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, researchID, byUUID.ResearchID)
	assert.Equal(t, "inspect the purge valve", byUUID.Result["synthesis"])

	byRun, err := testDB.FindResultByID(ctx, researchID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byRun.ID)

	_, err = testDB.FindResultByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchResults(t *testing.T) {
	ctx := context.Background()
	marker := uuid.New().String()[:8]

	r := newResult(uuid.New().String(), "timing chain rattle "+marker)
	r.Tags = []string{"engine-" + marker}
	require.NoError(t, testDB.SaveResult(ctx, r))

	// Default fields include the query text.
	found, err := testDB.SearchResults(ctx, marker, nil, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, r.ID, found[0].ID)

	// Restricting to tags still matches.
	found, err = testDB.SearchResults(ctx, "engine-"+marker, []string{"tags"}, 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	// A field list with nothing searchable is an error, not a full scan.
	_, err = testDB.SearchResults(ctx, marker, []string{"bogus"}, 10)
	require.Error(t, err)

	// ILIKE metacharacters in the needle are escaped, not interpreted.
	found, err = testDB.SearchResults(ctx, "%"+marker+"%", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestFindResultsByStatus(t *testing.T) {
	ctx := context.Background()
	r := newResult(uuid.New().String(), "abs module fault")
	r.Status = model.ResultStatusFailed
	require.NoError(t, testDB.SaveResult(ctx, r))

	failed, err := testDB.FindResultsByStatus(ctx, model.ResultStatusFailed)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, f := range failed {
		ids = append(ids, f.ID)
	}
	assert.Contains(t, ids, r.ID)
}

func TestFindResultsByDateRange(t *testing.T) {
	ctx := context.Background()
	r := newResult(uuid.New().String(), "window regulator noise")
	require.NoError(t, testDB.SaveResult(ctx, r))

	now := time.Now().UTC()
	results, err := testDB.FindResultsByDateRange(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, f := range results {
		ids = append(ids, f.ID)
	}
	assert.Contains(t, ids, r.ID)

	past, err := testDB.FindResultsByDateRange(ctx, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)
	for _, f := range past {
		assert.NotEqual(t, r.ID, f.ID)
	}
}

func TestAggregateResultStats(t *testing.T) {
	ctx := context.Background()
	r := newResult(uuid.New().String(), "stats query")
	require.NoError(t, testDB.SaveResult(ctx, r))

	stats, err := testDB.AggregateResultStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Total, 1)
	assert.GreaterOrEqual(t, stats.ByStatus["completed"], 1)
	require.NotEmpty(t, stats.Monthly)

	thisMonth := time.Now().UTC().Format("2006-01")
	var found bool
	for _, mc := range stats.Monthly {
		if mc.Month == thisMonth {
			found = true
			assert.GreaterOrEqual(t, mc.Count, 1)
		}
	}
	assert.True(t, found, "expected a bucket for the current month")
}

func TestUpdateResultTags(t *testing.T) {
	ctx := context.Background()
	r := newResult(uuid.New().String(), "tag update")
	require.NoError(t, testDB.SaveResult(ctx, r))

	require.NoError(t, testDB.UpdateResultTags(ctx, r.ID, []string{"suspension", "noise"}))

	got, err := testDB.FindResultByID(ctx, r.ID.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"suspension", "noise"}, got.Tags)

	err = testDB.UpdateResultTags(ctx, uuid.New(), []string{"x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteResult(t *testing.T) {
	ctx := context.Background()
	r := newResult(uuid.New().String(), "delete me")
	require.NoError(t, testDB.SaveResult(ctx, r))

	require.NoError(t, testDB.DeleteResult(ctx, r.ID))

	_, err := testDB.FindResultByID(ctx, r.ID.String())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.DeleteResult(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
