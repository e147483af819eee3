package research_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/internal/agent"
	"github.com/driveline-ai/driveline/internal/model"
	"github.com/driveline-ai/driveline/internal/service/research"
)

type fakeProgressStore struct {
	mu   sync.Mutex
	docs map[string]*model.ResearchProgress
}

func newFakeProgressStore() *fakeProgressStore {
	return &fakeProgressStore{docs: make(map[string]*model.ResearchProgress)}
}

func cloneProgress(p *model.ResearchProgress) *model.ResearchProgress {
	encoded, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	var cp model.ResearchProgress
	if err := json.Unmarshal(encoded, &cp); err != nil {
		panic(err)
	}
	return &cp
}

func (s *fakeProgressStore) CreateProgress(_ context.Context, p *model.ResearchProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[p.ResearchID]; ok {
		return errors.New("duplicate")
	}
	s.docs[p.ResearchID] = cloneProgress(p)
	return nil
}

func (s *fakeProgressStore) GetProgress(_ context.Context, researchID string) (*model.ResearchProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.docs[researchID]
	if !ok {
		return nil, errors.New("not found")
	}
	return cloneProgress(p), nil
}

func (s *fakeProgressStore) MutateProgress(_ context.Context, researchID string, fn func(*model.ResearchProgress) error) (*model.ResearchProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.docs[researchID]
	if !ok {
		return nil, errors.New("not found")
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	return cloneProgress(p), nil
}

func (s *fakeProgressStore) ListProgress(_ context.Context, _ model.ProgressFilter) ([]model.ProgressSummary, error) {
	return nil, nil
}

type fakeResultStore struct {
	mu      sync.Mutex
	saved   []*model.ResearchResult
	saveErr error
}

func (s *fakeResultStore) SaveResult(_ context.Context, r *model.ResearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeResultStore) results() []*model.ResearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ResearchResult(nil), s.saved...)
}

type fakeCollaborator struct {
	resp      *agent.ResearchResponse
	err       error
	streamSSE string
	streamErr error
}

func (c *fakeCollaborator) Research(_ context.Context, _ string) (*agent.ResearchResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *fakeCollaborator) ResearchStream(_ context.Context, _ string) (io.ReadCloser, error) {
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return io.NopCloser(strings.NewReader(c.streamSSE)), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fullResponse() *agent.ResearchResponse {
	return &agent.ResearchResponse{
		Questions: []agent.SubQuestion{
			{ID: "q1", Question: "Is there a recall for this symptom?", Category: "compliance"},
			{ID: "q2", Question: "What does the TSB database say?", Category: "oem_data"},
			{ID: "q3", Question: "Known alternator failure modes?", Category: "vehicle_systems"},
		},
		Answers: []agent.SubAnswer{
			{QuestionID: "q1", Category: "compliance", Answer: "No open recalls."},
			{QuestionID: "q2", Category: "oem_data", Answer: "TSB 21-043 applies.",
				Sources: rawSources(`"https://oem.example/tsb/21-043"`)},
			{QuestionID: "q3", Category: "vehicle_systems", Answer: "Diode pack wear."},
		},
		Synthesis: "The symptoms match TSB 21-043; inspect the alternator diode pack.",
		Summary:   "Likely alternator diode pack failure.",
		Sources:   rawSources(`{"summary": "NHTSA recall database"}`, `"https://forum.example/thread/9"`),
	}
}

func rawSources(items ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it))
	}
	return out
}

func waitForStatus(t *testing.T, store *fakeProgressStore, researchID string, want model.ResearchStatus) *model.ResearchProgress {
	t.Helper()
	var got *model.ResearchProgress
	require.Eventually(t, func() bool {
		p, err := store.GetProgress(context.Background(), researchID)
		if err != nil {
			return false
		}
		got = p
		return p.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestStartRegistersRoster(t *testing.T) {
	store := newFakeProgressStore()
	results := &fakeResultStore{}
	o := research.New(store, results, &fakeCollaborator{resp: fullResponse()}, discardLogger(), research.Options{})

	id, err := o.Start(context.Background(), "battery light flickers at idle", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, err := store.GetProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, p.Subtasks, len(research.Roster))
	for _, entry := range research.Roster {
		st := p.Subtask(entry.AgentID)
		require.NotNil(t, st, entry.AgentID)
		assert.Equal(t, entry.Description, st.Description)
	}
}

func TestRunCompletes(t *testing.T) {
	store := newFakeProgressStore()
	results := &fakeResultStore{}
	o := research.New(store, results, &fakeCollaborator{resp: fullResponse()}, discardLogger(), research.Options{})

	user := "user-7"
	id, err := o.Start(context.Background(), "battery light flickers at idle", &user)
	require.NoError(t, err)

	p := waitForStatus(t, store, id, model.ResearchStatusCompleted)
	assert.Equal(t, 100, p.OverallProgress)
	require.NotNil(t, p.CompletedAt)
	require.NotNil(t, p.Result)
	assert.Equal(t, "The symptoms match TSB 21-043; inspect the alternator diode pack.", p.Result["synthesis"])

	for _, q := range p.Questions {
		assert.True(t, q.Completed, q.ID)
	}

	saved := results.results()
	require.Len(t, saved, 1)
	assert.Equal(t, id, saved[0].ResearchID)
	assert.Equal(t, model.ResultStatusCompleted, saved[0].Status)
	assert.Contains(t, saved[0].Sources, "NHTSA recall database")
	assert.Contains(t, saved[0].Sources, "https://forum.example/thread/9")
	assert.Contains(t, saved[0].Sources, "https://oem.example/tsb/21-043")
}

func TestEmptyCategoriesCompleteImmediately(t *testing.T) {
	store := newFakeProgressStore()
	resp := fullResponse()
	// Only compliance has work; forums and the rest must not stay pending.
	resp.Questions = resp.Questions[:1]
	resp.Answers = resp.Answers[:1]
	o := research.New(store, &fakeResultStore{}, &fakeCollaborator{resp: resp}, discardLogger(), research.Options{})

	id, err := o.Start(context.Background(), "battery light flickers at idle", nil)
	require.NoError(t, err)

	p := waitForStatus(t, store, id, model.ResearchStatusCompleted)
	for _, agentID := range []string{"vehicle_systems", "oem_data", "community_forums"} {
		st := p.Subtask(agentID)
		require.NotNil(t, st)
		assert.Equal(t, model.SubtaskStatusCompleted, st.Status, agentID)
	}

	var found bool
	for _, entry := range p.Logs {
		if entry.Message == "No work required for this category" {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestAgentFailureMovesRunToError(t *testing.T) {
	store := newFakeProgressStore()
	o := research.New(store, &fakeResultStore{}, &fakeCollaborator{err: errors.New("connection refused")}, discardLogger(), research.Options{})

	id, err := o.Start(context.Background(), "battery light flickers at idle", nil)
	require.NoError(t, err)

	p := waitForStatus(t, store, id, model.ResearchStatusError)
	require.NotNil(t, p.ErrorMessage)
	assert.Contains(t, *p.ErrorMessage, "agent service request failed")
}

func TestResultSaveFailureIsDistinguishable(t *testing.T) {
	store := newFakeProgressStore()
	results := &fakeResultStore{saveErr: errors.New("disk full")}
	o := research.New(store, results, &fakeCollaborator{resp: fullResponse()}, discardLogger(), research.Options{})

	id, err := o.Start(context.Background(), "battery light flickers at idle", nil)
	require.NoError(t, err)

	p := waitForStatus(t, store, id, model.ResearchStatusError)
	require.NotNil(t, p.ErrorMessage)
	assert.Contains(t, *p.ErrorMessage, "research completed but result save failed")
	// The computed payload survives even though the save failed.
	assert.NotNil(t, p.Result)
}

func TestStartRejectsInvalidQuery(t *testing.T) {
	o := research.New(newFakeProgressStore(), &fakeResultStore{}, &fakeCollaborator{}, discardLogger(), research.Options{})

	_, err := o.Start(context.Background(), "", nil)
	assert.Error(t, err)

	_, err = o.Start(context.Background(), strings.Repeat("x", model.MaxQueryLen+1), nil)
	assert.Error(t, err)
}

func TestServeStreamForwardsAndSaves(t *testing.T) {
	results := &fakeResultStore{}
	sse := strings.Join([]string{
		"event: progress",
		`data: {"phase": "decomposer"}`,
		"",
		"event: result",
		`data: {"synthesis": "done", "sources": ["https://a.example"]}`,
		"",
	}, "\n") + "\n"
	collab := &fakeCollaborator{streamSSE: sse}
	o := research.New(newFakeProgressStore(), results, collab, discardLogger(), research.Options{})

	rec := httptest.NewRecorder()
	err := o.ServeStream(context.Background(), rec, "battery light flickers at idle", nil)
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"phase": "decomposer"}`)
	assert.Contains(t, body, "event: saved")
	assert.Contains(t, body, "savedResearchId")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	saved := results.results()
	require.Len(t, saved, 1)
	assert.Equal(t, "done", saved[0].Result["synthesis"])
	assert.Equal(t, []string{"https://a.example"}, saved[0].Sources)
	assert.Contains(t, body, fmt.Sprintf("%q", saved[0].ResearchID))
}

func TestServeStreamNoParseablePayload(t *testing.T) {
	results := &fakeResultStore{}
	collab := &fakeCollaborator{streamSSE: "event: progress\ndata: not-json\n\n"}
	o := research.New(newFakeProgressStore(), results, collab, discardLogger(), research.Options{})

	rec := httptest.NewRecorder()
	err := o.ServeStream(context.Background(), rec, "battery light flickers at idle", nil)
	require.NoError(t, err)

	assert.NotContains(t, rec.Body.String(), "event: saved")
	assert.Empty(t, results.results())
}

// droppingWriter fails every write after the first, like a client that
// disconnected mid-stream.
type droppingWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (d *droppingWriter) Write(p []byte) (int, error) {
	d.writes++
	if d.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return d.ResponseRecorder.Write(p)
}

func TestServeStreamClientDisconnectStillSaves(t *testing.T) {
	results := &fakeResultStore{}
	sse := strings.Join([]string{
		"event: progress",
		`data: {"phase": "decomposer"}`,
		"",
		"event: result",
		`data: {"synthesis": "done"}`,
		"",
	}, "\n") + "\n"
	collab := &fakeCollaborator{streamSSE: sse}
	o := research.New(newFakeProgressStore(), results, collab, discardLogger(), research.Options{})

	w := &droppingWriter{ResponseRecorder: httptest.NewRecorder()}
	err := o.ServeStream(context.Background(), w, "battery light flickers at idle", nil)
	require.NoError(t, err)

	saved := results.results()
	require.Len(t, saved, 1)
	assert.Equal(t, "done", saved[0].Result["synthesis"])
}

func TestServeStreamClientDisconnectSaveFailure(t *testing.T) {
	results := &fakeResultStore{saveErr: errors.New("disk full")}
	// Payload arrives on the first line so it is parsed before the
	// client connection drops on the second write.
	sse := "data: {\"synthesis\": \"done\"}\nevent: end\n\n"
	collab := &fakeCollaborator{streamSSE: sse}
	o := research.New(newFakeProgressStore(), results, collab, discardLogger(), research.Options{})

	w := &droppingWriter{ResponseRecorder: httptest.NewRecorder()}
	err := o.ServeStream(context.Background(), w, "battery light flickers at idle", nil)

	// Once bytes are on the wire there is nobody to send an envelope to.
	require.NoError(t, err)
	assert.Empty(t, results.results())
}

func TestServeStreamUpstreamFailure(t *testing.T) {
	collab := &fakeCollaborator{streamErr: errors.New("bad gateway")}
	o := research.New(newFakeProgressStore(), &fakeResultStore{}, collab, discardLogger(), research.Options{})

	rec := httptest.NewRecorder()
	err := o.ServeStream(context.Background(), rec, "battery light flickers at idle", nil)
	assert.Error(t, err)
}
