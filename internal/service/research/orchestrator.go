// Package research drives one research run end-to-end, decoupled from the
// HTTP request that triggered it. The orchestrator creates the progress
// aggregate with a fixed roster of subtasks, calls the agent service in
// the background, and folds each phase of the response into per-subtask
// progress updates before persisting the final result.
package research

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/driveline-ai/driveline/internal/agent"
	"github.com/driveline-ai/driveline/internal/model"
)

// Subtask agent ids for the fixed roster. Every run registers all six up
// front so a poller immediately sees the full shape of the run.
const (
	AgentDecomposer      = "decomposer"
	AgentVehicleSystems  = "vehicle_systems"
	AgentCompliance      = "compliance"
	AgentOEMData         = "oem_data"
	AgentCommunityForums = "community_forums"
	AgentSynthesis       = "synthesis"
)

// RosterEntry pairs a subtask agent id with its description.
type RosterEntry struct {
	AgentID     string
	Description string
}

// Roster is the fixed subtask roster registered for every run.
var Roster = []RosterEntry{
	{AgentDecomposer, "Break the query into targeted sub-questions"},
	{AgentVehicleSystems, "Research engine, drivetrain and electrical systems"},
	{AgentCompliance, "Check recalls, emissions and regulatory requirements"},
	{AgentOEMData, "Search OEM service bulletins and technical data"},
	{AgentCommunityForums, "Mine community forums for matching symptom reports"},
	{AgentSynthesis, "Synthesize findings into a final report"},
}

// categoryAgents are the roster subtasks fed by per-category sub-answers.
var categoryAgents = []string{
	AgentVehicleSystems,
	AgentCompliance,
	AgentOEMData,
	AgentCommunityForums,
}

// ProgressStore is the persistence surface the orchestrator needs for
// progress aggregates.
type ProgressStore interface {
	CreateProgress(ctx context.Context, p *model.ResearchProgress) error
	GetProgress(ctx context.Context, researchID string) (*model.ResearchProgress, error)
	MutateProgress(ctx context.Context, researchID string, fn func(*model.ResearchProgress) error) (*model.ResearchProgress, error)
	ListProgress(ctx context.Context, filter model.ProgressFilter) ([]model.ProgressSummary, error)
}

// ResultStore persists completed run output.
type ResultStore interface {
	SaveResult(ctx context.Context, r *model.ResearchResult) error
}

// Collaborator is the external agent service that performs research.
type Collaborator interface {
	Research(ctx context.Context, query string) (*agent.ResearchResponse, error)
	ResearchStream(ctx context.Context, query string) (io.ReadCloser, error)
}

// Options configures an Orchestrator.
type Options struct {
	// RunTimeout bounds one background run end-to-end, collaborator call
	// included. Zero means 5 minutes.
	RunTimeout time.Duration
	// MaxConcurrentRuns bounds runs executing at once; further runs queue.
	// Zero means 32.
	MaxConcurrentRuns int64
}

// Orchestrator drives research runs.
type Orchestrator struct {
	progress   ProgressStore
	results    ResultStore
	collab     Collaborator
	logger     *slog.Logger
	sem        *semaphore.Weighted
	runTimeout time.Duration
}

// New creates an Orchestrator.
func New(progress ProgressStore, results ResultStore, collab Collaborator, logger *slog.Logger, opts Options) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 32
	}
	return &Orchestrator{
		progress:   progress,
		results:    results,
		collab:     collab,
		logger:     logger,
		sem:        semaphore.NewWeighted(opts.MaxConcurrentRuns),
		runTimeout: opts.RunTimeout,
	}
}

// Start accepts a research run: it creates the progress aggregate with
// the full subtask roster (synchronously, so the id is immediately
// pollable) and schedules the run in the background. The caller gets the
// researchId back without waiting on any collaborator work.
func (o *Orchestrator) Start(ctx context.Context, query string, userID *string) (string, error) {
	if err := model.ValidateQuery(query); err != nil {
		return "", err
	}

	researchID := uuid.New().String()
	p := model.NewResearchProgress(researchID, query, userID)
	for _, entry := range Roster {
		p.AddSubtask(entry.AgentID, entry.Description)
	}
	if err := o.progress.CreateProgress(ctx, p); err != nil {
		return "", fmt.Errorf("research: create progress: %w", err)
	}

	go o.run(researchID, query, userID)
	return researchID, nil
}

// run executes one research run. Runs on its own goroutine with a
// detached context: the triggering request is long gone. Every failure
// path ends in SetError on the aggregate — nothing propagates out.
func (o *Orchestrator) run(researchID, query string, userID *string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("research run panicked", "research_id", researchID, "panic", r)
			o.fail(researchID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.runTimeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(researchID, "research run timed out waiting for an execution slot")
		return
	}
	defer o.sem.Release(1)

	o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
		p.Status = model.ResearchStatusInProgress
		p.AddLog("Starting research", model.SystemAgentID, model.LogLevelInfo)
		st := model.SubtaskStatusInProgress
		p.UpdateSubtaskProgress(AgentDecomposer, model.NewSubtaskProgress(0, 1), &st)
		return nil
	})

	resp, err := o.collab.Research(ctx, query)
	if err != nil {
		o.fail(researchID, fmt.Sprintf("agent service request failed: %v", err))
		return
	}

	o.applyDecomposition(ctx, researchID, resp)
	o.applyCategoryAnswers(ctx, researchID, resp)
	o.applySynthesis(ctx, researchID, resp)

	o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
		p.UpdateOverallStatus()
		return nil
	})

	o.finalize(ctx, researchID, query, userID, resp)
}

// applyDecomposition records the decomposed questions and completes the
// decomposer subtask.
func (o *Orchestrator) applyDecomposition(ctx context.Context, researchID string, resp *agent.ResearchResponse) {
	questions := make([]model.ResearchQuestion, 0, len(resp.Questions))
	for _, q := range resp.Questions {
		questions = append(questions, model.ResearchQuestion{
			ID:       q.ID,
			Question: q.Question,
			Category: q.Category,
		})
	}

	o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
		p.SetQuestions(questions)
		done := model.SubtaskStatusCompleted
		n := len(questions)
		if n == 0 {
			p.UpdateSubtaskProgress(AgentDecomposer, model.SubtaskProgress{Percentage: 100}, &done)
			p.AddLog("Query produced no sub-questions", AgentDecomposer, model.LogLevelWarning)
			return nil
		}
		p.UpdateSubtaskProgress(AgentDecomposer, model.NewSubtaskProgress(n, n), &done)
		p.AddLog(fmt.Sprintf("Decomposed query into %d sub-questions", n), AgentDecomposer, model.LogLevelInfo)
		return nil
	})
}

// applyCategoryAnswers drives each category subtask from pending through
// completed as that category's sub-answers are folded in. Categories with
// no matching sub-questions complete immediately — a permanently pending
// subtask would poison the overall-progress average.
func (o *Orchestrator) applyCategoryAnswers(ctx context.Context, researchID string, resp *agent.ResearchResponse) {
	byCategory := make(map[string][]agent.SubAnswer)
	for _, a := range resp.Answers {
		byCategory[a.Category] = append(byCategory[a.Category], a)
	}

	for _, agentID := range categoryAgents {
		answers := byCategory[agentID]
		if len(answers) == 0 {
			o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
				done := model.SubtaskStatusCompleted
				p.UpdateSubtaskProgress(agentID, model.SubtaskProgress{Percentage: 100}, &done)
				p.AddLog("No work required for this category", agentID, model.LogLevelInfo)
				return nil
			})
			continue
		}

		total := len(answers)
		for i, ans := range answers {
			current := i + 1
			status := model.SubtaskStatusInProgress
			if current == total {
				status = model.SubtaskStatusCompleted
			}
			o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
				p.UpdateSubtaskProgress(agentID, model.NewSubtaskProgress(current, total), &status)
				if ans.QuestionID != "" {
					p.UpdateQuestionStatus(ans.QuestionID, true)
				}
				p.AddLog(fmt.Sprintf("Answered sub-question %d of %d", current, total), agentID, model.LogLevelInfo)
				return nil
			})
		}
	}
}

// applySynthesis completes the synthesis subtask.
func (o *Orchestrator) applySynthesis(ctx context.Context, researchID string, resp *agent.ResearchResponse) {
	o.updateProgress(ctx, researchID, func(p *model.ResearchProgress) error {
		done := model.SubtaskStatusCompleted
		p.UpdateSubtaskProgress(AgentSynthesis, model.NewSubtaskProgress(1, 1), &done)
		if resp.Synthesis == "" {
			p.AddLog("Agent service returned no synthesis text", AgentSynthesis, model.LogLevelWarning)
		} else {
			p.AddLog("Synthesis complete", AgentSynthesis, model.LogLevelInfo)
		}
		return nil
	})
}

// finalize builds and persists the ResearchResult, then marks the run
// completed. The result save is the one must-succeed write of a run: on
// failure the aggregate keeps the computed payload but moves to error
// with a distinguishable message, so pollers can detect "computed but
// not durably saved".
func (o *Orchestrator) finalize(ctx context.Context, researchID, query string, userID *string, resp *agent.ResearchResponse) {
	payload := buildResultPayload(resp)
	sources := collectSources(resp)

	result := &model.ResearchResult{
		ResearchID: researchID,
		Query:      query,
		Result:     payload,
		Sources:    sources,
		Metadata:   model.NewResultMetadata(resp.Metadata),
		UserID:     userID,
		Status:     model.ResultStatusCompleted,
	}

	if err := o.results.SaveResult(ctx, result); err != nil {
		o.logger.Error("research result save failed, run output not durable",
			"research_id", researchID, "error", err)
		o.mustUpdate(researchID, func(p *model.ResearchProgress) error {
			p.SetResult(payload)
			p.SetError(fmt.Sprintf("research completed but result save failed: %v", err))
			p.AddLog("Result computed but could not be saved", model.SystemAgentID, model.LogLevelError)
			return nil
		})
		return
	}

	o.mustUpdate(researchID, func(p *model.ResearchProgress) error {
		p.SetResult(payload)
		p.AddLog("Research completed", model.SystemAgentID, model.LogLevelInfo)
		return nil
	})
	o.logger.Info("research run completed", "research_id", researchID, "result_id", result.ID)
}

// updateProgress is the best-effort progress write: a transient storage
// blip must never abort an in-flight run, so failures are logged and
// swallowed. Terminal transitions use mustUpdate instead.
func (o *Orchestrator) updateProgress(ctx context.Context, researchID string, fn func(*model.ResearchProgress) error) {
	if _, err := o.progress.MutateProgress(ctx, researchID, fn); err != nil {
		o.logger.Warn("progress update dropped", "research_id", researchID, "error", err)
	}
}

// mustUpdate writes a terminal state transition. It retries once on a
// fresh context in case the run context already expired; a failure here
// leaves the aggregate stale, which is all we can do — log loudly.
func (o *Orchestrator) mustUpdate(researchID string, fn func(*model.ResearchProgress) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.progress.MutateProgress(ctx, researchID, fn); err != nil {
		o.logger.Error("terminal progress update failed, aggregate left stale",
			"research_id", researchID, "error", err)
	}
}

// fail moves the run to error with a descriptive message.
func (o *Orchestrator) fail(researchID, message string) {
	o.mustUpdate(researchID, func(p *model.ResearchProgress) error {
		p.SetError(message)
		p.AddLog(message, model.SystemAgentID, model.LogLevelError)
		return nil
	})
}

// buildResultPayload flattens the collaborator response into the opaque
// result payload stored on both the aggregate and the result record.
func buildResultPayload(resp *agent.ResearchResponse) map[string]any {
	answers := make([]map[string]any, 0, len(resp.Answers))
	for _, a := range resp.Answers {
		answers = append(answers, map[string]any{
			"questionId": a.QuestionID,
			"category":   a.Category,
			"answer":     a.Answer,
		})
	}
	payload := map[string]any{
		"synthesis": resp.Synthesis,
		"answers":   answers,
	}
	if resp.Summary != "" {
		payload["summary"] = resp.Summary
	}
	return payload
}

// collectSources normalizes response-level and per-answer sources into a
// single flat list of strings.
func collectSources(resp *agent.ResearchResponse) []string {
	sources := model.NormalizeSources(resp.Sources)
	for _, a := range resp.Answers {
		sources = append(sources, model.NormalizeSources(a.Sources)...)
	}
	return sources
}
