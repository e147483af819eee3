// Package model defines the core domain types for Driveline.
//
// ResearchProgress is the aggregate root tracking one asynchronous research
// run: a fixed roster of subtasks, an append-only log, and an overall
// status/percentage derived from the subtasks. All aggregate rules live
// here as pure methods; persistence and transport stay in other packages.
package model

import (
	"math"
	"time"
)

// ResearchStatus is the lifecycle state of a research run.
type ResearchStatus string

const (
	ResearchStatusPending    ResearchStatus = "pending"
	ResearchStatusInProgress ResearchStatus = "in_progress"
	ResearchStatusCompleted  ResearchStatus = "completed"
	ResearchStatusError      ResearchStatus = "error"
)

// SubtaskStatus is the lifecycle state of a single subtask.
type SubtaskStatus string

const (
	SubtaskStatusPending    SubtaskStatus = "pending"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusCompleted  SubtaskStatus = "completed"
	SubtaskStatusError      SubtaskStatus = "error"
)

// LogLevel is the severity of a progress log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// SystemAgentID is the agent id used for log entries not attributable
// to a specific subtask.
const SystemAgentID = "system"

// RecentLogCount is the number of trailing log entries returned by the
// read view. Older entries stay persisted but are not returned to pollers.
const RecentLogCount = 20

// SubtaskProgress is the fractional progress of one subtask.
// Percentage is supplied by the caller alongside current/total and is
// applied verbatim; NewSubtaskProgress derives it for callers that
// don't want to compute it themselves.
type SubtaskProgress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// NewSubtaskProgress builds a SubtaskProgress with the percentage derived
// from current/total, rounded to the nearest integer.
func NewSubtaskProgress(current, total int) SubtaskProgress {
	p := SubtaskProgress{Current: current, Total: total}
	if total > 0 {
		p.Percentage = int(math.Round(100 * float64(current) / float64(total)))
	}
	return p
}

// SubtaskRecord is one named unit of work within a research run.
type SubtaskRecord struct {
	AgentID      string          `json:"agentId"`
	Description  string          `json:"description"`
	Status       SubtaskStatus   `json:"status"`
	Progress     SubtaskProgress `json:"progress"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}

// ProgressLogEntry is one timestamped, leveled message in a run's log.
type ProgressLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agentId"`
	Level     LogLevel  `json:"level"`
}

// ResearchQuestion is one decomposed sub-question of a research query.
type ResearchQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Category  string `json:"category"`
	Completed bool   `json:"completed"`
}

// ResearchProgress is the aggregate root for one research run.
//
// Subtasks preserve registration order. Logs are append-only. Status and
// OverallProgress are derived from the subtasks via UpdateSubtaskProgress
// and UpdateOverallStatus — deliberately two separate operations so a
// caller can batch several subtask updates and recompute status once.
type ResearchProgress struct {
	ResearchID      string             `json:"researchId"`
	Query           string             `json:"query"`
	Status          ResearchStatus     `json:"status"`
	OverallProgress int                `json:"overallProgress"`
	Questions       []ResearchQuestion `json:"questions"`
	Subtasks        []SubtaskRecord    `json:"subtasks"`
	Logs            []ProgressLogEntry `json:"logs"`
	StartedAt       time.Time          `json:"startedAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	ErrorMessage    *string            `json:"errorMessage,omitempty"`
	UserID          *string            `json:"userId,omitempty"`
	Result          map[string]any     `json:"result,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// NewResearchProgress creates a pending aggregate for a fresh run and
// appends the initial system log entry.
func NewResearchProgress(researchID, query string, userID *string) *ResearchProgress {
	now := time.Now().UTC()
	p := &ResearchProgress{
		ResearchID: researchID,
		Query:      query,
		Status:     ResearchStatusPending,
		StartedAt:  now,
		UserID:     userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.AddLog("Research task created", SystemAgentID, LogLevelInfo)
	return p
}

// AddSubtask registers a subtask. Re-registering an existing agentId
// replaces the description only — status and progress are untouched.
func (p *ResearchProgress) AddSubtask(agentID, description string) {
	for i := range p.Subtasks {
		if p.Subtasks[i].AgentID == agentID {
			p.Subtasks[i].Description = description
			return
		}
	}
	p.Subtasks = append(p.Subtasks, SubtaskRecord{
		AgentID:     agentID,
		Description: description,
		Status:      SubtaskStatusPending,
		Progress:    SubtaskProgress{Current: 0, Total: 1, Percentage: 0},
	})
}

// UpdateSubtaskProgress applies progress (and optionally a status) to one
// subtask and recomputes OverallProgress as the mean of all subtask
// percentages. An unknown agentId is a silent no-op: late or duplicate
// updates from the collaborator must never crash the tracker.
//
// Aggregate Status is NOT re-derived here — call UpdateOverallStatus.
func (p *ResearchProgress) UpdateSubtaskProgress(agentID string, progress SubtaskProgress, status *SubtaskStatus) {
	for i := range p.Subtasks {
		st := &p.Subtasks[i]
		if st.AgentID != agentID {
			continue
		}
		st.Progress = progress
		if status != nil {
			st.Status = *status
			now := time.Now().UTC()
			// A subtask can jump straight to completed (single-answer or
			// empty categories); it still gets a start time.
			if st.StartedAt == nil && (*status == SubtaskStatusInProgress || *status == SubtaskStatusCompleted) {
				st.StartedAt = &now
			}
			if *status == SubtaskStatusCompleted && st.CompletedAt == nil {
				st.CompletedAt = &now
			}
		}
		p.recomputeOverallProgress()
		return
	}
}

// FailSubtask marks one subtask as errored with a message.
// Unknown agentIds are ignored, matching UpdateSubtaskProgress.
func (p *ResearchProgress) FailSubtask(agentID, message string) {
	for i := range p.Subtasks {
		if p.Subtasks[i].AgentID == agentID {
			p.Subtasks[i].Status = SubtaskStatusError
			p.Subtasks[i].ErrorMessage = &message
			return
		}
	}
}

// recomputeOverallProgress sets OverallProgress to the rounded mean of all
// subtask percentages. With no subtasks it is 100 for a completed run and
// 0 otherwise.
func (p *ResearchProgress) recomputeOverallProgress() {
	if len(p.Subtasks) == 0 {
		if p.Status == ResearchStatusCompleted {
			p.OverallProgress = 100
		} else {
			p.OverallProgress = 0
		}
		return
	}
	sum := 0
	for i := range p.Subtasks {
		sum += p.Subtasks[i].Progress.Percentage
	}
	p.OverallProgress = int(math.Round(float64(sum) / float64(len(p.Subtasks))))
}

// UpdateOverallStatus re-derives aggregate Status from the subtasks with
// strict precedence: error > completed > in_progress > unchanged.
// Transitioning to completed also stamps CompletedAt and forces
// OverallProgress to 100. Idempotent.
func (p *ResearchProgress) UpdateOverallStatus() {
	if len(p.Subtasks) == 0 {
		return
	}
	// Terminal states set directly (SetError, SetResult) are sticky:
	// subtask convergence never downgrades them.
	if p.Status == ResearchStatusError && p.ErrorMessage != nil {
		return
	}
	if p.Status == ResearchStatusCompleted && p.Result != nil {
		return
	}

	anyError := false
	anyInProgress := false
	allCompleted := true
	for i := range p.Subtasks {
		switch p.Subtasks[i].Status {
		case SubtaskStatusError:
			anyError = true
			allCompleted = false
		case SubtaskStatusInProgress:
			anyInProgress = true
			allCompleted = false
		case SubtaskStatusPending:
			allCompleted = false
		}
	}

	switch {
	case anyError:
		p.Status = ResearchStatusError
	case allCompleted:
		p.Status = ResearchStatusCompleted
		p.OverallProgress = 100
		if p.CompletedAt == nil {
			now := time.Now().UTC()
			p.CompletedAt = &now
		}
	case anyInProgress:
		p.Status = ResearchStatusInProgress
	}
}

// AddLog appends one entry to the run log. No side effects on status
// or progress.
func (p *ResearchProgress) AddLog(message, agentID string, level LogLevel) {
	if agentID == "" {
		agentID = SystemAgentID
	}
	if level == "" {
		level = LogLevelInfo
	}
	p.Logs = append(p.Logs, ProgressLogEntry{
		Timestamp: time.Now().UTC(),
		Message:   message,
		AgentID:   agentID,
		Level:     level,
	})
}

// SetResult assigns the run's final payload. This is the authoritative
// success signal, independent of subtask convergence: it forces
// status=completed, overallProgress=100 and stamps CompletedAt.
func (p *ResearchProgress) SetResult(result map[string]any) {
	p.Result = result
	p.Status = ResearchStatusCompleted
	p.OverallProgress = 100
	now := time.Now().UTC()
	p.CompletedAt = &now
}

// SetError records an unrecoverable failure. OverallProgress keeps its
// last computed value so pollers can see how far the run got.
func (p *ResearchProgress) SetError(message string) {
	p.ErrorMessage = &message
	p.Status = ResearchStatusError
}

// SetQuestions replaces the decomposed question list.
func (p *ResearchProgress) SetQuestions(questions []ResearchQuestion) {
	p.Questions = questions
}

// UpdateQuestionStatus marks one question completed or not.
// Unknown question ids are ignored.
func (p *ResearchProgress) UpdateQuestionStatus(questionID string, completed bool) {
	for i := range p.Questions {
		if p.Questions[i].ID == questionID {
			p.Questions[i].Completed = completed
			return
		}
	}
}

// Subtask returns the record for agentID, or nil if not registered.
func (p *ResearchProgress) Subtask(agentID string) *SubtaskRecord {
	for i := range p.Subtasks {
		if p.Subtasks[i].AgentID == agentID {
			return &p.Subtasks[i]
		}
	}
	return nil
}

// RecentLogs returns the last n log entries in insertion order.
func (p *ResearchProgress) RecentLogs(n int) []ProgressLogEntry {
	if len(p.Logs) <= n {
		return p.Logs
	}
	return p.Logs[len(p.Logs)-n:]
}

// View returns the polling read view: full subtask records, the trailing
// RecentLogCount log entries, and the derived status fields.
func (p *ResearchProgress) View() ProgressView {
	return ProgressView{
		ResearchID:      p.ResearchID,
		Query:           p.Query,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		Questions:       p.Questions,
		Subtasks:        p.Subtasks,
		Logs:            p.RecentLogs(RecentLogCount),
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
		ErrorMessage:    p.ErrorMessage,
		Result:          p.Result,
	}
}

// Summary returns the list-view projection: no logs, no subtask detail.
func (p *ResearchProgress) Summary() ProgressSummary {
	return ProgressSummary{
		ResearchID:      p.ResearchID,
		Query:           p.Query,
		Status:          p.Status,
		OverallProgress: p.OverallProgress,
		UserID:          p.UserID,
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
		CreatedAt:       p.CreatedAt,
	}
}
