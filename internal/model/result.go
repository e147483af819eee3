package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the lifecycle state of a stored research result.
// Note the hyphenated in-progress spelling: results keep the wire format
// of the agent service, which differs from run statuses.
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusInProgress ResultStatus = "in-progress"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusFailed     ResultStatus = "failed"
)

// MetadataSourceTag is the provenance tag recorded in every result's
// metadata under the "source" key.
const MetadataSourceTag = "agent_service"

// ResearchResult is the durable record of a completed run's output.
// It is independent of ResearchProgress: the two are linked loosely by
// ResearchID, and a result may outlive its progress aggregate.
type ResearchResult struct {
	ID         uuid.UUID      `json:"id"`
	ResearchID string         `json:"researchId,omitempty"`
	Query      string         `json:"query"`
	Result     map[string]any `json:"result"`
	Sources    []string       `json:"sources"`
	Metadata   map[string]any `json:"metadata"`
	UserID     *string        `json:"userId,omitempty"`
	Tags       []string       `json:"tags"`
	Status     ResultStatus   `json:"status"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// sourceObject is the object form the agent service sometimes returns in
// its sources array instead of a plain string.
type sourceObject struct {
	Summary string `json:"summary"`
	Query   string `json:"query"`
}

// NormalizeSources coerces a mixed sources array into plain strings.
// Strings pass through; objects use their summary field, falling back to
// query, falling back to full JSON serialization. Raw objects must never
// be stored.
func NormalizeSources(raw []json.RawMessage) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj sourceObject
		if err := json.Unmarshal(r, &obj); err == nil {
			if obj.Summary != "" {
				out = append(out, obj.Summary)
				continue
			}
			if obj.Query != "" {
				out = append(out, obj.Query)
				continue
			}
		}
		out = append(out, string(r))
	}
	return out
}

// NewResultMetadata builds the minimum metadata map for a stored result:
// a timestamp and the provenance tag, merged over any extra entries.
func NewResultMetadata(extra map[string]any) map[string]any {
	md := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		md[k] = v
	}
	md["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	md["source"] = MetadataSourceTag
	return md
}
