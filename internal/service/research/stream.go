package research

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/internal/model"
)

// maxStreamLine bounds one SSE line from the agent service. Synthesis
// payloads arrive as a single data line, so this has to be generous.
const maxStreamLine = 4 << 20

// ServeStream proxies the agent service's research event stream to the
// client, byte for byte. While forwarding it remembers the last
// well-formed JSON object seen on a data line; when the upstream closes,
// that object is persisted as the run's result and a final saved event
// carrying the new record's researchId is appended to the stream. A
// stream that never produced a parseable object is forwarded as-is and
// logged, never failed.
//
// A non-nil error is only ever returned before any response bytes are
// written, so the caller can still send an error envelope. After that
// point failures are logged or reported in-stream.
func (o *Orchestrator) ServeStream(ctx context.Context, w http.ResponseWriter, query string, userID *string) error {
	if err := model.ValidateQuery(query); err != nil {
		return err
	}

	body, err := o.collab.ResearchStream(ctx, query)
	if err != nil {
		return fmt.Errorf("research: open agent stream: %w", err)
	}
	defer body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("research: response writer does not support streaming")
	}

	// Proxied runs can outlast the server write timeout; lift it for
	// this response where the writer supports that.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastPayload map[string]any

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			// Client went away; keep draining so the final payload can
			// still be saved. The connection is unusable, so a save
			// failure here can only be logged.
			if _, saveErr := o.saveStreamResult(query, userID, drainForPayload(scanner, lastPayload)); saveErr != nil {
				o.logger.Error("streamed result save failed after client disconnect", "error", saveErr)
			}
			return nil
		}
		if line == "" {
			flusher.Flush()
		}
		if payload := parseDataLine(line); payload != nil {
			lastPayload = payload
		}
	}
	if err := scanner.Err(); err != nil {
		o.logger.Warn("agent stream ended with error", "error", err)
	}

	if lastPayload == nil {
		o.logger.Warn("agent stream produced no parseable result payload", "query_len", len(query))
		return nil
	}

	savedID, err := o.saveStreamResult(query, userID, lastPayload)
	if err != nil {
		o.logger.Error("streamed result save failed", "error", err)
		writeEvent(w, flusher, "error", map[string]any{
			"message": "research completed but result save failed",
		})
		return nil
	}

	writeEvent(w, flusher, "saved", map[string]any{
		"savedResearchId": savedID,
	})
	return nil
}

// saveStreamResult persists the final payload of a streamed run and
// returns the new record's researchId.
func (o *Orchestrator) saveStreamResult(query string, userID *string, payload map[string]any) (string, error) {
	if payload == nil {
		return "", nil
	}

	researchID := uuid.New().String()
	result := &model.ResearchResult{
		ResearchID: researchID,
		Query:      query,
		Result:     payload,
		Sources:    payloadSources(payload),
		Metadata:   model.NewResultMetadata(nil),
		UserID:     userID,
		Status:     model.ResultStatusCompleted,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.results.SaveResult(ctx, result); err != nil {
		return "", err
	}
	return researchID, nil
}

// drainForPayload keeps scanning a stream whose client disconnected,
// returning the last well-formed payload seen overall.
func drainForPayload(scanner *bufio.Scanner, last map[string]any) map[string]any {
	for scanner.Scan() {
		if payload := parseDataLine(scanner.Text()); payload != nil {
			last = payload
		}
	}
	return last
}

// parseDataLine returns the decoded JSON object from an SSE data line,
// or nil when the line is not a data line or not a JSON object.
func parseDataLine(line string) map[string]any {
	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "{") {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil
	}
	return payload
}

// payloadSources extracts and normalizes a "sources" field, when the
// payload carries one in a shape we recognize.
func payloadSources(payload map[string]any) []string {
	raw, ok := payload["sources"]
	if !ok {
		return []string{}
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return []string{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(encoded, &items); err != nil {
		return []string{}
	}
	return model.NormalizeSources(items)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
	flusher.Flush()
}
