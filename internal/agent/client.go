// Package agent is the HTTP client for the external research agent
// service — the collaborator that actually performs research. The base
// URL and timeout are injected so tests can point at a fake service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout matches the server-side request timeout on the agent
// service's adjacent proxied calls.
const DefaultTimeout = 30 * time.Second

// Client calls the agent service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the agent service at baseURL.
// A zero timeout falls back to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SubQuestion is one decomposed sub-question in a research response.
type SubQuestion struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Category string `json:"category"`
}

// SubAnswer is the agent service's answer to one sub-question.
type SubAnswer struct {
	QuestionID string            `json:"questionId"`
	Category   string            `json:"category"`
	Answer     string            `json:"answer"`
	Sources    []json.RawMessage `json:"sources"`
}

// ResearchResponse is the structured result of a research call.
// Sources arrive as raw JSON because the service mixes plain strings
// with source objects; model.NormalizeSources flattens them.
type ResearchResponse struct {
	Questions []SubQuestion     `json:"questions"`
	Answers   []SubAnswer       `json:"answers"`
	Synthesis string            `json:"synthesis"`
	Summary   string            `json:"summary"`
	Sources   []json.RawMessage `json:"sources"`
	Metadata  map[string]any    `json:"metadata"`
}

type researchRequest struct {
	Query string `json:"query"`
}

// Research performs a blocking research call for query.
func (c *Client) Research(ctx context.Context, query string) (*ResearchResponse, error) {
	reqBody, err := json.Marshal(researchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/research", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("agent: status %d: %s", resp.StatusCode, string(body))
	}

	var result ResearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("agent: decode response: %w", err)
	}
	return &result, nil
}

// ResearchStream opens a streaming research call for query and returns
// the raw SSE body. The caller owns the reader and must close it.
// Streaming requests are not subject to the client timeout — lifetime is
// governed by ctx.
func (c *Client) ResearchStream(ctx context.Context, query string) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(researchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/research/stream", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// A fresh client without the request timeout: SSE streams outlive it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: send stream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("agent: stream status %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
