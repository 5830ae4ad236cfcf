package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// HTTPKnowledge talks to a knowledge service over HTTP.
type HTTPKnowledge struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKnowledge creates a knowledge client for the given base URL.
func NewHTTPKnowledge(baseURL string, timeout time.Duration) *HTTPKnowledge {
	return &HTTPKnowledge{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type knowledgeRequest struct {
	Prompt string `json:"prompt"`
}

type knowledgeResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Query implements Knowledge.
func (k *HTTPKnowledge) Query(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(knowledgeRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("collab: marshal knowledge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("collab: create knowledge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("collab: query knowledge: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("collab: read knowledge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collab: knowledge status %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var parsed knowledgeResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("collab: unmarshal knowledge response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("collab: knowledge error: %s", parsed.Error)
	}
	return parsed.Content, nil
}

// HTTPAlgorithm talks to an algorithm service over HTTP.
type HTTPAlgorithm struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAlgorithm creates an algorithm client for the given base URL.
func NewHTTPAlgorithm(baseURL string, timeout time.Duration) *HTTPAlgorithm {
	return &HTTPAlgorithm{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type algorithmResponse struct {
	Output  map[string]any `json:"output"`
	Content string         `json:"content,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Execute implements Algorithm.
func (a *HTTPAlgorithm) Execute(ctx context.Context, execReq AlgorithmRequest) (AlgorithmResult, error) {
	body, err := json.Marshal(execReq)
	if err != nil {
		return AlgorithmResult{}, fmt.Errorf("collab: marshal algorithm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return AlgorithmResult{}, fmt.Errorf("collab: create algorithm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return AlgorithmResult{}, fmt.Errorf("collab: execute algorithm task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return AlgorithmResult{}, fmt.Errorf("collab: read algorithm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AlgorithmResult{}, fmt.Errorf("collab: algorithm status %d: %s", resp.StatusCode, truncate(string(respBody), 256))
	}

	var parsed algorithmResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return AlgorithmResult{}, fmt.Errorf("collab: unmarshal algorithm response: %w", err)
	}
	if parsed.Error != "" {
		return AlgorithmResult{}, fmt.Errorf("collab: algorithm error: %s", parsed.Error)
	}
	return AlgorithmResult{Output: parsed.Output, Content: parsed.Content}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
