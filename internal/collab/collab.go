// Package collab defines the external collaborator interfaces the execution
// pipeline delegates to: a knowledge service for declarative prompts and an
// algorithm service for agentic tasks.
package collab

import "context"

// Knowledge answers natural-language prompts against the knowledge base.
type Knowledge interface {
	// Query submits a prompt and returns the response content.
	Query(ctx context.Context, prompt string) (string, error)
}

// AlgorithmRequest describes one agentic task execution.
type AlgorithmRequest struct {
	Problem        string         `json:"problem"`
	Input          map[string]any `json:"input"`
	ConversationID string         `json:"conversation_id"`
	ExecutionID    string         `json:"execution_id"`
	UserID         string         `json:"user_id,omitempty"`
}

// AlgorithmResult is the payload returned by a completed task.
type AlgorithmResult struct {
	Output  map[string]any `json:"output"`
	Content string         `json:"content,omitempty"`
}

// Algorithm runs problem-solving tasks on behalf of the pipeline.
type Algorithm interface {
	// Execute runs one task and returns its result payload.
	Execute(ctx context.Context, req AlgorithmRequest) (AlgorithmResult, error)
}
