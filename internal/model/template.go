package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// InputType enumerates the declared types a template input may carry.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputInteger InputType = "integer"
	InputBoolean InputType = "boolean"
	InputDate    InputType = "date"
	InputEnum    InputType = "enum"
	InputObject  InputType = "object"
)

// TemplateInput is one declared input of a decision template.
// Declaration order is significant: missing-parameter questions are asked
// in the order inputs appear here.
type TemplateInput struct {
	Name        string    `json:"name"`
	Type        InputType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// TemplateOutput is one declared output field of a decision template.
type TemplateOutput struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// AgenticTask is a template step that invokes the algorithm-execution
// collaborator. InputFields reference prior task outputs first, then
// template inputs; names matching neither are omitted from the task input.
type AgenticTask struct {
	Task        string   `json:"task"`
	InputFields []string `json:"input_fields,omitempty"`
	Output      string   `json:"output"`
}

// DecisionTemplate is a declared pipeline of knowledge-gathering prompts
// and agentic tasks with typed inputs and outputs.
//
// Templates are immutable once published: changes create a new row with a
// higher version, never an update in place.
type DecisionTemplate struct {
	ID                 uuid.UUID        `json:"id"`
	Name               string           `json:"name"`
	Version            int              `json:"version"`
	Description        string           `json:"description"`
	Inputs             []TemplateInput  `json:"inputs"`
	Outputs            []TemplateOutput `json:"outputs,omitempty"`
	DeclarativePrompts []string         `json:"declarative_prompts,omitempty"`
	AgenticTasks       []AgenticTask    `json:"agentic_tasks,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	IsPublic           bool             `json:"is_public"`
	Embedding          *pgvector.Vector `json:"-"`
	CreatedAt          time.Time        `json:"created_at"`
}

// RequiredInputs returns the required inputs in declared order.
func (t DecisionTemplate) RequiredInputs() []TemplateInput {
	var req []TemplateInput
	for _, in := range t.Inputs {
		if in.Required {
			req = append(req, in)
		}
	}
	return req
}

// InputByName returns the declared input with the given name.
func (t DecisionTemplate) InputByName(name string) (TemplateInput, bool) {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return TemplateInput{}, false
}

// TemplateMatch is the transient result of matching a query against the
// registry. Never persisted.
type TemplateMatch struct {
	TemplateID  uuid.UUID `json:"template_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Confidence  float32   `json:"confidence"`
}
