// Package extract pulls structured parameter values for a template's
// declared inputs out of free text, using a language model plus type
// coercion. Values the model cannot confidently infer are omitted, never
// guessed; values that fail coercion are treated as missing.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kaji/internal/llm"
	"github.com/ashita-ai/kaji/internal/model"
)

// Completer is the completion surface the extractor needs from an LLM
// client.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Extractor extracts and validates template parameters.
type Extractor struct {
	llm    Completer
	logger *slog.Logger
}

// NewExtractor creates an extractor backed by the given completion client.
func NewExtractor(c Completer, logger *slog.Logger) *Extractor {
	return &Extractor{llm: c, logger: logger}
}

const extractSystemPrompt = `You extract structured parameters from user requests.
Given a list of parameter definitions and a user message, return a JSON object
containing ONLY the parameters whose values you can confidently infer from the
message. Omit anything you are unsure about. Never invent values. Return only
the JSON object, no commentary.`

// Extract asks the model for every declared input it can infer from the
// query, then coerces each value against its declared type. Returns nil when
// nothing usable was extracted.
func (e *Extractor) Extract(ctx context.Context, tmpl *model.DecisionTemplate, query string) (map[string]any, error) {
	if len(tmpl.Inputs) == 0 {
		return map[string]any{}, nil
	}

	prompt := fmt.Sprintf("Parameters:\n%s\nUser message: %q", describeInputs(tmpl.Inputs), query)
	zero := 0.0
	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: &zero,
	})
	if err != nil {
		// A failed completion degrades to nothing extracted; the session
		// collects every parameter conversationally instead of erroring out.
		e.logger.Warn("extract: completion failed", "template", tmpl.Name, "error", err)
		return nil, nil
	}

	raw, err := parseObject(resp.Content)
	if err != nil {
		e.logger.Warn("extract: unparseable model output", "template", tmpl.Name, "error", err)
		return nil, nil
	}

	out := make(map[string]any)
	for name, value := range raw {
		in, ok := tmpl.InputByName(name)
		if !ok {
			continue
		}
		coerced, ok := Coerce(in, value)
		if !ok {
			e.logger.Debug("extract: value failed coercion", "template", tmpl.Name, "param", name)
			continue
		}
		out[name] = coerced
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

const singleSystemPrompt = `You extract one parameter value from a user reply.
Given a parameter definition and the user's reply to a question about that
parameter, return a JSON object with exactly one key (the parameter name) if
the reply contains a usable value, or an empty JSON object {} if it does not.
Return only JSON.`

// ExtractSingle extracts the value for exactly one parameter from a reply.
// Returns (nil, false, nil) when no usable value was found.
func (e *Extractor) ExtractSingle(ctx context.Context, in model.TemplateInput, reply string) (any, bool, error) {
	prompt := fmt.Sprintf("Parameter:\n%s\nUser reply: %q", describeInputs([]model.TemplateInput{in}), reply)
	zero := 0.0
	resp, err := e.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: singleSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: &zero,
	})
	if err != nil {
		return nil, false, fmt.Errorf("extract: complete single: %w", err)
	}

	raw, err := parseObject(resp.Content)
	if err != nil {
		e.logger.Warn("extract: unparseable single-param output", "param", in.Name, "error", err)
		return nil, false, nil
	}
	value, ok := raw[in.Name]
	if !ok {
		return nil, false, nil
	}
	coerced, ok := Coerce(in, value)
	if !ok {
		return nil, false, nil
	}
	return coerced, true, nil
}

// IdentifyMissing returns the template's required inputs absent from
// extracted, in declared order. Calling it again after the missing values
// are supplied returns an empty list.
func IdentifyMissing(tmpl *model.DecisionTemplate, extracted map[string]any) []model.MissingParam {
	missing := []model.MissingParam{}
	for _, in := range tmpl.RequiredInputs() {
		if _, ok := extracted[in.Name]; ok {
			continue
		}
		missing = append(missing, model.MissingParam{Name: in.Name, Description: in.Description})
	}
	return missing
}

// ApplyDefaults fills declared defaults for optional inputs not present in
// params, coercing each default like an extracted value.
func ApplyDefaults(tmpl *model.DecisionTemplate, params map[string]any) {
	for _, in := range tmpl.Inputs {
		if in.Default == nil {
			continue
		}
		if _, ok := params[in.Name]; ok {
			continue
		}
		if coerced, ok := Coerce(in, in.Default); ok {
			params[in.Name] = coerced
		}
	}
}

func describeInputs(inputs []model.TemplateInput) string {
	var b strings.Builder
	for _, in := range inputs {
		fmt.Fprintf(&b, "- %s (%s", in.Name, in.Type)
		if len(in.Enum) > 0 {
			fmt.Fprintf(&b, ", one of: %s", strings.Join(in.Enum, ", "))
		}
		if in.Required {
			b.WriteString(", required")
		}
		fmt.Fprintf(&b, "): %s\n", in.Description)
	}
	return b.String()
}

func parseObject(content string) (map[string]any, error) {
	payload, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("extract: unmarshal object: %w", err)
	}
	return out, nil
}
