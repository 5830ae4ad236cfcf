// Package executor runs a decision template's pipeline: declarative
// prompts against the knowledge collaborator, then agentic tasks against
// the algorithm collaborator, in declared order, persisting incremental
// instance updates as it goes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kaji/internal/collab"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/storage"
	"github.com/ashita-ai/kaji/internal/telemetry"
)

var execMeter = telemetry.Meter("kaji/executor")

// ContextualInformationKey is the output field carrying all declarative
// answers alongside the declared outputs.
const ContextualInformationKey = "contextual_information"

// ActionsOutputKey is the task output name whose value, when present and
// shaped like a recommended-actions payload, is forwarded to the action
// sink after the instance completes.
const ActionsOutputKey = "recommended_actions"

// InstanceStore is the persistence surface the executor needs.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst model.DecisionInstance) (model.DecisionInstance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (model.DecisionInstance, error)
	UpdateInstanceProgress(ctx context.Context, inst model.DecisionInstance) error
	CompleteInstance(ctx context.Context, inst model.DecisionInstance, status model.InstanceStatus, execErr *string) error
}

// ActionSink receives action payloads produced by completed instances.
// Implementations gate the actions through policy before anything commits.
type ActionSink interface {
	OnActions(ctx context.Context, instanceID uuid.UUID, payload map[string]any)
}

// Executor starts and tracks template executions.
type Executor struct {
	store     InstanceStore
	knowledge collab.Knowledge
	algorithm collab.Algorithm
	sink      ActionSink
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an executor. sink may be nil when no action gating is wired.
func New(store InstanceStore, knowledge collab.Knowledge, algorithm collab.Algorithm, sink ActionSink, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		store:     store,
		knowledge: knowledge,
		algorithm: algorithm,
		sink:      sink,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start creates a pending instance and runs the pipeline in a detached
// goroutine. The returned instance carries the ID callers poll with; the
// goroutine outlives the caller's request context but not the configured
// execution timeout.
func (e *Executor) Start(ctx context.Context, tmpl model.DecisionTemplate, params map[string]any, conversationID, createdBy string) (model.DecisionInstance, error) {
	inst, err := e.store.CreateInstance(ctx, model.DecisionInstance{
		TemplateID:     tmpl.ID,
		ConversationID: conversationID,
		InputValues:    params,
		Status:         model.InstancePending,
		CreatedBy:      createdBy,
	})
	if err != nil {
		return model.DecisionInstance{}, fmt.Errorf("executor: create instance: %w", err)
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	go func() {
		defer cancel()
		e.run(execCtx, tmpl, inst)
	}()

	return inst, nil
}

// run executes the pipeline. Any error in any step is caught once: the
// instance is marked failed with the stringified error and no further
// steps execute. Results persisted before the failure stay visible.
func (e *Executor) run(ctx context.Context, tmpl model.DecisionTemplate, inst model.DecisionInstance) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor: pipeline panic",
				"instance_id", inst.ID, "panic", r)
			e.fail(ctx, inst, fmt.Sprintf("panic: %v", r))
			recordExecution(ctx, tmpl.Name, model.InstanceFailed, start)
		}
	}()

	if err := e.runSteps(ctx, tmpl, &inst); err != nil {
		e.logger.Warn("executor: pipeline failed",
			"instance_id", inst.ID, "template", tmpl.Name, "error", err)
		e.fail(ctx, inst, err.Error())
		recordExecution(ctx, tmpl.Name, model.InstanceFailed, start)
		return
	}

	if err := e.store.CompleteInstance(ctx, inst, model.InstanceCompleted, nil); err != nil {
		e.logger.Error("executor: complete instance", "instance_id", inst.ID, "error", err)
		return
	}
	recordExecution(ctx, tmpl.Name, model.InstanceCompleted, start)
	e.logger.Info("executor: instance completed",
		"instance_id", inst.ID, "template", tmpl.Name)

	e.emitActions(ctx, inst)
}

func (e *Executor) runSteps(ctx context.Context, tmpl model.DecisionTemplate, inst *model.DecisionInstance) error {
	inst.DeclarativeResults = map[string]any{}
	inst.AgenticResults = map[string]any{}

	// Declarative prompts run sequentially; they have no inter-dependencies
	// by construction. Answers are keyed by the original prompt text.
	for _, prompt := range tmpl.DeclarativePrompts {
		filled := fillPlaceholders(prompt, inst.InputValues)
		answer, err := e.knowledge.Query(ctx, filled)
		if err != nil {
			return fmt.Errorf("executor: declarative prompt %q: %w", truncate(prompt, 60), err)
		}
		inst.DeclarativeResults[prompt] = answer
		if err := e.store.UpdateInstanceProgress(ctx, *inst); err != nil {
			return fmt.Errorf("executor: persist declarative progress: %w", err)
		}
	}

	// Agentic tasks run in declared order. Input fields resolve against
	// prior task outputs first, then the original parameters; names
	// matching neither are omitted from the task input.
	for _, task := range tmpl.AgenticTasks {
		input := make(map[string]any, len(task.InputFields))
		for _, field := range task.InputFields {
			if v, ok := inst.AgenticResults[field]; ok {
				input[field] = v
				continue
			}
			if v, ok := inst.InputValues[field]; ok {
				input[field] = v
			}
		}

		result, err := e.algorithm.Execute(ctx, collab.AlgorithmRequest{
			Problem:        fillPlaceholders(task.Task, inst.InputValues),
			Input:          input,
			ConversationID: inst.ConversationID,
			ExecutionID:    inst.ID.String(),
			UserID:         inst.CreatedBy,
		})
		if err != nil {
			return fmt.Errorf("executor: agentic task %q: %w", task.Output, err)
		}

		inst.AgenticResults[task.Output] = taskValue(result)
		if err := e.store.UpdateInstanceProgress(ctx, *inst); err != nil {
			return fmt.Errorf("executor: persist agentic progress: %w", err)
		}
	}

	// Final output: declared fields present in task results are copied
	// over; fields with no matching output are omitted, not defaulted.
	outputs := make(map[string]any)
	for _, out := range tmpl.Outputs {
		if v, ok := inst.AgenticResults[out.Name]; ok {
			outputs[out.Name] = v
		}
	}
	if len(inst.DeclarativeResults) > 0 {
		outputs[ContextualInformationKey] = inst.DeclarativeResults
	}
	inst.OutputValues = outputs
	return nil
}

// recordExecution emits pipeline count and duration metrics per template
// and terminal status.
func recordExecution(ctx context.Context, template string, status model.InstanceStatus, start time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("template", template),
		attribute.String("status", string(status)),
	}
	if counter, err := execMeter.Int64Counter("executor.pipeline.count"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if hist, err := execMeter.Float64Histogram("executor.pipeline.duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
	}
}

func (e *Executor) fail(ctx context.Context, inst model.DecisionInstance, msg string) {
	if err := e.store.CompleteInstance(ctx, inst, model.InstanceFailed, &msg); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			e.logger.Error("executor: mark instance failed", "instance_id", inst.ID, "error", err)
		}
	}
}

// emitActions forwards a recommended-actions payload to the sink when a
// completed pipeline produced one.
func (e *Executor) emitActions(ctx context.Context, inst model.DecisionInstance) {
	if e.sink == nil {
		return
	}
	raw, ok := inst.AgenticResults[ActionsOutputKey]
	if !ok {
		return
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		e.logger.Warn("executor: recommended_actions output is not an object",
			"instance_id", inst.ID)
		return
	}
	e.sink.OnActions(ctx, inst.ID, payload)
}

// Status returns the polling projection of an instance. Results are
// populated only for completed instances.
func (e *Executor) Status(ctx context.Context, id uuid.UUID) (model.InstanceStatusView, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return model.InstanceStatusView{}, err
	}
	view := model.InstanceStatusView{
		InstanceID: inst.ID,
		Status:     inst.Status,
		Error:      inst.Error,
	}
	if inst.Status == model.InstanceCompleted {
		view.Results = inst.OutputValues
	}
	return view, nil
}

// fillPlaceholders substitutes {name} markers with parameter values.
// Unknown markers are left intact so the collaborator sees them verbatim.
func fillPlaceholders(text string, params map[string]any) string {
	for name, value := range params {
		text = strings.ReplaceAll(text, "{"+name+"}", fmt.Sprintf("%v", value))
	}
	return text
}

// taskValue picks the usable value from an algorithm result: structured
// output when present, otherwise the text content.
func taskValue(result collab.AlgorithmResult) any {
	if len(result.Output) > 0 {
		return result.Output
	}
	return result.Content
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
