package runtime

import (
	"context"

	"github.com/execplane/execplane/internal/invoke"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// PipelineAdapter is the in-process Adapter: it calls the invocation pipeline
// directly and translates control signals into tagged results without losing
// the approval id.
type PipelineAdapter struct {
	pipeline *invoke.Pipeline
	journal  *storage.Journal
	task     *models.Task
}

// NewPipelineAdapter creates an adapter closed over one task.
func NewPipelineAdapter(pipeline *invoke.Pipeline, journal *storage.Journal, task *models.Task) *PipelineAdapter {
	return &PipelineAdapter{pipeline: pipeline, journal: journal, task: task}
}

// InvokeTool runs one tool call through the pipeline.
func (a *PipelineAdapter) InvokeTool(ctx context.Context, req ToolCallRequest) ToolCallResult {
	output, err := a.pipeline.Invoke(ctx, a.task, invoke.Request{
		TaskID:   a.task.ID,
		CallID:   req.CallID,
		ToolPath: req.ToolPath,
		Input:    req.Input,
	})
	if err == nil {
		return ToolCallResult{OK: true, Value: output}
	}
	if pending, ok := invoke.AsPending(err); ok {
		return ToolCallResult{
			OK:           false,
			Kind:         KindPending,
			ApprovalID:   pending.ApprovalID,
			RetryAfterMs: pending.RetryAfterMs,
		}
	}
	if denied, ok := invoke.AsDenied(err); ok {
		return ToolCallResult{OK: false, Kind: KindDenied, Error: denied.Error()}
	}
	return ToolCallResult{OK: false, Kind: KindFailed, Error: err.Error()}
}

// EmitOutput journals one sandbox output line.
func (a *PipelineAdapter) EmitOutput(ctx context.Context, event OutputEvent) {
	a.journal.Emit(ctx, a.task.ID, "task.output", storage.Payload(
		"stream", event.Stream,
		"line", event.Line,
		"timestamp", event.Timestamp,
	))
}
