package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/internal/observability"
	"github.com/execplane/execplane/internal/policy"
	"github.com/execplane/execplane/internal/registry"
	"github.com/execplane/execplane/internal/sources"
	"github.com/execplane/execplane/internal/storage"
	"github.com/execplane/execplane/pkg/models"
)

// Request identifies one tool call within a task.
type Request struct {
	TaskID   string         `json:"taskId"`
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

// Pipeline executes tool calls: persist, resolve, authorize, gate on
// approval, run, journal. Every outcome is persisted on the call row so a
// replay of the same callId short-circuits to the cached result.
type Pipeline struct {
	repo      *storage.Repository
	journal   *storage.Journal
	resolver  *registry.Resolver
	runner    *sources.Runner
	approvals *approvals.Coordinator
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewPipeline wires the invocation pipeline.
func NewPipeline(repo *storage.Repository, journal *storage.Journal, resolver *registry.Resolver, runner *sources.Runner, coordinator *approvals.Coordinator, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default().With("component", "invoke")
	}
	return &Pipeline{
		repo:      repo,
		journal:   journal,
		resolver:  resolver,
		runner:    runner,
		approvals: coordinator,
		metrics:   metrics,
		logger:    logger,
	}
}

// Invoke runs one tool call for a task. Control signals (PendingError,
// DeniedError) are returned as errors and survive wrapping.
func (p *Pipeline) Invoke(ctx context.Context, task *models.Task, req Request) (json.RawMessage, error) {
	ctx, span := observability.StartToolSpan(ctx, req.ToolPath, req.TaskID, req.CallID)
	result, err := p.invoke(ctx, task, req)
	observability.EndSpan(span, err)
	return result, err
}

func (p *Pipeline) invoke(ctx context.Context, task *models.Task, req Request) (json.RawMessage, error) {
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}

	call, created, err := p.repo.ToolCalls.UpsertToolCallRequested(ctx, req.TaskID, req.CallID, req.ToolPath, inputJSON)
	if err != nil {
		return nil, fmt.Errorf("persist tool call: %w", err)
	}
	if !created && call.IsTerminal() {
		// Replay of a settled call returns the cached outcome without
		// re-executing.
		switch call.Status {
		case models.ToolCallStatusCompleted:
			return call.Output, nil
		case models.ToolCallStatusDenied:
			return nil, &DeniedError{ToolPath: call.ToolPath, Reason: call.Error}
		default:
			return nil, errors.New(call.Error)
		}
	}

	// Built-in tools run in process against the current registry; source
	// loaders are never involved.
	if sources.IsSystemTool(req.ToolPath) {
		return p.runSystem(ctx, task, req, call, created)
	}

	entry, err := p.resolver.Resolve(ctx, task.WorkspaceID, req.ToolPath)
	if err != nil {
		return nil, p.failCall(ctx, task, req, kindUnknown, err)
	}
	tool := entry.Tool
	if tool == nil {
		return nil, p.failCall(ctx, task, req, kindUnknown, fmt.Errorf("tool %s has no invocation payload", entry.Path))
	}
	kind := string(tool.Kind)

	if err := validateInput(tool, req.Input); err != nil {
		return nil, p.failCall(ctx, task, req, kind, err)
	}

	policies, err := p.repo.Policies.ListPolicies(ctx, task.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	outcome := policy.Decide(tool, policy.Context{
		WorkspaceID: task.WorkspaceID,
		AccountID:   task.AccountID,
		ClientID:    task.ClientID,
	}, policies, req.Input)

	if outcome.Decision == policy.DecisionDeny {
		return nil, p.denyCall(ctx, task, req, kind, "policy_deny", outcome.EffectivePaths)
	}

	credHeaders, err := p.resolveCredential(ctx, task, tool)
	if err != nil {
		return nil, p.failCall(ctx, task, req, kind, err)
	}

	if created {
		p.journal.Emit(ctx, task.ID, "tool.call.started", storage.Payload(
			"callId", req.CallID,
			"toolPath", entry.Path,
			"effectivePaths", outcome.EffectivePaths,
		))
	}

	if err := p.approvalGate(ctx, task, req, call, kind, outcome); err != nil {
		return nil, err
	}

	started := time.Now()
	output, runErr := p.runner.Run(ctx, tool, req.Input, sources.RunContext{
		TaskID:            task.ID,
		CallID:            req.CallID,
		WorkspaceID:       task.WorkspaceID,
		AccountID:         task.AccountID,
		ClientID:          task.ClientID,
		CredentialHeaders: credHeaders,
	})
	if p.metrics != nil {
		p.metrics.ToolCallDuration.WithLabelValues(string(tool.Kind)).Observe(time.Since(started).Seconds())
	}
	if runErr != nil {
		return nil, p.failCall(ctx, task, req, kind, runErr)
	}

	if err := p.repo.ToolCalls.CompleteToolCall(ctx, req.TaskID, req.CallID, models.ToolCallStatusCompleted, output, ""); err != nil {
		return nil, fmt.Errorf("complete tool call: %w", err)
	}
	p.journal.Emit(ctx, task.ID, "tool.call.completed", storage.Payload(
		"callId", req.CallID,
		"toolPath", entry.Path,
		"outputRedacted", true,
	))
	if p.metrics != nil {
		p.metrics.ToolCalls.WithLabelValues(string(tool.Kind), "completed").Inc()
	}
	return output, nil
}

// approvalGate enforces the human review protocol. A linked approval is
// consulted first; otherwise a require_approval decision opens one.
func (p *Pipeline) approvalGate(ctx context.Context, task *models.Task, req Request, call *models.ToolCall, kind string, outcome policy.Outcome) error {
	if call.ApprovalID != "" {
		approval, err := p.repo.Approvals.GetApproval(ctx, call.ApprovalID)
		if err != nil {
			return fmt.Errorf("load approval %s: %w", call.ApprovalID, err)
		}
		switch approval.Status {
		case models.ApprovalStatusPending:
			return &PendingError{ApprovalID: approval.ID}
		case models.ApprovalStatusDenied:
			reason := approval.Reason
			if reason == "" {
				reason = "approval_denied"
			}
			if err := p.denyCall(ctx, task, req, kind, reason, outcome.EffectivePaths); err != nil {
				return err
			}
			return nil
		default:
			// Approved: proceed without re-creating.
			return nil
		}
	}

	if outcome.Decision != policy.DecisionRequireApproval {
		return nil
	}
	inputJSON, _ := json.Marshal(req.Input)
	approval, err := p.approvals.Create(ctx, task, req.CallID, req.ToolPath, inputJSON)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ApprovalsCreated.Inc()
	}
	return &PendingError{ApprovalID: approval.ID}
}

// runSystem fast-paths the built-in tools.
func (p *Pipeline) runSystem(ctx context.Context, task *models.Task, req Request, call *models.ToolCall, created bool) (json.RawMessage, error) {
	if created {
		p.journal.Emit(ctx, task.ID, "tool.call.started", storage.Payload(
			"callId", req.CallID,
			"toolPath", req.ToolPath,
		))
	}
	output, err := sources.RunSystemTool(ctx, p.resolver, task.WorkspaceID, req.ToolPath, req.Input)
	if err != nil {
		return nil, p.failCall(ctx, task, req, string(models.ToolKindSystem), err)
	}
	if err := p.repo.ToolCalls.CompleteToolCall(ctx, req.TaskID, req.CallID, models.ToolCallStatusCompleted, output, ""); err != nil {
		return nil, fmt.Errorf("complete tool call: %w", err)
	}
	p.journal.Emit(ctx, task.ID, "tool.call.completed", storage.Payload(
		"callId", req.CallID,
		"toolPath", req.ToolPath,
		"outputRedacted", true,
	))
	if p.metrics != nil {
		p.metrics.ToolCalls.WithLabelValues(string(models.ToolKindSystem), "completed").Inc()
	}
	return output, nil
}

// resolveCredential finds the best scope-matching credential for a tool's
// source and composes its headers. The secret never outlives the call.
func (p *Pipeline) resolveCredential(ctx context.Context, task *models.Task, tool *models.SerializedTool) (map[string]string, error) {
	record, err := p.repo.Credentials.FindCredential(ctx, task.WorkspaceID, task.AccountID, tool.SourceKey)
	if err == storage.ErrNotFound {
		if tool.RequiresCredential {
			return nil, fmt.Errorf("tool %s requires a credential for %s and none is configured", tool.Path, tool.SourceKey)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	headers, err := ComposeCredentialHeaders(record)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	return headers, nil
}

// kindUnknown labels metrics for calls that never resolved to a tool.
const kindUnknown = "unknown"

// failCall settles the call as failed and journals the failure. The returned
// error wraps the cause so control signals and typed errors stay decodable.
func (p *Pipeline) failCall(ctx context.Context, task *models.Task, req Request, kind string, cause error) error {
	if err := p.repo.ToolCalls.CompleteToolCall(ctx, req.TaskID, req.CallID, models.ToolCallStatusFailed, nil, cause.Error()); err != nil {
		p.logger.Error("mark tool call failed", "task_id", req.TaskID, "call_id", req.CallID, "error", err)
	}
	p.journal.Emit(ctx, task.ID, "tool.call.failed", storage.Payload(
		"callId", req.CallID,
		"toolPath", req.ToolPath,
		"error", cause.Error(),
	))
	if p.metrics != nil {
		p.metrics.ToolCalls.WithLabelValues(kind, "failed").Inc()
	}
	return cause
}

// denyCall settles the call as denied and returns the control signal.
func (p *Pipeline) denyCall(ctx context.Context, task *models.Task, req Request, kind, reason string, effectivePaths []string) error {
	if err := p.repo.ToolCalls.CompleteToolCall(ctx, req.TaskID, req.CallID, models.ToolCallStatusDenied, nil, reason); err != nil {
		p.logger.Error("mark tool call denied", "task_id", req.TaskID, "call_id", req.CallID, "error", err)
	}
	p.journal.Emit(ctx, task.ID, "tool.call.denied", storage.Payload(
		"callId", req.CallID,
		"toolPath", req.ToolPath,
		"reason", reason,
		"effectivePaths", effectivePaths,
	))
	if p.metrics != nil {
		p.metrics.ToolCalls.WithLabelValues(kind, "denied").Inc()
	}
	return &DeniedError{ToolPath: req.ToolPath, Reason: reason}
}

// validateInput checks the input against the tool's JSON schema. A tool
// without a schema accepts anything.
func validateInput(tool *models.SerializedTool, input map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString("input.json", string(tool.InputSchema))
	if err != nil {
		// An uncompilable schema is a loader defect, not a caller error.
		return nil
	}
	value := map[string]any{}
	for k, v := range input {
		value[k] = v
	}
	if err := schema.Validate(normalizeForSchema(value)); err != nil {
		return fmt.Errorf("tool %s: invalid input: %v", tool.Path, err)
	}
	return nil
}

// normalizeForSchema round-trips through JSON so numeric types match what the
// validator expects.
func normalizeForSchema(value map[string]any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
