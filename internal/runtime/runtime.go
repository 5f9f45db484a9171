// Package runtime defines the contract between the scheduler and a code
// runtime, and provides the in-process snippet runtime.
package runtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/execplane/execplane/pkg/models"
)

// RunRequest is the unit of work handed to a runtime.
type RunRequest struct {
	TaskID    string `json:"taskId"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs"`
}

// RunResult is the runtime's terminal outcome for a task.
type RunResult struct {
	// Status is one of the terminal task statuses.
	Status models.TaskStatus `json:"status"`

	// Result is the JSON-encoded value the code returned, if any.
	Result json.RawMessage `json:"result,omitempty"`

	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ToolCallRequest is one tool invocation issued by running code.
type ToolCallRequest struct {
	CallID   string         `json:"callId"`
	ToolPath string         `json:"toolPath"`
	Input    map[string]any `json:"input,omitempty"`
}

// Result kinds for non-ok tool call outcomes.
const (
	KindPending = "pending"
	KindDenied  = "denied"
	KindFailed  = "failed"
)

// ToolCallResult is the tagged union a runtime receives for a tool call.
// Exactly one of the shapes applies: {ok:true, value} or
// {ok:false, kind, ...}.
type ToolCallResult struct {
	OK           bool            `json:"ok"`
	Value        json.RawMessage `json:"value,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	ApprovalID   string          `json:"approvalId,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// OutputEvent is one line of sandbox stdout or stderr.
type OutputEvent struct {
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Adapter is the control-plane bridge handed to a runtime. InvokeTool never
// returns a Go error; all failure modes are encoded in the tagged result so
// the runtime can distinguish suspension from denial from genuine failure.
type Adapter interface {
	InvokeTool(ctx context.Context, req ToolCallRequest) ToolCallResult
	EmitOutput(ctx context.Context, event OutputEvent)
}

// Runtime executes task code against an adapter.
type Runtime interface {
	ID() string
	Run(ctx context.Context, req RunRequest, adapter Adapter) (RunResult, error)
}

// Target describes a selectable runtime on the public API.
type Target struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Default bool   `json:"default,omitempty"`
}

// Registry holds the runtimes a worker can dispatch to.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Runtime
	labels    map[string]string
	defaultID string
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Runtime), labels: make(map[string]string)}
}

// Register adds a runtime. The first registered runtime becomes the default.
func (r *Registry) Register(rt Runtime, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rt.ID()] = rt
	r.labels[rt.ID()] = label
	if r.defaultID == "" {
		r.defaultID = rt.ID()
	}
}

// Get returns the runtime for an id. An empty id selects the default.
func (r *Registry) Get(id string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	rt, ok := r.byID[id]
	return rt, ok
}

// DefaultID returns the default runtime id.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// Targets lists registered runtimes sorted by id.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, Target{ID: id, Label: r.labels[id], Default: id == r.defaultID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
