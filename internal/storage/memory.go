package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execplane/execplane/pkg/models"
)

// Memory is an in-process Repository implementation. It is the default store
// for tests and single-node runs without a database URL.
type Memory struct {
	mu sync.RWMutex

	tasks     map[string]*models.Task
	taskOrder []string

	events map[string][]*models.TaskEvent

	toolCalls map[string]*models.ToolCall // taskID + "\x00" + callID

	approvals map[string]*models.Approval

	policies map[string]*models.AccessPolicy

	credentials map[string]*models.CredentialRecord

	sources map[string]*models.ToolSource

	regStates     map[string]*models.RegistryState
	regEntries    map[string]map[string]*models.RegistryEntry // ws+build -> path -> entry
	regNamespaces map[string][]*models.NamespaceSummary       // ws+build

	sessions map[string][2]string // sessionID -> {workspaceID, accountID}

	queueSubs map[int64]chan struct{}
	subSeq    int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:         make(map[string]*models.Task),
		events:        make(map[string][]*models.TaskEvent),
		toolCalls:     make(map[string]*models.ToolCall),
		approvals:     make(map[string]*models.Approval),
		policies:      make(map[string]*models.AccessPolicy),
		credentials:   make(map[string]*models.CredentialRecord),
		sources:       make(map[string]*models.ToolSource),
		regStates:     make(map[string]*models.RegistryState),
		regEntries:    make(map[string]map[string]*models.RegistryEntry),
		regNamespaces: make(map[string][]*models.NamespaceSummary),
		sessions:      make(map[string][2]string),
		queueSubs:     make(map[int64]chan struct{}),
	}
}

// NewMemoryRepository wraps a Memory store in a Repository.
func NewMemoryRepository() (*Repository, *Memory) {
	m := NewMemory()
	return &Repository{
		Tasks:       m,
		Events:      m,
		ToolCalls:   m,
		Approvals:   m,
		Policies:    m,
		Credentials: m,
		Sources:     m,
		Registry:    m,
		Sessions:    m,
		Queue:       m,
	}, m
}

func callKey(taskID, callID string) string { return taskID + "\x00" + callID }

func buildKey(workspaceID, buildID string) string { return workspaceID + "\x00" + buildID }

func copyTask(t *models.Task) *models.Task {
	c := *t
	return &c
}

// --- TaskStore ---

func (m *Memory) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil || task.ID == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	if _, exists := m.tasks[task.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	m.tasks[task.ID] = copyTask(task)
	m.taskOrder = append(m.taskOrder, task.ID)
	m.mu.Unlock()

	if task.Status == models.TaskStatusQueued {
		m.notifyQueue()
	}
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, workspaceID string, opts ListTasksOptions) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Task
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if workspaceID != "" && t.WorkspaceID != workspaceID {
			continue
		}
		if opts.Status != nil && t.Status != *opts.Status {
			continue
		}
		out = append(out, copyTask(t))
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) ListQueuedTaskIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.taskOrder {
		if m.tasks[id].Status != models.TaskStatusQueued {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (m *Memory) MarkTaskRunning(ctx context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusQueued {
		return nil, nil
	}
	now := time.Now()
	t.Status = models.TaskStatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
	return copyTask(t), nil
}

func (m *Memory) CompleteTask(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, exitCode *int, errMsg string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.IsTerminal() {
		return copyTask(t), nil
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Result = result
	t.ExitCode = exitCode
	t.Error = errMsg
	return copyTask(t), nil
}

// --- QueueWatcher ---

func (m *Memory) WatchQueue(ctx context.Context) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.subSeq
	m.subSeq++
	m.queueSubs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.queueSubs, id)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Memory) notifyQueue() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.queueSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// --- EventStore ---

func (m *Memory) AppendEvent(ctx context.Context, taskID string, family models.EventFamily, eventType string, payload json.RawMessage) (*models.TaskEvent, error) {
	m.mu.Lock()
	ev := &models.TaskEvent{
		TaskID:    taskID,
		Seq:       int64(len(m.events[taskID])) + 1,
		Family:    family,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	m.events[taskID] = append(m.events[taskID], ev)
	m.mu.Unlock()
	return ev, nil
}

func (m *Memory) ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]*models.TaskEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.events[taskID]
	var out []*models.TaskEvent
	for _, ev := range all {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- ToolCallStore ---

func (m *Memory) UpsertToolCallRequested(ctx context.Context, taskID, callID, toolPath string, input json.RawMessage) (*models.ToolCall, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := callKey(taskID, callID)
	if existing, ok := m.toolCalls[key]; ok {
		c := *existing
		return &c, false, nil
	}
	now := time.Now()
	call := &models.ToolCall{
		TaskID:    taskID,
		CallID:    callID,
		ToolPath:  toolPath,
		Input:     input,
		Status:    models.ToolCallStatusRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.toolCalls[key] = call
	c := *call
	return &c, true, nil
}

func (m *Memory) GetToolCall(ctx context.Context, taskID, callID string) (*models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	call, ok := m.toolCalls[callKey(taskID, callID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *call
	return &c, nil
}

func (m *Memory) LinkToolCallApproval(ctx context.Context, taskID, callID, approvalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.toolCalls[callKey(taskID, callID)]
	if !ok {
		return ErrNotFound
	}
	call.ApprovalID = approvalID
	call.Status = models.ToolCallStatusPendingApproval
	call.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CompleteToolCall(ctx context.Context, taskID, callID string, status models.ToolCallStatus, output json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.toolCalls[callKey(taskID, callID)]
	if !ok {
		return ErrNotFound
	}
	if call.IsTerminal() {
		return nil
	}
	call.Status = status
	call.Output = output
	call.Error = errMsg
	call.UpdatedAt = time.Now()
	return nil
}

// --- ApprovalStore ---

func (m *Memory) CreateApproval(ctx context.Context, approval *models.Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[approval.ID]; exists {
		return ErrAlreadyExists
	}
	a := *approval
	m.approvals[approval.ID] = &a
	return nil
}

func (m *Memory) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *Memory) ListApprovals(ctx context.Context, workspaceID string, status *models.ApprovalStatus) ([]*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Approval
	for _, a := range m.approvals {
		if workspaceID != "" && a.WorkspaceID != workspaceID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > ListApprovalsCap {
		out = out[:ListApprovalsCap]
	}
	return out, nil
}

func (m *Memory) ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, reviewerID, reason string) (*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != models.ApprovalStatusPending {
		return nil, nil
	}
	now := time.Now()
	a.Status = status
	a.ReviewerID = reviewerID
	a.Reason = reason
	a.ResolvedAt = &now
	c := *a
	return &c, nil
}

func (m *Memory) CountPendingApprovals(ctx context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, a := range m.approvals {
		if a.TaskID == taskID && a.Status == models.ApprovalStatusPending {
			count++
		}
	}
	return count, nil
}

// --- PolicyStore ---

func (m *Memory) UpsertPolicy(ctx context.Context, policy *models.AccessPolicy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *policy
	m.policies[policy.ID] = &p
	return nil
}

func (m *Memory) ListPolicies(ctx context.Context, workspaceID string) ([]*models.AccessPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AccessPolicy
	for _, p := range m.policies {
		if workspaceID != "" && p.WorkspaceID != "" && p.WorkspaceID != workspaceID {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- CredentialStore ---

func (m *Memory) UpsertCredential(ctx context.Context, record *models.CredentialRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *record
	m.credentials[record.ID] = &c
	return nil
}

func (m *Memory) ListCredentials(ctx context.Context, workspaceID string) ([]*models.CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CredentialRecord
	for _, c := range m.credentials {
		if workspaceID != "" && c.WorkspaceID != workspaceID {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindCredential(ctx context.Context, workspaceID, accountID, sourceKey string) (*models.CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var workspaceMatch *models.CredentialRecord
	for _, c := range m.credentials {
		if c.WorkspaceID != workspaceID || !strings.EqualFold(c.SourceKey, sourceKey) {
			continue
		}
		if c.Scope == models.CredentialScopeAccount && c.AccountID == accountID {
			cc := *c
			return &cc, nil
		}
		if c.Scope == models.CredentialScopeWorkspace {
			workspaceMatch = c
		}
	}
	if workspaceMatch != nil {
		cc := *workspaceMatch
		return &cc, nil
	}
	return nil, ErrNotFound
}

// --- SourceStore ---

func (m *Memory) UpsertSource(ctx context.Context, source *models.ToolSource) error {
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	now := time.Now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	source.DeriveFingerprints()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *source
	m.sources[source.ID] = &s
	return nil
}

func (m *Memory) GetSource(ctx context.Context, id string) (*models.ToolSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *Memory) DeleteSource(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return ErrNotFound
	}
	delete(m.sources, id)
	return nil
}

func (m *Memory) ListSources(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.ToolSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolSource
	for _, s := range m.sources {
		if workspaceID != "" && s.WorkspaceID != workspaceID {
			continue
		}
		if enabledOnly && !s.Enabled {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- RegistryStore ---

func (m *Memory) GetRegistryState(ctx context.Context, workspaceID string) (*models.RegistryState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.regStates[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *st
	return &c, nil
}

func (m *Memory) ClaimBuild(ctx context.Context, workspaceID, buildID string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.regStates[workspaceID]
	if !ok {
		st = &models.RegistryState{WorkspaceID: workspaceID}
		m.regStates[workspaceID] = st
	}
	now := time.Now()
	if st.BuildingBuildID != "" && st.BuildingStartedAt != nil && now.Sub(*st.BuildingStartedAt) < staleAfter {
		return false, nil
	}
	st.BuildingBuildID = buildID
	st.BuildingStartedAt = &now
	st.UpdatedAt = now
	return true, nil
}

func (m *Memory) CommitBuild(ctx context.Context, state *models.RegistryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.regStates[state.WorkspaceID]
	if !ok {
		return ErrNotFound
	}
	st.ReadyBuildID = state.ReadyBuildID
	st.Signature = state.Signature
	st.SourceStates = state.SourceStates
	st.Warnings = state.Warnings
	st.ToolCount = state.ToolCount
	st.BuildingBuildID = ""
	st.BuildingStartedAt = nil
	st.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) FailBuild(ctx context.Context, workspaceID, buildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.regStates[workspaceID]
	if !ok {
		return ErrNotFound
	}
	if st.BuildingBuildID == buildID {
		st.BuildingBuildID = ""
		st.BuildingStartedAt = nil
		st.UpdatedAt = time.Now()
	}
	return nil
}

func (m *Memory) PutEntries(ctx context.Context, entries []*models.RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		key := buildKey(e.WorkspaceID, e.BuildID)
		if m.regEntries[key] == nil {
			m.regEntries[key] = make(map[string]*models.RegistryEntry)
		}
		c := *e
		m.regEntries[key][e.Path] = &c
	}
	return nil
}

func (m *Memory) PutNamespaces(ctx context.Context, summaries []*models.NamespaceSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range summaries {
		key := buildKey(s.WorkspaceID, s.BuildID)
		c := *s
		m.regNamespaces[key] = append(m.regNamespaces[key], &c)
	}
	return nil
}

func (m *Memory) ListEntries(ctx context.Context, workspaceID, buildID string) ([]*models.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.regEntries[buildKey(workspaceID, buildID)]
	out := make([]*models.RegistryEntry, 0, len(set))
	for _, e := range set {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) GetEntry(ctx context.Context, workspaceID, buildID, path string) (*models.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.regEntries[buildKey(workspaceID, buildID)][path]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *Memory) ListNamespaces(ctx context.Context, workspaceID, buildID string) ([]*models.NamespaceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.regNamespaces[buildKey(workspaceID, buildID)]
	out := make([]*models.NamespaceSummary, 0, len(set))
	for _, s := range set {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (m *Memory) PruneBuilds(ctx context.Context, workspaceID string, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[buildKey(workspaceID, id)] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := workspaceID + "\x00"
	for key := range m.regEntries {
		if strings.HasPrefix(key, prefix) && !keepSet[key] {
			delete(m.regEntries, key)
		}
	}
	for key := range m.regNamespaces {
		if strings.HasPrefix(key, prefix) && !keepSet[key] {
			delete(m.regNamespaces, key)
		}
	}
	return nil
}

// --- SessionStore ---

func (m *Memory) BootstrapSession(ctx context.Context, sessionID string) (string, string, error) {
	if sessionID == "" {
		return "ws_" + uuid.NewString(), "acct_" + uuid.NewString(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pair, ok := m.sessions[sessionID]; ok {
		return pair[0], pair[1], nil
	}
	pair := [2]string{"ws_" + uuid.NewString(), "acct_" + uuid.NewString()}
	m.sessions[sessionID] = pair
	return pair[0], pair[1], nil
}
