package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/execplane/execplane/pkg/models"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Postgres implements the Repository stores over a Postgres database.
// Task inserts NOTIFY the queue channel so workers wake without polling.
type Postgres struct {
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

const queueChannel = "executor_task_queue"

// NewPostgres opens a Postgres-backed store and runs migrations.
func NewPostgres(dsn string, config *PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if logger == nil {
		logger = slog.Default().With("component", "postgres")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Postgres{db: db, dsn: dsn, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresRepository wraps a Postgres store in a Repository.
func NewPostgresRepository(dsn string, logger *slog.Logger) (*Repository, error) {
	s, err := NewPostgres(dsn, nil, logger)
	if err != nil {
		return nil, err
	}
	return &Repository{
		Tasks:       s,
		Events:      s,
		ToolCalls:   s,
		Approvals:   s,
		Policies:    s,
		Credentials: s,
		Sources:     s,
		Registry:    s,
		Sessions:    s,
		Queue:       s,
		closer:      s.Close,
	}, nil
}

// Close releases database resources.
func (s *Postgres) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			client_id TEXT,
			code TEXT NOT NULL,
			runtime_id TEXT NOT NULL,
			timeout_ms BIGINT NOT NULL,
			metadata JSONB,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			exit_code BIGINT,
			error TEXT,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_queued_idx ON tasks (created_at) WHERE status = 'queued'`,
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			family TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			task_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			tool_path TEXT NOT NULL,
			input JSONB,
			status TEXT NOT NULL,
			approval_id TEXT,
			output JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, call_id)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			tool_path TEXT NOT NULL,
			input JSONB,
			status TEXT NOT NULL,
			reviewer_id TEXT,
			reason TEXT,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS approvals_workspace_idx ON approvals (workspace_id, status)`,
		`CREATE TABLE IF NOT EXISTS access_policies (
			id TEXT PRIMARY KEY,
			workspace_id TEXT,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			account_id TEXT,
			source_key TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			secret JSONB,
			headers JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_sources (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			source_type TEXT NOT NULL,
			config JSONB,
			enabled BOOLEAN NOT NULL,
			spec_hash TEXT,
			auth_fingerprint TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_state (
			workspace_id TEXT PRIMARY KEY,
			signature TEXT,
			ready_build_id TEXT,
			building_build_id TEXT,
			building_started_at TIMESTAMPTZ,
			source_states JSONB,
			warnings JSONB,
			tool_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_entries (
			workspace_id TEXT NOT NULL,
			build_id TEXT NOT NULL,
			path TEXT NOT NULL,
			body JSONB NOT NULL,
			PRIMARY KEY (workspace_id, build_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS registry_namespaces (
			workspace_id TEXT NOT NULL,
			build_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			source_key TEXT NOT NULL,
			tool_count BIGINT NOT NULL,
			PRIMARY KEY (workspace_id, build_id, namespace, source_key)
		)`,
		`CREATE TABLE IF NOT EXISTS anonymous_sessions (
			session_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- TaskStore ---

func (s *Postgres) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task is required")
	}
	metadataJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, workspace_id, account_id, client_id, code, runtime_id,
			timeout_ms, metadata, status, started_at, completed_at,
			exit_code, error, result, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		task.ID, task.WorkspaceID, task.AccountID, nullableString(task.ClientID),
		task.Code, task.RuntimeID, task.TimeoutMs, metadataJSON,
		string(task.Status), nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
		nullableInt(task.ExitCode), nullableString(task.Error), nullableJSON(task.Result),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if task.Status == models.TaskStatusQueued {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, queueChannel, task.ID); err != nil {
			s.logger.Warn("queue notify failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (s *Postgres) scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var clientID, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64
	var metadata, result []byte
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.AccountID, &clientID, &t.Code, &t.RuntimeID,
		&t.TimeoutMs, &metadata, (*string)(&t.Status), &startedAt, &completedAt,
		&exitCode, &errMsg, &result, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ClientID = clientID.String
	t.Error = errMsg.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}

const taskColumns = `id, workspace_id, account_id, client_id, code, runtime_id,
	timeout_ms, metadata, status, started_at, completed_at,
	exit_code, error, result, created_at, updated_at`

func (s *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Postgres) ListTasks(ctx context.Context, workspaceID string, opts ListTasksOptions) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE workspace_id = $1`
	args := []any{workspaceID}
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) ListQueuedTaskIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) MarkTaskRunning(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+taskColumns, id)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	return t, nil
}

func (s *Postgres) CompleteTask(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, exitCode *int, errMsg string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET status = $2, result = $3, exit_code = $4, error = $5,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+taskColumns,
		id, string(status), nullableJSON(result), nullableInt(exitCode), nullableString(errMsg))
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		// Already terminal; return the stored row untouched.
		return s.GetTask(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	return t, nil
}

// --- QueueWatcher ---

func (s *Postgres) WatchQueue(ctx context.Context) (<-chan struct{}, func()) {
	listener := pq.NewListener(s.dsn, time.Second, time.Minute, nil)
	if err := listener.Listen(queueChannel); err != nil {
		s.logger.Warn("queue listen failed, poll-only mode", "error", err)
		_ = listener.Close()
		return nil, func() {}
	}

	ch := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-listener.Notify:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = listener.Close()
		})
	}
	return ch, cancel
}

// --- EventStore ---

func (s *Postgres) AppendEvent(ctx context.Context, taskID string, family models.EventFamily, eventType string, payload json.RawMessage) (*models.TaskEvent, error) {
	ev := &models.TaskEvent{
		TaskID:  taskID,
		Family:  family,
		Type:    eventType,
		Payload: payload,
	}
	// Contiguous per-task sequence via MAX+1; retry on the rare concurrent
	// insert hitting the (task_id, seq) primary key.
	for attempt := 0; attempt < 5; attempt++ {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO task_events (task_id, seq, family, event_type, payload, created_at)
			VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_events WHERE task_id = $1), $2, $3, $4, NOW())
			RETURNING seq, created_at
		`, taskID, string(family), eventType, nullableJSON(payload))
		err := row.Scan(&ev.Seq, &ev.CreatedAt)
		if err == nil {
			break
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			continue
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	return ev, nil
}

func (s *Postgres) ListEvents(ctx context.Context, taskID string, afterSeq int64) ([]*models.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, family, event_type, payload, created_at
		FROM task_events WHERE task_id = $1 AND seq > $2 ORDER BY seq ASC
	`, taskID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []*models.TaskEvent
	for rows.Next() {
		var ev models.TaskEvent
		var payload []byte
		if err := rows.Scan(&ev.TaskID, &ev.Seq, (*string)(&ev.Family), &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// --- ToolCallStore ---

func (s *Postgres) UpsertToolCallRequested(ctx context.Context, taskID, callID, toolPath string, input json.RawMessage) (*models.ToolCall, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (task_id, call_id, tool_path, input, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'requested', NOW(), NOW())
		ON CONFLICT (task_id, call_id) DO NOTHING
	`, taskID, callID, toolPath, nullableJSON(input))
	if err != nil {
		return nil, false, fmt.Errorf("upsert tool call: %w", err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}
	call, err := s.GetToolCall(ctx, taskID, callID)
	if err != nil {
		return nil, false, err
	}
	return call, created, nil
}

func (s *Postgres) GetToolCall(ctx context.Context, taskID, callID string) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, call_id, tool_path, input, status, approval_id, output, error, created_at, updated_at
		FROM tool_calls WHERE task_id = $1 AND call_id = $2
	`, taskID, callID)
	var c models.ToolCall
	var approvalID, errMsg sql.NullString
	var input, output []byte
	err := row.Scan(&c.TaskID, &c.CallID, &c.ToolPath, &input, (*string)(&c.Status),
		&approvalID, &output, &errMsg, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool call: %w", err)
	}
	c.ApprovalID = approvalID.String
	c.Error = errMsg.String
	if len(input) > 0 {
		c.Input = json.RawMessage(input)
	}
	if len(output) > 0 {
		c.Output = json.RawMessage(output)
	}
	return &c, nil
}

func (s *Postgres) LinkToolCallApproval(ctx context.Context, taskID, callID, approvalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET approval_id = $3, status = 'pending_approval', updated_at = NOW()
		WHERE task_id = $1 AND call_id = $2
	`, taskID, callID, approvalID)
	if err != nil {
		return fmt.Errorf("link approval: %w", err)
	}
	return nil
}

func (s *Postgres) CompleteToolCall(ctx context.Context, taskID, callID string, status models.ToolCallStatus, output json.RawMessage, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tool_calls SET status = $3, output = $4, error = $5, updated_at = NOW()
		WHERE task_id = $1 AND call_id = $2
		  AND status NOT IN ('completed','failed','denied')
	`, taskID, callID, string(status), nullableJSON(output), nullableString(errMsg))
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	return nil
}

// --- ApprovalStore ---

func (s *Postgres) CreateApproval(ctx context.Context, approval *models.Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, task_id, workspace_id, call_id, tool_path, input, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, approval.ID, approval.TaskID, approval.WorkspaceID, approval.CallID,
		approval.ToolPath, nullableJSON(approval.Input), string(approval.Status), approval.CreatedAt)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, task_id, workspace_id, call_id, tool_path, input, status, reviewer_id, reason, resolved_at, created_at`

func (s *Postgres) scanApproval(row interface{ Scan(...any) error }) (*models.Approval, error) {
	var a models.Approval
	var reviewer, reason sql.NullString
	var resolvedAt sql.NullTime
	var input []byte
	err := row.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &a.CallID, &a.ToolPath,
		&input, (*string)(&a.Status), &reviewer, &reason, &resolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.ReviewerID = reviewer.String
	a.Reason = reason.String
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if len(input) > 0 {
		a.Input = json.RawMessage(input)
	}
	return &a, nil
}

func (s *Postgres) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *Postgres) ListApprovals(ctx context.Context, workspaceID string, status *models.ApprovalStatus) ([]*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", ListApprovalsCap)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	var out []*models.Approval
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, reviewerID, reason string) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE approvals SET status = $2, reviewer_id = $3, reason = $4, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+approvalColumns,
		id, string(status), nullableString(reviewerID), nullableString(reason))
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	return a, nil
}

func (s *Postgres) CountPendingApprovals(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals WHERE task_id = $1 AND status = 'pending'
	`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}

// --- PolicyStore ---

func (s *Postgres) UpsertPolicy(ctx context.Context, policy *models.AccessPolicy) error {
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO access_policies (id, workspace_id, body, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`, policy.ID, nullableString(policy.WorkspaceID), body, policy.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func (s *Postgres) ListPolicies(ctx context.Context, workspaceID string) ([]*models.AccessPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM access_policies
		WHERE workspace_id IS NULL OR workspace_id = $1
		ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()
	var out []*models.AccessPolicy
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p models.AccessPolicy
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- CredentialStore ---

func (s *Postgres) UpsertCredential(ctx context.Context, record *models.CredentialRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	headers, err := json.Marshal(record.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, scope, workspace_id, account_id, source_key, auth_type, secret, headers, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope, account_id = EXCLUDED.account_id,
			source_key = EXCLUDED.source_key, auth_type = EXCLUDED.auth_type,
			secret = EXCLUDED.secret, headers = EXCLUDED.headers, updated_at = EXCLUDED.updated_at
	`, record.ID, string(record.Scope), record.WorkspaceID, nullableString(record.AccountID),
		record.SourceKey, string(record.AuthType), nullableJSON(record.SecretJSON), headers,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

const credentialColumns = `id, scope, workspace_id, account_id, source_key, auth_type, secret, headers, created_at, updated_at`

func (s *Postgres) scanCredential(row interface{ Scan(...any) error }) (*models.CredentialRecord, error) {
	var c models.CredentialRecord
	var accountID sql.NullString
	var secret, headers []byte
	err := row.Scan(&c.ID, (*string)(&c.Scope), &c.WorkspaceID, &accountID,
		&c.SourceKey, (*string)(&c.AuthType), &secret, &headers, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AccountID = accountID.String
	if len(secret) > 0 {
		c.SecretJSON = json.RawMessage(secret)
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &c.Headers)
	}
	return &c, nil
}

func (s *Postgres) ListCredentials(ctx context.Context, workspaceID string) ([]*models.CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials WHERE workspace_id = $1 ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []*models.CredentialRecord
	for rows.Next() {
		c, err := s.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) FindCredential(ctx context.Context, workspaceID, accountID, sourceKey string) (*models.CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE workspace_id = $1 AND LOWER(source_key) = LOWER($3)
			AND (scope = 'workspace' OR (scope = 'account' AND account_id = $2))
		ORDER BY CASE scope WHEN 'account' THEN 0 ELSE 1 END
		LIMIT 1
	`, workspaceID, accountID, sourceKey)
	c, err := s.scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return c, nil
}

// --- SourceStore ---

func (s *Postgres) UpsertSource(ctx context.Context, source *models.ToolSource) error {
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	now := time.Now()
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	source.DeriveFingerprints()
	config, err := json.Marshal(source.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_sources (id, workspace_id, name, source_type, config, enabled, spec_hash, auth_fingerprint, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, source_type = EXCLUDED.source_type,
			config = EXCLUDED.config, enabled = EXCLUDED.enabled,
			spec_hash = EXCLUDED.spec_hash, auth_fingerprint = EXCLUDED.auth_fingerprint,
			updated_at = EXCLUDED.updated_at
	`, source.ID, source.WorkspaceID, source.Name, string(source.Type), config,
		source.Enabled, nullableString(source.SpecHash), nullableString(source.AuthFingerprint),
		source.CreatedAt, source.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

const sourceColumns = `id, workspace_id, name, source_type, config, enabled, spec_hash, auth_fingerprint, created_at, updated_at`

func (s *Postgres) scanSource(row interface{ Scan(...any) error }) (*models.ToolSource, error) {
	var src models.ToolSource
	var specHash, authFP sql.NullString
	var config []byte
	err := row.Scan(&src.ID, &src.WorkspaceID, &src.Name, (*string)(&src.Type),
		&config, &src.Enabled, &specHash, &authFP, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.SpecHash = specHash.String
	src.AuthFingerprint = authFP.String
	if len(config) > 0 {
		_ = json.Unmarshal(config, &src.Config)
	}
	return &src, nil
}

func (s *Postgres) GetSource(ctx context.Context, id string) (*models.ToolSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM tool_sources WHERE id = $1`, id)
	src, err := s.scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (s *Postgres) DeleteSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListSources(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.ToolSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM tool_sources WHERE workspace_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolSource
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// --- RegistryStore ---

func (s *Postgres) GetRegistryState(ctx context.Context, workspaceID string) (*models.RegistryState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, signature, ready_build_id, building_build_id,
			building_started_at, source_states, warnings, tool_count, updated_at
		FROM registry_state WHERE workspace_id = $1
	`, workspaceID)
	var st models.RegistryState
	var signature, ready, building sql.NullString
	var buildingAt sql.NullTime
	var sourceStates, warnings []byte
	err := row.Scan(&st.WorkspaceID, &signature, &ready, &building, &buildingAt,
		&sourceStates, &warnings, &st.ToolCount, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registry state: %w", err)
	}
	st.Signature = signature.String
	st.ReadyBuildID = ready.String
	st.BuildingBuildID = building.String
	if buildingAt.Valid {
		st.BuildingStartedAt = &buildingAt.Time
	}
	if len(sourceStates) > 0 {
		_ = json.Unmarshal(sourceStates, &st.SourceStates)
	}
	if len(warnings) > 0 {
		_ = json.Unmarshal(warnings, &st.Warnings)
	}
	return &st, nil
}

func (s *Postgres) ClaimBuild(ctx context.Context, workspaceID, buildID string, staleAfter time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO registry_state (workspace_id, building_build_id, building_started_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (workspace_id) DO UPDATE SET
			building_build_id = EXCLUDED.building_build_id,
			building_started_at = EXCLUDED.building_started_at,
			updated_at = EXCLUDED.updated_at
		WHERE registry_state.building_build_id IS NULL
			OR registry_state.building_started_at < NOW() - $3::interval
	`, workspaceID, buildID, fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return false, fmt.Errorf("claim build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Postgres) CommitBuild(ctx context.Context, state *models.RegistryState) error {
	sourceStates, err := json.Marshal(state.SourceStates)
	if err != nil {
		return fmt.Errorf("marshal source states: %w", err)
	}
	warnings, err := json.Marshal(state.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE registry_state SET
			signature = $2, ready_build_id = $3, building_build_id = NULL,
			building_started_at = NULL, source_states = $4, warnings = $5,
			tool_count = $6, updated_at = NOW()
		WHERE workspace_id = $1
	`, state.WorkspaceID, state.Signature, state.ReadyBuildID, sourceStates, warnings, state.ToolCount)
	if err != nil {
		return fmt.Errorf("commit build: %w", err)
	}
	return nil
}

func (s *Postgres) FailBuild(ctx context.Context, workspaceID, buildID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE registry_state SET building_build_id = NULL, building_started_at = NULL, updated_at = NOW()
		WHERE workspace_id = $1 AND building_build_id = $2
	`, workspaceID, buildID)
	if err != nil {
		return fmt.Errorf("fail build: %w", err)
	}
	return nil
}

func (s *Postgres) PutEntries(ctx context.Context, entries []*models.RegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registry_entries (workspace_id, build_id, path, body)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (workspace_id, build_id, path) DO UPDATE SET body = EXCLUDED.body
		`, e.WorkspaceID, e.BuildID, e.Path, body); err != nil {
			return fmt.Errorf("put entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Postgres) PutNamespaces(ctx context.Context, summaries []*models.NamespaceSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, n := range summaries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO registry_namespaces (workspace_id, build_id, namespace, source_key, tool_count)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (workspace_id, build_id, namespace, source_key) DO UPDATE SET tool_count = EXCLUDED.tool_count
		`, n.WorkspaceID, n.BuildID, n.Namespace, n.SourceKey, n.ToolCount); err != nil {
			return fmt.Errorf("put namespace: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Postgres) ListEntries(ctx context.Context, workspaceID, buildID string) ([]*models.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM registry_entries
		WHERE workspace_id = $1 AND build_id = $2 ORDER BY path ASC
	`, workspaceID, buildID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var out []*models.RegistryEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e models.RegistryEntry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Postgres) GetEntry(ctx context.Context, workspaceID, buildID, path string) (*models.RegistryEntry, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM registry_entries WHERE workspace_id = $1 AND build_id = $2 AND path = $3
	`, workspaceID, buildID, path).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var e models.RegistryEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *Postgres) ListNamespaces(ctx context.Context, workspaceID, buildID string) ([]*models.NamespaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, build_id, namespace, source_key, tool_count
		FROM registry_namespaces WHERE workspace_id = $1 AND build_id = $2 ORDER BY namespace ASC
	`, workspaceID, buildID)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()
	var out []*models.NamespaceSummary
	for rows.Next() {
		var n models.NamespaceSummary
		if err := rows.Scan(&n.WorkspaceID, &n.BuildID, &n.Namespace, &n.SourceKey, &n.ToolCount); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Postgres) PruneBuilds(ctx context.Context, workspaceID string, keep []string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM registry_entries WHERE workspace_id = $1 AND NOT (build_id = ANY($2))
	`, workspaceID, pq.Array(keep))
	if err != nil {
		return fmt.Errorf("prune entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM registry_namespaces WHERE workspace_id = $1 AND NOT (build_id = ANY($2))
	`, workspaceID, pq.Array(keep))
	if err != nil {
		return fmt.Errorf("prune namespaces: %w", err)
	}
	return nil
}

// --- SessionStore ---

func (s *Postgres) BootstrapSession(ctx context.Context, sessionID string) (string, string, error) {
	if sessionID == "" {
		return "ws_" + uuid.NewString(), "acct_" + uuid.NewString(), nil
	}
	workspaceID := "ws_" + uuid.NewString()
	accountID := "acct_" + uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO anonymous_sessions (session_id, workspace_id, account_id, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING workspace_id, account_id
	`, sessionID, workspaceID, accountID)
	var ws, acct string
	if err := row.Scan(&ws, &acct); err != nil {
		return "", "", fmt.Errorf("bootstrap session: %w", err)
	}
	return ws, acct, nil
}
