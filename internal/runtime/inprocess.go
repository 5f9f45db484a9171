package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/execplane/execplane/internal/approvals"
	"github.com/execplane/execplane/pkg/models"
)

// InProcessID is the id of the built-in runtime.
const InProcessID = "inprocess"

// timeoutSignal marks TASK_TIMEOUT expiry inside a run.
type timeoutSignal struct{}

func (timeoutSignal) Error() string { return "TASK_TIMEOUT" }

// deniedSignal carries a denial out of a tool call.
type deniedSignal struct{ msg string }

func (d deniedSignal) Error() string { return d.msg }

// InProcess evaluates task snippets directly in the control-plane process.
// The snippet language covers sequential statements, const/let bindings,
// integer arithmetic, and awaited tools.* calls. A pending tool call suspends
// the run on the approval coordinator and replays the call once resolved.
type InProcess struct {
	approvals *approvals.Coordinator
	logger    *slog.Logger
}

// NewInProcess creates the in-process runtime.
func NewInProcess(coordinator *approvals.Coordinator, logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default().With("component", "runtime_inprocess")
	}
	return &InProcess{approvals: coordinator, logger: logger}
}

func (r *InProcess) ID() string { return InProcessID }

// Run evaluates the snippet and returns a terminal result. Infrastructure
// never fails here; every outcome is encoded in the RunResult.
func (r *InProcess) Run(ctx context.Context, req RunRequest, adapter Adapter) (RunResult, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	value, err := r.eval(ctx, req, adapter, deadline)
	if err != nil {
		var timedOut timeoutSignal
		var denied deniedSignal
		switch {
		case errors.As(err, &timedOut) || errors.Is(err, context.DeadlineExceeded):
			return RunResult{Status: models.TaskStatusTimedOut, Error: "TASK_TIMEOUT"}, nil
		case errors.As(err, &denied):
			return RunResult{Status: models.TaskStatusDenied, Error: denied.msg}, nil
		default:
			exit := 1
			return RunResult{Status: models.TaskStatusFailed, Error: err.Error(), ExitCode: &exit}, nil
		}
	}

	var result json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			exit := 1
			return RunResult{Status: models.TaskStatusFailed, Error: fmt.Sprintf("encode result: %v", err), ExitCode: &exit}, nil
		}
		result = data
	}
	exit := 0
	return RunResult{Status: models.TaskStatusCompleted, Result: result, ExitCode: &exit}, nil
}

func (r *InProcess) eval(ctx context.Context, req RunRequest, adapter Adapter, deadline time.Time) (any, error) {
	vars := map[string]any{}
	var lastValue any
	callSeq := 0

	for _, stmt := range splitStatements(req.Code) {
		if time.Now().After(deadline) {
			return nil, timeoutSignal{}
		}
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "//") {
			continue
		}

		if rest, ok := strings.CutPrefix(stmt, "return"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return nil, nil
			}
			return r.evalExpr(ctx, req, adapter, deadline, rest, vars, &callSeq)
		}

		if name, expr, ok := parseBinding(stmt); ok {
			value, err := r.evalExpr(ctx, req, adapter, deadline, expr, vars, &callSeq)
			if err != nil {
				return nil, err
			}
			vars[name] = value
			lastValue = value
			continue
		}

		value, err := r.evalExpr(ctx, req, adapter, deadline, stmt, vars, &callSeq)
		if err != nil {
			return nil, err
		}
		lastValue = value
	}
	return lastValue, nil
}

func (r *InProcess) evalExpr(ctx context.Context, req RunRequest, adapter Adapter, deadline time.Time, expr string, vars map[string]any, callSeq *int) (any, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "await"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
		expr = strings.TrimSpace(rest)
	}

	if strings.HasPrefix(expr, "tools.") {
		path, argSrc, err := parseToolCall(expr)
		if err != nil {
			return nil, err
		}
		input, err := parseObjectLiteral(argSrc)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", path, err)
		}
		*callSeq++
		callID := fmt.Sprintf("%s-c%d", req.TaskID, *callSeq)
		return r.invokeTool(ctx, adapter, deadline, ToolCallRequest{CallID: callID, ToolPath: path, Input: input})
	}

	if strings.HasPrefix(expr, `"`) || strings.HasPrefix(expr, "'") {
		return parseStringLiteral(expr)
	}

	return evalArith(expr, vars)
}

// invokeTool runs one tool call through the adapter, suspending on pending
// approvals and replaying the same callId after resolution.
func (r *InProcess) invokeTool(ctx context.Context, adapter Adapter, deadline time.Time, req ToolCallRequest) (any, error) {
	for {
		result := adapter.InvokeTool(ctx, req)
		if result.OK {
			var value any
			if len(result.Value) > 0 {
				if err := json.Unmarshal(result.Value, &value); err != nil {
					return nil, fmt.Errorf("tool %s: decode output: %w", req.ToolPath, err)
				}
			}
			return value, nil
		}
		switch result.Kind {
		case KindPending:
			if r.approvals == nil {
				return nil, fmt.Errorf("tool %s requires approval but no coordinator is wired", req.ToolPath)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, timeoutSignal{}
			}
			if _, err := r.approvals.WaitPolling(ctx, result.ApprovalID, remaining); err != nil {
				if errors.Is(err, approvals.ErrWaitTimeout) || errors.Is(err, context.DeadlineExceeded) {
					return nil, timeoutSignal{}
				}
				return nil, fmt.Errorf("wait for approval %s: %w", result.ApprovalID, err)
			}
			// Resolved either way; the replay observes the outcome.
		case KindDenied:
			return nil, deniedSignal{msg: result.Error}
		default:
			return nil, errors.New(result.Error)
		}
	}
}

// parseBinding matches "const x = expr" (also let/var) and returns the name
// and the right-hand side.
func parseBinding(stmt string) (name, expr string, ok bool) {
	for _, kw := range []string{"const ", "let ", "var "} {
		rest, found := strings.CutPrefix(stmt, kw)
		if !found {
			continue
		}
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return "", "", false
		}
		name = strings.TrimSpace(rest[:eq])
		if name == "" || !isIdent(name) {
			return "", "", false
		}
		return name, strings.TrimSpace(rest[eq+1:]), true
	}
	return "", "", false
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

// parseToolCall splits "tools.a.b.c({...})" into the dotted path and the raw
// argument source.
func parseToolCall(expr string) (path, argSrc string, err error) {
	open := strings.IndexByte(expr, '(')
	if open < 0 {
		return "", "", fmt.Errorf("malformed tool call: %s", expr)
	}
	path = strings.TrimPrefix(expr[:open], "tools.")
	if path == "" {
		return "", "", fmt.Errorf("malformed tool call: %s", expr)
	}
	rest := expr[open:]
	inner, err := balancedParens(rest)
	if err != nil {
		return "", "", fmt.Errorf("tool %s: %w", path, err)
	}
	return path, strings.TrimSpace(inner), nil
}

// balancedParens returns the content of the leading parenthesized group.
func balancedParens(s string) (string, error) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], nil
			}
		}
	}
	return "", errors.New("unbalanced parentheses")
}

// parseObjectLiteral decodes a JS-ish object literal (bare keys, single
// quotes) into a map. An empty argument list yields nil.
func parseObjectLiteral(src string) (map[string]any, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	normalized := normalizeLiteral(src)
	var out map[string]any
	if err := json.Unmarshal([]byte(normalized), &out); err != nil {
		return nil, fmt.Errorf("malformed input literal: %v", err)
	}
	return out, nil
}

// normalizeLiteral quotes bare keys and converts single-quoted strings so the
// literal parses as JSON.
func normalizeLiteral(src string) string {
	var b strings.Builder
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			quote := c
			b.WriteByte('"')
			i++
			for i < len(src) {
				ch := src[i]
				if ch == '\\' && i+1 < len(src) {
					b.WriteByte(ch)
					b.WriteByte(src[i+1])
					i += 2
					continue
				}
				if ch == quote {
					i++
					break
				}
				if ch == '"' {
					b.WriteString(`\"`)
					i++
					continue
				}
				b.WriteByte(ch)
				i++
			}
			b.WriteByte('"')
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			j := i
			for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
				j++
			}
			if j < len(src) && src[j] == ':' {
				b.WriteByte('"')
				b.WriteString(word)
				b.WriteByte('"')
			} else {
				b.WriteString(word)
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func parseStringLiteral(expr string) (string, error) {
	if len(expr) < 2 {
		return "", fmt.Errorf("malformed string literal: %s", expr)
	}
	quote := expr[0]
	if expr[len(expr)-1] != quote {
		return "", fmt.Errorf("malformed string literal: %s", expr)
	}
	if quote == '\'' {
		expr = `"` + strings.ReplaceAll(expr[1:len(expr)-1], `"`, `\"`) + `"`
	}
	var out string
	if err := json.Unmarshal([]byte(expr), &out); err != nil {
		return "", fmt.Errorf("malformed string literal: %v", err)
	}
	return out, nil
}

// splitStatements splits the snippet on newlines and semicolons outside of
// strings and bracket groups.
func splitStatements(code string) []string {
	var out []string
	var b strings.Builder
	depth := 0
	var quote byte
	escaped := false
	flush := func() {
		out = append(out, b.String())
		b.Reset()
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
			b.WriteByte(c)
		case '(', '{', '[':
			depth++
			b.WriteByte(c)
		case ')', '}', ']':
			depth--
			b.WriteByte(c)
		case '\n', ';':
			if depth == 0 {
				flush()
			} else {
				b.WriteByte(' ')
			}
		default:
			b.WriteByte(c)
		}
	}
	flush()
	return out
}

// evalArith evaluates an integer arithmetic expression with + - * / % and
// parentheses. Identifiers resolve against the statement variable bindings.
func evalArith(expr string, vars map[string]any) (any, error) {
	p := &arithParser{src: expr, vars: vars}
	value, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected token at %q", p.src[p.pos:])
	}
	if value == float64(int64(value)) {
		return int64(value), nil
	}
	return value, nil
}

type arithParser struct {
	src  string
	pos  int
	vars map[string]any
}

func (p *arithParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *arithParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return left, nil
		}
		op := p.src[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseMulDiv()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *arithParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return left, nil
		}
		op := p.src[p.pos]
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left = float64(int64(left) % int64(right))
		}
	}
}

func (p *arithParser) parseUnary() (float64, error) {
	p.skipSpace()
	if p.pos < len(p.src) && p.src[p.pos] == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	return p.parsePrimary()
}

func (p *arithParser) parsePrimary() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, errors.New("unexpected end of expression")
	}
	c := p.src[p.pos]
	if c == '(' {
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	if c >= '0' && c <= '9' {
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("malformed number %q", p.src[start:p.pos])
		}
		return v, nil
	}
	if isIdentStart(c) {
		start := p.pos
		for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
			p.pos++
		}
		name := p.src[start:p.pos]
		value, ok := p.vars[name]
		if !ok {
			return 0, fmt.Errorf("undefined variable %q", name)
		}
		switch v := value.(type) {
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		default:
			return 0, fmt.Errorf("variable %q is not numeric", name)
		}
	}
	return 0, fmt.Errorf("unexpected character %q", string(c))
}
