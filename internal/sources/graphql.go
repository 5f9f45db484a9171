package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/execplane/execplane/pkg/models"
)

// GraphQLExecutor is the invocation payload for a source's executor tool.
type GraphQLExecutor struct {
	URL           string            `json:"url"`
	StaticHeaders map[string]string `json:"static_headers,omitempty"`
}

// GraphQLField is the invocation payload for an inert per-field pseudo-tool.
// Invoking one rewrites the call into the executor with a synthesized query.
type GraphQLField struct {
	URL           string            `json:"url"`
	StaticHeaders map[string]string `json:"static_headers,omitempty"`
	OperationType string            `json:"operation_type"`
	FieldName     string            `json:"field_name"`

	// ArgTypes maps argument names to their GraphQL type expressions, used
	// for variable declarations in synthesized queries.
	ArgTypes map[string]string `json:"arg_types,omitempty"`

	// NeedsSelection is true when the field returns an object type.
	NeedsSelection bool `json:"needs_selection,omitempty"`
}

// introspectionQuery enumerates the root fields of Query and Mutation.
const introspectionQuery = `query {
  __schema {
    queryType { name fields { name description args { name type { ...T } } type { kind ofType { kind } } } }
    mutationType { name fields { name description args { name type { ...T } } type { kind ofType { kind } } } }
  }
}
fragment T on __Type { kind name ofType { kind name ofType { kind name ofType { kind name } } } }`

type introspectionType struct {
	Kind   string             `json:"kind"`
	Name   string             `json:"name"`
	OfType *introspectionType `json:"ofType"`
}

type introspectionField struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Args        []struct {
		Name string            `json:"name"`
		Type introspectionType `json:"type"`
	} `json:"args"`
	Type introspectionType `json:"type"`
}

type introspectionRoot struct {
	Name   string               `json:"name"`
	Fields []introspectionField `json:"fields"`
}

// GraphQLLoader introspects an endpoint and emits an executor tool plus one
// pseudo-tool per root field.
type GraphQLLoader struct {
	http   *http.Client
	logger *slog.Logger
}

// Load introspects the endpoint. Queries default to auto approval, mutations
// to required.
func (l *GraphQLLoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	endpoint := configString(source.Config, "url")
	if endpoint == "" {
		endpoint = configString(source.Config, "endpoint")
	}
	if endpoint == "" {
		return nil, nil, fmt.Errorf("source config needs url or endpoint")
	}
	staticHeaders := configHeaders(source.Config, "headers")

	schema, err := l.introspect(ctx, endpoint, staticHeaders)
	if err != nil {
		return nil, nil, fmt.Errorf("introspect %s: %w", endpoint, err)
	}

	sourceSeg := models.SanitizePathSegment(source.Name)
	executorSpec, _ := json.Marshal(GraphQLExecutor{URL: endpoint, StaticHeaders: staticHeaders})
	tools := []*models.SerializedTool{{
		Path:        sourceSeg + ".graphql",
		Namespace:   sourceSeg,
		Description: fmt.Sprintf("Execute a raw GraphQL query against %s", source.Name),
		Kind:        models.ToolKindGraphQLExecutor,
		SourceKey:   source.Key(),
		Approval:    models.ApprovalAuto,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"variables":{"type":"object"}},"required":["query"]}`),
		Spec:        executorSpec,
	}}

	var warnings []string
	emit := func(root *introspectionRoot, opType string, approval models.ApprovalMode) {
		if root == nil {
			return
		}
		for _, field := range root.Fields {
			tool, err := l.fieldTool(source, sourceSeg, endpoint, staticHeaders, opType, approval, field)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s.%s: %v", opType, field.Name, err))
				continue
			}
			tools = append(tools, tool)
		}
	}

	emit(schema.query, "query", models.ApprovalAuto)
	emit(schema.mutation, "mutation", models.ApprovalRequired)
	return tools, warnings, nil
}

type introspectedSchema struct {
	query    *introspectionRoot
	mutation *introspectionRoot
}

func (l *GraphQLLoader) introspect(ctx context.Context, endpoint string, headers map[string]string) (*introspectedSchema, error) {
	result, err := postGraphQL(ctx, l.http, endpoint, headers, introspectionQuery, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data struct {
			Schema struct {
				QueryType    *introspectionRoot `json:"queryType"`
				MutationType *introspectionRoot `json:"mutationType"`
			} `json:"__schema"`
		} `json:"data"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return &introspectedSchema{
		query:    parsed.Data.Schema.QueryType,
		mutation: parsed.Data.Schema.MutationType,
	}, nil
}

func (l *GraphQLLoader) fieldTool(source *models.ToolSource, sourceSeg, endpoint string, headers map[string]string, opType string, approval models.ApprovalMode, field introspectionField) (*models.SerializedTool, error) {
	argTypes := map[string]string{}
	properties := map[string]json.RawMessage{}
	var required []string
	for _, arg := range field.Args {
		expr := typeExpr(&arg.Type)
		if expr == "" {
			return nil, fmt.Errorf("argument %s has an unrepresentable type", arg.Name)
		}
		argTypes[arg.Name] = expr
		properties[arg.Name] = json.RawMessage(`{}`)
		if strings.HasSuffix(expr, "!") {
			required = append(required, arg.Name)
		}
	}

	spec, err := json.Marshal(GraphQLField{
		URL:            endpoint,
		StaticHeaders:  headers,
		OperationType:  opType,
		FieldName:      field.Name,
		ArgTypes:       argTypes,
		NeedsSelection: returnsObject(&field.Type),
	})
	if err != nil {
		return nil, err
	}

	return &models.SerializedTool{
		Path:        fmt.Sprintf("%s.%s.%s", sourceSeg, opType, models.SanitizePathSegment(field.Name)),
		Namespace:   sourceSeg,
		Description: field.Description,
		Kind:        models.ToolKindGraphQLField,
		SourceKey:   source.Key(),
		Approval:    approval,
		InputSchema: buildObjectSchema(properties, required),
		Spec:        spec,
	}, nil
}

// typeExpr renders an introspection type reference as a GraphQL type
// expression like "[String!]!".
func typeExpr(t *introspectionType) string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case "NON_NULL":
		inner := typeExpr(t.OfType)
		if inner == "" {
			return ""
		}
		return inner + "!"
	case "LIST":
		inner := typeExpr(t.OfType)
		if inner == "" {
			return ""
		}
		return "[" + inner + "]"
	default:
		return t.Name
	}
}

// returnsObject reports whether a field's unwrapped return type is an object.
func returnsObject(t *introspectionType) bool {
	for t != nil {
		if t.Kind == "OBJECT" || t.Kind == "INTERFACE" || t.Kind == "UNION" {
			return true
		}
		t = t.OfType
	}
	return false
}

// runGraphQLExecutor POSTs a caller-supplied query.
func (r *Runner) runGraphQLExecutor(ctx context.Context, tool *models.SerializedTool, input map[string]any, rc RunContext) (json.RawMessage, error) {
	var spec GraphQLExecutor
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, fmt.Errorf("tool %s: decode spec: %w", tool.Path, err)
	}
	query, _ := input["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("tool %s: query is required", tool.Path)
	}
	variables, _ := input["variables"].(map[string]any)

	headers := mergeHeaders(spec.StaticHeaders, rc.CredentialHeaders)
	result, err := postGraphQL(ctx, r.http, spec.URL, headers, query, variables)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	return result, nil
}

// runGraphQLField rewrites a pseudo-tool call into an executor call with a
// synthesized query. The input map becomes the operation variables.
func (r *Runner) runGraphQLField(ctx context.Context, tool *models.SerializedTool, input map[string]any, rc RunContext) (json.RawMessage, error) {
	var spec GraphQLField
	if err := json.Unmarshal(tool.Spec, &spec); err != nil {
		return nil, fmt.Errorf("tool %s: decode spec: %w", tool.Path, err)
	}

	query := SynthesizeQuery(&spec, input)
	variables := map[string]any{}
	for name, value := range input {
		if _, known := spec.ArgTypes[name]; known {
			variables[name] = value
		}
	}
	headers := mergeHeaders(spec.StaticHeaders, rc.CredentialHeaders)
	result, err := postGraphQL(ctx, r.http, spec.URL, headers, query, variables)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	return result, nil
}

// SynthesizeQuery builds the operation a pseudo-tool delegates to. Arguments
// present in the input are passed through variables; object-returning fields
// select __typename since the caller supplied no selection set.
func SynthesizeQuery(spec *GraphQLField, input map[string]any) string {
	var names []string
	for name := range input {
		if _, known := spec.ArgTypes[name]; known {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var decls, args []string
	for _, name := range names {
		decls = append(decls, fmt.Sprintf("$%s: %s", name, spec.ArgTypes[name]))
		args = append(args, fmt.Sprintf("%s: $%s", name, name))
	}

	var b strings.Builder
	b.WriteString(spec.OperationType)
	if len(decls) > 0 {
		b.WriteString("(" + strings.Join(decls, ", ") + ")")
	}
	b.WriteString(" { " + spec.FieldName)
	if len(args) > 0 {
		b.WriteString("(" + strings.Join(args, ", ") + ")")
	}
	if spec.NeedsSelection {
		b.WriteString(" { __typename }")
	}
	b.WriteString(" }")
	return b.String()
}

func mergeHeaders(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// postGraphQL sends one GraphQL request and surfaces response errors.
func postGraphQL(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, query string, variables map[string]any) (json.RawMessage, error) {
	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 300))
	}
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Errors) > 0 {
		return nil, fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	return data, nil
}
