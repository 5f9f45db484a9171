package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/execplane/execplane/pkg/models"
)

// writeMethods are the HTTP methods whose operations default to requiring
// approval.
var writeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

var openAPIMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
	http.MethodPatch, http.MethodHead, http.MethodOptions,
}

// OpenAPIParameter is the serialized form of one operation parameter.
type OpenAPIParameter struct {
	Name          string `json:"name"`
	In            string `json:"in"`
	Required      bool   `json:"required,omitempty"`
	Style         string `json:"style,omitempty"`
	Explode       *bool  `json:"explode,omitempty"`
	AllowReserved bool   `json:"allow_reserved,omitempty"`
}

// OpenAPIOperation is the invocation payload stored in a SerializedTool for
// openapi_operation tools.
type OpenAPIOperation struct {
	Method        string             `json:"method"`
	BaseURL       string             `json:"base_url"`
	Path          string             `json:"path"`
	Parameters    []OpenAPIParameter `json:"parameters,omitempty"`
	HasBody       bool               `json:"has_body,omitempty"`
	StaticHeaders map[string]string  `json:"static_headers,omitempty"`
}

// OpenAPILoader turns an OpenAPI 3 document into one tool per operation.
type OpenAPILoader struct {
	http   *http.Client
	logger *slog.Logger
}

// Load dereferences the source's spec and emits one tool per (path, method).
func (l *OpenAPILoader) Load(ctx context.Context, source *models.ToolSource) ([]*models.SerializedTool, []string, error) {
	doc, err := l.loadDocument(ctx, source)
	if err != nil {
		return nil, nil, err
	}

	baseURL := configString(source.Config, "base_url")
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, nil, fmt.Errorf("no base url: set base_url or a servers entry in the spec")
	}
	staticHeaders := configHeaders(source.Config, "headers")

	var (
		tools    []*models.SerializedTool
		warnings []string
	)
	sourceSeg := models.SanitizePathSegment(source.Name)
	if doc.Paths != nil {
		paths := doc.Paths.Map()
		pathKeys := make([]string, 0, len(paths))
		for p := range paths {
			pathKeys = append(pathKeys, p)
		}
		sort.Strings(pathKeys)
		for _, specPath := range pathKeys {
			item := paths[specPath]
			ops := item.Operations()
			for _, method := range openAPIMethods {
				op, ok := ops[method]
				if !ok {
					continue
				}
				tool, warning := l.buildTool(source, sourceSeg, baseURL, specPath, method, item, op, staticHeaders)
				if warning != "" {
					warnings = append(warnings, warning)
				}
				if tool != nil {
					tools = append(tools, tool)
				}
			}
		}
	}
	return tools, warnings, nil
}

func (l *OpenAPILoader) loadDocument(ctx context.Context, source *models.ToolSource) (*openapi3.T, error) {
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}

	if spec := configString(source.Config, "spec"); spec != "" {
		doc, err := loader.LoadFromData([]byte(spec))
		if err != nil {
			return nil, fmt.Errorf("parse inline spec: %w", err)
		}
		return doc, nil
	}

	specURL := configString(source.Config, "spec_url")
	if specURL == "" {
		specURL = configString(source.Config, "url")
	}
	if specURL == "" {
		return nil, fmt.Errorf("source config needs spec, spec_url, or url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("spec request: %w", err)
	}
	for k, v := range configHeaders(source.Config, "headers") {
		req.Header.Set(k, v)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch spec: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	return doc, nil
}

func (l *OpenAPILoader) buildTool(source *models.ToolSource, sourceSeg, baseURL, specPath, method string, item *openapi3.PathItem, op *openapi3.Operation, staticHeaders map[string]string) (*models.SerializedTool, string) {
	tag := "default"
	if len(op.Tags) > 0 {
		tag = op.Tags[0]
	}
	opSeg := op.OperationID
	if opSeg == "" {
		opSeg = strings.ToLower(method) + "_" + specPath
	}
	path := fmt.Sprintf("%s.%s.%s", sourceSeg, models.SanitizePathSegment(tag), models.SanitizePathSegment(opSeg))

	var params []OpenAPIParameter
	combined := append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...)
	properties := map[string]json.RawMessage{}
	var required []string
	for _, ref := range combined {
		p := ref.Value
		if p == nil {
			continue
		}
		params = append(params, OpenAPIParameter{
			Name:          p.Name,
			In:            p.In,
			Required:      p.Required || p.In == openapi3.ParameterInPath,
			Style:         p.Style,
			Explode:       p.Explode,
			AllowReserved: p.AllowReserved,
		})
		if p.Schema != nil {
			if raw, err := json.Marshal(p.Schema); err == nil {
				properties[p.Name] = raw
			}
		} else {
			properties[p.Name] = json.RawMessage(`{"type":"string"}`)
		}
		if p.Required || p.In == openapi3.ParameterInPath {
			required = append(required, p.Name)
		}
	}

	hasBody := false
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if media, ok := op.RequestBody.Value.Content["application/json"]; ok && media.Schema != nil {
			hasBody = true
			mergeBodySchema(media.Schema, properties, &required)
		}
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	approval := models.ApprovalAuto
	if writeMethods[method] {
		approval = models.ApprovalRequired
	}

	spec, err := json.Marshal(OpenAPIOperation{
		Method:        method,
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		Path:          specPath,
		Parameters:    params,
		HasBody:       hasBody,
		StaticHeaders: staticHeaders,
	})
	if err != nil {
		return nil, fmt.Sprintf("%s %s: %v", method, specPath, err)
	}

	return &models.SerializedTool{
		Path:        path,
		Namespace:   sourceSeg,
		Description: description,
		Kind:        models.ToolKindOpenAPI,
		SourceKey:   source.Key(),
		Approval:    approval,
		InputSchema: buildObjectSchema(properties, required),
		Spec:        spec,
	}, ""
}

// mergeBodySchema folds a request body schema's properties into the combined
// input schema.
func mergeBodySchema(ref *openapi3.SchemaRef, properties map[string]json.RawMessage, required *[]string) {
	if ref.Value == nil {
		return
	}
	for name, prop := range ref.Value.Properties {
		if raw, err := json.Marshal(prop); err == nil {
			properties[name] = raw
		}
	}
	*required = append(*required, ref.Value.Required...)
}

func buildObjectSchema(properties map[string]json.RawMessage, required []string) json.RawMessage {
	schema := map[string]any{"type": "object"}
	if len(properties) > 0 {
		props := make(map[string]any, len(properties))
		for k, v := range properties {
			props[k] = v
		}
		schema["properties"] = props
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = dedupe(required)
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func dedupe(values []string) []string {
	out := values[:0]
	prev := ""
	for i, v := range values {
		if i > 0 && v == prev {
			continue
		}
		out = append(out, v)
		prev = v
	}
	return out
}

// runOpenAPI executes an openapi_operation tool: path substitution, parameter
// serialization, header merging, and an optional JSON body.
func (r *Runner) runOpenAPI(ctx context.Context, tool *models.SerializedTool, input map[string]any, rc RunContext) (json.RawMessage, error) {
	var op OpenAPIOperation
	if err := json.Unmarshal(tool.Spec, &op); err != nil {
		return nil, fmt.Errorf("tool %s: decode spec: %w", tool.Path, err)
	}

	reqURL, query, headerParams, bodyInput, err := buildRequestParts(&op, input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}

	var body io.Reader
	contentType := ""
	if op.HasBody && !writeMethodIsRead(op.Method) && len(bodyInput) > 0 {
		data, err := json.Marshal(bodyInput)
		if err != nil {
			return nil, fmt.Errorf("tool %s: marshal body: %w", tool.Path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = encodeQuery(query, op.Parameters)
	}
	// Precedence: static source headers, then credential headers, then
	// explicit input headers. Later wins.
	for k, v := range op.StaticHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range rc.CredentialHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headerParams {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("tool %s: read response: %w", tool.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s: HTTP %d: %s", tool.Path, resp.StatusCode, truncate(string(data), 300))
	}
	if len(data) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(data) {
		encoded, _ := json.Marshal(string(data))
		return encoded, nil
	}
	return data, nil
}

func writeMethodIsRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// buildRequestParts substitutes path parameters and serializes query/header
// parameters. Input keys consumed by parameters are excluded from the body.
func buildRequestParts(op *OpenAPIOperation, input map[string]any) (string, url.Values, map[string]string, map[string]any, error) {
	consumed := map[string]bool{}
	pathOut := op.Path
	query := url.Values{}
	headers := map[string]string{}

	for _, p := range op.Parameters {
		value, present := input[p.Name]
		if !present {
			if p.Required && p.In == "path" {
				return "", nil, nil, nil, fmt.Errorf("missing required path parameter %q", p.Name)
			}
			continue
		}
		consumed[p.Name] = true
		switch p.In {
		case "path":
			pathOut = strings.ReplaceAll(pathOut, "{"+p.Name+"}", url.PathEscape(fmt.Sprintf("%v", value)))
		case "query":
			serializeQueryParam(query, p, value)
		case "header":
			headers[p.Name] = fmt.Sprintf("%v", value)
		case "cookie":
			headers["Cookie"] = appendCookie(headers["Cookie"], p.Name, fmt.Sprintf("%v", value))
		}
	}

	body := map[string]any{}
	for k, v := range input {
		if !consumed[k] {
			body[k] = v
		}
	}
	return op.BaseURL + pathOut, query, headers, body, nil
}

// serializeQueryParam applies OpenAPI style/explode rules for query values.
func serializeQueryParam(query url.Values, p OpenAPIParameter, value any) {
	style := p.Style
	if style == "" {
		style = "form"
	}
	explode := style == "form" // form defaults to explode=true
	if p.Explode != nil {
		explode = *p.Explode
	}

	switch v := value.(type) {
	case []any:
		items := make([]string, len(v))
		for i, item := range v {
			items[i] = fmt.Sprintf("%v", item)
		}
		switch {
		case explode:
			for _, item := range items {
				query.Add(p.Name, item)
			}
		case style == "spaceDelimited":
			query.Add(p.Name, strings.Join(items, " "))
		case style == "pipeDelimited":
			query.Add(p.Name, strings.Join(items, "|"))
		default:
			query.Add(p.Name, strings.Join(items, ","))
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		switch {
		case style == "deepObject":
			for _, k := range keys {
				query.Add(fmt.Sprintf("%s[%s]", p.Name, k), fmt.Sprintf("%v", v[k]))
			}
		case explode:
			for _, k := range keys {
				query.Add(k, fmt.Sprintf("%v", v[k]))
			}
		default:
			parts := make([]string, 0, len(keys)*2)
			for _, k := range keys {
				parts = append(parts, k, fmt.Sprintf("%v", v[k]))
			}
			query.Add(p.Name, strings.Join(parts, ","))
		}
	default:
		query.Add(p.Name, fmt.Sprintf("%v", v))
	}
}

// encodeQuery renders query values, leaving reserved characters intact for
// allowReserved parameters.
func encodeQuery(query url.Values, params []OpenAPIParameter) string {
	reserved := map[string]bool{}
	for _, p := range params {
		if p.In == "query" && p.AllowReserved {
			reserved[p.Name] = true
		}
	}
	if len(reserved) == 0 {
		return query.Encode()
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		for _, v := range query[k] {
			if reserved[k] {
				parts = append(parts, url.QueryEscape(k)+"="+v)
			} else {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
	}
	return strings.Join(parts, "&")
}

func appendCookie(existing, name, value string) string {
	pair := name + "=" + value
	if existing == "" {
		return pair
	}
	return existing + "; " + pair
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
