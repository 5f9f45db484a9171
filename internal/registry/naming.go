package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/execplane/execplane/pkg/models"
)

// NormalizePath produces the fuzzy-lookup key for a tool path: lowercased
// tokens with separators stripped and consecutive duplicates removed.
// "Admin.Send_Announcement" and "admin.sendAnnouncement" normalize equal.
func NormalizePath(path string) string {
	tokens := tokenize(path)
	deduped := tokens[:0]
	prev := ""
	for _, tok := range tokens {
		if tok == prev {
			continue
		}
		deduped = append(deduped, tok)
		prev = tok
	}
	return strings.Join(deduped, "")
}

// tokenize splits a path on separators and camelCase boundaries, lowercasing
// every token.
func tokenize(path string) []string {
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			tokens = append(tokens, strings.ToLower(string(current)))
			current = nil
		}
	}
	for _, r := range path {
		switch {
		case r == '.' || r == '_' || r == '-' || r == '/':
			flush()
		case r >= 'A' && r <= 'Z':
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
	}
	flush()
	return tokens
}

// Aliases returns the alternate spellings accepted at resolution time:
// the preferred path, a camelCased form, a compact separator-free form, and
// the lowercased path. The canonical path itself is excluded.
func Aliases(tool *models.SerializedTool) []string {
	seen := map[string]bool{tool.Path: true}
	var out []string
	add := func(alias string) {
		if alias == "" || seen[alias] {
			return
		}
		seen[alias] = true
		out = append(out, alias)
	}
	add(tool.PreferredPath)
	add(camelCasePath(tool.Path))
	add(strings.ReplaceAll(tool.Path, "_", ""))
	add(strings.ToLower(tool.Path))
	return out
}

// camelCasePath converts snake_case segments to camelCase, keeping the dots:
// "admin.send_announcement" becomes "admin.sendAnnouncement".
func camelCasePath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		words := strings.Split(seg, "_")
		for j := 1; j < len(words); j++ {
			if words[j] != "" {
				words[j] = strings.ToUpper(words[j][:1]) + words[j][1:]
			}
		}
		segments[i] = strings.Join(words, "")
	}
	return strings.Join(segments, ".")
}

// DeriveDisplayInput returns the human-readable input hint for a tool. The
// source-provided hint wins when present; otherwise one is derived from the
// input schema.
func DeriveDisplayInput(tool *models.SerializedTool) string {
	if tool.DisplayInput != "" {
		return tool.DisplayInput
	}
	return schemaHint(tool.InputSchema)
}

// schemaHint renders a JSON Schema object as "{key: type, optional?: type}".
// Anything that does not compile or is not an object renders empty.
func schemaHint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	schema, err := jsonschema.CompileString("input.json", string(raw))
	if err != nil || len(schema.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(schema.Required))
	for _, key := range schema.Required {
		required[key] = true
	}
	keys := make([]string, 0, len(schema.Properties))
	for key := range schema.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		name := key
		if !required[key] {
			name += "?"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, schemaType(schema.Properties[key])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func schemaType(s *jsonschema.Schema) string {
	if s == nil || len(s.Types) == 0 {
		return "any"
	}
	if len(s.Types) == 1 {
		if s.Types[0] == "integer" {
			return "number"
		}
		return s.Types[0]
	}
	return strings.Join(s.Types, "|")
}

// RequiredInput extracts the required key list from the input schema when the
// loader did not provide one.
func RequiredInput(tool *models.SerializedTool) []string {
	if len(tool.RequiredInput) > 0 {
		return tool.RequiredInput
	}
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString("input.json", string(tool.InputSchema))
	if err != nil {
		return nil
	}
	return schema.Required
}
