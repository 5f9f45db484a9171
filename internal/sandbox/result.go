package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/execplane/execplane/pkg/models"
)

// ResultMarker prefixes the terminal stdout line a sandbox runner emits.
const ResultMarker = "__EXECUTOR_RESULT__"

// TerminalResult is the decoded payload of a sandbox result line.
type TerminalResult struct {
	Status     models.TaskStatus `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	ExitCode   *int              `json:"exitCode,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
}

// ParseResultLine extracts the terminal result from a stdout line. Lines
// without the marker, or with an undecodable payload, return false; the
// scheduler then treats the run as crashed.
func ParseResultLine(line string) (*TerminalResult, bool) {
	idx := strings.Index(line, ResultMarker)
	if idx < 0 {
		return nil, false
	}
	payload := strings.TrimSpace(line[idx+len(ResultMarker):])
	var result TerminalResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, false
	}
	if !models.IsTerminalStatus(result.Status) {
		return nil, false
	}
	return &result, true
}
