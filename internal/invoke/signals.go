// Package invoke implements the tool invocation pipeline: persist, resolve,
// authorize, gate, execute, journal.
package invoke

import (
	"errors"
	"fmt"
)

// PendingError is the control signal raised when a call suspends on a human
// approval. It survives wrapping; decode it with errors.As from any depth.
type PendingError struct {
	ApprovalID   string
	RetryAfterMs int
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("approval_pending: %s", e.ApprovalID)
}

// DeniedError is the control signal raised when a call is denied by policy or
// by a reviewer. The scheduler maps it to a denied task.
type DeniedError struct {
	ToolPath string
	Reason   string
}

func (e *DeniedError) Error() string {
	if e.ToolPath != "" {
		return fmt.Sprintf("approval_denied: %s: %s", e.ToolPath, e.Reason)
	}
	return fmt.Sprintf("approval_denied: %s", e.Reason)
}

// AsPending decodes an approval_pending signal from an error chain.
func AsPending(err error) (*PendingError, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending, true
	}
	return nil, false
}

// AsDenied decodes an approval_denied signal from an error chain.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
