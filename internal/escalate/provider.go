// Package escalate is the Stage-2 cascade: images the Stage-1 scorer could
// not decide are sent to a vision-language model in one consolidated call
// that returns the culling decision, a descriptive label, and a critique
// together, so the expensive round trip is paid once per image, not three
// times.
package escalate

import (
	"context"
	"errors"
	"fmt"
)

// Decision is the model's keep/reject call for an ambiguous image.
type Decision string

const (
	DecisionKeep   Decision = "keep"
	DecisionReject Decision = "reject"
)

// Verdict is the structured response of one consolidated escalation call.
type Verdict struct {
	Decision Decision `json:"decision"`
	Label    string   `json:"label"`
	Critique string   `json:"critique,omitempty"`
}

// FilenameSuggestion turns the verdict's label into a lowercase hyphenated
// filename stem for the file-organization layer.
func (v *Verdict) FilenameSuggestion() string {
	return SlugLabel(v.Label)
}

// Validate enforces the response schema. Anything that fails here is a
// Stage-2 failure, not a usable verdict.
func (v *Verdict) Validate() error {
	if v.Decision != DecisionKeep && v.Decision != DecisionReject {
		return fmt.Errorf("invalid decision %q", v.Decision)
	}
	if v.Label == "" {
		return errors.New("missing label")
	}
	return nil
}

// Provider is one vision-language backend. Critique sends the image and the
// consolidated instruction and returns the model's structured verdict.
type Provider interface {
	Name() string
	Critique(ctx context.Context, imageData []byte, instruction string) (*Verdict, error)
}

// FailureKind distinguishes the ways an escalation call can fail.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureMalformed   FailureKind = "malformed-response"
	FailureUnreachable FailureKind = "unreachable"
)

// CallError wraps an escalation failure with its kind. The cascade never
// lets these abort a run; they surface in the verdict as needs-human-review.
type CallError struct {
	Kind FailureKind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("escalation %s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// classifyError maps transport errors onto failure kinds.
func classifyError(err error) *CallError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CallError{Kind: FailureTimeout, Err: err}
	}
	return &CallError{Kind: FailureUnreachable, Err: err}
}
