// Package policy decides whether audio and text inputs may be sent to the
// external collaborators.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Input kinds
const (
	KindAudio = "audio"
	KindText  = "text"
)

// Decisions
const (
	DecisionAllow  = "allow"
	DecisionReject = "reject"
)

// Limits are passed to the policy with every evaluation.
type Limits struct {
	MaxAudioBytes int `json:"max_audio_bytes"`
	MaxTextChars  int `json:"max_text_chars"`
}

// CapacityError is returned when an input exceeds a configured limit.
type CapacityError struct {
	Kind  string
	Size  int
	Limit int
}

func (e *CapacityError) Error() string {
	unit := "bytes"
	if e.Kind == KindText {
		unit = "characters"
	}
	return fmt.Sprintf("%s input of %d %s exceeds the limit of %d", e.Kind, e.Size, unit, e.Limit)
}

// Engine is the OPA admission engine.
type Engine struct {
	query  rego.PreparedEvalQuery
	limits Limits
}

// NewEngine creates a policy engine with the given policy content and limits.
func NewEngine(ctx context.Context, policyContent string, limits Limits) (*Engine, error) {
	r := rego.New(
		rego.Query("data.voice_admission.decision"),
		rego.Module("voice_admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, limits: limits}, nil
}

// Evaluate returns the raw decision for an input of the given kind and size.
func (e *Engine) Evaluate(ctx context.Context, kind string, size int) (string, error) {
	input := map[string]any{
		"kind":   kind,
		"size":   size,
		"limits": e.limits,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// Admit returns a *CapacityError when the policy rejects the input.
func (e *Engine) Admit(ctx context.Context, kind string, size int) error {
	decision, err := e.Evaluate(ctx, kind, size)
	if err != nil {
		return err
	}
	if decision != DecisionReject {
		return nil
	}
	limit := e.limits.MaxAudioBytes
	if kind == KindText {
		limit = e.limits.MaxTextChars
	}
	return &CapacityError{Kind: kind, Size: size, Limit: limit}
}

// Limits returns the limits the engine evaluates against.
func (e *Engine) Limits() Limits {
	return e.limits
}

// DefaultPolicy is the default admission policy.
const DefaultPolicy = `
package voice_admission

default decision = "allow"

decision = "reject" {
	input.kind == "audio"
	input.size > input.limits.max_audio_bytes
}

decision = "reject" {
	input.kind == "text"
	input.size > input.limits.max_text_chars
}
`
