package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ProviderError represents an error from a provider
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// Failure kinds reported by a generation
var (
	ErrGuardrailViolation = errors.New("guardrail violation")
	ErrContextOverflow    = errors.New("context overflow")
	ErrUnsupported        = errors.New("unsupported request")
	ErrUnknown            = errors.New("generation failed")
)

// GenerationError ties a provider failure to its kind. errors.Is matches
// both the kind sentinel and the underlying cause.
type GenerationError struct {
	Kind error
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Classify wraps err in a GenerationError with its detected kind.
// Already-classified errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	kind := ErrUnknown
	switch {
	case IsGuardrail(err):
		kind = ErrGuardrailViolation
	case IsContextOverflow(err):
		kind = ErrContextOverflow
	case IsUnsupported(err):
		kind = ErrUnsupported
	}
	return &GenerationError{Kind: kind, Err: err}
}

// IsContextOverflow checks if an error indicates context window overflow
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Code == "context_length_exceeded" {
			return true
		}
		if pe.Type == "invalid_request_error" && containsAny(pe.Message, "context", "too long", "maximum context", "prompt is too long") {
			return true
		}
	}
	return containsAny(err.Error(), "context_length_exceeded", "context window", "maximum context length", "prompt is too long", "exceeds the context")
}

// IsGuardrail checks if the backend refused the content on safety grounds
func IsGuardrail(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGuardrailViolation) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) && (pe.Code == "content_filter" || pe.Code == "content_policy_violation" || pe.Type == "safety") {
		return true
	}
	return containsAny(err.Error(), "content_filter", "content policy", "safety", "blocked by", "refusal")
}

// IsUnsupported checks if the backend cannot honour the request shape
// (unknown model, structured output or tools not supported)
func IsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupported) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) && (pe.Code == "model_not_found" || pe.Code == "unsupported_parameter" || pe.Status == 404) {
		return true
	}
	return containsAny(err.Error(), "does not support", "not supported", "unsupported", "model not found")
}

// IsRateLimitOrAuth checks if an error is due to rate limiting or auth issues
func IsRateLimitOrAuth(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == "rate_limit_exceeded" ||
			pe.Code == "authentication_error" ||
			pe.Type == "rate_limit_error" ||
			pe.Type == "authentication_error" ||
			pe.Status == 401 || pe.Status == 429
	}
	return false
}

// FailureText is the human-readable text recorded in a message when its
// generation fails.
func FailureText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Response cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "⚠️ The response timed out. Please try again."
	case errors.Is(err, ErrGuardrailViolation):
		return "⚠️ I can't help with that request. The model's safety guardrails blocked the response."
	case errors.Is(err, ErrContextOverflow):
		return "⚠️ Context overflow: this conversation is too large for the model. Try a shorter message or start a new conversation."
	case errors.Is(err, ErrUnsupported):
		return "⚠️ The model does not support this request."
	default:
		return fmt.Sprintf("⚠️ Something went wrong while generating a response: %v", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
