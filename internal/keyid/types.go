package keyid

import (
	"fmt"
	"strings"
	"time"
)

// Settings configures a Client. The struct is copied at construction and
// never mutated afterwards, so workflows already in flight keep the values
// they started with.
type Settings struct {
	URL                 string
	License             string
	PassiveValidation   bool
	PassiveEnrollment   bool
	CustomThreshold     bool
	ThresholdConfidence float64
	ThresholdFidelity   float64
	Timeout             time.Duration
	StrictSSL           bool
}

// DefaultSettings mirrors the service's documented defaults.
func DefaultSettings() Settings {
	return Settings{
		ThresholdConfidence: 70,
		ThresholdFidelity:   50,
		Timeout:             60 * time.Second,
		StrictSSL:           true,
	}
}

// Scope names the mutating operation a security token authorizes.
type Scope string

const (
	ScopeSave   Scope = "save"
	ScopeRemove Scope = "remove"
)

// wireType is the value the service expects in the token confirmation
// request for each scope.
func (s Scope) wireType() string {
	if s == ScopeSave {
		return "enrollment"
	}
	return string(s)
}

// Token is a single-use authorization value tied to one entity. Tokens are
// never cached or reused across calls.
type Token struct {
	Value    string
	Scope    Scope
	EntityID string
}

// ErrorKind is the closed classification of the service's free-text error
// vocabulary. Only the classifier inspects raw error text; everything else
// branches on the kind.
type ErrorKind string

const (
	ErrNone             ErrorKind = ""
	ErrTransport        ErrorKind = "transport"
	ErrFatalLicense     ErrorKind = "fatal_license"
	ErrTokenRequired    ErrorKind = "enrollment_token_required"
	ErrEntityNotFound   ErrorKind = "entity_not_found"
	ErrInsufficientData ErrorKind = "insufficient_data"
	ErrTooMuchVariance  ErrorKind = "too_much_variance"
	ErrOther            ErrorKind = "other"
)

// Recoverable reports whether PassiveLogin may respond to this kind by
// enrolling the sample instead of failing.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrEntityNotFound, ErrInsufficientData, ErrTooMuchVariance:
		return true
	}
	return false
}

// ServiceError is a classified service condition. Transport failures and
// license failures abort a workflow and are returned as Go errors; the
// remaining kinds ride inside the workflow result so callers can branch on
// them directly.
type ServiceError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *ServiceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == ErrTransport {
		return fmt.Sprintf("keyid: transport failure (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("keyid: %s: %s", e.Kind, e.Message)
}

// Payload is the service's wire-format key/value response. Values keep
// whatever JSON type the service sent; fields the client does not interpret
// pass through to the caller untouched.
type Payload map[string]any

// String returns the named field coerced to a string, or "" when absent.
func (p Payload) String(key string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// Float returns the named field coerced to a float64, or 0 when absent or
// not numeric.
func (p Payload) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		var out float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &out); err == nil {
			return out
		}
	}
	return 0
}

// Clone returns a shallow copy so branch logic can rewrite fields without
// aliasing the original response.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for key, value := range p {
		out[key] = value
	}
	return out
}

// EvaluationResult is the outcome of Evaluate and PassiveLogin after boolean
// normalization and the decision policy. Raw carries the full service
// response verbatim.
type EvaluationResult struct {
	EntityID     string    `json:"entity_id"`
	Matched      bool      `json:"matched"`
	IsReady      bool      `json:"is_ready"`
	Confidence   float64   `json:"confidence"`
	Fidelity     float64   `json:"fidelity"`
	Error        ErrorKind `json:"error,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Raw          Payload   `json:"raw,omitempty"`
}
