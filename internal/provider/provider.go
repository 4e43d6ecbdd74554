package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gemini-bridge/internal/models"
)

// ErrUnknownPersona indicates the requested persona id is not configured.
var ErrUnknownPersona = errors.New("unknown persona")

// ErrMissingCredentials indicates the upstream has no API key configured.
var ErrMissingCredentials = errors.New("upstream credentials are not configured")

// Provider is the upstream conversational backend.
type Provider interface {
	Name() string
	Models() []string
	Personas() []models.Persona
	Generate(ctx context.Context, params models.CallParams) (*models.Result, error)
	Close() error
}

// Kind classifies upstream failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindRateLimited
	KindModelUnavailable
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindRateLimited:
		return "rate_limited"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is an upstream failure tagged with its kind.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError returns an Error of the given kind.
func NewError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err. Errors without a tag are classified
// from their message text.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var upstreamErr *Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Kind
	}
	// The request URL names the model, so only the cause is inspected.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return ClassifyMessage(urlErr.Err.Error())
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps an error message onto a Kind by keyword. It exists for
// untagged errors only, such as transport failures.
func ClassifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "unauthorized"):
		return KindUnauthenticated
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota"):
		return KindRateLimited
	case strings.Contains(lower, "model"):
		return KindModelUnavailable
	default:
		return KindUnknown
	}
}
