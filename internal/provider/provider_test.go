package provider

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
)

func TestKindOfTaggedError(t *testing.T) {
	err := fmt.Errorf("generate: %w", NewError(KindRateLimited, "slow down", nil))
	if got := KindOf(err); got != KindRateLimited {
		t.Fatalf("KindOf = %v, want %v", got, KindRateLimited)
	}
}

func TestKindOfTagBeatsMessage(t *testing.T) {
	err := NewError(KindUnknown, "model exploded", nil)
	if got := KindOf(err); got != KindUnknown {
		t.Fatalf("KindOf = %v, want %v", got, KindUnknown)
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		message string
		want    Kind
	}{
		{"Authentication failed", KindUnauthenticated},
		{"401 Unauthorized", KindUnauthenticated},
		{"Rate limit reached", KindRateLimited},
		{"daily QUOTA exceeded", KindRateLimited},
		{"model foo does not exist", KindModelUnavailable},
		{"connection reset by peer", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := ClassifyMessage(tt.message); got != tt.want {
				t.Errorf("ClassifyMessage(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("KindOf(nil) = %v", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := NewError(KindInvalidRequest, "persona x", ErrUnknownPersona)
	if !errors.Is(err, ErrUnknownPersona) {
		t.Fatal("expected errors.Is to find ErrUnknownPersona")
	}
	if err.Error() != "invalid_request: persona x: unknown persona" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestKindOfTransportErrorIgnoresURL(t *testing.T) {
	err := fmt.Errorf("send: %w", &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/v1beta/models/gemini-2.5-flash:generateContent",
		Err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"),
	})
	if got := KindOf(err); got != KindUnknown {
		t.Fatalf("KindOf = %v, want %v", got, KindUnknown)
	}
}
