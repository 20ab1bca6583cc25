package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/barambur26/aidock/internal/upstream"
)

// Kind classifies a chat error for the UI layer.
type Kind string

const (
	// KindConfiguration: no provider configuration selected; never reaches the network.
	KindConfiguration Kind = "configuration"
	// KindConnection: the stream could not be established; converted into a
	// fallback attempt internally and only surfaced if the fallback fails too.
	KindConnection Kind = "connection"
	// KindStream: the stream failed after it opened. No fallback; any partial
	// content is preserved.
	KindStream Kind = "stream"
	// KindQuotaExceeded: terminal, no retry; the UI shows its persistent banner.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindProviderUnavailable: terminal for this attempt; manual retry allowed.
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindUnauthorized: terminal; triggers re-authentication upstream.
	KindUnauthorized Kind = "unauthorized"
	// KindPersistence: a save failed; never blocks the chat.
	KindPersistence Kind = "persistence"
	// KindUnknown: anything else.
	KindUnknown Kind = "unknown"
)

// Error is a classified chat failure.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Sticky reports whether the UI should render this error as a persistent
// banner rather than a dismissable per-exchange notice.
func (e *Error) Sticky() bool {
	return e.Kind == KindQuotaExceeded
}

// Sentinel errors callers branch on.
var (
	// ErrBusy is returned when a send is attempted while an exchange is in flight.
	ErrBusy = errors.New("an exchange is already in flight")
	// ErrNoConfiguration is returned when no provider configuration is selected.
	ErrNoConfiguration = errors.New("no provider configuration selected")
)

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err, Retryable: kind == KindProviderUnavailable || kind == KindUnknown}
}

// classifyUpstreamError maps a single-shot upstream failure onto the taxonomy.
func classifyUpstreamError(err error) *Error {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized:
			return newError(KindUnauthorized, "session expired", err)
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return newError(KindQuotaExceeded, "usage quota exceeded", err)
		case statusErr.StatusCode >= http.StatusInternalServerError:
			return newError(KindProviderUnavailable, "AI provider unavailable", err)
		}
	}
	return newError(KindUnknown, "chat request failed", err)
}

// classifyStreamFailure maps a mid-stream error frame onto the taxonomy.
// Stream error frames carry text only, so classification falls back to
// well-known markers the provider gateway embeds in its messages.
func classifyStreamFailure(message string) *Error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "quota"):
		return newError(KindQuotaExceeded, message, nil)
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication"):
		return newError(KindUnauthorized, message, nil)
	default:
		return newError(KindStream, message, nil)
	}
}
