package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

var (
	// ErrUnavailable marks transient provider failures: rate limits, 5xx, network errors.
	ErrUnavailable = errors.New("model unavailable")
	// ErrProtocol marks responses that could not be understood or were rejected as malformed.
	ErrProtocol = errors.New("model protocol error")
)

// Kind classifies a model failure.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindProtocol    Kind = "protocol"
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the class sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Kind == KindUnavailable {
		return []error{ErrUnavailable, e.Err}
	}
	return []error{ErrProtocol, e.Err}
}

// IsRetryable reports whether a failed Generate call may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Unavailable wraps err as a transient failure.
func Unavailable(provider string, err error) error {
	return &Error{Kind: KindUnavailable, Provider: provider, Err: err}
}

// Protocol wraps err as a malformed-response failure.
func Protocol(provider string, err error) error {
	return &Error{Kind: KindProtocol, Provider: provider, Err: err}
}

func protocolError(provider, msg string) error {
	return Protocol(provider, errors.New(msg))
}

// classify maps SDK and transport errors onto the taxonomy. Context errors pass through untouched.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	status := 0
	var oaErr *openai.Error
	var anErr *anthropic.Error
	switch {
	case errors.As(err, &oaErr):
		status = oaErr.StatusCode
	case errors.As(err, &anErr):
		status = anErr.StatusCode
	}
	if status > 0 {
		kind := KindProtocol
		if retryableStatus(status) {
			kind = KindUnavailable
		}
		return &Error{Kind: kind, Provider: provider, StatusCode: status, Err: err}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return Unavailable(provider, err)
	}
	return Protocol(provider, err)
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status == http.StatusConflict:
		return true
	case status >= 500:
		return true
	}
	return false
}
