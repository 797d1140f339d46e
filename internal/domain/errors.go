package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for retry and circuit breaker decisions
type ErrorKind string

const (
	KindUnsupported        ErrorKind = "unsupported"
	KindClient             ErrorKind = "client_error"
	KindRateLimited        ErrorKind = "rate_limited"
	KindTransient          ErrorKind = "transient"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindConfiguration      ErrorKind = "configuration"
)

// Sentinel errors, one per kind, usable with errors.Is
var (
	ErrUnsupported        = errors.New("capability not supported")
	ErrClient             = errors.New("client error")
	ErrRateLimited        = errors.New("rate limited")
	ErrTransient          = errors.New("transient error")
	ErrServiceUnavailable = errors.New("service temporarily unavailable due to circuit breaker")
	ErrConfiguration      = errors.New("configuration error")
)

// ProviderError is returned by adapters and the dispatch layer
type ProviderError struct {
	Kind       ErrorKind
	Provider   Provider
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the error's kind
func (e *ProviderError) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindUnsupported:
		return ErrUnsupported
	case KindClient:
		return ErrClient
	case KindRateLimited:
		return ErrRateLimited
	case KindTransient:
		return ErrTransient
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindConfiguration:
		return ErrConfiguration
	}
	return nil
}

// NewUnsupportedError reports that an adapter lacks an operation
func NewUnsupportedError(provider Provider, op string) *ProviderError {
	return &ProviderError{Kind: KindUnsupported, Provider: provider, Op: op}
}

// NewStatusError classifies a non-2xx HTTP response
func NewStatusError(provider Provider, op string, status int, body string) *ProviderError {
	kind := KindTransient
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindClient
	}
	return &ProviderError{Kind: kind, Provider: provider, Op: op, StatusCode: status, Body: body}
}

// NewTransportError wraps a network or decoding failure
func NewTransportError(provider Provider, op string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Provider: provider, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err carries no classification
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsClientError reports a 4xx failure other than 429
func IsClientError(err error) bool {
	return errors.Is(err, ErrClient)
}

// IsUnsupported reports a missing capability
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
