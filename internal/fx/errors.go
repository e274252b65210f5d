package fx

import (
	"fmt"
	"strings"

	"fxledger/internal/core"
)

// StatusError is a non-success HTTP status from a provider.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL)
}

// DecodeError is an unparseable provider body.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode provider response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

type networkError struct{ err error }

func (e *networkError) Error() string { return e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }

// EndpointFailure records why one endpoint was abandoned.
type EndpointFailure struct {
	Endpoint string
	Err      error
}

// UpstreamError is returned once every endpoint has been exhausted.
// It matches core.ErrUpstreamUnavailable and the last observed error via errors.Is/As.
type UpstreamError struct {
	Failures []EndpointFailure
}

func (e *UpstreamError) add(endpoint string, err error) {
	e.Failures = append(e.Failures, EndpointFailure{Endpoint: endpoint, Err: err})
}

// Last returns the last observed error, or nil if no endpoint was tried.
func (e *UpstreamError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

func (e *UpstreamError) Error() string {
	if len(e.Failures) == 0 {
		return "all FX endpoints failed: no endpoints configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Endpoint)
	}
	return fmt.Sprintf("all FX endpoints failed (%s); last error: %v", strings.Join(parts, ", "), e.Last())
}

func (e *UpstreamError) Unwrap() []error {
	if last := e.Last(); last != nil {
		return []error{core.ErrUpstreamUnavailable, last}
	}
	return []error{core.ErrUpstreamUnavailable}
}
