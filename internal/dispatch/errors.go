package dispatch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-voicegate/internal/backend"
	"github.com/loqalabs/loqa-voicegate/internal/eventstore"
)

// ErrNoBackend is returned when no configured instance is healthy.
var ErrNoBackend = errors.New("no backend available")

// UpstreamError is returned once the retry budget is exhausted. StatusCode
// is the engine's status when it answered, zero otherwise.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream synthesis failed with status %d", e.StatusCode)
	}
	return "upstream synthesis failed"
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func newUpstreamError(err error) *UpstreamError {
	ue := &UpstreamError{Err: err}
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		ue.StatusCode = statusErr.StatusCode
	}
	return ue
}

// TranscodeError wraps a failure to encode audio the engine did return.
type TranscodeError struct {
	Err error
}

func (e *TranscodeError) Error() string { return "transcode failed: " + e.Err.Error() }

func (e *TranscodeError) Unwrap() error { return e.Err }

// StatusCode maps a dispatch error to the HTTP status reported to callers.
func StatusCode(err error) int {
	var (
		validation *backend.ValidationError
		upstream   *UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoBackend):
		return http.StatusServiceUnavailable
	case errors.As(err, &upstream):
		if upstream.StatusCode >= 400 {
			return upstream.StatusCode
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Outcome classifies err for the audit log and metrics.
func Outcome(err error) string {
	var (
		validation *backend.ValidationError
		upstream   *UpstreamError
		transcode  *TranscodeError
	)
	switch {
	case err == nil:
		return eventstore.OutcomeOK
	case errors.As(err, &validation):
		return eventstore.OutcomeValidation
	case errors.Is(err, ErrNoBackend):
		return eventstore.OutcomeUnavailable
	case errors.As(err, &transcode):
		return eventstore.OutcomeTranscode
	case errors.As(err, &upstream):
		return eventstore.OutcomeUpstream
	default:
		return eventstore.OutcomeUpstream
	}
}
