package proctor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

var (
	ErrNoActiveSession = errors.New("connection has no active session")
	ErrSessionMismatch = errors.New("session does not belong to this connection")
	ErrUnauthorized    = errors.New("role may not send this event")
	ErrValidation      = errors.New("validation failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrStaleUpdate     = errors.New("stale update")
	ErrUnknownAction   = errors.New("unknown action")
)

// ValidationError carries the per-field messages of a rejected payload.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// errorCode maps an engine or lifecycle error onto the code reported to the sender.
func errorCode(err error) response.ErrCode {
	switch {
	case errors.Is(err, ErrValidation):
		return response.ErrValidation
	case errors.Is(err, ErrNoActiveSession):
		return response.ErrNoActiveSession
	case errors.Is(err, ErrSessionMismatch):
		return response.ErrSessionMismatch
	case errors.Is(err, ErrUnauthorized):
		return response.ErrForbidden
	case errors.Is(err, ErrUnknownAction):
		return response.ErrUnknownAction
	case errors.Is(err, ws.ErrUnknownAction):
		return response.ErrUnknownAction
	case errors.Is(err, ws.ErrMalformedFrame):
		return response.ErrInvalidPayload
	case errors.Is(err, ErrStaleUpdate):
		return response.ErrStaleUpdate
	case errors.Is(err, ErrRateLimited):
		return response.ErrRateLimitExceeded
	case errors.Is(err, service.ErrExamNotStarted):
		return response.ErrExamNotStarted
	case errors.Is(err, service.ErrExamEnded):
		return response.ErrExamEnded
	case errors.Is(err, service.ErrExamNotFound):
		return response.ErrExamNotAvailable
	case errors.Is(err, service.ErrSessionNotFound):
		return response.ErrNotFound
	case errors.Is(err, service.ErrSessionClosed):
		return response.ErrSessionClosed
	case errors.Is(err, service.ErrInvalidID):
		return response.ErrInvalidID
	default:
		return response.ErrInternal
	}
}

// errorData builds the payload of an error event.
func errorData(action ws.Action, err error) ws.ErrorData {
	code := errorCode(err)
	data := ws.ErrorData{Action: action, Code: string(code), Message: response.GetMessage(code)}
	var ve *ValidationError
	if errors.As(err, &ve) {
		data.Fields = ve.Fields
	}
	return data
}

// isLifecycleError reports whether err is a typed answer from the lifecycle
// service rather than a persistence failure.
func isLifecycleError(err error) bool {
	return errors.Is(err, service.ErrExamNotFound) ||
		errors.Is(err, service.ErrExamNotStarted) ||
		errors.Is(err, service.ErrExamEnded) ||
		errors.Is(err, service.ErrSessionNotFound) ||
		errors.Is(err, service.ErrSessionClosed) ||
		errors.Is(err, service.ErrInvalidID)
}
