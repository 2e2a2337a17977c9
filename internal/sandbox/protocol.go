package sandbox

import (
	"errors"
	"net/http"
)

// Headers exchanged between a worker and its sandbox.
const (
	// HeaderHealthCheck marks a liveness probe; the sandbox answers 200
	// regardless of loaded code.
	HeaderHealthCheck = "X-Health-Check"
	// HeaderLoadModule names the version the sandbox must load from its
	// directory before serving the request.
	HeaderLoadModule = "X-Load-Module"
	// HeaderRequestID carries the per-request identifier assigned by the worker.
	HeaderRequestID = "X-Req-Id"
	// HeaderLoadError is set by the sandbox on responses to failed loads.
	HeaderLoadError = "X-Load-Error"
)

// ControlHeaders are stripped from client requests before forwarding so
// callers cannot drive the sandbox directly, and from sandbox responses
// before they reach the caller.
var ControlHeaders = []string{HeaderHealthCheck, HeaderLoadModule, HeaderRequestID, HeaderLoadError}

// Sandbox failure kinds.
var (
	ErrLoadFailed    = errors.New("module load failed")
	ErrNotLoaded     = errors.New("no module loaded")
	ErrReplaceDenied = errors.New("module replacement not allowed")
	ErrUnauthorized  = errors.New("capability not permitted")
	ErrTimeout       = errors.New("execution timed out")
)

// StatusFor maps a sandbox failure to the HTTP status the sandbox answers with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrLoadFailed), errors.Is(err, ErrNotLoaded):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrReplaceDenied):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
