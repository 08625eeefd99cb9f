package manager

import "fmt"

// ErrorKind is a stable string identifying the category of failure crossing
// the gateway boundary.
type ErrorKind string

const (
	KindPreUpdateProcessingFailed ErrorKind = "pre_update_processing_failed"
	KindEndpointError             ErrorKind = "endpoint_error"
	KindAuthError                 ErrorKind = "auth_error"
	KindTimeout                   ErrorKind = "timeout"
	KindNotFound                  ErrorKind = "sid_not_found"
	KindBadRequest                ErrorKind = "bad_request"
	KindCancelled                 ErrorKind = "cancelled"
)

// Phase identifies which barrier a Timeout or Cancelled error occurred in.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// ErrorResponse is the error shape returned across the Manager's public
// surface.
type ErrorResponse struct {
	Code  int
	Kind  ErrorKind
	Phase Phase
	Body  string
}

func (e *ErrorResponse) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%d %s (phase=%s): %s", e.Code, e.Kind, e.Phase, e.Body)
	}
	return fmt.Sprintf("%d %s: %s", e.Code, e.Kind, e.Body)
}

func errPreUpdateProcessingFailed(body string) *ErrorResponse {
	return &ErrorResponse{Code: 500, Kind: KindPreUpdateProcessingFailed, Body: body}
}

func errTimeout(phase Phase) *ErrorResponse {
	return &ErrorResponse{Code: 500, Kind: KindTimeout, Phase: phase, Body: fmt.Sprintf("%s_update_processing timed out", phase)}
}

func errAuth(body string) *ErrorResponse {
	return &ErrorResponse{Code: 401, Kind: KindAuthError, Body: body}
}

func errEndpoint(body string) *ErrorResponse {
	return &ErrorResponse{Code: 500, Kind: KindEndpointError, Body: body}
}

func errSIDNotFound(sid string) *ErrorResponse {
	return &ErrorResponse{Code: 500, Kind: KindNotFound, Body: fmt.Sprintf("sid %s not found", sid)}
}

func errBadRequest(body string) *ErrorResponse {
	return &ErrorResponse{Code: 400, Kind: KindBadRequest, Body: body}
}
