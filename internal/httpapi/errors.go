package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"runnerd/internal/worker"
	"runnerd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeServiceError maps worker-layer errors to HTTP status codes. Requests
// whose client already went away are dropped without a reply.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		return
	}
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	switch {
	case worker.IsUnavailable(err), worker.IsCrashed(err):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case worker.IsTimeout(err):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case worker.IsRemote(err):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case worker.IsAborted(err), errors.Is(err, context.Canceled):
		// Nothing useful to tell a client that asked for the abort.
		writeJSONError(w, statusClientClosedRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// statusClientClosedRequest is the nginx convention for aborted requests.
const statusClientClosedRequest = 499
