// Package api provides the HTTP and WebSocket API for orcflow.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	JSONResponseStatus(w, data, http.StatusOK)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	JSONResponseStatus(w, APIError{Error: message}, status)
}

// HandleError inspects error type and writes appropriate response.
func HandleError(w http.ResponseWriter, err error) {
	var orcErr *orcerrors.OrcError
	if errors.As(err, &orcErr) {
		JSONResponseStatus(w, APIError{
			Error: orcErr.What,
			Code:  string(orcErr.Code),
			Why:   orcErr.Why,
			Fix:   orcErr.Fix,
		}, orcErr.HTTPStatus())
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}
