package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Detail carries the identity provider's response body for upstream errors.
	Detail string `json:"detail,omitempty"`
	Reauth bool   `json:"reauth,omitempty"`
	Login  string `json:"login,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, code string, message string) {
	WriteErrorResponse(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// WriteErrorResponse writes a fully populated error body.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if err := WriteResponse(w, statusCode, resp); err != nil {
		http.Error(w, resp.Error+": "+resp.Message, statusCode)
	}
}

// ErrorResponseFor classifies err. Unclassified errors become a generic 500
// so internal details never reach the client.
func ErrorResponseFor(err error) (int, ErrorResponse) {
	e, ok := autherr.As(err)
	if !ok {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_server_error",
			Message: "internal error",
		}
	}

	resp := ErrorResponse{
		Error:   e.Kind.String(),
		Message: e.Message,
		Reauth:  e.ReauthRequired,
	}
	switch e.Kind {
	case autherr.KindUpstream:
		resp.Detail = e.Detail
	case autherr.KindInternal:
		resp.Message = "internal error"
	}
	return e.HTTPStatus(), resp
}

// WriteAuthError writes err using the autherr taxonomy.
func WriteAuthError(w http.ResponseWriter, err error) {
	status, resp := ErrorResponseFor(err)
	WriteErrorResponse(w, status, resp)
}

// Common error responses
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_server_error", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
