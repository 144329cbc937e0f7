package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Tyrowin/hexrelay/internal/envelope"
	"github.com/Tyrowin/hexrelay/internal/relay"
)

type errorCode string

const (
	codeInvalidArgument   errorCode = "INVALID_ARGUMENT"
	codePermissionDenied  errorCode = "PERMISSION_DENIED"
	codeResourceExhausted errorCode = "RESOURCE_EXHAUSTED"
	codeInternal          errorCode = "INTERNAL"
)

// apiError is the JSON body of every non-2xx REST response.
type apiError struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code errorCode, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}

// classifyError maps relay and validation errors onto HTTP responses.
// Storage failures never leak their cause to the caller.
func classifyError(err error) (int, apiError) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, envelope.ErrOversized):
		return http.StatusRequestEntityTooLarge, apiError{Code: codeInvalidArgument, Message: err.Error()}
	case errors.Is(err, relay.ErrInvalidRoom), errors.Is(err, envelope.ErrInvalid):
		return http.StatusBadRequest, apiError{Code: codeInvalidArgument, Message: err.Error()}
	case errors.Is(err, relay.ErrRoomNuked):
		return http.StatusForbidden, apiError{Code: codePermissionDenied, Message: "room has been nuked"}
	default:
		return http.StatusInternalServerError, apiError{Code: codeInternal, Message: "storage failure"}
	}
}

func writeClassified(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	writeJSON(w, status, body)
}
